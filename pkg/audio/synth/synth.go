// Package synth generates deterministic test signals and replays sample
// buffers as capture sources.
//
// The generators are used by tests, by the CLI demo mode and by the
// benchmark harness. All output is normalized float32 mono.
package synth

import (
	"context"
	"iter"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
)

// Silence returns d worth of zero samples at rate.
func Silence(d time.Duration, rate int) []float32 {
	return make([]float32, audio.DurationSamples(d, rate))
}

// Tone returns a sine wave of the given frequency and peak amplitude.
func Tone(freq, amp float64, d time.Duration, rate int) []float32 {
	out := make([]float32, audio.DurationSamples(d, rate))
	w := 2 * math.Pi * freq / float64(rate)
	for i := range out {
		out[i] = float32(amp * math.Sin(w*float64(i)))
	}
	return out
}

// Speech returns a voiced, speech-like signal: a harmonic stack over a
// drifting fundamental (110–190 Hz) with syllable-rate amplitude modulation.
// The envelope never falls below 40% so the signal reads as one continuous
// utterance. The same seed always yields the same samples.
func Speech(d time.Duration, rate int, seed uint64) []float32 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]float32, audio.DurationSamples(d, rate))

	f0 := 110 + rng.Float64()*80
	syllable := 3.5 + rng.Float64()*2
	var phase float64
	for i := range out {
		t := float64(i) / float64(rate)
		f := f0 * (1 + 0.08*math.Sin(2*math.Pi*0.7*t))
		phase += 2 * math.Pi * f / float64(rate)

		var v float64
		for h := 1; h <= 12; h++ {
			if float64(h)*f > float64(rate)/2 {
				break
			}
			v += math.Sin(float64(h)*phase) / float64(h)
		}
		env := 0.7 + 0.3*math.Sin(2*math.Pi*syllable*t)
		out[i] = float32(0.3 * env * v / 2)
	}
	return out
}

// Concat joins sample buffers.
func Concat(parts ...[]float32) []float32 {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]float32, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Option configures a [Source].
type Option func(*Source)

// WithFrameDuration sets the length of each captured frame. Default: 10ms.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Source) { s.frame = d }
}

// WithRealtime paces frames at their playback duration.
func WithRealtime() Option {
	return func(s *Source) { s.realtime = true }
}

// Source replays a fixed buffer as a finite [audio.Source].
type Source struct {
	samples  []float32
	format   audio.Format
	frame    time.Duration
	realtime bool
	used     atomic.Bool
	closed   atomic.Bool
}

var _ audio.Source = (*Source)(nil)

// NewSource returns a source replaying interleaved samples in format.
func NewSource(samples []float32, format audio.Format, opts ...Option) *Source {
	s := &Source{samples: samples, format: format, frame: 10 * time.Millisecond}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Close implements [audio.Source]. A running capture stops before its next
// frame.
func (s *Source) Close() error {
	s.closed.Store(true)
	return nil
}

// Capture implements [audio.Source].
func (s *Source) Capture(ctx context.Context) iter.Seq2[audio.Frame, error] {
	if !s.used.CompareAndSwap(false, true) {
		return audio.ErrorSeq(audio.ErrSourceConsumed)
	}
	return func(yield func(audio.Frame, error) bool) {
		step := audio.DurationSamples(s.frame, s.format.SampleRate) * s.format.Channels
		if step <= 0 {
			step = s.format.Channels
		}
		var tick *time.Ticker
		if s.realtime {
			tick = time.NewTicker(s.frame)
			defer tick.Stop()
		}
		for off := 0; off < len(s.samples); off += step {
			if s.closed.Load() {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(audio.Frame{}, err)
				return
			}
			end := min(off+step, len(s.samples))
			f := audio.Frame{
				Samples:   s.samples[off:end:end],
				Format:    s.format,
				Timestamp: audio.SamplesDuration(off/s.format.Channels, s.format.SampleRate),
			}
			if !yield(f, nil) {
				return
			}
			if tick != nil {
				select {
				case <-tick.C:
				case <-ctx.Done():
					yield(audio.Frame{}, ctx.Err())
					return
				}
			}
		}
	}
}

// Device opens a fresh [Source] over the same samples on every Open.
type Device struct {
	Samples []float32
	Format  audio.Format
	Options []Option
}

var _ audio.Device = (*Device)(nil)

// Open implements [audio.Device].
func (d *Device) Open(context.Context) (audio.Source, error) {
	return NewSource(d.Samples, d.Format, d.Options...), nil
}
