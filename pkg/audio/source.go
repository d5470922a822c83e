package audio

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/MrWong99/murmur/pkg/fault"
)

// ErrSourceConsumed is yielded by a second Capture on the same [Source].
var ErrSourceConsumed = fmt.Errorf("audio: source already captured: %w", fault.ErrAudioDevice)

// ErrorSeq returns a capture sequence that yields err once.
func ErrorSeq(err error) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		yield(Frame{}, err)
	}
}

// Source is an acquired capture stream.
//
// Capture yields raw frames in the source's native [Format] until ctx is
// cancelled, the source is closed, or (for finite sources such as files) the
// input ends. A Source can be captured once: a second call yields a single
// error wrapping [fault.ErrAudioDevice]. To capture again, open the [Device]
// again.
type Source interface {
	Format() Format
	Capture(ctx context.Context) iter.Seq2[Frame, error]
	Close() error
}

// Device acquires capture sources. Open returns an error wrapping
// [fault.ErrAudioDevice] when no device is available or access is denied.
type Device interface {
	Open(ctx context.Context) (Source, error)
}

// DeviceFunc adapts a function to the [Device] interface.
type DeviceFunc func(ctx context.Context) (Source, error)

// Open implements [Device].
func (f DeviceFunc) Open(ctx context.Context) (Source, error) { return f(ctx) }

// Framer slices a mono sample stream into fixed-size frames.
type Framer struct {
	size     int
	rate     int
	pending  []float32
	produced int
}

// NewFramer creates a framer emitting frames of size samples at rate.
func NewFramer(size, rate int) *Framer {
	return &Framer{size: size, rate: rate, pending: make([]float32, 0, size*2)}
}

// Push appends samples and returns every complete frame.
func (fr *Framer) Push(samples []float32) []Frame {
	fr.pending = append(fr.pending, samples...)
	var out []Frame
	for len(fr.pending) >= fr.size {
		chunk := make([]float32, fr.size)
		copy(chunk, fr.pending[:fr.size])
		out = append(out, fr.frame(chunk))
		fr.pending = append(fr.pending[:0], fr.pending[fr.size:]...)
	}
	return out
}

// Flush returns the remaining samples zero-padded to a full frame.
func (fr *Framer) Flush() (Frame, bool) {
	if len(fr.pending) == 0 {
		return Frame{}, false
	}
	chunk := make([]float32, fr.size)
	copy(chunk, fr.pending)
	fr.pending = fr.pending[:0]
	return fr.frame(chunk), true
}

func (fr *Framer) frame(samples []float32) Frame {
	f := Frame{
		Samples:   samples,
		Format:    Format{SampleRate: fr.rate, Channels: 1},
		Timestamp: SamplesDuration(fr.produced, fr.rate),
	}
	fr.produced += len(samples)
	return f
}

// PipelineConfig configures a capture [Pipeline].
type PipelineConfig struct {
	// TargetRate is the mono output sample rate. Default: 16000.
	TargetRate int

	// FrameDuration is the length of each emitted frame. Default: 20ms.
	FrameDuration time.Duration

	// HighQuality selects the band-limited [HQResampler] instead of the
	// streaming [LinearResampler].
	HighQuality bool
}

func (c *PipelineConfig) applyDefaults() {
	if c.TargetRate <= 0 {
		c.TargetRate = 16000
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
}

// FrameSize returns the number of samples per emitted frame.
func (c PipelineConfig) FrameSize() int {
	c.applyDefaults()
	return DurationSamples(c.FrameDuration, c.TargetRate)
}

// Pipeline moves captured audio into a [RingBuffer] as fixed-size mono frames
// at the target rate. The capture side never waits on the consumer: it only
// copies a frame into the ring.
type Pipeline struct {
	cfg  PipelineConfig
	ring *RingBuffer
}

// NewPipeline returns a pipeline writing into ring.
func NewPipeline(cfg PipelineConfig, ring *RingBuffer) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{cfg: cfg, ring: ring}
}

// Config returns the effective configuration.
func (p *Pipeline) Config() PipelineConfig { return p.cfg }

// Run captures from src until ctx is cancelled or src ends. A finite source
// ending returns nil after the final partial frame is flushed. Cancellation
// returns nil as well; only capture and conversion failures are errors.
func (p *Pipeline) Run(ctx context.Context, src Source) error {
	in := src.Format()
	if err := CheckRates(in.SampleRate, p.cfg.TargetRate); err != nil {
		return err
	}
	conv := &FormatConverter{TargetRate: p.cfg.TargetRate}
	if p.cfg.HighQuality && in.SampleRate != p.cfg.TargetRate {
		r, err := NewHQResampler(in.SampleRate, p.cfg.TargetRate)
		if err != nil {
			return err
		}
		conv.Resampler = r
	}
	framer := NewFramer(p.cfg.FrameSize(), p.cfg.TargetRate)

	for raw, err := range src.Capture(ctx) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return fmt.Errorf("audio: capture: %w", err)
		}
		out, err := conv.Convert(raw)
		if err != nil {
			return fmt.Errorf("audio: convert %s frame: %w", raw.Format, err)
		}
		for _, f := range framer.Push(out.Samples) {
			p.ring.Write(f)
		}
	}
	tail, err := conv.Flush()
	if err != nil {
		return err
	}
	for _, f := range framer.Push(tail) {
		p.ring.Write(f)
	}
	if f, ok := framer.Flush(); ok {
		p.ring.Write(f)
	}
	if d := p.ring.Dropped(); d > 0 {
		slog.Warn("audio: consumer fell behind, frames dropped", "dropped", d)
	}
	return nil
}
