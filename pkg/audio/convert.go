package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/MrWong99/murmur/pkg/fault"
)

// Supported resampling ratio bounds (source rate / target rate).
const (
	MinRatio = 1.0 / 8
	MaxRatio = 8.0
)

// CheckRates validates a resampling request. It returns an error wrapping
// [fault.ErrUnsupportedSampleRate] when either rate is not positive or the
// ratio falls outside [MinRatio, MaxRatio].
func CheckRates(fromRate, toRate int) error {
	if toRate <= 0 || fromRate <= 0 {
		return fmt.Errorf("audio: resample %d -> %d Hz: %w", fromRate, toRate, fault.ErrUnsupportedSampleRate)
	}
	ratio := float64(fromRate) / float64(toRate)
	if ratio < MinRatio || ratio > MaxRatio {
		return fmt.Errorf("audio: resample ratio %.4f outside [1/8, 8]: %w", ratio, fault.ErrUnsupportedSampleRate)
	}
	return nil
}

// Resample converts mono samples from fromRate to toRate using linear
// interpolation. The output holds ceil(len(samples)*toRate/fromRate) samples,
// so the duration is preserved to within one output sample. The input is
// returned unchanged when the rates are equal.
func Resample(samples []float32, fromRate, toRate int) ([]float32, error) {
	if err := CheckRates(fromRate, toRate); err != nil {
		return nil, err
	}
	if fromRate == toRate || len(samples) == 0 {
		return samples, nil
	}

	l, err := NewLinearResampler(fromRate, toRate)
	if err != nil {
		return nil, err
	}
	out, err := l.Process(samples)
	if err != nil {
		return nil, err
	}
	tail, err := l.Flush()
	return append(out, tail...), err
}

// ToMono averages interleaved channels into a single channel. A mono input is
// returned unchanged.
func ToMono(samples []float32, channels int) ([]float32, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("audio: invalid channel count %d", channels)
	}
	if channels == 1 {
		return samples, nil
	}
	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("audio: %d samples not divisible by %d channels", len(samples), channels)
	}
	out := make([]float32, len(samples)/channels)
	scale := 1 / float32(channels)
	for i := range out {
		var sum float32
		for _, s := range samples[i*channels : (i+1)*channels] {
			sum += s
		}
		out[i] = sum * scale
	}
	return out, nil
}

// Normalize scales samples so the peak magnitude is 1. Silence is returned
// unchanged.
func Normalize(samples []float32) []float32 {
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	if peak == 0 || peak == 1 {
		return samples
	}
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s / peak
	}
	return out
}

// RMS returns the root mean square of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFS converts an RMS value to decibels relative to full scale. Zero maps to
// -100 dBFS.
func DBFS(rms float64) float64 {
	if rms <= 1e-5 {
		return -100
	}
	return 20 * math.Log10(rms)
}

// PCM16ToFloat converts little-endian signed 16-bit PCM to normalized floats.
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// FloatToPCM16 converts normalized floats to little-endian signed 16-bit PCM,
// clamping to the int16 range.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// StreamResampler converts one continuous mono stream between two fixed
// rates. Process may hold back samples; Flush returns them once the input
// has ended.
type StreamResampler interface {
	Process(samples []float32) ([]float32, error)
	Flush() ([]float32, error)
}

// LinearResampler is the streaming form of [Resample]. The interpolation
// phase and the last input sample carry over between blocks, so splitting a
// stream into chunks of any size gives the same output as resampling it in
// one piece. Not safe for concurrent use.
type LinearResampler struct {
	from, to int64

	in   int64 // input samples seen
	out  int64 // output samples produced
	prev float32
}

// NewLinearResampler creates a streaming linear resampler.
func NewLinearResampler(fromRate, toRate int) (*LinearResampler, error) {
	if err := CheckRates(fromRate, toRate); err != nil {
		return nil, err
	}
	return &LinearResampler{from: int64(fromRate), to: int64(toRate)}, nil
}

// Process resamples the next block. Output sample n sits at input position
// n*from/to; every position covered by the input so far is emitted.
func (l *LinearResampler) Process(samples []float32) ([]float32, error) {
	if l.from == l.to {
		return samples, nil
	}
	if len(samples) == 0 {
		return nil, nil
	}
	base := l.in // stream index of samples[0]
	end := base + int64(len(samples))
	out := make([]float32, 0, int(int64(len(samples))*l.to/l.from)+1)
	for {
		num := l.out * l.from // position in 1/to input samples
		idx := num / l.to
		if idx >= end-1 && !(idx == end-1 && num%l.to == 0) {
			break
		}
		frac := float32(num%l.to) / float32(l.to)
		var a, b float32
		switch i := idx - base; {
		case i < 0:
			a, b = l.prev, samples[0]
		case i+1 < int64(len(samples)):
			a, b = samples[i], samples[i+1]
		default:
			a, b = samples[i], samples[i]
		}
		out = append(out, a*(1-frac)+b*frac)
		l.out++
	}
	l.in = end
	l.prev = samples[len(samples)-1]
	return out, nil
}

// Flush pads the tail with the last input sample so the total output is
// ceil(in*to/from) samples, the same length [Resample] returns.
func (l *LinearResampler) Flush() ([]float32, error) {
	if l.from == l.to {
		return nil, nil
	}
	want := (l.in*l.to + l.from - 1) / l.from
	var out []float32
	for ; l.out < want; l.out++ {
		out = append(out, l.prev)
	}
	return out, nil
}

// FormatConverter converts frames to a mono target rate. It logs a message
// on the first format mismatch. Create one per stream; not designed for
// shared use across goroutines.
type FormatConverter struct {
	// TargetRate is the output sample rate. Output is always mono.
	TargetRate int

	// Resampler performs the rate conversion step. It must have been
	// created for the stream's source rate and TargetRate. When nil, a
	// [LinearResampler] is created from the first frame's rate.
	Resampler StreamResampler

	warnedMismatch sync.Once
}

// Convert returns frame as mono at TargetRate. Conversion order: downmix first,
// then resample, so only one channel is resampled.
func (c *FormatConverter) Convert(frame Frame) (Frame, error) {
	if frame.SampleRate == c.TargetRate && frame.Channels == 1 {
		return frame, nil
	}
	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting capture format",
			"from", frame.Format.String(),
			"to", formatString(c.TargetRate, 1),
		)
	})

	mono, err := ToMono(frame.Samples, frame.Channels)
	if err != nil {
		return Frame{}, err
	}
	out := mono
	if frame.SampleRate != c.TargetRate {
		if c.Resampler == nil {
			if c.Resampler, err = NewLinearResampler(frame.SampleRate, c.TargetRate); err != nil {
				return Frame{}, err
			}
		}
		if out, err = c.Resampler.Process(mono); err != nil {
			return Frame{}, err
		}
	}
	return Frame{
		Samples:   out,
		Format:    Format{SampleRate: c.TargetRate, Channels: 1},
		Timestamp: frame.Timestamp,
	}, nil
}

// Flush returns the samples the resampler still holds at the end of the
// stream.
func (c *FormatConverter) Flush() ([]float32, error) {
	if c.Resampler == nil {
		return nil, nil
	}
	return c.Resampler.Flush()
}
