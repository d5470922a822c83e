package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether both the rate and the channel count are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is a fixed-length run of normalized samples in [-1, 1]. Samples are
// interleaved when Channels > 1.
//
// A Frame is immutable once produced: stages that need to transform samples
// allocate a new slice instead of writing into Samples.
type Frame struct {
	Samples []float32

	Format

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Len returns the number of sample frames (samples per channel).
func (f Frame) Len() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(f.Len(), f.SampleRate)
}

// SamplesDuration converts a per-channel sample count at rate to a duration.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// DurationSamples converts d to a per-channel sample count at rate, rounding
// down.
func DurationSamples(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}

func formatString(rate, channels int) string {
	return fmt.Sprintf("%dHz/%dch", rate, channels)
}
