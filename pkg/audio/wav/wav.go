// Package wav reads and writes PCM WAV files as murmur capture sources.
package wav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/synth"
	"github.com/MrWong99/murmur/pkg/fault"
)

// Decode reads a whole WAV stream and returns interleaved normalized samples
// with their format.
func Decode(r io.ReadSeeker) ([]float32, audio.Format, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, audio.Format{}, errors.New("wav: invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, audio.Format{}, fmt.Errorf("wav: decode: %w", err)
	}
	if buf == nil {
		return nil, audio.Format{}, errors.New("wav: empty buffer")
	}

	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = int(dec.BitDepth)
	}
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int(1) << (depth - 1))
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / scale
	}

	f := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if buf.Format != nil {
		if f.SampleRate == 0 {
			f.SampleRate = buf.Format.SampleRate
		}
		if f.Channels == 0 {
			f.Channels = buf.Format.NumChannels
		}
	}
	if !f.Valid() {
		return nil, audio.Format{}, fmt.Errorf("wav: invalid format %s", f)
	}
	return out, f, nil
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) ([]float32, audio.Format, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wav: open %q: %w", path, err)
	}
	defer fh.Close()
	return Decode(fh)
}

// WriteFile encodes interleaved samples as 16-bit PCM.
func WriteFile(path string, samples []float32, f audio.Format) error {
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wav: create %q: %w", path, err)
	}
	enc := wav.NewEncoder(fh, f.SampleRate, 16, f.Channels, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		v := int(s * 32767)
		data[i] = max(-32768, min(32767, v))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		fh.Close()
		return fmt.Errorf("wav: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		fh.Close()
		return fmt.Errorf("wav: finalize: %w", err)
	}
	return fh.Close()
}

// Device opens a WAV file as a finite capture source. Every Open decodes the
// file again, so a device can be captured repeatedly.
type Device struct {
	Path string

	// Normalize scales the whole file to a peak magnitude of 1 before
	// replay, so quiet recordings clear the voice activity threshold.
	Normalize bool

	// Options configure the replay source (frame size, real-time pacing).
	Options []synth.Option
}

var _ audio.Device = (*Device)(nil)

// Open implements [audio.Device]. A missing or unreadable file wraps
// [fault.ErrAudioDevice].
func (d *Device) Open(context.Context) (audio.Source, error) {
	samples, f, err := ReadFile(d.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrAudioDevice, err)
	}
	if d.Normalize {
		samples = audio.Normalize(samples)
	}
	return synth.NewSource(samples, f, d.Options...), nil
}
