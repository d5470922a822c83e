// Package mic captures the default system microphone through miniaudio
// (github.com/gen2brain/malgo).
//
// Samples are delivered from the audio driver's callback thread. The callback
// only copies the samples and hands them off without blocking; if the reader
// falls behind, whole callback buffers are dropped and counted.
package mic

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/fault"
)

// Device opens the default capture device.
type Device struct {
	// SampleRate requested from the driver. Default: 16000.
	SampleRate int

	// Channels requested from the driver. Default: 1.
	Channels int

	// Buffer is the number of callback buffers queued before dropping.
	// Default: 64.
	Buffer int
}

var _ audio.Device = (*Device)(nil)

// Open implements [audio.Device]. Driver or permission failures wrap
// [fault.ErrAudioDevice].
func (d *Device) Open(context.Context) (audio.Source, error) {
	f := audio.Format{SampleRate: d.SampleRate, Channels: d.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = 16000
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	buffer := d.Buffer
	if buffer <= 0 {
		buffer = 64
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("mic: init context: %w: %w", fault.ErrAudioDevice, err)
	}

	s := &Source{
		format: f,
		mctx:   mctx,
		ch:     make(chan audio.Frame, buffer),
		done:   make(chan struct{}),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("mic: init device: %w: %w", fault.ErrAudioDevice, err)
	}
	s.dev = dev
	return s, nil
}

// Source is an open microphone.
type Source struct {
	format audio.Format
	mctx   *malgo.AllocatedContext
	dev    *malgo.Device

	ch       chan audio.Frame
	done     chan struct{}
	once     sync.Once
	running  sync.WaitGroup
	used     atomic.Bool
	captured atomic.Int64
	dropped  atomic.Uint64
}

var _ audio.Source = (*Source)(nil)

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

func (s *Source) onData(_, in []byte, frames uint32) {
	n := int(frames) * s.format.Channels
	if n == 0 || len(in) < n*4 {
		return
	}
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
	}
	pos := s.captured.Add(int64(frames)) - int64(frames)
	f := audio.Frame{
		Samples:   samples,
		Format:    s.format,
		Timestamp: audio.SamplesDuration(int(pos), s.format.SampleRate),
	}
	select {
	case s.ch <- f:
	default:
		s.dropped.Add(1)
	}
}

// Capture implements [audio.Source]. It starts the device and yields frames
// until ctx is cancelled or the source is closed.
func (s *Source) Capture(ctx context.Context) iter.Seq2[audio.Frame, error] {
	if !s.used.CompareAndSwap(false, true) {
		return audio.ErrorSeq(audio.ErrSourceConsumed)
	}
	s.running.Add(1)
	return func(yield func(audio.Frame, error) bool) {
		defer s.running.Done()
		if err := s.dev.Start(); err != nil {
			yield(audio.Frame{}, fmt.Errorf("mic: start: %w: %w", fault.ErrAudioDevice, err))
			return
		}
		defer func() {
			_ = s.dev.Stop()
			if d := s.dropped.Load(); d > 0 {
				slog.Warn("mic: callback buffers dropped", "dropped", d)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				yield(audio.Frame{}, ctx.Err())
				return
			case <-s.done:
				return
			case f := <-s.ch:
				if !yield(f, nil) {
					return
				}
			}
		}
	}
}

// Close implements [audio.Source]. It stops a running capture, waits for it
// to return and releases the device and the driver context.
func (s *Source) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.running.Wait()
		s.dev.Uninit()
		_ = s.mctx.Uninit()
		s.mctx.Free()
	})
	return nil
}
