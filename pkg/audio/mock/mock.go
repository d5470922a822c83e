// Package mock provides in-memory mock implementations of [audio.Device] and
// [audio.Source] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control behaviour.
//
// Typical usage:
//
//	src := &mock.Source{
//	    FormatResult: audio.Format{SampleRate: 48000, Channels: 2},
//	    Frames:       frames,
//	    Hold:         true, // behave like a live microphone
//	}
//	dev := &mock.Device{Source: src}
package mock

import (
	"context"
	"iter"
	"sync"

	"github.com/MrWong99/murmur/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// FormatResult is returned by [Source.Format].
	FormatResult audio.Format

	// Frames are yielded in order by Capture.
	Frames []audio.Frame

	// CaptureErr, when set, is yielded after all Frames.
	CaptureErr error

	// Hold keeps the capture open after Frames are exhausted until ctx is
	// cancelled or Close is called, like a live device.
	Hold bool

	// CloseError is returned by [Source.Close].
	CloseError error

	// CallCountCapture records how many times Capture was called.
	CallCountCapture int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed chan struct{}
}

var _ audio.Source = (*Source)(nil)

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Capture implements [audio.Source]. Only the first call yields frames.
func (s *Source) Capture(ctx context.Context) iter.Seq2[audio.Frame, error] {
	s.mu.Lock()
	s.CallCountCapture++
	first := s.CallCountCapture == 1
	closed := s.closedChanLocked()
	frames := s.Frames
	capErr := s.CaptureErr
	hold := s.Hold
	s.mu.Unlock()

	if !first {
		return audio.ErrorSeq(audio.ErrSourceConsumed)
	}
	return func(yield func(audio.Frame, error) bool) {
		for _, f := range frames {
			if !yield(f, nil) {
				return
			}
		}
		if capErr != nil {
			yield(audio.Frame{}, capErr)
			return
		}
		if hold {
			select {
			case <-ctx.Done():
			case <-closed:
			}
		}
	}
}

// Close implements [audio.Source]. Returns CloseError.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	ch := s.closedChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
	return s.CloseError
}

func (s *Source) closedChanLocked() chan struct{} {
	if s.closed == nil {
		s.closed = make(chan struct{})
	}
	return s.closed
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// Source is returned by Open. When NewSource is set it takes precedence.
	Source audio.Source

	// NewSource, when set, is called on every Open.
	NewSource func() audio.Source

	// OpenError is returned by Open when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

var _ audio.Device = (*Device)(nil)

// Open implements [audio.Device].
func (d *Device) Open(context.Context) (audio.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if d.NewSource != nil {
		return d.NewSource(), nil
	}
	return d.Source, nil
}
