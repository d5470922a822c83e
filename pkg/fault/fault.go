// Package fault declares the error taxonomy shared by every murmur component.
//
// Components wrap one of the sentinel errors below with context using
// fmt.Errorf and %w. Consumers classify an error with [KindOf] and map it to
// a user-visible message without inspecting error strings.
package fault

import (
	"context"
	"errors"
)

// Sentinel errors. Each corresponds to exactly one [Kind].
var (
	// ErrAudioDevice signals that a capture source could not be acquired
	// (no device, permission denied, source already consumed).
	ErrAudioDevice = errors.New("audio device error")

	// ErrUnsupportedSampleRate signals invalid resampling parameters.
	ErrUnsupportedSampleRate = errors.New("unsupported sample rate")

	// ErrModelDownload signals a network failure or checksum mismatch while
	// retrieving a model blob.
	ErrModelDownload = errors.New("model download error")

	// ErrModelLoad signals a corrupt, absent or incompatible model blob.
	ErrModelLoad = errors.New("model load error")

	// ErrInference signals an invalid or unloaded handle, a dimension
	// mismatch, resource exhaustion or a timeout during inference.
	ErrInference = errors.New("inference error")

	// ErrToolCall signals a failure reported by the tool-execution
	// collaborator.
	ErrToolCall = errors.New("tool call error")

	// ErrBusy signals that a request was rejected because an equivalent
	// operation is already in flight.
	ErrBusy = errors.New("busy")
)

// Kind classifies an error for presentation.
type Kind int

const (
	// KindInternal covers errors that do not wrap any sentinel.
	KindInternal Kind = iota
	KindAudioDevice
	KindUnsupportedSampleRate
	KindModelDownload
	KindModelLoad
	KindInference
	KindToolCall
	KindBusy
	KindCancelled
)

// String returns the stable wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAudioDevice:
		return "audio_device"
	case KindUnsupportedSampleRate:
		return "unsupported_sample_rate"
	case KindModelDownload:
		return "model_download"
	case KindModelLoad:
		return "model_load"
	case KindInference:
		return "inference"
	case KindToolCall:
		return "tool_call"
	case KindBusy:
		return "busy"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// MarshalText encodes the kind as its wire name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Transient reports whether operations failing with this kind may be retried
// by reissuing the same command.
func (k Kind) Transient() bool {
	switch k {
	case KindModelDownload, KindToolCall, KindBusy, KindAudioDevice:
		return true
	default:
		return false
	}
}

var sentinels = []struct {
	err  error
	kind Kind
}{
	{ErrAudioDevice, KindAudioDevice},
	{ErrUnsupportedSampleRate, KindUnsupportedSampleRate},
	{ErrModelDownload, KindModelDownload},
	{ErrModelLoad, KindModelLoad},
	{ErrInference, KindInference},
	{ErrToolCall, KindToolCall},
	{ErrBusy, KindBusy},
}

// KindOf returns the kind of the first sentinel wrapped by err. Context
// cancellation maps to [KindCancelled]. A nil error returns KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}
