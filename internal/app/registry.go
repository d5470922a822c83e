package app

import (
	"fmt"
	"time"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/mic"
	"github.com/MrWong99/murmur/pkg/audio/synth"
	"github.com/MrWong99/murmur/pkg/audio/wav"
)

// Capture backends registered by [NewRegistry].
const (
	BackendMic  = "mic"
	BackendWAV  = "wav"
	BackendTone = "tone"
)

// NewRegistry returns a registry with the built-in capture backends:
//
//   - mic: the default input device through miniaudio.
//   - wav: replays audio.device as a file, paced in real time.
//   - tone: a synthetic utterance (a tone between silences), for smoke tests.
func NewRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterDevice(BackendMic, func(cfg config.AudioConfig) (audio.Device, error) {
		return &mic.Device{SampleRate: cfg.SampleRate, Channels: cfg.Channels}, nil
	})
	reg.RegisterDevice(BackendWAV, func(cfg config.AudioConfig) (audio.Device, error) {
		if cfg.Device == "" {
			return nil, fmt.Errorf("app: wav backend needs audio.device")
		}
		return &wav.Device{
			Path:    cfg.Device,
			Options: []synth.Option{synth.WithFrameDuration(cfg.FrameDuration()), synth.WithRealtime()},
		}, nil
	})
	reg.RegisterDevice(BackendTone, func(cfg config.AudioConfig) (audio.Device, error) {
		rate := cfg.SampleRate
		return &synth.Device{
			Samples: synth.Concat(
				synth.Silence(300*time.Millisecond, rate),
				synth.Tone(440, 0.5, 2*time.Second, rate),
				synth.Silence(time.Second, rate),
			),
			Format:  audio.Format{SampleRate: rate, Channels: 1},
			Options: []synth.Option{synth.WithFrameDuration(cfg.FrameDuration())},
		}, nil
	})
	return reg
}

// FileDevice replays path as fast as it can be processed. The transcribe
// command captures from it. With normalize the file is peak normalized
// first.
func FileDevice(path string, normalize bool) audio.Device {
	return &wav.Device{Path: path, Normalize: normalize}
}
