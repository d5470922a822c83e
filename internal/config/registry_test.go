package config_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/synth"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterDevice("silence", func(cfg config.AudioConfig) (audio.Device, error) {
		return &synth.Device{
			Samples: synth.Silence(cfg.FrameDuration(), cfg.SampleRate),
			Format:  audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
		}, nil
	})
	boom := errors.New("no such card")
	reg.RegisterDevice("broken", func(config.AudioConfig) (audio.Device, error) { return nil, boom })

	if got := reg.Backends(); !slices.Equal(got, []string{"broken", "silence"}) {
		t.Errorf("Backends() = %v", got)
	}

	d, err := reg.CreateDevice(config.AudioConfig{Backend: "silence", SampleRate: 16000, FrameMs: 20})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	src, err := d.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	if src.Format().SampleRate != 16000 {
		t.Errorf("format = %+v", src.Format())
	}

	if _, err := reg.CreateDevice(config.AudioConfig{Backend: "broken"}); !errors.Is(err, boom) {
		t.Errorf("broken backend error = %v", err)
	}
	if _, err := reg.CreateDevice(config.AudioConfig{Backend: "alsa"}); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("unknown backend error = %v", err)
	}
}
