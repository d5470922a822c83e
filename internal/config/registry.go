package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/murmur/pkg/audio"
)

// ErrBackendNotRegistered is returned by [Registry.CreateDevice] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: capture backend not registered")

// DeviceFactory builds a capture device from the audio section.
type DeviceFactory func(AudioConfig) (audio.Device, error)

// Registry maps capture backend names to device factories. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]DeviceFactory)}
}

// RegisterDevice registers a factory under name. A later registration with
// the same name replaces the earlier one.
func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// CreateDevice builds the device named by cfg.Backend.
func (r *Registry) CreateDevice(cfg AudioConfig) (audio.Device, error) {
	r.mu.RLock()
	factory, ok := r.devices[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrBackendNotRegistered, cfg.Backend, r.Backends())
	}
	d, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create %s device: %w", cfg.Backend, err)
	}
	return d, nil
}

// Backends returns the registered names, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for n := range r.devices {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
