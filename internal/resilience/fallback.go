package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or
// was skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker. Its Name is
	// replaced by the entry name.
	CircuitBreaker CircuitBreakerConfig

	// Abort reports errors that end the attempt instead of moving on to the
	// next entry. Default: [IsCancellation].
	Abort func(error) bool
}

type endpoint[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable endpoints, each behind
// its own [CircuitBreaker].
type FallbackGroup[T any] struct {
	abort     func(error) bool
	template  CircuitBreakerConfig
	endpoints []endpoint[T]
}

// NewFallbackGroup creates a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Abort == nil {
		cfg.Abort = IsCancellation
	}
	g := &FallbackGroup[T]{abort: cfg.Abort, template: cfg.CircuitBreaker}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends an entry. It must not race with Execute.
func (g *FallbackGroup[T]) AddFallback(name string, v T) {
	cfg := g.template
	cfg.Name = name
	g.endpoints = append(g.endpoints, endpoint[T]{name: name, value: v, breaker: NewCircuitBreaker(cfg)})
}

// Len returns the number of entries.
func (g *FallbackGroup[T]) Len() int { return len(g.endpoints) }

// States returns the breaker state of every entry by name.
func (g *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(g.endpoints))
	for _, e := range g.endpoints {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Execute calls fn with each entry in order until one succeeds and returns
// the name of that entry. Entries whose breaker is open are skipped. An
// error matched by [FallbackConfig.Abort] is returned at once; otherwise the
// last error is returned wrapped in [ErrAllFailed].
func (g *FallbackGroup[T]) Execute(fn func(T) error) (string, error) {
	var last error
	for _, e := range g.endpoints {
		err := e.breaker.Execute(func() error { return fn(e.value) })
		switch {
		case err == nil:
			return e.name, nil
		case g.abort(err):
			return "", err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("resilience: endpoint skipped, circuit open", "endpoint", e.name)
		default:
			slog.Warn("resilience: endpoint failed", "endpoint", e.name, "err", err)
		}
		last = err
	}
	return "", fmt.Errorf("%w: %w", ErrAllFailed, last)
}
