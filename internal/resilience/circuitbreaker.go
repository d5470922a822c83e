// Package resilience provides the circuit breaker and ordered failover used
// for model downloads.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [FallbackGroup] tries an ordered list of endpoints (a primary model URL and
// its mirrors), each guarded by its own breaker, so that a mirror that keeps
// failing is skipped without a network round trip.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets HalfOpenMax probe calls through. That many
	// successes close the breaker; one failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels log messages and state change callbacks.
	Name string

	// MaxFailures consecutive failures open a closed breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes allowed while half-open.
	// Default: 3.
	HalfOpenMax int

	// Neutral reports errors that say nothing about the endpoint's health.
	// They are returned but not counted. Default: [IsCancellation].
	Neutral func(error) bool

	// OnStateChange is called after every transition, with the breaker's
	// lock released. Default: log the transition.
	OnStateChange func(name string, from, to State)

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// IsCancellation reports whether err comes from a cancelled or expired
// context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func logStateChange(name string, from, to State) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "resilience: circuit "+to.String(),
		"name", name, "from", from.String())
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	passed   int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Neutral == nil {
		cfg.Neutral = IsCancellation
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = logStateChange
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn if the breaker allows it and records the outcome. The
// error of fn is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may run and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var from State
	changed := false
	if cb.state == StateOpen && cb.cooled() {
		from, changed = cb.state, true
		cb.state, cb.probes, cb.passed = StateHalfOpen, 0, 0
	}
	switch {
	case cb.state == StateOpen:
		err = ErrCircuitOpen
	case cb.state == StateHalfOpen && cb.probes >= cb.cfg.HalfOpenMax:
		err = ErrCircuitOpen
	case cb.state == StateHalfOpen:
		cb.probes++
		probe = true
	}
	cb.mu.Unlock()

	if changed {
		cb.cfg.OnStateChange(cb.cfg.Name, from, StateHalfOpen)
	}
	return probe, err
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case err != nil && cb.cfg.Neutral(err):
		if probe {
			cb.probes--
		}
	case err != nil && probe:
		cb.trip()
	case err != nil:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	case probe:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			cb.state, cb.failures = StateClosed, 0
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
}

// cooled must be called with cb.mu held.
func (cb *CircuitBreaker) cooled() bool {
	return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooled() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state, cb.failures, cb.probes, cb.passed = StateClosed, 0, 0, 0
	cb.mu.Unlock()
	if from != StateClosed {
		cb.cfg.OnStateChange(cb.cfg.Name, from, StateClosed)
	}
}
