package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transitions struct {
	mu  sync.Mutex
	got []string
}

func (tr *transitions) record(_ string, from, to State) {
	tr.mu.Lock()
	tr.got = append(tr.got, from.String()+">"+to.String())
	tr.mu.Unlock()
}

func (tr *transitions) String() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return fmt.Sprint(tr.got)
}

func newBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *clock, *transitions) {
	clk, tr := newClock(), &transitions{}
	cfg.Name = "mirror"
	cfg.Now = clk.Now
	cfg.OnStateChange = tr.record
	return NewCircuitBreaker(cfg), clk, tr
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestCircuitBreakerDefaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = %+v", cb.cfg)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v", cb.State())
	}
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	t.Parallel()

	cb, clk, tr := newBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMax: 2})

	_ = cb.Execute(fail)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatal("a success between failures should reset the count")
	}
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker: err = %v, called = %v", err, called)
	}

	clk.Advance(59 * time.Second)
	if cb.State() != StateOpen {
		t.Fatal("opened early")
	}
	clk.Advance(time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after the timeout", cb.State())
	}

	for i := range 2 {
		if err := cb.Execute(succeed); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after the probes", cb.State())
	}
	if want := "[closed>open open>half-open half-open>closed]"; tr.String() != want {
		t.Errorf("transitions = %s, want %s", tr, want)
	}
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	t.Parallel()

	cb, clk, tr := newBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 3})
	_ = cb.Execute(fail)
	clk.Advance(time.Minute)

	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("probe err = %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	// The timeout restarts from the failed probe.
	clk.Advance(30 * time.Second)
	if cb.State() != StateOpen {
		t.Error("re-opened breaker cooled from the first trip")
	}
	if want := "[closed>open open>half-open half-open>open]"; tr.String() != want {
		t.Errorf("transitions = %s, want %s", tr, want)
	}
}

func TestCircuitBreakerLimitsProbes(t *testing.T) {
	t.Parallel()

	cb, clk, _ := newBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1})
	_ = cb.Execute(fail)
	clk.Advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreakerNeutralErrors(t *testing.T) {
	t.Parallel()

	errChecksum := errors.New("checksum")
	tests := []struct {
		name    string
		neutral func(error) bool
		err     error
	}{
		{"cancellation by default", nil, context.Canceled},
		{"deadline by default", nil, fmt.Errorf("get: %w", context.DeadlineExceeded)},
		{"custom", func(err error) bool { return errors.Is(err, errChecksum) }, errChecksum},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cb, clk, _ := newBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1, Neutral: tc.neutral})
			for range 3 {
				if err := cb.Execute(func() error { return tc.err }); !errors.Is(err, tc.err) {
					t.Fatalf("err = %v", err)
				}
			}
			if cb.State() != StateClosed {
				t.Fatal("neutral errors opened the breaker")
			}

			// A neutral probe gives its slot back.
			_ = cb.Execute(fail)
			clk.Advance(time.Second)
			_ = cb.Execute(func() error { return tc.err })
			if err := cb.Execute(succeed); err != nil {
				t.Fatalf("probe after neutral probe: %v", err)
			}
			if cb.State() != StateClosed {
				t.Errorf("state = %v, want closed", cb.State())
			}
		})
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	t.Parallel()

	cb, _, tr := newBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	cb.Reset()
	_ = cb.Execute(fail)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("after reset: %v", err)
	}
	if want := "[closed>open open>closed]"; tr.String() != want {
		t.Errorf("transitions = %s, want %s", tr, want)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", 99: "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", int(s), got, want)
		}
	}
}
