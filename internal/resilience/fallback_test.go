package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// mirrors builds a group over three model URLs sharing one clock.
func mirrors(cfg CircuitBreakerConfig) (*FallbackGroup[string], *clock) {
	clk := newClock()
	cfg.Now = clk.Now
	cfg.OnStateChange = func(string, State, State) {}
	g := NewFallbackGroup("https://a/m.bin", "a", FallbackConfig{CircuitBreaker: cfg})
	g.AddFallback("b", "https://b/m.bin")
	g.AddFallback("c", "https://c/m.bin")
	return g, clk
}

// failing returns a call that fails for the listed URLs and records every
// URL it was given.
func failing(tried *[]string, bad ...string) func(string) error {
	return func(u string) error {
		*tried = append(*tried, u)
		for _, b := range bad {
			if u == b {
				return fmt.Errorf("get %s: %w", u, errTest)
			}
		}
		return nil
	}
}

func TestFallbackGroupOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		bad        []string
		wantServed string
		wantTried  int
		wantErr    error
	}{
		{"primary", nil, "a", 1, nil},
		{"first mirror", []string{"https://a/m.bin"}, "b", 2, nil},
		{"last mirror", []string{"https://a/m.bin", "https://b/m.bin"}, "c", 3, nil},
		{"none", []string{"https://a/m.bin", "https://b/m.bin", "https://c/m.bin"}, "", 3, ErrAllFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g, _ := mirrors(CircuitBreakerConfig{MaxFailures: 3})
			var tried []string
			served, err := g.Execute(failing(&tried, tc.bad...))
			if served != tc.wantServed || len(tried) != tc.wantTried {
				t.Errorf("served %q after %v", served, tried)
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr != nil && !errors.Is(err, errTest) {
				t.Errorf("last endpoint error not wrapped: %v", err)
			}
		})
	}
}

func TestFallbackGroupSkipsOpenEndpoint(t *testing.T) {
	t.Parallel()

	g, clk := mirrors(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMax: 1})
	var tried []string
	for range 2 {
		_, _ = g.Execute(failing(&tried, "https://a/m.bin"))
	}
	if s := g.States()["a"]; s != StateOpen {
		t.Fatalf("primary state = %v, want open", s)
	}

	tried = nil
	served, err := g.Execute(failing(&tried))
	if err != nil || served != "b" {
		t.Fatalf("served %q, err %v", served, err)
	}
	if len(tried) != 1 || tried[0] != "https://b/m.bin" {
		t.Errorf("open primary was called: %v", tried)
	}

	// Once cooled, the primary gets a trial request and serves again.
	clk.Advance(time.Minute)
	tried = nil
	if served, _ := g.Execute(failing(&tried)); served != "a" {
		t.Errorf("served %q after the reset timeout, want a", served)
	}
	if s := g.States()["a"]; s != StateClosed {
		t.Errorf("primary state = %v, want closed", s)
	}
}

func TestFallbackGroupAbort(t *testing.T) {
	t.Parallel()

	errOverflow := errors.New("overflow")
	tests := []struct {
		name  string
		abort func(error) bool
		err   error
	}{
		{"cancellation by default", nil, context.Canceled},
		{"custom", func(err error) bool { return errors.Is(err, errOverflow) }, errOverflow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g := NewFallbackGroup("a", "a", FallbackConfig{Abort: tc.abort})
			g.AddFallback("b", "b")
			calls := 0
			_, err := g.Execute(func(string) error { calls++; return tc.err })
			if !errors.Is(err, tc.err) || errors.Is(err, ErrAllFailed) {
				t.Errorf("err = %v, want %v unwrapped", err, tc.err)
			}
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
		})
	}
}

func TestFallbackGroupStates(t *testing.T) {
	t.Parallel()

	g, _ := mirrors(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	if g.Len() != 3 {
		t.Fatalf("Len = %d", g.Len())
	}
	var tried []string
	_, _ = g.Execute(failing(&tried, "https://a/m.bin"))
	want := map[string]State{"a": StateOpen, "b": StateClosed, "c": StateClosed}
	for name, s := range g.States() {
		if s != want[name] {
			t.Errorf("%s = %v, want %v", name, s, want[name])
		}
	}
}
