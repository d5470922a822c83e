// Package builtin provides in-process tools that need no MCP server:
//
//   - "clock" reports the current time, optionally in an IANA zone.
//   - "roll" evaluates a dice expression such as "2d6+3".
//
// All handlers are safe for concurrent use.
package builtin

import (
	"time"

	"github.com/MrWong99/murmur/internal/toolexec"
)

// Option configures the tools returned by [Tools].
type Option func(*config)

type config struct {
	now  func() time.Time
	roll func(n int) int
}

// WithClock replaces time.Now in the clock tool.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithRand replaces the die source. roll(n) must return a value in [0, n).
func WithRand(roll func(n int) int) Option {
	return func(c *config) { c.roll = roll }
}

// Tools returns every built-in tool.
func Tools(opts ...Option) []toolexec.BuiltinTool {
	c := &config{now: time.Now, roll: randIntN}
	for _, o := range opts {
		o(c)
	}
	return []toolexec.BuiltinTool{clockTool(c), rollTool(c)}
}

// Register adds every built-in tool to h.
func Register(h *toolexec.Host, opts ...Option) error {
	for _, t := range Tools(opts...) {
		if err := h.RegisterBuiltin(t); err != nil {
			return err
		}
	}
	return nil
}
