// Package mock provides an in-memory test double for [generate.ToolExecutor].
//
// [Executor] records every request and returns scripted results. It is safe
// for concurrent use.
//
// Typical usage:
//
//	ex := &mock.Executor{Results: map[string]string{"clock": `{"time":"12:00"}`}}
//	// pass ex to the code under test
//	if got := ex.CallCount("clock"); got != 1 {
//	    t.Errorf("expected 1 clock call, got %d", got)
//	}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/murmur/internal/generate"
)

// Executor is a configurable [generate.ToolExecutor].
type Executor struct {
	mu sync.Mutex

	calls []generate.ToolCallRequest

	// Results maps a tool name to the result text it returns.
	Results map[string]string

	// Errors maps a tool name to the error it fails with. Errors wins over
	// Results.
	Errors map[string]error

	// Block, when non-nil, is received from before every call returns,
	// unless ctx ends first.
	Block chan struct{}
}

var _ generate.ToolExecutor = (*Executor)(nil)

// Execute implements [generate.ToolExecutor]. Unknown tools fail.
func (e *Executor) Execute(ctx context.Context, req generate.ToolCallRequest) (generate.ToolCallResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	block := e.Block
	err, failing := e.Errors[req.Name]
	out, known := e.Results[req.Name]
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return generate.ToolCallResult{}, &generate.ToolCallError{Name: req.Name, Err: ctx.Err()}
		}
	}
	switch {
	case failing:
		return generate.ToolCallResult{}, &generate.ToolCallError{Name: req.Name, Err: err}
	case !known:
		return generate.ToolCallResult{}, &generate.ToolCallError{Name: req.Name, Err: errors.New("tool not found")}
	}
	return generate.ToolCallResult{ID: req.ID, Name: req.Name, Success: true, Result: out}, nil
}

// Calls returns a copy of every recorded request.
func (e *Executor) Calls() []generate.ToolCallRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]generate.ToolCallRequest, len(e.calls))
	copy(out, e.calls)
	return out
}

// CallCount returns how often the named tool was called.
func (e *Executor) CallCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

// Reset clears the recorded calls.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}
