package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/murmur/pkg/fault"
)

// Tool-call markers. A model requests a tool by emitting
//
//	<tool_call>{"name": "clock", "arguments": {...}}</tool_call>
//
// and receives the outcome as
//
//	<tool_result>{"name": "clock", "success": true, "result": "..."}</tool_result>
const (
	CallOpen    = "<tool_call>"
	CallClose   = "</tool_call>"
	ResultOpen  = "<tool_result>"
	ResultClose = "</tool_result>"
)

// MarkerPieces returns the marker strings as vocabulary pieces so a model can
// emit each one as a single token.
func MarkerPieces() []string {
	return []string{CallOpen, CallClose, ResultOpen, ResultClose}
}

// ToolCallRequest is a tool invocation extracted from the output. The engine
// does not interpret Arguments.
type ToolCallRequest struct {
	// ID correlates the request with its result and events.
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult is injected back into the context.
type ToolCallResult struct {
	ID      string `json:"-"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolExecutor runs tool calls. Failures wrap fault.ErrToolCall.
type ToolExecutor interface {
	Execute(ctx context.Context, req ToolCallRequest) (ToolCallResult, error)
}

// ToolExecutorFunc adapts a function to [ToolExecutor].
type ToolExecutorFunc func(ctx context.Context, req ToolCallRequest) (ToolCallResult, error)

// Execute implements [ToolExecutor].
func (f ToolExecutorFunc) Execute(ctx context.Context, req ToolCallRequest) (ToolCallResult, error) {
	return f(ctx, req)
}

// ToolCallError describes a tool call that could not be made or failed. It
// matches fault.ErrToolCall with errors.Is.
type ToolCallError struct {
	Name string
	Err  error
}

func (e *ToolCallError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("generate: tool call: %v", e.Err)
	}
	return fmt.Sprintf("generate: tool call %q: %v", e.Name, e.Err)
}

// Unwrap returns fault.ErrToolCall and the cause.
func (e *ToolCallError) Unwrap() []error { return []error{fault.ErrToolCall, e.Err} }

// ErrorResult returns the failed result reported for req.
func ErrorResult(req ToolCallRequest, err error) ToolCallResult {
	return ToolCallResult{ID: req.ID, Name: req.Name, Error: err.Error()}
}

// parseToolCall decodes a marker payload.
func parseToolCall(payload string) (ToolCallRequest, error) {
	var raw struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	dec := json.NewDecoder(strings.NewReader(payload))
	if err := dec.Decode(&raw); err != nil {
		return ToolCallRequest{}, &ToolCallError{Err: fmt.Errorf("malformed payload: %w", err)}
	}
	if dec.More() {
		return ToolCallRequest{}, &ToolCallError{Name: raw.Name, Err: errors.New("malformed payload: trailing data")}
	}
	if raw.Name == "" {
		return ToolCallRequest{}, &ToolCallError{Err: errors.New("malformed payload: missing name")}
	}
	args := bytes.TrimSpace(raw.Arguments)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		args = []byte("{}")
	}
	if args[0] != '{' {
		return ToolCallRequest{}, &ToolCallError{Name: raw.Name, Err: errors.New("malformed payload: arguments must be an object")}
	}
	return ToolCallRequest{ID: uuid.NewString(), Name: raw.Name, Arguments: json.RawMessage(args)}, nil
}

// RenderResult renders r as it is injected into the context.
func RenderResult(r ToolCallResult) string {
	// Only string and bool fields, so Marshal cannot fail.
	b, _ := json.Marshal(r)
	return ResultOpen + string(b) + ResultClose
}

// markerScanner separates visible text from tool-call payloads in the
// decoded output stream.
type markerScanner struct {
	buf  strings.Builder // text not yet released
	open bool            // inside <tool_call>
}

// push appends text. It returns the text that can be shown, a complete
// payload when a call closed, and whether a call closed.
func (m *markerScanner) push(text string) (visible, payload string, closed bool) {
	m.buf.WriteString(text)
	s := m.buf.String()
	if !m.open {
		if i := strings.Index(s, CallOpen); i >= 0 {
			visible = s[:i]
			s = s[i+len(CallOpen):]
			m.open = true
		} else {
			keep := partialSuffix(s, CallOpen)
			visible = s[:len(s)-keep]
			m.reset(s[len(s)-keep:])
			return visible, "", false
		}
	}
	if i := strings.Index(s, CallClose); i >= 0 {
		payload = s[:i]
		m.open = false
		m.reset(s[i+len(CallClose):])
		return visible, payload, true
	}
	m.reset(s)
	return visible, "", false
}

// flush releases everything held back. An unterminated call is shown as
// plain text.
func (m *markerScanner) flush() string {
	s := m.buf.String()
	if m.open {
		s = CallOpen + s
	}
	m.open = false
	m.reset("")
	return s
}

func (m *markerScanner) reset(s string) {
	m.buf.Reset()
	m.buf.WriteString(s)
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of marker.
func partialSuffix(s, marker string) int {
	for n := min(len(s), len(marker)-1); n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}
