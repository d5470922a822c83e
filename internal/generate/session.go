package generate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/fault"
	"github.com/MrWong99/murmur/pkg/model/vocab"
)

// State is the lifecycle state of a [Session].
type State int

const (
	// StateRunning samples tokens on every Step.
	StateRunning State = iota
	// StateAwaitingTool is suspended on [Session.Pending] until Resume.
	StateAwaitingTool
	// StateResumed has a tool result in its context and samples like
	// StateRunning.
	StateResumed
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateAwaitingTool:
		return "awaiting_tool"
	case StateResumed:
		return "resumed"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further Step can succeed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// FinishReason tells why a session ended.
type FinishReason string

const (
	ReasonStop       FinishReason = "stop"        // a stop token was sampled
	ReasonStopString FinishReason = "stop_string" // a stop string appeared
	ReasonLength     FinishReason = "length"      // MaxTokens reached
	ReasonCancelled  FinishReason = "cancelled"
	ReasonError      FinishReason = "error"
)

// Session errors.
var (
	ErrFinished       = errors.New("generate: session is finished")
	ErrAwaitingTool   = errors.New("generate: session is awaiting a tool result")
	ErrNotAwaiting    = errors.New("generate: session is not awaiting a tool result")
	ErrResultMismatch = errors.New("generate: tool result does not match the pending request")
)

// Token is one delivered output token. Text may be empty while the token is
// part of a tool-call marker or a possible stop string.
type Token struct {
	ID    int
	Text  string
	Index int
}

// Step is the outcome of one [Session.Step].
type Step struct {
	Token Token

	// Sampled is false when no token was produced (stop token, cancellation,
	// length limit). Token.Text may still carry released text.
	Sampled bool

	State State

	// ToolCall is set when the step moved the session to AwaitingTool.
	ToolCall *ToolCallRequest

	// ToolError is set when a marker payload was malformed. An error result
	// has already been injected and the session continues.
	ToolError error
}

// Session is one generation turn. Step, Resume and Close must be called from
// one goroutine; Cancel, State, Reason and Output are safe from any.
type Session struct {
	ID string

	engine   *Engine
	sampling Sampling
	sampler  *sampler
	stops    []int
	started  time.Time

	history   []int
	fed       int
	generated int
	dec       *vocab.StreamDecoder
	scan      markerScanner
	held      string // visible text that may start a stop string

	cancelled atomic.Bool

	mu      sync.Mutex
	state   State
	reason  FinishReason
	pending *ToolCallRequest
	out     strings.Builder
	err     error
	closed  bool
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why a terminal session ended.
func (s *Session) Reason() FinishReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err returns the error that failed the session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pending returns the tool request the session waits on.
func (s *Session) Pending() (ToolCallRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return ToolCallRequest{}, false
	}
	return *s.pending, true
}

// Output returns the text delivered so far.
func (s *Session) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.String()
}

// History returns a copy of the context plus every sampled and injected
// token.
func (s *Session) History() []int { return slices.Clone(s.history) }

// Generated returns the number of sampled tokens.
func (s *Session) Generated() int { return s.generated }

// Cancel requests cancellation. The next Step ends the session as
// Cancelled. Idempotent.
func (s *Session) Cancel() { s.cancelled.Store(true) }

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool { return s.cancelled.Load() }

// Step produces at most one token.
func (s *Session) Step() (Step, error) {
	state := s.State()
	if !state.Terminal() && s.cancelled.Load() {
		return s.finish(Step{}, StateCancelled, ReasonCancelled), nil
	}
	switch {
	case state == StateAwaitingTool:
		return Step{State: state}, ErrAwaitingTool
	case state.Terminal():
		return Step{State: state}, ErrFinished
	}
	if s.generated >= s.sampling.MaxTokens {
		return s.finish(Step{Token: Token{Text: s.drain()}}, StateCompleted, ReasonLength), nil
	}

	release, err := s.engine.lease.Acquire()
	if err != nil {
		return s.fail(err), err
	}
	defer release()

	lm := s.engine.lm
	var logits []float32
	for s.fed < len(s.history) {
		if s.fed == 0 {
			lm.Reset()
		}
		if logits, err = lm.Forward(s.history[s.fed]); err != nil {
			return s.fail(err), err
		}
		s.fed++
	}
	if logits == nil {
		// NewSession rejects an empty context and every step appends.
		err = fmt.Errorf("generate: %w: no logits for step", fault.ErrInference)
		return s.fail(err), err
	}

	tok, err := s.sampler.sample(logits, s.banned, s.history)
	if err != nil {
		err = fmt.Errorf("generate: %w: %w", fault.ErrInference, err)
		return s.fail(err), err
	}
	if slices.Contains(s.stops, tok) {
		return s.finish(Step{Token: Token{ID: tok, Text: s.drain()}}, StateCompleted, ReasonStop), nil
	}

	s.history = append(s.history, tok)
	s.generated++
	step := Step{Sampled: true, Token: Token{ID: tok, Index: s.generated - 1}}

	visible, payload, closed := s.scan.push(s.dec.Next(tok))
	text, hit := s.release(visible)
	step.Token.Text = text
	s.appendOut(text)
	if hit {
		return s.finish(step, StateCompleted, ReasonStopString), nil
	}

	if closed {
		req, perr := parseToolCall(payload)
		if perr != nil {
			var name string
			var tce *ToolCallError
			if errors.As(perr, &tce) {
				name = tce.Name
			}
			if err := s.inject(ToolCallResult{Name: name, Error: perr.Error()}); err != nil {
				return s.fail(err), err
			}
			step.ToolError = perr
			step.State = s.setState(StateResumed)
			return step, nil
		}
		s.mu.Lock()
		s.pending = &req
		s.state = StateAwaitingTool
		s.mu.Unlock()
		step.ToolCall = &req
		step.State = StateAwaitingTool
		return step, nil
	}

	if s.generated >= s.sampling.MaxTokens {
		step.Token.Text += s.drain()
		return s.finish(step, StateCompleted, ReasonLength), nil
	}
	step.State = s.State()
	return step, nil
}

// Resume injects the result of the pending tool call and continues the
// session.
func (s *Session) Resume(result ToolCallResult) error {
	if s.cancelled.Load() {
		return fmt.Errorf("generate: resume: %w", ErrFinished)
	}
	s.mu.Lock()
	if s.state != StateAwaitingTool {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotAwaiting, state)
	}
	req := *s.pending
	s.mu.Unlock()
	if result.ID != "" && result.ID != req.ID {
		return fmt.Errorf("%w: result %s, pending %s", ErrResultMismatch, result.ID, req.ID)
	}
	if result.Name == "" {
		result.Name = req.Name
	}
	if err := s.inject(result); err != nil {
		s.fail(err)
		return err
	}
	s.mu.Lock()
	s.pending = nil
	s.state = StateResumed
	s.mu.Unlock()
	return nil
}

// Close frees the engine for the next session. A session that has not
// finished is cancelled. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if !s.State().Terminal() {
		s.cancelled.Store(true)
		s.finish(Step{}, StateCancelled, ReasonCancelled)
	}
	s.engine.release(s)
}

// ── internals ───────────────────────────────────────────────────────────────

func (s *Session) banned(id int) bool {
	v := s.engine.vocab
	return v.IsSpecial(id) && !slices.Contains(s.stops, id)
}

// inject appends a rendered tool result to the context.
func (s *Session) inject(r ToolCallResult) error {
	ids, err := s.engine.vocab.Encode(RenderResult(r))
	if err != nil {
		return fmt.Errorf("generate: %w: render tool result: %w", fault.ErrInference, err)
	}
	s.history = append(s.history, ids...)
	return nil
}

// release moves visible text through the stop-string check. It returns the
// deliverable text and whether a stop string was hit.
func (s *Session) release(text string) (string, bool) {
	s.held += text
	if len(s.sampling.StopStrings) == 0 {
		out := s.held
		s.held = ""
		return out, false
	}
	first := -1
	for _, stop := range s.sampling.StopStrings {
		if i := strings.Index(s.held, stop); i >= 0 && (first < 0 || i < first) {
			first = i
		}
	}
	if first >= 0 {
		out := s.held[:first]
		s.held = ""
		return out, true
	}
	keep := 0
	for _, stop := range s.sampling.StopStrings {
		keep = max(keep, partialSuffix(s.held, stop))
	}
	out := s.held[:len(s.held)-keep]
	s.held = s.held[len(s.held)-keep:]
	return out, false
}

// drain flushes the decoder, the marker scanner and the stop-string hold.
func (s *Session) drain() string {
	visible, _, _ := s.scan.push(s.dec.Flush())
	text, _ := s.release(visible + s.scan.flush())
	text += s.held
	s.held = ""
	s.appendOut(text)
	return text
}

func (s *Session) appendOut(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.out.WriteString(text)
	s.mu.Unlock()
}

func (s *Session) setState(st State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	return st
}

func (s *Session) fail(err error) Step {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return s.finish(Step{}, StateFailed, ReasonError)
}

func (s *Session) finish(step Step, st State, reason FinishReason) Step {
	s.mu.Lock()
	if s.state.Terminal() {
		step.State = s.state
		s.mu.Unlock()
		return step
	}
	s.state, s.reason, s.pending = st, reason, nil
	s.mu.Unlock()

	m := s.engine.metrics
	attrs := metric.WithAttributes(observe.Attr("reason", string(reason)))
	m.GenerationDuration.Record(context.Background(), time.Since(s.started).Seconds(), attrs)
	m.RecordTokens(context.Background(), "llm", s.generated)
	m.ActiveSessions.Add(context.Background(), -1)
	step.State = st
	return step
}
