// Package generate runs causal language-model decoding as explicit,
// steppable sessions.
//
// A [Session] is one user turn. [Session.Step] feeds any unfed context to the
// [LanguageModel], samples one token, and checks the stop criteria and the
// tool-call markers. When the model closes a <tool_call> marker the session
// suspends in StateAwaitingTool until [Session.Resume] injects the result.
// [Engine.Generate] wraps the loop as a pull iterator that executes tools
// synchronously.
package generate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/murmur/internal/loader"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/fault"
	"github.com/MrWong99/murmur/pkg/model/vocab"
)

// ErrBusy is returned by [Engine.NewSession] while another session holds the
// engine.
var ErrBusy = fmt.Errorf("generate: %w: a session is already running", fault.ErrBusy)

// Lease guards model weights for the duration of one step. *loader.Handle
// implements it.
type Lease interface {
	Acquire() (release func(), err error)
}

var _ Lease = (*loader.Handle)(nil)

type freeLease struct{}

func (freeLease) Acquire() (func(), error) { return func() {}, nil }

// Engine owns one language model and runs at most one session at a time.
type Engine struct {
	lm          LanguageModel
	vocab       *vocab.Vocab
	lease       Lease
	eos         int
	metrics     *observe.Metrics
	onToolError func(ToolCallRequest, error)

	mu     sync.Mutex
	active *Session
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics records generation metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// OnToolError registers a hook called for every failed or malformed tool
// call. The session continues with an error result in its context.
func OnToolError(fn func(req ToolCallRequest, err error)) Option {
	return func(e *Engine) { e.onToolError = fn }
}

// WithLease guards every step of an engine built by [NewWithModel].
func WithLease(l Lease) Option {
	return func(e *Engine) { e.lease = l }
}

// New returns an engine running the [RecurrentLM] of a loaded LLM handle.
func New(h *loader.Handle, opts ...Option) (*Engine, error) {
	lm, err := NewRecurrentLM(h)
	if err != nil {
		return nil, err
	}
	release, err := h.Acquire()
	if err != nil {
		return nil, err
	}
	hdr := h.Weights().Header
	release()
	v, err := vocab.New(hdr.Vocab, hdr.Special)
	if err != nil {
		return nil, fmt.Errorf("generate: %s: %w: %w", h.Descriptor().Key(), fault.ErrInference, err)
	}
	return NewWithModel(lm, v, append([]Option{WithLease(h)}, opts...)...)
}

// NewWithModel returns an engine over any language model.
func NewWithModel(lm LanguageModel, v *vocab.Vocab, opts ...Option) (*Engine, error) {
	if lm.VocabSize() != v.Size() {
		return nil, fmt.Errorf("generate: %w: model has %d logits, vocabulary %d tokens", fault.ErrInference, lm.VocabSize(), v.Size())
	}
	e := &Engine{lm: lm, vocab: v, lease: freeLease{}, eos: -1}
	if id, ok := v.Special(vocab.EOS); ok {
		e.eos = id
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e, nil
}

// Vocab returns the model vocabulary.
func (e *Engine) Vocab() *vocab.Vocab { return e.vocab }

// Busy reports whether a session holds the engine.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// NewSession starts a session over the context tokens. Zero MaxTokens and
// RepetitionPenalty take their defaults.
func (e *Engine) NewSession(tokens []int, sampling Sampling) (*Session, error) {
	if sampling.MaxTokens == 0 {
		sampling.MaxTokens = DefaultSampling().MaxTokens
	}
	if sampling.RepetitionPenalty == 0 {
		sampling.RepetitionPenalty = 1
	}
	if err := sampling.Validate(); err != nil {
		return nil, fmt.Errorf("generate: sampling: %w", err)
	}
	if len(tokens) == 0 {
		return nil, errors.New("generate: context is empty")
	}
	for _, id := range tokens {
		if id < 0 || id >= e.vocab.Size() {
			return nil, fmt.Errorf("generate: %w: context token %d outside vocabulary", fault.ErrInference, id)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return nil, ErrBusy
	}
	stops := append([]int(nil), sampling.StopTokens...)
	if e.eos >= 0 {
		stops = append(stops, e.eos)
	}
	s := &Session{
		ID:       uuid.NewString(),
		engine:   e,
		sampling: sampling,
		sampler:  newSampler(sampling),
		stops:    stops,
		started:  time.Now(),
		history:  append([]int(nil), tokens...),
		dec:      e.vocab.NewStreamDecoder(),
		state:    StateRunning,
	}
	e.active = s
	e.metrics.ActiveSessions.Add(context.Background(), 1)
	return s, nil
}

func (e *Engine) release(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == s {
		e.active = nil
	}
}

// ExecuteTool runs req on tools and converts failures into an error result.
// Failures are reported to the OnToolError hook.
func (e *Engine) ExecuteTool(ctx context.Context, tools ToolExecutor, req ToolCallRequest) ToolCallResult {
	ctx, span := observe.StartSpan(ctx, "generate.tool_call")
	start := time.Now()

	var res ToolCallResult
	var err error
	if tools == nil {
		err = &ToolCallError{Name: req.Name, Err: errors.New("no tool executor configured")}
	} else {
		res, err = tools.Execute(ctx, req)
	}
	observe.EndSpan(span, err)

	status := "ok"
	if err != nil {
		status = "error"
		e.ReportToolError(req, err)
		res = ErrorResult(req, err)
	}
	res.ID = req.ID
	if res.Name == "" {
		res.Name = req.Name
	}
	e.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("tool", req.Name), observe.Attr("status", status)))
	e.metrics.RecordToolCall(ctx, req.Name, status)
	return res
}

// ReportToolError passes err to the OnToolError hook.
func (e *Engine) ReportToolError(req ToolCallRequest, err error) {
	slog.Warn("generate: tool call failed", "tool", req.Name, "id", req.ID, "err", err)
	if e.onToolError != nil {
		e.onToolError(req, err)
	}
}

// Generate steps s until it finishes, yielding every sampled token. Tool
// calls run synchronously on tools. Cancelling ctx cancels the session. An
// error is yielded once and ends the sequence; cancellation ends it without
// an error.
func (e *Engine) Generate(ctx context.Context, s *Session, tools ToolExecutor) iter.Seq2[Token, error] {
	return func(yield func(Token, error) bool) {
		stop := context.AfterFunc(ctx, s.Cancel)
		defer stop()

		for {
			if ctx.Err() != nil {
				s.Cancel()
			}
			step, err := s.Step()
			if err != nil {
				yield(Token{}, err)
				return
			}
			if step.ToolError != nil {
				var req ToolCallRequest
				var tce *ToolCallError
				if errors.As(step.ToolError, &tce) {
					req.Name = tce.Name
				}
				e.ReportToolError(req, step.ToolError)
			}
			if step.Sampled || step.Token.Text != "" {
				if !yield(step.Token, nil) {
					return
				}
			}
			switch {
			case step.State == StateAwaitingTool:
				res := e.ExecuteTool(ctx, tools, *step.ToolCall)
				if err := s.Resume(res); err != nil && !s.Cancelled() {
					yield(Token{}, err)
					return
				}
			case step.State.Terminal():
				return
			}
		}
	}
}
