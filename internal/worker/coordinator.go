// Package worker runs murmur's background loop.
//
// A [Coordinator] owns every piece of mutable inference state: the capture
// ring buffer, the VAD gate, the model slots, the running transcription and
// the running generation. Callers talk to it only through [Coordinator.Send]
// and [Coordinator.Events]. One goroutine ([Coordinator.Run]) consumes the
// command queue, drains captured audio, and advances the active transcription
// and the active generation by one step each per iteration, so a long reply
// never starves transcription and a spoken "stop" can cancel it.
//
// Slow work leaves the loop: capture runs in its own goroutine writing into
// the ring buffer, downloads run in their own goroutine and tool calls too.
// Their results are posted back and applied on the loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/murmur/internal/feature"
	"github.com/MrWong99/murmur/internal/generate"
	"github.com/MrWong99/murmur/internal/loader"
	"github.com/MrWong99/murmur/internal/modelcache"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/prompt"
	"github.com/MrWong99/murmur/internal/segment"
	"github.com/MrWong99/murmur/internal/stt"
	"github.com/MrWong99/murmur/internal/vad"
	"github.com/MrWong99/murmur/internal/voicecmd"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/fault"
	"github.com/MrWong99/murmur/pkg/model"
)

// ErrStopped is returned by [Coordinator.Send] after Run has returned.
var ErrStopped = errors.New("worker: coordinator is stopped")

// Downloader fetches model blobs into the cache. *modelcache.Cache
// implements it.
type Downloader interface {
	EnsureCached(ctx context.Context, desc model.Descriptor, onProgress func(modelcache.Progress)) (modelcache.Entry, error)
}

var _ Downloader = (*modelcache.Cache)(nil)

const (
	defaultRingCapacity = 500 // 10 s of 20 ms frames
	defaultEventBuffer  = 256
	commandBuffer       = 64

	// framesPerIteration bounds the audio drained between two inference
	// steps.
	framesPerIteration = 25
)

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithDevice sets the capture device opened by StartListening.
func WithDevice(d audio.Device) Option {
	return func(c *Coordinator) { c.device = d }
}

// WithPipeline configures capture framing and resampling. The target rate
// is always the feature extractor rate.
func WithPipeline(cfg audio.PipelineConfig) Option {
	return func(c *Coordinator) { c.pipeline = cfg }
}

// WithRingCapacity sets the capture ring buffer size in frames.
func WithRingCapacity(frames int) Option {
	return func(c *Coordinator) { c.ringCap = frames }
}

// WithVAD sets the detector thresholds.
func WithVAD(cfg vad.Config) Option {
	return func(c *Coordinator) { c.settings.vad = cfg }
}

// WithMaxSegment bounds one utterance. Default [segment.DefaultMaxDuration].
func WithMaxSegment(d time.Duration) Option {
	return func(c *Coordinator) { c.maxSegment = d }
}

// WithSTT replaces the speech-to-text engine.
func WithSTT(e *stt.Engine) Option {
	return func(c *Coordinator) { c.stt = e }
}

// WithTools sets the executor for model tool calls.
func WithTools(t generate.ToolExecutor) Option {
	return func(c *Coordinator) { c.tools = t }
}

// WithAssistant sets the persona used to render Generate messages.
func WithAssistant(a prompt.Assistant) Option {
	return func(c *Coordinator) { c.settings.assistant = a }
}

// WithSampling sets the default sampling policy of Generate.
func WithSampling(s generate.Sampling) Option {
	return func(c *Coordinator) { c.settings.sampling = s }
}

// WithAutoRespond starts a generation for every final transcript that is
// not a voice command.
func WithAutoRespond(on bool) Option {
	return func(c *Coordinator) { c.settings.autoRespond = on }
}

// WithVoiceCommands sets the control phrase matcher. Default
// [voicecmd.DefaultPhrases].
func WithVoiceCommands(m *voicecmd.Matcher) Option {
	return func(c *Coordinator) { c.voice = m }
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(c *Coordinator) { c.eventBuf = n }
}

// WithMetrics records coordinator metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// settings are the hot-reloadable parts of the configuration.
type settings struct {
	version     uint64
	vad         vad.Config
	sampling    generate.Sampling
	assistant   prompt.Assistant
	autoRespond bool
}

type capture struct {
	cancel context.CancelFunc
	src    audio.Source
}

type transcription struct {
	seg  *segment.Segment
	next func() (stt.Delta, error, bool)
	stop func()
}

type generation struct {
	id       string
	sess     *generate.Session
	ctx      context.Context
	cancel   context.CancelFunc
	awaiting bool
}

// Coordinator is the background worker. Create it with [New], start
// [Coordinator.Run] in a goroutine, then Send commands and read Events.
type Coordinator struct {
	cache    Downloader
	loader   *loader.Loader
	stt      *stt.Engine
	tools    generate.ToolExecutor
	device   audio.Device
	pipeline audio.PipelineConfig
	ringCap  int
	eventBuf int

	maxSegment time.Duration
	voice      *voicecmd.Matcher
	metrics    *observe.Metrics

	cmds    chan Command
	events  chan Event
	posts   chan func()
	quit    chan struct{}
	running atomic.Bool
	ctx     context.Context

	mu       sync.Mutex
	settings settings
	status   Status

	// Owned by the loop.
	ring        *audio.RingBuffer
	frames      []audio.Frame
	lastDropped uint64
	capture     *capture
	gate        *segment.Gate
	gateVersion uint64
	queue       []*segment.Segment
	tr          *transcription
	gen         *generation
	slots       map[model.Role]*loader.Slot
	loading     map[model.Role]*pendingLoad
	engine      *generate.Engine
	tmpl        *prompt.Template
}

// New returns a coordinator loading models from cache through ld.
func New(cache Downloader, ld *loader.Loader, opts ...Option) *Coordinator {
	c := &Coordinator{
		cache:    cache,
		loader:   ld,
		ringCap:  defaultRingCapacity,
		eventBuf: defaultEventBuffer,
		settings: settings{
			vad:      vad.DefaultConfig(),
			sampling: generate.DefaultSampling(),
		},
		maxSegment: segment.DefaultMaxDuration,
		cmds:       make(chan Command, commandBuffer),
		posts:      make(chan func(), commandBuffer),
		quit:       make(chan struct{}),
		slots: map[model.Role]*loader.Slot{
			model.RoleSTT: loader.NewSlot(model.RoleSTT),
			model.RoleLLM: loader.NewSlot(model.RoleLLM),
		},
		loading: make(map[model.Role]*pendingLoad),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.stt == nil {
		c.stt = stt.New(stt.WithMetrics(c.metrics))
	}
	if c.voice == nil {
		c.voice = voicecmd.New(voicecmd.DefaultPhrases())
	}
	c.pipeline.TargetRate = feature.SampleRate
	c.ring = audio.NewRingBuffer(c.ringCap)
	c.events = make(chan Event, c.eventBuf)
	c.status = Status{Models: map[model.Role]RoleStatus{
		model.RoleSTT: {State: ModelIdle},
		model.RoleLLM: {State: ModelIdle},
	}}
	return c
}

// Events returns the event stream. It is never closed; stop reading after
// Run returns.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Send enqueues cmd. Commands are handled in arrival order.
func (c *Coordinator) Send(ctx context.Context, cmd Command) error {
	if cmd == nil {
		return errors.New("worker: nil command")
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrStopped
	}
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	s.Models = maps.Clone(c.status.Models)
	s.Dropped = c.ring.Dropped()
	return s
}

// Voice returns the control phrase matcher.
func (c *Coordinator) Voice() *voicecmd.Matcher { return c.voice }

// SetVAD replaces the detector thresholds. A running gate picks them up
// without losing its state.
func (c *Coordinator) SetVAD(cfg vad.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.vad = cfg
	c.settings.version++
}

// SetSampling replaces the default sampling policy for later generations.
func (c *Coordinator) SetSampling(s generate.Sampling) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.sampling = s
}

// SetAssistant replaces the persona for later generations.
func (c *Coordinator) SetAssistant(a prompt.Assistant, autoRespond bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.assistant = a
	c.settings.autoRespond = autoRespond
}

func (c *Coordinator) current() settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Coordinator) updateStatus(fn func(*Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
}

// ── loop ────────────────────────────────────────────────────────────────────

// Run processes commands until ctx is cancelled. On return every capture,
// download, transcription and generation is stopped and every model is
// unloaded. Run may be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("worker: Run called twice")
	}
	c.ctx = ctx
	defer c.shutdown()
	slog.Info("worker: coordinator started")

	for ctx.Err() == nil {
		if c.iterate(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
		case cmd := <-c.cmds:
			c.handle(ctx, cmd)
		case fn := <-c.posts:
			fn()
		case <-c.ring.Notify():
		}
	}
	return nil
}

// iterate runs one round of the loop and reports whether anything
// happened.
func (c *Coordinator) iterate(ctx context.Context) bool {
	busy := false
	for done := false; !done; {
		select {
		case cmd := <-c.cmds:
			c.handle(ctx, cmd)
			busy = true
		case fn := <-c.posts:
			fn()
			busy = true
		default:
			done = true
		}
	}
	if c.drainAudio() {
		busy = true
	}
	if c.stepTranscription(ctx) {
		busy = true
	}
	if c.stepGeneration() {
		busy = true
	}
	return busy
}

func (c *Coordinator) handle(ctx context.Context, cmd Command) {
	c.metrics.RecordCommand(ctx, cmd.CommandType())
	slog.Debug("worker: command", "type", cmd.CommandType())

	var err error
	switch cmd := cmd.(type) {
	case StartListening:
		err = c.startListening(ctx)
	case StopListening:
		c.stopListening()
	case Generate:
		err = c.startGeneration(ctx, cmd)
	case CancelGeneration:
		c.cancelGeneration()
	case LoadModel:
		c.loadModel(ctx, cmd.Descriptor)
	case UnloadModel:
		c.unloadModel(cmd.Role)
	default:
		err = fmt.Errorf("worker: unknown command %T", cmd)
	}
	if err != nil {
		c.report(cmd.CommandType(), err)
	}
}

// emit delivers e, waiting for the consumer unless the coordinator stops.
func (c *Coordinator) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.quit:
	case <-c.ctx.Done():
		slog.Debug("worker: event dropped on shutdown", "type", e.EventType())
	}
}

// post runs fn on the loop. It is called from helper goroutines.
func (c *Coordinator) post(fn func()) {
	select {
	case c.posts <- fn:
	case <-c.quit:
	}
}

// report emits exactly one Error event for err.
func (c *Coordinator) report(command string, err error) {
	kind := fault.KindOf(err)
	c.metrics.RecordError(c.ctx, err)
	slog.Warn("worker: command failed", "command", command, "kind", kind, "err", err)
	c.emit(Error{Kind: kind, Command: command, Err: err})
}

func (c *Coordinator) shutdown() {
	defer close(c.quit)
	if c.capture != nil {
		c.capture.cancel()
		_ = c.capture.src.Close()
		c.capture = nil
	}
	for _, l := range c.loading {
		l.cancel()
	}
	if c.tr != nil {
		c.tr.stop()
		c.tr = nil
	}
	if g := c.gen; g != nil {
		g.cancel()
		g.sess.Close()
		c.gen = nil
	}
	for _, slot := range c.slots {
		c.loader.Unload(slot.Take())
	}
	slog.Info("worker: coordinator stopped")
}

// ── capture ─────────────────────────────────────────────────────────────────

func (c *Coordinator) startListening(ctx context.Context) error {
	if c.capture != nil {
		return nil
	}
	if c.device == nil {
		return fmt.Errorf("worker: %w: no capture device configured", fault.ErrAudioDevice)
	}
	src, err := c.device.Open(ctx)
	if err != nil {
		if fault.KindOf(err) != fault.KindAudioDevice {
			err = fmt.Errorf("%w: %w", fault.ErrAudioDevice, err)
		}
		return fmt.Errorf("worker: open capture device: %w", err)
	}

	s := c.current()
	c.ring.Reset()
	c.gate = segment.New(vad.New(s.vad),
		segment.WithMaxDuration(c.maxSegment),
		segment.WithTransitionHook(func(tr vad.Transition) {
			c.emit(SpeechActivity{State: tr.To.String(), At: tr.At})
		}))
	c.gateVersion = s.version

	cctx, cancel := context.WithCancel(ctx)
	cp := &capture{cancel: cancel, src: src}
	c.capture = cp
	pipe := audio.NewPipeline(c.pipeline, c.ring)
	go func() {
		err := pipe.Run(cctx, src)
		c.post(func() { c.captureEnded(cp, err) })
	}()

	c.updateStatus(func(st *Status) { st.Listening = true })
	c.emit(ListeningChanged{Listening: true})
	slog.Info("worker: listening", "format", src.Format())
	return nil
}

// captureEnded handles a capture goroutine that returned on its own: the
// source ran out or failed.
func (c *Coordinator) captureEnded(cp *capture, err error) {
	if c.capture != cp {
		return
	}
	if err != nil {
		c.report(StartListening{}.CommandType(), err)
	}
	c.stopListening()
}

func (c *Coordinator) stopListening() {
	cp := c.capture
	if cp == nil {
		return
	}
	cp.cancel()
	if err := cp.src.Close(); err != nil {
		slog.Debug("worker: close capture source", "err", err)
	}
	c.capture = nil

	for c.drainAudio() {
	}
	if seg := c.gate.Flush(); seg != nil {
		c.enqueue(seg)
	}
	c.gate = nil
	c.updateStatus(func(st *Status) { st.Listening = false })
	c.emit(ListeningChanged{Listening: false})
	slog.Info("worker: stopped listening")
}

// drainAudio feeds buffered frames through the VAD gate.
func (c *Coordinator) drainAudio() bool {
	if c.gate == nil {
		return false
	}
	if s := c.current(); s.version != c.gateVersion {
		c.gate.Detector().SetThresholds(s.vad)
		c.gateVersion = s.version
	}
	c.frames = c.ring.Drain(c.frames[:0], framesPerIteration)
	if d := c.ring.Dropped(); d > c.lastDropped {
		c.metrics.DroppedFrames.Add(c.ctx, int64(d-c.lastDropped))
		c.lastDropped = d
	}
	for _, f := range c.frames {
		_, seg, err := c.gate.Process(f)
		if err != nil {
			c.report(StartListening{}.CommandType(), fmt.Errorf("worker: %w", err))
			continue
		}
		if seg != nil {
			c.enqueue(seg)
		}
	}
	return len(c.frames) > 0
}

func (c *Coordinator) enqueue(seg *segment.Segment) {
	if seg.Tensor.Frames() == 0 {
		return
	}
	c.metrics.Segments.Add(c.ctx, 1,
		metric.WithAttributes(observe.Attr("forced", fmt.Sprint(seg.Forced))))
	c.queue = append(c.queue, seg)
	c.updateStatus(func(st *Status) { st.Pending = len(c.queue) })
	slog.Debug("worker: segment queued", "segment", seg.ID, "duration", seg.Duration(), "forced", seg.Forced)
}

// ── transcription ───────────────────────────────────────────────────────────

func (c *Coordinator) stepTranscription(ctx context.Context) bool {
	if c.tr == nil {
		if len(c.queue) == 0 {
			return false
		}
		seg := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]

		h, err := c.slots[model.RoleSTT].Get()
		if err != nil {
			c.updateStatus(func(st *Status) { st.Pending = len(c.queue) })
			c.report("transcribe", fmt.Errorf("worker: segment %s: %w", seg.ID, err))
			return true
		}
		tctx, cancel := context.WithCancel(ctx)
		next, stop := iter.Pull2(c.stt.Transcribe(tctx, seg.Tensor, h))
		c.tr = &transcription{seg: seg, next: next, stop: func() { cancel(); stop() }}
		c.updateStatus(func(st *Status) {
			st.Pending = len(c.queue)
			st.Transcribing = true
		})
		return true
	}

	tr := c.tr
	d, err, ok := tr.next()
	switch {
	case !ok:
		c.endTranscription()
	case err != nil:
		c.report("transcribe", err)
		c.endTranscription()
	case d.Final:
		// The final event is queued before Transcribing clears.
		c.emit(TranscriptFinal{SegmentID: tr.seg.ID.String(), Text: d.Text, Duration: tr.seg.Duration()})
		c.endTranscription()
		c.onFinal(ctx, tr.seg, d.Text)
	default:
		c.emit(TranscriptPartial{SegmentID: tr.seg.ID.String(), Delta: d.Text, Index: d.Index})
	}
	return true
}

func (c *Coordinator) endTranscription() {
	if c.tr != nil {
		c.tr.stop()
		c.tr = nil
		c.updateStatus(func(st *Status) { st.Transcribing = false })
	}
}

// onFinal routes a finished transcript to a voice command or an automatic
// reply.
func (c *Coordinator) onFinal(ctx context.Context, seg *segment.Segment, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if m, ok := c.voice.Match(text); ok {
		slog.Info("worker: voice command", "text", text, "action", m.Phrase.Action, "score", m.Score)
		c.emit(VoiceCommand{SegmentID: seg.ID.String(), Text: text, Action: m.Phrase.Action})
		switch m.Phrase.Action {
		case voicecmd.ActionCancel:
			c.cancelGeneration()
		case voicecmd.ActionStopListening:
			c.stopListening()
		}
		return
	}
	if !c.current().autoRespond {
		return
	}
	if c.gen != nil {
		slog.Debug("worker: generation running, transcript not answered", "segment", seg.ID)
		return
	}
	err := c.startGeneration(ctx, Generate{Messages: []prompt.Message{{Role: prompt.RoleUser, Content: text}}})
	if err != nil {
		c.report(Generate{}.CommandType(), err)
	}
}

// ── generation ──────────────────────────────────────────────────────────────

func (c *Coordinator) startGeneration(ctx context.Context, cmd Generate) error {
	if c.gen != nil {
		return generate.ErrBusy
	}
	if _, err := c.slots[model.RoleLLM].Get(); err != nil {
		return fmt.Errorf("worker: generate: %w", err)
	}
	s := c.current()

	tokens := cmd.Tokens
	if len(tokens) == 0 {
		if len(cmd.Messages) == 0 {
			return errors.New("worker: generate: no messages")
		}
		if c.tmpl == nil {
			return fmt.Errorf("worker: generate: %w: model vocabulary has no chat template", fault.ErrInference)
		}
		var err error
		if tokens, err = c.tmpl.Render(prompt.Conversation(s.assistant, cmd.Messages...), true); err != nil {
			return fmt.Errorf("worker: generate: %w", err)
		}
	}

	sampling := s.sampling
	if cmd.Sampling != nil {
		sampling = *cmd.Sampling
	}
	sampling.StopTokens = slices.Clone(sampling.StopTokens)
	if c.tmpl != nil {
		sampling.StopTokens = append(sampling.StopTokens, c.tmpl.StopTokens()...)
	}

	sess, err := c.engine.NewSession(tokens, sampling)
	if err != nil {
		return err
	}
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}
	gctx, cancel := context.WithCancel(ctx)
	c.gen = &generation{id: id, sess: sess, ctx: gctx, cancel: cancel}
	c.updateStatus(func(st *Status) { st.Generating = true })
	slog.Debug("worker: generation started", "id", id, "context_tokens", len(tokens))
	return nil
}

func (c *Coordinator) stepGeneration() bool {
	g := c.gen
	if g == nil || g.awaiting {
		return false
	}
	step, err := g.sess.Step()
	if step.Token.Text != "" {
		c.emit(TokenDelta{ID: g.id, Text: step.Token.Text, Index: step.Token.Index})
	}
	if step.ToolError != nil {
		var req generate.ToolCallRequest
		var tce *generate.ToolCallError
		if errors.As(step.ToolError, &tce) {
			req.Name = tce.Name
		}
		c.engine.ReportToolError(req, step.ToolError)
	}
	if err == nil && step.State == generate.StateAwaitingTool {
		g.awaiting = true
		req := *step.ToolCall
		c.emit(ToolCallStarted{ID: g.id, Request: req})
		eng := c.engine
		go func() {
			res := eng.ExecuteTool(g.ctx, c.tools, req)
			c.post(func() { c.resume(g, res) })
		}()
		return true
	}
	if err != nil || step.State.Terminal() {
		c.finishGeneration(g)
	}
	return true
}

// resume injects a tool result. Results for a generation that has since
// ended or been cancelled are discarded.
func (c *Coordinator) resume(g *generation, res generate.ToolCallResult) {
	if c.gen != g || !g.awaiting {
		slog.Debug("worker: discarding late tool result", "id", g.id, "tool", res.Name)
		return
	}
	g.awaiting = false
	c.emit(ToolCallFinished{ID: g.id, Result: res})
	if err := g.sess.Resume(res); err != nil && !g.sess.Cancelled() {
		if !g.sess.State().Terminal() {
			g.sess.Cancel()
		}
		c.report(Generate{}.CommandType(), err)
		c.finishGeneration(g)
	}
}

func (c *Coordinator) cancelGeneration() {
	g := c.gen
	if g == nil {
		return
	}
	g.sess.Cancel()
	g.cancel()
	// The next step observes the cancellation even while a tool runs.
	g.awaiting = false
}

func (c *Coordinator) finishGeneration(g *generation) {
	g.cancel()
	g.sess.Close()
	c.gen = nil
	c.updateStatus(func(st *Status) { st.Generating = false })

	reason := g.sess.Reason()
	if reason == generate.ReasonError {
		if err := g.sess.Err(); err != nil {
			c.report(Generate{}.CommandType(), err)
		}
	}
	keyword := c.current().assistant.Keyword()
	text := g.sess.Output()
	ended := prompt.IsConversationEnded(text, keyword)
	if ended {
		text = prompt.StripEndKeyword(text, keyword)
	}
	c.emit(GenerationComplete{
		ID:                g.id,
		Reason:            reason,
		Text:              text,
		Tokens:            g.sess.Generated(),
		ConversationEnded: ended,
	})
	slog.Debug("worker: generation complete", "id", g.id, "reason", reason, "tokens", g.sess.Generated())
}

// ── models ──────────────────────────────────────────────────────────────────

func (c *Coordinator) setModel(role model.Role, state ModelState, key model.Key) {
	c.updateStatus(func(st *Status) { st.Models[role] = RoleStatus{State: state, Key: key} })
}

func (c *Coordinator) loadFailed(desc model.Descriptor, err error) {
	kind := fault.KindOf(err)
	c.metrics.RecordError(c.ctx, err)
	slog.Warn("worker: model load failed", "model", desc.Key(), "role", desc.Role, "kind", kind, "err", err)
	c.emit(ModelLoadError{Role: desc.Role, Key: desc.Key(), Kind: kind, Err: err})

	if h, gerr := c.slots[desc.Role].Get(); gerr == nil {
		c.setModel(desc.Role, ModelReady, h.Descriptor().Key())
	} else {
		c.setModel(desc.Role, ModelIdle, model.Key{})
	}
}

// loadModel starts the download of desc off the loop. finishLoad replaces
// the slot once the blob is cached.
func (c *Coordinator) loadModel(ctx context.Context, desc model.Descriptor) {
	slot, ok := c.slots[desc.Role]
	if !ok {
		c.loadFailed(desc, fmt.Errorf("worker: %w: no slot for role %s", fault.ErrModelLoad, desc.Role))
		return
	}
	if err := desc.Validate(); err != nil {
		c.loadFailed(desc, fmt.Errorf("worker: %w: %w", fault.ErrModelLoad, err))
		return
	}
	if _, busy := c.loading[desc.Role]; busy {
		c.loadFailed(desc, fmt.Errorf("worker: %w: a %s model is already loading", fault.ErrBusy, desc.Role))
		return
	}
	if h, err := slot.Get(); err == nil && h.Descriptor().Key() == desc.Key() {
		c.emit(ModelLoaded{Descriptor: h.Descriptor(), Bytes: h.Size()})
		return
	}

	lctx, cancel := context.WithCancel(ctx)
	l := &pendingLoad{cancel: cancel}
	c.loading[desc.Role] = l
	c.setModel(desc.Role, ModelLoading, desc.Key())

	go func() {
		relay := newProgressRelay()
		done, relayed := make(chan struct{}), make(chan struct{})
		go func() {
			defer close(relayed)
			relay.run(c.emit, done)
		}()
		_, err := c.cache.EnsureCached(lctx, desc, func(p modelcache.Progress) {
			relay.offer(ModelLoadProgress{
				Role:     desc.Role,
				Key:      desc.Key(),
				Received: p.Received,
				Total:    p.Total,
				Percent:  p.Percent(),
			})
		})
		close(done)
		<-relayed
		c.post(func() { c.finishLoad(desc, l, err) })
	}()
}

// pendingLoad marks a download in flight for one role. finishLoad drops the
// result of a load that is no longer the current one.
type pendingLoad struct {
	cancel context.CancelFunc
}

// progressRelay decouples a download from the event consumer. The download
// callback only records the newest value; the relay goroutine emits it, so
// a slow consumer sees fewer progress events instead of stalling the
// download.
type progressRelay struct {
	mu     sync.Mutex
	latest ModelLoadProgress
	last   int64
	fresh  bool
	wake   chan struct{}
}

func newProgressRelay() *progressRelay {
	return &progressRelay{last: -1, wake: make(chan struct{}, 1)}
}

// offer never blocks.
func (r *progressRelay) offer(p ModelLoadProgress) {
	r.mu.Lock()
	if p.Received <= r.last {
		r.mu.Unlock()
		return
	}
	r.latest, r.last, r.fresh = p, p.Received, true
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *progressRelay) take() (ModelLoadProgress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.fresh {
		return ModelLoadProgress{}, false
	}
	r.fresh = false
	return r.latest, true
}

// run emits offered values until done is closed, then emits the last one.
func (r *progressRelay) run(emit func(Event), done <-chan struct{}) {
	for {
		select {
		case <-r.wake:
			if p, ok := r.take(); ok {
				emit(p)
			}
		case <-done:
			if p, ok := r.take(); ok {
				emit(p)
			}
			return
		}
	}
}

// finishLoad runs on the loop once the download ended.
func (c *Coordinator) finishLoad(desc model.Descriptor, l *pendingLoad, err error) {
	role := desc.Role
	l.cancel()
	if c.loading[role] != l {
		slog.Debug("worker: dropping stale model load", "role", role, "model", desc.Key(), "err", err)
		return
	}
	delete(c.loading, role)
	if err != nil {
		c.loadFailed(desc, err)
		return
	}

	slot := c.slots[role]
	c.retire(role, slot.Take())

	h, err := c.loader.Load(c.ctx, desc.Key())
	if err != nil {
		c.loadFailed(desc, err)
		return
	}
	if role == model.RoleLLM {
		eng, err := generate.New(h,
			generate.WithMetrics(c.metrics),
			generate.OnToolError(func(req generate.ToolCallRequest, err error) {
				c.report("tool_call", err)
			}))
		if err != nil {
			c.loader.Unload(h)
			c.loadFailed(desc, err)
			return
		}
		c.engine = eng
		if c.tmpl, err = prompt.NewTemplate(eng.Vocab()); err != nil {
			slog.Warn("worker: model has no chat template, only raw token prompts work", "model", desc.Key(), "err", err)
		}
	}
	if err := slot.Put(h); err != nil {
		c.loader.Unload(h)
		c.loadFailed(desc, fmt.Errorf("worker: %w: %w", fault.ErrModelLoad, err))
		return
	}
	c.setModel(role, ModelReady, desc.Key())
	c.emit(ModelLoaded{Descriptor: h.Descriptor(), Bytes: h.Size()})
}

// retire stops the work of role and unloads h.
func (c *Coordinator) retire(role model.Role, h *loader.Handle) {
	if h == nil {
		return
	}
	switch role {
	case model.RoleSTT:
		c.endTranscription()
	case model.RoleLLM:
		if g := c.gen; g != nil {
			g.sess.Cancel()
			c.finishGeneration(g)
		}
		c.engine, c.tmpl = nil, nil
	}
	c.loader.Unload(h)
	c.emit(ModelUnloaded{Role: role, Key: h.Descriptor().Key()})
}

func (c *Coordinator) unloadModel(role model.Role) {
	slot, ok := c.slots[role]
	if !ok {
		c.report(UnloadModel{}.CommandType(), fmt.Errorf("worker: no slot for role %s", role))
		return
	}
	if l, ok := c.loading[role]; ok {
		l.cancel()
		delete(c.loading, role)
	}
	h := slot.Take()
	if h == nil {
		c.setModel(role, ModelIdle, model.Key{})
		c.emit(ModelUnloaded{Role: role})
		return
	}
	c.retire(role, h)
	c.setModel(role, ModelIdle, model.Key{})
}
