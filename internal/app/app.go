// Package app wires the murmur subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the model cache,
// connects tool servers and builds the coordinator, Run serves the bridge,
// probes and metrics until the context ends, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithSource,
// WithDevice, WithMetrics, WithTelemetry). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/bridge"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/loader"
	"github.com/MrWong99/murmur/internal/modelcache"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/stt"
	"github.com/MrWong99/murmur/internal/toolexec"
	"github.com/MrWong99/murmur/internal/toolexec/builtin"
	"github.com/MrWong99/murmur/internal/voicecmd"
	"github.com/MrWong99/murmur/internal/worker"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/model"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Injected or built in New.
	source   modelcache.Source
	device   audio.Device
	registry *config.Registry
	metrics  *observe.Metrics
	scrape   http.Handler
	level    *slog.LevelVar
	listener net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	models *Models
	loader *loader.Loader
	tools  *toolexec.Host
	coord  *worker.Coordinator
	bridge *bridge.Server
	health *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	resident []model.Role
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource sets where model blobs are downloaded from instead of the
// default HTTP and file source.
func WithSource(s modelcache.Source) Option {
	return func(a *App) { a.source = s }
}

// WithDevice injects a capture device instead of creating one from the
// audio section.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithRegistry sets the capture backend registry. Default: [NewRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics records every subsystem's metrics on m instead of the
// package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry records metrics on the providers installed by
// [observe.Setup] and serves its registry on /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) {
		if m, err := observe.NewMetrics(t.Meter); err == nil {
			a.metrics = m
		} else {
			slog.Warn("app: telemetry metrics unavailable, using defaults", "err", err)
		}
		a.scrape = t.Handler()
	}
}

// WithLogLevel lets a config reload change the level of the installed
// logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Tool servers that
// fail to connect are logged and skipped; everything else is fatal.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	if a.registry == nil {
		a.registry = NewRegistry()
	}

	fail := func(err error) (*App, error) {
		a.closeAll()
		return nil, err
	}

	// ── 1. Model cache ───────────────────────────────────────────────────
	cacheOpts := []modelcache.Option{modelcache.WithMetrics(a.metrics)}
	if a.source != nil {
		cacheOpts = append(cacheOpts, modelcache.WithSource(a.source))
	}
	models, err := OpenModels(cfg.Cache, cacheOpts...)
	if err != nil {
		return fail(fmt.Errorf("app: open model cache: %w", err))
	}
	a.models = models
	a.closers = append(a.closers, models.Close)
	if _, err := models.Maintain(cfg.Models); err != nil {
		slog.Warn("app: cache maintenance failed", "err", err)
	}
	a.loader = loader.New(models.Cache, loader.WithMetrics(a.metrics))

	// ── 2. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return fail(fmt.Errorf("app: init tools: %w", err))
	}

	// ── 3. Capture device ────────────────────────────────────────────────
	if a.device == nil {
		d, err := a.registry.CreateDevice(cfg.Audio)
		if err != nil {
			return fail(fmt.Errorf("app: %w", err))
		}
		a.device = d
	}

	// ── 4. Coordinator ───────────────────────────────────────────────────
	a.coord = worker.New(models.Cache, a.loader, a.workerOptions()...)

	// ── 5. Bridge + probes ───────────────────────────────────────────────
	a.bridge = bridge.New(a.coord,
		bridge.WithMetrics(a.metrics),
		bridge.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)
	for _, desc := range StartupModels(cfg.Models) {
		a.resident = append(a.resident, desc.Role)
	}
	a.health = health.New(
		health.StoreOpen(models.Store),
		health.RolesResident(a.coord, a.resident...),
	)

	return a, nil
}

// initTools builds the tool host, registers the built-ins and connects the
// configured MCP servers.
func (a *App) initTools(ctx context.Context) error {
	opts := []toolexec.Option{toolexec.WithMetrics(a.metrics)}
	if d := a.cfg.Tools.CallTimeout(); d > 0 {
		opts = append(opts, toolexec.WithCallTimeout(d))
	}
	a.tools = toolexec.New(opts...)
	a.closers = append([]func() error{a.tools.Close}, a.closers...)

	if !a.cfg.Tools.DisableBuiltins {
		if err := builtin.Register(a.tools); err != nil {
			return err
		}
	}
	if err := a.tools.ConnectAll(ctx, a.cfg.Tools.Servers); err != nil {
		slog.Warn("app: some tool servers are unavailable", "err", err)
	}
	slog.Info("app: tools ready", "tools", a.tools.Names(), "servers", a.tools.Servers())
	return nil
}

func (a *App) workerOptions() []worker.Option {
	cfg := a.cfg
	voice := voicecmd.New(cfg.VoiceCommands.EffectivePhrases(),
		voicecmd.WithSimilarity(cfg.VoiceCommands.Similarity))
	return []worker.Option{
		worker.WithDevice(a.device),
		worker.WithPipeline(audio.PipelineConfig{
			FrameDuration: cfg.Audio.FrameDuration(),
			HighQuality:   cfg.Audio.HighQuality,
		}),
		worker.WithRingCapacity(cfg.Audio.RingCapacity),
		worker.WithVAD(cfg.VAD.Detector()),
		worker.WithMaxSegment(cfg.VAD.MaxSegment()),
		worker.WithSTT(stt.New(stt.WithMaxTokens(cfg.STT.MaxTokens), stt.WithMetrics(a.metrics))),
		worker.WithTools(a.tools),
		worker.WithAssistant(cfg.Assistant.Prompt(a.tools.Names())),
		worker.WithSampling(cfg.Generation.Sampling()),
		worker.WithAutoRespond(cfg.Assistant.AutoRespond),
		worker.WithVoiceCommands(voice),
		worker.WithMetrics(a.metrics),
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Coordinator returns the background worker.
func (a *App) Coordinator() *worker.Coordinator { return a.coord }

// Models returns the model store and cache.
func (a *App) Models() *Models { return a.models }

// Tools returns the tool host.
func (a *App) Tools() *toolexec.Host { return a.tools }

// Handler returns the HTTP surface: the websocket bridge, /status,
// /healthz, /readyz and /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.scrape)
	mux.Handle("/", a.bridge.Handler())
	return mux
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the coordinator, the bridge and the HTTP server, requests the
// configured startup models, and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.coord.Run(gctx) })
	g.Go(func() error { return a.bridge.Run(gctx) })
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	for _, desc := range StartupModels(a.cfg.Models) {
		if err := a.coord.Send(gctx, worker.LoadModel{Descriptor: desc}); err != nil {
			slog.Warn("app: startup model not requested", "model", desc.Key(), "err", err)
		}
	}

	slog.Info("app: running", "addr", ln.Addr().String(), "models", len(a.cfg.Models))
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// StartupModels returns the first configured descriptor of every role, in
// config order.
func StartupModels(descs []model.Descriptor) []model.Descriptor {
	seen := make(map[model.Role]bool)
	var out []model.Descriptor
	for _, d := range descs {
		if seen[d.Role] {
			continue
		}
		seen[d.Role] = true
		out = append(out, d)
	}
	return out
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Apply hot-applies the settings a reloaded config changed. It has the
// signature of [config.ChangeFunc].
func (a *App) Apply(_, next *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", diff.NewLogLevel)
	}
	if diff.SamplingChanged {
		a.coord.SetSampling(next.Generation.Sampling())
	}
	if diff.VADChanged {
		a.coord.SetVAD(next.VAD.Detector())
	}
	if diff.VoiceCommandsChanged {
		a.coord.Voice().SetPhrases(next.VoiceCommands.EffectivePhrases())
	}
	if diff.AssistantChanged {
		a.coord.SetAssistant(next.Assistant.Prompt(a.tools.Names()), next.Assistant.AutoRespond)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("app: config sections changed that apply after restart", "sections", diff.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. Cancel the context passed to Run
// first. If ctx expires before all closers finish, the remaining ones are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
