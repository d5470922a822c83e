package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newServeCmd(opts *options) *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the websocket bridge, health probes and metrics",
		Long: `Run the background coordinator and serve it on server.listen_addr:

  /ws       websocket bridge (commands in, events out)
  /status   coordinator status snapshot
  /healthz  liveness probe
  /readyz   readiness probe (startup models resident, cache open)
  /metrics  Prometheus metrics

The first configured model of every role is loaded at startup. The config
file is watched (and reread on SIGHUP); log level, sampling, VAD thresholds, voice commands and
the assistant persona are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), opts, cfg, !noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

func serve(parent context.Context, opts *options, cfg *config.Config, watch bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("murmur starting",
		"version", version,
		"config", opts.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"models", len(cfg.Models),
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Setup(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg, app.WithLogLevel(&opts.level), app.WithTelemetry(tel))
	if err != nil {
		return err
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if watch {
		if _, statErr := os.Stat(opts.configPath); statErr == nil {
			w, err := config.NewWatcher(opts.configPath, application.Apply)
			if err != nil {
				slog.Warn("config watcher disabled", "err", err)
			} else {
				defer w.Stop()
				go reloadOnHangup(ctx, w)
			}
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// reloadOnHangup rereads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			slog.Info("SIGHUP received, reloading config")
			_, _ = w.Reload()
		}
	}
}
