package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/murmur/internal/config"
)

const defaultConfigPath = "murmur.yaml"

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	logLevel   string

	// level is installed in the default logger; serve hands it to the
	// config watcher.
	level slog.LevelVar
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "murmur",
		Short:         "On-device speech recognition and chat engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newFetchCmd(opts),
		newModelsCmd(opts),
		newEvictCmd(opts),
		newTranscribeCmd(opts),
		newGenerateCmd(opts),
		newMkmodelCmd(),
	)
	return root
}

// load reads the config and installs the logger. A missing file at the
// default path yields the default config; a missing explicit path is an
// error.
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config file %q not found", o.configPath)
	default:
		return nil, err
	}

	level := cfg.Server.LogLevel
	if o.logLevel != "" {
		level = config.LogLevel(o.logLevel)
		if !level.IsValid() {
			return nil, fmt.Errorf("--log-level %q is invalid; valid values: debug, info, warn, error", o.logLevel)
		}
		cfg.Server.LogLevel = level
	}
	slog.SetDefault(newLogger(&o.level, level))
	return cfg, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(v *slog.LevelVar, level config.LogLevel) *slog.Logger {
	v.Set(level.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: v}))
}
