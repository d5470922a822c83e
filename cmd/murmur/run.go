package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/modelcache"
	"github.com/MrWong99/murmur/internal/prompt"
	"github.com/MrWong99/murmur/internal/worker"
	"github.com/MrWong99/murmur/pkg/model"
)

// ── transcribe ────────────────────────────────────────────────────────────────

func newTranscribeCmd(opts *options) *cobra.Command {
	var modelID string
	var timestamps, normalize bool
	cmd := &cobra.Command{
		Use:   "transcribe <file.wav>",
		Short: "Transcribe a WAV file",
		Long: `Replay a WAV file through the capture pipeline, voice activity gate and
speech model, and print one line per detected utterance. The file is
resampled and mixed down as needed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			desc, err := pickModel(cfg.Models, model.RoleSTT, modelID)
			if err != nil {
				return err
			}
			cfg.Assistant.AutoRespond = false
			out := cmd.OutOrStdout()
			return drive(cmdContext(cmd), cfg, []app.Option{app.WithDevice(app.FileDevice(args[0], normalize))},
				func(ctx context.Context, d *app.Driver) error {
					if err := load(ctx, cmd, d, desc); err != nil {
						return err
					}
					var offset time.Duration
					return d.Transcribe(ctx, func(f worker.TranscriptFinal) {
						if timestamps {
							fmt.Fprintf(out, "[%s] ", offset.Truncate(10*time.Millisecond))
							offset += f.Duration
						}
						fmt.Fprintln(out, strings.TrimSpace(f.Text))
					})
				})
		},
	}
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "speech model ID (default: first configured)")
	cmd.Flags().BoolVar(&timestamps, "durations", false, "prefix each line with the summed utterance duration so far")
	cmd.Flags().BoolVar(&normalize, "normalize", false, "peak normalize the file before transcribing")
	return cmd
}

// ── generate ──────────────────────────────────────────────────────────────────

func newGenerateCmd(opts *options) *cobra.Command {
	var (
		modelID   string
		system    bool
		maxTokens int
	)
	cmd := &cobra.Command{
		Use:   "generate <prompt...>",
		Short: "Answer a prompt with the configured language model",
		Long: `Render the prompt as a user turn after the assistant's system prompt and
stream the reply to stdout. Tool calls run against the built-in tools and
the configured MCP servers and are reported on stderr.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			desc, err := pickModel(cfg.Models, model.RoleLLM, modelID)
			if err != nil {
				return err
			}
			if maxTokens > 0 {
				cfg.Generation.MaxTokens = maxTokens
			}
			if system {
				fmt.Fprintln(cmd.ErrOrStderr(), cfg.Assistant.Prompt(nil).SystemPrompt())
			}
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			msgs := []prompt.Message{{Role: prompt.RoleUser, Content: strings.Join(args, " ")}}
			return drive(cmdContext(cmd), cfg, nil, func(ctx context.Context, d *app.Driver) error {
				if err := load(ctx, cmd, d, desc); err != nil {
					return err
				}
				done, err := d.Generate(ctx, msgs,
					func(td worker.TokenDelta) { fmt.Fprint(out, td.Text) },
					func(ev worker.Event) {
						switch ev := ev.(type) {
						case worker.ToolCallStarted:
							fmt.Fprintf(errOut, "\n[tool %s %s]\n", ev.Request.Name, ev.Request.Arguments)
						case worker.ToolCallFinished:
							if ev.Result.Success {
								fmt.Fprintf(errOut, "[tool %s -> %s]\n", ev.Result.Name, ev.Result.Result)
							} else {
								fmt.Fprintf(errOut, "[tool %s failed: %s]\n", ev.Result.Name, ev.Result.Error)
							}
						}
					})
				fmt.Fprintln(out)
				if err != nil {
					return err
				}
				fmt.Fprintf(errOut, "(%s, %d tokens", done.Reason, done.Tokens)
				if done.ConversationEnded {
					fmt.Fprint(errOut, ", conversation ended")
				}
				fmt.Fprintln(errOut, ")")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "language model ID (default: first configured)")
	cmd.Flags().BoolVar(&system, "show-system", false, "print the system prompt to stderr first")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "override generation.max_tokens")
	return cmd
}

// ── helpers ───────────────────────────────────────────────────────────────────

// drive builds an App without serving it and runs fn against its
// coordinator. Ctrl+C cancels.
func drive(parent context.Context, cfg *config.Config, opts []app.Option, fn func(context.Context, *app.Driver) error) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(sctx)
	}()
	return a.Drive(ctx, fn)
}

// load makes desc resident, drawing a progress line on stderr.
func load(ctx context.Context, cmd *cobra.Command, d *app.Driver, desc model.Descriptor) error {
	bar := &progressLine{w: cmd.ErrOrStderr()}
	err := d.Load(ctx, desc, func(p worker.ModelLoadProgress) {
		bar.update(desc, modelcache.Progress{Received: p.Received, Total: p.Total})
	})
	bar.finish()
	return err
}
