package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/modelcache"
	"github.com/MrWong99/murmur/pkg/model"
)

// ── fetch ─────────────────────────────────────────────────────────────────────

func newFetchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch [model-id...]",
		Short: "Download the configured models into the cache",
		Long: `Download the configured models (all of them, or only the given IDs)
into the cache, verifying size and checksum. Interrupted downloads resume
where they stopped. Afterwards old versions are pruned to cache.keep_versions
and the cache is evicted down to cache.max_bytes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			descs, err := selectModels(cfg.Models, args)
			if err != nil {
				return err
			}
			if len(descs) == 0 {
				return errors.New("no models configured")
			}
			m, err := app.OpenModels(cfg.Cache)
			if err != nil {
				return err
			}
			defer m.Close()

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt)
			defer stop()
			bar := &progressLine{w: cmd.ErrOrStderr()}
			err = m.Fetch(ctx, descs, bar.update)
			bar.finish()
			return err
		},
	}
}

// progressLine redraws one status line per download.
type progressLine struct {
	w    io.Writer
	mu   sync.Mutex
	last model.Key
	pct  int
}

func (p *progressLine) update(d model.Descriptor, pr modelcache.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pct := int(pr.Percent())
	if d.Key() == p.last && pct == p.pct && !pr.Done() {
		return
	}
	if d.Key() != p.last && p.last != (model.Key{}) {
		fmt.Fprintln(p.w)
	}
	p.last, p.pct = d.Key(), pct
	fmt.Fprintf(p.w, "\r%-32s %3d%%  %s / %s", d.Key(), pct, humanBytes(pr.Received), humanBytes(pr.Total))
}

func (p *progressLine) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last != (model.Key{}) {
		fmt.Fprintln(p.w)
	}
}

// ── models ────────────────────────────────────────────────────────────────────

func newModelsCmd(opts *options) *cobra.Command {
	var catalog bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List cached and configured models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if catalog {
				return printCatalog(out)
			}
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			m, err := app.OpenModels(cfg.Cache)
			if err != nil {
				return err
			}
			defer m.Close()

			rows, err := m.List(cfg.Models)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVERSION\tROLE\tQUANT\tSTATUS\tSIZE\tRAM")
			for _, r := range rows {
				ram := "-"
				if r.Known {
					ram = fmt.Sprintf("%d MB", r.Spec.RAMMB)
				}
				d := r.Descriptor
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					d.ID, d.Version, d.Role, d.Quantization, r.Status, humanBytes(d.Size), ram)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			total, err := m.Cache.TotalBytes()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\ncached: %s", humanBytes(total))
			if cfg.Cache.MaxBytes > 0 {
				fmt.Fprintf(out, " of %s", humanBytes(cfg.Cache.MaxBytes))
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&catalog, "catalog", false, "list the built-in model catalog instead")
	return cmd
}

func printCatalog(out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tROLE\tFAMILY\tVARIANT\tDISK\tRAM\tREPO")
	for _, s := range model.Catalog {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d MB\t%d MB\t%s\n",
			s.ID, s.Role, s.Family, s.Variant, s.DiskMB, s.RAMMB, s.Repo)
	}
	return tw.Flush()
}

// ── evict ─────────────────────────────────────────────────────────────────────

func newEvictCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evict [id[@version]...]",
		Short: "Remove models from the cache",
		Long: `Remove the given models from the cache. An ID without a version removes
every cached version. Without arguments, apply cache.keep_versions and
cache.max_bytes to the configured models.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			m, err := app.OpenModels(cfg.Cache)
			if err != nil {
				return err
			}
			defer m.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				evicted, err := m.Maintain(cfg.Models)
				for _, k := range evicted {
					fmt.Fprintln(out, "evicted", k)
				}
				return err
			}

			var errs []error
			for _, arg := range args {
				keys, err := resolveKeys(m.Cache, arg)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				for _, k := range keys {
					if err := m.Cache.Evict(k); err != nil {
						errs = append(errs, fmt.Errorf("evict %s: %w", k, err))
						continue
					}
					fmt.Fprintln(out, "evicted", k)
				}
			}
			return errors.Join(errs...)
		},
	}
	return cmd
}

// resolveKeys expands "id@version" to one key and "id" to every cached
// version of id.
func resolveKeys(c *modelcache.Cache, arg string) ([]model.Key, error) {
	if id, ver, ok := strings.Cut(arg, "@"); ok {
		return []model.Key{{ID: id, Version: ver}}, nil
	}
	entries, err := c.Versions(arg)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: %w", arg, modelcache.ErrNotFound)
	}
	keys := make([]model.Key, len(entries))
	for i, e := range entries {
		keys[i] = e.Key()
	}
	return keys, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// selectModels returns the configured descriptors named by ids, or all of
// them when ids is empty.
func selectModels(descs []model.Descriptor, ids []string) ([]model.Descriptor, error) {
	if len(ids) == 0 {
		return descs, nil
	}
	var out []model.Descriptor
	for _, id := range ids {
		found := false
		for _, d := range descs {
			if d.ID == id || d.Key().String() == id {
				out = append(out, d)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("model %q is not configured", id)
		}
	}
	return out, nil
}

// pickModel returns the configured model of role named by id, or the first
// one of that role when id is empty.
func pickModel(descs []model.Descriptor, role model.Role, id string) (model.Descriptor, error) {
	for _, d := range descs {
		if d.Role != role {
			continue
		}
		if id == "" || d.ID == id || d.Key().String() == id {
			return d, nil
		}
	}
	if id != "" {
		return model.Descriptor{}, fmt.Errorf("no %s model %q configured", role, id)
	}
	return model.Descriptor{}, fmt.Errorf("no %s model configured", role)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
