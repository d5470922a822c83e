package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/modelcache"
	"github.com/MrWong99/murmur/pkg/model"
)

// Models is the model store with the cache over it. Commands that only
// manage downloads use it without building the rest of the [App].
type Models struct {
	Store *modelcache.BadgerStore
	Cache *modelcache.Cache

	cfg config.CacheConfig
}

// OpenModels opens the badger store described by cfg and a cache over it.
// Retry settings come from cfg; opts are applied after them.
func OpenModels(cfg config.CacheConfig, opts ...modelcache.Option) (*Models, error) {
	store, err := modelcache.OpenBadger(cfg.Dir,
		modelcache.WithInMemory(cfg.InMemory),
		modelcache.WithChunkSize(cfg.ChunkSize),
	)
	if err != nil {
		return nil, err
	}
	opts = append([]modelcache.Option{
		modelcache.WithRetries(cfg.Retries, cfg.RetryDelay()),
	}, opts...)
	cache, err := modelcache.New(store, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &Models{Store: store, Cache: cache, cfg: cfg}, nil
}

// Close stops running downloads and closes the store.
func (m *Models) Close() error {
	return errors.Join(m.Cache.Close(), m.Store.Close())
}

// Fetch downloads every descriptor that is not cached yet, one at a time.
// onProgress, when set, receives the progress of each download.
func (m *Models) Fetch(ctx context.Context, descs []model.Descriptor, onProgress func(model.Descriptor, modelcache.Progress)) error {
	var errs []error
	for _, d := range descs {
		var cb func(modelcache.Progress)
		if onProgress != nil {
			cb = func(p modelcache.Progress) { onProgress(d, p) }
		}
		if _, err := m.Cache.EnsureCached(ctx, d, cb); err != nil {
			if ctx.Err() != nil {
				return err
			}
			errs = append(errs, fmt.Errorf("app: fetch %s: %w", d.Key(), err))
			continue
		}
		slog.Info("app: model cached", "model", d.Key(), "bytes", d.Size)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	_, err := m.Maintain(descs)
	return err
}

// Maintain prunes old versions of the given models down to
// cache.keep_versions and then evicts least recently used blobs until the
// cache fits cache.max_bytes. Pinned blobs are never evicted.
func (m *Models) Maintain(descs []model.Descriptor) ([]model.Key, error) {
	var evicted []model.Key
	if keep := m.cfg.KeepVersions; keep > 0 {
		seen := make(map[string]bool)
		for _, d := range descs {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			keys, err := m.Cache.PruneVersions(d.ID, keep)
			evicted = append(evicted, keys...)
			if err != nil {
				return evicted, err
			}
		}
	}
	if budget := m.cfg.MaxBytes; budget > 0 {
		keys, err := m.Cache.EvictToBudget(budget)
		evicted = append(evicted, keys...)
		if err != nil {
			return evicted, err
		}
	}
	if len(evicted) > 0 {
		slog.Info("app: cache maintenance evicted models", "models", evicted)
	}
	return evicted, nil
}

// Listing is one row of [Models.List].
type Listing struct {
	Descriptor model.Descriptor
	Status     modelcache.Status

	// Spec is the catalog entry of the model, if it has one.
	Spec  model.Spec
	Known bool
}

// List returns every cache entry together with its catalog spec, followed
// by the configured descriptors that have no entry yet.
func (m *Models) List(configured []model.Descriptor) ([]Listing, error) {
	entries, err := m.Cache.Entries()
	if err != nil {
		return nil, err
	}
	seen := make(map[model.Key]bool, len(entries))
	out := make([]Listing, 0, len(entries)+len(configured))
	for _, e := range entries {
		seen[e.Key()] = true
		out = append(out, listing(e.Descriptor, e.Status))
	}
	for _, d := range configured {
		if !seen[d.Key()] {
			seen[d.Key()] = true
			out = append(out, listing(d, modelcache.StatusNotCached))
		}
	}
	return out, nil
}

func listing(d model.Descriptor, st modelcache.Status) Listing {
	spec, ok := model.Lookup(d.ID)
	return Listing{Descriptor: d, Status: st, Spec: spec, Known: ok}
}
