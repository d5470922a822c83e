// Package modelcache downloads, verifies and stores model weight blobs.
//
// A [Cache] keeps at most one entry per (ID, Version). Concurrent
// [Cache.EnsureCached] calls for the same key share one download: late
// joiners are replayed the most recent progress value and then receive every
// later one. Blobs move to Cached only after the SHA-256 of the complete blob
// matches the descriptor; a mismatch marks the entry Corrupt and discards the
// staged bytes.
package modelcache

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/pkg/fault"
	"github.com/MrWong99/murmur/pkg/model"
)

// Sentinel errors.
var (
	// ErrPinned is returned when evicting or replacing an entry with a live
	// handle.
	ErrPinned = errors.New("modelcache: entry is pinned by a loaded model")

	// ErrNotCached is returned when a verified blob is required but the
	// entry is absent, downloading or corrupt.
	ErrNotCached = errors.New("modelcache: model is not cached")

	// ErrChecksum is wrapped (together with fault.ErrModelDownload) when the
	// received blob does not match the descriptor.
	ErrChecksum = errors.New("modelcache: checksum mismatch")

	// ErrDownloading is returned when evicting an entry that is being
	// downloaded.
	ErrDownloading = errors.New("modelcache: download in progress")
)

// errOverflow aborts a transfer whose source sends more than Size bytes.
var errOverflow = errors.New("modelcache: source sent more bytes than the descriptor size")

// Cache manages model blobs in a [Store].
type Cache struct {
	store      Store
	source     Source
	metrics    *observe.Metrics
	readSize   int
	retries    int
	retryDelay time.Duration
	breaker    resilience.CircuitBreakerConfig
	now        func() time.Time

	mu       sync.Mutex
	pins     map[model.Key]int
	inflight map[model.Key]*download
	mirrors  map[string]*resilience.FallbackGroup[string]
	wg       sync.WaitGroup
}

// Option configures a [Cache].
type Option func(*Cache)

// WithSource sets the blob source. Default: [DefaultSource] with
// [http.DefaultClient].
func WithSource(s Source) Option {
	return func(c *Cache) { c.source = s }
}

// WithMetrics records download and eviction metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithReadSize sets the size of one source read. Default: 1 MiB.
func WithReadSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.readSize = n
		}
	}
}

// WithRetries sets how many times a failed download is resumed after every
// URL failed, and the base delay between rounds (multiplied by the round
// number). Default: 3 retries, 500ms.
func WithRetries(n int, delay time.Duration) Option {
	return func(c *Cache) {
		c.retries = max(0, n)
		c.retryDelay = max(0, delay)
	}
}

// WithBreaker sets the circuit breaker template used for every URL.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Cache) { c.breaker = cfg }
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns a cache over store. Entries left Downloading by a previous
// process are reset to NotCached and their partial blobs removed.
func New(store Store, opts ...Option) (*Cache, error) {
	c := &Cache{
		store:      store,
		readSize:   DefaultChunkSize,
		retries:    3,
		retryDelay: 500 * time.Millisecond,
		breaker:    resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute},
		now:        time.Now,
		pins:       make(map[model.Key]int),
		inflight:   make(map[model.Key]*download),
		mirrors:    make(map[string]*resilience.FallbackGroup[string]),
	}
	for _, o := range opts {
		o(c)
	}
	if c.source == nil {
		c.source = DefaultSource(nil)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if err := c.recover(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) recover() error {
	entries, err := c.store.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Status != StatusDownloading {
			continue
		}
		slog.Warn("modelcache: discarding interrupted download", "model", e.Key(), "received", e.Progress.Received)
		if err := c.store.DeleteBlob(e.Key()); err != nil {
			return err
		}
		e.Status = StatusNotCached
		e.Progress = Progress{Total: e.Descriptor.Size}
		e.Reason = "interrupted"
		if err := c.store.Put(e); err != nil {
			return err
		}
	}
	return nil
}

// ── download coordination ──────────────────────────────────────────────────

type download struct {
	cancel context.CancelFunc
	done   chan struct{}
	entry  Entry
	err    error

	mu       sync.Mutex
	last     Progress
	started  bool
	watchers map[int]*watcher
	nextID   int
	waiters  int
}

// watcher delivers progress to one caller. Callbacks run outside the
// download and cache locks; a value older than the last delivered one is
// dropped, so a replay racing a newer publish cannot go backwards.
type watcher struct {
	mu   sync.Mutex
	fn   func(Progress)
	seen bool
	last int64
}

func (w *watcher) deliver(p Progress) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen && p.Received < w.last {
		return
	}
	w.seen, w.last = true, p.Received
	w.fn(p)
}

// join registers a waiter. When fn is set and progress was already
// published, it returns the watcher and the value to replay to it; the
// caller delivers it after releasing its locks.
func (d *download) join(fn func(Progress)) (id int, w *watcher, replay Progress, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waiters++
	d.nextID++
	if fn != nil {
		w = &watcher{fn: fn}
		d.watchers[d.nextID] = w
	}
	return d.nextID, w, d.last, w != nil && d.started
}

// leave unregisters a waiter. The download is cancelled when nobody waits
// for it anymore.
func (d *download) leave(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.watchers, id)
	d.waiters--
	if d.waiters == 0 {
		d.cancel()
	}
}

func (d *download) publish(p Progress) {
	d.mu.Lock()
	if d.started && p.Received < d.last.Received {
		d.mu.Unlock()
		return
	}
	d.last, d.started = p, true
	ws := make([]*watcher, 0, len(d.watchers))
	for _, w := range d.watchers {
		ws = append(ws, w)
	}
	d.mu.Unlock()

	for _, w := range ws {
		w.deliver(p)
	}
}

func (d *download) progress() (Progress, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.started
}

// EnsureCached returns the Cached entry for desc, downloading it if needed.
// onProgress (optional) is called with non-decreasing progress values from
// the download goroutine, never under a cache lock. A slow callback delays
// only the download it watches; it should still return quickly. Cancelling ctx detaches this
// caller; the download itself stops once every caller has detached.
func (c *Cache) EnsureCached(ctx context.Context, desc model.Descriptor, onProgress func(Progress)) (Entry, error) {
	if err := desc.Validate(); err != nil {
		return Entry{}, fmt.Errorf("modelcache: %w: %w", fault.ErrModelDownload, err)
	}
	key := desc.Key()

	c.mu.Lock()
	d, ok := c.inflight[key]
	if !ok {
		e, err := c.store.Get(key)
		if err == nil && e.Status == StatusCached && strings.EqualFold(e.Descriptor.SHA256, desc.SHA256) {
			c.mu.Unlock()
			e.LastUsed = c.now()
			if err := c.store.Put(e); err != nil {
				slog.Warn("modelcache: failed to record use", "model", key, "err", err)
			}
			if onProgress != nil {
				onProgress(Progress{Received: e.Descriptor.Size, Total: e.Descriptor.Size})
			}
			return e, nil
		}
		if c.pins[key] > 0 {
			c.mu.Unlock()
			return Entry{}, fmt.Errorf("%w: %w: %s has a different checksum", ErrPinned, fault.ErrBusy, key)
		}
		dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		d = &download{cancel: cancel, done: make(chan struct{}), watchers: make(map[int]*watcher)}
		c.inflight[key] = d
		c.wg.Add(1)
		go c.run(dctx, d, desc)
	}
	id, w, replay, ok := d.join(onProgress)
	c.mu.Unlock()
	if ok {
		w.deliver(replay)
	}

	select {
	case <-d.done:
		d.leave(id)
		return d.entry, d.err
	case <-ctx.Done():
		d.leave(id)
		return Entry{}, fmt.Errorf("modelcache: %s: %w", key, ctx.Err())
	}
}

func (c *Cache) run(ctx context.Context, d *download, desc model.Descriptor) {
	defer c.wg.Done()
	key := desc.Key()
	start := c.now()

	ctx, span := observe.StartSpan(ctx, "modelcache.download")
	entry, err := c.fetch(ctx, desc, d)
	observe.EndSpan(span, err)

	attrs := metric.WithAttributes(observe.Attr("model", desc.ID), observe.Attr("status", statusLabel(err)))
	c.metrics.DownloadDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		slog.Warn("modelcache: download failed", "model", key, "err", err)
	} else {
		slog.Info("modelcache: download complete", "model", key, "bytes", desc.Size, "duration", time.Since(start))
	}

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	d.entry, d.err = entry, err
	d.cancel()
	close(d.done)
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrChecksum):
		return "corrupt"
	case resilience.IsCancellation(err):
		return "cancelled"
	default:
		return "error"
	}
}

func (c *Cache) mirrorGroup(desc model.Descriptor) *resilience.FallbackGroup[string] {
	urls := desc.URLs()
	id := strings.Join(urls, "\n")
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.mirrors[id]; ok {
		return g
	}
	cb := c.breaker
	if cb.Now == nil {
		cb.Now = c.now
	}
	if cb.OnStateChange == nil {
		key := desc.Key()
		cb.OnStateChange = func(url string, _, to resilience.State) {
			if to == resilience.StateOpen {
				slog.Warn("modelcache: skipping source after repeated failures", "model", key, "url", url)
				return
			}
			slog.Info("modelcache: source "+to.String(), "model", key, "url", url)
		}
	}
	g := resilience.NewFallbackGroup(urls[0], urls[0], resilience.FallbackConfig{
		CircuitBreaker: cb,
		Abort: func(err error) bool {
			return resilience.IsCancellation(err) || errors.Is(err, errOverflow)
		},
	})
	for _, u := range urls[1:] {
		g.AddFallback(u, u)
	}
	c.mirrors[id] = g
	return g
}

func (c *Cache) fetch(ctx context.Context, desc model.Descriptor, d *download) (Entry, error) {
	key := desc.Key()
	if err := c.store.DeleteBlob(key); err != nil {
		return Entry{}, fmt.Errorf("modelcache: %w: %w", fault.ErrModelDownload, err)
	}
	e := Entry{
		Descriptor: desc,
		Status:     StatusDownloading,
		Progress:   Progress{Total: desc.Size},
	}
	if err := c.store.Put(e); err != nil {
		return Entry{}, fmt.Errorf("modelcache: %w: %w", fault.ErrModelDownload, err)
	}
	d.publish(e.Progress)

	w := c.store.NewBlobWriter(key)
	h := sha256.New()
	group := c.mirrorGroup(desc)

	fail := func(status Status, err error) (Entry, error) {
		if aerr := w.Abort(); aerr != nil {
			slog.Warn("modelcache: failed to discard partial blob", "model", key, "err", aerr)
		}
		e.Status = status
		e.Progress.Received = 0
		e.Reason = err.Error()
		if perr := c.store.Put(e); perr != nil {
			slog.Warn("modelcache: failed to record entry", "model", key, "err", perr)
		}
		if resilience.IsCancellation(err) {
			return e, fmt.Errorf("modelcache: %s: %w", key, err)
		}
		return e, fmt.Errorf("modelcache: %s: %w: %w", key, fault.ErrModelDownload, err)
	}

	for round := 0; ; round++ {
		served, err := group.Execute(func(u string) error {
			return c.transfer(ctx, u, desc, w, h, d)
		})
		if err == nil {
			if served != desc.URL {
				slog.Info("modelcache: model served by mirror", "model", key, "url", served)
			}
			break
		}
		switch {
		case resilience.IsCancellation(err):
			return fail(StatusNotCached, err)
		case errors.Is(err, errOverflow):
			return fail(StatusCorrupt, fmt.Errorf("%w: %w", ErrChecksum, err))
		case errors.Is(err, ErrPermanent), round >= c.retries:
			return fail(StatusNotCached, err)
		}
		delay := c.retryDelay * time.Duration(round+1)
		slog.Warn("modelcache: download interrupted, resuming",
			"model", key, "received", w.Written(), "retry_in", delay, "err", err)
		select {
		case <-ctx.Done():
			return fail(StatusNotCached, ctx.Err())
		case <-time.After(delay):
		}
	}

	if got := w.Written(); got != desc.Size {
		return fail(StatusCorrupt, fmt.Errorf("%w: received %d bytes, want %d", ErrChecksum, got, desc.Size))
	}
	if sum := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(sum, desc.SHA256) {
		return fail(StatusCorrupt, fmt.Errorf("%w: sha256 %s, want %s", ErrChecksum, sum, desc.SHA256))
	}
	if err := w.Commit(); err != nil {
		return fail(StatusNotCached, err)
	}

	now := c.now()
	e.Status = StatusCached
	e.Progress = Progress{Received: desc.Size, Total: desc.Size}
	e.CachedAt, e.LastUsed = now, now
	e.Reason = ""
	if err := c.store.Put(e); err != nil {
		return fail(StatusNotCached, err)
	}
	return e, nil
}

// transfer copies from rawURL, starting at the bytes already written, until
// the source ends or fails.
func (c *Cache) transfer(ctx context.Context, rawURL string, desc model.Descriptor, w BlobWriter, h hash.Hash, d *download) error {
	offset := w.Written()
	if offset >= desc.Size {
		return nil
	}
	rc, err := c.source.Fetch(ctx, rawURL, offset)
	if err != nil {
		return err
	}
	defer rc.Close()

	attrs := metric.WithAttributes(observe.Attr("model", desc.ID))
	buf := make([]byte, c.readSize)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			overflow := w.Written()+int64(n) > desc.Size
			if overflow {
				chunk = chunk[:desc.Size-w.Written()]
			}
			h.Write(chunk)
			if _, err := w.Write(chunk); err != nil {
				return err
			}
			c.metrics.DownloadBytes.Add(ctx, int64(len(chunk)), attrs)
			d.publish(Progress{Received: w.Written(), Total: desc.Size})
			if overflow {
				return errOverflow
			}
		}
		if errors.Is(rerr, io.EOF) {
			if w.Written() < desc.Size {
				return fmt.Errorf("modelcache: %s ended at %d of %d bytes: %w", rawURL, w.Written(), desc.Size, io.ErrUnexpectedEOF)
			}
			return nil
		}
		if rerr != nil {
			return rerr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// ── queries ─────────────────────────────────────────────────────────────────

// Entry returns the entry for key with live progress for running downloads.
func (c *Cache) Entry(key model.Key) (Entry, error) {
	e, err := c.store.Get(key)
	if err != nil {
		return Entry{}, err
	}
	c.mu.Lock()
	d, ok := c.inflight[key]
	c.mu.Unlock()
	if ok {
		if p, started := d.progress(); started {
			e.Status = StatusDownloading
			e.Progress = p
		}
	}
	return e, nil
}

// Entries returns every entry ordered by ID then version.
func (c *Cache) Entries() ([]Entry, error) {
	entries, err := c.store.List()
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return cmp.Or(cmp.Compare(a.Descriptor.ID, b.Descriptor.ID), cmp.Compare(a.Descriptor.Version, b.Descriptor.Version))
	})
	return entries, nil
}

// Versions returns the entries of one model ID, most recently cached first.
func (c *Cache) Versions(id string) ([]Entry, error) {
	entries, err := c.store.List()
	if err != nil {
		return nil, err
	}
	entries = slices.DeleteFunc(entries, func(e Entry) bool { return e.Descriptor.ID != id })
	slices.SortFunc(entries, func(a, b Entry) int {
		return cmp.Or(b.CachedAt.Compare(a.CachedAt), cmp.Compare(b.Descriptor.Version, a.Descriptor.Version))
	})
	return entries, nil
}

// TotalBytes returns the size of all Cached blobs.
func (c *Cache) TotalBytes() (int64, error) {
	entries, err := c.store.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.Status == StatusCached {
			total += e.Descriptor.Size
		}
	}
	return total, nil
}

// Open streams the verified blob of key and records the use.
func (c *Cache) Open(key model.Key) (io.ReadCloser, error) {
	e, err := c.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotCached, err)
	}
	if e.Status != StatusCached {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCached, key, e.Status)
	}
	e.LastUsed = c.now()
	if err := c.store.Put(e); err != nil {
		slog.Warn("modelcache: failed to record use", "model", key, "err", err)
	}
	return c.store.OpenBlob(key)
}

// ── pins and eviction ───────────────────────────────────────────────────────

// Pin records a live handle for key. Pinned entries cannot be evicted.
func (c *Cache) Pin(key model.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[key]; ok {
		return fmt.Errorf("%w: %s is downloading", ErrNotCached, key)
	}
	e, err := c.store.Get(key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotCached, err)
	}
	if e.Status != StatusCached {
		return fmt.Errorf("%w: %s is %s", ErrNotCached, key, e.Status)
	}
	c.pins[key]++
	return nil
}

// Unpin releases one [Cache.Pin].
func (c *Cache) Unpin(key model.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[key] <= 1 {
		delete(c.pins, key)
		return
	}
	c.pins[key]--
}

// Pinned returns the number of live handles for key.
func (c *Cache) Pinned(key model.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pins[key]
}

// Evict removes the entry and blob of key.
func (c *Cache) Evict(key model.Key) error {
	return c.evict(key, "manual")
}

func (c *Cache) evict(key model.Key, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[key] > 0 {
		return fmt.Errorf("%w: %s", ErrPinned, key)
	}
	if _, ok := c.inflight[key]; ok {
		return fmt.Errorf("%w: %s", ErrDownloading, key)
	}
	if _, err := c.store.Get(key); err != nil {
		return err
	}
	if err := c.store.Delete(key); err != nil {
		return err
	}
	c.metrics.CacheEvictions.Add(context.Background(), 1, metric.WithAttributes(observe.Attr("reason", reason)))
	slog.Info("modelcache: evicted", "model", key, "reason", reason)
	return nil
}

// EvictToBudget evicts least recently used unpinned Cached entries until the
// cached total is at most maxBytes. It returns the evicted keys; if pinned
// entries alone exceed the budget the result is best effort.
func (c *Cache) EvictToBudget(maxBytes int64) ([]model.Key, error) {
	entries, err := c.store.List()
	if err != nil {
		return nil, err
	}
	var total int64
	var cached []Entry
	for _, e := range entries {
		if e.Status == StatusCached {
			total += e.Descriptor.Size
			cached = append(cached, e)
		}
	}
	slices.SortFunc(cached, func(a, b Entry) int { return a.LastUsed.Compare(b.LastUsed) })

	var evicted []model.Key
	for _, e := range cached {
		if total <= maxBytes {
			break
		}
		err := c.evict(e.Key(), "budget")
		if errors.Is(err, ErrPinned) || errors.Is(err, ErrDownloading) {
			continue
		}
		if err != nil {
			return evicted, err
		}
		total -= e.Descriptor.Size
		evicted = append(evicted, e.Key())
	}
	if total > maxBytes {
		slog.Warn("modelcache: over budget after eviction", "bytes", total, "budget", maxBytes)
	}
	return evicted, nil
}

// PruneVersions keeps the keep most recently cached versions of id and
// evicts older unpinned ones.
func (c *Cache) PruneVersions(id string, keep int) ([]model.Key, error) {
	versions, err := c.Versions(id)
	if err != nil {
		return nil, err
	}
	var evicted []model.Key
	for i, e := range versions {
		if i < keep {
			continue
		}
		err := c.evict(e.Key(), "superseded")
		if errors.Is(err, ErrPinned) || errors.Is(err, ErrDownloading) {
			continue
		}
		if err != nil {
			return evicted, err
		}
		evicted = append(evicted, e.Key())
	}
	return evicted, nil
}

// Close cancels running downloads and waits for them. The store stays open.
func (c *Cache) Close() error {
	c.mu.Lock()
	for _, d := range c.inflight {
		d.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
