// Package loader turns verified cache blobs into resident model handles.
//
// A [Handle] owns the decoded weights of one cache entry. Inference steps
// hold its read lock through [Handle.Acquire]; [Loader.Unload] takes the
// write lock, so it waits for the step in progress and every later Acquire
// fails with fault.ErrInference. A [Slot] holds at most one handle per role.
package loader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/murmur/internal/modelcache"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/fault"
	"github.com/MrWong99/murmur/pkg/model"
	"github.com/MrWong99/murmur/pkg/model/weights"
)

// Blobs is the part of the model cache the loader needs. *modelcache.Cache
// implements it.
type Blobs interface {
	Entry(key model.Key) (modelcache.Entry, error)
	Open(key model.Key) (io.ReadCloser, error)
	Pin(key model.Key) error
	Unpin(key model.Key)
}

var _ Blobs = (*modelcache.Cache)(nil)

// Loader creates [Handle] values from cached blobs.
//
// Loader is safe for concurrent use; its fields are immutable after
// construction.
type Loader struct {
	blobs   Blobs
	metrics *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Loader)

// WithMetrics records load durations and resident model counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// New returns a loader reading from blobs.
func New(blobs Blobs, opts ...Option) *Loader {
	l := &Loader{blobs: blobs}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// Load decodes the Cached blob of key and pins its entry. Absent, corrupt
// and incompatible blobs wrap fault.ErrModelLoad.
func (l *Loader) Load(ctx context.Context, key model.Key) (_ *Handle, err error) {
	ctx, span := observe.StartSpan(ctx, "loader.load")
	defer func() { observe.EndSpan(span, err) }()
	start := time.Now()

	e, err := l.blobs.Entry(key)
	if err != nil {
		return nil, fmt.Errorf("loader: %s: %w: %w", key, fault.ErrModelLoad, err)
	}
	if e.Status != modelcache.StatusCached {
		return nil, fmt.Errorf("loader: %s: %w: entry is %s", key, fault.ErrModelLoad, e.Status)
	}
	desc := e.Descriptor

	rc, err := l.blobs.Open(key)
	if err != nil {
		return nil, fmt.Errorf("loader: %s: %w: %w", key, fault.ErrModelLoad, err)
	}
	f, err := weights.Decode(&ctxReader{ctx: ctx, r: rc})
	rc.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("loader: %s: %w", key, ctx.Err())
		}
		return nil, fmt.Errorf("loader: %s: %w: %w", key, fault.ErrModelLoad, err)
	}
	if err := compatible(desc, f); err != nil {
		f.Release()
		return nil, fmt.Errorf("loader: %s: %w: %w", key, fault.ErrModelLoad, err)
	}
	if err := l.blobs.Pin(key); err != nil {
		f.Release()
		return nil, fmt.Errorf("loader: %s: %w: %w", key, fault.ErrModelLoad, err)
	}

	h := &Handle{desc: desc, file: f, size: f.ResidentBytes(), valid: true}
	role := metric.WithAttributes(observe.Attr("role", desc.Role.String()))
	l.metrics.ModelLoadDuration.Record(ctx, time.Since(start).Seconds(), role)
	l.metrics.ResidentModels.Add(ctx, 1, role)
	slog.Info("loader: model loaded", "model", key, "role", desc.Role, "bytes", h.size, "duration", time.Since(start))
	return h, nil
}

// compatible checks the decoded header against the descriptor it was
// downloaded for.
func compatible(desc model.Descriptor, f *weights.File) error {
	hdr := f.Header
	if hdr.Role != desc.Role.String() {
		return fmt.Errorf("blob role %q, descriptor role %q", hdr.Role, desc.Role)
	}
	if hdr.Quantization != desc.Quantization {
		return fmt.Errorf("blob quantization %q, descriptor quantization %q", hdr.Quantization, desc.Quantization)
	}
	if desc.Family != "" && hdr.Family != desc.Family {
		return fmt.Errorf("blob family %q, descriptor family %q", hdr.Family, desc.Family)
	}
	if f.ResidentBytes() > desc.Size {
		return fmt.Errorf("resident size %d exceeds recorded size %d", f.ResidentBytes(), desc.Size)
	}
	return nil
}

// Unload invalidates h, drops its weights and unpins its entry. It waits for
// an inference step holding h to finish. Unloading twice is a no-op.
func (l *Loader) Unload(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if !h.valid {
		h.mu.Unlock()
		return
	}
	h.valid = false
	h.file.Release()
	h.file = nil
	h.mu.Unlock()

	l.blobs.Unpin(h.desc.Key())
	l.metrics.ResidentModels.Add(context.Background(), -1,
		metric.WithAttributes(observe.Attr("role", h.desc.Role.String())))
	slog.Info("loader: model unloaded", "model", h.desc.Key(), "role", h.desc.Role)
}

// ctxReader stops a long decode when ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
