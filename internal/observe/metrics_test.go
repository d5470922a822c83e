package observe

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/murmur/pkg/fault"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestLatencyHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := map[string]metric.Float64Histogram{
		"murmur.stt.duration":            m.STTDuration,
		"murmur.generation.duration":     m.GenerationDuration,
		"murmur.tool_call.duration":      m.ToolCallDuration,
		"murmur.model.download.duration": m.DownloadDuration,
		"murmur.model.load.duration":     m.ModelLoadDuration,
	}
	// A token step and a slow download land in the first and last buckets.
	for _, h := range histograms {
		h.Record(ctx, 0.001)
		h.Record(ctx, 300)
	}

	rm := collect(t, reader)
	for name := range histograms {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("%s not recorded", name)
		}
		dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
		if !slices.Equal(dp.Bounds, latencyBuckets) {
			t.Errorf("%s bounds = %v", name, dp.Bounds)
		}
		if first, last := dp.BucketCounts[0], dp.BucketCounts[len(dp.BucketCounts)-1]; dp.Count != 2 || first != 1 || last != 1 {
			t.Errorf("%s counts = %v (total %d)", name, dp.BucketCounts, dp.Count)
		}
	}
}

// sumFor returns the value of the data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestToolCallsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "roll_dice", "ok")
	m.RecordToolCall(ctx, "roll_dice", "ok")
	m.RecordToolCall(ctx, "roll_dice", "error")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "murmur.tool.calls", "status", "ok"); got != 2 {
		t.Errorf("ok calls = %d, want 2", got)
	}
	if got := sumFor(t, rm, "murmur.tool.calls", "status", "error"); got != 1 {
		t.Errorf("error calls = %d, want 1", got)
	}
}

func TestRecordErrorUsesKind(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordError(ctx, fmt.Errorf("modelcache: mirror: %w", fault.ErrModelDownload))
	m.RecordError(ctx, fmt.Errorf("generate: %w", fault.ErrBusy))
	m.RecordError(ctx, fmt.Errorf("generate: %w", fault.ErrBusy))

	rm := collect(t, reader)
	if got := sumFor(t, rm, "murmur.errors", "kind", "model_download"); got != 1 {
		t.Errorf("model_download = %d, want 1", got)
	}
	if got := sumFor(t, rm, "murmur.errors", "kind", "busy"); got != 2 {
		t.Errorf("busy = %d, want 2", got)
	}
}

func TestCommandAndTokenCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCommand(ctx, "generate")
	m.RecordTokens(ctx, "llm", 12)
	m.RecordTokens(ctx, "stt", 3)
	m.RecordTokens(ctx, "llm", 4)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "murmur.commands", "type", "generate"); got != 1 {
		t.Errorf("generate commands = %d, want 1", got)
	}
	if got := sumFor(t, rm, "murmur.tokens", "role", "llm"); got != 16 {
		t.Errorf("llm tokens = %d, want 16", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.ResidentModels.Add(ctx, 1, metric.WithAttributes(Attr("role", "stt")))

	rm := collect(t, reader)
	met := findMetric(rm, "murmur.active_sessions")
	if met == nil {
		t.Fatal("active_sessions not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("active_sessions has no data")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active_sessions = %d, want 1", got)
	}
	if got := sumFor(t, rm, "murmur.resident_models", "role", "stt"); got != 1 {
		t.Errorf("resident stt models = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
