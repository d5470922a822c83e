// Package observe provides murmur's observability primitives: OpenTelemetry
// metrics, tracing spans, trace-aware logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping through the Prometheus exporter installed by [Setup]. A
// package-level [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/murmur/pkg/fault"
)

// meterName is the instrumentation scope of all murmur metrics.
const meterName = "github.com/MrWong99/murmur"

// Metrics holds all metric instruments. The OTel instruments handle their
// own synchronisation.
type Metrics struct {
	// ── Latency histograms ──────────────────────────────────────────────

	// STTDuration is the wall time of one segment transcription.
	STTDuration metric.Float64Histogram

	// GenerationDuration is the wall time of one generation turn, tool
	// calls included.
	GenerationDuration metric.Float64Histogram

	// ToolCallDuration is the latency of one tool execution.
	ToolCallDuration metric.Float64Histogram

	// DownloadDuration is the wall time of one model download.
	DownloadDuration metric.Float64Histogram

	// ModelLoadDuration is the time to deserialize a cached blob.
	ModelLoadDuration metric.Float64Histogram

	// ── Counters ────────────────────────────────────────────────────────

	// TokensGenerated counts tokens by attribute.String("role", "stt"|"llm").
	TokensGenerated metric.Int64Counter

	// ToolCalls counts tool invocations by "tool" and "status".
	ToolCalls metric.Int64Counter

	// DownloadBytes counts bytes received from model sources by "model".
	DownloadBytes metric.Int64Counter

	// CacheEvictions counts evicted cache entries by "reason".
	CacheEvictions metric.Int64Counter

	// DroppedFrames counts audio frames overwritten in the ring buffer.
	DroppedFrames metric.Int64Counter

	// Segments counts VAD segments by "forced".
	Segments metric.Int64Counter

	// Commands counts coordinator commands by "type".
	Commands metric.Int64Counter

	// Errors counts reported errors by "kind".
	Errors metric.Int64Counter

	// ── Gauges ──────────────────────────────────────────────────────────

	// ActiveSessions is the number of running generation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ResidentModels is the number of loaded models by "role".
	ResidentModels metric.Int64UpDownCounter

	// ── HTTP ────────────────────────────────────────────────────────────

	// HTTPRequestDuration is the latency of bridge and probe requests by
	// "method", "route" and "status".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, spanning token steps to
// multi-minute downloads.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "murmur.stt.duration", "Latency of one segment transcription."},
		{&met.GenerationDuration, "murmur.generation.duration", "Latency of one generation turn."},
		{&met.ToolCallDuration, "murmur.tool_call.duration", "Latency of tool execution."},
		{&met.DownloadDuration, "murmur.model.download.duration", "Duration of model downloads."},
		{&met.ModelLoadDuration, "murmur.model.load.duration", "Duration of model deserialization."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.TokensGenerated, "murmur.tokens", "Tokens produced by role."},
		{&met.ToolCalls, "murmur.tool.calls", "Tool invocations by tool name and status."},
		{&met.DownloadBytes, "murmur.model.download.bytes", "Bytes received from model sources."},
		{&met.CacheEvictions, "murmur.cache.evictions", "Evicted model cache entries by reason."},
		{&met.DroppedFrames, "murmur.audio.dropped_frames", "Audio frames overwritten before consumption."},
		{&met.Segments, "murmur.vad.segments", "Speech segments closed by the VAD gate."},
		{&met.Commands, "murmur.commands", "Coordinator commands by type."},
		{&met.Errors, "murmur.errors", "Errors reported to consumers by kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("murmur.active_sessions",
		metric.WithDescription("Number of running generation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ResidentModels, err = m.Int64UpDownCounter("murmur.resident_models",
		metric.WithDescription("Number of loaded models by role."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("murmur.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall counts one tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// RecordError counts one error under its [fault.Kind].
func (m *Metrics) RecordError(ctx context.Context, err error) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", errorKind(err)),
	))
}

// RecordCommand counts one coordinator command.
func (m *Metrics) RecordCommand(ctx context.Context, typ string) {
	m.Commands.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordTokens counts n tokens produced by role.
func (m *Metrics) RecordTokens(ctx context.Context, role string, n int) {
	m.TokensGenerated.Add(ctx, int64(n), metric.WithAttributes(attribute.String("role", role)))
}

func errorKind(err error) string { return fault.KindOf(err).String() }
