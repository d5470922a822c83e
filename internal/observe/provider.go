package observe

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures [Setup].
type ProviderConfig struct {
	// ServiceName defaults to "murmur".
	ServiceName    string
	ServiceVersion string

	// Registry receives the exported metrics. Nil uses a fresh registry, so
	// the result only appears on [Telemetry.Handler].
	Registry *prometheus.Registry

	// SpanExporter receives finished spans. Nil keeps spans in process,
	// which is enough for trace ids in logs and response headers.
	SpanExporter sdktrace.SpanExporter

	// SampleRatio is the fraction of new traces that are sampled. Zero
	// samples every trace. Requests carrying a sampled parent always are.
	SampleRatio float64
}

// Telemetry is the installed metric and trace pipeline.
type Telemetry struct {
	Meter  *sdkmetric.MeterProvider
	Tracer *sdktrace.TracerProvider

	registry *prometheus.Registry
}

// Setup builds the providers described by cfg and installs them as the
// global OpenTelemetry providers, together with the W3C trace context
// propagator.
func Setup(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "murmur"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, err
	}

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
	}
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if r := cfg.SampleRatio; r > 0 && r < 1 {
		sampler = sdktrace.TraceIDRatioBased(r)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.SpanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.SpanExporter))
	}

	t := &Telemetry{
		Meter:    sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp)),
		Tracer:   sdktrace.NewTracerProvider(tpOpts...),
		registry: reg,
	}
	otel.SetMeterProvider(t.Meter)
	otel.SetTracerProvider(t.Tracer)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return t, nil
}

// Handler serves the registry in the Prometheus text format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracer.Shutdown(ctx), t.Meter.Shutdown(ctx))
}
