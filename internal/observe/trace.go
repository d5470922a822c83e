package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/murmur/pkg/fault"
)

const tracerName = "github.com/MrWong99/murmur"

// Tracer returns murmur's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. End it with [EndSpan] or span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan ends span after tagging it with the [fault.Kind] of err. A
// cancelled operation keeps an unset status; any other error marks the span
// failed.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		kind := fault.KindOf(err)
		span.SetAttributes(
			attribute.String("murmur.error_kind", kind.String()),
			attribute.Bool("murmur.error_transient", kind.Transient()),
		)
		if kind != fault.KindCancelled {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// CorrelationID returns the trace id carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
