package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/polaris/internal/logging"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a new server span (for incoming connections)
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SpanFromContext returns the current span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Logger returns the operational logger bound to span's trace context,
// or the plain logger when tracing is off.
func Logger(span trace.Span) *slog.Logger {
	if !Enabled() {
		return logging.Op()
	}
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return logging.Op()
	}
	return logging.OpWithTrace(sc.TraceID().String(), sc.SpanID().String())
}

// Common attribute keys for rating pipeline spans
var (
	AttrDomain     = attribute.Key("polaris.domain")
	AttrRequestID  = attribute.Key("polaris.request_id")
	AttrAccess     = attribute.Key("polaris.access")
	AttrQueue      = attribute.Key("polaris.queue")
	AttrModule     = attribute.Key("polaris.module")
	AttrAttempt    = attribute.Key("polaris.attempt")
	AttrDurationMs = attribute.Key("polaris.duration_ms")
)
