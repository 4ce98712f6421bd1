package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

// InstrumentationName names the tracer used by this module's packages.
const InstrumentationName = "github.com/NikhilSetiya/agentcore"

// Start opens an internal span on the global provider, so packages can trace
// without holding a Service.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// RecordError marks span failed. Faults also add their kind and severity.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	if f, ok := errors.As(err); ok {
		span.SetAttributes(
			attribute.String("fault.kind", string(f.Kind)),
			attribute.String("fault.severity", string(f.Severity)),
			attribute.String("fault.id", f.ID),
		)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// End closes span with an error or ok status.
func End(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// GetTraceID is the active trace ID, or "".
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// GetSpanID is the active span ID, or "".
func GetSpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.SpanID().String()
	}
	return ""
}

// WithTraceContext copies the active trace and span IDs into the logging
// context so log lines can be joined with traces.
func WithTraceContext(ctx context.Context) context.Context {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ctx
	}
	ctx = logging.WithTraceID(ctx, sc.TraceID().String())
	return logging.WithSpanID(ctx, sc.SpanID().String())
}
