package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracing wraps span creation for the request-telemetry surface.
type Tracing struct {
	tracer trace.Tracer
}

// NewTracing returns a Tracing using the named tracer.
func NewTracing(serviceName string) *Tracing {
	return &Tracing{tracer: otel.Tracer(serviceName)}
}

// StartRequestSpan opens the root span for one inbound HTTP request,
// named "<METHOD> <path>".
func (t *Tracing) StartRequestSpan(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, method+" "+path, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	))
}

// StartRunSpan opens a span for one instrumented agent run.
func (t *Tracing) StartRunSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.name", name),
	))
}

// RecordError marks span failed with err.
func (t *Tracing) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks span as completed successfully.
func (t *Tracing) SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SpanIDs returns the hex trace and span identifiers for the span on ctx,
// or empty strings when no valid span is active.
func SpanIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
