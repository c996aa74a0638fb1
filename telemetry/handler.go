package telemetry

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/canonlog/canonlog/scope"
)

// Handler is a slog.Handler that correlates application logs with the
// active trace and the active scope: every record gets trace_id/span_id and
// service attributes, and error-level records are additionally mirrored
// into the request's bucket so the wide event carries them.
type Handler struct {
	delegate slog.Handler
	service  string
	metrics  *Metrics
}

// NewHandler returns a Handler writing JSON records to w.
func NewHandler(w io.Writer, level slog.Level, service string, metrics *Metrics) *Handler {
	return &Handler{
		delegate: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}),
		service:  service,
		metrics:  metrics,
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.delegate.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	r = r.Clone()
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	r.AddAttrs(slog.String("service", h.service))

	if h.metrics != nil {
		h.metrics.IncrementLogs(ctx, r.Level.String())
	}
	if r.Level >= slog.LevelError {
		scope.RecordErrorDetail(ctx, "log", r.Message, nil)
	}
	return h.delegate.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		delegate: h.delegate.WithAttrs(attrs),
		service:  h.service,
		metrics:  h.metrics,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		delegate: h.delegate.WithGroup(name),
		service:  h.service,
		metrics:  h.metrics,
	}
}
