// Package middleware contains the framework adapters that open and close a
// telemetry scope around each inbound request: a net/http middleware and a
// gRPC unary interceptor. Adapters own request start/end detection; the
// scope package owns everything in between.
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/canonlog/canonlog/scope"
	"github.com/canonlog/canonlog/telemetry"
)

// Config wires an adapter to the telemetry runtime. Manager is required;
// everything else degrades gracefully when nil.
type Config struct {
	Manager *scope.Manager
	Tracing *telemetry.Tracing
	Metrics *telemetry.Metrics

	// Project and Environment seed the scope metadata, typically from the
	// configured Telemetry instance.
	Project     string
	Environment string
}

// HTTP wraps next so every request runs inside a top-level scope that is
// guaranteed to close and emit exactly one wide event, on normal
// completion, handler panic, and client cancellation alike.
func HTTP(cfg Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var span trace.Span
		if cfg.Tracing != nil {
			ctx, span = cfg.Tracing.StartRequestSpan(ctx, r.Method, r.URL.Path)
			defer span.End()
		}

		traceID, spanID := telemetry.SpanIDs(ctx)
		ctx, s := cfg.Manager.Start(ctx, r.Method+" "+r.URL.Path, scope.Metadata{
			Method:      r.Method,
			Path:        r.URL.Path,
			TraceID:     traceID,
			SpanID:      spanID,
			Project:     cfg.Project,
			Environment: cfg.Environment,
		})
		if cfg.Metrics != nil {
			cfg.Metrics.ScopeOpened(ctx)
		}

		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			rec := recover()
			code := ww.status
			if rec != nil {
				code = http.StatusInternalServerError
				s.Bucket().RecordError("panic", fmt.Sprint(rec), nil)
			}
			finishHTTP(cfg, s, span, r.Method, code)
			if rec != nil {
				panic(rec)
			}
		}()

		next.ServeHTTP(ww, r.WithContext(ctx))
	})
}

// finishHTTP seals the scope and reports request metrics. Split out so the
// panic and normal paths close identically.
func finishHTTP(cfg Config, s *scope.Scope, span trace.Span, method string, code int) {
	b := s.Bucket()
	b.SetStatusCode(code)

	status := scope.StatusOK
	if code >= http.StatusInternalServerError || len(b.Errors()) > 0 {
		status = scope.StatusError
	}
	_ = s.Close(status)

	if span != nil {
		span.SetAttributes(
			attribute.Int("http.status_code", code),
			attribute.Float64("http.duration_ms", float64(b.Duration().Microseconds())/1000.0),
		)
		if cfg.Tracing != nil {
			if status == scope.StatusError {
				cfg.Tracing.RecordError(span, fmt.Errorf("request failed with status %d", code))
			} else {
				cfg.Tracing.SetSpanSuccess(span)
			}
		}
	}
	if cfg.Metrics != nil {
		ctx := context.Background()
		cfg.Metrics.IncrementRequests(ctx, method, code)
		cfg.Metrics.RecordRequestDuration(ctx, method, b.Duration())
		cfg.Metrics.ScopeClosed(ctx)
	}
}

// statusWriter captures the response code written by the handler.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(p)
}

// Flush forwards to the underlying writer so streaming handlers keep
// working behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
