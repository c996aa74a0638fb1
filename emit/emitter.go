// Package emit serializes finalized scope buckets into single-line JSON
// records and writes them to a sink. One record per top-level scope; the
// exactly-once contract is enforced upstream by the scope lifecycle.
//
// Emission failures never reach request-handling code: a record that cannot
// be written is reported on a degraded fallback writer and counted, and the
// request proceeds as if nothing happened.
package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/canonlog/canonlog/scope"
)

const instrumentationName = "github.com/canonlog/canonlog/emit"

// record is the fixed top-level shape of one wide event.
type record struct {
	Time       string              `json:"time"`
	Severity   string              `json:"severity"`
	Message    string              `json:"message"`
	EventID    string              `json:"event_id"`
	HTTP       *httpBlock          `json:"http,omitempty"`
	Trace      *traceBlock         `json:"trace,omitempty"`
	GCPTrace   string              `json:"logging.googleapis.com/trace,omitempty"`
	GCPSpanID  string              `json:"logging.googleapis.com/spanId,omitempty"`
	DurationMS float64             `json:"duration_ms"`
	Status     string              `json:"status"`
	Fields     map[string]any      `json:"fields"`
	Counters   map[string]int64    `json:"counters"`
	Errors     []scope.ErrorRecord `json:"errors"`
}

type httpBlock struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Status int    `json:"status,omitempty"`
}

type traceBlock struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// Emitter writes one wide event per finalized bucket. Safe for concurrent
// use; writes to the sink are serialized so lines never interleave.
type Emitter struct {
	mu       sync.Mutex
	sink     io.Writer
	fallback io.Writer
	logger   *slog.Logger

	emitted  metric.Int64Counter
	failures metric.Int64Counter
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithFallback sets the degraded writer used when the sink fails.
// Defaults to stderr.
func WithFallback(w io.Writer) Option {
	return func(e *Emitter) { e.fallback = w }
}

// WithLogger sets the diagnostics logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

// New returns an Emitter writing records to sink.
func New(sink io.Writer, opts ...Option) (*Emitter, error) {
	e := &Emitter{
		sink:     sink,
		fallback: os.Stderr,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	meter := otel.Meter(instrumentationName)
	var err error
	e.emitted, err = meter.Int64Counter(
		"wide_events_emitted_total",
		metric.WithDescription("Total number of wide events written to the sink"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	e.failures, err = meter.Int64Counter(
		"wide_event_emit_failures_total",
		metric.WithDescription("Total number of wide events that could not be written"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Emit serializes b as one JSON line and writes it to the sink. It trusts
// the scope lifecycle to call it at most once per bucket and performs no
// deduplication of its own.
func (e *Emitter) Emit(b *scope.Bucket) {
	rec := buildRecord(b)
	line, err := json.Marshal(rec)
	if err != nil {
		e.degrade(b, "marshal", err)
		return
	}
	line = append(line, '\n')

	e.mu.Lock()
	_, err = e.sink.Write(line)
	e.mu.Unlock()
	if err != nil {
		e.degrade(b, "write", err)
		return
	}
	e.emitted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", rec.Status),
	))
}

func buildRecord(b *scope.Bucket) record {
	md := b.Metadata()
	errs := b.Errors()
	if errs == nil {
		errs = []scope.ErrorRecord{}
	}

	severity := "INFO"
	status := b.Status()
	if status == scope.StatusError || len(errs) > 0 {
		severity = "ERROR"
	}

	rec := record{
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Severity:   severity,
		Message:    "request completed",
		EventID:    b.ID(),
		DurationMS: float64(b.Duration().Microseconds()) / 1000.0,
		Status:     status,
		Fields:     b.Fields(),
		Counters:   b.Counters(),
		Errors:     errs,
	}

	if md.Method != "" || md.Path != "" {
		rec.HTTP = &httpBlock{Method: md.Method, Path: md.Path, Status: md.StatusCode}
	}
	if md.TraceID != "" {
		rec.Trace = &traceBlock{TraceID: md.TraceID, SpanID: md.SpanID}
		// GCP log/trace correlation wants the fully qualified resource name
		// when the project is known.
		if md.Project != "" {
			rec.GCPTrace = fmt.Sprintf("projects/%s/traces/%s", md.Project, md.TraceID)
		} else {
			rec.GCPTrace = md.TraceID
		}
		rec.GCPSpanID = md.SpanID
	}
	if md.Environment != "" {
		rec.Fields["environment"] = md.Environment
	}
	return rec
}

// degrade reports a failed emission on the fallback writer. The fallback
// line is deliberately minimal so it cannot fail the same way the full
// record did.
func (e *Emitter) degrade(b *scope.Bucket, stage string, cause error) {
	e.failures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stage", stage),
	))
	e.logger.Warn("wide event emission failed",
		"stage", stage,
		"error", cause,
		"event_id", b.ID(),
	)
	if e.fallback == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.fallback, "{\"severity\":\"ERROR\",\"message\":\"wide event emission failed\",\"event_id\":%q,\"stage\":%q}\n",
		b.ID(), stage)
}
