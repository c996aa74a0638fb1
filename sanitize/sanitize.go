// Package sanitize strips oversized span attributes before export.
//
// Agent workloads attach large payloads to spans: prompts, tool schemas and
// full model responses that the wide-event log already carries unabridged.
// Exporting them again bloats the tracing backend, so this package rewrites
// span snapshots on their way to the exporter, replacing offending values
// with a redaction placeholder that records the original size. Keys are
// never deleted: a consumer can always tell "stripped" from "absent".
package sanitize

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const instrumentationName = "github.com/canonlog/canonlog/sanitize"

// redactedPrefix opens the placeholder an attribute is replaced with.
const redactedPrefix = "[REDACTED"

// placeholderPattern matches exactly the placeholder this package writes.
// Only a full match counts as already sanitized, so re-running the policy
// is a no-op while a hostile value merely starting with the prefix still
// gets redacted on its own merits.
var placeholderPattern = regexp.MustCompile(`^\[REDACTED original_size_bytes=\d+\]$`)

// DefaultMaxAttributeBytes is the size threshold above which attribute
// values are redacted.
const DefaultMaxAttributeBytes = 10 * 1024

// Policy decides which span attributes get redacted: any value whose
// serialized size exceeds MaxAttributeBytes, any key listed exactly in
// DenyKeys, and any key containing one of DenyKeyPatterns
// (case-insensitive). Evaluation is deterministic and side-effect free.
type Policy struct {
	MaxAttributeBytes int
	DenyKeys          []string
	DenyKeyPatterns   []string
}

// DefaultPolicy covers the attribute keys the Vertex AI agent stack is
// known to flood spans with, plus generic prompt/response-shaped keys.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttributeBytes: DefaultMaxAttributeBytes,
		DenyKeys: []string{
			"gcp.vertex.agent.llm_request",
			"gcp.vertex.agent.llm_response",
		},
		DenyKeyPatterns: []string{
			"prompt",
			"llm_request",
			"llm_response",
			"tool_schema",
		},
	}
}

func (p Policy) matchesKey(key string) bool {
	for _, k := range p.DenyKeys {
		if key == k {
			return true
		}
	}
	lower := strings.ToLower(key)
	for _, pat := range p.DenyKeyPatterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

// Apply returns the sanitized attribute set, whether anything changed, and
// how many attributes could not be evaluated (those pass through
// unredacted). The input slice is never mutated.
func (p Policy) Apply(attrs []attribute.KeyValue) (out []attribute.KeyValue, changed bool, evalFailures int) {
	out = attrs
	for i, kv := range attrs {
		redacted, failed := p.sanitizeOne(kv)
		if failed {
			evalFailures++
			continue
		}
		if redacted == nil {
			continue
		}
		if !changed {
			out = make([]attribute.KeyValue, len(attrs))
			copy(out, attrs)
			changed = true
		}
		out[i] = *redacted
	}
	return out, changed, evalFailures
}

// sanitizeOne returns the replacement attribute, or nil when kv passes
// through. failed reports a policy evaluation problem.
func (p Policy) sanitizeOne(kv attribute.KeyValue) (redacted *attribute.KeyValue, failed bool) {
	if kv.Value.Type() == attribute.STRING && placeholderPattern.MatchString(kv.Value.AsString()) {
		return nil, false
	}
	size, err := valueSize(kv.Value)
	if err != nil {
		return nil, true
	}
	max := p.MaxAttributeBytes
	if max <= 0 {
		max = DefaultMaxAttributeBytes
	}
	if size <= max && !p.matchesKey(string(kv.Key)) {
		return nil, false
	}
	r := attribute.String(string(kv.Key), fmt.Sprintf("%s original_size_bytes=%d]", redactedPrefix, size))
	return &r, false
}

func valueSize(v attribute.Value) (int, error) {
	switch v.Type() {
	case attribute.STRING:
		return len(v.AsString()), nil
	case attribute.BOOL, attribute.INT64, attribute.FLOAT64:
		return len(v.Emit()), nil
	case attribute.BOOLSLICE, attribute.INT64SLICE, attribute.FLOAT64SLICE, attribute.STRINGSLICE:
		b, err := json.Marshal(v.AsInterface())
		if err != nil {
			return 0, err
		}
		return len(b), nil
	default:
		return 0, fmt.Errorf("sanitize: unsupported attribute type %s", v.Type())
	}
}

// Span applies the policy to one ended span and returns the span to export.
// Snapshots are immutable in the Go SDK, so a changed span is rebuilt from a
// stub; an untouched span is returned as-is, making the no-redaction case a
// cheap pass-through.
func (p Policy) Span(s sdktrace.ReadOnlySpan) (sdktrace.ReadOnlySpan, bool, int) {
	attrs, changed, failures := p.Apply(s.Attributes())
	if !changed {
		return s, false, failures
	}
	stub := tracetest.SpanStubFromReadOnlySpan(s)
	stub.Attributes = attrs
	return stub.Snapshot(), true, failures
}

// Exporter wraps a span exporter so every span is sanitized immediately
// before export. It registers between the batch processor and the real
// exporter, mirroring a sanitize-then-export processor chain.
type Exporter struct {
	next   sdktrace.SpanExporter
	policy Policy

	sanitized    metric.Int64Counter
	evalFailures metric.Int64Counter
}

// WrapExporter returns an Exporter applying policy in front of next.
func WrapExporter(next sdktrace.SpanExporter, policy Policy) (*Exporter, error) {
	meter := otel.Meter(instrumentationName)
	sanitized, err := meter.Int64Counter(
		"span_attributes_sanitized_total",
		metric.WithDescription("Total number of spans with at least one redacted attribute"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	evalFailures, err := meter.Int64Counter(
		"sanitizer_eval_failures_total",
		metric.WithDescription("Total number of attributes the sanitizer could not evaluate"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return &Exporter{
		next:         next,
		policy:       policy,
		sanitized:    sanitized,
		evalFailures: evalFailures,
	}, nil
}

// ExportSpans sanitizes each span and forwards the batch. An evaluation
// failure never aborts export: the affected attribute passes through
// unredacted and is counted for diagnostics.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := spans
	copied := false
	for i, s := range spans {
		sanitized, changed, failures := e.policy.Span(s)
		if failures > 0 {
			e.evalFailures.Add(ctx, int64(failures))
		}
		if !changed {
			continue
		}
		e.sanitized.Add(ctx, 1)
		if !copied {
			out = make([]sdktrace.ReadOnlySpan, len(spans))
			copy(out, spans)
			copied = true
		}
		out[i] = sanitized
	}
	return e.next.ExportSpans(ctx, out)
}

// Shutdown shuts down the wrapped exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}
