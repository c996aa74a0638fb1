package scope

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute values longer than this are cut so traces stay lightweight;
// the bucket keeps the full value.
const maxSpanAttrLen = 1024

// Enrich merges the given attributes into the active bucket, last write
// wins per key. Groups become nested field objects. Each value is also
// mirrored (stringified and truncated) onto the current span so traces stay
// searchable without carrying full payloads. A no-op when no scope is open.
func Enrich(ctx context.Context, attrs ...slog.Attr) {
	s := FromContext(ctx)
	if s == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	for _, a := range attrs {
		v := attrValue(a.Value)
		s.bucket.Set(a.Key, v)
		mirrorToSpan(span, a.Key, v)
	}
}

// Set records one field in the active bucket, storing value as provided.
// Dotted keys nest. A no-op when no scope is open.
func Set(ctx context.Context, key string, value any) {
	s := FromContext(ctx)
	if s == nil {
		return
	}
	s.bucket.Set(key, value)
	mirrorToSpan(trace.SpanFromContext(ctx), key, value)
}

// Add increments a counter in the active bucket. A no-op when no scope is
// open.
func Add(ctx context.Context, key string, delta int64) {
	if s := FromContext(ctx); s != nil {
		s.bucket.Add(key, delta)
	}
}

// RecordError captures err into the active bucket using the error's dynamic
// type as the record kind. A no-op when no scope is open or err is nil.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	RecordErrorDetail(ctx, fmt.Sprintf("%T", err), err.Error(), nil)
}

// RecordErrorDetail captures a failure with an explicit kind and optional
// structured detail. A no-op when no scope is open.
func RecordErrorDetail(ctx context.Context, kind, message string, detail map[string]any) {
	if s := FromContext(ctx); s != nil {
		s.bucket.RecordError(kind, message, detail)
	}
}

// attrValue resolves a slog value into the plain form stored in the bucket:
// groups become map[string]any, everything else keeps its Go type so it
// round-trips through serialization unchanged.
func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		m := make(map[string]any)
		for _, a := range v.Group() {
			m[a.Key] = attrValue(a.Value)
		}
		return m
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration()
	case slog.KindTime:
		return v.Time()
	default:
		return v.Any()
	}
}

func mirrorToSpan(span trace.Span, key string, value any) {
	if span == nil || !span.IsRecording() {
		return
	}
	if m, ok := value.(map[string]any); ok {
		for k, v := range m {
			mirrorToSpan(span, key+"."+k, v)
		}
		return
	}
	s := fmt.Sprint(value)
	if len(s) > maxSpanAttrLen {
		s = s[:maxSpanAttrLen] + "... [truncated]"
	}
	span.SetAttributes(attribute.String(key, s))
}
