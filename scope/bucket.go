package scope

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyFinalized is returned when a bucket is finalized (or its scope
// closed) more than once. A second finalize indicates a lifecycle bug in the
// caller and never alters the already-finalized record.
var ErrAlreadyFinalized = errors.New("scope: bucket already finalized")

// Keys beginning with this prefix are GCP structured-logging directives
// (e.g. "logging.googleapis.com/trace") and must stay flat rather than being
// split on dots.
const gcpLoggingPrefix = "logging.googleapis.com"

// Scope status values recorded at close.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ErrorRecord is one captured failure inside a scope.
type ErrorRecord struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Metadata holds the request-level attributes captured when a scope opens.
// It is immutable for the bucket's lifetime, except for the HTTP status code
// which becomes known only when the response is written.
type Metadata struct {
	Method      string
	Path        string
	StatusCode  int
	TraceID     string
	SpanID      string
	Project     string
	Environment string
}

// Bucket accumulates everything one scope learns about a request. All
// mutation is serialized behind a single mutex; once finalized the bucket is
// immutable and further writes are dropped.
type Bucket struct {
	mu        sync.Mutex
	id        string
	name      string
	startedAt time.Time
	meta      Metadata
	fields    map[string]any
	counters  map[string]int64
	errs      []ErrorRecord
	finalized bool
	status    string
	duration  time.Duration
}

func newBucket(name string, md Metadata) *Bucket {
	return &Bucket{
		id:        uuid.NewString(),
		name:      name,
		startedAt: time.Now(),
		meta:      md,
		fields:    make(map[string]any),
		counters:  make(map[string]int64),
	}
}

// Set records a field value, last write wins. Dotted keys nest: Set with
// "gen_ai.usage.total_tokens" produces {"gen_ai":{"usage":{"total_tokens":v}}}.
// GCP logging directive keys stay flat.
func (b *Bucket) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	setNested(b.fields, key, value)
}

func setNested(m map[string]any, key string, value any) {
	if !strings.Contains(key, ".") || strings.HasPrefix(key, gcpLoggingPrefix) {
		m[key] = value
		return
	}
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// Add increments a counter by delta. Counters merge additively, so the final
// value is the exact sum of all increments regardless of interleaving.
func (b *Bucket) Add(key string, delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.counters[key] += delta
}

// RecordError appends an error record. Records keep arrival order.
func (b *Bucket) RecordError(kind, message string, detail map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.errs = append(b.errs, ErrorRecord{Kind: kind, Message: message, Detail: detail})
}

// SetStatusCode records the HTTP response status. It is the only metadata
// field that may be written after open.
func (b *Bucket) SetStatusCode(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.meta.StatusCode = code
}

// Finalize seals the bucket with its outcome. Exactly one call succeeds;
// every later call returns ErrAlreadyFinalized and changes nothing.
func (b *Bucket) Finalize(status string, duration time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return ErrAlreadyFinalized
	}
	b.finalized = true
	b.status = status
	b.duration = duration
	return nil
}

// mergeInto folds a finalized child bucket into its parent: fields nest
// under the child's scope name (child status and duration ride along),
// counters sum key-wise, errors append. No-op if the parent is already
// sealed, which only happens when the caller broke the close ordering.
func (b *Bucket) mergeInto(parent *Bucket) {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.finalized {
		return
	}
	dst, ok := parent.fields[b.name].(map[string]any)
	if !ok {
		dst = make(map[string]any)
		parent.fields[b.name] = dst
	}
	for k, v := range b.fields {
		mergeValue(dst, k, v)
	}
	dst["status"] = b.status
	dst["duration_ms"] = durationMillis(b.duration)
	for k, v := range b.counters {
		parent.counters[k] += v
	}
	parent.errs = append(parent.errs, b.errs...)
}

func mergeValue(dst map[string]any, key string, value any) {
	if sub, ok := value.(map[string]any); ok {
		if existing, ok := dst[key].(map[string]any); ok {
			for k, v := range sub {
				mergeValue(existing, k, v)
			}
			return
		}
	}
	dst[key] = value
}

func durationMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// ID returns the bucket's unique identifier.
func (b *Bucket) ID() string { return b.id }

// Name returns the scope name the bucket was opened with.
func (b *Bucket) Name() string { return b.name }

// StartedAt returns the scope open time.
func (b *Bucket) StartedAt() time.Time { return b.startedAt }

// Metadata returns the request metadata captured at open.
func (b *Bucket) Metadata() Metadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta
}

// Status returns the finalized status, empty until Finalize.
func (b *Bucket) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Duration returns the finalized duration, zero until Finalize.
func (b *Bucket) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duration
}

// Finalized reports whether the bucket has been sealed.
func (b *Bucket) Finalized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized
}

// Fields returns a copy of the field map. Nested maps are shared with the
// bucket, which is safe once the bucket is finalized.
func (b *Bucket) Fields() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]any, len(b.fields))
	for k, v := range b.fields {
		out[k] = v
	}
	return out
}

// Counters returns a copy of the counter map.
func (b *Bucket) Counters() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int64, len(b.counters))
	for k, v := range b.counters {
		out[k] = v
	}
	return out
}

// Errors returns a copy of the error records in arrival order.
func (b *Bucket) Errors() []ErrorRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ErrorRecord, len(b.errs))
	copy(out, b.errs)
	return out
}
