package scope

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Emitter receives exactly one finalized bucket per top-level scope.
// Implementations must absorb their own failures: emission problems may
// never propagate back into request handling.
type Emitter interface {
	Emit(*Bucket)
}

// Manager opens and closes scopes and hands finalized top-level buckets to
// the emitter. A single Manager is shared by all requests of a process.
type Manager struct {
	emitter Emitter
	logger  *slog.Logger
}

// NewManager returns a Manager emitting through e. A nil logger falls back
// to slog.Default; a nil emitter turns top-level closes into no-ops, which
// is useful in tests.
func NewManager(e Emitter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{emitter: e, logger: logger}
}

// Scope is one bounded lifetime contributing to a bucket. Top-level scopes
// own the bucket that gets emitted; nested scopes merge into their parent
// on close.
type Scope struct {
	mgr    *Manager
	parent *Scope
	bucket *Bucket
}

// Bucket returns the scope's aggregation target.
func (s *Scope) Bucket() *Bucket { return s.bucket }

// Start opens a scope named name, seeded from md. If ctx already carries an
// active scope the new one is pushed as its child (md is ignored: nested
// scopes inherit the request metadata of their root) and will merge into the
// parent on close instead of being emitted.
func (m *Manager) Start(ctx context.Context, name string, md Metadata) (context.Context, *Scope) {
	parent := FromContext(ctx)
	if parent != nil {
		md = Metadata{}
	}
	s := &Scope{
		mgr:    m,
		parent: parent,
		bucket: newBucket(name, md),
	}
	return WithScope(ctx, s), s
}

// Close seals the scope with the given status. A nested scope merges its
// bucket into the parent; the top-level scope computes the duration,
// finalizes and emits. The second Close on the same scope returns
// ErrAlreadyFinalized and does not re-emit.
func (s *Scope) Close(status string) error {
	b := s.bucket
	if err := b.Finalize(status, time.Since(b.startedAt)); err != nil {
		return err
	}
	if s.parent != nil {
		b.mergeInto(s.parent.bucket)
		return nil
	}
	s.mgr.emit(b)
	return nil
}

func (m *Manager) emit(b *Bucket) {
	if m.emitter == nil {
		return
	}
	// A panicking emitter is a telemetry defect, not a request failure.
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("emitter panicked", "panic", fmt.Sprint(r), "bucket_id", b.ID())
		}
	}()
	m.emitter.Emit(b)
}

// Run executes fn inside a scope named name and guarantees close-and-emit on
// every exit path: normal return, error return, panic, and context
// cancellation surfaced as an error. Failures are recorded into the bucket
// and then passed through unchanged, so wrapping an operation never alters
// its outcome.
func (m *Manager) Run(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	ctx, s := m.Start(ctx, name, Metadata{})
	defer func() {
		if r := recover(); r != nil {
			s.bucket.RecordError("panic", fmt.Sprint(r), nil)
			if cerr := s.Close(StatusError); cerr != nil {
				m.logger.Warn("scope close failed", "error", cerr)
			}
			panic(r)
		}
		status := StatusOK
		if err != nil {
			s.bucket.RecordError(fmt.Sprintf("%T", err), err.Error(), nil)
			status = StatusError
		}
		if cerr := s.Close(status); cerr != nil {
			m.logger.Warn("scope close failed", "error", cerr)
		}
	}()
	return fn(ctx)
}
