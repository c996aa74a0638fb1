// Package scope implements request-scoped telemetry aggregation: every piece
// of code that runs on behalf of one inbound request contributes fields,
// counters and error records into a single Bucket, and exactly one structured
// event is emitted when the request completes (a "wide event", also known as
// a canonical log line).
//
// # Overview
//
// The package is built from three pieces:
//
//   - Bucket: the mutable aggregation target for one scope. Safe for
//     concurrent use by any number of goroutines fanning out within the
//     same request.
//   - Scope / Manager: the lifecycle machinery. A Manager opens a scope per
//     request, supports nested scopes for sub-operations (an agent run
//     inside an HTTP request), and guarantees that the bucket is finalized
//     and handed to the emitter on every exit path.
//   - Enrichment helpers: package-level functions (Enrich, Set, Add,
//     RecordError) that resolve the active scope through context.Context
//     and delegate to its bucket. They are no-ops when no scope is active,
//     so library code can enrich unconditionally.
//
// # Quick Start
//
//	mgr := scope.NewManager(emitter, logger)
//
//	ctx, s := mgr.Start(ctx, "GET /chat", scope.Metadata{
//	    Method: "GET",
//	    Path:   "/chat",
//	})
//	defer s.Close(scope.StatusOK)
//
//	// Anywhere below, at any call depth:
//	scope.Enrich(ctx, slog.String("question", q))
//	scope.Add(ctx, "tokens", 150)
//
// Nested scopes merge into their parent on close and are never emitted on
// their own; only the outermost scope produces a record.
//
// # Concurrency
//
// Scope resolution is plain context passing, so concurrently executing
// requests can never observe each other's bucket. Within one request the
// bucket serializes all mutation behind a single mutex: concurrent field
// writes are last-write-wins in arrival order, counter increments never
// lose updates, and error records keep arrival order.
package scope
