package scope

import "context"

// contextKey is the private key type for storing the active scope.
type contextKey struct{}

var activeScopeKey contextKey

// WithScope returns a context carrying s as the active scope. Nested scopes
// derive their context from the parent's, so the chain forms a strict stack
// per goroutine tree and concurrently executing requests can never resolve
// each other's scope.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, activeScopeKey, s)
}

// FromContext returns the active scope, or nil when none is open. Callers
// must treat nil as "no telemetry here" rather than an error: background
// jobs and untracked code paths legitimately run without a scope.
func FromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(activeScopeKey).(*Scope)
	return s
}
