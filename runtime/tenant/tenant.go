// Package tenant carries tenant identity through context.Context for the
// duration of an execution. Every task spawned from an execution (parallel
// branch, fork child, sub-workflow) must inherit the same tenant; the helpers
// here make propagation explicit so a goroutine can never pick up another
// tenant's identity by accident.
package tenant

import "context"

type ctxKey struct{}

// WithID returns a context carrying the tenant identifier.
func WithID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// ID returns the tenant identifier carried by the context, or empty.
func ID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// MustID returns the tenant identifier and whether one is present. Callers on
// tenant-scoped paths (repository access, tool lookup) should treat a missing
// tenant as a programming error.
func MustID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
