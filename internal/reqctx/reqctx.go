// Package reqctx defines the typed request context threaded explicitly from
// the HTTP layer down to storage: tenant, actor, and scopes. Per spec.md §9
// this is never a package-level global — it is carried on context.Context
// using an unexported key so only this package can populate or read it.
package reqctx

import "context"

type ctxKey struct{}

// RequestContext carries the authenticated identity for one request or
// background operation (scheduler/worker ticks build a system RequestContext).
type RequestContext struct {
	TenantID  string
	ActorID   string
	ActorType string // "user" | "system" | "trigger"
	Scopes    []string
}

// HasScope reports whether the context grants the given scope. A literal
// "*" scope (System/Admin contexts, and dev-mode JWT bypass) grants every
// scope.
func (r RequestContext) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// With attaches rc to ctx.
func With(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From extracts the RequestContext, if any.
func From(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(RequestContext)
	return rc, ok
}

// MustFrom extracts the RequestContext or returns a zero-value one scoped to
// no tenant — storage calls made with this never see any tenant's rows.
func MustFrom(ctx context.Context) RequestContext {
	rc, _ := From(ctx)
	return rc
}

// System returns a RequestContext for background tasks (scheduler, worker,
// trigger engine) acting on behalf of the platform rather than a user.
func System(tenantID string) RequestContext {
	return RequestContext{TenantID: tenantID, ActorID: "system", ActorType: "system", Scopes: []string{"*"}}
}

// Admin returns a RequestContext for admin-driven operations (force refresh,
// key rotation, purge) per spec.md C4 "All admin-driven events carry
// actor_type=user, actor_id=admin".
func Admin(tenantID string) RequestContext {
	return RequestContext{TenantID: tenantID, ActorID: "admin", ActorType: "user", Scopes: []string{"*"}}
}
