package auth

import "context"

type contextKey struct{}

var principalKey contextKey

// ContextWithPrincipal stores the request's verified principal.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal set by one of the auth
// middlewares. ok is false when no auth middleware ran for this request.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
