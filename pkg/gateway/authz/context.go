package authz

import (
	"context"

	"github.com/theroutercompany/oidc_router/pkg/gateway/auth"
)

type principalContextKey struct{}

// WithPrincipal attaches an authenticated principal to ctx.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the principal attached by the middleware, if any.
func PrincipalFromContext(ctx context.Context) (*auth.Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	p, ok := ctx.Value(principalContextKey{}).(*auth.Principal)
	return p, ok && p != nil
}
