// Package requestctx carries the authenticated caller through request contexts.
package requestctx

import "context"

// identityContextKey is the context key for authenticated user identity.
type identityContextKey struct{}

// Identity is the minimal caller identity shared by transports.
type Identity struct {
	UserID      string
	DisplayName string
	Role        string
}

// WithIdentity stores the caller identity in context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the caller identity stored in context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityContextKey{}).(Identity)
	return identity, ok && identity.UserID != ""
}

// UserIDFromContext returns the user identifier stored in context.
func UserIDFromContext(ctx context.Context) string {
	identity, _ := IdentityFromContext(ctx)
	return identity.UserID
}
