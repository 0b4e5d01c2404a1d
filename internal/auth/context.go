// ABOUTME: Authentication context for tracking operator identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated operator extracted from a request.
type AuthContext struct {
	Subject string // token subject, used for audit logging
	Role    string // RoleOperator or RoleViewer
}

// CanMutate returns true if the caller may change swarm state.
func (a *AuthContext) CanMutate() bool {
	return a.Role == RoleOperator
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}
