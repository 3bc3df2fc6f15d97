// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"slices"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	UserID      string
	Method      Method
	Permissions []string
}

// HasPermission reports whether the caller holds perm.
func (a *AuthContext) HasPermission(perm string) bool {
	return slices.Contains(a.Permissions, perm)
}

// ContextFromResult converts a successful AuthResult into an AuthContext.
// Returns nil for a failed result.
func ContextFromResult(res AuthResult) *AuthContext {
	if !res.Success {
		return nil
	}
	return &AuthContext{
		UserID:      res.UserID,
		Method:      res.Method,
		Permissions: res.Permissions,
	}
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
