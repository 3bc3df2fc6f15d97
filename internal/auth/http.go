// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds the caller to context

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequirePermission creates an HTTP middleware that verifies the bearer token
// with identity and requires perm. The caller is attached to the request
// context with WithAuth.
func RequirePermission(identity IdentityService, perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, UserMessage(ClassMissing))
				return
			}

			if identity == nil {
				writeError(w, http.StatusServiceUnavailable, UserMessage(ClassUnavailable))
				return
			}

			v, err := identity.Verify(r.Context(), token)
			if err != nil {
				c := classify(err)
				status := http.StatusUnauthorized
				if c == ClassUnavailable {
					status = http.StatusServiceUnavailable
				}
				writeError(w, status, UserMessage(c))
				return
			}

			if !v.HasPermission(perm) {
				writeError(w, http.StatusForbidden, UserMessage(ClassInsufficientPermission))
				return
			}

			authCtx := &AuthContext{
				UserID:      v.UserID,
				Method:      MethodToken,
				Permissions: v.Permissions,
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// writeError writes a JSON error body. msg comes from the fixed vocabulary
// so it never needs escaping.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// WriteRejection writes a failed AuthResult as a JSON HTTP error.
func WriteRejection(w http.ResponseWriter, res AuthResult) {
	writeError(w, res.HTTPStatus(), res.Message())
}
