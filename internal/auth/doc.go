// Package auth authenticates client connections and agent ingress calls.
//
// # Connection handshakes
//
// Authenticator.Authenticate runs before any WebSocket upgrade:
//
//  1. The deployment environment is classified once at construction
//     (config.Environment; unknown values are production).
//  2. Outside production only, a handshake carrying a truthy X-Test-Mode or
//     X-E2E-Testing header is accepted as the configured bypass user with
//     the fixed permissions {realtime, test}, provided auth.bypass is enabled
//     and names a user. This path never calls the identity service.
//  3. Otherwise a credential is taken from "Authorization: Bearer ..." or the
//     "token" query parameter.
//  4. The IdentityService verifies it, bounded by auth.identity_timeout, and
//     the required permission is checked.
//
// Failures come back as an AuthResult with a Classification (missing,
// expired, invalid_signature, insufficient_permission, unavailable). Callers
// surface only UserMessage(classification) to clients.
//
// # Identity
//
// JWTIdentity verifies HS256 tokens with claims:
//
//   - sub: user id
//   - exp, iat: expiry and issue time
//   - perms: permissions, as a string array or a space-separated string
//
// # HTTP
//
// RequirePermission wraps API handlers (the event ingress) with bearer
// verification and attaches an AuthContext via WithAuth.
package auth
