// ABOUTME: Connection Authenticator validating WebSocket handshakes before upgrade
// ABOUTME: Environment-gated bypass, bearer extraction, identity verification, readiness

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/netra-gateway/internal/config"
)

// Method is how a connection was authenticated.
type Method string

const (
	MethodToken  Method = "token"
	MethodBypass Method = "bypass"
)

// Classification names why authentication failed.
type Classification string

const (
	ClassMissing                Classification = "missing"
	ClassExpired                Classification = "expired"
	ClassInvalidSignature       Classification = "invalid_signature"
	ClassInsufficientPermission Classification = "insufficient_permission"
	ClassUnavailable            Classification = "unavailable"
)

// Marker headers that request the non-production bypass path.
const (
	HeaderTestMode   = "X-Test-Mode"
	HeaderE2ETesting = "X-E2E-Testing"
)

// TokenQueryParam is the query parameter carrying a credential for clients
// that cannot set headers on a WebSocket handshake.
const TokenQueryParam = "token"

// BypassPermissions is the fixed permission set granted by the bypass path.
var BypassPermissions = []string{"realtime", "test"}

// AuthResult is the outcome of authenticating a handshake.
// UserID is set only when Success is true; Classification only when false.
type AuthResult struct {
	Success        bool
	UserID         string
	ThreadID       string
	Method         Method
	Permissions    []string
	Classification Classification
}

// Message returns the user-facing text for a failed result.
func (r AuthResult) Message() string {
	return UserMessage(r.Classification)
}

// HTTPStatus returns the status code a handshake rejection should carry.
func (r AuthResult) HTTPStatus() int {
	switch r.Classification {
	case ClassInsufficientPermission:
		return http.StatusForbidden
	case ClassUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// UserMessage maps a classification to the fixed user-facing vocabulary.
// It never includes token or signature details.
func UserMessage(c Classification) string {
	switch c {
	case ClassMissing:
		return "authentication required"
	case ClassExpired:
		return "session expired"
	case ClassInsufficientPermission:
		return "permission denied"
	case ClassUnavailable:
		return "service unavailable"
	default:
		return "authentication failed"
	}
}

// Handshake is the part of a connection request the authenticator reads.
type Handshake struct {
	Header http.Header
	Query  url.Values
}

// HandshakeFromRequest extracts a Handshake from an HTTP request.
func HandshakeFromRequest(r *http.Request) Handshake {
	return Handshake{Header: r.Header, Query: r.URL.Query()}
}

// Authenticator validates connection handshakes.
type Authenticator struct {
	identity    IdentityService
	environment config.Environment
	required    string
	bypass      config.BypassConfig
	timeout     time.Duration
	logger      *slog.Logger
}

// NewAuthenticator creates an Authenticator. identity may be nil, in which
// case every token handshake fails closed as unavailable.
func NewAuthenticator(cfg config.AuthConfig, env config.Environment, identity IdentityService, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		identity:    identity,
		environment: env,
		required:    cfg.RequiredPermission,
		bypass:      cfg.Bypass,
		timeout:     cfg.IdentityTimeout,
		logger:      logger.With("component", "auth"),
	}
}

// Environment returns the deployment classification the authenticator enforces.
func (a *Authenticator) Environment() config.Environment {
	return a.environment
}

// BypassAllowed reports whether the bypass path can ever be taken by this
// authenticator. It is false in production whatever the configuration says.
func (a *Authenticator) BypassAllowed() bool {
	if a.environment == config.Production {
		return false
	}
	return a.bypass.Complete()
}

// Authenticate validates hs and returns the result. It never returns an error;
// failures are expressed through AuthResult.Classification.
func (a *Authenticator) Authenticate(ctx context.Context, hs Handshake, threadID string) AuthResult {
	// Production is checked on its own before any header is looked at.
	if a.environment != config.Production && hasBypassMarker(hs.Header) && a.bypass.Complete() {
		a.logger.Info("handshake accepted via bypass",
			"user_id", a.bypass.UserID,
			"environment", a.environment,
		)
		return AuthResult{
			Success:     true,
			UserID:      a.bypass.UserID,
			ThreadID:    threadID,
			Method:      MethodBypass,
			Permissions: append([]string(nil), BypassPermissions...),
		}
	}

	credential := extractCredential(hs)
	if credential == "" {
		return a.fail(ClassMissing, nil)
	}

	if a.identity == nil {
		return a.fail(ClassUnavailable, ErrIdentityUnavailable)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	v, err := a.identity.Verify(ctx, credential)
	if err != nil {
		return a.fail(classify(err), err)
	}

	if !v.HasPermission(a.required) {
		a.logger.Warn("handshake rejected",
			"classification", ClassInsufficientPermission,
			"user_id", v.UserID,
			"required", a.required,
		)
		return AuthResult{Classification: ClassInsufficientPermission}
	}

	return AuthResult{
		Success:     true,
		UserID:      v.UserID,
		ThreadID:    threadID,
		Method:      MethodToken,
		Permissions: v.Permissions,
	}
}

// Ready verifies that required configuration is present and the identity
// service is reachable.
func (a *Authenticator) Ready(ctx context.Context) error {
	if a.identity == nil {
		return fmt.Errorf("%w: not configured", ErrIdentityUnavailable)
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if err := a.identity.Ping(ctx); err != nil {
		return fmt.Errorf("identity service: %w", err)
	}
	return nil
}

func (a *Authenticator) fail(c Classification, err error) AuthResult {
	attrs := []any{"classification", c}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	a.logger.Warn("handshake rejected", attrs...)
	return AuthResult{Classification: c}
}

// classify maps an identity error to a failure classification. Anything that
// is neither an expiry nor a token defect means verification could not run.
func classify(err error) Classification {
	switch {
	case errors.Is(err, ErrExpiredToken):
		return ClassExpired
	case errors.Is(err, ErrInvalidToken):
		return ClassInvalidSignature
	default:
		return ClassUnavailable
	}
}

func hasBypassMarker(h http.Header) bool {
	if h == nil {
		return false
	}
	return truthy(h.Get(HeaderTestMode)) || truthy(h.Get(HeaderE2ETesting))
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// extractCredential prefers the Authorization header over the query parameter.
func extractCredential(hs Handshake) string {
	if hs.Header != nil {
		if token, errMsg := extractBearerToken(hs.Header.Get("Authorization")); errMsg == "" {
			return token
		}
	}
	if hs.Query != nil {
		return strings.TrimSpace(hs.Query.Get(TokenQueryParam))
	}
	return ""
}
