// ABOUTME: Tests for the Connection Authenticator
// ABOUTME: Covers classifications, credential sources, bypass gating, readiness and timeouts

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/netra-gateway/internal/config"
)

const testSecret = "test-secret-key-for-jwt-signing"

// countingIdentity wraps an IdentityService and counts Verify calls.
type countingIdentity struct {
	inner IdentityService
	calls atomic.Int32
}

func (c *countingIdentity) Verify(ctx context.Context, credential string) (*Verification, error) {
	c.calls.Add(1)
	return c.inner.Verify(ctx, credential)
}

func (c *countingIdentity) Ping(ctx context.Context) error { return c.inner.Ping(ctx) }

// stallingIdentity blocks until the context ends.
type stallingIdentity struct{}

func (stallingIdentity) Verify(ctx context.Context, _ string) (*Verification, error) {
	<-ctx.Done()
	return nil, errors.New("dial identity: " + ctx.Err().Error())
}

func (stallingIdentity) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func authConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:          testSecret,
		RequiredPermission: "realtime",
		IdentityTimeout:    time.Second,
		Bypass:             config.BypassConfig{Enabled: true, UserID: "e2e-user"},
	}
}

func newAuthenticator(t *testing.T, env config.Environment) (*Authenticator, *JWTIdentity, *countingIdentity) {
	t.Helper()
	jwtID := NewJWTIdentity([]byte(testSecret))
	counting := &countingIdentity{inner: jwtID}
	return NewAuthenticator(authConfig(), env, counting, nil), jwtID, counting
}

func bearer(token string) Handshake {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return Handshake{Header: h}
}

func TestAuthenticate_ValidToken(t *testing.T) {
	a, jwtID, _ := newAuthenticator(t, config.Production)

	token, err := jwtID.Generate("u1", []string{"realtime", "chat"}, time.Hour)
	require.NoError(t, err)

	res := a.Authenticate(context.Background(), bearer(token), "thread-1")
	require.True(t, res.Success)
	assert.Equal(t, "u1", res.UserID)
	assert.Equal(t, "thread-1", res.ThreadID)
	assert.Equal(t, MethodToken, res.Method)
	assert.ElementsMatch(t, []string{"realtime", "chat"}, res.Permissions)
	assert.Empty(t, res.Classification)
}

func TestAuthenticate_QueryParamToken(t *testing.T) {
	a, jwtID, _ := newAuthenticator(t, config.Production)

	token, err := jwtID.Generate("u1", []string{"realtime"}, time.Hour)
	require.NoError(t, err)

	res := a.Authenticate(context.Background(), Handshake{Query: url.Values{"token": {token}}}, "")
	require.True(t, res.Success)
	assert.Equal(t, "u1", res.UserID)
}

func TestAuthenticate_Failures(t *testing.T) {
	a, jwtID, _ := newAuthenticator(t, config.Production)

	expired, err := jwtID.Generate("u1", []string{"realtime"}, -time.Minute)
	require.NoError(t, err)
	noPerm, err := jwtID.Generate("u1", []string{"chat"}, time.Hour)
	require.NoError(t, err)
	otherSecret, err := NewJWTIdentity([]byte("different-secret")).Generate("u1", []string{"realtime"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		handshake  Handshake
		want       Classification
		wantStatus int
		wantMsg    string
	}{
		{"no credential", Handshake{Header: http.Header{}}, ClassMissing, http.StatusUnauthorized, "authentication required"},
		{"nil handshake", Handshake{}, ClassMissing, http.StatusUnauthorized, "authentication required"},
		{"non-bearer header", Handshake{Header: http.Header{"Authorization": {"Basic abc"}}}, ClassMissing, http.StatusUnauthorized, "authentication required"},
		{"expired", bearer(expired), ClassExpired, http.StatusUnauthorized, "session expired"},
		{"wrong secret", bearer(otherSecret), ClassInvalidSignature, http.StatusUnauthorized, "authentication failed"},
		{"garbage", bearer("not-a-jwt"), ClassInvalidSignature, http.StatusUnauthorized, "authentication failed"},
		{"lacks permission", bearer(noPerm), ClassInsufficientPermission, http.StatusForbidden, "permission denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.Authenticate(context.Background(), tt.handshake, "")
			assert.False(t, res.Success)
			assert.Empty(t, res.UserID, "failed results must not carry a user id")
			assert.Equal(t, tt.want, res.Classification)
			assert.Equal(t, tt.wantStatus, res.HTTPStatus())
			assert.Equal(t, tt.wantMsg, res.Message())
		})
	}
}

func TestAuthenticate_BypassOutsideProduction(t *testing.T) {
	for _, env := range []config.Environment{config.Development, config.Staging} {
		t.Run(string(env), func(t *testing.T) {
			a, _, counting := newAuthenticator(t, env)

			for _, header := range []string{HeaderTestMode, HeaderE2ETesting} {
				h := http.Header{}
				h.Set(header, "true")
				res := a.Authenticate(context.Background(), Handshake{Header: h}, "t")

				require.True(t, res.Success, header)
				assert.Equal(t, MethodBypass, res.Method)
				assert.Equal(t, "e2e-user", res.UserID)
				assert.ElementsMatch(t, []string{"realtime", "test"}, res.Permissions)
			}
			assert.Zero(t, counting.calls.Load(), "bypass must not contact identity")
		})
	}
}

func TestAuthenticate_NoBypassInProduction(t *testing.T) {
	a, _, _ := newAuthenticator(t, config.Production)
	assert.False(t, a.BypassAllowed())

	markers := []http.Header{
		{"X-Test-Mode": {"true"}},
		{"X-E2e-Testing": {"1"}},
		{"X-Test-Mode": {"yes"}, "X-E2e-Testing": {"on"}},
		{"X-Test-Mode": {"TRUE"}},
	}

	for _, h := range markers {
		res := a.Authenticate(context.Background(), Handshake{Header: h}, "")
		assert.False(t, res.Success, "bypass honored in production with %v", h)
		assert.Equal(t, ClassMissing, res.Classification)
	}
}

func TestAuthenticate_NoBypassInProductionWithValidTokenStillUsesToken(t *testing.T) {
	a, jwtID, counting := newAuthenticator(t, config.Production)

	token, err := jwtID.Generate("real-user", []string{"realtime"}, time.Hour)
	require.NoError(t, err)

	hs := bearer(token)
	hs.Header.Set(HeaderTestMode, "true")

	res := a.Authenticate(context.Background(), hs, "")
	require.True(t, res.Success)
	assert.Equal(t, MethodToken, res.Method)
	assert.Equal(t, "real-user", res.UserID)
	assert.Equal(t, int32(1), counting.calls.Load())
}

func TestAuthenticate_BypassRequiresCompleteConfig(t *testing.T) {
	tests := []struct {
		name   string
		bypass config.BypassConfig
	}{
		{"disabled", config.BypassConfig{Enabled: false, UserID: "e2e-user"}},
		{"no user", config.BypassConfig{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := authConfig()
			cfg.Bypass = tt.bypass
			a := NewAuthenticator(cfg, config.Development, NewJWTIdentity([]byte(testSecret)), nil)

			res := a.Authenticate(context.Background(), Handshake{Header: http.Header{"X-Test-Mode": {"true"}}}, "")
			assert.False(t, res.Success)
			assert.Equal(t, ClassMissing, res.Classification)
		})
	}
}

func TestAuthenticate_FalseyMarkerIgnored(t *testing.T) {
	a, _, _ := newAuthenticator(t, config.Development)

	for _, v := range []string{"", "false", "0", "no"} {
		res := a.Authenticate(context.Background(), Handshake{Header: http.Header{"X-Test-Mode": {v}}}, "")
		assert.False(t, res.Success, "marker value %q", v)
	}
}

func TestAuthenticate_FailsClosedWhenUnavailable(t *testing.T) {
	t.Run("no identity", func(t *testing.T) {
		a := NewAuthenticator(authConfig(), config.Development, nil, nil)
		res := a.Authenticate(context.Background(), bearer("anything"), "")
		assert.False(t, res.Success)
		assert.Equal(t, ClassUnavailable, res.Classification)
		assert.Equal(t, http.StatusServiceUnavailable, res.HTTPStatus())
		assert.Error(t, a.Ready(context.Background()))
	})

	t.Run("no secret", func(t *testing.T) {
		a := NewAuthenticator(authConfig(), config.Production, NewJWTIdentity(nil), nil)
		res := a.Authenticate(context.Background(), bearer("anything"), "")
		assert.Equal(t, ClassUnavailable, res.Classification)
		assert.ErrorIs(t, a.Ready(context.Background()), ErrIdentityUnavailable)
	})

	t.Run("identity timeout", func(t *testing.T) {
		cfg := authConfig()
		cfg.IdentityTimeout = 20 * time.Millisecond
		a := NewAuthenticator(cfg, config.Production, stallingIdentity{}, nil)

		start := time.Now()
		res := a.Authenticate(context.Background(), bearer("anything"), "")
		assert.Less(t, time.Since(start), time.Second)
		assert.False(t, res.Success)
		assert.Equal(t, ClassUnavailable, res.Classification)

		assert.Error(t, a.Ready(context.Background()))
	})
}

func TestAuthenticator_Ready(t *testing.T) {
	a, _, _ := newAuthenticator(t, config.Production)
	assert.NoError(t, a.Ready(context.Background()))
}

func TestUserMessage_NeverLeaksDetail(t *testing.T) {
	known := map[string]bool{
		"authentication required": true,
		"session expired":         true,
		"authentication failed":   true,
		"permission denied":       true,
		"service unavailable":     true,
	}
	for _, c := range []Classification{ClassMissing, ClassExpired, ClassInvalidSignature, ClassInsufficientPermission, ClassUnavailable, "something-new"} {
		assert.True(t, known[UserMessage(c)], "unexpected message for %q", c)
	}
}

func TestWriteRejection(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRejection(rec, AuthResult{Classification: ClassExpired})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"session expired"}`, rec.Body.String())
}
