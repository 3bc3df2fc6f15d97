// ABOUTME: Identity Service interface and its JWT implementation
// ABOUTME: Uses HS256 signing with claims sub, exp, iat and perms

package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token expired")
	ErrMissingClaim        = errors.New("missing required claim")
	ErrIdentityUnavailable = errors.New("identity service unavailable")
)

// Verification is the outcome of a successful credential check.
type Verification struct {
	UserID      string
	Permissions []string
	ExpiresAt   time.Time
}

// HasPermission reports whether the verification grants perm.
func (v *Verification) HasPermission(perm string) bool {
	return perm == "" || slices.Contains(v.Permissions, perm)
}

// IdentityService verifies bearer credentials.
type IdentityService interface {
	// Verify checks signature and expiry and returns the identity it names.
	// Errors wrap ErrExpiredToken, ErrInvalidToken or ErrIdentityUnavailable.
	Verify(ctx context.Context, credential string) (*Verification, error)

	// Ping reports whether the service can verify credentials at all.
	Ping(ctx context.Context) error
}

// JWTIdentity implements IdentityService using HS256 signed JWTs
type JWTIdentity struct {
	secret []byte
}

// NewJWTIdentity creates a new JWT identity service with the given secret
func NewJWTIdentity(secret []byte) *JWTIdentity {
	return &JWTIdentity{secret: secret}
}

// Verify validates the token and extracts the user from the "sub" claim and
// permissions from the "perms" claim.
func (v *JWTIdentity) Verify(ctx context.Context, tokenString string) (*Verification, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrIdentityUnavailable)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: %w: sub", ErrInvalidToken, ErrMissingClaim)
	}

	out := &Verification{
		UserID:      sub,
		Permissions: permissionsClaim(claims["perms"]),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// Ping reports whether a signing secret is configured.
func (v *JWTIdentity) Ping(ctx context.Context) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no signing secret configured", ErrIdentityUnavailable)
	}
	return ctx.Err()
}

// Generate creates a new JWT for userID carrying perms, valid for expiresIn
func (v *JWTIdentity) Generate(userID string, perms []string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"iat":   now.Unix(),
		"exp":   now.Add(expiresIn).Unix(),
		"perms": perms,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// permissionsClaim accepts either a JSON array of strings or a
// space-separated string, the two shapes issuers commonly use.
func permissionsClaim(raw any) []string {
	switch v := raw.(type) {
	case []any:
		perms := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok && s != "" {
				perms = append(perms, s)
			}
		}
		return perms
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}
