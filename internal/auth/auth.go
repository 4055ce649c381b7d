// Package auth validates the bearer token presented when a connection is
// opened. Token issuing belongs to the external auth service; this package
// only verifies signatures and expiry and extracts the user identity.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails validation: expired,
// malformed, bad signature, or missing subject. Connections presenting such
// a token are refused and must obtain a new token before retrying.
var ErrInvalidToken = errors.New("auth: invalid token")

// Authenticator validates a bearer token and returns the user identity it
// was issued for. It is called once per connection attempt.
type Authenticator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// JWTAuthenticator validates HMAC-signed JWTs issued by the auth service.
// The user identity is carried in the standard "sub" claim.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates a JWTAuthenticator with the shared HMAC secret.
func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret}
}

// ValidateToken parses and verifies the token, returning the subject claim.
func (a *JWTAuthenticator) ValidateToken(_ context.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}
	return sub, nil
}

// StaticAuthenticator maps fixed token strings to user ids. It exists for
// tests and local development where no auth service is running.
type StaticAuthenticator map[string]string

// ValidateToken looks the token up in the static map.
func (a StaticAuthenticator) ValidateToken(_ context.Context, token string) (string, error) {
	userID, ok := a[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}
