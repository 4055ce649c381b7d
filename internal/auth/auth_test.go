package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestValidateToken_Valid(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)
	token := signToken(t, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	userID, err := a.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-42" {
		t.Errorf("expected user-42, got %q", userID)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)
	token := signToken(t, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := a.ValidateToken(context.Background(), token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	a := NewJWTAuthenticator([]byte("a-different-secret"))
	token := signToken(t, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := a.ValidateToken(context.Background(), token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestValidateToken_MissingSubject(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)
	token := signToken(t, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := a.ValidateToken(context.Background(), token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for missing sub, got %v", err)
	}
}

func TestValidateToken_Malformed(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)

	_, err := a.ValidateToken(context.Background(), "not.a.jwt")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for malformed token, got %v", err)
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := StaticAuthenticator{"token-a": "user-1"}

	userID, err := a.ValidateToken(context.Background(), "token-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("expected user-1, got %q", userID)
	}

	if _, err := a.ValidateToken(context.Background(), "unknown"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
