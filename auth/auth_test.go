package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/johanste/lightningapi/notify"
)

var testSecret = []byte("test-secret-key")

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestAllowAll(t *testing.T) {
	r := httptest.NewRequest("GET", "/notifications", nil)
	if err := AllowAll().Authorize(context.Background(), r, notify.Subject{}); err != nil {
		t.Fatalf("allow all: %v", err)
	}
}

func TestHMACAuthorizerAcceptsValidToken(t *testing.T) {
	a := NewHMACAuthorizer(testSecret)
	r := httptest.NewRequest("GET", "/notifications", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, jwt.MapClaims{}))

	if err := a.Authorize(context.Background(), r, notify.Subject{SubscriptionID: "sub", SessionID: "S1"}); err != nil {
		t.Fatalf("authorize: %v", err)
	}
}

func TestHMACAuthorizerRejectsMissingHeader(t *testing.T) {
	a := NewHMACAuthorizer(testSecret)
	r := httptest.NewRequest("GET", "/notifications", nil)

	err := a.Authorize(context.Background(), r, notify.Subject{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestHMACAuthorizerRejectsBadSignature(t *testing.T) {
	a := NewHMACAuthorizer(testSecret)
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	s, err := other.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	r := httptest.NewRequest("GET", "/notifications", nil)
	r.Header.Set("Authorization", "Bearer "+s)

	if err := a.Authorize(context.Background(), r, notify.Subject{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestHMACAuthorizerRejectsExpiredToken(t *testing.T) {
	a := NewHMACAuthorizer(testSecret, WithLeeway(0))
	r := httptest.NewRequest("GET", "/notifications", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()}))

	if err := a.Authorize(context.Background(), r, notify.Subject{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSubscriptionClaimScopesSubject(t *testing.T) {
	a := NewHMACAuthorizer(testSecret, WithSubscriptionClaim("sub_id"))
	r := httptest.NewRequest("GET", "/notifications", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, jwt.MapClaims{"sub_id": "sub-1"}))

	if err := a.Authorize(context.Background(), r, notify.Subject{SubscriptionID: "sub-1", SessionID: "S1"}); err != nil {
		t.Fatalf("matching subscription: %v", err)
	}

	err := a.Authorize(context.Background(), r, notify.Subject{SubscriptionID: "sub-2", SessionID: "S1"})
	if !IsForbidden(err) {
		t.Fatalf("expected forbidden for foreign subscription, got %v", err)
	}
}
