// Package auth provides the connect-time authorization seam for the
// notification channel. The channel defines no authorization model of its
// own: a completion may only be pushed for operations the caller could
// already read over plain HTTP, so the gateway simply validates whatever
// bearer credential governs that HTTP surface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/johanste/lightningapi/notify"
)

var (
	// ErrUnauthorized indicates a missing or invalid credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates a valid credential that does not cover the
	// requested subject.
	ErrForbidden = errors.New("forbidden for subject")
)

// IsForbidden reports whether err represents a scope failure rather than a
// credential failure.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// Authorizer decides whether a connect request may listen on a subject.
type Authorizer interface {
	Authorize(ctx context.Context, r *http.Request, subject notify.Subject) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, r *http.Request, subject notify.Subject) error

func (f AuthorizerFunc) Authorize(ctx context.Context, r *http.Request, subject notify.Subject) error {
	return f(ctx, r, subject)
}

// AllowAll accepts every request. Useful behind a trusted ingress that has
// already authenticated the caller.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(ctx context.Context, r *http.Request, subject notify.Subject) error {
		return nil
	})
}

// JWTOption configures a JWTAuthorizer.
type JWTOption func(*JWTAuthorizer)

// WithLeeway sets the clock-skew tolerance for time claims.
func WithLeeway(d time.Duration) JWTOption {
	return func(a *JWTAuthorizer) { a.leeway = d }
}

// WithSubscriptionClaim names a claim that must equal the subject's
// subscription id. Empty (the default) skips the check.
func WithSubscriptionClaim(name string) JWTOption {
	return func(a *JWTAuthorizer) { a.subscriptionClaim = name }
}

// JWTAuthorizer validates a bearer token on the connect request. Algorithms
// are pinned to those implied by the key material; tokens signed otherwise
// are rejected outright.
type JWTAuthorizer struct {
	keyFunc           jwt.Keyfunc
	validMethods      []string
	leeway            time.Duration
	subscriptionClaim string
}

// NewHMACAuthorizer validates HS256 tokens against a shared secret.
func NewHMACAuthorizer(secret []byte, opts ...JWTOption) *JWTAuthorizer {
	a := &JWTAuthorizer{
		keyFunc:      func(t *jwt.Token) (any, error) { return secret, nil },
		validMethods: []string{jwt.SigningMethodHS256.Alg()},
		leeway:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewJWTAuthorizer validates tokens with a caller-provided key function and
// accepted signing methods.
func NewJWTAuthorizer(keyFunc jwt.Keyfunc, validMethods []string, opts ...JWTOption) *JWTAuthorizer {
	a := &JWTAuthorizer{
		keyFunc:      keyFunc,
		validMethods: validMethods,
		leeway:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *JWTAuthorizer) Authorize(ctx context.Context, r *http.Request, subject notify.Subject) error {
	raw, err := bearerToken(r)
	if err != nil {
		return err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, a.keyFunc,
		jwt.WithValidMethods(a.validMethods),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if a.subscriptionClaim != "" {
		v, ok := claims[a.subscriptionClaim].(string)
		if !ok || v != subject.SubscriptionID {
			return fmt.Errorf("%w: subscription %q", ErrForbidden, subject.SubscriptionID)
		}
	}
	return nil
}

func bearerToken(r *http.Request) (string, error) {
	const bearerPrefix = "Bearer "
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", fmt.Errorf("%w: no authorization header", ErrUnauthorized)
	}
	if !strings.HasPrefix(h, bearerPrefix) || len(h) <= len(bearerPrefix) {
		return "", fmt.Errorf("%w: malformed bearer authorization header", ErrUnauthorized)
	}
	tok := strings.TrimSpace(h[len(bearerPrefix):])
	if tok == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrUnauthorized)
	}
	return tok, nil
}

var (
	_ Authorizer = (AuthorizerFunc)(nil)
	_ Authorizer = (*JWTAuthorizer)(nil)
)
