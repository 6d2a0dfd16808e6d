// Package auth provides bearer-token verification against a remote JWKS.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
)

// ErrUnauthenticated is wrapped by every verification failure. Callers map it
// to a single 401 outcome; the wrapped cause is for operator logs only.
var ErrUnauthenticated = errors.New("unauthenticated")

// acceptedAlgs is the only signature family accepted. Pinning it keeps an
// attacker from switching a token to HS256 and signing it with the public key.
var acceptedAlgs = []string{jwt.SigningMethodES256.Alg()}

// TokenClaims holds the verified claims extracted from an access token.
type TokenClaims struct {
	// Subject is the identity provider's user ID (the "sub" claim).
	Subject string
	// Email is the user's email address when the provider includes it.
	Email string
}

// TokenVerifier is the interface that wraps token verification.
// The interface makes the auth middleware unit-testable by allowing tests to
// inject a stub that does not call the identity provider.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*TokenClaims, error)
}

// Options configures a JWKSVerifier.
type Options struct {
	// JWKSURL is the identity provider's public key set endpoint.
	JWKSURL string
	// Issuer must match the token's "iss" claim exactly.
	Issuer string
	// Audience must appear in the token's "aud" claim.
	Audience string
	// RefreshInterval is how often the key set is refreshed in the background.
	RefreshInterval time.Duration
	// RefreshTimeout bounds a single key-set fetch.
	RefreshTimeout time.Duration
	// HTTPClient is used for key-set fetches; nil means a client with RefreshTimeout.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// JWKSVerifier is the production TokenVerifier. It holds a process-wide,
// background-refreshed key set and is safe for concurrent use.
type JWKSVerifier struct {
	keys     jwt.Keyfunc
	stop     func()
	issuer   string
	audience string
}

// NewJWKSVerifier fetches the key set once and starts its background refresh.
// Unknown key IDs trigger a rate-limited refresh, so provider key rotation is
// picked up without a restart.
func NewJWKSVerifier(ctx context.Context, opt Options) (*JWKSVerifier, error) {
	if opt.JWKSURL == "" {
		return nil, errors.New("JWKS URL is required")
	}
	if opt.RefreshInterval <= 0 {
		opt.RefreshInterval = time.Hour
	}
	if opt.RefreshTimeout <= 0 {
		opt.RefreshTimeout = 10 * time.Second
	}
	client := opt.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opt.RefreshTimeout}
	}
	log := opt.Logger

	jwks, err := keyfunc.Get(opt.JWKSURL, keyfunc.Options{
		Client:            client,
		Ctx:               ctx,
		RefreshInterval:   opt.RefreshInterval,
		RefreshRateLimit:  time.Minute,
		RefreshTimeout:    opt.RefreshTimeout,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Error().Err(err).Str("jwks_url", opt.JWKSURL).Msg("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	v := newVerifier(jwks.Keyfunc, opt.Issuer, opt.Audience)
	v.stop = jwks.EndBackground
	return v, nil
}

// newVerifier builds a verifier around any key lookup; tests use a static set.
func newVerifier(keys jwt.Keyfunc, issuer, audience string) *JWKSVerifier {
	return &JWKSVerifier{keys: keys, stop: func() {}, issuer: issuer, audience: audience}
}

// Close stops the background key-set refresh.
func (v *JWKSVerifier) Close() {
	v.stop()
}

// idClaims are the claims read from the token payload.
type idClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// VerifyIDToken validates the token signature, algorithm, expiry, issuer and
// audience and returns the verified claims. Every failure wraps
// ErrUnauthenticated.
func (v *JWKSVerifier) VerifyIDToken(_ context.Context, idToken string) (*TokenClaims, error) {
	var claims idClaims
	if _, err := jwt.ParseWithClaims(idToken, &claims, v.keys, jwt.WithValidMethods(acceptedAlgs)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	switch {
	case claims.ExpiresAt == nil:
		return nil, fmt.Errorf("%w: token has no expiry", ErrUnauthenticated)
	case !claims.VerifyIssuer(v.issuer, true):
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrUnauthenticated, claims.Issuer)
	case !claims.VerifyAudience(v.audience, true):
		return nil, fmt.Errorf("%w: audience %v does not include %q", ErrUnauthenticated, claims.Audience, v.audience)
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	return &TokenClaims{
		Subject: claims.Subject,
		Email:   claims.Email,
	}, nil
}
