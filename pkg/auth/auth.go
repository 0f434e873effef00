// Package auth verifies the JWT tokens that identify operators on the
// HTTP surface. Verification uses either a shared HS256 secret or a
// remote JWKS, whichever the config provides; the JWKS is cached and
// refreshed in the background to survive key rotation.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/munshi-ai/munshi/pkg/config"
)

var (
	// ErrMissingToken rejects a request that carried no token at all.
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidToken rejects a token that failed verification.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the verified identity attributes of a request.
type Claims struct {
	// Subject is the operator's user id. Conversations and log streams
	// are keyed by it.
	Subject string

	Email string
	Role  string

	// StoreID names the shop this operator manages, when the identity
	// provider issues one.
	StoreID string

	// Custom holds every other private claim.
	Custom map[string]any
}

// Verifier checks tokens against the configured key material.
type Verifier struct {
	cfg    *config.AuthConfig
	cache  *jwk.Cache
	secret []byte
}

// NewVerifier builds a verifier from config. Returns nil when auth is
// disabled so callers can gate middleware on the verifier itself. When
// both a JWKS URL and a secret are configured, the JWKS wins.
func NewVerifier(ctx context.Context, cfg *config.AuthConfig) (*Verifier, error) {
	if !cfg.IsEnabled() {
		return nil, nil
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}

	v := &Verifier{cfg: cfg}
	if cfg.JWKSURL != "" {
		cache := jwk.NewCache(ctx)
		if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
			return nil, fmt.Errorf("register jwks url: %w", err)
		}
		// Initial fetch validates the URL before the server starts
		// accepting traffic.
		if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
			return nil, fmt.Errorf("fetch jwks from %s: %w", cfg.JWKSURL, err)
		}
		v.cache = cache
	} else {
		v.secret = []byte(cfg.Secret)
	}
	return v, nil
}

// Verify parses and validates the token, returning its claims.
// Signature, expiry, and the configured issuer and audience are all
// checked.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParseOption{jwt.WithValidate(true)}
	if v.cache != nil {
		keyset, err := v.cache.Get(ctx, v.cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("get jwks: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(keyset))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, v.secret))
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claimsFrom(tok), nil
}

func claimsFrom(tok jwt.Token) *Claims {
	claims := &Claims{
		Subject: tok.Subject(),
		Custom:  make(map[string]any),
	}
	for name, value := range tok.PrivateClaims() {
		switch name {
		case "email":
			claims.Email, _ = value.(string)
		case "role":
			claims.Role, _ = value.(string)
		case "store_id":
			claims.StoreID, _ = value.(string)
		default:
			claims.Custom[name] = value
		}
	}
	return claims
}
