package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/munshi-ai/munshi/pkg/config"
)

const testSecret = "shared-hmac-secret"

func hs256Verifier(t *testing.T, cfg config.AuthConfig) *Verifier {
	t.Helper()
	cfg.Enabled = true
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	v, err := NewVerifier(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func signHS256(t *testing.T, secret string, mutate func(b *jwt.Builder)) string {
	t.Helper()
	b := jwt.NewBuilder().
		Subject("operator-7").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	if mutate != nil {
		mutate(b)
	}
	tok, err := b.Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

func TestNewVerifierDisabled(t *testing.T) {
	v, err := NewVerifier(context.Background(), nil)
	if err != nil || v != nil {
		t.Fatalf("nil config: got %v, %v; want nil, nil", v, err)
	}

	v, err = NewVerifier(context.Background(), &config.AuthConfig{})
	if err != nil || v != nil {
		t.Fatalf("disabled config: got %v, %v; want nil, nil", v, err)
	}
}

func TestNewVerifierRequiresKeyMaterial(t *testing.T) {
	_, err := NewVerifier(context.Background(), &config.AuthConfig{Enabled: true})
	if err == nil {
		t.Fatal("expected error for enabled auth without secret or jwks_url")
	}
}

func TestVerifyHS256(t *testing.T) {
	v := hs256Verifier(t, config.AuthConfig{})

	token := signHS256(t, testSecret, func(b *jwt.Builder) {
		b.Claim("email", "ops@example.com").
			Claim("role", "admin").
			Claim("store_id", "shop-42").
			Claim("plan", "growth")
	})

	claims, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "operator-7" {
		t.Errorf("Subject = %q, want operator-7", claims.Subject)
	}
	if claims.Email != "ops@example.com" || claims.Role != "admin" || claims.StoreID != "shop-42" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Custom["plan"] != "growth" {
		t.Errorf("Custom[plan] = %v, want growth", claims.Custom["plan"])
	}
}

func TestVerifyRejections(t *testing.T) {
	v := hs256Verifier(t, config.AuthConfig{
		Issuer:   "https://auth.example.com",
		Audience: "munshi-api",
	})

	good := func(b *jwt.Builder) {
		b.Issuer("https://auth.example.com").Audience([]string{"munshi-api"})
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong secret", signHS256(t, "other-secret", good)},
		{"expired", signHS256(t, testSecret, func(b *jwt.Builder) {
			good(b)
			b.Expiration(time.Now().Add(-time.Minute))
		})},
		{"wrong issuer", signHS256(t, testSecret, func(b *jwt.Builder) {
			b.Issuer("https://evil.example.com").Audience([]string{"munshi-api"})
		})},
		{"wrong audience", signHS256(t, testSecret, func(b *jwt.Builder) {
			b.Issuer("https://auth.example.com").Audience([]string{"other-api"})
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tt.token); err == nil {
				t.Fatal("expected verification to fail")
			}
		})
	}

	_, err := v.Verify(context.Background(), "")
	if !errors.Is(err, ErrMissingToken) {
		t.Errorf("empty token error = %v, want ErrMissingToken", err)
	}
	_, err = v.Verify(context.Background(), "not.a.jwt")
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyJWKS(t *testing.T) {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	public, err := jwk.FromRaw(&private.PublicKey)
	if err != nil {
		t.Fatalf("jwk from public key: %v", err)
	}
	if err := public.Set(jwk.KeyIDKey, "rotation-1"); err != nil {
		t.Fatal(err)
	}
	if err := public.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatal(err)
	}
	keyset := jwk.NewSet()
	if err := keyset.AddKey(public); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keyset)
	}))
	defer srv.Close()

	v, err := NewVerifier(context.Background(), &config.AuthConfig{
		Enabled: true,
		JWKSURL: srv.URL + "/.well-known/jwks.json",
	})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	signer, err := jwk.FromRaw(private)
	if err != nil {
		t.Fatal(err)
	}
	if err := signer.Set(jwk.KeyIDKey, "rotation-1"); err != nil {
		t.Fatal(err)
	}

	tok, err := jwt.NewBuilder().
		Subject("operator-9").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, signer))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := v.Verify(context.Background(), string(signed))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "operator-9" {
		t.Errorf("Subject = %q, want operator-9", claims.Subject)
	}

	// A token signed by a key outside the set must fail.
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	otherKey, err := jwk.FromRaw(other)
	if err != nil {
		t.Fatal(err)
	}
	if err := otherKey.Set(jwk.KeyIDKey, "rotation-1"); err != nil {
		t.Fatal(err)
	}
	forged, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, otherKey))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(context.Background(), string(forged)); err == nil {
		t.Fatal("expected forged token to fail")
	}
}

func TestMiddleware(t *testing.T) {
	v := hs256Verifier(t, config.AuthConfig{})

	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := v.Middleware(next)

	t.Run("valid bearer", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest(http.MethodPost, "/run", nil)
		req.Header.Set("Authorization", "Bearer "+signHS256(t, testSecret, nil))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if seen == nil || seen.Subject != "operator-7" {
			t.Fatalf("claims = %+v, want subject operator-7", seen)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/run", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("error body is not JSON: %v", err)
		}
		if body["error"] == "" {
			t.Fatal("expected error message in body")
		}
	})

	t.Run("not bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/run", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/run", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})
}

func TestFromContextMissing(t *testing.T) {
	if claims := FromContext(context.Background()); claims != nil {
		t.Fatalf("FromContext on empty context = %+v, want nil", claims)
	}
}
