package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dsprosolution/sync-engine/pkg/config"
)

// unsignedJWT builds a JWT-shaped token with the given exp claim; the
// signature is junk because expiry introspection never verifies it.
func unsignedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims, err := json.Marshal(map[string]any{"sub": "syncd", "exp": exp.Unix()})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return fmt.Sprintf("%s.%s.junk", header, payload)
}

func writeTokenFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte(contents+"\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	return path
}

func TestFileTokenProvider_ValidJWT(t *testing.T) {
	token := unsignedJWT(t, time.Now().Add(time.Hour))
	p := NewFileTokenProvider(writeTokenFile(t, token), 0)

	got, expiry, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if got != token {
		t.Error("Expected token returned as read (trimmed)")
	}
	if expiry.IsZero() || !expiry.After(time.Now()) {
		t.Errorf("Expected future expiry, got %v", expiry)
	}
}

func TestFileTokenProvider_ExpiredJWT(t *testing.T) {
	token := unsignedJWT(t, time.Now().Add(-time.Hour))
	p := NewFileTokenProvider(writeTokenFile(t, token), 0)

	_, _, err := p.Token(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Errorf("Expected ErrNoToken for expired token, got %v", err)
	}
}

func TestFileTokenProvider_OpaqueToken(t *testing.T) {
	p := NewFileTokenProvider(writeTokenFile(t, "opaque-api-key"), 0)

	got, expiry, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if got != "opaque-api-key" {
		t.Errorf("Expected opaque token passthrough, got %q", got)
	}
	if !expiry.IsZero() {
		t.Errorf("Opaque token should have no expiry, got %v", expiry)
	}
}

func TestFileTokenProvider_EmptyFile(t *testing.T) {
	p := NewFileTokenProvider(writeTokenFile(t, ""), 0)
	if _, _, err := p.Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("Expected ErrNoToken for empty file, got %v", err)
	}
}

func TestOAuthProvider_FetchAndCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode token request: %v", err)
		}
		if req["grant_type"] != "client_credentials" {
			t.Errorf("Expected client_credentials grant, got %s", req["grant_type"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-token",
			"expires_in":   3600,
			"token_type":   "Bearer",
		})
	}))
	defer srv.Close()

	p := NewOAuthClientCredentialsProvider(config.AuthConfig{
		ClientID:     "syncd",
		ClientSecret: "secret",
		TokenURL:     srv.URL,
	}, srv.Client())

	tok, expiry, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok != "fresh-token" {
		t.Errorf("Expected fresh-token, got %q", tok)
	}
	if !expiry.After(time.Now()) {
		t.Errorf("Expected future expiry, got %v", expiry)
	}

	// Second call hits the cache.
	if _, _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("cached Token failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 token fetch, got %d", calls)
	}
}

func TestOAuthProvider_IncompleteConfig(t *testing.T) {
	p := NewOAuthClientCredentialsProvider(config.AuthConfig{ClientID: "only-id"}, nil)
	if _, _, err := p.Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("Expected ErrNoToken for incomplete config, got %v", err)
	}
}

func TestComputeRefreshBy(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Normal case: expiry minus leeway.
	got := computeRefreshBy(now, 3600, time.Minute)
	want := now.Add(3600*time.Second - time.Minute)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	// Leeway overshoot falls back to the midpoint.
	got = computeRefreshBy(now, 30, time.Minute)
	if !got.Equal(now.Add(15 * time.Second)) {
		t.Errorf("Expected midpoint fallback, got %v", got)
	}

	// No expires_in uses the conservative fallback TTL.
	got = computeRefreshBy(now, 0, time.Minute)
	if !got.Equal(now.Add(fallbackTokenTTL)) {
		t.Errorf("Expected fallback TTL, got %v", got)
	}
}

func TestNewTokenProvider_Selection(t *testing.T) {
	if _, ok := NewTokenProvider(config.AuthConfig{TokenFile: "/tmp/tok"}, nil).(*FileTokenProvider); !ok {
		t.Error("Expected file provider when token_file is set")
	}
	if _, ok := NewTokenProvider(config.AuthConfig{ClientID: "a", TokenURL: "b"}, nil).(*OAuthClientCredentialsProvider); !ok {
		t.Error("Expected oauth provider for client credentials")
	}
	if _, ok := NewTokenProvider(config.AuthConfig{}, nil).(anonymousProvider); !ok {
		t.Error("Expected anonymous provider with empty config")
	}
}
