// Package api implements the HTTP client for the dashboard backend:
// sync pages, record mutations, bulk operations and the health probe.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/dsprosolution/sync-engine/pkg/app/errors"
	"github.com/dsprosolution/sync-engine/pkg/config"
)

const (
	defaultExpiryLeeway = 60 * time.Second
	defaultHTTPTimeout  = 10 * time.Second

	// If token endpoint doesn't give expires_in, use a conservative fallback.
	fallbackTokenTTL = 5 * time.Minute

	// Limit error-body reads so we don't accidentally slurp huge responses.
	maxErrBodyBytes = 4096
)

// ErrNoToken means no usable credential is available right now. The
// engine stays in "cannot sync" mode and keeps mutations queued.
var ErrNoToken = errors.New("no usable auth token")

// TokenProvider defines how the client obtains and refreshes bearer
// tokens for the dashboard backend.
type TokenProvider interface {
	// Token returns a valid access token and its expiry time.
	// Implementations must cache and refresh tokens as needed.
	Token(ctx context.Context) (token string, expiry time.Time, err error)
}

// NewTokenProvider builds a provider from configuration. A token file
// wins over OAuth client credentials; with neither configured requests
// go out unauthenticated.
func NewTokenProvider(cfg config.AuthConfig, httpClient *http.Client) TokenProvider {
	if cfg.TokenFile != "" {
		return NewFileTokenProvider(cfg.TokenFile, cfg.ExpiryLeeway)
	}
	if cfg.ClientID != "" && cfg.TokenURL != "" {
		return NewOAuthClientCredentialsProvider(cfg, httpClient)
	}
	return anonymousProvider{}
}

type anonymousProvider struct{}

func (anonymousProvider) Token(context.Context) (string, time.Time, error) {
	return "", time.Time{}, nil
}

// FileTokenProvider reads a bearer token from a file that an external
// login flow keeps fresh. JWT expiry is introspected without signature
// verification; an expired token yields ErrNoToken.
type FileTokenProvider struct {
	path   string
	leeway time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewFileTokenProvider creates a new FileTokenProvider instance.
func NewFileTokenProvider(path string, leeway time.Duration) *FileTokenProvider {
	if leeway == 0 {
		leeway = defaultExpiryLeeway
	}
	return &FileTokenProvider{path: path, leeway: leeway}
}

func (p *FileTokenProvider) Token(_ context.Context) (string, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Add(p.leeway).Before(p.expiry) {
		return p.token, p.expiry, nil
	}

	raw, err := os.ReadFile(p.path)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", time.Time{}, ErrNoToken
	}

	expiry, err := tokenExpiry(token)
	if err != nil {
		return "", time.Time{}, err
	}
	if !expiry.IsZero() && !time.Now().Add(p.leeway).Before(expiry) {
		return "", time.Time{}, fmt.Errorf("token in %s expired at %s: %w", p.path, expiry, ErrNoToken)
	}

	p.token = token
	p.expiry = expiry
	return token, expiry, nil
}

// tokenExpiry extracts the exp claim from a JWT without verifying the
// signature. Opaque tokens pass through with no expiry.
func tokenExpiry(token string) (time.Time, error) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read token expiry: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// OAuthClientCredentialsProvider implements TokenProvider
// using the OAuth2 client credentials flow.
type OAuthClientCredentialsProvider struct {
	cfg        config.AuthConfig
	httpClient *http.Client
	leeway     time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewOAuthClientCredentialsProvider creates a new OAuthClientCredentialsProvider instance.
func NewOAuthClientCredentialsProvider(cfg config.AuthConfig, httpClient *http.Client) *OAuthClientCredentialsProvider {
	leeway := cfg.ExpiryLeeway
	if leeway == 0 {
		leeway = defaultExpiryLeeway
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &OAuthClientCredentialsProvider{
		cfg:        cfg,
		httpClient: httpClient,
		leeway:     leeway,
	}
}

func (p *OAuthClientCredentialsProvider) Token(ctx context.Context) (string, time.Time, error) {
	if p.cfg.ClientID == "" || p.cfg.ClientSecret == "" || p.cfg.TokenURL == "" {
		return "", time.Time{}, fmt.Errorf("oauth config incomplete: %w", ErrNoToken)
	}

	// Fast path: return cached token if still valid.
	p.mu.Lock()
	if p.token != "" && time.Now().Before(p.expiry) {
		tok, exp := p.token, p.expiry
		p.mu.Unlock()
		return tok, exp, nil
	}
	p.mu.Unlock()

	// Fetch without holding the mutex.
	token, expiry, err := p.fetchToken(ctx)
	if err != nil {
		return "", time.Time{}, err
	}

	p.mu.Lock()
	p.token = token
	p.expiry = expiry
	p.mu.Unlock()

	return token, expiry, nil
}

func (p *OAuthClientCredentialsProvider) fetchToken(ctx context.Context) (string, time.Time, error) {
	payload := map[string]string{
		"client_id":     p.cfg.ClientID,
		"client_secret": p.cfg.ClientSecret,
		"audience":      p.cfg.Audience,
		"grant_type":    "client_credentials",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", time.Time{}, err
		}
		return "", time.Time{}, fmt.Errorf("call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, readTokenError(resp)
	}

	tr, err := decodeTokenResponse(resp.Body)
	if err != nil {
		return "", time.Time{}, err
	}

	now := time.Now()
	expiry := computeRefreshBy(now, tr.ExpiresIn, p.leeway)

	return tr.AccessToken, expiry, nil
}

func readTokenError(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrBodyBytes)

	b, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("token endpoint returned %d and body read failed: %w", resp.StatusCode, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperrors.UnAuthorizedError(
			fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(b)), string(b))
	}
	return fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(b))
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func decodeTokenResponse(r io.Reader) (tokenResponse, error) {
	var tr tokenResponse

	dec := json.NewDecoder(r)
	if err := dec.Decode(&tr); err != nil {
		return tokenResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return tokenResponse{}, fmt.Errorf("token response missing access_token")
	}

	return tr, nil
}

// computeRefreshBy returns a "refresh-by" timestamp, leeway-adjusted.
func computeRefreshBy(now time.Time, expiresInSeconds int, leeway time.Duration) time.Time {
	if expiresInSeconds <= 0 {
		return now.Add(fallbackTokenTTL)
	}

	exp := now.Add(time.Duration(expiresInSeconds) * time.Second)
	refreshBy := exp.Add(-leeway)

	// If leeway overshoots, fall back to a reasonable midpoint.
	if refreshBy.Before(now) {
		half := expiresInSeconds / 2
		return now.Add(time.Duration(half) * time.Second)
	}

	return refreshBy
}
