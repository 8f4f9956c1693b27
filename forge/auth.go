package forge

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields an API token scoped to one installation.
type TokenSource interface {
	Token(ctx context.Context, installationID string) (string, error)
}

// StaticTokenSource returns the same token for every installation.
// Used for personal-access-token setups and the dev loop.
type StaticTokenSource string

// Token returns the static token.
func (s StaticTokenSource) Token(_ context.Context, _ string) (string, error) {
	return string(s), nil
}

// appTokenLifetime is the JWT validity we request; the provider caps
// app JWTs at 10 minutes.
const appTokenLifetime = 9 * time.Minute

// tokenRefreshMargin renews installation tokens this long before expiry.
const tokenRefreshMargin = 5 * time.Minute

// AppTokenSource implements the provider app auth flow: a short-lived
// RS256 app JWT is exchanged for per-installation access tokens, cached
// until shortly before expiry.
type AppTokenSource struct {
	appID      string
	privateKey *rsa.PrivateKey
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	tokens map[string]installationToken
}

type installationToken struct {
	value     string
	expiresAt time.Time
}

// NewAppTokenSource parses the PEM private key and returns a token
// source for the given app.
func NewAppTokenSource(appID, privateKeyPEM, baseURL string) (*AppTokenSource, error) {
	if appID == "" {
		return nil, fmt.Errorf("app id is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &AppTokenSource{
		appID:      appID,
		privateKey: key,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     make(map[string]installationToken),
	}, nil
}

// Token returns a cached installation token or exchanges a fresh one.
func (a *AppTokenSource) Token(ctx context.Context, installationID string) (string, error) {
	if installationID == "" {
		return "", fmt.Errorf("installation id is required")
	}

	a.mu.Lock()
	cached, ok := a.tokens[installationID]
	a.mu.Unlock()
	if ok && time.Until(cached.expiresAt) > tokenRefreshMargin {
		return cached.value, nil
	}

	token, expiresAt, err := a.exchange(ctx, installationID)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.tokens[installationID] = installationToken{value: token, expiresAt: expiresAt}
	a.mu.Unlock()
	return token, nil
}

// appJWT mints the short-lived app-level JWT.
func (a *AppTokenSource) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer: a.appID,
		// Backdated to absorb clock skew between us and the provider.
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appTokenLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.privateKey)
}

func (a *AppTokenSource) exchange(ctx context.Context, installationID string) (string, time.Time, error) {
	appJWT, err := a.appJWT()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign app JWT: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", a.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", acceptJSON)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("exchange installation token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, classifyStatus(resp.StatusCode, string(body), 0, "")
	}

	var decoded struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", time.Time{}, fmt.Errorf("parse token response: %w", err)
	}
	if decoded.Token == "" {
		return "", time.Time{}, fmt.Errorf("provider returned empty installation token")
	}
	return decoded.Token, decoded.ExpiresAt, nil
}
