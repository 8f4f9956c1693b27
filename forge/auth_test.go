package forge_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsmith/pullsmith/forge"
)

func testAppKey(t *testing.T) (pemStr string, public *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block)), &key.PublicKey
}

func TestStaticTokenSource(t *testing.T) {
	src := forge.StaticTokenSource("ghp_static")
	token, err := src.Token(context.Background(), "any-installation")
	require.NoError(t, err)
	assert.Equal(t, "ghp_static", token)
}

func TestAppTokenSourceExchange(t *testing.T) {
	pemStr, public := testAppKey(t)

	var exchanges atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/app/installations/777/access_tokens", r.URL.Path)

		// The bearer must be an RS256 app JWT signed with our key and
		// issued by the app.
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		parsed, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
			return public, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		require.NoError(t, err)
		claims := parsed.Claims.(*jwt.RegisteredClaims)
		assert.Equal(t, "app-123", claims.Issuer)
		assert.True(t, claims.IssuedAt.Before(time.Now()))

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_installation_token",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}))
	defer server.Close()

	src, err := forge.NewAppTokenSource("app-123", pemStr, server.URL)
	require.NoError(t, err)

	token, err := src.Token(context.Background(), "777")
	require.NoError(t, err)
	assert.Equal(t, "ghs_installation_token", token)

	// Second call inside the validity window is served from cache.
	token, err = src.Token(context.Background(), "777")
	require.NoError(t, err)
	assert.Equal(t, "ghs_installation_token", token)
	assert.Equal(t, int32(1), exchanges.Load())
}

func TestAppTokenSourceRefreshesNearExpiry(t *testing.T) {
	pemStr, _ := testAppKey(t)

	var exchanges atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := exchanges.Add(1)
		w.WriteHeader(http.StatusCreated)
		// Expiry inside the refresh margin forces the next call to
		// exchange again.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      fmt.Sprintf("ghs_token_%d", n),
			"expires_at": time.Now().Add(time.Minute).Format(time.RFC3339),
		})
	}))
	defer server.Close()

	src, err := forge.NewAppTokenSource("app-123", pemStr, server.URL)
	require.NoError(t, err)

	first, err := src.Token(context.Background(), "777")
	require.NoError(t, err)
	second, err := src.Token(context.Background(), "777")
	require.NoError(t, err)

	assert.Equal(t, "ghs_token_1", first)
	assert.Equal(t, "ghs_token_2", second)
	assert.Equal(t, int32(2), exchanges.Load())
}

func TestAppTokenSourceExchangeFailure(t *testing.T) {
	pemStr, _ := testAppKey(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Integration not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	src, err := forge.NewAppTokenSource("app-123", pemStr, server.URL)
	require.NoError(t, err)

	_, err = src.Token(context.Background(), "777")
	require.Error(t, err)
	assert.True(t, forge.IsNotFound(err))
}

func TestNewAppTokenSourceRejectsBadKey(t *testing.T) {
	_, err := forge.NewAppTokenSource("app-123", "not a pem key", "")
	require.Error(t, err)

	_, err = forge.NewAppTokenSource("", "also irrelevant", "")
	require.Error(t, err)
}
