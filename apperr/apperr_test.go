package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsmith/pullsmith/apperr"
)

func TestKindOf(t *testing.T) {
	base := apperr.New(apperr.KindRateLimited, "slow down")
	wrapped := fmt.Errorf("publish check run: %w", base)

	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(wrapped))
	assert.True(t, apperr.Is(wrapped, apperr.KindRateLimited))
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(errors.New("plain")))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, apperr.Wrap(apperr.KindDatabase, "store workflow", nil))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := apperr.Wrap(apperr.KindProvider, "create review", cause)

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindValidation, http.StatusBadRequest},
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindUnauthorized, http.StatusUnauthorized},
		{apperr.KindForbidden, http.StatusForbidden},
		{apperr.KindConflict, http.StatusConflict},
		{apperr.KindRateLimited, http.StatusTooManyRequests},
		{apperr.KindProvider, http.StatusBadGateway},
		{apperr.KindLLM, http.StatusServiceUnavailable},
		{apperr.KindDatabase, http.StatusInternalServerError},
		{apperr.KindWebhook, http.StatusBadRequest},
		{apperr.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.HTTPStatus(), string(tt.kind))
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, apperr.KindRateLimited.Retryable())
	assert.True(t, apperr.KindProvider.Retryable())
	assert.True(t, apperr.KindLLM.Retryable())
	assert.True(t, apperr.KindDatabase.Retryable())
	assert.False(t, apperr.KindValidation.Retryable())
	assert.False(t, apperr.KindUnauthorized.Retryable())
	assert.False(t, apperr.KindConflict.Retryable())
}

func TestDetails(t *testing.T) {
	err := apperr.New(apperr.KindValidation, "bad payload").
		WithRequestID("req-1").
		WithDetail("field", "headSha")

	assert.Equal(t, "req-1", err.RequestID)
	assert.Equal(t, "headSha", err.Details["field"])
}
