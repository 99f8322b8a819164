package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   apperrors.ErrorCode
	}{
		{"invalid input", apperrors.InvalidInput("content", "empty"), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"invalid token", apperrors.InvalidToken("expired"), http.StatusUnauthorized, apperrors.ErrCodeInvalidToken},
		{"race lost", apperrors.RaceLost("s-1"), http.StatusConflict, apperrors.ErrCodeRaceLost},
		{"client closed", apperrors.ClientClosed(), http.StatusGone, apperrors.ErrCodeClientClosed},
		{"payload too large", apperrors.PayloadTooLarge(), http.StatusRequestEntityTooLarge, apperrors.ErrCodePayloadTooLarge},
		{"rate limited", apperrors.RateLimitExceeded(), http.StatusTooManyRequests, apperrors.ErrCodeRateLimitExceeded},
		{"store unavailable", apperrors.StoreUnavailable("op", errors.New("down")), http.StatusServiceUnavailable, apperrors.ErrCodeStoreUnavailable},
		{"unknown error", errors.New("secret detail"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()

			WriteError(rec, tc.err)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.wantCode, body.Code)
			assert.NotContains(t, body.Error, "secret detail")
		})
	}
}

func TestNewErrorResponse(t *testing.T) {
	t.Run("marks transient errors retryable", func(t *testing.T) {
		_, body := NewErrorResponse(apperrors.StoreUnavailable("op", errors.New("down")))
		assert.True(t, body.Retryable)
	})

	t.Run("does not mark validation errors retryable", func(t *testing.T) {
		_, body := NewErrorResponse(apperrors.InvalidInput("content", "empty"))
		assert.False(t, body.Retryable)
	})
}
