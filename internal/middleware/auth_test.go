package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strangerchat/relay-server-go/internal/chat"
	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
	"github.com/strangerchat/relay-server-go/internal/httputil"
	"github.com/strangerchat/relay-server-go/internal/hub"
	"github.com/strangerchat/relay-server-go/internal/util"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type stubClients map[string]*hub.Hosted

func (s stubClients) Get(id string) (*hub.Hosted, bool) {
	h, ok := s[id]
	return h, ok
}

func newHosted(id string) *hub.Hosted {
	return &hub.Hosted{Client: chat.NewClient(nil, nil, chat.Options{ID: id})}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestClientAuthMiddleware(t *testing.T) {
	tokens := util.NewTokenManager(testSecret, time.Hour)
	hosted := newHosted("client-1")
	clients := stubClients{"client-1": hosted}

	var seen *hub.Hosted
	handler := NewClientAuthMiddleware(tokens, clients).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClient(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("accepts a bearer token", func(t *testing.T) {
		seen = nil
		token, _, err := tokens.Issue("client-1")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/v1/chat/state", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Same(t, hosted, seen)
	})

	t.Run("accepts a query token", func(t *testing.T) {
		seen = nil
		token, _, err := tokens.Issue("client-1")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/v1/chat/events?token="+token, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Same(t, hosted, seen)
	})

	t.Run("rejects a missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/chat/state", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, decodeError(t, rec).Code)
	})

	t.Run("rejects an invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/chat/state", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, apperrors.ErrCodeInvalidToken, decodeError(t, rec).Code)
	})

	t.Run("rejects a token for an unknown client", func(t *testing.T) {
		token, _, err := tokens.Issue("client-2")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/v1/chat/state", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, decodeError(t, rec).Code)
	})
}

func TestGetClient(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, GetClient(req.Context()))

	hosted := newHosted("client-1")
	assert.Same(t, hosted, GetClient(WithClient(req.Context(), hosted)))
}
