package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/strangerchat/relay-server-go/internal/audit"
	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
	"github.com/strangerchat/relay-server-go/internal/hub"
)

type contextKey string

const ClientContextKey contextKey = "client"

func GetClient(ctx context.Context) *hub.Hosted {
	if client, ok := ctx.Value(ClientContextKey).(*hub.Hosted); ok {
		return client
	}
	return nil
}

// WithClient stores client in ctx the way ClientAuthMiddleware does.
func WithClient(ctx context.Context, client *hub.Hosted) context.Context {
	return context.WithValue(ctx, ClientContextKey, client)
}

// TokenParser resolves a client token to the client id it was issued for.
type TokenParser interface {
	Parse(token string) (string, error)
}

// ClientLookup finds a hosted client by id.
type ClientLookup interface {
	Get(id string) (*hub.Hosted, bool)
}

type ClientAuthMiddleware struct {
	tokens  TokenParser
	clients ClientLookup
}

func NewClientAuthMiddleware(tokens TokenParser, clients ClientLookup) *ClientAuthMiddleware {
	return &ClientAuthMiddleware{tokens: tokens, clients: clients}
}

func (m *ClientAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		clientID, err := m.tokens.Parse(token)
		if err != nil {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"reason": apperrors.GetCode(err)},
			})
			writeError(w, err)
			return
		}

		client, ok := m.clients.Get(clientID)
		if !ok {
			log.Debug().Str("clientId", clientID).Msg("auth middleware: client no longer hosted")
			writeError(w, apperrors.Unauthorized("Client not found or expired"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), client)))
	})
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
