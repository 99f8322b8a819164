package handler

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/strangerchat/relay-server-go/internal/audit"
	"github.com/strangerchat/relay-server-go/internal/chat"
	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
	"github.com/strangerchat/relay-server-go/internal/hub"
	"github.com/strangerchat/relay-server-go/internal/middleware"
	"github.com/strangerchat/relay-server-go/internal/model"
	"github.com/strangerchat/relay-server-go/internal/util"
)

type ChatHandler struct {
	registry *hub.Registry
	tokens   *util.TokenManager
}

func NewChatHandler(registry *hub.Registry, tokens *util.TokenManager) *ChatHandler {
	return &ChatHandler{registry: registry, tokens: tokens}
}

type findRequest struct {
	Interests []string `json:"interests"`
}

type sendRequest struct {
	Content string `json:"content"`
}

type sessionResponse struct {
	Session *model.ChatSession `json:"session"`
	State   chat.State         `json:"state"`
}

// GET /v1/interests
func ListInterests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"interests":    model.PopularInterests,
		"maxInterests": model.MaxInterests,
	})
}

// POST /v1/clients
func (h *ChatHandler) CreateClient(w http.ResponseWriter, r *http.Request) {
	client := h.registry.Create()

	token, expiresAt, err := h.tokens.Issue(client.ID())
	if err != nil {
		log.Error().Err(err).Str("clientId", client.ID()).Msg("failed to issue client token")
		h.registry.Remove(r.Context(), client.ID())
		writeError(w, apperrors.Internal("Failed to create client"))
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventClientCreated, ClientID: client.ID()})

	writeJSON(w, http.StatusCreated, map[string]any{
		"clientId":  client.ID(),
		"token":     token,
		"expiresAt": expiresAt,
	})
}

// GET /v1/chat/state
func (h *ChatHandler) State(w http.ResponseWriter, r *http.Request) {
	client := middleware.GetClient(r.Context())
	writeJSON(w, http.StatusOK, client.Snapshot())
}

// POST /v1/chat/find
func (h *ChatHandler) Find(w http.ResponseWriter, r *http.Request) {
	client := middleware.GetClient(r.Context())

	var req findRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, err := client.FindOrCreateSession(r.Context(), req.Interests)
	h.writeSession(w, client, session, err)
}

// POST /v1/chat/new
func (h *ChatHandler) NewChat(w http.ResponseWriter, r *http.Request) {
	client := middleware.GetClient(r.Context())

	session, err := client.StartNewChat(r.Context())
	h.writeSession(w, client, session, err)
}

// writeSession answers 202 when the session exists but its live updates are
// still being set up.
func (h *ChatHandler) writeSession(w http.ResponseWriter, client *hub.Hosted, session *model.ChatSession, err error) {
	status := http.StatusOK
	if err != nil {
		if session == nil || !apperrors.HasCode(err, apperrors.ErrCodeSubscriptionFailed) {
			log.Warn().Err(err).Str("clientId", client.ID()).Msg("matching failed")
			writeError(w, err)
			return
		}
		status = http.StatusAccepted
	}

	writeJSON(w, status, sessionResponse{Session: session, State: client.Snapshot()})
}

// POST /v1/chat/messages
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	client := middleware.GetClient(r.Context())

	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := client.SendMessage(r.Context(), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

// GET /v1/chat/messages
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	client := middleware.GetClient(r.Context())
	state := client.Snapshot()
	p := ParsePagination(r)

	var sessionID string
	if state.Session != nil {
		sessionID = state.Session.ID
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"messages":  page(state.Messages, p),
		"total":     len(state.Messages),
		"limit":     p.Limit,
		"offset":    p.Offset,
	})
}

// POST /v1/chat/disconnect
func (h *ChatHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	client := middleware.GetClient(r.Context())

	if err := client.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /v1/chat
func (h *ChatHandler) Close(w http.ResponseWriter, r *http.Request) {
	client := middleware.GetClient(r.Context())

	if err := h.registry.Remove(r.Context(), client.ID()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
