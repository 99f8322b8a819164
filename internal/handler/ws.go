package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/strangerchat/relay-server-go/internal/audit"
	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
	"github.com/strangerchat/relay-server-go/internal/httputil"
	"github.com/strangerchat/relay-server-go/internal/hub"
	"github.com/strangerchat/relay-server-go/internal/middleware"
	"github.com/strangerchat/relay-server-go/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 4096
	commandTimeout = 30 * time.Second
)

type wsInbound struct {
	Type      string   `json:"type"`
	Interests []string `json:"interests,omitempty"`
	Content   string   `json:"content,omitempty"`
}

type wsHello struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type wsError struct {
	Type      string              `json:"type"`
	Command   string              `json:"command,omitempty"`
	Code      apperrors.ErrorCode `json:"code"`
	Error     string              `json:"error"`
	Retryable bool                `json:"retryable,omitempty"`
}

// WSHandler hosts one chat client per WebSocket connection. Closing the socket
// closes the client. Commands share the per-client limits of the REST routes.
type WSHandler struct {
	registry     *hub.Registry
	limiter      ratelimit.Limiter
	messageLimit int
	matchLimit   int
	upgrader     websocket.Upgrader
}

func NewWSHandler(registry *hub.Registry, limiter ratelimit.Limiter, messageLimit, matchLimit int) *WSHandler {
	return &WSHandler{
		registry:     registry,
		limiter:      limiter,
		messageLimit: messageLimit,
		matchLimit:   matchLimit,
		upgrader:     websocket.Upgrader{
			ReadBufferSize:  maxFrameSize,
			WriteBufferSize: maxFrameSize,
		},
	}
}

// GET /v1/ws
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := h.registry.Create()
	detach, _ := client.Attach()
	audit.LogFromRequest(r, audit.Event{Type: audit.EventClientCreated, ClientID: client.ID()})
	log.Info().Str("clientId", client.ID()).Msg("websocket connection established")

	s := &wsConn{handler: h, conn: conn, client: client, out: make(chan any, 16)}
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return s.writePump(ctx) })
	g.Go(func() error { return s.readPump(ctx) })

	if err := g.Wait(); err != nil && !isExpectedClose(err) {
		log.Debug().Err(err).Str("clientId", client.ID()).Msg("websocket connection error")
	}

	detach()
	closeCtx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	h.registry.Remove(closeCtx, client.ID())

	log.Info().Str("clientId", client.ID()).Msg("websocket connection closed")
}

type wsConn struct {
	handler *WSHandler
	conn    *websocket.Conn
	client  *hub.Hosted
	out     chan any
}

var errSocketClosed = errors.New("websocket closed")

func isExpectedClose(err error) bool {
	return errors.Is(err, errSocketClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// readPump runs the inbound commands one at a time.
func (s *wsConn) readPump(ctx context.Context) error {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := s.send(ctx, wsHello{Type: "hello", ClientID: s.client.ID()}); err != nil {
		return err
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return errSocketClosed
			}
			return err
		}

		var (
			cmd    wsInbound
			cmdErr error
		)
		if err := json.Unmarshal(data, &cmd); err != nil {
			cmdErr = apperrors.InvalidInput("frame", "malformed JSON")
		} else {
			cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			cmdErr = s.handle(cmdCtx, cmd)
			cancel()
		}

		if cmdErr != nil {
			if err := s.send(ctx, newWSError(cmd.Type, cmdErr)); err != nil {
				return err
			}
		}
	}
}

func (s *wsConn) handle(ctx context.Context, cmd wsInbound) error {
	switch cmd.Type {
	case "find":
		if err := s.allow(ctx, "find", s.handler.matchLimit); err != nil {
			return err
		}
		session, err := s.client.FindOrCreateSession(ctx, cmd.Interests)
		if session != nil && apperrors.HasCode(err, apperrors.ErrCodeSubscriptionFailed) {
			// Delivered as a connecting update once the retry succeeds.
			return nil
		}
		return err
	case "send":
		if err := s.allow(ctx, "send", s.handler.messageLimit); err != nil {
			return err
		}
		_, err := s.client.SendMessage(ctx, cmd.Content)
		return err
	case "disconnect":
		return s.client.Disconnect(ctx)
	case "new_chat":
		if err := s.allow(ctx, "find", s.handler.matchLimit); err != nil {
			return err
		}
		session, err := s.client.StartNewChat(ctx)
		if session != nil && apperrors.HasCode(err, apperrors.ErrCodeSubscriptionFailed) {
			return nil
		}
		return err
	default:
		return apperrors.InvalidInput("type", "unknown command")
	}
}

// allow applies the limit the REST route with the same prefix applies.
func (s *wsConn) allow(ctx context.Context, prefix string, limit int) error {
	if s.handler.limiter == nil || limit <= 0 {
		return nil
	}

	key := middleware.ClientKey(prefix, s.client.ID())
	allowed, _ := s.handler.limiter.Allow(ctx, key, limit, rateLimitWindow)
	if allowed {
		return nil
	}

	log.Warn().Str("key", key).Msg("rate limit exceeded")
	audit.Log(ctx, audit.Event{
		Type:     audit.EventRateLimitExceed,
		ClientID: s.client.ID(),
		Details:  map[string]interface{}{"key": key, "limit": limit},
	})
	return apperrors.RateLimitExceeded()
}

func newWSError(command string, err error) wsError {
	_, resp := httputil.NewErrorResponse(err)
	return wsError{
		Type:      "error",
		Command:   command,
		Code:      resp.Code,
		Error:     resp.Error,
		Retryable: resp.Retryable,
	}
}

func (s *wsConn) send(ctx context.Context, v any) error {
	select {
	case s.out <- v:
		return nil
	case <-ctx.Done():
		return errSocketClosed
	}
}

// writePump is the only writer of the connection.
func (s *wsConn) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	updates := s.client.Updates()

	for {
		select {
		case <-ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return errSocketClosed

		case u, ok := <-updates:
			if !ok {
				return errSocketClosed
			}
			if err := s.write(u); err != nil {
				return err
			}

		case v := <-s.out:
			if err := s.write(v); err != nil {
				return err
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (s *wsConn) write(v any) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}
