package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/strangerchat/relay-server-go/internal/chat"
	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
	"github.com/strangerchat/relay-server-go/internal/middleware"
	"github.com/strangerchat/relay-server-go/internal/model"
)

const HeartbeatInterval = 30 * time.Second

// EventsHandler streams the updates of the authenticated client as
// server-sent events.
type EventsHandler struct {
	heartbeat time.Duration
}

func NewEventsHandler() *EventsHandler {
	return &EventsHandler{heartbeat: HeartbeatInterval}
}

// GET /v1/chat/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client := middleware.GetClient(r.Context())
	if client == nil {
		writeError(w, apperrors.Unauthorized("Unauthorized"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	detach, ok := client.Attach()
	if !ok {
		writeError(w, apperrors.Conflict("Another event stream is open for this client"))
		return
	}
	defer detach()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	updates := client.Updates()
	drainUpdates(updates)
	snapshot := client.Snapshot()
	sent := newSentMessages(snapshot)

	log.Info().Str("clientId", client.ID()).Msg("sse connection established")

	if err := h.sendEvent(w, flusher, "connected", snapshot); err != nil {
		log.Debug().Err(err).Str("clientId", client.ID()).Msg("sse initial snapshot failed")
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("clientId", client.ID()).
				Msg("sse connection closed by client")
			return

		case u, ok := <-updates:
			if !ok {
				log.Info().
					Str("clientId", client.ID()).
					Msg("sse connection closed, client closed")
				return
			}
			if sent.skip(u) {
				continue
			}
			if err := h.sendEvent(w, flusher, string(u.Type), u); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("clientId", client.ID()).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

// drainUpdates discards updates queued while no stream was attached. The
// connected snapshot supersedes them.
func drainUpdates(updates <-chan chat.Update) {
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// sentMessages holds the ids of messages a stream already delivered, so an
// update queued while the connected snapshot was taken is not sent twice.
type sentMessages map[string]struct{}

func newSentMessages(state chat.State) sentMessages {
	s := sentMessages{}
	s.reset(state.Messages)
	return s
}

func (s sentMessages) reset(msgs []*model.Message) {
	clear(s)
	for _, m := range msgs {
		s[m.ID] = struct{}{}
	}
}

// skip reports whether u only repeats a delivered message. Snapshots replace
// the delivered set.
func (s sentMessages) skip(u chat.Update) bool {
	switch u.Type {
	case chat.UpdateSnapshot:
		if u.State != nil {
			s.reset(u.State.Messages)
		}
	case chat.UpdateMessage:
		if u.Message == nil {
			return false
		}
		if _, ok := s[u.Message.ID]; ok {
			return true
		}
		s[u.Message.ID] = struct{}{}
	}
	return false
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
