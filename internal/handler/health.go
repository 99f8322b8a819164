package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const healthPingTimeout = 3 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

// ChannelStats reports how many topics and subscribers the notification
// channel is serving.
type ChannelStats interface {
	Stats() (topics, subscribers int)
}

type ClientCounter interface {
	Count() int
}

type HealthHandler struct {
	store   Pinger
	channel ChannelStats
	clients ClientCounter
}

func NewHealthHandler(store Pinger, channel ChannelStats, clients ClientCounter) *HealthHandler {
	return &HealthHandler{store: store, channel: channel, clients: clients}
}

// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("health check: store unreachable")
		status, code = "degraded", http.StatusServiceUnavailable
	}

	topics, _ := h.channel.Stats()

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
		"clients":   h.clients.Count(),
		"topics":    topics,
	})
}
