package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/strangerchat/relay-server-go/internal/hub"
	"github.com/strangerchat/relay-server-go/internal/middleware"
	"github.com/strangerchat/relay-server-go/internal/ratelimit"
	"github.com/strangerchat/relay-server-go/internal/util"
)

const rateLimitWindow = time.Minute

// RouterConfig carries everything the HTTP surface is built from.
type RouterConfig struct {
	Registry       *hub.Registry
	Tokens         *util.TokenManager
	Limiter        ratelimit.Limiter
	Store          Pinger
	Channel        ChannelStats
	IsProduction   bool
	RequestTimeout time.Duration

	MessageRateLimit int
	MatchRateLimit   int
	ClientRateLimit  int
}

func NewRouter(cfg RouterConfig) http.Handler {
	healthHandler := NewHealthHandler(cfg.Store, cfg.Channel, cfg.Registry)
	chatHandler := NewChatHandler(cfg.Registry, cfg.Tokens)
	eventsHandler := NewEventsHandler()
	wsHandler := NewWSHandler(cfg.Registry, cfg.Limiter, cfg.MessageRateLimit, cfg.MatchRateLimit)

	authMiddleware := middleware.NewClientAuthMiddleware(cfg.Tokens, cfg.Registry)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(cfg.IsProduction)
	clientLimit := middleware.NewRateLimitMiddleware(cfg.Limiter, cfg.ClientRateLimit, rateLimitWindow, middleware.KeyByIP("clients"))
	wsLimit := middleware.NewRateLimitMiddleware(cfg.Limiter, cfg.ClientRateLimit, rateLimitWindow, middleware.KeyByIP("ws"))
	sendLimit := middleware.NewRateLimitMiddleware(cfg.Limiter, cfg.MessageRateLimit, rateLimitWindow, middleware.KeyByClient("send"))
	findLimit := middleware.NewRateLimitMiddleware(cfg.Limiter, cfg.MatchRateLimit, rateLimitWindow, middleware.KeyByClient("find"))

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)
	r.Use(bodyLimitMiddleware.Handler)

	r.With(wsLimit.Handler).Get("/v1/ws", wsHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(timeout))

		r.Get("/health", healthHandler.Health)
		r.Get("/v1/interests", ListInterests)
		r.With(clientLimit.Handler).Post("/v1/clients", chatHandler.CreateClient)
	})

	r.Route("/v1/chat", func(r chi.Router) {
		r.Use(authMiddleware.Handler)

		// Streams run without a request timeout.
		r.Get("/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(timeout))

			r.Get("/state", chatHandler.State)
			r.Get("/messages", chatHandler.ListMessages)
			r.With(sendLimit.Handler).Post("/messages", chatHandler.SendMessage)
			r.With(findLimit.Handler).Post("/find", chatHandler.Find)
			r.With(findLimit.Handler).Post("/new", chatHandler.NewChat)
			r.Post("/disconnect", chatHandler.Disconnect)
			r.Delete("/", chatHandler.Close)
		})
	})

	return r
}
