package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/strangerchat/relay-server-go/internal/chat"
	"github.com/strangerchat/relay-server-go/internal/config"
	"github.com/strangerchat/relay-server-go/internal/handler"
	"github.com/strangerchat/relay-server-go/internal/hub"
	"github.com/strangerchat/relay-server-go/internal/jobs"
	"github.com/strangerchat/relay-server-go/internal/util"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, SSE and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, c *config.Config) error {
	b, err := newBackend(ctx, c)
	if err != nil {
		log.Error().Err(err).Msg("failed to start backend")
		return err
	}
	defer b.Close()

	registry := hub.NewRegistry(b.store, b.channel, chat.Options{CandidateLimit: c.MatchCandidateLimit})
	tokens := util.NewTokenManager(c.ClientTokenSecret, c.ClientTokenTTL())

	router := handler.NewRouter(handler.RouterConfig{
		Registry:         registry,
		Tokens:           tokens,
		Limiter:          b.limiter,
		Store:            b.store,
		Channel:          b.channel,
		IsProduction:     c.IsProduction(),
		RequestTimeout:   config.ServerRequestTimeout,
		MessageRateLimit: c.MessageRateLimit,
		MatchRateLimit:   c.MatchRateLimit,
		ClientRateLimit:  c.ClientRateLimit,
	})

	cleanupJob := jobs.NewCleanupJob(
		b.store, registry, c.WaitingTTL(), c.ClientIdleTimeout(), config.CleanupJobInterval,
	)

	server := newHTTPServer(c.Addr(), router, registry)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", c.Addr()).Str("store", c.StoreDriver).Str("notify", c.NotifyDriver).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return cleanupJob.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		return err
	}

	log.Info().Msg("server stopped")
	return nil
}

// newHTTPServer closes every hosted client when shutdown starts. That ends
// open event streams and sockets, which Shutdown would otherwise wait on.
func newHTTPServer(addr string, router http.Handler, registry *hub.Registry) *http.Server {
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}
	server.RegisterOnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
		defer cancel()
		registry.CloseAll(ctx)
	})
	return server
}
