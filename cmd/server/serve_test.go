package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strangerchat/relay-server-go/internal/chat"
	"github.com/strangerchat/relay-server-go/internal/handler"
	"github.com/strangerchat/relay-server-go/internal/hub"
	"github.com/strangerchat/relay-server-go/internal/notify"
	"github.com/strangerchat/relay-server-go/internal/ratelimit"
	"github.com/strangerchat/relay-server-go/internal/repository"
	"github.com/strangerchat/relay-server-go/internal/store"
	"github.com/strangerchat/relay-server-go/internal/util"
)

func TestHTTPServerShutdown(t *testing.T) {
	t.Run("open event streams do not hold up shutdown", func(t *testing.T) {
		mem := repository.NewMemoryDB()
		broker := notify.NewLocalBroker()
		t.Cleanup(broker.Close)
		svc := store.NewService(mem.Set(), mem, broker)
		registry := hub.NewRegistry(svc, broker, chat.Options{})

		router := handler.NewRouter(handler.RouterConfig{
			Registry:         registry,
			Tokens:           util.NewTokenManager("0123456789abcdef0123456789abcdef", time.Hour),
			Limiter:          ratelimit.NewMemoryLimiter(),
			Store:            svc,
			Channel:          broker,
			MessageRateLimit: 100,
			MatchRateLimit:   100,
			ClientRateLimit:  100,
		})

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		server := newHTTPServer(ln.Addr().String(), router, registry)

		served := make(chan error, 1)
		go func() { served <- server.Serve(ln) }()
		baseURL := "http://" + ln.Addr().String()

		resp, err := http.Post(baseURL+"/v1/clients", "application/json", nil)
		require.NoError(t, err)
		var created struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
		resp.Body.Close()

		stream, err := http.Get(baseURL + "/v1/chat/events?token=" + created.Token)
		require.NoError(t, err)
		defer stream.Body.Close()
		require.Equal(t, http.StatusOK, stream.StatusCode)

		line, err := bufio.NewReader(stream.Body).ReadString('\n')
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(line, "event: connected"))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		start := time.Now()
		require.NoError(t, server.Shutdown(ctx))
		assert.Less(t, time.Since(start), 3*time.Second)
		assert.Zero(t, registry.Count())

		select {
		case err := <-served:
			assert.True(t, errors.Is(err, http.ErrServerClosed))
		case <-time.After(2 * time.Second):
			t.Fatal("server did not stop serving")
		}
	})
}
