package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strangerchat/relay-server-go/internal/chat"
	"github.com/strangerchat/relay-server-go/internal/model"
	"github.com/strangerchat/relay-server-go/internal/notify"
	"github.com/strangerchat/relay-server-go/internal/repository"
	"github.com/strangerchat/relay-server-go/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Service) {
	t.Helper()
	db := repository.NewMemoryDB()
	broker := notify.NewLocalBroker()
	t.Cleanup(broker.Close)
	svc := store.NewService(db.Set(), db, broker)
	reg := NewRegistry(svc, broker, chat.Options{})
	t.Cleanup(func() { reg.CloseAll(context.Background()) })
	return reg, svc
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("creates and looks up clients", func(t *testing.T) {
		reg, _ := newTestRegistry(t)

		a := reg.Create()
		b := reg.Create()
		assert.NotEqual(t, a.ID(), b.ID())
		assert.Equal(t, 2, reg.Count())

		got, ok := reg.Get(a.ID())
		require.True(t, ok)
		assert.Same(t, a, got)

		_, ok = reg.Get("missing")
		assert.False(t, ok)
	})

	t.Run("remove closes the client and ends its session", func(t *testing.T) {
		reg, svc := newTestRegistry(t)

		a := reg.Create()
		session, err := a.FindOrCreateSession(ctx, []string{"Music"})
		require.NoError(t, err)

		require.NoError(t, reg.Remove(ctx, a.ID()))
		require.NoError(t, reg.Remove(ctx, a.ID()))

		assert.Equal(t, 0, reg.Count())
		ended, err := svc.FindSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusEnded, ended.Status)

		_, err = a.FindOrCreateSession(ctx, nil)
		assert.Error(t, err)
	})

	t.Run("reaps idle clients only", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		now := time.Now()
		reg.now = func() time.Time { return now }

		idle := reg.Create()
		streaming := reg.Create()
		detach, ok := streaming.Attach()
		require.True(t, ok)
		_, ok = streaming.Attach()
		assert.False(t, ok, "a second stream is refused")

		now = now.Add(10 * time.Minute)
		active := reg.Create()

		n, err := reg.ReapIdle(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, ok = reg.Get(idle.ID())
		assert.False(t, ok)
		_, ok = reg.Get(streaming.ID())
		assert.True(t, ok)
		_, ok = reg.Get(active.ID())
		assert.True(t, ok)

		detach()
		detach()
		now = now.Add(10 * time.Minute)
		n, err = reg.ReapIdle(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.Equal(t, 0, reg.Count())
	})

	t.Run("get refreshes last seen", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		now := time.Now()
		reg.now = func() time.Time { return now }

		h := reg.Create()
		now = now.Add(4 * time.Minute)
		_, ok := reg.Get(h.ID())
		require.True(t, ok)
		now = now.Add(4 * time.Minute)

		n, err := reg.ReapIdle(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, now.Add(-4*time.Minute).UnixNano(), h.LastSeen().UnixNano())
	})

	t.Run("close all", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		for i := 0; i < 3; i++ {
			reg.Create()
		}
		reg.CloseAll(ctx)
		assert.Equal(t, 0, reg.Count())
	})
}
