package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, table, op string, row any) Event {
	t.Helper()
	ev, err := NewEvent(table, op, row)
	require.NoError(t, err)
	return ev
}

func TestLocalBroker(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers events in publish order", func(t *testing.T) {
		b := NewLocalBroker()
		defer b.Close()

		sub, err := b.Subscribe(ctx, SessionTopic("s1"))
		require.NoError(t, err)

		first := mustEvent(t, TableMessages, OpInsert, map[string]string{"id": "m1"})
		second := mustEvent(t, TableSessions, OpUpdate, map[string]string{"id": "s1"})
		require.NoError(t, b.Publish(ctx, SessionTopic("s1"), first, second))

		assert.Equal(t, first, <-sub.Events)
		assert.Equal(t, second, <-sub.Events)
	})

	t.Run("does not deliver to other topics", func(t *testing.T) {
		b := NewLocalBroker()
		defer b.Close()

		sub, err := b.Subscribe(ctx, SessionTopic("s1"))
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, SessionTopic("s2"), mustEvent(t, TableMessages, OpInsert, nil)))
		assert.Empty(t, sub.Events)
	})

	t.Run("unsubscribe closes Done without error", func(t *testing.T) {
		b := NewLocalBroker()
		defer b.Close()

		sub, err := b.Subscribe(ctx, "room:s1")
		require.NoError(t, err)
		assert.Equal(t, 1, b.SubscriberCount("room:s1"))

		b.Unsubscribe(sub)
		b.Unsubscribe(sub)

		<-sub.Done
		assert.NoError(t, sub.Err())
		assert.Equal(t, 0, b.SubscriberCount("room:s1"))
	})

	t.Run("full buffer closes the subscription as lagged", func(t *testing.T) {
		b := NewLocalBroker()
		defer b.Close()

		sub, err := b.Subscribe(ctx, "room:s1")
		require.NoError(t, err)

		ev := mustEvent(t, TableMessages, OpInsert, nil)
		for i := 0; i < subscriptionBuffer+1; i++ {
			require.NoError(t, b.Publish(ctx, "room:s1", ev))
		}

		<-sub.Done
		assert.ErrorIs(t, sub.Err(), ErrLagged)
		assert.Len(t, sub.Events, subscriptionBuffer)
		assert.Equal(t, 0, b.SubscriberCount("room:s1"))
	})

	t.Run("close ends every subscription", func(t *testing.T) {
		b := NewLocalBroker()

		a, err := b.Subscribe(ctx, "room:a")
		require.NoError(t, err)
		c, err := b.Subscribe(ctx, "room:b")
		require.NoError(t, err)

		topics, subs := b.Stats()
		assert.Equal(t, 2, topics)
		assert.Equal(t, 2, subs)

		b.Close()

		<-a.Done
		<-c.Done
		assert.ErrorIs(t, a.Err(), ErrClosed)
		assert.ErrorIs(t, b.Publish(ctx, "room:a"), ErrClosed)

		_, err = b.Subscribe(ctx, "room:a")
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("subscribe honours a cancelled context", func(t *testing.T) {
		b := NewLocalBroker()
		defer b.Close()

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := b.Subscribe(cctx, "room:a")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestEventDecode(t *testing.T) {
	ev := mustEvent(t, TableSessions, OpUpdate, map[string]string{"status": "ended"})

	var row struct {
		Status string `json:"status"`
	}
	require.NoError(t, ev.Decode(&row))
	assert.Equal(t, "ended", row.Status)
	assert.Equal(t, "room:abc", SessionTopic("abc"))
}
