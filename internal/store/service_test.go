package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
	"github.com/strangerchat/relay-server-go/internal/model"
	"github.com/strangerchat/relay-server-go/internal/notify"
	"github.com/strangerchat/relay-server-go/internal/repository"
)

func newTestService(t *testing.T) (*Service, *notify.LocalBroker) {
	t.Helper()
	db := repository.NewMemoryDB()
	broker := notify.NewLocalBroker()
	t.Cleanup(broker.Close)
	return NewService(db.Set(), db, broker), broker
}

func subscribe(t *testing.T, b *notify.LocalBroker, sessionID string) *notify.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), notify.SessionTopic(sessionID))
	require.NoError(t, err)
	return sub
}

func nextEvent(t *testing.T, sub *notify.Subscription) notify.Event {
	t.Helper()
	select {
	case ev := <-sub.Events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return notify.Event{}
	}
}

func createWaiting(t *testing.T, svc *Service, initiator string, interests ...string) *model.ChatSession {
	t.Helper()
	lookup, err := svc.FindOrCreateWaiting(context.Background(), model.CreateSessionParams{
		InitiatorID: initiator,
		Interests:   model.Interests(interests),
	}, 10)
	require.NoError(t, err)
	require.NotNil(t, lookup.Created)
	return lookup.Created
}

func TestService_FindOrCreateWaiting(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a session with the searching message", func(t *testing.T) {
		svc, _ := newTestService(t)

		session := createWaiting(t, svc, "alice", "Music")

		assert.Equal(t, model.SessionStatusWaiting, session.Status)
		msgs, err := svc.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, model.SystemTextSearching, msgs[0].Content)
		assert.Equal(t, model.SystemSenderID, msgs[0].SenderID)
		assert.Equal(t, model.MessageKindSystem, msgs[0].Kind)
	})

	t.Run("returns candidates instead of creating", func(t *testing.T) {
		svc, _ := newTestService(t)
		existing := createWaiting(t, svc, "alice")

		lookup, err := svc.FindOrCreateWaiting(ctx, model.CreateSessionParams{InitiatorID: "bob"}, 10)
		require.NoError(t, err)
		assert.Nil(t, lookup.Created)
		require.Len(t, lookup.Candidates, 1)
		assert.Equal(t, existing.ID, lookup.Candidates[0].ID)
	})

	t.Run("ignores own waiting session", func(t *testing.T) {
		svc, _ := newTestService(t)
		first := createWaiting(t, svc, "alice")

		second := createWaiting(t, svc, "alice")
		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("concurrent callers create exactly one session", func(t *testing.T) {
		svc, _ := newTestService(t)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for _, id := range []string{"a", "b"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				lookup, err := svc.FindOrCreateWaiting(ctx, model.CreateSessionParams{InitiatorID: id}, 10)
				assert.NoError(t, err)
				if lookup != nil && lookup.Created != nil {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}(id)
		}
		wg.Wait()

		assert.Equal(t, 1, created)
		count, err := svc.CountSessions(ctx, model.SessionStatusWaiting)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestService_JoinSession(t *testing.T) {
	ctx := context.Background()

	t.Run("activates and publishes session then message", func(t *testing.T) {
		svc, broker := newTestService(t)
		session := createWaiting(t, svc, "alice")
		sub := subscribe(t, broker, session.ID)

		joined, err := svc.JoinSession(ctx, session.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusActive, joined.Status)
		assert.Equal(t, "bob", *joined.PeerID)

		first := nextEvent(t, sub)
		assert.Equal(t, notify.TableSessions, first.Table)
		assert.Equal(t, notify.OpUpdate, first.Op)

		second := nextEvent(t, sub)
		assert.Equal(t, notify.TableMessages, second.Table)
		var msg model.Message
		require.NoError(t, second.Decode(&msg))
		assert.Equal(t, model.SystemTextConnected, msg.Content)
	})

	t.Run("second claimant loses the race", func(t *testing.T) {
		svc, _ := newTestService(t)
		session := createWaiting(t, svc, "alice")

		_, err := svc.JoinSession(ctx, session.ID, "bob")
		require.NoError(t, err)

		_, err = svc.JoinSession(ctx, session.ID, "carol")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRaceLost))

		msgs, err := svc.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		assert.Len(t, msgs, 2, "searching and a single connected message")
	})
}

func TestService_EndSession(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes the disconnect message before the ended session", func(t *testing.T) {
		svc, broker := newTestService(t)
		session := createWaiting(t, svc, "alice")
		_, err := svc.JoinSession(ctx, session.ID, "bob")
		require.NoError(t, err)
		sub := subscribe(t, broker, session.ID)

		ended, err := svc.EndSession(ctx, session.ID)
		require.NoError(t, err)
		assert.True(t, ended)

		first := nextEvent(t, sub)
		assert.Equal(t, notify.TableMessages, first.Table)
		var msg model.Message
		require.NoError(t, first.Decode(&msg))
		assert.Equal(t, model.SystemTextDisconnected, msg.Content)

		second := nextEvent(t, sub)
		assert.Equal(t, notify.TableSessions, second.Table)
		var row model.ChatSession
		require.NoError(t, second.Decode(&row))
		assert.Equal(t, model.SessionStatusEnded, row.Status)
	})

	t.Run("is idempotent", func(t *testing.T) {
		svc, _ := newTestService(t)
		session := createWaiting(t, svc, "alice")

		first, err := svc.EndSession(ctx, session.ID)
		require.NoError(t, err)
		second, err := svc.EndSession(ctx, session.ID)
		require.NoError(t, err)

		assert.True(t, first)
		assert.False(t, second)

		msgs, err := svc.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		disconnects := 0
		for _, m := range msgs {
			if m.Content == model.SystemTextDisconnected {
				disconnects++
			}
		}
		assert.Equal(t, 1, disconnects)
	})

	t.Run("unknown session is a no-op", func(t *testing.T) {
		svc, _ := newTestService(t)
		ended, err := svc.EndSession(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ended)
	})
}

func TestService_InsertMessage(t *testing.T) {
	ctx := context.Background()
	svc, broker := newTestService(t)
	session := createWaiting(t, svc, "alice")

	t.Run("rejects sends while waiting", func(t *testing.T) {
		_, err := svc.InsertMessage(ctx, model.CreateMessageParams{
			SessionID: session.ID, SenderID: "alice", Kind: model.MessageKindUser, Content: "hi",
		})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	})

	_, err := svc.JoinSession(ctx, session.ID, "bob")
	require.NoError(t, err)
	sub := subscribe(t, broker, session.ID)

	t.Run("inserts and publishes for participants", func(t *testing.T) {
		msg, err := svc.InsertMessage(ctx, model.CreateMessageParams{
			SessionID: session.ID, SenderID: "alice", Kind: model.MessageKindUser, Content: "hi",
		})
		require.NoError(t, err)
		assert.Equal(t, "hi", msg.Content)

		ev := nextEvent(t, sub)
		var got model.Message
		require.NoError(t, ev.Decode(&got))
		assert.Equal(t, msg.ID, got.ID)
	})

	t.Run("rejects outsiders", func(t *testing.T) {
		_, err := svc.InsertMessage(ctx, model.CreateMessageParams{
			SessionID: session.ID, SenderID: "mallory", Kind: model.MessageKindUser, Content: "hi",
		})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := svc.InsertMessage(ctx, model.CreateMessageParams{
			SessionID: "missing", SenderID: "alice", Kind: model.MessageKindUser, Content: "hi",
		})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("rejects sends after end", func(t *testing.T) {
		_, err := svc.EndSession(ctx, session.ID)
		require.NoError(t, err)

		_, err = svc.InsertMessage(ctx, model.CreateMessageParams{
			SessionID: session.ID, SenderID: "bob", Kind: model.MessageKindUser, Content: "late",
		})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	})
}

func TestService_ExpireWaiting(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	active := createWaiting(t, svc, "bob")
	_, err := svc.JoinSession(ctx, active.ID, "carol")
	require.NoError(t, err)
	stale := createWaiting(t, svc, "alice")

	expired, err := svc.ExpireWaiting(ctx, time.Now().Add(time.Second), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	found, err := svc.FindSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusEnded, found.Status)

	msgs, err := svc.ListMessages(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SystemTextExpired, msgs[len(msgs)-1].Content)

	stillActive, err := svc.FindSession(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusActive, stillActive.Status)
}

type failingRunner struct {
	err error
}

func (f failingRunner) RunInTx(ctx context.Context, fn func(repository.Set) error) error {
	return f.err
}

func (f failingRunner) Ping(ctx context.Context) error {
	return f.err
}

func TestService_StoreErrors(t *testing.T) {
	ctx := context.Background()
	db := repository.NewMemoryDB()
	svc := NewService(db.Set(), failingRunner{err: errors.New("connection refused")}, nil)

	_, err := svc.FindOrCreateWaiting(ctx, model.CreateSessionParams{InitiatorID: "a"}, 10)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStoreUnavailable))
	assert.True(t, apperrors.IsRetryable(err))

	err = svc.Ping(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStoreUnavailable))

	canceled := NewService(db.Set(), failingRunner{err: context.Canceled}, nil)
	_, err = canceled.JoinSession(ctx, "s", "p")
	assert.ErrorIs(t, err, context.Canceled)
}
