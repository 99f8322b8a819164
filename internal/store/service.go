package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/strangerchat/relay-server-go/internal/audit"
	"github.com/strangerchat/relay-server-go/internal/database"
	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
	"github.com/strangerchat/relay-server-go/internal/model"
	"github.com/strangerchat/relay-server-go/internal/notify"
	"github.com/strangerchat/relay-server-go/internal/repository"
)

// Publisher receives the change events of committed writes.
type Publisher interface {
	Publish(ctx context.Context, topic string, events ...notify.Event) error
}

// Service is the chat data store. Every write runs in one transaction and
// its row changes are published on the session topic after commit, in write
// order.
type Service struct {
	repos repository.Set
	tx    repository.TxRunner
	pub   Publisher
}

func NewService(repos repository.Set, tx repository.TxRunner, pub Publisher) *Service {
	return &Service{
		repos: repos,
		tx:    tx,
		pub:   pub,
	}
}

// changes collects row events inside a transaction attempt.
type changes []notify.Event

func (c *changes) add(table, op string, row any) error {
	ev, err := notify.NewEvent(table, op, row)
	if err != nil {
		return err
	}
	*c = append(*c, ev)
	return nil
}

// FindOrCreateWaiting lists claimable sessions for params.InitiatorID. When
// none exist it creates a waiting session with the searching message instead.
// Both happen in one serializable transaction, so concurrent callers with
// nothing waiting create a single session between them.
func (s *Service) FindOrCreateWaiting(ctx context.Context, params model.CreateSessionParams, limit int) (*model.SessionLookup, error) {
	var (
		lookup *model.SessionLookup
		events changes
	)

	err := s.tx.RunInTx(ctx, func(repos repository.Set) error {
		lookup, events = nil, nil

		candidates, err := repos.Sessions.ListWaiting(ctx, params.InitiatorID, limit)
		if err != nil {
			return err
		}
		if len(candidates) > 0 {
			lookup = &model.SessionLookup{Candidates: candidates}
			return nil
		}

		session, err := repos.Sessions.Create(ctx, params)
		if err != nil {
			return err
		}
		msg, err := repos.Messages.Create(ctx, model.SystemMessage(session.ID, model.SystemTextSearching))
		if err != nil {
			return err
		}

		lookup = &model.SessionLookup{Created: session}
		if err := events.add(notify.TableSessions, notify.OpInsert, session); err != nil {
			return err
		}
		return events.add(notify.TableMessages, notify.OpInsert, msg)
	})
	if err != nil {
		return nil, storeError("find or create session", err)
	}

	if lookup.Created != nil {
		s.publish(ctx, lookup.Created.ID, events)
		audit.Log(ctx, audit.Event{
			Type:      audit.EventSessionCreated,
			ClientID:  params.InitiatorID,
			SessionID: lookup.Created.ID,
			Details:   map[string]interface{}{"interests": []string(lookup.Created.Interests)},
		})
	}

	return lookup, nil
}

// JoinSession claims a waiting session for peerID and appends the connected
// message. A session that is no longer claimable yields a RACE_LOST error.
func (s *Service) JoinSession(ctx context.Context, sessionID, peerID string) (*model.ChatSession, error) {
	var (
		joined *model.ChatSession
		events changes
	)

	err := s.tx.RunInTx(ctx, func(repos repository.Set) error {
		joined, events = nil, nil

		session, err := repos.Sessions.Join(ctx, sessionID, peerID)
		if err != nil {
			return err
		}
		if session == nil {
			return apperrors.RaceLost(sessionID)
		}
		msg, err := repos.Messages.Create(ctx, model.SystemMessage(sessionID, model.SystemTextConnected))
		if err != nil {
			return err
		}

		joined = session
		if err := events.add(notify.TableSessions, notify.OpUpdate, session); err != nil {
			return err
		}
		return events.add(notify.TableMessages, notify.OpInsert, msg)
	})
	if err != nil {
		return nil, storeError("join session", err)
	}

	s.publish(ctx, sessionID, events)
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionJoined,
		ClientID:  peerID,
		SessionID: sessionID,
	})

	return joined, nil
}

// EndSession ends a session and appends the disconnected message. It reports
// whether this call changed anything; ending an ended session is a no-op.
func (s *Service) EndSession(ctx context.Context, sessionID string) (bool, error) {
	return s.end(ctx, sessionID, false)
}

func (s *Service) end(ctx context.Context, sessionID string, expire bool) (bool, error) {
	var events changes

	err := s.tx.RunInTx(ctx, func(repos repository.Set) error {
		events = nil

		var (
			session *model.ChatSession
			err     error
			text    = model.SystemTextDisconnected
		)
		if expire {
			session, err = repos.Sessions.ExpireWaiting(ctx, sessionID)
			text = model.SystemTextExpired
		} else {
			session, err = repos.Sessions.MarkEnded(ctx, sessionID)
		}
		if err != nil || session == nil {
			return err
		}

		msg, err := repos.Messages.Create(ctx, model.SystemMessage(sessionID, text))
		if err != nil {
			return err
		}

		// The message goes out first so subscribers still accept it before
		// they see the session end.
		if err := events.add(notify.TableMessages, notify.OpInsert, msg); err != nil {
			return err
		}
		return events.add(notify.TableSessions, notify.OpUpdate, session)
	})
	if err != nil {
		return false, storeError("end session", err)
	}
	if len(events) == 0 {
		return false, nil
	}

	s.publish(ctx, sessionID, events)

	eventType := audit.EventSessionEnded
	if expire {
		eventType = audit.EventSessionExpired
	}
	audit.Log(ctx, audit.Event{Type: eventType, SessionID: sessionID})

	return true, nil
}

// ExpireWaiting ends sessions that have been waiting since before the cutoff.
func (s *Service) ExpireWaiting(ctx context.Context, before time.Time, limit int) (int64, error) {
	stale, err := s.repos.Sessions.ListWaitingBefore(ctx, before, limit)
	if err != nil {
		return 0, storeError("list stale sessions", err)
	}

	var expired int64
	for _, session := range stale {
		ok, err := s.end(ctx, session.ID, true)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) FindSession(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	session, err := s.repos.Sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, storeError("find session", err)
	}
	return session, nil
}

// InsertMessage appends a user message. The session must be active and the
// sender one of its participants.
func (s *Service) InsertMessage(ctx context.Context, params model.CreateMessageParams) (*model.Message, error) {
	var (
		created *model.Message
		events  changes
	)

	err := s.tx.RunInTx(ctx, func(repos repository.Set) error {
		created, events = nil, nil

		session, err := repos.Sessions.FindByID(ctx, params.SessionID)
		if err != nil {
			return err
		}
		if session == nil {
			return apperrors.NotFound("Session")
		}
		if !session.IsActive() {
			return apperrors.InvalidInput("session", "session is not active")
		}
		if !session.HasParticipant(params.SenderID) {
			return apperrors.InvalidInput("sender", "not a participant of this session")
		}

		msg, err := repos.Messages.Create(ctx, params)
		if err != nil {
			return err
		}
		created = msg
		return events.add(notify.TableMessages, notify.OpInsert, msg)
	})
	if err != nil {
		return nil, storeError("insert message", err)
	}

	s.publish(ctx, params.SessionID, events)
	return created, nil
}

// ListMessages returns a session's messages ordered by (created_at, seq).
func (s *Service) ListMessages(ctx context.Context, sessionID string) ([]*model.Message, error) {
	msgs, err := s.repos.Messages.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, storeError("list messages", err)
	}
	return msgs, nil
}

func (s *Service) CountSessions(ctx context.Context, status model.SessionStatus) (int, error) {
	count, err := s.repos.Sessions.CountByStatus(ctx, status)
	if err != nil {
		return 0, storeError("count sessions", err)
	}
	return count, nil
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.tx.Ping(ctx); err != nil {
		return storeError("ping", err)
	}
	return nil
}

// publish delivers committed changes. The write already happened, so a failed
// publish is logged and subscribers recover on their next resync.
func (s *Service) publish(ctx context.Context, sessionID string, events changes) {
	if s.pub == nil || len(events) == 0 {
		return
	}
	topic := notify.SessionTopic(sessionID)
	if err := s.pub.Publish(context.WithoutCancel(ctx), topic, events...); err != nil {
		log.Error().
			Err(err).
			Str("sessionId", sessionID).
			Str("topic", topic).
			Int("eventCount", len(events)).
			Msg("failed to publish session changes")
	}
}

func storeError(op string, err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if database.IsRetryable(err) {
		return apperrors.Conflict(fmt.Sprintf("Concurrent update during %s", op)).WithCause(err)
	}
	return apperrors.StoreUnavailable(op, err)
}
