package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/strangerchat/relay-server-go/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.ChatSession, error)
	// ListWaiting returns up to limit waiting sessions not started by
	// excludeInitiatorID, oldest first.
	ListWaiting(ctx context.Context, excludeInitiatorID string, limit int) ([]*model.ChatSession, error)
	ListWaitingBefore(ctx context.Context, before time.Time, limit int) ([]*model.ChatSession, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.ChatSession, error)
	// Join claims a waiting session for peerID. It returns nil when the
	// session is no longer claimable.
	Join(ctx context.Context, id string, peerID string) (*model.ChatSession, error)
	// MarkEnded ends a session that is not ended yet. It returns nil when
	// nothing changed.
	MarkEnded(ctx context.Context, id string) (*model.ChatSession, error)
	// ExpireWaiting ends a session only while it is still waiting.
	ExpireWaiting(ctx context.Context, id string) (*model.ChatSession, error)
	CountByStatus(ctx context.Context, status model.SessionStatus) (int, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

// sessionDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
}

type sessionRepo struct {
	db sessionDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.ChatSession, error) {
	var session model.ChatSession
	err := r.db.GetContext(ctx, &session, r.db.Rebind(`
		SELECT * FROM chat_sessions WHERE id = ?
	`), id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) ListWaiting(ctx context.Context, excludeInitiatorID string, limit int) ([]*model.ChatSession, error) {
	var sessions []*model.ChatSession
	err := r.db.SelectContext(ctx, &sessions, r.db.Rebind(`
		SELECT * FROM chat_sessions
		WHERE status = 'waiting' AND peer_id IS NULL AND initiator_id <> ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`), excludeInitiatorID, limit)
	return sessions, err
}

func (r *sessionRepo) ListWaitingBefore(ctx context.Context, before time.Time, limit int) ([]*model.ChatSession, error) {
	var sessions []*model.ChatSession
	err := r.db.SelectContext(ctx, &sessions, r.db.Rebind(`
		SELECT * FROM chat_sessions
		WHERE status = 'waiting' AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`), before.UTC(), limit)
	return sessions, err
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.ChatSession, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	interests := params.Interests
	if interests == nil {
		interests = model.Interests{}
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO chat_sessions (id, status, initiator_id, interests, created_at, updated_at)
		VALUES (?, 'waiting', ?, ?, ?, ?)
	`), id, params.InitiatorID, interests, now, now)
	if err != nil {
		return nil, err
	}

	session, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %s not visible after insert", id)
	}
	return session, nil
}

func (r *sessionRepo) Join(ctx context.Context, id string, peerID string) (*model.ChatSession, error) {
	return r.updateOne(ctx, id, `
		UPDATE chat_sessions SET
			status = 'active',
			peer_id = ?,
			updated_at = ?
		WHERE id = ? AND status = 'waiting' AND peer_id IS NULL AND initiator_id <> ?
	`, peerID, time.Now().UTC(), id, peerID)
}

func (r *sessionRepo) MarkEnded(ctx context.Context, id string) (*model.ChatSession, error) {
	now := time.Now().UTC()
	return r.updateOne(ctx, id, `
		UPDATE chat_sessions SET
			status = 'ended',
			ended_at = ?,
			updated_at = ?
		WHERE id = ? AND status <> 'ended'
	`, now, now, id)
}

func (r *sessionRepo) ExpireWaiting(ctx context.Context, id string) (*model.ChatSession, error) {
	now := time.Now().UTC()
	return r.updateOne(ctx, id, `
		UPDATE chat_sessions SET
			status = 'ended',
			ended_at = ?,
			updated_at = ?
		WHERE id = ? AND status = 'waiting'
	`, now, now, id)
}

// updateOne runs a conditional update and reloads the row when it applied.
func (r *sessionRepo) updateOne(ctx context.Context, id string, query string, args ...any) (*model.ChatSession, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return r.FindByID(ctx, id)
}

func (r *sessionRepo) CountByStatus(ctx context.Context, status model.SessionStatus) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`
		SELECT COUNT(*) FROM chat_sessions WHERE status = ?
	`), status)
	return count, err
}
