package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/strangerchat/relay-server-go/internal/model"
)

type MessageRepository interface {
	FindByID(ctx context.Context, id string) (*model.Message, error)
	// ListBySession returns every message of a session in timeline order.
	ListBySession(ctx context.Context, sessionID string) ([]*model.Message, error)
	Create(ctx context.Context, params model.CreateMessageParams) (*model.Message, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
	WithTx(tx *sqlx.Tx) MessageRepository
}

type messageRepo struct {
	db sessionDB
}

func NewMessageRepository(db *sqlx.DB) MessageRepository {
	return &messageRepo{db: db}
}

func (r *messageRepo) WithTx(tx *sqlx.Tx) MessageRepository {
	return &messageRepo{db: tx}
}

func (r *messageRepo) FindByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := r.db.GetContext(ctx, &msg, r.db.Rebind(`SELECT * FROM messages WHERE id = ?`), id)
	return HandleNotFound(&msg, err)
}

func (r *messageRepo) ListBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	var msgs []*model.Message
	err := r.db.SelectContext(ctx, &msgs, r.db.Rebind(`
		SELECT * FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC, seq ASC
	`), sessionID)
	return msgs, err
}

func (r *messageRepo) Create(ctx context.Context, params model.CreateMessageParams) (*model.Message, error) {
	id := uuid.NewString()

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO messages (id, session_id, sender_id, kind, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), id, params.SessionID, params.SenderID, params.Kind, params.Content, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	msg, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s not visible after insert", id)
	}
	return msg, nil
}

func (r *messageRepo) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`
		SELECT COUNT(*) FROM messages WHERE session_id = ?
	`), sessionID)
	return count, err
}
