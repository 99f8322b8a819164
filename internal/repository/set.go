package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/strangerchat/relay-server-go/internal/database"
)

const maxTxAttempts = 3

// Set groups the repositories one store operation works with.
type Set struct {
	Sessions SessionRepository
	Messages MessageRepository
}

func (s Set) WithTx(tx *sqlx.Tx) Set {
	return Set{
		Sessions: s.Sessions.WithTx(tx),
		Messages: s.Messages.WithTx(tx),
	}
}

// TxRunner runs fn atomically at serializable isolation. fn may run more than
// once when the database reports a conflict, so it must not have side effects
// outside the repositories it is given.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(Set) error) error
	Ping(ctx context.Context) error
}

func NewSQLSet(db *sqlx.DB) Set {
	return Set{
		Sessions: NewSessionRepository(db),
		Messages: NewMessageRepository(db),
	}
}

type sqlTxRunner struct {
	db  *database.DB
	set Set
}

func NewSQLTxRunner(db *database.DB) TxRunner {
	return &sqlTxRunner{db: db, set: NewSQLSet(db.DB)}
}

func (r *sqlTxRunner) RunInTx(ctx context.Context, fn func(Set) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = r.db.WithSerializableTx(ctx, func(tx *sqlx.Tx) error {
			return fn(r.set.WithTx(tx))
		})
		if err == nil || !database.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		log.Debug().Err(err).Int("attempt", attempt).Msg("retrying conflicted transaction")
	}
	return err
}

func (r *sqlTxRunner) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
