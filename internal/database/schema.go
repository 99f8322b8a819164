package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('waiting', 'active', 'ended')),
		initiator_id TEXT NOT NULL,
		peer_id TEXT,
		interests JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		CHECK (peer_id IS NULL OR peer_id <> initiator_id)
	)`,
	`CREATE INDEX IF NOT EXISTS chat_sessions_waiting_idx
		ON chat_sessions (created_at) WHERE status = 'waiting'`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id),
		sender_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('user', 'system')),
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_session_idx
		ON messages (session_id, created_at, seq)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('waiting', 'active', 'ended')),
		initiator_id TEXT NOT NULL,
		peer_id TEXT,
		interests TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		ended_at DATETIME,
		CHECK (peer_id IS NULL OR peer_id <> initiator_id)
	)`,
	`CREATE INDEX IF NOT EXISTS chat_sessions_waiting_idx
		ON chat_sessions (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id),
		sender_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('user', 'system')),
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_session_idx
		ON messages (session_id, created_at, seq)`,
}

// Migrate creates the chat tables for the connected dialect. It is safe to
// run repeatedly.
func (db *DB) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if db.IsSQLite() {
		stmts = sqliteSchema
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	log.Info().Str("driver", db.DriverName()).Int("statements", len(stmts)).Msg("schema applied")
	return nil
}
