package model

import (
	"time"
)

// SystemSenderID is the sender of synthetic lifecycle messages.
const SystemSenderID = "system"

// MaxMessageLength caps user message content, in runes.
const MaxMessageLength = 2000

const (
	SystemTextSearching    = "Looking for someone to chat with..."
	SystemTextConnected    = "You are now connected to a stranger! Say hello!"
	SystemTextDisconnected = "Stranger has disconnected."
	SystemTextExpired      = "No one showed up this time. Start a new chat to keep looking."
)

type Message struct {
	Seq       int64       `db:"seq" json:"seq"`
	ID        string      `db:"id" json:"id"`
	SessionID string      `db:"session_id" json:"sessionId"`
	SenderID  string      `db:"sender_id" json:"senderId"`
	Kind      MessageKind `db:"kind" json:"kind"`
	Content   string      `db:"content" json:"content"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"`
}

// Before orders messages by creation time, then by store sequence.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Seq < other.Seq
}

func (m *Message) IsSystem() bool {
	return m.Kind == MessageKindSystem
}

type CreateMessageParams struct {
	SessionID string
	SenderID  string
	Kind      MessageKind
	Content   string
}

// SystemMessage builds the params for a synthetic message in sessionID.
func SystemMessage(sessionID, text string) CreateMessageParams {
	return CreateMessageParams{
		SessionID: sessionID,
		SenderID:  SystemSenderID,
		Kind:      MessageKindSystem,
		Content:   text,
	}
}
