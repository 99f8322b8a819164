package chat

import (
	"github.com/strangerchat/relay-server-go/internal/model"
)

type UpdateType string

const (
	UpdateSnapshot   UpdateType = "snapshot"
	UpdateSession    UpdateType = "session"
	UpdateMessage    UpdateType = "message"
	UpdateConnecting UpdateType = "connecting"
)

// State is everything a client shows: its id, the current session, the
// ordered messages of that session and whether it is still connecting.
type State struct {
	ClientID     string             `json:"clientId"`
	Session      *model.ChatSession `json:"session"`
	Messages     []*model.Message   `json:"messages"`
	IsConnecting bool               `json:"isConnecting"`
}

// Update is one state change. Snapshot updates carry the full State and
// replace whatever the consumer had.
type Update struct {
	Type         UpdateType         `json:"type"`
	Session      *model.ChatSession `json:"session,omitempty"`
	Message      *model.Message     `json:"message,omitempty"`
	IsConnecting *bool              `json:"isConnecting,omitempty"`
	State        *State             `json:"state,omitempty"`
}
