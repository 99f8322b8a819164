package notify

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tables that produce change events.
const (
	TableSessions = "chat_sessions"
	TableMessages = "messages"
)

// Row operations.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
)

const subscriptionBuffer = 100

var (
	// ErrLagged closes a subscription that missed events, either because its
	// buffer filled up or because the underlying connection was re-established.
	// The subscriber should resubscribe and reload.
	ErrLagged = errors.New("subscription lagged")
	// ErrClosed closes every subscription when the broker shuts down.
	ErrClosed = errors.New("broker closed")
)

// Event describes one committed row change.
type Event struct {
	Table string          `json:"table"`
	Op    string          `json:"op"`
	Row   json.RawMessage `json:"row"`
}

func NewEvent(table, op string, row any) (Event, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s row: %w", table, err)
	}
	return Event{Table: table, Op: op, Row: data}, nil
}

// Decode unmarshals the row into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Row, v)
}

// SessionTopic is the topic carrying changes for one chat session.
func SessionTopic(sessionID string) string {
	return "room:" + sessionID
}
