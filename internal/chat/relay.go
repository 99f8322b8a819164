package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/strangerchat/relay-server-go/internal/model"
)

// Relay moves user messages into the store and loads session history.
type Relay struct {
	store Store
}

func NewRelay(store Store) *Relay {
	return &Relay{store: store}
}

// Send inserts content as a user message. Blank content and sessions that are
// not active yield (nil, nil).
func (r *Relay) Send(ctx context.Context, session *model.ChatSession, senderID, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" || !session.IsActive() {
		return nil, nil
	}

	msg, err := r.store.InsertMessage(ctx, model.CreateMessageParams{
		SessionID: session.ID,
		SenderID:  senderID,
		Kind:      model.MessageKindUser,
		Content:   content,
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// Load returns the current session row and its full history.
func (r *Relay) Load(ctx context.Context, sessionID string) (*model.ChatSession, []*model.Message, error) {
	session, err := r.store.FindSession(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	msgs, err := r.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	return session, msgs, nil
}
