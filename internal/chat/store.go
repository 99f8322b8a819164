package chat

import (
	"context"

	"github.com/strangerchat/relay-server-go/internal/model"
	"github.com/strangerchat/relay-server-go/internal/notify"
)

// Store is the durable side of a chat: sessions and their messages.
type Store interface {
	FindOrCreateWaiting(ctx context.Context, params model.CreateSessionParams, limit int) (*model.SessionLookup, error)
	JoinSession(ctx context.Context, sessionID, peerID string) (*model.ChatSession, error)
	EndSession(ctx context.Context, sessionID string) (bool, error)
	FindSession(ctx context.Context, sessionID string) (*model.ChatSession, error)
	InsertMessage(ctx context.Context, params model.CreateMessageParams) (*model.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]*model.Message, error)
}

// Channel delivers row changes per topic.
type Channel interface {
	Subscribe(ctx context.Context, topic string) (*notify.Subscription, error)
	Unsubscribe(sub *notify.Subscription)
}
