package notify

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// LocalBroker delivers events in-process. Publish fans out synchronously, so
// events reach subscribers in publish order.
type LocalBroker struct {
	subs   *fanout
	closed atomic.Bool
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: newFanout()}
}

func (b *LocalBroker) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := newSubscription(topic)
	b.subs.add(sub)

	log.Debug().
		Str("topic", topic).
		Int("subscriberCount", b.subs.count(topic)).
		Msg("local subscriber added")

	return sub, nil
}

func (b *LocalBroker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.subs.remove(sub, nil)
}

func (b *LocalBroker) Publish(ctx context.Context, topic string, events ...Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	for _, ev := range events {
		b.subs.deliver(topic, ev)
	}
	return nil
}

func (b *LocalBroker) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.subs.closeAll(ErrClosed)
}

func (b *LocalBroker) SubscriberCount(topic string) int {
	return b.subs.count(topic)
}

func (b *LocalBroker) Stats() (topics, subscribers int) {
	return b.subs.total()
}
