package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/strangerchat/relay-server-go/internal/redis"
)

// Broker fans Redis pub/sub messages out to local subscribers. Each topic has
// one Redis subscription shared by every local subscriber of that topic.
type Broker struct {
	redis     *redisclient.Client
	subs      *fanout
	listeners map[string]*listener
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
}

type listener struct {
	topic  string
	ready  chan struct{}
	err    error
	cancel context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:     redisClient,
		subs:      newFanout(),
		listeners: make(map[string]*listener),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe returns once Redis has confirmed the subscription, so any event
// published after Subscribe returns is delivered.
func (b *Broker) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	sub := newSubscription(topic)

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs.add(sub)
	l := b.listeners[topic]
	if l == nil {
		lctx, cancel := context.WithCancel(b.ctx)
		l = &listener{topic: topic, ready: make(chan struct{}), cancel: cancel}
		b.listeners[topic] = l
		go b.listen(lctx, l)
	}
	b.mu.Unlock()

	select {
	case <-l.ready:
	case <-ctx.Done():
		b.Unsubscribe(sub)
		return nil, fmt.Errorf("subscribe %s: %w", topic, ctx.Err())
	}

	if l.err != nil {
		b.Unsubscribe(sub)
		return nil, fmt.Errorf("subscribe %s: %w", topic, l.err)
	}

	log.Info().
		Str("topic", topic).
		Int("subscriberCount", b.subs.count(topic)).
		Msg("notify subscriber added")

	return sub, nil
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs.remove(sub, nil) {
		if l := b.listeners[sub.Topic]; l != nil {
			l.cancel()
			delete(b.listeners, sub.Topic)
		}
	}

	log.Debug().
		Str("topic", sub.Topic).
		Msg("notify subscriber removed")
}

// Publish sends events to topic in order over one pipeline.
func (b *Broker) Publish(ctx context.Context, topic string, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	channel := redisclient.NotifyChannel(topic)
	_, err := b.redis.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			p.Publish(ctx, channel, data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) listen(ctx context.Context, l *listener) {
	channel := redisclient.NotifyChannel(l.topic)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		l.err = err
		close(l.ready)
		b.dropListener(l, ErrLagged)
		log.Error().Err(err).Str("topic", l.topic).Msg("redis subscribe failed")
		return
	}
	close(l.ready)

	log.Debug().
		Str("topic", l.topic).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.ChannelWithSubscriptions()

	for {
		if b.releaseIfIdle(l) {
			return
		}

		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				b.dropListener(l, ErrLagged)
				return
			}

			switch m := msg.(type) {
			case *goredis.Subscription:
				if m.Kind != "subscribe" {
					continue
				}
				// A second confirmation means the connection was re-established
				// and messages published in between are lost.
				n := b.subs.closeTopic(l.topic, ErrLagged)
				log.Warn().
					Str("topic", l.topic).
					Int("subscriberCount", n).
					Msg("redis pubsub resubscribed, subscribers must resync")

			case *goredis.Message:
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					log.Error().Err(err).Str("topic", l.topic).Msg("failed to unmarshal event")
					continue
				}
				b.subs.deliver(l.topic, ev)
			}
		}
	}
}

// releaseIfIdle stops tracking l when no subscriber is left on its topic.
func (b *Broker) releaseIfIdle(l *listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs.count(l.topic) > 0 {
		return false
	}
	if b.listeners[l.topic] == l {
		delete(b.listeners, l.topic)
	}
	l.cancel()
	return true
}

func (b *Broker) dropListener(l *listener, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listeners[l.topic] == l {
		delete(b.listeners, l.topic)
		b.subs.closeTopic(l.topic, err)
	}
	l.cancel()
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, l := range b.listeners {
		l.cancel()
		delete(b.listeners, topic)
	}
	b.subs.closeAll(ErrClosed)
}

func (b *Broker) SubscriberCount(topic string) int {
	return b.subs.count(topic)
}

func (b *Broker) Stats() (topics, subscribers int) {
	return b.subs.total()
}
