package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/strangerchat/relay-server-go/internal/config"
	"github.com/strangerchat/relay-server-go/internal/database"
	"github.com/strangerchat/relay-server-go/internal/notify"
	"github.com/strangerchat/relay-server-go/internal/ratelimit"
	"github.com/strangerchat/relay-server-go/internal/redis"
	"github.com/strangerchat/relay-server-go/internal/repository"
	"github.com/strangerchat/relay-server-go/internal/store"
)

// notifier is the notification channel as the server uses it: chat clients
// subscribe, the store publishes and health reports its size.
type notifier interface {
	Subscribe(ctx context.Context, topic string) (*notify.Subscription, error)
	Unsubscribe(sub *notify.Subscription)
	Publish(ctx context.Context, topic string, events ...notify.Event) error
	Stats() (topics, subscribers int)
	Close()
}

type backend struct {
	store   *store.Service
	channel notifier
	limiter ratelimit.Limiter
	closers []func()
}

// newBackend connects the configured store and notification channel. The
// rate limiter uses Redis whenever REDIS_URL is set.
func newBackend(ctx context.Context, c *config.Config) (*backend, error) {
	b := &backend{}

	var redisClient *redis.Client
	if c.RedisURL != "" {
		client, err := redis.NewClient(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		redisClient = client
		b.closers = append(b.closers, func() { client.Close() })
		log.Info().Msg("redis connected")
	}

	switch c.NotifyDriver {
	case config.NotifyDriverRedis:
		b.channel = notify.NewBroker(redisClient)
	default:
		b.channel = notify.NewLocalBroker()
	}
	b.closers = append(b.closers, b.channel.Close)

	if redisClient != nil {
		b.limiter = ratelimit.NewRedisLimiter(redisClient)
	} else {
		b.limiter = ratelimit.NewMemoryLimiter()
	}

	switch c.StoreDriver {
	case config.StoreDriverMemory:
		mem := repository.NewMemoryDB()
		b.store = store.NewService(mem.Set(), mem, b.channel)
		log.Warn().Msg("using in-memory store: sessions are lost on restart")
	default:
		db, err := openDatabase(ctx, c)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { db.Close() })
		if c.MigrateOnStart() {
			if err := db.Migrate(ctx); err != nil {
				b.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		b.store = store.NewService(repository.NewSQLSet(db.DB), repository.NewSQLTxRunner(db), b.channel)
	}

	return b, nil
}

func openDatabase(ctx context.Context, c *config.Config) (*database.DB, error) {
	db, err := database.Open(c.StoreDriver, c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.DBPingTimeout)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info().Str("driver", c.StoreDriver).Msg("database connected")
	return db, nil
}

// Close releases connections in reverse order of creation.
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
