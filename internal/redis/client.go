package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// NotifyChannel is the pub/sub channel carrying events for a notify topic.
func NotifyChannel(topic string) string {
	return fmt.Sprintf("notify:%s", topic)
}

// RateLimitKey is the sorted set holding one limiter window.
func RateLimitKey(key string) string {
	return fmt.Sprintf("ratelimit:%s", key)
}
