// Package viewlog rate-limits announcement view counting so one reader
// refreshing a page does not inflate the view log.
package viewlog

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedupe remembers (announcement, client) pairs for a TTL window.
type RedisDedupe struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDedupe creates a Redis-backed view dedupe store.
func NewRedisDedupe(redisURL string, ttl time.Duration) (*RedisDedupe, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisDedupeWithClient(client, ttl), nil
}

// NewRedisDedupeWithClient creates a store from an existing Redis client.
func NewRedisDedupeWithClient(client *redis.Client, ttl time.Duration) *RedisDedupe {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisDedupe{client: client, prefix: "view:", ttl: ttl}
}

func (s *RedisDedupe) key(announcementID, clientKey string) string {
	return s.prefix + announcementID + ":" + clientKey
}

// FirstView reports whether this client has not viewed the announcement within
// the dedupe window, marking the pair as seen when it is fresh.
func (s *RedisDedupe) FirstView(ctx context.Context, announcementID, clientKey string) (bool, error) {
	fresh, err := s.client.SetNX(ctx, s.key(announcementID, clientKey), "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark view: %w", err)
	}
	return fresh, nil
}

// Close releases the underlying Redis connection.
func (s *RedisDedupe) Close() error {
	return s.client.Close()
}
