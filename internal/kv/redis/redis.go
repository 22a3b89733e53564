// Package redis provides the production kv.Store backed by a shared Redis
// instance. Conversation state written here survives process restarts and
// transport reconnects; Redis native key expiry implements the rolling TTL.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bolbill/bolbill/internal/kv"
)

var errKeyEmpty = errors.New("key cannot be empty")

// Store implements kv.Store on top of go-redis.
type Store struct {
	client *redis.Client
}

// New connects to Redis at the given URL (redis://host:port/db) and verifies
// the connection with a ping.
func New(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client. Useful for tests with miniredis
// or preconfigured connection pools.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errKeyEmpty
	}

	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	return value, nil
}

// Set stores value under key with the given TTL. Redis interprets a zero
// expiration as "no expiry", matching the kv.Store contract.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errKeyEmpty
	}

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}

	return nil
}

// Delete removes a key. Idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errKeyEmpty
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}

	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
