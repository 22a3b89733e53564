// Package memory provides an in-memory kv.Store for tests and single-node
// development deployments.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bolbill/bolbill/internal/kv"
)

var errKeyEmpty = errors.New("key cannot be empty")

// defaultSweepInterval is how often the background sweep removes expired entries.
const defaultSweepInterval = 1 * time.Minute

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Store implements kv.Store using an in-process map.
// Expired entries are dropped lazily on Get and by a background sweep.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	done    chan struct{}
}

// New creates an in-memory store and starts its expiry sweep goroutine.
func New() *Store {
	s := &Store{
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errKeyEmpty
	}

	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, kv.ErrNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, kv.ErrNotFound
	}

	// Return a copy to prevent external modifications
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, nil
}

// Set stores value under key with the given TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errKeyEmpty
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	e := entry{value: stored}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()

	return nil
}

// Delete removes a key. Idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errKeyEmpty
	}

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	return nil
}

// Close stops the expiry sweep goroutine.
func (s *Store) Close() error {
	close(s.done)
	return nil
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}
