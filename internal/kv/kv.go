// Package kv defines the TTL-capable key/value boundary that conversation
// state sits on. Backends only need get/set-with-expiry semantics with
// last-write-wins consistency; no compare-and-swap is required.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or its TTL has lapsed.
// Callers treat both cases identically.
var ErrNotFound = errors.New("kv: key not found")

// Store is the interface for pluggable TTL key/value backends.
type Store interface {
	// Get retrieves the value stored under key.
	// Returns ErrNotFound if the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with a rolling time-to-live.
	// A ttl of zero stores the value without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
