// Package sqlite provides a durable single-node kv.Store on a local SQLite
// file. It covers deployments without a Redis instance: state still survives
// process restarts, at the cost of being tied to one machine.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bolbill/bolbill/internal/kv"
)

var errKeyEmpty = errors.New("key cannot be empty")

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at) WHERE expires_at > 0;
`

// defaultSweepInterval is how often expired rows are purged.
const defaultSweepInterval = 1 * time.Minute

// Store implements kv.Store on a SQLite database.
// Expired rows are ignored on read and purged by a background sweep.
type Store struct {
	db   *sql.DB
	done chan struct{}
}

// Open creates or opens the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite handles one writer at a time; serialize access through a
	// single connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s := &Store{db: db, done: make(chan struct{})}
	go s.sweepLoop()
	return s, nil
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errKeyEmpty
	}

	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", key, err)
	}

	if expiresAt > 0 && time.Now().UnixMilli() > expiresAt {
		// Lazy expiry: the sweep will remove the row eventually.
		return nil, kv.ErrNotFound
	}

	return value, nil
}

// Set stores value under key with the given TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errKeyEmpty
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}

	return nil
}

// Delete removes a key. Idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errKeyEmpty
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}

	return nil
}

// Close stops the sweep goroutine and closes the database.
func (s *Store) Close() error {
	close(s.done)
	return s.db.Close()
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
	now := time.Now().UnixMilli()
	// Best effort; failed sweeps retry on the next tick.
	_, _ = s.db.Exec(`DELETE FROM kv WHERE expires_at > 0 AND expires_at < ?`, now)
}
