// Package store is the durable record layer: users, senders, batches,
// messages, and rate counters over PostgreSQL. All access is raw SQL through
// database/sql; message status transitions are guarded UPDATEs so illegal
// transitions fail instead of silently clobbering terminal states.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a row does not exist or is not visible to
	// the requesting user.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a uniqueness or domain invariant would be
	// violated (duplicate sender email, deleting the last sender).
	ErrConflict = errors.New("store: conflict")

	// ErrIllegalTransition is returned when a guarded status UPDATE matches no
	// row because the message is in a state the transition does not accept.
	ErrIllegalTransition = errors.New("store: illegal status transition")
)

// Store wraps the database handle shared by the coordinator, the workers and
// the HTTP layer.
type Store struct {
	db *sql.DB
}

// New wraps an existing database handle. Tests pass a sqlmock handle here.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL, configures the pool and verifies the
// connection.
func Open(ctx context.Context, url string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for components that share the pool (the
// persistent queue lives in the same database).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }
