// Package room is the durable store for rooms, buffers, rows, things,
// equipment, agents, users, and scripts, backed by modernc.org/sqlite so
// the server carries its state in one embedded file instead of requiring
// a standalone database server.
package room

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Store is the sqlite-backed implementation of every persistence
// surface the core needs: rowlog.RowStore (via Rows), tools.Store, and
// the room/thing/agent/user/script CRUD.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if absent) a sqlite database at path and applies
// any pending migrations. path may be ":memory:" for ephemeral stores
// (tests, standalone demos).
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("room: open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: single-writer discipline at the logical level

	migrator, err := NewMigrator(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		db.Close()
		return nil, fmt.Errorf("room: apply migrations: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "room_store")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers that need a Migrator of
// their own (the migrate subcommand).
func (s *Store) DB() *sql.DB {
	return s.db
}
