// Package store is the persistence layer: one sqlite database accessed
// through sqlx, holding storage configs, mounts, metrics snapshots, the
// scheduler tables, the search index and its dirty queue.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/filehub/filehub/internal/dcontext"
)

// Store wraps the database handle. Methods are safe for concurrent use.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the database at dsn and ensures the schema
// per the adopt rules. ":memory:" gives an ephemeral database for tests.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", dsn, err)
	}

	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under the scheduler + handler mix.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.adoptSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	dcontext.GetLogger(ctx).Debugf("store ready at %s", dsn)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sqlx.DB { return s.db }

func nowMs() int64 {
	return time.Now().UnixMilli()
}
