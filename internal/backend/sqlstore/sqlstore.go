// Package sqlstore is the relational adapter, backed by SQLite. The table
// layout is derived from the schema at open time: one table per entity,
// one shared association table per undirected relation pair, and a
// dedicated audit table. Sessions map directly onto database transactions,
// giving true atomicity.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/roach88/configdb/internal/backend"
	"github.com/roach88/configdb/internal/dberr"
	"github.com/roach88/configdb/internal/schema"
)

// Store provides durable storage on a single SQLite database file.
type Store struct {
	db     *sql.DB
	schema *schema.Schema
	logger *slog.Logger
}

// Open creates or opens the database at path and applies the schema-derived
// layout. Idempotent: every DDL statement is IF NOT EXISTS.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - foreign key enforcement (association rows follow their objects)
//   - case-sensitive LIKE, so substring criteria match the reference filter
func Open(path string, sch *schema.Schema, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	// SQLite supports one writer at a time; keep a single connection to
	// avoid SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	for _, stmt := range generateDDL(sch) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply layout: %w", err)
		}
	}

	return &Store{db: db, schema: sch, logger: logger.With("backend", "sqlite")}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA case_sensitive_like = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// WithSession implements backend.Interface. The session wraps a native
// transaction: commit on normal return, rollback when fn errors.
func (s *Store) WithSession(ctx context.Context, fn func(backend.Session) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dberr.NewStorage(err)
	}
	sess := &session{store: s, tx: tx}
	if err := fn(sess); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate(err)
	}
	return nil
}

// SupportsAudit implements backend.Interface.
func (s *Store) SupportsAudit() bool { return true }

// Close implements backend.Interface.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// translate maps driver errors into the shared taxonomy; nothing below
// database/sql leaks past the adapter.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var derr *dberr.Error
	if errors.As(err, &derr) {
		return err
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		if serr.Code == sqlite3.ErrConstraint {
			return dberr.NewIntegrity("constraint violated: %v", serr)
		}
	}
	return dberr.NewStorage(err)
}
