package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store is the embedded relational store backing the transfer queue.
// SQLite in WAL mode with a single-connection pool: the queue is owned
// by exactly one process, and one writer connection sidesteps
// SQLITE_BUSY entirely.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the store at the given path and applies the
// schema idempotently. The connection holds an exclusive file lock, so
// a second process opening the same path fails fast instead of
// silently sharing the queue.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// Single writer; one connection also keeps the exclusive lock below
	// pinned for the process lifetime.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		if isLocked(err) {
			return nil, fmt.Errorf("store at %q is owned by another process: %w", path, err)
		}
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db:  db,
		log: slog.With("component", "store"),
	}, nil
}

// Close closes the database connection and releases the file lock.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB. Prefer WithTx for multi-row
// mutations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a single transaction. Everything that mutates
// more than one row or more than one relation goes through here.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		// Advisory single-owner lock: the first write below acquires an
		// exclusive lock that is only released when the connection
		// closes.
		"PRAGMA locking_mode = EXCLUSIVE",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	return nil
}

func isLocked(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
