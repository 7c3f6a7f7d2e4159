package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"absurd/internal/shared/logging"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting helpers
// like now() run inside or outside an explicit transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Engine is the durable task execution state machine described by
// spec.md. Every exported method runs as exactly one SQL transaction;
// the Engine itself holds no state between calls (spec.md §3
// "Ownership").
type Engine struct {
	db     *sql.DB
	logger logging.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger attaches a logger; the default is a no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

// Open opens (or creates) a SQLite database at path and returns an
// Engine wired to it. It does not apply migrations; call
// ApplyMigrations before first use.
func Open(path string, opts ...Option) (*Engine, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("engine: open %s: %w", path, err)
	}
	// The engine is a single-writer-at-a-time state machine by design
	// (spec.md §5); one connection keeps SQLite's own locking from
	// surfacing SQLITE_BUSY between our own transactions.
	db.SetMaxOpenConns(1)

	e := &Engine{db: db, logger: logging.Nop{}}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// New wraps an already-open *sql.DB. Used by tests and by callers that
// manage their own connection pool/driver registration.
func New(db *sql.DB, opts ...Option) *Engine {
	e := &Engine{db: db, logger: logging.Nop{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close releases the underlying database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// withTx runs fn inside a single BEGIN IMMEDIATE transaction, committing
// on success and rolling back otherwise. BEGIN IMMEDIATE acquires the
// write lock up front rather than on first write, matching spec.md §5's
// "single SQL transaction (BEGIN IMMEDIATE or equivalent)".
func (e *Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySqliteErr(err)
	}
	if _, err := tx.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = tx.Rollback()
		return classifySqliteErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classifySqliteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return classifySqliteErr(err)
	}
	return nil
}

// classifySqliteErr turns SQLITE_BUSY/SQLITE_LOCKED into BusyError
// (spec.md §7) and leaves everything else untouched.
func classifySqliteErr(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &BusyError{Err: err}
		}
	}
	return err
}

func taskIsTerminal(s TaskState) bool { return s.IsTerminal() }
