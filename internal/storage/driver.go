// Package storage provides the SQLite storage layer for the Inkstone engine.
//
// It manages a bounded connection pool over a black-box datastore driver,
// transactional units of work that bind repositories to one leased
// connection, and query methods for the operations, logs, config, content,
// and domain-event tables.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Conn is one live datastore connection. The pool owns every Conn it hands
// out; callers must not close a leased Conn directly.
//
// *sql.Conn satisfies this interface; tests substitute fakes.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
}

// Execer is the subset of Conn shared with *sql.Tx. Repository write methods
// take an Execer so they work identically inside and outside a transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Driver opens connections to the datastore. The pool treats it as a black
// box that "opens a connection, executes SQL, reports success or failure".
type Driver interface {
	Connect(ctx context.Context) (Conn, error)
	Close() error
}

// SQLiteDriver is the production Driver over an embedded SQLite database.
type SQLiteDriver struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the SQLite database at path and configures it
// for concurrent access. Pass ":memory:" for an in-memory database (tests).
// maxConns caps connections at the database/sql level; it should match the
// pool's MaxConns so the pool stays the single authority on concurrency.
func OpenSQLite(path string, maxConns int) (*SQLiteDriver, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create data directory: %w", err)
		}
	} else {
		// A plain ":memory:" DSN gives every connection its own private
		// database. Shared cache keeps all pool connections on one database.
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	// WAL for concurrent readers, busy_timeout so lock contention waits
	// briefly instead of failing immediately.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}
	return &SQLiteDriver{db: db}, nil
}

// Connect checks out a dedicated connection from the underlying database.
func (d *SQLiteDriver) Connect(ctx context.Context) (Conn, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: open connection: %w", err)
	}
	return conn, nil
}

// Close shuts the underlying database down. Call only after the pool has
// closed every connection.
func (d *SQLiteDriver) Close() error {
	return d.db.Close()
}
