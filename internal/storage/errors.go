package storage

import (
	"errors"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrPoolExhausted is returned when Acquire times out waiting for a free
	// connection. Callers may retry; the pool itself never retries.
	ErrPoolExhausted = errors.New("storage: connection pool exhausted")

	// ErrPoolClosed is returned by Acquire after Close has been called.
	ErrPoolClosed = errors.New("storage: pool is closed")

	// ErrTxActive is returned by Begin on a unit of work that already has an
	// open transaction. Nesting is not supported.
	ErrTxActive = errors.New("storage: transaction already active")

	// ErrTxDone is returned by Commit or Rollback after the transaction has
	// already been finished.
	ErrTxDone = errors.New("storage: transaction already finished")
)

// IsTransient reports whether err is a transient SQLite failure (lock or busy
// contention) that is safe to retry. Everything else, including constraint
// violations, is permanent.
func IsTransient(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	// Mask extended result codes (SQLITE_BUSY_SNAPSHOT etc.) down to the
	// primary code.
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}
