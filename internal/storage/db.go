package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// DB is the storage façade: a pool plus query and repository methods.
// All reads go through short-lived pool leases; writes outside a unit of
// work are expected to arrive via the batch write coordinator.
type DB struct {
	pool   *Pool
	logger *slog.Logger
}

// NewDB wraps an existing pool.
func NewDB(pool *Pool, logger *slog.Logger) *DB {
	return &DB{pool: pool, logger: logger}
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *Pool { return db.pool }

// Ping checks connectivity through a pooled connection.
func (db *DB) Ping(ctx context.Context) error {
	lease, err := db.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return lease.Conn().PingContext(ctx)
}

// Close shuts down the pool (and through it, the driver).
func (db *DB) Close(ctx context.Context) error {
	return db.pool.Close(ctx)
}

// withConn runs fn with a leased connection and releases it afterward.
func (db *DB) withConn(ctx context.Context, fn func(Conn) error) error {
	lease, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("storage: lease connection: %w", err)
	}
	defer lease.Release()
	return fn(lease.Conn())
}
