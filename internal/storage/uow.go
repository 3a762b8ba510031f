package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// UnitOfWork binds repository calls to one leased connection for the duration
// of an explicit transaction. Begin leases a connection and opens the
// transaction; Commit or Rollback ends it and releases the lease. Nesting is
// rejected, as is finishing a transaction twice.
//
// Outside a unit of work, repositories default to the batch write coordinator
// for writes and direct pooled reads for queries.
type UnitOfWork struct {
	pool *Pool

	mu    sync.Mutex
	lease *Lease
	tx    *sql.Tx
}

// NewUnitOfWork creates an idle unit of work over the pool. A unit may be
// reused for sequential transactions, never concurrent ones.
func NewUnitOfWork(pool *Pool) *UnitOfWork {
	return &UnitOfWork{pool: pool}
}

// Begin leases a connection and opens a transaction on it.
func (u *UnitOfWork) Begin(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.tx != nil {
		return ErrTxActive
	}

	lease, err := u.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin unit of work: %w", err)
	}
	tx, err := lease.Conn().BeginTx(ctx, nil)
	if err != nil {
		lease.Release()
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	u.lease = lease
	u.tx = tx
	return nil
}

// Tx returns the bound transaction for repository calls.
// It is nil outside Begin/Commit.
func (u *UnitOfWork) Tx() Execer {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.tx == nil {
		return nil
	}
	return u.tx
}

// Commit commits the transaction and releases the connection.
func (u *UnitOfWork) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.tx == nil {
		return ErrTxDone
	}
	err := u.tx.Commit()
	u.finishLocked()
	if err != nil {
		return fmt.Errorf("storage: commit unit of work: %w", err)
	}
	return nil
}

// Rollback aborts the transaction and releases the connection.
func (u *UnitOfWork) Rollback() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.tx == nil {
		return ErrTxDone
	}
	err := u.tx.Rollback()
	u.finishLocked()
	if err != nil {
		return fmt.Errorf("storage: rollback unit of work: %w", err)
	}
	return nil
}

// finishLocked releases the lease and clears transaction state. The lease is
// released even when Commit/Rollback errors, so a failed finish never leaks a
// pooled connection.
func (u *UnitOfWork) finishLocked() {
	u.lease.Release()
	u.lease = nil
	u.tx = nil
}
