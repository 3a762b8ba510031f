package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn counts closes; the pool never executes SQL through it here.
type fakeConn struct {
	closed atomic.Bool
}

func (c *fakeConn) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, nil
}
func (c *fakeConn) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, nil
}
func (c *fakeConn) QueryRowContext(context.Context, string, ...any) *sql.Row { return nil }
func (c *fakeConn) BeginTx(context.Context, *sql.TxOptions) (*sql.Tx, error) {
	return nil, nil
}
func (c *fakeConn) PingContext(context.Context) error { return nil }
func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeDriver tracks every connection it opened.
type fakeDriver struct {
	mu      sync.Mutex
	conns   []*fakeConn
	failing bool
	closed  bool
}

func (d *fakeDriver) Connect(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failing {
		return nil, errors.New("connect refused")
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func newFakePool(t *testing.T, cfg PoolConfig) (*Pool, *fakeDriver) {
	t.Helper()
	d := &fakeDriver{}
	p, err := NewPool(context.Background(), d, cfg, testLogger())
	require.NoError(t, err)
	return p, d
}

func TestPoolWarmsMinConns(t *testing.T) {
	p, d := newFakePool(t, PoolConfig{MinConns: 2, MaxConns: 4})
	defer p.Close(context.Background())

	assert.Equal(t, 2, d.opened())
	stats := p.Stats()
	assert.Equal(t, 2, stats.Open)
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, 0, stats.Leased)
}

func TestPoolReusesIdleConnection(t *testing.T) {
	p, d := newFakePool(t, PoolConfig{MinConns: 1, MaxConns: 4})
	defer p.Close(context.Background())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := lease.Conn()
	lease.Release()

	lease2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease2.Release()

	assert.Same(t, first, lease2.Conn())
	assert.Equal(t, 1, d.opened())
}

func TestPoolGrowsToMaxConns(t *testing.T) {
	p, d := newFakePool(t, PoolConfig{MinConns: 1, MaxConns: 3, AcquireTimeout: 50 * time.Millisecond})
	defer p.Close(context.Background())

	var leases []*Lease
	for range 3 {
		l, err := p.Acquire(context.Background())
		require.NoError(t, err)
		leases = append(leases, l)
	}
	assert.Equal(t, 3, d.opened())
	assert.Equal(t, 3, p.Stats().Leased)

	for _, l := range leases {
		l.Release()
	}
}

func TestPoolExhaustionTimesOut(t *testing.T) {
	p, _ := newFakePool(t, PoolConfig{MinConns: 1, MaxConns: 1, AcquireTimeout: 30 * time.Millisecond})
	defer p.Close(context.Background())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	lease.Release()
}

func TestPoolBlockedAcquireUnblocksOnRelease(t *testing.T) {
	p, _ := newFakePool(t, PoolConfig{MinConns: 1, MaxConns: 1, AcquireTimeout: time.Second})
	defer p.Close(context.Background())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Lease, 1)
	go func() {
		l, err := p.Acquire(context.Background())
		if err == nil {
			got <- l
		}
	}()

	time.Sleep(20 * time.Millisecond)
	lease.Release()

	select {
	case l := <-got:
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter was not unblocked by release")
	}
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	p, _ := newFakePool(t, PoolConfig{MinConns: 1, MaxConns: 1, AcquireTimeout: time.Minute})
	defer p.Close(context.Background())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolDoubleReleaseIsNoop(t *testing.T) {
	p, _ := newFakePool(t, PoolConfig{MinConns: 1, MaxConns: 2})
	defer p.Close(context.Background())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	lease.Release()

	assert.Equal(t, 1, p.Stats().Idle)
}

func TestPoolCloseWaitsForLeases(t *testing.T) {
	p, d := newFakePool(t, PoolConfig{MinConns: 1, MaxConns: 2})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	conn := lease.Conn().(*fakeConn)

	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		// The connection must not have been closed while leased.
		assert.False(t, conn.closed.Load())
		lease.Release()
		close(released)
	}()

	require.NoError(t, p.Close(context.Background()))
	<-released

	assert.True(t, conn.closed.Load())
	assert.True(t, d.closed)
}

func TestPoolCloseRejectsNewAcquires(t *testing.T) {
	p, _ := newFakePool(t, PoolConfig{MinConns: 1, MaxConns: 2})
	require.NoError(t, p.Close(context.Background()))

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Closing again is a no-op.
	assert.NoError(t, p.Close(context.Background()))
}

func TestPoolCloseTimesOutOnStuckLease(t *testing.T) {
	p, _ := newFakePool(t, PoolConfig{MinConns: 1, MaxConns: 1})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = p.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	lease.Release()
}

func TestPoolSweepEvictsIdleKeepingMin(t *testing.T) {
	p, _ := newFakePool(t, PoolConfig{
		MinConns:      1,
		MaxConns:      4,
		IdleTimeout:   10 * time.Millisecond,
		SweepInterval: time.Hour, // trigger manually
	})
	defer p.Close(context.Background())

	var leases []*Lease
	for range 3 {
		l, err := p.Acquire(context.Background())
		require.NoError(t, err)
		leases = append(leases, l)
	}
	for _, l := range leases {
		l.Release()
	}
	require.Equal(t, 3, p.Stats().Idle)

	p.sweep(time.Now().Add(time.Minute))

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, stats.Open)
}

func TestPoolConnectFailureReturnsPermit(t *testing.T) {
	d := &fakeDriver{}
	p, err := NewPool(context.Background(), d, PoolConfig{MinConns: 1, MaxConns: 2, AcquireTimeout: 100 * time.Millisecond}, testLogger())
	require.NoError(t, err)
	defer p.Close(context.Background())

	// First lease takes the warm connection; make the next open fail.
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	d.mu.Lock()
	d.failing = true
	d.mu.Unlock()

	_, err = p.Acquire(context.Background())
	require.Error(t, err)

	// The failed acquire must not leak its permit.
	d.mu.Lock()
	d.failing = false
	d.mu.Unlock()
	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l2.Release()
}
