package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/inkstone-app/inkstone/internal/telemetry"
)

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MinConns       int           // connections kept warm; default 1
	MaxConns       int           // hard cap on open connections; default 4
	AcquireTimeout time.Duration // max wait for a free connection; default 5s
	IdleTimeout    time.Duration // idle connections beyond MinConns are evicted after this; default 1m
	SweepInterval  time.Duration // period of the idle-eviction sweep; default 15s
}

func (c *PoolConfig) withDefaults() {
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MaxConns < c.MinConns {
		c.MaxConns = c.MinConns
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
}

// idleConn is a pooled connection waiting to be leased again.
type idleConn struct {
	conn  Conn
	since time.Time
}

// Pool is a bounded set of reusable datastore connections.
//
// A lease is tracked by a permit taken from a buffered channel, so at most
// MaxConns leases exist at once. Connections released back to the pool sit on
// an idle stack (LIFO, so recently used connections stay warm) until reused
// or evicted by the background sweep.
type Pool struct {
	driver Driver
	cfg    PoolConfig
	logger *slog.Logger

	permits chan struct{} // a held permit = the right to hold one leased connection

	mu     sync.Mutex
	idle   []*idleConn
	open   int // leased + idle connections
	closed bool

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Lease is one borrowed connection. Release returns it to the pool; calling
// Release more than once is a no-op.
type Lease struct {
	conn Conn
	pool *Pool
	once sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() Conn { return l.conn }

// Release returns the connection to the pool.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.conn) })
}

// NewPool creates a pool over driver and warms MinConns connections.
// The idle-eviction sweep runs until Close.
func NewPool(ctx context.Context, driver Driver, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	cfg.withDefaults()

	p := &Pool{
		driver:    driver,
		cfg:       cfg,
		logger:    logger,
		permits:   make(chan struct{}, cfg.MaxConns),
		sweepDone: make(chan struct{}),
	}
	for range cfg.MaxConns {
		p.permits <- struct{}{}
	}

	for range cfg.MinConns {
		conn, err := driver.Connect(ctx)
		if err != nil {
			p.closeIdleLocked()
			return nil, fmt.Errorf("storage: warm pool: %w", err)
		}
		p.idle = append(p.idle, &idleConn{conn: conn, since: time.Now()})
		p.open++
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	p.sweepCancel = cancel
	go p.sweepLoop(sweepCtx)

	p.registerMetrics()
	return p, nil
}

// Acquire leases a connection. An idle connection is reused when available;
// otherwise a new one is opened up to MaxConns; otherwise the call blocks
// until a connection is released, ctx is done, or AcquireTimeout elapses
// (ErrPoolExhausted).
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case <-p.permits:
	case <-ctx.Done():
		return nil, fmt.Errorf("storage: acquire connection: %w", ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("storage: acquire connection after %s: %w", p.cfg.AcquireTimeout, ErrPoolExhausted)
	}

	p.mu.Lock()
	if p.closed {
		// Close raced us for this permit; hand it back so the drain completes.
		p.mu.Unlock()
		p.permits <- struct{}{}
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		ic := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &Lease{conn: ic.conn, pool: p}, nil
	}
	p.open++
	p.mu.Unlock()

	conn, err := p.driver.Connect(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		p.permits <- struct{}{}
		return nil, fmt.Errorf("storage: open pooled connection: %w", err)
	}
	return &Lease{conn: conn, pool: p}, nil
}

// release puts a connection back on the idle stack and frees its permit.
// The permit is returned after the connection is idle, so Close (which drains
// all permits) never observes a connection that is still leased.
func (p *Pool) release(conn Conn) {
	p.mu.Lock()
	p.idle = append(p.idle, &idleConn{conn: conn, since: time.Now()})
	p.mu.Unlock()
	p.permits <- struct{}{}
}

// Close rejects new acquisitions, waits for every outstanding lease to be
// released, then closes all connections and the driver. No connection is
// closed while leased. The ctx deadline bounds the wait for stragglers.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.sweepCancel()
	<-p.sweepDone

	// Drain every permit. Each outstanding lease holds one, and returns it
	// only after parking its connection on the idle stack.
	for range p.cfg.MaxConns {
		select {
		case <-p.permits:
		case <-ctx.Done():
			return fmt.Errorf("storage: close pool: %w", ctx.Err())
		}
	}

	p.mu.Lock()
	p.closeIdleLocked()
	p.mu.Unlock()

	if err := p.driver.Close(); err != nil {
		return fmt.Errorf("storage: close driver: %w", err)
	}
	return nil
}

// closeIdleLocked closes every idle connection. Caller holds p.mu (or has
// exclusive access during construction failure).
func (p *Pool) closeIdleLocked() {
	for _, ic := range p.idle {
		if err := ic.conn.Close(); err != nil {
			p.logger.Warn("storage: close idle connection", "error", err)
		}
		p.open--
	}
	p.idle = nil
}

// sweepLoop evicts connections idle longer than IdleTimeout, keeping at
// least MinConns open.
func (p *Pool) sweepLoop(ctx context.Context) {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

func (p *Pool) sweep(now time.Time) {
	var victims []*idleConn

	p.mu.Lock()
	kept := p.idle[:0]
	for _, ic := range p.idle {
		if p.open-len(victims) > p.cfg.MinConns && now.Sub(ic.since) > p.cfg.IdleTimeout {
			victims = append(victims, ic)
			continue
		}
		kept = append(kept, ic)
	}
	p.idle = kept
	p.open -= len(victims)
	p.mu.Unlock()

	for _, ic := range victims {
		if err := ic.conn.Close(); err != nil {
			p.logger.Warn("storage: evict idle connection", "error", err)
		}
	}
	if len(victims) > 0 {
		p.logger.Debug("storage: evicted idle connections", "count", len(victims))
	}
}

// PoolStats is a point-in-time snapshot of pool occupancy.
type PoolStats struct {
	Open   int // total open connections (leased + idle)
	Idle   int
	Leased int
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	leased := p.open - len(p.idle)
	if leased < 0 {
		leased = 0
	}
	return PoolStats{Open: p.open, Idle: len(p.idle), Leased: leased}
}

// registerMetrics registers observable OTEL gauges for pool health monitoring.
func (p *Pool) registerMetrics() {
	meter := telemetry.Meter("inkstone/pool")

	_, _ = meter.Int64ObservableGauge("inkstone.pool.open",
		metric.WithDescription("Open datastore connections (leased + idle)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.Stats().Open))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("inkstone.pool.leased",
		metric.WithDescription("Datastore connections currently leased"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.Stats().Leased))
			return nil
		}),
	)
}
