// Package batch provides the write coordinator that groups individual
// repository writes into chunked, retried, transactional batches over the
// connection pool.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/inkstone-app/inkstone/internal/reliability"
	"github.com/inkstone-app/inkstone/internal/storage"
	"github.com/inkstone-app/inkstone/internal/telemetry"
)

// ErrClosed is returned for items submitted after Close, and is the terminal
// error for items still queued when the final drain flush could not persist
// them. Either way the item's future resolves; nothing is silently dropped.
var ErrClosed = errors.New("batch: coordinator closed")

// Future is the single-fulfillment result handle for one submitted item.
type Future struct {
	ch chan error
}

func newFuture() *Future { return &Future{ch: make(chan error, 1)} }

// resolve fulfills the future exactly once; later calls are ignored.
func (f *Future) resolve(err error) {
	select {
	case f.ch <- err:
	default:
	}
}

// Wait blocks until the item reaches a terminal outcome (nil on persisted,
// the terminal error on rejection) or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case err := <-f.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config controls a Coordinator.
type Config[T any] struct {
	BatchSize     int           // items per chunk; also the size-trigger threshold. Default 50.
	FlushInterval time.Duration // periodic flush trigger. Default 1s.
	Concurrency   int           // chunks processed in parallel per flush. Default 2.
	MaxRetries    int           // chunk failures an item survives before rejection. Default 3.

	// StoreRetry guards each chunk transaction against transient datastore
	// failures. Zero value gets sensible defaults (3 attempts, 50ms initial).
	StoreRetry reliability.RetryConfig

	// Write persists one item inside the chunk transaction. Implementations
	// do the exists-check plus insert-or-update for their table.
	Write func(ctx context.Context, ex storage.Execer, item T) error

	// Publish, when set, announces one item on the event bus after the
	// chunk's writes and before commit. Failures roll back the whole chunk.
	Publish func(ctx context.Context, item T) error
}

func (c *Config[T]) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.StoreRetry.MaxAttempts <= 0 {
		c.StoreRetry.MaxAttempts = 3
	}
	if c.StoreRetry.InitialDelay <= 0 {
		c.StoreRetry.InitialDelay = 50 * time.Millisecond
	}
	if c.StoreRetry.MaxDelay <= 0 {
		c.StoreRetry.MaxDelay = time.Second
	}
	if c.StoreRetry.ShouldRetry == nil {
		c.StoreRetry.ShouldRetry = func(err error, _ int) bool {
			return storage.IsTransient(err) || errors.Is(err, storage.ErrPoolExhausted)
		}
	}
}

// item is one queued write plus its bookkeeping.
type item[T any] struct {
	payload T
	future  *Future
	retries int
}

// Coordinator accumulates writes in memory and flushes them in chunked
// transactions when either the queue reaches BatchSize or the flush timer
// fires. A flush in progress is exclusive: a trigger arriving mid-flush is
// deferred and re-evaluated after completion rather than run concurrently
// against the same queue.
type Coordinator[T any] struct {
	name   string
	cfg    Config[T]
	pool   *storage.Pool
	logger *slog.Logger

	mu    sync.Mutex
	queue []*item[T]

	rejected atomic.Int64
	flushed  atomic.Int64

	started    atomic.Bool
	closed     atomic.Bool
	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCh    chan context.Context // carries the drain context to flushLoop for the final flush
}

// NewCoordinator creates a coordinator writing through pool. name labels logs
// and metrics (one coordinator per table).
func NewCoordinator[T any](name string, pool *storage.Pool, cfg Config[T], logger *slog.Logger) *Coordinator[T] {
	cfg.withDefaults()
	return &Coordinator[T]{
		name:    name,
		cfg:     cfg,
		pool:    pool,
		logger:  logger,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
		drainCh: make(chan context.Context, 1),
	}
}

// Start begins the background flush loop. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (c *Coordinator[T]) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Warn("batch: Start called more than once, ignoring", "coordinator", c.name)
		return
	}
	c.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancelLoop = cancel
	go c.flushLoop(loopCtx)
}

// Add submits one item and returns its result handle.
func (c *Coordinator[T]) Add(payload T) *Future {
	futures := c.enqueue([]T{payload})
	return futures[0]
}

// AddMany submits several items, returning one handle per item in order.
func (c *Coordinator[T]) AddMany(payloads []T) []*Future {
	return c.enqueue(payloads)
}

func (c *Coordinator[T]) enqueue(payloads []T) []*Future {
	futures := make([]*Future, len(payloads))
	items := make([]*item[T], len(payloads))
	for i, p := range payloads {
		futures[i] = newFuture()
		items[i] = &item[T]{payload: p, future: futures[i]}
	}

	// The closed check shares the critical section with the append: Close
	// flips the flag before its final drain takes the lock, so an enqueue
	// racing the drain either lands in the queue the drain will resolve, or
	// sees closed here. Items can never be appended after the drain.
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		for _, f := range futures {
			f.resolve(ErrClosed)
		}
		return futures
	}
	c.queue = append(c.queue, items...)
	trigger := len(c.queue) >= c.cfg.BatchSize
	c.mu.Unlock()

	if trigger {
		c.signalFlush()
	}
	return futures
}

// Flush triggers an asynchronous flush of the current queue. The flush loop
// picks the signal up immediately when idle, or re-evaluates it after the
// in-progress flush completes.
func (c *Coordinator[T]) Flush() {
	c.signalFlush()
}

func (c *Coordinator[T]) signalFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

// Len returns the number of queued items.
func (c *Coordinator[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Rejected returns the total items terminally rejected. Non-zero values mean
// callers received errors, not that data vanished.
func (c *Coordinator[T]) Rejected() int64 { return c.rejected.Load() }

func (c *Coordinator[T]) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Close, so the
			// drain respects the caller's deadline. ctx itself is done.
			var drainCtx context.Context
			select {
			case drainCtx = <-c.drainCh:
			default:
			}
			if drainCtx == nil {
				// Direct cancellation without Close (e.g. tests).
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			c.flush(drainCtx)
			c.rejectRemaining(ErrClosed)
			close(c.done)
			return
		case <-ticker.C:
			c.flush(ctx)
		case <-c.flushCh:
			c.flush(ctx)
		}
	}
}

// flush snapshots the queue, splits it into chunks of BatchSize, and
// dispatches chunks with bounded parallelism. Only the flush loop calls
// flush, which makes each flush exclusive by construction.
func (c *Coordinator[T]) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	snapshot := c.queue
	c.queue = nil
	c.mu.Unlock()

	start := time.Now()

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for len(snapshot) > 0 {
		n := min(c.cfg.BatchSize, len(snapshot))
		chunk := snapshot[:n]
		snapshot = snapshot[n:]
		g.Go(func() error {
			c.processChunk(ctx, chunk)
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Debug("batch: flush complete",
		"coordinator", c.name,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	// A size trigger may have arrived while flushing; re-evaluate so the
	// deferred flush is not lost.
	c.mu.Lock()
	refire := len(c.queue) >= c.cfg.BatchSize
	c.mu.Unlock()
	if refire {
		c.signalFlush()
	}
}

// processChunk persists one chunk in a single transaction: per item an
// exists-aware upsert, then per item an event publish, then commit. Any
// failure rolls back the whole chunk; its items are re-queued at the head
// (retried before newer items) up to MaxRetries, then rejected with the
// terminating error.
func (c *Coordinator[T]) processChunk(ctx context.Context, chunk []*item[T]) {
	err := reliability.Retry(ctx, c.cfg.StoreRetry, func() error {
		return c.writeChunkTx(ctx, chunk)
	})
	if err == nil {
		for _, it := range chunk {
			it.future.resolve(nil)
		}
		c.flushed.Add(int64(len(chunk)))
		return
	}

	c.logger.Warn("batch: chunk failed",
		"coordinator", c.name, "size", len(chunk), "error", err)

	var requeue []*item[T]
	for _, it := range chunk {
		it.retries++
		if it.retries > c.cfg.MaxRetries {
			it.future.resolve(fmt.Errorf("batch: item rejected after %d retries: %w", c.cfg.MaxRetries, err))
			c.rejected.Add(1)
			continue
		}
		requeue = append(requeue, it)
	}
	if len(requeue) == 0 {
		return
	}

	c.mu.Lock()
	c.queue = append(requeue, c.queue...)
	c.mu.Unlock()
}

func (c *Coordinator[T]) writeChunkTx(ctx context.Context, chunk []*item[T]) error {
	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	tx, err := lease.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("batch: begin chunk tx: %w", err)
	}

	for _, it := range chunk {
		if err := c.cfg.Write(ctx, tx, it.payload); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if c.cfg.Publish != nil {
		for _, it := range chunk {
			if err := c.cfg.Publish(ctx, it.payload); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("batch: publish chunk event: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("batch: commit chunk: %w", err)
	}
	return nil
}

// rejectRemaining terminally resolves anything still queued. Runs after the
// final drain flush, so only items the drain could not persist are affected.
func (c *Coordinator[T]) rejectRemaining(cause error) {
	c.mu.Lock()
	leftover := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, it := range leftover {
		it.future.resolve(cause)
		c.rejected.Add(1)
	}
	if len(leftover) > 0 {
		c.logger.Error("batch: rejected unflushed items at shutdown",
			"coordinator", c.name, "count", len(leftover))
	}
}

// Close stops the flush timer, performs one final flush to drain the queue,
// and resolves every remaining future before returning — no silent data loss
// at shutdown, at the cost of a bounded final delay. The ctx deadline bounds
// the drain.
func (c *Coordinator[T]) Close(ctx context.Context) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if !c.started.Load() {
		c.rejectRemaining(ErrClosed)
		return
	}
	// Hand the drain context to flushLoop before cancelling, so the final
	// flush respects the caller's deadline.
	select {
	case c.drainCh <- ctx:
	default:
	}
	if c.cancelLoop != nil {
		c.cancelLoop()
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		c.logger.Warn("batch: drain timed out waiting for flush loop", "coordinator", c.name)
	}
}

// registerMetrics registers observable OTEL gauges for coordinator health.
func (c *Coordinator[T]) registerMetrics() {
	meter := telemetry.Meter("inkstone/batch")

	_, _ = meter.Int64ObservableGauge("inkstone.batch."+c.name+".depth",
		metric.WithDescription("Items waiting in the batch write queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("inkstone.batch."+c.name+".rejected_total",
		metric.WithDescription("Items terminally rejected after exhausting retries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.rejected.Load())
			return nil
		}),
	)
}
