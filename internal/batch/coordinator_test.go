package batch_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkstone-app/inkstone/internal/batch"
	"github.com/inkstone-app/inkstone/internal/reliability"
	"github.com/inkstone-app/inkstone/internal/storage"
	"github.com/inkstone-app/inkstone/internal/testutil"
)

// chunkRecorder counts items per chunk transaction. Each chunk runs in its
// own *sql.Tx, so grouping by the Execer identity recovers the chunk sizes.
type chunkRecorder struct {
	mu     sync.Mutex
	counts map[storage.Execer]int
}

func newChunkRecorder() *chunkRecorder {
	return &chunkRecorder{counts: make(map[storage.Execer]int)}
}

func (r *chunkRecorder) write(ctx context.Context, ex storage.Execer, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[ex]++
	return nil
}

func (r *chunkRecorder) chunkSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, 0, len(r.counts))
	for _, n := range r.counts {
		sizes = append(sizes, n)
	}
	sort.Ints(sizes)
	return sizes
}

func waitAll(t *testing.T, futures []*batch.Future) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i, f := range futures {
		if err := f.Wait(ctx); err != nil {
			t.Fatalf("future %d: %v", i, err)
		}
	}
}

func TestFlushChunksBySize(t *testing.T) {
	pool := testutil.NewTestPool(t)
	rec := newChunkRecorder()

	c := batch.NewCoordinator("test", pool, batch.Config[int]{
		BatchSize:     100,
		FlushInterval: time.Hour, // size and explicit triggers only
		Concurrency:   2,
		Write:         rec.write,
	}, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	items := make([]int, 250)
	for i := range items {
		items[i] = i
	}
	futures := c.AddMany(items)
	c.Flush()
	waitAll(t, futures)

	assert.Equal(t, []int{50, 100, 100}, rec.chunkSizes())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Rejected())

	c.Close(context.Background())
}

func TestSizeTriggerFlushesWithoutTimer(t *testing.T) {
	pool := testutil.NewTestPool(t)
	rec := newChunkRecorder()

	c := batch.NewCoordinator("test", pool, batch.Config[int]{
		BatchSize:     5,
		FlushInterval: time.Hour,
		Write:         rec.write,
	}, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	futures := c.AddMany([]int{1, 2, 3, 4, 5})
	waitAll(t, futures)

	assert.Equal(t, []int{5}, rec.chunkSizes())
	c.Close(context.Background())
}

func TestIntervalTriggerFlushesPartialBatch(t *testing.T) {
	pool := testutil.NewTestPool(t)
	rec := newChunkRecorder()

	c := batch.NewCoordinator("test", pool, batch.Config[int]{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
		Write:         rec.write,
	}, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	f := c.Add(42)
	require.NoError(t, f.Wait(context.Background()))

	assert.Equal(t, []int{1}, rec.chunkSizes())
	c.Close(context.Background())
}

func TestFailedChunkRetriesThenRejects(t *testing.T) {
	pool := testutil.NewTestPool(t)

	var attempts atomic.Int64
	errDown := errors.New("datastore down")

	c := batch.NewCoordinator("test", pool, batch.Config[int]{
		BatchSize:     10,
		FlushInterval: 10 * time.Millisecond,
		MaxRetries:    2,
		// Non-transient error, so the inner store retry does not multiply
		// the write attempts we count.
		StoreRetry: reliability.RetryConfig{
			MaxAttempts:  1,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
		},
		Write: func(ctx context.Context, ex storage.Execer, _ int) error {
			attempts.Add(1)
			return errDown
		},
	}, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	f := c.Add(7)
	err := f.Wait(context.Background())
	require.ErrorIs(t, err, errDown)
	assert.Contains(t, err.Error(), "rejected after 2 retries")

	// First attempt plus MaxRetries requeued attempts.
	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, int64(1), c.Rejected())
	c.Close(context.Background())
}

func TestRequeuedItemsRetryBeforeNewerItems(t *testing.T) {
	pool := testutil.NewTestPool(t)

	var mu sync.Mutex
	var order []int
	var failedOnce bool

	c := batch.NewCoordinator("test", pool, batch.Config[int]{
		BatchSize:     1,
		FlushInterval: time.Hour,
		Concurrency:   1,
		MaxRetries:    3,
		StoreRetry:    reliability.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Write: func(ctx context.Context, ex storage.Execer, v int) error {
			mu.Lock()
			defer mu.Unlock()
			if v == 1 && !failedOnce {
				failedOnce = true
				return errors.New("transient hiccup")
			}
			order = append(order, v)
			return nil
		},
	}, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	f1 := c.Add(1)
	// Give the first flush a moment to fail and requeue item 1 before
	// submitting item 2, so the prepend ordering is observable.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failedOnce
	}, 5*time.Second, time.Millisecond)

	f2 := c.Add(2)
	waitAll(t, []*batch.Future{f1, f2})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

func TestCloseDrainsQueueAndResolvesFutures(t *testing.T) {
	pool := testutil.NewTestPool(t)
	rec := newChunkRecorder()

	c := batch.NewCoordinator("test", pool, batch.Config[int]{
		BatchSize:     100,
		FlushInterval: time.Hour, // nothing flushes until the drain
		Write:         rec.write,
	}, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	futures := c.AddMany([]int{1, 2, 3})
	c.Close(context.Background())

	waitAll(t, futures)
	assert.Equal(t, []int{3}, rec.chunkSizes())
}

func TestAddAfterCloseResolvesWithErrClosed(t *testing.T) {
	pool := testutil.NewTestPool(t)

	c := batch.NewCoordinator("test", pool, batch.Config[int]{
		Write: func(ctx context.Context, ex storage.Execer, _ int) error { return nil },
	}, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	c.Close(context.Background())

	f := c.Add(1)
	require.ErrorIs(t, f.Wait(context.Background()), batch.ErrClosed)
}

func TestAddRacingCloseResolvesEveryFuture(t *testing.T) {
	for range 50 {
		pool := testutil.NewTestPool(t)

		c := batch.NewCoordinator("test", pool, batch.Config[int]{
			BatchSize: 4,
			Write:     func(ctx context.Context, ex storage.Execer, _ int) error { return nil },
		}, testutil.TestLogger())

		ctx, cancel := context.WithCancel(context.Background())
		c.Start(ctx)

		var wg sync.WaitGroup
		futures := make(chan *batch.Future, 64)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range 16 {
					futures <- c.Add(i)
				}
			}()
		}

		closed := make(chan struct{})
		go func() {
			c.Close(context.Background())
			close(closed)
		}()

		wg.Wait()
		close(futures)
		<-closed

		// Every submission lands in exactly one of two outcomes: persisted by
		// the final drain, or rejected with ErrClosed. None may hang.
		waitCtx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
		for f := range futures {
			err := f.Wait(waitCtx)
			if err != nil {
				require.ErrorIs(t, err, batch.ErrClosed)
			}
		}
		cancelWait()
		cancel()
	}
}

func TestPublishFailureRejectsChunk(t *testing.T) {
	pool := testutil.NewTestPool(t)

	errBus := errors.New("bus rejected event")

	c := batch.NewCoordinator("test", pool, batch.Config[int]{
		BatchSize:     10,
		FlushInterval: 10 * time.Millisecond,
		MaxRetries:    1,
		StoreRetry:    reliability.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Write: func(ctx context.Context, ex storage.Execer, _ int) error {
			return nil
		},
		Publish: func(ctx context.Context, _ int) error {
			return errBus
		},
	}, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	f := c.Add(9)
	require.ErrorIs(t, f.Wait(context.Background()), errBus)
	assert.Equal(t, int64(1), c.Rejected())
	c.Close(context.Background())
}
