package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkstone-app/inkstone/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEvent(t model.EventType) model.DomainEvent {
	return model.NewDomainEvent(t, "operation", "op-1", map[string]any{"k": "v"})
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(testLogger(), nil)

	var calls atomic.Int64
	for range 3 {
		bus.Subscribe(model.EventContentSaved, func(ctx context.Context, e model.DomainEvent) error {
			calls.Add(1)
			return nil
		})
	}
	bus.Subscribe(model.EventContentDiscarded, func(ctx context.Context, e model.DomainEvent) error {
		t.Error("handler for unrelated event type invoked")
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), testEvent(model.EventContentSaved)))

	// Publish returns only after every handler has settled, so no waiting.
	assert.Equal(t, int64(3), calls.Load())
}

func TestPublishRunsHandlersConcurrently(t *testing.T) {
	bus := NewBus(testLogger(), nil)

	gate := make(chan struct{})
	var arrived sync.WaitGroup
	arrived.Add(2)
	for range 2 {
		bus.Subscribe(model.EventOperationStarted, func(ctx context.Context, e model.DomainEvent) error {
			arrived.Done()
			<-gate
			return nil
		})
	}

	// If the handlers ran sequentially the first would block forever on the
	// gate and arrived.Wait would never return.
	go func() {
		arrived.Wait()
		close(gate)
	}()

	require.NoError(t, bus.Publish(context.Background(), testEvent(model.EventOperationStarted)))
}

func TestMiddlewareErrorAbortsPublish(t *testing.T) {
	bus := NewBus(testLogger(), nil)

	logErr := errors.New("log write failed")
	bus.Use(func(ctx context.Context, e model.DomainEvent) error {
		return logErr
	})
	bus.Subscribe(model.EventOperationStarted, func(ctx context.Context, e model.DomainEvent) error {
		t.Error("handler invoked despite middleware failure")
		return nil
	})

	err := bus.Publish(context.Background(), testEvent(model.EventOperationStarted))
	require.ErrorIs(t, err, logErr)
}

func TestMiddlewareRunsInRegistrationOrder(t *testing.T) {
	bus := NewBus(testLogger(), nil)

	var order []string
	bus.Use(func(ctx context.Context, e model.DomainEvent) error {
		order = append(order, "first")
		return nil
	})
	bus.Use(func(ctx context.Context, e model.DomainEvent) error {
		order = append(order, "second")
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), testEvent(model.EventConfigUpdated)))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestHandlerErrorIsIsolated(t *testing.T) {
	var mu sync.Mutex
	var reported []model.EventType
	bus := NewBus(testLogger(), func(t model.EventType, err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, t)
	})

	var healthyRan atomic.Bool
	bus.Subscribe(model.EventOperationFailed, func(ctx context.Context, e model.DomainEvent) error {
		return errors.New("boom")
	})
	bus.Subscribe(model.EventOperationFailed, func(ctx context.Context, e model.DomainEvent) error {
		healthyRan.Store(true)
		return nil
	})

	// A failing sibling never surfaces to the publisher.
	require.NoError(t, bus.Publish(context.Background(), testEvent(model.EventOperationFailed)))
	assert.True(t, healthyRan.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.Equal(t, model.EventOperationFailed, reported[0])
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	var reports atomic.Int64
	bus := NewBus(testLogger(), func(t model.EventType, err error) {
		reports.Add(1)
	})

	bus.Subscribe(model.EventOperationCompleted, func(ctx context.Context, e model.DomainEvent) error {
		panic("handler bug")
	})

	require.NoError(t, bus.Publish(context.Background(), testEvent(model.EventOperationCompleted)))
	assert.Equal(t, int64(1), reports.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(testLogger(), nil)

	var calls atomic.Int64
	unsubscribe := bus.Subscribe(model.EventContentSaved, func(ctx context.Context, e model.DomainEvent) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), testEvent(model.EventContentSaved)))
	unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), testEvent(model.EventContentSaved)))

	assert.Equal(t, int64(1), calls.Load())
}

func TestPublishWithNoSubscribersSucceeds(t *testing.T) {
	bus := NewBus(testLogger(), nil)
	require.NoError(t, bus.Publish(context.Background(), testEvent(model.EventSchedulerStarted)))
}
