// Package scheduler drives autonomous content generation. A ticker wakes the
// scheduler on a configured interval; each tick walks a fixed admission
// pipeline (enabled, time slot, system health, daily quota, single in-flight)
// and, if every check passes, runs one operation end to end: generate, assess,
// persist, log. Failures are contained at the operation boundary so a bad
// tick never takes the loop down.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/inkstone-app/inkstone/internal/batch"
	"github.com/inkstone-app/inkstone/internal/events"
	"github.com/inkstone-app/inkstone/internal/generation"
	"github.com/inkstone-app/inkstone/internal/health"
	"github.com/inkstone-app/inkstone/internal/model"
	"github.com/inkstone-app/inkstone/internal/quality"
	"github.com/inkstone-app/inkstone/internal/reliability"
	"github.com/inkstone-app/inkstone/internal/storage"
	"github.com/inkstone-app/inkstone/internal/telemetry"
)

// maxQueueLength bounds the external request queue.
const maxQueueLength = 100

// ErrQueueFull is returned when QueueOperation would exceed maxQueueLength.
var ErrQueueFull = fmt.Errorf("scheduler: operation queue full")

// Deps are the collaborators a Scheduler is wired with.
type Deps struct {
	DB          *storage.DB
	Gen         generation.Client
	GenModel    string
	Gate        *quality.Gate
	Probe       *health.Probe
	Bus         *events.Bus
	ActivityLog *batch.Coordinator[model.LogEntry]
	Logger      *slog.Logger
}

// Scheduler owns the autonomous operation loop.
type Scheduler struct {
	deps    Deps
	breaker *reliability.CircuitBreaker
	retry   reliability.RetryConfig

	mu      sync.Mutex
	cfg     model.AutonomousConfig
	queue   []*model.Operation
	current *model.Operation
	day     string // UTC date of the daily counter
	today   int

	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	reloadCh chan struct{} // interval changed; reset the ticker
	wakeCh   chan struct{} // run a tick now (external queue push)

	skipped atomic.Int64

	now func() time.Time // test seam
}

// New builds a stopped scheduler with the given collaborators.
func New(deps Deps) *Scheduler {
	s := &Scheduler{
		deps:     deps,
		cfg:      model.DefaultAutonomousConfig(),
		reloadCh: make(chan struct{}, 1),
		wakeCh:   make(chan struct{}, 1),
		now:      time.Now,
	}
	s.breaker = reliability.NewCircuitBreaker(reliability.BreakerConfig{
		OnStateChange: func(from, to reliability.BreakerState) {
			deps.Logger.Warn("scheduler: collaborator breaker state changed",
				"from", from, "to", to)
		},
	})
	s.retry = reliability.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		ShouldRetry: func(err error, _ int) bool {
			return generation.IsRetryable(err)
		},
	}
	return s
}

// Start loads the stored configuration and begins the tick loop. Starting an
// already-started scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	cfg, version, err := s.deps.DB.LoadLatestConfig(ctx)
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("scheduler: load config: %w", err)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.registerMetrics()
	go s.loop(loopCtx)

	s.deps.Logger.Info("scheduler: started",
		"config_version", version, "interval", cfg.Interval(), "enabled", cfg.Enabled)
	s.publish(ctx, model.NewDomainEvent(model.EventSchedulerStarted, "scheduler", "scheduler", nil))
	return nil
}

// Stop cancels the loop, which also cancels any in-flight operation at its
// next checkpoint, waits for the loop to exit or ctx to expire, and cancels
// every still-pending queued operation. Stopping a stopped scheduler is a
// no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}

	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, op := range pending {
		s.publish(ctx, model.NewDomainEvent(model.EventOperationCancelled, "operation", op.ID.String(), nil))
	}

	s.deps.Logger.Info("scheduler: stopped", "cancelled_queued", len(pending))
	s.publish(ctx, model.NewDomainEvent(model.EventSchedulerStopped, "scheduler", "scheduler", nil))
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool { return s.started.Load() }

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
		case <-s.wakeCh:
			s.tick(ctx)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.cfg.Interval(); d > 0 {
		return d
	}
	return 30 * time.Minute
}

// tick runs one admission cycle and at most one operation. It never returns
// an error; operation failures are recorded on the operation itself.
func (s *Scheduler) tick(ctx context.Context) {
	op, skip := s.admit()
	if skip != "" {
		s.skipped.Add(1)
		s.deps.Logger.Debug("scheduler: tick skipped", "reason", skip)
		return
	}
	s.run(ctx, op)
}

// admit walks the admission checks in order and, when all pass, claims the
// next operation: the oldest external request, or a synthesized one. The
// operation is marked current and counted against the daily quota before the
// lock is released, so a concurrent tick cannot admit a second one.
func (s *Scheduler) admit() (*model.Operation, string) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		return nil, "disabled"
	}
	if !s.cfg.InActiveSlot(now) {
		return nil, "outside active time slots"
	}
	if snap := s.deps.Probe.Latest(); !snap.Healthy {
		return nil, "system unhealthy"
	}
	s.resetDayLocked(now)
	if s.cfg.MaxDailyOperations > 0 && s.today >= s.cfg.MaxDailyOperations {
		return nil, "daily quota reached"
	}
	if s.current != nil {
		return nil, "operation already in flight"
	}

	var op *model.Operation
	if len(s.queue) > 0 {
		op = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		op = s.synthesizeLocked()
		if op == nil {
			return nil, "no content types configured"
		}
	}
	s.current = op
	s.today++
	return op, ""
}

// resetDayLocked zeroes the daily counter when the UTC date has rolled over.
func (s *Scheduler) resetDayLocked(now time.Time) {
	day := now.UTC().Format(time.DateOnly)
	if day != s.day {
		s.day = day
		s.today = 0
	}
}

// synthesizeLocked creates a pending operation with a content type drawn
// uniformly from the configured set.
func (s *Scheduler) synthesizeLocked() *model.Operation {
	types := s.cfg.ContentTypes
	if len(types) == 0 {
		return nil
	}
	return &model.Operation{
		ID:     uuid.New(),
		Type:   types[rand.IntN(len(types))],
		Status: model.OperationPending,
	}
}

// QueueOperation appends an external request to the FIFO queue. The request
// is picked up ahead of synthesized work on the next admitted tick.
func (s *Scheduler) QueueOperation(ctx context.Context, t model.ContentType, projectID *uuid.UUID) (uuid.UUID, error) {
	if !t.Valid() {
		return uuid.Nil, fmt.Errorf("scheduler: queue operation: unknown content type %q", t)
	}
	op := &model.Operation{
		ID:        uuid.New(),
		Type:      t,
		ProjectID: projectID,
		Status:    model.OperationPending,
		Queued:    true,
	}

	s.mu.Lock()
	if len(s.queue) >= maxQueueLength {
		s.mu.Unlock()
		return uuid.Nil, ErrQueueFull
	}
	s.queue = append(s.queue, op)
	s.mu.Unlock()

	s.deps.Logger.Info("scheduler: operation queued", "operation_id", op.ID, "type", t)
	s.publish(ctx, model.NewDomainEvent(model.EventOperationQueued, "operation", op.ID.String(),
		map[string]any{"type": string(t)}))

	// Nudge the loop so a queued request does not wait a full interval.
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	return op.ID, nil
}

// CancelQueued removes a not-yet-started operation from the queue.
func (s *Scheduler) CancelQueued(ctx context.Context, id uuid.UUID) bool {
	s.mu.Lock()
	idx := -1
	for i, op := range s.queue {
		if op.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
	s.mu.Unlock()

	s.publish(ctx, model.NewDomainEvent(model.EventOperationCancelled, "operation", id.String(), nil))
	return true
}

// UpdateConfig persists a partial configuration update and applies it to the
// running loop, resetting the ticker when the interval changed.
func (s *Scheduler) UpdateConfig(ctx context.Context, patch model.ConfigPatch) (model.AutonomousConfig, error) {
	cfg, version, err := s.deps.DB.UpdateConfig(ctx, patch)
	if err != nil {
		return model.AutonomousConfig{}, err
	}

	s.mu.Lock()
	prevInterval := s.cfg.Interval()
	s.cfg = cfg
	s.mu.Unlock()

	if cfg.Interval() != prevInterval {
		select {
		case s.reloadCh <- struct{}{}:
		default:
		}
	}
	s.deps.Logger.Info("scheduler: config updated", "version", version)
	s.publish(ctx, model.NewDomainEvent(model.EventConfigUpdated, "config", fmt.Sprint(version), nil))
	return cfg, nil
}

// Config returns the current in-memory configuration.
func (s *Scheduler) Config() model.AutonomousConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Status is a point-in-time view of the scheduler for the control surface.
type Status struct {
	Running          bool             `json:"running"`
	Enabled          bool             `json:"enabled"`
	CurrentOperation *model.Operation `json:"current_operation,omitempty"`
	QueueLength      int              `json:"queue_length"`
	TodayCount       int              `json:"today_count"`
	TotalOperations  int              `json:"total_operations"`
	SuccessRate      float64          `json:"success_rate"`
	Health           health.Snapshot  `json:"health"`
}

// Status assembles the current view. Lifetime totals come from the store so
// they survive restarts.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	counts, err := s.deps.DB.CountOperations(ctx, time.Time{})
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	s.resetDayLocked(s.now())
	st := Status{
		Running:     s.started.Load(),
		Enabled:     s.cfg.Enabled,
		QueueLength: len(s.queue),
		TodayCount:  s.today,
	}
	if s.current != nil {
		cp := *s.current
		st.CurrentOperation = &cp
	}
	s.mu.Unlock()

	st.TotalOperations = counts.Total
	if counts.Total > 0 {
		st.SuccessRate = float64(counts.Completed) / float64(counts.Total)
	}
	st.Health = s.deps.Probe.Latest()
	return st, nil
}

// publish sends an event on the bus, logging failures instead of propagating
// them. Event delivery is best effort from the scheduler's point of view.
func (s *Scheduler) publish(ctx context.Context, e model.DomainEvent) {
	if s.deps.Bus == nil {
		return
	}
	if err := s.deps.Bus.Publish(ctx, e); err != nil {
		s.deps.Logger.Warn("scheduler: publish event", "event_type", e.EventType, "error", err)
	}
}

func (s *Scheduler) registerMetrics() {
	meter := telemetry.Meter("inkstone.scheduler")
	queueLen, err := meter.Int64ObservableGauge("inkstone.scheduler.queue_length")
	if err != nil {
		return
	}
	skipped, err := meter.Int64ObservableGauge("inkstone.scheduler.ticks_skipped")
	if err != nil {
		return
	}
	daily, err := meter.Int64ObservableGauge("inkstone.scheduler.daily_count")
	if err != nil {
		return
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s.mu.Lock()
		n := len(s.queue)
		today := s.today
		s.mu.Unlock()
		o.ObserveInt64(queueLen, int64(n))
		o.ObserveInt64(skipped, s.skipped.Load())
		o.ObserveInt64(daily, int64(today))
		return nil
	}, queueLen, skipped, daily)
	if err != nil {
		s.deps.Logger.Warn("scheduler: register metrics", "error", err)
	}
}
