package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/inkstone-app/inkstone/internal/generation"
	"github.com/inkstone-app/inkstone/internal/health"
	"github.com/inkstone-app/inkstone/internal/model"
	"github.com/inkstone-app/inkstone/internal/reliability"
	"github.com/inkstone-app/inkstone/internal/storage"
)

// run executes one admitted operation end to end. All failures are absorbed
// here: the operation row records the outcome and the loop keeps going.
func (s *Scheduler) run(ctx context.Context, op *model.Operation) {
	defer s.clearCurrent()

	start := s.now()
	op.Status = model.OperationRunning
	op.StartTime = start
	if err := s.persistOperation(ctx, op); err != nil {
		s.deps.Logger.Error("scheduler: record operation start", "operation_id", op.ID, "error", err)
	}
	s.publish(ctx, model.NewDomainEvent(model.EventOperationStarted, "operation", op.ID.String(),
		map[string]any{"type": string(op.Type), "queued": op.Queued}))
	s.logActivity(model.LogInfo, "operation started", op, map[string]any{"type": string(op.Type)})

	startSnap := s.deps.Probe.Latest()
	apiCalls := 0

	var res generation.Result
	retryCfg := s.retry
	retryCfg.OnRetry = func(attempt int, err error) {
		s.deps.Logger.Warn("scheduler: generation attempt failed",
			"operation_id", op.ID, "attempt", attempt, "error", err)
	}
	genErr := s.breaker.Execute(func() error {
		return reliability.Retry(ctx, retryCfg, func() error {
			apiCalls++
			r, err := s.deps.Gen.Complete(ctx, generation.PromptFor(op.Type), generation.Options{
				Model:       s.deps.GenModel,
				Temperature: 0.8,
				MaxTokens:   2048,
			})
			if err != nil {
				return err
			}
			res = r
			return nil
		})
	})
	op.Metrics.TokensUsed = res.TokensUsed
	if genErr != nil {
		s.finish(ctx, op, startSnap, start, apiCalls, genErr)
		return
	}
	if ctx.Err() != nil {
		s.finish(ctx, op, startSnap, start, apiCalls, ctx.Err())
		return
	}

	title, body := generation.SplitTitle(res.Text)
	content := s.newContent(op, title, body)

	assessment := s.deps.Gate.Assess(ctx, content)
	apiCalls++
	if ctx.Err() != nil {
		s.finish(ctx, op, startSnap, start, apiCalls, ctx.Err())
		return
	}

	verdict := s.decide(assessment)
	switch verdict {
	case model.RecommendSave, model.RecommendReview:
		content.NeedsReview = verdict == model.RecommendReview
		op.Result = content
		if err := s.persistResult(ctx, op, content); err != nil {
			s.finish(ctx, op, startSnap, start, apiCalls, err)
			return
		}
		s.publish(ctx, model.NewDomainEvent(model.EventContentSaved, "content", content.ID.String(),
			map[string]any{
				"type":         string(content.Type),
				"score":        assessment.OverallScore,
				"needs_review": content.NeedsReview,
				"degraded":     assessment.Degraded,
			}))
	case model.RecommendDiscard:
		s.publish(ctx, model.NewDomainEvent(model.EventContentDiscarded, "content", content.ID.String(),
			map[string]any{"type": string(content.Type), "score": assessment.OverallScore}))
	}

	s.finish(ctx, op, startSnap, start, apiCalls, nil)
	s.logActivity(model.LogInfo, "operation completed", op, map[string]any{
		"type":    string(op.Type),
		"score":   assessment.OverallScore,
		"verdict": string(verdict),
	})
}

// decide maps an assessment to the action taken, honoring the configured
// quality threshold. A score below the save band is never persisted as a
// save, and a configured threshold above the band raises the bar further.
func (s *Scheduler) decide(a model.QualityAssessment) model.Recommendation {
	threshold := s.Config().QualityThreshold
	switch a.Recommendation {
	case model.RecommendSave:
		if a.OverallScore < threshold {
			return model.RecommendReview
		}
		return model.RecommendSave
	case model.RecommendDiscard:
		return model.RecommendDiscard
	default:
		return model.RecommendReview
	}
}

// newContent wraps generated text in a Content for the operation's category.
func (s *Scheduler) newContent(op *model.Operation, title, body string) *model.Content {
	now := s.now().UTC()
	return &model.Content{
		ID:        op.ID,
		ProjectID: op.ProjectID,
		Type:      op.Type,
		Title:     title,
		Detail:    generation.DetailFromText(op.Type, title, body),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// finish stamps metrics and the terminal status on op, persists it, and emits
// the terminal event plus activity log entry. Persistence runs on a fresh
// context so a cancelled operation is still recorded.
func (s *Scheduler) finish(ctx context.Context, op *model.Operation, startSnap health.Snapshot, start time.Time, apiCalls int, cause error) {
	end := s.now()
	op.EndTime = &end
	op.Metrics.DurationMS = end.Sub(start).Milliseconds()
	op.Metrics.APICalls = apiCalls
	endSnap := s.deps.Probe.Latest()
	op.Metrics.CPUDelta = endSnap.CPUPercent - startSnap.CPUPercent
	op.Metrics.MemoryDeltaMB = endSnap.MemoryMB - startSnap.MemoryMB

	eventType := model.EventOperationCompleted
	switch {
	case cause == nil:
		op.Status = model.OperationCompleted
	case errors.Is(cause, context.Canceled):
		op.Status = model.OperationCancelled
		eventType = model.EventOperationCancelled
	default:
		op.Status = model.OperationFailed
		op.Error = cause.Error()
		eventType = model.EventOperationFailed
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.persistOperation(persistCtx, op); err != nil {
		s.deps.Logger.Error("scheduler: record operation outcome",
			"operation_id", op.ID, "status", op.Status, "error", err)
	}

	payload := map[string]any{"type": string(op.Type), "duration_ms": op.Metrics.DurationMS}
	if op.Error != "" {
		payload["error"] = op.Error
	}
	s.publish(persistCtx, model.NewDomainEvent(eventType, "operation", op.ID.String(), payload))

	if cause != nil {
		s.logActivity(model.LogError, "operation "+string(op.Status), op, payload)
		s.deps.Logger.Warn("scheduler: operation did not complete",
			"operation_id", op.ID, "status", op.Status, "error", cause)
	}
}

// persistOperation writes the operation row in its own transaction.
func (s *Scheduler) persistOperation(ctx context.Context, op *model.Operation) error {
	uow := storage.NewUnitOfWork(s.deps.DB.Pool())
	if err := uow.Begin(ctx); err != nil {
		return err
	}
	if err := storage.UpsertOperation(ctx, uow.Tx(), *op); err != nil {
		_ = uow.Rollback()
		return err
	}
	return uow.Commit()
}

// persistResult writes the content row and the terminal operation row in one
// transaction, so a saved artifact and its operation record never diverge.
func (s *Scheduler) persistResult(ctx context.Context, op *model.Operation, c *model.Content) error {
	uow := storage.NewUnitOfWork(s.deps.DB.Pool())
	if err := uow.Begin(ctx); err != nil {
		return err
	}
	if _, err := storage.ContentExists(ctx, uow.Tx(), c.ID); err != nil {
		_ = uow.Rollback()
		return err
	}
	if err := storage.UpsertContent(ctx, uow.Tx(), *c); err != nil {
		_ = uow.Rollback()
		return err
	}
	if err := storage.UpsertOperation(ctx, uow.Tx(), *op); err != nil {
		_ = uow.Rollback()
		return err
	}
	return uow.Commit()
}

// logActivity appends an entry to the durable activity log through the batch
// coordinator. Delivery is asynchronous; the future is intentionally dropped.
func (s *Scheduler) logActivity(level model.LogLevel, msg string, op *model.Operation, fields map[string]any) {
	if s.deps.ActivityLog == nil {
		return
	}
	entry := model.LogEntry{
		Timestamp: s.now().UTC(),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	if op != nil {
		id := op.ID
		entry.OperationID = &id
	}
	s.deps.ActivityLog.Add(entry)
}

func (s *Scheduler) clearCurrent() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}
