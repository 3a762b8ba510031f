package model

import (
	"time"

	"github.com/google/uuid"
)

// OperationStatus is the lifecycle state of an autonomous operation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationCancelled OperationStatus = "cancelled"
)

// Terminal reports whether the status is final. A terminal operation is never
// resurrected; it is persisted as the last word on that operation.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationCompleted, OperationFailed, OperationCancelled:
		return true
	}
	return false
}

// OperationMetrics captures resource usage for one operation execution.
// Deltas are measured between snapshots taken at start and end, so they
// reflect the operation rather than absolute process state. The struct is
// filled in completely after execution; it is never visible half-written.
type OperationMetrics struct {
	DurationMS    int64   `json:"duration_ms"`
	TokensUsed    int     `json:"tokens_used"`
	APICalls      int     `json:"api_calls"`
	CPUDelta      float64 `json:"cpu_delta"`
	MemoryDeltaMB float64 `json:"memory_delta_mb"`
}

// Operation is one unit of autonomous content generation plus its outcome.
// Created by the scheduler, mutated only by the scheduler, and persisted
// append-only once it reaches a terminal status.
type Operation struct {
	ID        uuid.UUID        `json:"id"`
	Type      ContentType      `json:"type"`
	ProjectID *uuid.UUID       `json:"project_id,omitempty"`
	Status    OperationStatus  `json:"status"`
	Queued    bool             `json:"queued"` // externally requested rather than synthesized
	StartTime time.Time        `json:"start_time"`
	EndTime   *time.Time       `json:"end_time,omitempty"`
	Metrics   OperationMetrics `json:"metrics"`
	Result    *Content         `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}
