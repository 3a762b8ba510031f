package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of a domain event.
type EventType string

const (
	// Operation lifecycle events.
	EventOperationQueued    EventType = "OperationQueued"
	EventOperationStarted   EventType = "OperationStarted"
	EventOperationCompleted EventType = "OperationCompleted"
	EventOperationFailed    EventType = "OperationFailed"
	EventOperationCancelled EventType = "OperationCancelled"

	// Content events.
	EventContentSaved     EventType = "ContentSaved"
	EventContentDiscarded EventType = "ContentDiscarded"

	// Configuration events.
	EventConfigUpdated EventType = "ConfigUpdated"

	// Scheduler lifecycle events.
	EventSchedulerStarted EventType = "SchedulerStarted"
	EventSchedulerStopped EventType = "SchedulerStopped"
)

// DomainEvent is an append-only record of something that happened.
// Immutable once published. The event log is the durable record of state
// changes, decoupled from the mutable entity tables.
type DomainEvent struct {
	EventID       uuid.UUID      `json:"event_id"`
	EventType     EventType      `json:"event_type"`
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewDomainEvent constructs an event with a fresh ID and UTC timestamp.
func NewDomainEvent(eventType EventType, aggregateType, aggregateID string, payload map[string]any) DomainEvent {
	return DomainEvent{
		EventID:       uuid.New(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}
