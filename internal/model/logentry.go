package model

import (
	"time"

	"github.com/google/uuid"
)

// LogLevel is the severity of an activity log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one row of the append-only activity log. This is the record
// external callers see through GetLogs; a failed tick is invisible to them
// except through this stream and the failed Operation row.
type LogEntry struct {
	ID          int64          `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Level       LogLevel       `json:"level"`
	Message     string         `json:"message"`
	OperationID *uuid.UUID     `json:"operation_id,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// LogFilter selects activity log entries. Zero values mean "no constraint";
// Limit <= 0 falls back to the repository default.
type LogFilter struct {
	Level       LogLevel
	OperationID *uuid.UUID
	Since       time.Time
	Limit       int
}
