package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/inkstone-app/inkstone/internal/model"
)

// InsertDomainEvent appends one event to the durable event log.
// The table is append-only: the source of truth for "what happened",
// decoupled from the mutable entity tables.
func InsertDomainEvent(ctx context.Context, ex Execer, e model.DomainEvent) error {
	var payload []byte
	if len(e.Payload) > 0 {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("storage: marshal event payload: %w", err)
		}
		payload = raw
	}

	_, err := ex.ExecContext(ctx,
		`INSERT INTO domain_events
		   (event_id, event_type, aggregate_id, aggregate_type, payload, timestamp, correlation_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EventID.String(), string(e.EventType), e.AggregateID, e.AggregateType,
		payload, e.Timestamp, e.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("storage: insert domain event: %w", err)
	}
	return nil
}

// ListDomainEvents returns the most recent events for an aggregate, oldest
// first. Pass an empty aggregateID to list across all aggregates.
func (db *DB) ListDomainEvents(ctx context.Context, aggregateID string, limit int) ([]model.DomainEvent, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT event_id, event_type, aggregate_id, aggregate_type, payload, timestamp, correlation_id
	          FROM domain_events`
	var args []any
	if aggregateID != "" {
		query += ` WHERE aggregate_id = ?`
		args = append(args, aggregateID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	var events []model.DomainEvent
	err := db.withConn(ctx, func(conn Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("storage: list domain events: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e       model.DomainEvent
				eventID string
				eType   string
				payload []byte
			)
			if err := rows.Scan(&eventID, &eType, &e.AggregateID, &e.AggregateType,
				&payload, &e.Timestamp, &e.CorrelationID); err != nil {
				return fmt.Errorf("storage: scan domain event: %w", err)
			}
			id, err := uuid.Parse(eventID)
			if err != nil {
				return fmt.Errorf("storage: parse event id %q: %w", eventID, err)
			}
			e.EventID = id
			e.EventType = model.EventType(eType)
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &e.Payload); err != nil {
					return fmt.Errorf("storage: parse event payload: %w", err)
				}
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	return events, err
}
