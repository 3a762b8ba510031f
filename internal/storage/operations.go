package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inkstone-app/inkstone/internal/model"
)

// UpsertOperation writes an operation row, replacing any previous row for the
// same id. Status transitions only ever move forward (the scheduler is the
// single writer), so replace-on-write is safe.
func UpsertOperation(ctx context.Context, ex Execer, op model.Operation) error {
	var projectID sql.NullString
	if op.ProjectID != nil {
		projectID = sql.NullString{String: op.ProjectID.String(), Valid: true}
	}
	var endTime sql.NullTime
	if op.EndTime != nil {
		endTime = sql.NullTime{Time: *op.EndTime, Valid: true}
	}
	var resultID sql.NullString
	if op.Result != nil {
		resultID = sql.NullString{String: op.Result.ID.String(), Valid: true}
	}

	_, err := ex.ExecContext(ctx,
		`INSERT INTO autonomous_operations
		   (id, type, project_id, status, queued, start_time, end_time,
		    duration_ms, tokens_used, api_calls, cpu_delta, memory_delta_mb,
		    result_id, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   status = excluded.status,
		   end_time = excluded.end_time,
		   duration_ms = excluded.duration_ms,
		   tokens_used = excluded.tokens_used,
		   api_calls = excluded.api_calls,
		   cpu_delta = excluded.cpu_delta,
		   memory_delta_mb = excluded.memory_delta_mb,
		   result_id = excluded.result_id,
		   error = excluded.error`,
		op.ID.String(), string(op.Type), projectID, string(op.Status), op.Queued,
		op.StartTime, endTime,
		op.Metrics.DurationMS, op.Metrics.TokensUsed, op.Metrics.APICalls,
		op.Metrics.CPUDelta, op.Metrics.MemoryDeltaMB,
		resultID, op.Error,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert operation %s: %w", op.ID, err)
	}
	return nil
}

// GetOperation loads one operation by id.
func (db *DB) GetOperation(ctx context.Context, id uuid.UUID) (model.Operation, error) {
	var op model.Operation
	err := db.withConn(ctx, func(conn Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT id, type, project_id, status, queued, start_time, end_time,
			        duration_ms, tokens_used, api_calls, cpu_delta, memory_delta_mb, error
			 FROM autonomous_operations WHERE id = ?`, id.String(),
		)
		var scanErr error
		op, scanErr = scanOperation(row)
		return scanErr
	})
	return op, err
}

// ListOperations returns the most recent operations, newest first.
func (db *DB) ListOperations(ctx context.Context, limit int) ([]model.Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	var ops []model.Operation
	err := db.withConn(ctx, func(conn Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT id, type, project_id, status, queued, start_time, end_time,
			        duration_ms, tokens_used, api_calls, cpu_delta, memory_delta_mb, error
			 FROM autonomous_operations
			 ORDER BY start_time DESC
			 LIMIT ?`, limit,
		)
		if err != nil {
			return fmt.Errorf("storage: list operations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			op, err := scanOperation(rows)
			if err != nil {
				return err
			}
			ops = append(ops, op)
		}
		return rows.Err()
	})
	return ops, err
}

// OperationCounts summarizes terminal operations for status reporting.
type OperationCounts struct {
	Total     int
	Completed int
	Failed    int
}

// CountOperations tallies operations started at or after since. Pass the zero
// time to count all operations.
func (db *DB) CountOperations(ctx context.Context, since time.Time) (OperationCounts, error) {
	var counts OperationCounts
	err := db.withConn(ctx, func(conn Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT COUNT(*),
			        COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
			 FROM autonomous_operations
			 WHERE start_time >= ?`, since,
		)
		if err := row.Scan(&counts.Total, &counts.Completed, &counts.Failed); err != nil {
			return fmt.Errorf("storage: count operations: %w", err)
		}
		return nil
	})
	return counts, err
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (model.Operation, error) {
	var (
		op        model.Operation
		id        string
		opType    string
		projectID sql.NullString
		status    string
		endTime   sql.NullTime
	)
	if err := row.Scan(
		&id, &opType, &projectID, &status, &op.Queued, &op.StartTime, &endTime,
		&op.Metrics.DurationMS, &op.Metrics.TokensUsed, &op.Metrics.APICalls,
		&op.Metrics.CPUDelta, &op.Metrics.MemoryDeltaMB, &op.Error,
	); err != nil {
		return model.Operation{}, fmt.Errorf("storage: scan operation: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.Operation{}, fmt.Errorf("storage: parse operation id %q: %w", id, err)
	}
	op.ID = parsed
	op.Type = model.ContentType(opType)
	op.Status = model.OperationStatus(status)
	if projectID.Valid {
		pid, err := uuid.Parse(projectID.String)
		if err != nil {
			return model.Operation{}, fmt.Errorf("storage: parse project id %q: %w", projectID.String, err)
		}
		op.ProjectID = &pid
	}
	if endTime.Valid {
		t := endTime.Time
		op.EndTime = &t
	}
	return op, nil
}
