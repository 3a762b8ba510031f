package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/inkstone-app/inkstone/internal/model"
)

// InsertLogEntry appends one activity log row. The table is append-only;
// entries are never updated or deleted by the engine.
func InsertLogEntry(ctx context.Context, ex Execer, e model.LogEntry) error {
	var opID sql.NullString
	if e.OperationID != nil {
		opID = sql.NullString{String: e.OperationID.String(), Valid: true}
	}
	var fields []byte
	if len(e.Fields) > 0 {
		raw, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("storage: marshal log fields: %w", err)
		}
		fields = raw
	}

	_, err := ex.ExecContext(ctx,
		`INSERT INTO autonomous_logs (timestamp, level, message, operation_id, fields)
		 VALUES (?, ?, ?, ?, ?)`,
		e.Timestamp, string(e.Level), e.Message, opID, fields,
	)
	if err != nil {
		return fmt.Errorf("storage: insert log entry: %w", err)
	}
	return nil
}

// QueryLogs returns activity log entries matching the filter, newest first.
func (db *DB) QueryLogs(ctx context.Context, filter model.LogFilter) ([]model.LogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, timestamp, level, message, operation_id, fields
	          FROM autonomous_logs WHERE 1=1`
	var args []any
	if filter.Level != "" {
		query += ` AND level = ?`
		args = append(args, string(filter.Level))
	}
	if filter.OperationID != nil {
		query += ` AND operation_id = ?`
		args = append(args, filter.OperationID.String())
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, filter.Since)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var entries []model.LogEntry
	err := db.withConn(ctx, func(conn Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("storage: query logs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e      model.LogEntry
				level  string
				opID   sql.NullString
				fields []byte
			)
			if err := rows.Scan(&e.ID, &e.Timestamp, &level, &e.Message, &opID, &fields); err != nil {
				return fmt.Errorf("storage: scan log entry: %w", err)
			}
			e.Level = model.LogLevel(level)
			if opID.Valid {
				id, err := uuid.Parse(opID.String)
				if err != nil {
					return fmt.Errorf("storage: parse log operation id %q: %w", opID.String, err)
				}
				e.OperationID = &id
			}
			if len(fields) > 0 {
				if err := json.Unmarshal(fields, &e.Fields); err != nil {
					return fmt.Errorf("storage: parse log fields: %w", err)
				}
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, err
}
