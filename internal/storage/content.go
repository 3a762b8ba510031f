package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/inkstone-app/inkstone/internal/model"
)

// ContentExists reports whether a content row with this id is present.
func ContentExists(ctx context.Context, ex Execer, id uuid.UUID) (bool, error) {
	var count int
	if err := ex.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content WHERE id = ?`, id.String(),
	).Scan(&count); err != nil {
		return false, fmt.Errorf("storage: check content %s: %w", id, err)
	}
	return count > 0, nil
}

// UpsertContent inserts or updates one content row. The typed detail is
// encoded to opaque bytes here, at the persistence edge.
func UpsertContent(ctx context.Context, ex Execer, c model.Content) error {
	detail, err := model.EncodeDetail(c.Detail)
	if err != nil {
		return err
	}
	var projectID sql.NullString
	if c.ProjectID != nil {
		projectID = sql.NullString{String: c.ProjectID.String(), Valid: true}
	}

	_, err = ex.ExecContext(ctx,
		`INSERT INTO content (id, project_id, type, title, detail, review, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   title = excluded.title,
		   detail = excluded.detail,
		   review = excluded.review,
		   updated_at = excluded.updated_at`,
		c.ID.String(), projectID, string(c.Type), c.Title, detail, c.NeedsReview, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert content %s: %w", c.ID, err)
	}
	return nil
}

// GetContent loads one content row and decodes its typed detail.
func (db *DB) GetContent(ctx context.Context, id uuid.UUID) (model.Content, error) {
	var c model.Content
	err := db.withConn(ctx, func(conn Conn) error {
		var (
			rowID     string
			projectID sql.NullString
			cType     string
			detail    []byte
		)
		row := conn.QueryRowContext(ctx,
			`SELECT id, project_id, type, title, detail, review, created_at, updated_at
			 FROM content WHERE id = ?`, id.String(),
		)
		if err := row.Scan(&rowID, &projectID, &cType, &c.Title, &detail, &c.NeedsReview, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return fmt.Errorf("storage: get content %s: %w", id, err)
		}
		parsed, err := uuid.Parse(rowID)
		if err != nil {
			return fmt.Errorf("storage: parse content id %q: %w", rowID, err)
		}
		c.ID = parsed
		c.Type = model.ContentType(cType)
		if projectID.Valid {
			pid, err := uuid.Parse(projectID.String)
			if err != nil {
				return fmt.Errorf("storage: parse content project id %q: %w", projectID.String, err)
			}
			c.ProjectID = &pid
		}
		c.Detail, err = model.DecodeDetail(c.Type, detail)
		return err
	})
	return c, err
}

// CountContentByType tallies saved artifacts per category.
func (db *DB) CountContentByType(ctx context.Context) (map[model.ContentType]int, error) {
	counts := make(map[model.ContentType]int)
	err := db.withConn(ctx, func(conn Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT type, COUNT(*) FROM content GROUP BY type`,
		)
		if err != nil {
			return fmt.Errorf("storage: count content: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				t string
				n int
			)
			if err := rows.Scan(&t, &n); err != nil {
				return fmt.Errorf("storage: scan content count: %w", err)
			}
			counts[model.ContentType(t)] = n
		}
		return rows.Err()
	})
	return counts, err
}
