package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inkstone-app/inkstone/internal/model"
)

// LoadLatestConfig returns the highest-version autonomous config row and its
// version. When no row exists yet it returns the default config and version 0.
func (db *DB) LoadLatestConfig(ctx context.Context) (model.AutonomousConfig, int64, error) {
	var (
		cfg     model.AutonomousConfig
		version int64
	)
	err := db.withConn(ctx, func(conn Conn) error {
		var raw []byte
		row := conn.QueryRowContext(ctx,
			`SELECT version, config FROM autonomous_config ORDER BY version DESC LIMIT 1`,
		)
		if err := row.Scan(&version, &raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				cfg = model.DefaultAutonomousConfig()
				version = 0
				return nil
			}
			return fmt.Errorf("storage: load config: %w", err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("storage: parse config version %d: %w", version, err)
		}
		return nil
	})
	return cfg, version, err
}

// UpdateConfig applies a partial patch to the latest config version and
// writes the result as a new version, all inside one transaction so
// concurrent updaters cannot interleave read-modify-write cycles.
// Returns the new config and its version.
func (db *DB) UpdateConfig(ctx context.Context, patch model.ConfigPatch) (model.AutonomousConfig, int64, error) {
	uow := NewUnitOfWork(db.pool)
	if err := uow.Begin(ctx); err != nil {
		return model.AutonomousConfig{}, 0, err
	}
	defer uow.Rollback() //nolint:errcheck // no-op after Commit

	tx := uow.Tx()

	cfg := model.DefaultAutonomousConfig()
	var version int64
	var raw []byte
	err := tx.QueryRowContext(ctx,
		`SELECT version, config FROM autonomous_config ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First update: patch the defaults.
	case err != nil:
		return model.AutonomousConfig{}, 0, fmt.Errorf("storage: load config for update: %w", err)
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return model.AutonomousConfig{}, 0, fmt.Errorf("storage: parse config version %d: %w", version, err)
		}
	}

	next := cfg.Apply(patch)
	if err := next.Validate(); err != nil {
		return model.AutonomousConfig{}, 0, err
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return model.AutonomousConfig{}, 0, fmt.Errorf("storage: encode config: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO autonomous_config (version, config) VALUES (?, ?)`,
		version+1, encoded,
	); err != nil {
		return model.AutonomousConfig{}, 0, fmt.Errorf("storage: insert config version %d: %w", version+1, err)
	}

	if err := uow.Commit(); err != nil {
		return model.AutonomousConfig{}, 0, err
	}
	return next, version + 1, nil
}
