package storage

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RunMigrations applies any embedded .sql files that have not been applied
// yet. Files are named NNN_description.sql and applied in ascending order,
// each inside its own transaction on a single leased connection.
func (db *DB) RunMigrations(ctx context.Context, fsys embed.FS) error {
	return db.withConn(ctx, func(conn Conn) error {
		if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
			return fmt.Errorf("storage: create schema_version table: %w", err)
		}

		entries, err := fsys.ReadDir(".")
		if err != nil {
			return fmt.Errorf("storage: read migrations: %w", err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
				continue
			}
			version, err := parseMigrationVersion(name)
			if err != nil {
				return err
			}

			var applied int
			if err := conn.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM schema_version WHERE version = ?`, version,
			).Scan(&applied); err != nil {
				return fmt.Errorf("storage: check migration %d: %w", version, err)
			}
			if applied > 0 {
				continue
			}

			content, err := fsys.ReadFile(name)
			if err != nil {
				return fmt.Errorf("storage: read migration %s: %w", name, err)
			}

			tx, err := conn.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("storage: begin migration %d: %w", version, err)
			}
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("storage: apply migration %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version) VALUES (?)`, version,
			); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("storage: record migration %d: %w", version, err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("storage: commit migration %d: %w", version, err)
			}
			db.logger.Info("storage: applied migration", "version", version, "file", name)
		}
		return nil
	})
}

// parseMigrationVersion extracts the numeric prefix from NNN_description.sql.
func parseMigrationVersion(name string) (int, error) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, fmt.Errorf("storage: migration %q has no numeric prefix", name)
	}
	version, err := strconv.Atoi(name[:idx])
	if err != nil {
		return 0, fmt.Errorf("storage: migration %q has no numeric prefix: %w", name, err)
	}
	return version, nil
}
