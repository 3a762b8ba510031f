// Package testutil provides shared test infrastructure: a throwaway SQLite
// database with migrations applied, and a quiet test logger.
package testutil

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/inkstone-app/inkstone/internal/storage"
	"github.com/inkstone-app/inkstone/migrations"
)

// NewTestDB opens a file-backed SQLite database under t.TempDir, runs all
// migrations, and registers cleanup. Each call gets an isolated database.
func NewTestDB(t *testing.T) *storage.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "inkstone_test.db")
	driver, err := storage.OpenSQLite(path, 4)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	ctx := context.Background()
	pool, err := storage.NewPool(ctx, driver, storage.PoolConfig{
		MinConns: 1,
		MaxConns: 4,
	}, TestLogger())
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}

	db := storage.NewDB(pool, TestLogger())
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close(context.Background())
	})
	return db
}

// NewTestPool is NewTestDB for code that only needs the pool.
func NewTestPool(t *testing.T) *storage.Pool {
	t.Helper()
	return NewTestDB(t).Pool()
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
