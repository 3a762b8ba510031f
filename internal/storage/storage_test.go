package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkstone-app/inkstone/migrations"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// newTestDB opens an isolated file-backed SQLite database with the full
// schema applied.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	driver, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)

	ctx := context.Background()
	pool, err := NewPool(ctx, driver, PoolConfig{MinConns: 1, MaxConns: 4}, testLogger())
	require.NoError(t, err)

	db := NewDB(pool, testLogger())
	require.NoError(t, db.RunMigrations(ctx, migrations.FS))
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}
