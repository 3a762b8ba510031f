package inkstone

import (
	"log/slog"

	"github.com/inkstone-app/inkstone/internal/generation"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port         int
	databasePath string
	logger       *slog.Logger
	version      string
	genClient    generation.Client
}

// WithPort overrides the TCP port from config (INKSTONE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabasePath overrides the SQLite path from config (INKSTONE_DB_PATH
// env var). Use ":memory:" for an ephemeral store.
func WithDatabasePath(path string) Option {
	return func(o *resolvedOptions) { o.databasePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithGenerationClient replaces the HTTP collaborator client. Intended for
// tests and for consumers with their own model serving.
func WithGenerationClient(c generation.Client) Option {
	return func(o *resolvedOptions) { o.genClient = c }
}
