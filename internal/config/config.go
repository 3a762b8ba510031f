// Package config loads and validates application configuration from
// environment variables. Runtime scheduler settings (intervals, quotas, time
// slots) live in the versioned autonomous_config table instead; this package
// covers only the process-level knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Datastore settings.
	DatabasePath string // SQLite file path, or ":memory:".

	// Connection pool settings.
	PoolMinConns       int
	PoolMaxConns       int
	PoolAcquireTimeout time.Duration
	PoolIdleTimeout    time.Duration

	// Batch write coordinator settings.
	BatchSize        int
	BatchFlushEvery  time.Duration
	BatchConcurrency int
	BatchMaxRetries  int

	// Generation collaborator settings.
	GenerationURL     string // OpenAI-compatible chat completion endpoint base URL.
	GenerationModel   string
	AssessmentModel   string // model used by the quality gate; defaults to GenerationModel.
	GenerationTimeout time.Duration
	GenerationAPIKey  string

	// Health probe settings.
	HealthSampleEvery time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:               envInt("INKSTONE_PORT", 8745),
		ReadTimeout:        envDuration("INKSTONE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:       envDuration("INKSTONE_WRITE_TIMEOUT", 30*time.Second),
		DatabasePath:       envStr("INKSTONE_DB_PATH", defaultDBPath()),
		PoolMinConns:       envInt("INKSTONE_POOL_MIN_CONNS", 1),
		PoolMaxConns:       envInt("INKSTONE_POOL_MAX_CONNS", 4),
		PoolAcquireTimeout: envDuration("INKSTONE_POOL_ACQUIRE_TIMEOUT", 5*time.Second),
		PoolIdleTimeout:    envDuration("INKSTONE_POOL_IDLE_TIMEOUT", time.Minute),
		BatchSize:          envInt("INKSTONE_BATCH_SIZE", 50),
		BatchFlushEvery:    envDuration("INKSTONE_BATCH_FLUSH_INTERVAL", time.Second),
		BatchConcurrency:   envInt("INKSTONE_BATCH_CONCURRENCY", 2),
		BatchMaxRetries:    envInt("INKSTONE_BATCH_MAX_RETRIES", 3),
		GenerationURL:      envStr("INKSTONE_GENERATION_URL", "http://localhost:11434"),
		GenerationModel:    envStr("INKSTONE_GENERATION_MODEL", "llama3.1"),
		AssessmentModel:    envStr("INKSTONE_ASSESSMENT_MODEL", ""),
		GenerationTimeout:  envDuration("INKSTONE_GENERATION_TIMEOUT", 2*time.Minute),
		GenerationAPIKey:   envStr("INKSTONE_GENERATION_API_KEY", ""),
		HealthSampleEvery:  envDuration("INKSTONE_HEALTH_SAMPLE_INTERVAL", 10*time.Second),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:       envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "inkstone"),
		LogLevel:           envStr("INKSTONE_LOG_LEVEL", "info"),
	}
	if cfg.AssessmentModel == "" {
		cfg.AssessmentModel = cfg.GenerationModel
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: INKSTONE_DB_PATH is required")
	}
	if c.PoolMaxConns < c.PoolMinConns {
		return fmt.Errorf("config: INKSTONE_POOL_MAX_CONNS (%d) below INKSTONE_POOL_MIN_CONNS (%d)",
			c.PoolMaxConns, c.PoolMinConns)
	}
	if c.PoolMaxConns <= 0 {
		return fmt.Errorf("config: INKSTONE_POOL_MAX_CONNS must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: INKSTONE_BATCH_SIZE must be positive")
	}
	if c.GenerationURL == "" {
		return fmt.Errorf("config: INKSTONE_GENERATION_URL is required")
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "inkstone.db"
	}
	return home + "/.inkstone/inkstone.db"
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
