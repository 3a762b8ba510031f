package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8745, cfg.Port)
	assert.Equal(t, 1, cfg.PoolMinConns)
	assert.Equal(t, 4, cfg.PoolMaxConns)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, "http://localhost:11434", cfg.GenerationURL)
	assert.NotEmpty(t, cfg.DatabasePath)
	// The assessment model follows the generation model unless overridden.
	assert.Equal(t, cfg.GenerationModel, cfg.AssessmentModel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("INKSTONE_PORT", "9000")
	t.Setenv("INKSTONE_DB_PATH", "/tmp/ink.db")
	t.Setenv("INKSTONE_POOL_ACQUIRE_TIMEOUT", "250ms")
	t.Setenv("INKSTONE_ASSESSMENT_MODEL", "critic")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/tmp/ink.db", cfg.DatabasePath)
	assert.Equal(t, 250*time.Millisecond, cfg.PoolAcquireTimeout)
	assert.Equal(t, "critic", cfg.AssessmentModel)
	assert.True(t, cfg.OTELInsecure)
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	t.Setenv("INKSTONE_PORT", "not-a-number")
	t.Setenv("INKSTONE_READ_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8745, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	bad := cfg
	bad.PoolMinConns = 5
	bad.PoolMaxConns = 2
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.BatchSize = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.GenerationURL = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.DatabasePath = ""
	assert.Error(t, bad.Validate())
}
