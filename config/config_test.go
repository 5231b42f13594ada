package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := Default()
	assert.Equal(t, 8, cfg.Engine.MaxWorkers)
	assert.Equal(t, 30*time.Second, cfg.Engine.DefaultNodeTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
engine:
  max_workers: 4
  default_node_timeout: 10s
database:
  driver: postgres
  dsn: "host=localhost user=flow dbname=flow"
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Engine.MaxWorkers)
	assert.Equal(t, 10*time.Second, cfg.Engine.DefaultNodeTimeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched sections keep defaults.
	assert.Equal(t, 2.0, cfg.Engine.RetryMultiplier)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FLOWENGINE_ENGINE_MAX_WORKERS", "16")
	t.Setenv("FLOWENGINE_DATABASE_DRIVER", "mysql")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Engine.MaxWorkers)
	assert.Equal(t, "mysql", cfg.Database.Driver)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Engine.MaxWorkers = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.Driver = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Engine.RetryMultiplier = 0.5
	assert.Error(t, cfg.Validate())
}
