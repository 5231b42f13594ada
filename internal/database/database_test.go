package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathware/flowengine/config"
)

func TestOpen_SQLite(t *testing.T) {
	t.Parallel()
	cfg := config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1}
	db, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, Ping(context.Background(), db))

	stats, err := Stats(db)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MaxOpenConnections)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(config.DatabaseConfig{Driver: "oracle"}, zap.NewNop())
	assert.Error(t, err)
}
