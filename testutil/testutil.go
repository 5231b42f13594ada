// Package testutil provides shared fixtures for the engine's test suites:
// in-memory databases and cache managers that clean themselves up.
package testutil

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pathware/flowengine/config"
	"github.com/pathware/flowengine/internal/cache"
	"github.com/pathware/flowengine/internal/database"
)

// OpenSQLite opens an isolated in-memory database.
func OpenSQLite(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    ":memory:",
	}, zap.NewNop())
	require.NoError(t, err)
	return db
}

// NewCache starts a miniredis and wraps it in a cache manager. Both are
// torn down with the test.
func NewCache(t testing.TB) (*cache.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mgr := cache.NewManagerWithClient(client, time.Minute, zap.NewNop())
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr, mr
}
