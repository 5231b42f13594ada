// Package cache provides the shared Redis access layer used by the journey
// stage-pointer cache and the storage node handler.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pathware/flowengine/config"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Manager wraps a Redis client with JSON encoding and a default TTL.
type Manager struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewManager connects to Redis and verifies the connection.
func NewManager(cfg config.RedisConfig, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Manager{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "cache")),
	}, nil
}

// NewManagerWithClient wraps an existing client. Used by tests (miniredis)
// and callers that manage the client lifecycle themselves.
func NewManagerWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "cache")),
	}
}

// Set stores a JSON-encoded value under key with the default TTL.
func (m *Manager) Set(ctx context.Context, key string, value any) error {
	return m.SetTTL(ctx, key, value, m.ttl)
}

// SetTTL stores a JSON-encoded value under key with an explicit TTL.
// A zero ttl stores the key without expiry.
func (m *Manager) SetTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if err := m.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set cache key %s: %w", key, err)
	}
	return nil
}

// Get loads the value stored under key into dest.
func (m *Manager) Get(ctx context.Context, key string, dest any) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	data, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get cache key %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal cache value for %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	if err := m.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete cache key %s: %w", key, err)
	}
	return nil
}

// Close shuts down the underlying client.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.client.Close()
}

func (m *Manager) ensureOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("cache: manager is closed")
	}
	return nil
}
