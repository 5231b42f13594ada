// Package config loads engine configuration from YAML files with
// environment variable overrides.
//
// Precedence: defaults → YAML file → FLOWENGINE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	// Engine controls execution behaviour.
	Engine EngineConfig `yaml:"engine"`
	// Database configures run/step/definition/journey persistence.
	Database DatabaseConfig `yaml:"database"`
	// Redis configures the cache used for the journey stage pointer
	// and the storage node handler.
	Redis RedisConfig `yaml:"redis"`
	// Log configures zap.
	Log LogConfig `yaml:"log"`
	// Telemetry configures the OTel SDK.
	Telemetry TelemetryConfig `yaml:"telemetry"`
	// Metrics configures the Prometheus listener.
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig controls wave scheduling, timeouts, and retry policy.
type EngineConfig struct {
	// MaxWorkers bounds concurrent node executions per run.
	MaxWorkers int `yaml:"max_workers"`
	// DefaultNodeTimeout applies when a node instance and its type
	// descriptor both leave the timeout unset.
	DefaultNodeTimeout time.Duration `yaml:"default_node_timeout"`
	// DefaultRetryAttempts applies when a node leaves retries unset.
	DefaultRetryAttempts int `yaml:"default_retry_attempts"`
	// RetryInitialDelay is the first backoff delay.
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
	// RetryMultiplier is the exponential backoff factor.
	RetryMultiplier float64 `yaml:"retry_multiplier"`
}

// DatabaseConfig configures the SQL store.
type DatabaseConfig struct {
	// Driver is one of sqlite, postgres, mysql.
	Driver string `yaml:"driver"`
	// DSN is the connection string. For sqlite this is a file path
	// or ":memory:".
	DSN string `yaml:"dsn"`
	// MaxIdleConns caps idle pool connections.
	MaxIdleConns int `yaml:"max_idle_conns"`
	// MaxOpenConns caps open pool connections.
	MaxOpenConns int `yaml:"max_open_conns"`
	// ConnMaxLifetime bounds connection reuse.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the cache client.
type RedisConfig struct {
	// Enabled turns the cache on. When false the journey machine
	// falls back to database reads.
	Enabled bool `yaml:"enabled"`
	// Addr is host:port.
	Addr string `yaml:"addr"`
	// Password authenticates the connection.
	Password string `yaml:"password"`
	// DB selects the redis database.
	DB int `yaml:"db"`
	// DefaultTTL is the default entry expiry.
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// PoolSize caps pooled connections.
	PoolSize int `yaml:"pool_size"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

// TelemetryConfig configures OTel export.
type TelemetryConfig struct {
	// Enabled turns exporting on; when false providers stay noop.
	Enabled bool `yaml:"enabled"`
	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// SampleRate is the trace sampling ratio (0-1).
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig configures the Prometheus scrape listener.
type MetricsConfig struct {
	// Enabled turns the listener on.
	Enabled bool `yaml:"enabled"`
	// Addr is the listen address, e.g. ":9091".
	Addr string `yaml:"addr"`
	// Namespace prefixes all metric names.
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxWorkers:           8,
			DefaultNodeTimeout:   30 * time.Second,
			DefaultRetryAttempts: 0,
			RetryInitialDelay:    500 * time.Millisecond,
			RetryMaxDelay:        30 * time.Second,
			RetryMultiplier:      2.0,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "flowengine.db",
			MaxIdleConns:    10,
			MaxOpenConns:    50,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			DefaultTTL: 5 * time.Minute,
			PoolSize:   10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "flowengine",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Addr:      ":9091",
			Namespace: "flowengine",
		},
	}
}

// Load reads configuration from path (optional) and applies environment
// overrides on top of the defaults. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Engine.MaxWorkers <= 0 {
		return fmt.Errorf("engine.max_workers must be positive, got %d", c.Engine.MaxWorkers)
	}
	if c.Engine.DefaultNodeTimeout <= 0 {
		return fmt.Errorf("engine.default_node_timeout must be positive")
	}
	if c.Engine.RetryMultiplier < 1.0 {
		return fmt.Errorf("engine.retry_multiplier must be >= 1.0, got %g", c.Engine.RetryMultiplier)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres, or mysql, got %q", c.Database.Driver)
	}
	return nil
}

// applyEnv overrides config fields from FLOWENGINE_* environment variables.
func applyEnv(c *Config) {
	setInt(&c.Engine.MaxWorkers, "FLOWENGINE_ENGINE_MAX_WORKERS")
	setDuration(&c.Engine.DefaultNodeTimeout, "FLOWENGINE_ENGINE_DEFAULT_NODE_TIMEOUT")
	setInt(&c.Engine.DefaultRetryAttempts, "FLOWENGINE_ENGINE_DEFAULT_RETRY_ATTEMPTS")
	setString(&c.Database.Driver, "FLOWENGINE_DATABASE_DRIVER")
	setString(&c.Database.DSN, "FLOWENGINE_DATABASE_DSN")
	setBool(&c.Redis.Enabled, "FLOWENGINE_REDIS_ENABLED")
	setString(&c.Redis.Addr, "FLOWENGINE_REDIS_ADDR")
	setString(&c.Redis.Password, "FLOWENGINE_REDIS_PASSWORD")
	setString(&c.Log.Level, "FLOWENGINE_LOG_LEVEL")
	setString(&c.Log.Format, "FLOWENGINE_LOG_FORMAT")
	setBool(&c.Telemetry.Enabled, "FLOWENGINE_TELEMETRY_ENABLED")
	setString(&c.Telemetry.OTLPEndpoint, "FLOWENGINE_TELEMETRY_OTLP_ENDPOINT")
	setBool(&c.Metrics.Enabled, "FLOWENGINE_METRICS_ENABLED")
	setString(&c.Metrics.Addr, "FLOWENGINE_METRICS_ADDR")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
