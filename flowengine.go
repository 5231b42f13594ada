// Package flowengine wires the full engine together: configuration,
// logging, persistence, the node catalog, the execution engine, and the
// journey state machine, behind one entry point.
//
// Usage:
//
//	app, err := flowengine.New(flowengine.WithConfigFile("config.yaml"))
//	defer app.Close(ctx)
//
//	def, _ := workflow.LoadDefinitionFile("scoring.yaml")
//	runID, _ := app.Engine.Start(ctx, def, input, "api")
package flowengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"github.com/pathware/flowengine/catalog"
	"github.com/pathware/flowengine/config"
	"github.com/pathware/flowengine/engine"
	"github.com/pathware/flowengine/internal/cache"
	"github.com/pathware/flowengine/internal/database"
	"github.com/pathware/flowengine/internal/metrics"
	"github.com/pathware/flowengine/internal/telemetry"
	"github.com/pathware/flowengine/journey"
	"github.com/pathware/flowengine/router"
	"github.com/pathware/flowengine/workflow"
)

// App is a fully wired engine instance.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	DB          *gorm.DB
	Cache       *cache.Manager
	Registry    *catalog.Registry
	Definitions *workflow.Store
	Engine      *engine.Engine
	Journey     *journey.Machine
	Metrics     *metrics.Collector
	// PromRegistry holds the collector's metrics for a scrape handler.
	// Nil when metrics are disabled.
	PromRegistry *prometheus.Registry

	telemetry *telemetry.Providers
}

type options struct {
	cfg         *config.Config
	configPath  string
	logger      *zap.Logger
	model       catalog.ModelClient
	secrets     catalog.SecretResolver
	router      *router.Router
	autoMigrate bool
}

// Option configures the app built by [New].
type Option func(*options)

// WithConfig supplies a prepared configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConfigFile loads configuration from a YAML file with environment
// overrides.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithModelClient sets the backend used by model.call nodes.
func WithModelClient(client catalog.ModelClient) Option {
	return func(o *options) { o.model = client }
}

// WithSecretResolver sets the resolver for $secret references in node
// configuration. Defaults to environment variables.
func WithSecretResolver(r catalog.SecretResolver) Option {
	return func(o *options) { o.secrets = r }
}

// WithRouter registers a conversation router as the conversation.route
// node type.
func WithRouter(r *router.Router) Option {
	return func(o *options) { o.router = r }
}

// WithAutoMigrate creates the schema through GORM instead of the SQL
// migrations. Intended for sqlite and tests.
func WithAutoMigrate() Option {
	return func(o *options) { o.autoMigrate = true }
}

// New builds and wires an App.
func New(opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if cfg == nil {
		var err error
		cfg, err = config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = BuildLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
	}

	app := &App{Config: cfg, Logger: logger}

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	app.DB = db

	if cfg.Redis.Enabled {
		mgr, err := cache.NewManager(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		app.Cache = mgr
	}

	if cfg.Metrics.Enabled {
		app.PromRegistry = prometheus.NewRegistry()
		app.Metrics = metrics.NewCollector(cfg.Metrics.Namespace, app.PromRegistry)
	}

	app.telemetry, err = telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}

	secrets := o.secrets
	if secrets == nil {
		secrets = catalog.EnvSecretResolver{}
	}
	app.Registry = catalog.NewRegistry(secrets, logger)
	if err := catalog.RegisterBuiltins(app.Registry, catalog.BuiltinDeps{
		Model:     o.model,
		HTTP:      http.DefaultClient,
		Store:     app.Cache,
		Retriever: catalog.NewGormRetriever(db),
	}, logger); err != nil {
		return nil, err
	}
	if o.router != nil {
		if err := router.Register(app.Registry, o.router); err != nil {
			return nil, err
		}
	}

	app.Definitions = workflow.NewStore(db, logger)

	journeyStore := journey.NewStore(db, logger)
	var machineOpts []journey.MachineOption
	if app.Cache != nil {
		machineOpts = append(machineOpts, journey.WithCache(app.Cache))
	}
	if app.Metrics != nil {
		machineOpts = append(machineOpts, journey.WithMetrics(app.Metrics))
	}
	app.Journey = journey.NewMachine(journeyStore, logger, machineOpts...)

	var engineOpts []engine.Option
	if app.Metrics != nil {
		engineOpts = append(engineOpts, engine.WithMetrics(app.Metrics))
	}
	engineOpts = append(engineOpts,
		engine.WithCompletionListener(journey.NewRunCompletionHook(app.Journey, logger)))
	app.Engine = engine.New(cfg.Engine, app.Registry, engine.NewSQLStore(db), logger, engineOpts...)

	if o.autoMigrate {
		if err := app.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("auto-migrate schema: %w", err)
		}
	}
	return app, nil
}

// AutoMigrate creates every table through GORM. Production deployments run
// the versioned SQL migrations instead.
func (a *App) AutoMigrate() error {
	if err := a.Definitions.AutoMigrate(); err != nil {
		return err
	}
	if err := engine.NewSQLStore(a.DB).AutoMigrate(); err != nil {
		return err
	}
	if err := journey.NewStore(a.DB, a.Logger).AutoMigrate(); err != nil {
		return err
	}
	return a.DB.AutoMigrate(&catalog.KnowledgeDocument{})
}

// Close releases the app's resources.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// BuildLogger constructs a zap logger from log configuration.
func BuildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
