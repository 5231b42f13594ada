// Package migration applies embedded SQL schema migrations for the engine
// tables (definitions, runs, steps, journey).
// This package is internal and should not be imported by external projects.
package migration

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

//go:embed migrations/mysql/*.sql
var mysqlFS embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

// Migrator applies schema migrations for one database.
type Migrator struct {
	m      *migrate.Migrate
	logger *zap.Logger
}

// New builds a migrator for the given driver ("postgres", "mysql",
// "sqlite") and database URL.
func New(driver, databaseURL string, logger *zap.Logger) (*Migrator, error) {
	var (
		fsys embed.FS
		dir  string
	)
	switch driver {
	case "postgres":
		fsys, dir = postgresFS, "migrations/postgres"
	case "mysql":
		fsys, dir = mysqlFS, "migrations/mysql"
	case "sqlite":
		fsys, dir = sqliteFS, "migrations/sqlite"
	default:
		return nil, fmt.Errorf("unsupported migration driver %q", driver)
	}

	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return &Migrator{m: m, logger: logger.With(zap.String("component", "migration"))}, nil
}

// Up applies all pending migrations. A database already at the latest
// version is not an error.
func (mg *Migrator) Up() error {
	err := mg.m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		mg.logger.Info("schema already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, _ := mg.m.Version()
	mg.logger.Info("migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// Down rolls back a single migration step.
func (mg *Migrator) Down() error {
	if err := mg.m.Steps(-1); err != nil {
		return fmt.Errorf("roll back migration: %w", err)
	}
	return nil
}

// Version reports the current schema version.
func (mg *Migrator) Version() (uint, bool, error) {
	version, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Close releases source and database handles.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}
