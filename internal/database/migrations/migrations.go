package migrations

import (
	"errors"
	"fmt"
	"os"

	"vbtix/internal/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/uptrace/bun"
)

// Runner applies the SQL migrations under MigrationsDir against the
// connected Postgres database. Both services run it at startup; the
// schema_migrations table makes that safe to do concurrently.
type Runner struct {
	bunDB         *bun.DB
	migrationsDir string
	log           *logger.Logger
	migrator      *migrate.Migrate
}

func NewRunner(bunDB *bun.DB, migrationsDir string, log *logger.Logger) *Runner {
	if migrationsDir == "" {
		migrationsDir = "./migrations"
	}
	return &Runner{bunDB: bunDB, migrationsDir: migrationsDir, log: log}
}

func (r *Runner) initialize() error {
	if r.migrator != nil {
		return nil
	}

	driver, err := postgres.WithInstance(r.bunDB.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	if _, err := os.Stat(r.migrationsDir); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory does not exist: %s", r.migrationsDir)
	}

	migrator, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", r.migrationsDir),
		"postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	r.migrator = migrator
	return nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	if err := r.initialize(); err != nil {
		return err
	}

	if err := r.migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, dirty, err := r.migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty, manual intervention required", version)
	}
	if err == nil {
		r.log.LogDatabase("MIGRATE", "schema_migrations", fmt.Sprintf("schema at version %d", version))
	}
	return nil
}

// Down rolls back all migrations. Used by the migrate CLI, never at
// service startup.
func (r *Runner) Down() error {
	if err := r.initialize(); err != nil {
		return err
	}

	if err := r.migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

func (r *Runner) Close() error {
	if r.migrator == nil {
		return nil
	}
	sourceErr, databaseErr := r.migrator.Close()
	if sourceErr != nil {
		return fmt.Errorf("error closing migrator source: %w", sourceErr)
	}
	if databaseErr != nil {
		return fmt.Errorf("error closing migrator database: %w", databaseErr)
	}
	return nil
}
