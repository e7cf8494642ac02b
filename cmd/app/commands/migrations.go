package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/allisson/scheduler/internal/database"
)

// DefaultMigrationsDir holds one sub-directory of migrations per database.
const DefaultMigrationsDir = "migrations"

// migrationsSource returns the file source holding the migrations of driver.
func migrationsSource(dir, driver string) (string, error) {
	switch driver {
	case database.DriverPostgres:
		return "file://" + filepath.Join(dir, "postgresql"), nil
	case database.DriverMySQL:
		return "file://" + filepath.Join(dir, "mysql"), nil
	default:
		return "", database.UnsupportedDriver(driver)
	}
}

// RunMigrations applies all pending migrations found under dir for driver. No pending
// migration is not an error.
func RunMigrations(logger *slog.Logger, driver, connectionString, dir string) error {
	source, err := migrationsSource(dir, driver)
	if err != nil {
		return err
	}

	logger.Info("running database migrations",
		slog.String("driver", driver),
		slog.String("source", source),
	)

	m, err := migrate.New(source, connectionString)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer closeMigrate(m, logger)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	logger.Info("migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}
