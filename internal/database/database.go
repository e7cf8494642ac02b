// Package database provides database connection management and utilities.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	validation "github.com/jellydator/validation"
	_ "github.com/lib/pq"
)

// Supported driver names.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// ErrUnsupportedDriver is returned for any driver other than DriverPostgres and DriverMySQL.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// UnsupportedDriver wraps ErrUnsupportedDriver with the offending driver name.
func UnsupportedDriver(driver string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
}

// Config holds database configuration settings.
type Config struct {
	Driver             string
	ConnectionString   string
	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	PingTimeout        time.Duration
}

// Validate checks the driver and the pool settings.
func (c Config) Validate() error {
	if c.Driver != DriverPostgres && c.Driver != DriverMySQL {
		return UnsupportedDriver(c.Driver)
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.ConnectionString, validation.Required),
		validation.Field(&c.MaxOpenConnections, validation.Min(0)),
		validation.Field(&c.MaxIdleConnections, validation.Min(0)),
		validation.Field(&c.ConnMaxLifetime, validation.Min(time.Duration(0))),
	)
}

// Connect validates cfg, opens the pool and pings it within cfg.PingTimeout.
func Connect(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	db, err := sql.Open(cfg.Driver, cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
