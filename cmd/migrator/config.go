package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/correlator-io/reconciler/internal/config"
)

const defaultMigrationTable = "schema_migrations"

var (
	// ErrDatabaseURLEmpty is returned when no database URL is configured.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrMigrationTableEmpty is returned when the tracking table name is empty.
	ErrMigrationTableEmpty = errors.New("migration table cannot be empty")

	// ErrMigrationsPathMissing is returned when MigrationsPath points nowhere.
	ErrMigrationsPathMissing = errors.New("migrations directory does not exist")
)

// Config holds migrator settings. An empty MigrationsPath selects the
// migrations embedded in the binary.
type Config struct {
	DatabaseURL    string
	MigrationsPath string
	MigrationTable string
}

// LoadConfig reads RECONCILER_DATABASE_URL (or DATABASE_URL),
// RECONCILER_MIGRATIONS_PATH and RECONCILER_MIGRATION_TABLE.
func LoadConfig() *Config {
	return &Config{
		DatabaseURL:    config.GetEnvStrAny("", config.Key("DATABASE_URL"), "DATABASE_URL"),
		MigrationsPath: config.GetEnvStr(config.Key("MIGRATIONS_PATH"), ""),
		MigrationTable: config.GetEnvStr(config.Key("MIGRATION_TABLE"), defaultMigrationTable),
	}
}

// Validate checks required settings and resolves MigrationsPath to an
// absolute directory.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableEmpty
	}

	if c.MigrationsPath == "" {
		return nil
	}

	absPath, err := filepath.Abs(c.MigrationsPath)
	if err != nil {
		return fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrMigrationsPathMissing, absPath)
	}

	c.MigrationsPath = absPath

	return nil
}

// Source names where migrations come from, for logs.
func (c *Config) Source() string {
	if c.MigrationsPath == "" {
		return "embedded"
	}

	return c.MigrationsPath
}

// String returns the configuration with the database password masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, Migrations: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.Source(), c.MigrationTable)
}

func maskDatabaseURL(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}

	if _, ok := u.User.Password(); !ok {
		return raw
	}

	u.User = url.UserPassword(u.User.Username(), "***")

	return u.String()
}
