package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/correlator-io/reconciler/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrInvalidPoolSize is returned when idle connections exceed open connections.
	ErrInvalidPoolSize = errors.New("max idle connections cannot exceed max open connections")
)

// Config holds PostgreSQL connection configuration with production-ready defaults.
type Config struct {
	databaseURL     string
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections
}

// LoadConfig loads PostgreSQL configuration from the environment.
// RECONCILER_DATABASE_URL wins over the plain DATABASE_URL.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStrAny("", config.Key("DATABASE_URL"), "DATABASE_URL"),
		MaxOpenConns:    config.GetEnvInt(config.Key("DATABASE_MAX_OPEN_CONNS"), defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt(config.Key("DATABASE_MAX_IDLE_CONNS"), defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration(config.Key("DATABASE_CONN_MAX_LIFETIME"), defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration(config.Key("DATABASE_CONN_MAX_IDLE_TIME"), defaultConnMaxIdleTime),
	}
}

// NewConfig builds a Config for an explicit URL with default pool settings.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:     databaseURL,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("%w: idle=%d open=%d", ErrInvalidPoolSize, c.MaxIdleConns, c.MaxOpenConns)
	}

	return nil
}

// MaskDatabaseURL returns the database URL with its password replaced by ***.
func (c *Config) MaskDatabaseURL() string {
	return MaskDatabaseURL(c.databaseURL)
}

// MaskDatabaseURL masks the password of a postgres:// style URL for logging.
func MaskDatabaseURL(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}

	at := strings.LastIndex(rest, "@")
	if at == -1 {
		return url
	}

	user, password, hasPassword := strings.Cut(rest[:at], ":")
	if !hasPassword || password == "" {
		return url
	}

	return scheme + "://" + user + ":***" + rest[at:]
}
