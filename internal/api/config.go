package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/correlator-io/reconciler/internal/config"
)

const (
	defaultPort           int    = 8080
	maxPort               int    = 65535
	defaultHost           string = "0.0.0.0"
	defaultCORSMaxAge     int    = 86400
	defaultTimeout               = 30 * time.Second
	defaultLogLevel              = slog.LevelInfo
	defaultMaxRequestSize int64  = 1 << 20
	defaultTraversalLimit int    = 100
	maxTraversalLimit     int    = 10000
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidReadTimeout indicates the read timeout is zero or negative.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout indicates the write timeout is zero or negative.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidShutdownTimeout indicates the shutdown timeout is zero or negative.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	// ErrInvalidMaxRequestSize indicates the max request size is zero or negative.
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")

	// ErrInvalidTraversalLimit indicates the downstream limit is outside 1..maxTraversalLimit.
	ErrInvalidTraversalLimit = errors.New("invalid traversal limit")
)

type (
	// ServerConfig holds HTTP server configuration. Runtime dependencies are
	// passed to NewServer separately.
	ServerConfig struct {
		Port               int
		Host               string
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		ShutdownTimeout    time.Duration
		LogLevel           slog.Level
		MaxRequestSize     int64
		DefaultTraversal   int
		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}

	// CORSConfig implements middleware.CORSConfig.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}
)

// LoadServerConfig loads server configuration from RECONCILER_* variables.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:             config.GetEnvInt(config.Key("SERVER_PORT"), defaultPort),
		Host:             config.GetEnvStr(config.Key("SERVER_HOST"), defaultHost),
		ReadTimeout:      config.GetEnvDuration(config.Key("SERVER_READ_TIMEOUT"), defaultTimeout),
		WriteTimeout:     config.GetEnvDuration(config.Key("SERVER_WRITE_TIMEOUT"), defaultTimeout),
		ShutdownTimeout:  config.GetEnvDuration(config.Key("SERVER_SHUTDOWN_TIMEOUT"), defaultTimeout),
		LogLevel:         config.GetEnvLogLevel(config.Key("LOG_LEVEL"), defaultLogLevel),
		MaxRequestSize:   config.GetEnvInt64(config.Key("MAX_REQUEST_SIZE"), defaultMaxRequestSize),
		DefaultTraversal: config.GetEnvInt(config.Key("TRAVERSAL_LIMIT"), defaultTraversalLimit),
		// An empty origin list disables CORS headers entirely.
		CORSAllowedOrigins: config.ParseCommaSeparatedList(config.GetEnvStr(config.Key("CORS_ALLOWED_ORIGINS"), "")),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr(config.Key("CORS_ALLOWED_METHODS"), "GET,POST,DELETE,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr(config.Key("CORS_ALLOWED_HEADERS"), "Content-Type,Authorization,X-Correlation-ID,X-Api-Key"),
		),
		CORSMaxAge: config.GetEnvInt(config.Key("CORS_MAX_AGE"), defaultCORSMaxAge),
	}
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig returns the CORS settings, or nil when no origin is allowed.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	if len(c.CORSAllowedOrigins) == 0 {
		return nil
	}

	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins returns the allowed origins for CORS.
func (c *CORSConfig) GetAllowedOrigins() []string {
	return c.AllowedOrigins
}

// GetAllowedMethods returns the allowed methods for CORS.
func (c *CORSConfig) GetAllowedMethods() []string {
	return c.AllowedMethods
}

// GetAllowedHeaders returns the allowed headers for CORS.
func (c *CORSConfig) GetAllowedHeaders() []string {
	return c.AllowedHeaders
}

// GetMaxAge returns the max age for CORS preflight cache.
func (c *CORSConfig) GetMaxAge() int {
	return c.MaxAge
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	if c.DefaultTraversal <= 0 || c.DefaultTraversal > maxTraversalLimit {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidTraversalLimit, c.DefaultTraversal, maxTraversalLimit)
	}

	return nil
}
