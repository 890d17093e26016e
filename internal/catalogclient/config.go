// Package catalogclient implements catalog.Catalog against the reconciler's
// own HTTP API, so the CLI can drive a remote catalog service.
package catalogclient

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/correlator-io/reconciler/internal/config"
)

const (
	defaultTimeout = 30 * time.Second
	defaultRPS     = 20.0
	defaultBurst   = 10
)

var (
	// ErrBaseURLEmpty is returned when no catalog URL is configured.
	ErrBaseURLEmpty = errors.New("catalog URL cannot be empty")

	// ErrInvalidBaseURL is returned when the catalog URL is not an absolute http(s) URL.
	ErrInvalidBaseURL = errors.New("invalid catalog URL")

	// ErrInvalidTimeout is returned for a zero or negative request timeout.
	ErrInvalidTimeout = errors.New("catalog timeout must be positive")

	// ErrInvalidRateLimit is returned for a non-positive rate or burst.
	ErrInvalidRateLimit = errors.New("catalog rate limit must be positive")
)

// Config holds the remote catalog endpoint and client limits.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	RPS     float64 // requests per second across all calls
	Burst   int
}

// LoadConfig reads RECONCILER_CATALOG_URL, RECONCILER_API_KEY and the
// RECONCILER_CATALOG_* limits.
func LoadConfig() *Config {
	return &Config{
		BaseURL: config.GetEnvStr(config.Key("CATALOG_URL"), ""),
		APIKey:  config.GetEnvStr(config.Key("API_KEY"), ""),
		Timeout: config.GetEnvDuration(config.Key("CATALOG_TIMEOUT"), defaultTimeout),
		RPS:     config.GetEnvFloat(config.Key("CATALOG_RPS"), defaultRPS),
		Burst:   config.GetEnvInt(config.Key("CATALOG_BURST"), defaultBurst),
	}
}

// NewConfig builds a Config for baseURL with default limits.
func NewConfig(baseURL, apiKey string) *Config {
	return &Config{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: defaultTimeout,
		RPS:     defaultRPS,
		Burst:   defaultBurst,
	}
}

// Validate checks the URL is absolute http(s) and the limits are positive.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrBaseURLEmpty
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q must be an absolute http or https URL", ErrInvalidBaseURL, c.BaseURL)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, c.Timeout)
	}

	if c.RPS <= 0 || c.Burst <= 0 {
		return fmt.Errorf("%w: rps=%.2f burst=%d", ErrInvalidRateLimit, c.RPS, c.Burst)
	}

	return nil
}
