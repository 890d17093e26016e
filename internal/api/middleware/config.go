package middleware

import (
	"time"

	"github.com/correlator-io/reconciler/internal/config"
)

// Config holds rate limiter configuration.
//
// Rates are requests per second for three tiers:
//   - Global: every request
//   - Client: authenticated requests, one bucket per client ID
//   - UnAuth: requests without a client context
//
// A burst of 0 is computed as 2 × rate.
type Config struct {
	GlobalRPS int
	ClientRPS int
	UnAuthRPS int

	GlobalBurst int
	ClientBurst int
	UnAuthBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxClients      int
}

// LoadConfig loads middleware config from RECONCILER_* environment variables.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt(config.Key("GLOBAL_RPS"), defaultGlobalRPS),
		ClientRPS: config.GetEnvInt(config.Key("CLIENT_RPS"), defaultClientRPS),
		UnAuthRPS: config.GetEnvInt(config.Key("UNAUTH_RPS"), defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt(config.Key("GLOBAL_BURST"), 0),
		ClientBurst: config.GetEnvInt(config.Key("CLIENT_BURST"), 0),
		UnAuthBurst: config.GetEnvInt(config.Key("UNAUTH_BURST"), 0),

		CleanupInterval: config.GetEnvDuration(config.Key("RATE_LIMIT_CLEANUP_INTERVAL"), rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration(config.Key("RATE_LIMIT_IDLE_TIMEOUT"), rateLimiterIdleTimeout),
		MaxClients:      config.GetEnvInt(config.Key("RATE_LIMIT_MAX_CLIENTS"), defaultMaxClients),
	}
}
