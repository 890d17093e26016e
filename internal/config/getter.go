// Package config provides functions for reading reconciler settings from ENV.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every reconciler-specific environment variable.
const EnvPrefix = "RECONCILER_"

// Key returns the prefixed name of a reconciler environment variable.
//
// Example:
//
//	Key("CATALOG_URL") // "RECONCILER_CATALOG_URL"
func Key(name string) string {
	return EnvPrefix + strings.ToUpper(strings.TrimPrefix(name, EnvPrefix))
}

// lookup returns the first non-empty value among the given keys.
func lookup(keys ...string) (string, bool) {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value, true
		}
	}

	return "", false
}

// GetEnvStr returns a string environment variable value or a default if not set.
//
// Parameters:
//   - key[string]: Name of the environment variable as a string
//   - defaultValue[string]: The default value to return in-case no environment variable is set
//
// Example:
//
//	s := GetEnvStr("RECONCILER_HOST", "localhost")
func GetEnvStr(key, defaultValue string) string {
	if value, ok := lookup(key); ok {
		return value
	}

	return defaultValue
}

// GetEnvStrAny returns the first set value among keys, or defaultValue.
// Used where a legacy unprefixed name is still honoured after the prefixed one.
//
// Example:
//
//	url := GetEnvStrAny("", Key("DATABASE_URL"), "DATABASE_URL")
func GetEnvStrAny(defaultValue string, keys ...string) string {
	if value, ok := lookup(keys...); ok {
		return value
	}

	return defaultValue
}

// GetEnvInt returns an int environment variable value or a default if not set.
//
// Parameters:
//   - key[string]: Name of the environment variable as a string
//   - defaultValue[int]: The default value to return in-case no environment variable is set
//
// Example:
//
//	i := GetEnvInt("RECONCILER_PORT", 8080)
func GetEnvInt(key string, defaultValue int) int {
	if value, ok := lookup(key); ok {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}

	return defaultValue
}

// GetEnvInt64 returns an int64 environment variable value or a default if not set.
//
// Example:
//
//	i := GetEnvInt64("RECONCILER_MAX_REQUEST_SIZE", 1048576)
func GetEnvInt64(key string, defaultValue int64) int64 {
	if value, ok := lookup(key); ok {
		if int64Value, err := strconv.ParseInt(value, 10, 64); err == nil {
			return int64Value
		}
	}

	return defaultValue
}

// GetEnvFloat returns a float64 environment variable value or a default if not set.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}

	return defaultValue
}

// GetEnvBool returns a bool environment variable value or a default if not set.
// Accepts: "true", "1", "yes" as true; "false", "0", "no" as false (case-insensitive).
//
// Example:
//
//	b := GetEnvBool("RECONCILER_AUTH_ENABLED", false)
func GetEnvBool(key string, defaultValue bool) bool {
	if value, ok := lookup(key); ok {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}

	return defaultValue
}

// GetEnvDuration returns the environment variable value or a default if not set.
//
// Parameters:
//   - key[string]: Name of the environment variable as a string
//   - defaultValue[time.Duration]: The default value to return in-case no environment variable is set
//
// Example:
//
//	d := GetEnvDuration("RECONCILER_RETRY_BASE_DELAY", 500*time.Millisecond)
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := lookup(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}

	return defaultValue
}

// GetEnvLogLevel returns the environment variable value or a default if not set.
//
// Example:
//
//	l := GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	if value, ok := lookup(key); ok {
		switch strings.ToLower(value) {
		case "debug":
			return slog.LevelDebug
		case "info":
			return slog.LevelInfo
		case "warn", "warning":
			return slog.LevelWarn
		case "error":
			return slog.LevelError
		}
	}

	return defaultValue
}

// ParseCommaSeparatedList parses a comma-separated string into a slice of trimmed strings.
// Empty values are filtered out.
func ParseCommaSeparatedList(input string) []string {
	if input == "" {
		return []string{}
	}

	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
