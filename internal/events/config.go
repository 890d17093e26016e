package events

import (
	"errors"
	"strings"
	"time"

	"github.com/correlator-io/reconciler/internal/config"
)

const (
	defaultTopic        = "catalog.changes"
	defaultBatchTimeout = 50 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
	defaultRequiredAcks = 1
)

var (
	// ErrTopicEmpty is returned when brokers are configured without a topic.
	ErrTopicEmpty = errors.New("events topic cannot be empty")

	// ErrInvalidRequiredAcks is returned for acks other than -1, 0 or 1.
	ErrInvalidRequiredAcks = errors.New("required acks must be -1, 0 or 1")

	// ErrInvalidTimeout is returned for non-positive timeouts.
	ErrInvalidTimeout = errors.New("events timeouts must be positive")

	// ErrPublisherClosed is returned by Publish after Close.
	ErrPublisherClosed = errors.New("publisher is closed")
)

// Config holds the Kafka publisher settings. No brokers means events are dropped.
type Config struct {
	Brokers      []string
	Topic        string
	ClientID     string
	RequiredAcks int // -1 all, 0 none, 1 leader
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// LoadConfig loads the events configuration from environment variables.
//
// Environment variables:
//   - RECONCILER_KAFKA_BROKERS: comma separated host:port list (default: none, events disabled)
//   - RECONCILER_EVENTS_TOPIC: topic name (default: catalog.changes)
//   - RECONCILER_EVENTS_CLIENT_ID: client id sent to the brokers (default: reconciler)
//   - RECONCILER_EVENTS_REQUIRED_ACKS: -1, 0 or 1 (default: 1)
//   - RECONCILER_EVENTS_BATCH_TIMEOUT: flush interval (default: 50ms)
//   - RECONCILER_EVENTS_WRITE_TIMEOUT: per-write timeout (default: 10s)
func LoadConfig() *Config {
	return &Config{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr(config.Key("KAFKA_BROKERS"), "")),
		Topic:        config.GetEnvStr(config.Key("EVENTS_TOPIC"), defaultTopic),
		ClientID:     config.GetEnvStr(config.Key("EVENTS_CLIENT_ID"), "reconciler"),
		RequiredAcks: config.GetEnvInt(config.Key("EVENTS_REQUIRED_ACKS"), defaultRequiredAcks),
		BatchTimeout: config.GetEnvDuration(config.Key("EVENTS_BATCH_TIMEOUT"), defaultBatchTimeout),
		WriteTimeout: config.GetEnvDuration(config.Key("EVENTS_WRITE_TIMEOUT"), defaultWriteTimeout),
	}
}

// Enabled reports whether any broker is configured.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate checks the configuration. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}

	if strings.TrimSpace(c.Topic) == "" {
		return ErrTopicEmpty
	}

	if c.RequiredAcks < -1 || c.RequiredAcks > 1 {
		return ErrInvalidRequiredAcks
	}

	if c.BatchTimeout <= 0 || c.WriteTimeout <= 0 {
		return ErrInvalidTimeout
	}

	return nil
}
