package retry

import (
	"fmt"
	"strings"
	"time"

	"github.com/correlator-io/reconciler/internal/config"
)

// Backoff curve names accepted by LoadPolicy.
const (
	CurveExponential = "exponential"
	CurveLinear      = "linear"
	CurveConstant    = "constant"

	defaultMaxAttempts = 5
)

// Config is the env-backed description of a Policy.
type Config struct {
	MaxAttempts int
	Curve       string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      float64
}

// LoadConfig reads a policy from environment variables under name, e.g.
// name "SEARCH" reads RECONCILER_SEARCH_MAX_ATTEMPTS, RECONCILER_SEARCH_BACKOFF,
// RECONCILER_SEARCH_BASE_DELAY, RECONCILER_SEARCH_MAX_DELAY,
// RECONCILER_SEARCH_BACKOFF_FACTOR and RECONCILER_SEARCH_JITTER.
func LoadConfig(name string) Config {
	key := func(suffix string) string {
		return config.Key(strings.ToUpper(name) + "_" + suffix)
	}

	return Config{
		MaxAttempts: config.GetEnvInt(key("MAX_ATTEMPTS"), defaultMaxAttempts),
		Curve:       strings.ToLower(config.GetEnvStr(key("BACKOFF"), CurveExponential)),
		BaseDelay:   config.GetEnvDuration(key("BASE_DELAY"), defaultBaseDelay),
		MaxDelay:    config.GetEnvDuration(key("MAX_DELAY"), defaultMaxDelay),
		Factor:      config.GetEnvFloat(key("BACKOFF_FACTOR"), defaultFactor),
		Jitter:      config.GetEnvFloat(key("JITTER"), 0),
	}
}

// Validate checks the config describes a runnable policy.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidPolicy, c.MaxAttempts)
	}

	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidPolicy)
	}

	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("%w: jitter must be within [0, 1], got %v", ErrInvalidPolicy, c.Jitter)
	}

	switch c.Curve {
	case CurveExponential, CurveLinear, CurveConstant:
	default:
		return fmt.Errorf("%w: unknown backoff curve %q", ErrInvalidPolicy, c.Curve)
	}

	return nil
}

// Policy builds the executor policy described by c.
func (c Config) Policy() (Policy, error) {
	if err := c.Validate(); err != nil {
		return Policy{}, err
	}

	var curve Backoff

	switch c.Curve {
	case CurveLinear:
		curve = Linear(c.BaseDelay)
		if c.MaxDelay > 0 {
			curve = curve.Capped(c.MaxDelay)
		}
	case CurveConstant:
		curve = Constant(c.BaseDelay)
	default:
		curve = Exponential(c.BaseDelay, c.Factor, c.MaxDelay)
	}

	return Policy{MaxAttempts: c.MaxAttempts, Backoff: curve.WithJitter(c.Jitter)}, nil
}

// DefaultPolicy is five attempts on the default exponential curve.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: defaultMaxAttempts, Backoff: DefaultBackoff()}
}
