package resilience

import (
	"time"

	"github.com/sells-group/leadrun/internal/config"
)

// FromRetryConfig converts the retry section of the app config.
func FromRetryConfig(c config.RetryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		cfg.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		cfg.JitterFraction = c.JitterFraction
	}
	return cfg
}

// FromCircuitConfig converts the circuit section of the app config.
func FromCircuitConfig(c config.CircuitConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return cfg
}

// FromConfig builds the GuardConfig for outbound lead-run actions.
func FromConfig(cfg *config.Config) GuardConfig {
	return GuardConfig{
		Retry:         FromRetryConfig(cfg.Retry),
		Circuit:       FromCircuitConfig(cfg.Circuit),
		RatePerSecond: cfg.Rate.ActionsPerSec,
		Burst:         cfg.Rate.Burst,
		Timeout:       time.Duration(cfg.Pipeline.ActionTimeoutSecs) * time.Second,
	}
}
