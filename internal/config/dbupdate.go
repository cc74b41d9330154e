// ABOUTME: Update scheduling configuration for the DBUpdateService
// ABOUTME: Configures the daemon interval, failure backoff and the recovery retry

package config

import "time"

// UpdateConfig configures scheduled database updates.
type UpdateConfig struct {
	// Enabled controls whether the daemon schedules updates.
	Enabled bool `yaml:"enabled"`

	// Interval is how often to check for updates.
	Interval time.Duration `yaml:"interval"`

	// Retry configures backoff between failed scheduled runs.
	// If nil, uses DefaultRetryConfig().
	Retry *RetryConfig `yaml:"retry,omitempty"`

	// RecoveryDelay is the pause between recovery and the single retry
	// inside one coordinator run.
	RecoveryDelay time.Duration `yaml:"recovery_delay"`
}

// GetRetry returns the retry configuration, using defaults if not set.
func (c *UpdateConfig) GetRetry() RetryConfig {
	if c.Retry != nil {
		return *c.Retry
	}
	return DefaultRetryConfig()
}

// RecoveryRetry returns the backoff used for the in-run retry.
// It always allows exactly one attempt.
func (c *UpdateConfig) RecoveryRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:     1,
		InitialDelay:   c.RecoveryDelay,
		MaxDelay:       c.RecoveryDelay,
		Multiplier:     1.0,
		JitterFraction: 0,
	}
}

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int `yaml:"max_retries"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier is the exponential backoff multiplier.
	Multiplier float64 `yaml:"multiplier"`

	// JitterFraction is the fraction of delay to randomize (0-1).
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// DefaultUpdateConfig returns an UpdateConfig with sensible defaults.
func DefaultUpdateConfig() UpdateConfig {
	return UpdateConfig{
		Enabled:       false, // Disabled by default.
		Interval:      6 * time.Hour,
		Retry:         nil, // Uses DefaultRetryConfig via GetRetry().
		RecoveryDelay: 2 * time.Second,
	}
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     5,
		InitialDelay:   30 * time.Second,
		MaxDelay:       30 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}
