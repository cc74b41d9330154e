// ABOUTME: Exponential backoff with jitter between failed update runs
// ABOUTME: Context-aware waits, bounded retries and a deterministic delay schedule

package dbupdater

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// Default backoff configuration values.
const (
	DefaultMaxRetries     = 5
	DefaultInitialDelay   = 30 * time.Second
	DefaultMaxDelay       = 30 * time.Minute
	DefaultMultiplier     = 2.0
	DefaultJitterFraction = 0.2
)

// ErrRetriesExhausted is returned by Wait once no retries remain.
var ErrRetriesExhausted = errors.New("retries exhausted")

// BackoffConfig configures exponential backoff.
type BackoffConfig struct {
	// MaxRetries bounds the number of delays handed out.
	// Zero uses DefaultMaxRetries.
	MaxRetries int

	// InitialDelay is the first delay. Zero uses DefaultInitialDelay.
	InitialDelay time.Duration

	// MaxDelay caps every delay. Zero uses DefaultMaxDelay.
	MaxDelay time.Duration

	// Multiplier grows the delay per retry. Zero uses DefaultMultiplier.
	Multiplier float64

	// JitterFraction spreads each delay by ±fraction. Zero disables jitter.
	JitterFraction float64
}

// Validate checks the configuration.
func (c *BackoffConfig) Validate() error {
	var errs []error
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		errs = append(errs, errors.New("jitter fraction must be between 0 and 1"))
	}
	if c.Multiplier != 0 && c.Multiplier < 1 {
		errs = append(errs, errors.New("multiplier must be at least 1"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *BackoffConfig) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier == 0 {
		c.Multiplier = DefaultMultiplier
	}
}

// DefaultBackoffConfig returns the defaults with jitter enabled.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxRetries:     DefaultMaxRetries,
		InitialDelay:   DefaultInitialDelay,
		MaxDelay:       DefaultMaxDelay,
		Multiplier:     DefaultMultiplier,
		JitterFraction: DefaultJitterFraction,
	}
}

// Backoff hands out growing delays until MaxRetries is reached.
type Backoff struct {
	mu       sync.Mutex
	config   BackoffConfig
	attempts int
	random   func() float64
}

// NewBackoff creates a backoff. Zero fields use defaults.
func NewBackoff(config BackoffConfig) *Backoff {
	config.applyDefaults()
	return &Backoff{config: config, random: rand.Float64}
}

// Delay returns the un-jittered delay before retry n (zero based).
func (b *Backoff) Delay(n int) time.Duration {
	d := float64(b.config.InitialDelay)
	for range n {
		d *= b.config.Multiplier
		if d >= float64(b.config.MaxDelay) {
			return b.config.MaxDelay
		}
	}
	return time.Duration(d)
}

// NextDelay returns the next delay and whether a retry remains.
func (b *Backoff) NextDelay() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempts >= b.config.MaxRetries {
		return 0, false
	}
	delay := b.Delay(b.attempts)
	b.attempts++

	if f := b.config.JitterFraction; f > 0 {
		spread := float64(delay) * f
		delay = time.Duration(float64(delay) + (b.random()*2-1)*spread)
	}
	return delay, true
}

// Wait sleeps for the next delay. It returns ErrRetriesExhausted when no
// retry remains and the context error if ctx ends first.
func (b *Backoff) Wait(ctx context.Context) error {
	delay, ok := b.NextDelay()
	if !ok {
		return ErrRetriesExhausted
	}
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reset starts the schedule over.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns the number of delays handed out.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
