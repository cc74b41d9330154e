// ABOUTME: Circuit breaker guarding calls to remote feed endpoints
// ABOUTME: Trips after consecutive failures and lets one trial call through after a cool-down

package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Default breaker configuration values.
const (
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 5 * time.Minute
)

// State is the breaker position.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a single trial call through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned for calls rejected by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a CircuitBreaker.
type Config struct {
	// Name identifies the guarded endpoint in logs.
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Zero uses DefaultFailureThreshold.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before a trial.
	// Zero uses DefaultResetTimeout.
	ResetTimeout time.Duration

	// IsFailure decides which errors count against the endpoint.
	// Defaults to any error except context cancellation by the caller.
	IsFailure func(error) bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger receives state transitions.
	Logger *slog.Logger
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	State               State     `json:"state"`
	Calls               int64     `json:"calls"`
	Failures            int64     `json:"failures"`
	Rejections          int64     `json:"rejections"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
}

// CircuitBreaker stops hammering an endpoint that keeps failing.
type CircuitBreaker struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	consecutive int
	openedAt    time.Time
	trialActive bool

	calls      int64
	failures   int64
	rejections int64
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "breaker"), slog.String("breaker", cfg.Name)),
	}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the breaker is open.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.acquire()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(trial, err)
	return err
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Stats returns the breaker counters.
func (b *CircuitBreaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return Stats{
		State:               b.state,
		Calls:               b.calls,
		Failures:            b.failures,
		Rejections:          b.rejections,
		ConsecutiveFailures: b.consecutive,
		OpenedAt:            b.openedAt,
	}
}

// Reset closes the breaker.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}

// advance must be called with mu held.
func (b *CircuitBreaker) advance() {
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transition(StateHalfOpen)
	}
}

func (b *CircuitBreaker) acquire() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	b.calls++

	switch b.state {
	case StateClosed:
		return false, nil
	case StateHalfOpen:
		if !b.trialActive {
			b.trialActive = true
			return true, nil
		}
	}
	b.rejections++
	return false, ErrCircuitOpen
}

func (b *CircuitBreaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialActive = false
	}

	if !b.cfg.IsFailure(err) {
		if err == nil {
			b.consecutive = 0
			if b.state != StateClosed {
				b.transition(StateClosed)
			}
		}
		return
	}

	b.failures++
	b.consecutive++
	switch {
	case b.state == StateHalfOpen:
		b.transition(StateOpen)
	case b.state == StateClosed && b.consecutive >= b.cfg.FailureThreshold:
		b.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (b *CircuitBreaker) transition(to State) {
	from := b.state
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.cfg.Now()
	case StateClosed:
		b.consecutive = 0
		b.openedAt = time.Time{}
		b.trialActive = false
	}
	if from != to {
		b.logger.Info("circuit breaker state change",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.Int("consecutive_failures", b.consecutive),
		)
	}
}
