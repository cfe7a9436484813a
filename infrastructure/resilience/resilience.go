// Package resilience wraps the two fault-tolerance primitives the DQM
// worker pool leans on during reconnects: a circuit breaker
// (github.com/sony/gobreaker/v2) so a downed backend doesn't have every
// worker dialing in lockstep, and bounded exponential-backoff retry
// (github.com/cenkalti/backoff/v4).
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// State mirrors the breaker's three states under this package's names.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
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

var (
	// ErrCircuitOpen is returned while the breaker is refusing calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe quota is
	// already taken.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config shapes a CircuitBreaker.
type Config struct {
	MaxFailures   int           // consecutive failures before opening
	Timeout       time.Duration // time spent open before probing
	HalfOpenMax   int           // concurrent probes allowed half-open
	OnStateChange func(from, to State)
}

// DefaultConfig is the shape the DQM worker uses around its reconnect
// dial.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 3}
}

// CircuitBreaker refuses calls after MaxFailures consecutive failures,
// then lets a bounded number of probes through after Timeout.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// New builds a breaker from cfg, filling zero fields from DefaultConfig.
func New(cfg Config) *CircuitBreaker {
	defaults := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaults.MaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaults.HalfOpenMax
	}

	maxFailures := uint32(cfg.MaxFailures)
	settings := gobreaker.Settings{
		MaxRequests: uint32(cfg.HalfOpenMax),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() State { return State(cb.gb.State()) }

// Execute runs fn under the breaker. The context parameter is part of the
// call shape for symmetry with Retry; timeouts belong on fn itself.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) { return nil, fn() })
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return ErrCircuitOpen
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrTooManyRequests
	default:
		return err
	}
}

// RetryConfig shapes a Retry call: MaxAttempts total calls (the first
// attempt included), delays growing from InitialDelay by Multiplier up to
// MaxDelay, with Jitter randomizing each delay by up to that fraction.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// Retry calls fn until it succeeds, MaxAttempts is exhausted, or ctx is
// done (the backoff sleep is interruptible — a DQM stop request preempts
// a reconnect mid-schedule this way).
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = 0
	if cfg.Jitter > 0 {
		bo.RandomizationFactor = cfg.Jitter
	}

	// backoff counts retries, not attempts.
	capped := backoff.WithMaxRetries(bo, uint64(cfg.MaxAttempts-1))
	return backoff.Retry(fn, backoff.WithContext(capped, ctx))
}
