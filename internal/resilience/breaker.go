// Package resilience implements the circuit breaker (C15) that wraps every
// Redis round-trip issued by the store adapter, so a flapping Redis cannot
// cascade into unbounded goroutine pile-up in the pub/sub multiplexer or
// worker pool.
package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kocoro-labs/igniter/internal/ignerr"
	"github.com/kocoro-labs/igniter/internal/telemetry"
)

// State is one of the three circuit-breaker states.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// gaugeValue mirrors State into the Prometheus gauge convention
// (0 closed, 1 half-open, 2 open).
func (s State) gaugeValue() float64 { return float64(s) }

// Config tunes breaker behavior. NewBreaker uses it as given; the store
// adapter substitutes DefaultConfig for a zero-value Config.
type Config struct {
	FailureThreshold uint32        // consecutive failures to trip open, in closed state
	SuccessThreshold uint32        // consecutive successes to close, in half-open state
	MaxRequests      uint32        // requests allowed through while half-open
	Interval         time.Duration // closed-state counter reset window (0 = never reset)
	Timeout          time.Duration // open -> half-open probe delay
}

// DefaultConfig returns the breaker defaults used when a store Manager is
// constructed without explicit resilience tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
	}
}

type counts struct {
	requests             uint32
	consecutiveSuccesses uint32
	consecutiveFailures  uint32
}

// Breaker implements the circuit-breaker pattern around an arbitrary
// fallible operation. One Breaker guards one logical Redis connection.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     counts
	expiry     time.Time
}

// NewBreaker creates a circuit breaker named for metrics/log correlation.
func NewBreaker(name string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
	telemetry.CircuitBreakerState.WithLabelValues(name).Set(StateClosed.gaugeValue())
	return b
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Execute runs fn if the breaker is closed or half-open (and under the
// half-open probe budget); otherwise it fails fast with a coded error.
// redis.Nil-shaped "not found" outcomes must be reported to isFailure as
// false by the caller — they are a normal result, not a fault.
func (b *Breaker) Execute(ctx context.Context, fn func() error, isFailure func(error) bool) error {
	generation, err := b.before()
	if err != nil {
		return ignerr.Wrap(ignerr.CodeAdapterUnavailable, "circuit breaker open for "+b.name, err)
	}

	err = fn()
	failed := err != nil
	if isFailure != nil {
		failed = isFailure(err)
	}
	b.after(generation, !failed)
	return err
}

var (
	errOpen          = ignerr.New(ignerr.CodeAdapterUnavailable, "breaker open")
	errTooManyProbes = ignerr.New(ignerr.CodeAdapterUnavailable, "too many half-open probes")
)

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, errOpen
	}
	if state == StateHalfOpen && b.counts.requests >= b.config.MaxRequests {
		return generation, errTooManyProbes
	}
	b.counts.requests++
	return generation, nil
}

func (b *Breaker) after(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	if generation != before {
		return // a transition already happened under us; ignore stale result
	}
	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.consecutiveFailures = 0
	case StateHalfOpen:
		b.counts.consecutiveSuccesses++
		if b.counts.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.consecutiveFailures++
		if b.counts.consecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.toNewGeneration(now)

	telemetry.CircuitBreakerState.WithLabelValues(b.name).Set(state.gaugeValue())
	b.logger.Info("circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts = counts{}

	var zero time.Time
	switch b.state {
	case StateClosed:
		if b.config.Interval == 0 {
			b.expiry = zero
		} else {
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	default: // half-open
		b.expiry = zero
	}
}
