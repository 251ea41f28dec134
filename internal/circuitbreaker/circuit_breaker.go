// Package circuitbreaker guards calls to the upstream evidence sources, the
// embedding cache and the run store so that a failing dependency degrades a
// diagnosis round instead of stalling it.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state.
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

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// IsUnavailable reports whether err means the call was rejected by a breaker
// without reaching the dependency.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, ErrTooManyRequests)
}

// Counts holds the statistics of the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Counts    Counts    `json:"counts"`
	OpenSince time.Time `json:"open_since,omitempty"`
}

// CircuitBreaker guards calls to one external dependency.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	openedAt   time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}
	cb := &CircuitBreaker{name: name, config: config, logger: logger, now: time.Now}
	cb.expiry = cb.closedExpiry(cb.now())
	return cb
}

// defaultIsSuccessful does not hold a caller's own cancellation against the dependency.
func defaultIsSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker is open or the half-open probe budget is
// spent. A context that is already done short-circuits without being counted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	generation, err := cb.admit()
	if err != nil {
		return err
	}

	success := false
	defer func() { cb.record(generation, success) }()

	err = fn()
	success = cb.config.IsSuccessful(err)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.advance(cb.now())
}

// IsOpen reports whether calls are currently rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// Counts returns the counts of the current generation.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Snapshot returns the state, counts and open time of the breaker.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state := cb.advance(cb.now())
	s := Snapshot{Name: cb.name, State: state.String(), Counts: cb.counts}
	if state == StateOpen {
		s.OpenSince = cb.openedAt
	}
	return s
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch state := cb.advance(cb.now()); {
	case state == StateOpen:
		return cb.generation, ErrCircuitBreakerOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests:
		return cb.generation, ErrTooManyRequests
	}
	cb.counts.Requests++
	return cb.generation, nil
}

func (cb *CircuitBreaker) record(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state := cb.advance(now)
	if cb.generation != generation {
		return
	}

	c := &cb.counts
	if success {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		if state == StateHalfOpen && c.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}

	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
	if state == StateHalfOpen || c.ConsecutiveFailures >= cb.config.FailureThreshold {
		cb.transition(StateOpen, now)
	}
}

// advance applies time based transitions. Caller holds mu.
func (cb *CircuitBreaker) advance(now time.Time) State {
	if cb.expiry.IsZero() || now.Before(cb.expiry) {
		return cb.state
	}
	switch cb.state {
	case StateClosed:
		cb.reset(now)
	case StateOpen:
		cb.transition(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateOpen {
		cb.openedAt = now
	}
	cb.reset(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

// reset starts a new generation for the current state.
func (cb *CircuitBreaker) reset(now time.Time) {
	cb.generation++
	cb.counts = Counts{}
	switch cb.state {
	case StateClosed:
		cb.expiry = cb.closedExpiry(now)
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	default:
		cb.expiry = time.Time{}
	}
}

func (cb *CircuitBreaker) closedExpiry(now time.Time) time.Time {
	if cb.config.Interval <= 0 {
		return time.Time{}
	}
	return now.Add(cb.config.Interval)
}
