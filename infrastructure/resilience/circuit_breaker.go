// Package resilience provides fault tolerance patterns: a circuit breaker
// guarding calls into a flaky dependency, and a retry policy for retrying
// the transient failures the breaker lets through.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/twshwa/rarf/infrastructure/metrics"
)

// State represents circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
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

// gaugeValue is the numeric encoding published on the breaker_state gauge.
func (s State) gaugeValue() float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return -1
	}
}

// Common errors
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config for circuit breaker
type Config struct {
	Name string // breaker name, used as the metrics label

	MaxFailures int           // failures within RollingWindow before opening
	Timeout     time.Duration // base time spent in open state before probing
	HalfOpenMax int           // requests allowed in half-open state

	// RollingWindow bounds how far back MaxFailures counts; a failure
	// older than RollingWindow no longer contributes to the trip count.
	// Zero disables the window (failures never expire on their own,
	// matching the original unbounded-counter behavior).
	RollingWindow time.Duration

	// SuccessThreshold is the number of half-open successes required to
	// close the circuit. Defaults to HalfOpenMax when unset, so a caller
	// relying only on HalfOpenMax keeps the original behavior.
	SuccessThreshold int

	// BackoffFactor grows Timeout on each consecutive trip (Timeout *=
	// BackoffFactor), capped at CoolDownMax. A factor <= 1 disables growth.
	BackoffFactor float64
	CoolDownMax   time.Duration

	OnStateChange func(from, to State)

	Metrics metrics.Sink
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	mu   sync.RWMutex
	name string

	maxFailures      int
	baseTimeout      time.Duration
	halfOpenMax      int
	rollingWindow    time.Duration
	successThreshold int
	backoffFactor    float64
	coolDownMax      time.Duration
	onStateChange    func(from, to State)
	sink             metrics.Sink

	state            State
	failures         int
	firstFailureAt   time.Time
	successes        int
	halfOpenReqs     int
	lastFailure      time.Time
	consecutiveTrips int
	currentTimeout   time.Duration
}

// New creates a new CircuitBreaker
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = cfg.HalfOpenMax
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		maxFailures:      cfg.MaxFailures,
		baseTimeout:      cfg.Timeout,
		halfOpenMax:      cfg.HalfOpenMax,
		rollingWindow:    cfg.RollingWindow,
		successThreshold: cfg.SuccessThreshold,
		backoffFactor:    cfg.BackoffFactor,
		coolDownMax:      cfg.CoolDownMax,
		onStateChange:    cfg.OnStateChange,
		sink:             cfg.Metrics,
		state:            StateClosed,
		currentTimeout:   cfg.Timeout,
	}
}

// State returns current state
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Execute runs fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		if cb.sink != nil {
			cb.sink.Counter("breaker_rejected_total", map[string]string{"breaker": cb.name}, 1)
		}
		return err
	}

	err := fn()
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.currentTimeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenReqs = 1
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenReqs >= cb.halfOpenMax {
			return ErrTooManyRequests
		}
		cb.halfOpenReqs++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.consecutiveTrips = 0
			cb.currentTimeout = cb.baseTimeout
			cb.setState(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	now := time.Now()
	if cb.rollingWindow > 0 && cb.failures > 0 && now.Sub(cb.firstFailureAt) > cb.rollingWindow {
		cb.failures = 0
	}
	if cb.failures == 0 {
		cb.firstFailureAt = now
	}
	cb.failures++
	cb.lastFailure = now

	switch cb.state {
	case StateHalfOpen:
		cb.growTimeout()
		cb.setState(StateOpen)
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.growTimeout()
			cb.setState(StateOpen)
		}
	}
}

// ForceOpen trips the breaker directly, bypassing MaxFailures, so an
// external signal uncorrelated with Execute's own call outcomes (e.g. a
// health checker declaring the guarded dependency FAILING) can still
// open it. It counts as a trip for BackoffFactor/CoolDownMax purposes,
// same as a failure-driven trip.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = time.Now()
	cb.growTimeout()
	cb.setState(StateOpen)
}

// growTimeout applies BackoffFactor growth to currentTimeout, capped at
// CoolDownMax, each time a trip follows a prior trip without an
// intervening close.
func (cb *CircuitBreaker) growTimeout() {
	cb.consecutiveTrips++
	if cb.backoffFactor <= 1 {
		return
	}
	if cb.consecutiveTrips <= 1 {
		return
	}
	next := time.Duration(float64(cb.currentTimeout) * cb.backoffFactor)
	if cb.coolDownMax > 0 && next > cb.coolDownMax {
		next = cb.coolDownMax
	}
	cb.currentTimeout = next
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenReqs = 0

	if cb.sink != nil {
		cb.sink.Counter("breaker_state_transitions_total", map[string]string{
			"breaker": cb.name, "from": old.String(), "to": newState.String(),
		}, 1)
		cb.sink.Gauge("breaker_state", map[string]string{"breaker": cb.name}, newState.gaugeValue())
	}
	if cb.onStateChange != nil {
		go cb.onStateChange(old, newState)
	}
}
