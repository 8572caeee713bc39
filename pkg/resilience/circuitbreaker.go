package resilience

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/llm-key-manager/pkg/metrics"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal: calls pass through
	StateOpen                         // Tripped: calls are rejected
	StateHalfOpen                     // Probing: one call allowed
)

func (s CircuitState) String() string {
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

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips open after consecutive failures reach a threshold and
// lets a single probe through once the cooldown has elapsed.
type CircuitBreaker struct {
	mu sync.Mutex

	name                string
	state               CircuitState
	failureThreshold    int
	consecutiveFailures int
	cooldown            time.Duration
	lastFailure         time.Time
	probing             bool
	logger              *zap.Logger
	now                 func() time.Time

	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64
}

// CircuitBreakerConfig holds configuration for a CircuitBreaker.
type CircuitBreakerConfig struct {
	Name             string        // Label for logs and the state gauge
	FailureThreshold int           // Consecutive failures to trip
	Cooldown         time.Duration // Time to wait before probing
	Logger           *zap.Logger
}

// CircuitCounters is a point-in-time copy of a breaker's totals.
type CircuitCounters struct {
	Successes int64
	Failures  int64
	Rejected  int64
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		name:             cfg.Name,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		logger:           cfg.Logger.With(zap.String("breaker", cfg.Name)),
		now:              time.Now,
	}
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(StateClosed))
	return cb
}

// Execute runs fn through the circuit breaker.
// Returns ErrCircuitOpen without calling fn while the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		cb.mu.Lock()
		cb.totalRejected++
		cb.mu.Unlock()
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) > cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Counters returns the breaker's lifetime totals.
func (cb *CircuitBreaker) Counters() CircuitCounters {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitCounters{
		Successes: cb.totalSuccesses,
		Failures:  cb.totalFailures,
		Rejected:  cb.totalRejected,
	}
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.cooldown {
			cb.transition(StateHalfOpen)
			cb.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		// Only one probe in flight.
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return false
	}
}

// recordFailure must be called with mu held.
func (cb *CircuitBreaker) recordFailure() {
	cb.consecutiveFailures++
	cb.totalFailures++
	cb.lastFailure = cb.now()
	cb.probing = false

	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.transition(StateOpen)
	}
}

// recordSuccess must be called with mu held.
func (cb *CircuitBreaker) recordSuccess() {
	cb.totalSuccesses++
	cb.consecutiveFailures = 0
	cb.probing = false

	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(to))

	if to == StateOpen {
		cb.logger.Warn("circuit opened",
			zap.Stringer("from", from),
			zap.Int("consecutive_failures", cb.consecutiveFailures),
			zap.Duration("cooldown", cb.cooldown),
		)
		return
	}
	cb.logger.Info("circuit state changed", zap.Stringer("from", from), zap.Stringer("to", to))
}
