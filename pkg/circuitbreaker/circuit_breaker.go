package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"adminchat/internal/metrics"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config for a CircuitBreaker
type Config struct {
	Name        string
	MaxFailures uint32
	// OpenTimeout is how long the breaker rejects calls before probing
	OpenTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent probes; that many successes close the breaker
	HalfOpenMaxCalls uint32
	// IsFailure decides which errors count against the breaker. nil counts
	// every error except context cancellation.
	IsFailure func(error) bool
}

// CircuitBreaker guards calls to an external service. Consecutive failures
// open it; after OpenTimeout a limited number of probe calls decide whether
// it closes again.
type CircuitBreaker struct {
	cfg    Config
	now    func() time.Time
	logger *logrus.Logger

	mu                sync.Mutex
	state             State
	failures          uint32
	openedAt          time.Time
	lastFailureTime   time.Time
	halfOpenInFlight  uint32
	halfOpenSuccesses uint32
	requests          uint64
	successes         uint64
	rejected          uint64
}

// New creates a circuit breaker. A nil logger logs at warn level to stderr.
func New(cfg Config, logger *logrus.Logger) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	cb := &CircuitBreaker{
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
		state:  StateClosed,
	}
	cb.publish()
	return cb
}

// Execute runs fn if the breaker admits the call and records its outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, ok := cb.acquire()
	if !ok {
		metrics.IncrementCounter("circuit_breaker_rejected", map[string]string{"breaker": cb.cfg.Name}, "Calls rejected by an open circuit breaker")
		return &CircuitBreakerError{Name: cb.cfg.Name, State: state}
	}

	err := fn(ctx)
	cb.record(state, err)
	return err
}

func (cb *CircuitBreaker) acquire() (State, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	switch cb.state {
	case StateOpen:
		cb.rejected++
		return cb.state, false
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxCalls {
			cb.rejected++
			return cb.state, false
		}
		cb.halfOpenInFlight++
	}
	cb.requests++
	return cb.state, true
}

// record applies the outcome of a call admitted in state admitted.
func (cb *CircuitBreaker) record(admitted State, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && cb.cfg.IsFailure(err)
	if admitted == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	if !failed {
		cb.successes++
	}

	// outcomes of calls from an earlier state are stale
	if admitted != cb.state {
		return
	}

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		cb.lastFailureTime = cb.now()
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	case StateHalfOpen:
		if failed {
			cb.lastFailureTime = cb.now()
			cb.trip()
			return
		}
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.cfg.HalfOpenMaxCalls {
			cb.reset()
		}
	}
}

// advance moves an expired open breaker to half-open. Caller holds mu.
func (cb *CircuitBreaker) advance() {
	if cb.state != StateOpen || cb.now().Sub(cb.openedAt) < cb.cfg.OpenTimeout {
		return
	}
	cb.state = StateHalfOpen
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccesses = 0
	cb.publish()
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.cfg.Name,
		"state":           cb.state.String(),
	}).Info("Circuit breaker probing")
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.publish()
	metrics.IncrementCounter("circuit_breaker_trips", map[string]string{"breaker": cb.cfg.Name}, "Circuit breaker openings")
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.cfg.Name,
		"failures":        cb.failures,
		"state":           cb.state.String(),
	}).Warn("Circuit breaker opened due to failures")
}

func (cb *CircuitBreaker) reset() {
	cb.state = StateClosed
	cb.failures = 0
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccesses = 0
	cb.publish()
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.cfg.Name,
		"state":           cb.state.String(),
	}).Info("Circuit breaker closed after successful recovery")
}

func (cb *CircuitBreaker) publish() {
	metrics.SetGauge("circuit_breaker_state", float64(cb.state), map[string]string{"breaker": cb.cfg.Name}, "Circuit breaker state (0 closed, 1 open, 2 half-open)")
}

// State returns the current state, moving an expired open breaker to half-open
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// Stats is a snapshot of breaker counters
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        uint32    `json:"failures"`
	Requests        uint64    `json:"requests"`
	Successes       uint64    `json:"successes"`
	Rejected        uint64    `json:"rejected"`
	LastFailureTime time.Time `json:"lastFailureTime,omitempty"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return Stats{
		Name:            cb.cfg.Name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		Requests:        cb.requests,
		Successes:       cb.successes,
		Rejected:        cb.rejected,
		LastFailureTime: cb.lastFailureTime,
	}
}

// CircuitBreakerError is returned for calls rejected by the breaker
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitBreakerError reports whether err, or an error it wraps, is a
// breaker rejection
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
