package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling the protected function while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast with ErrOpen
	StateHalfOpen              // a limited number of trial calls pass through
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

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before letting trial calls through.
	OpenTimeout time.Duration
	// MaxHalfOpenCalls bounds concurrent trial calls.
	MaxHalfOpenCalls int
	// IsFailure decides whether an error counts against the breaker. nil counts every error.
	IsFailure func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		MaxHalfOpenCalls: 1,
	}
}

type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	openedAt      time.Time

	onStateChange func(from, to State)
}

func New(cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.MaxHalfOpenCalls <= 0 {
		cfg.MaxHalfOpenCalls = def.MaxHalfOpenCalls
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// OnStateChange registers fn to be called, synchronously and outside the breaker's
// lock, on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open. fn's error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := Do(cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do runs fn through cb. A nil breaker just calls fn.
func Do[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	if cb == nil {
		return fn()
	}

	var zero T
	trial, err := cb.admit()
	if err != nil {
		return zero, err
	}

	result, err := fn()
	cb.record(trial, err)
	return result, err
}

func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.OpenTimeout {
			return false, ErrOpen
		}
		notify = cb.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.MaxHalfOpenCalls {
			return false, fmt.Errorf("%w: trial call already running", ErrOpen)
		}
		cb.halfOpenCalls++
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	failed := err != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err))

	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	if trial && cb.state == StateHalfOpen {
		cb.halfOpenCalls--
	}

	switch {
	case failed && cb.state == StateHalfOpen:
		notify = cb.transition(StateOpen)
	case failed:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold {
			notify = cb.transition(StateOpen)
		}
	case cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			notify = cb.transition(StateClosed)
		}
	default:
		cb.failures = 0
	}
}

// transition must be called with mu held. It returns the callback to run after unlock.
func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenCalls = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	if fn := cb.onStateChange; fn != nil {
		return func() { fn(from, to) }
	}
	return nil
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transition(StateClosed)
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}
