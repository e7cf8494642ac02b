// Package breaker implements a circuit breaker that guards calls to unreliable
// dependencies such as the database and the message queue.
//
// State diagram:
//
//	CLOSED ──[failureThreshold failures]──► OPEN
//	   ▲                                      │ first call after nextAttemptTime
//	   │                                      ▼
//	   └──[successThreshold successes]── HALF_OPEN ──[any failure]──► OPEN
//
// The OPEN to HALF_OPEN transition is evaluated lazily on the next call; no timer
// runs per breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	validation "github.com/jellydator/validation"

	apperrors "github.com/allisson/scheduler/internal/errors"
)

// ErrCircuitOpen is returned (wrapped in *OpenError) when the breaker rejects a call.
var ErrCircuitOpen = apperrors.ErrCircuitOpen

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed is the normal operating state.
	StateClosed State = iota
	// StateOpen rejects every call until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen lets trial calls through to probe the dependency.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON health payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// OpenError is returned when a call is rejected without invoking the operation.
type OpenError struct {
	Name            string
	NextAttemptTime time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.NextAttemptTime.Format(time.RFC3339Nano))
}

// Is makes errors.Is(err, ErrCircuitOpen) hold for every rejection.
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Config configures breaker thresholds. Zero values are replaced by defaults.
type Config struct {
	// FailureThreshold is the number of failures that opens the circuit. Default: 5.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before allowing a trial call. Default: 30s.
	RecoveryTimeout time.Duration
	// MonitoringPeriod is the window after which a success forgives earlier failures. Default: 60s.
	MonitoringPeriod time.Duration
	// SuccessThreshold is the number of consecutive half-open successes that closes the circuit. Default: 3.
	SuccessThreshold int
	// OnStateChange is called synchronously after a transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		MonitoringPeriod: 60 * time.Second,
		SuccessThreshold: 3,
	}
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// Validate checks the configuration. Zero values are accepted and mean the default.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.FailureThreshold, validation.Min(1)),
		validation.Field(&c.SuccessThreshold, validation.Min(1)),
		validation.Field(&c.RecoveryTimeout, validation.Min(time.Millisecond)),
		validation.Field(&c.MonitoringPeriod, validation.Min(time.Millisecond)),
	)
}

// Option customizes a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithLogger sets the logger used for state transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(cb *CircuitBreaker) {
		if logger != nil {
			cb.logger = logger
		}
	}
}

// Snapshot is a point-in-time copy of the breaker counters.
type Snapshot struct {
	Name            string     `json:"name"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	TotalRequests   int64      `json:"total_requests"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime *time.Time `json:"last_success_time,omitempty"`
	NextAttemptTime *time.Time `json:"next_attempt_time,omitempty"`
}

// HealthStatus is the metrics surface of a breaker.
type HealthStatus struct {
	Name            string     `json:"name"`
	IsHealthy       bool       `json:"is_healthy"`
	State           State      `json:"state"`
	FailureRate     float64    `json:"failure_rate"`
	NextAttemptTime *time.Time `json:"next_attempt_time,omitempty"`
}

// CircuitBreaker guards a single dependency. It is safe for concurrent use.
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time
	logger *slog.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	totalRequests   int64
	halfOpenFlight  int
	lastFailureTime time.Time
	lastSuccessTime time.Time
	nextAttemptTime time.Time
}

// New creates a breaker in the CLOSED state.
func New(name string, config Config, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		config: config.WithDefaults(),
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() Config {
	return cb.config
}

// Execute runs fn if the circuit allows it and records the outcome.
// A rejected call returns an *OpenError without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn through the breaker and returns its result.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	trial, err := cb.before()
	if err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	cb.after(trial, err)
	if err != nil {
		return zero, err
	}
	return result, nil
}

// before decides whether a call may proceed. trial is true for half-open probes.
func (cb *CircuitBreaker) before() (trial bool, err error) {
	var transition func()

	cb.mu.Lock()
	cb.totalRequests++
	now := cb.now()

	switch cb.state {
	case StateOpen:
		if now.Before(cb.nextAttemptTime) {
			openErr := &OpenError{Name: cb.name, NextAttemptTime: cb.nextAttemptTime}
			cb.mu.Unlock()
			return false, openErr
		}
		transition = cb.transitionLocked(StateHalfOpen)
		cb.halfOpenFlight++
		trial = true
	case StateHalfOpen:
		if cb.halfOpenFlight >= cb.config.SuccessThreshold {
			openErr := &OpenError{Name: cb.name, NextAttemptTime: cb.nextAttemptTime}
			cb.mu.Unlock()
			return false, openErr
		}
		cb.halfOpenFlight++
		trial = true
	}
	cb.mu.Unlock()

	if transition != nil {
		transition()
	}
	return trial, nil
}

// after records the outcome of an allowed call.
func (cb *CircuitBreaker) after(trial bool, err error) {
	var transition func()

	cb.mu.Lock()
	now := cb.now()
	if trial && cb.halfOpenFlight > 0 {
		cb.halfOpenFlight--
	}

	if err != nil {
		cb.failureCount++
		cb.successCount = 0
		cb.lastFailureTime = now

		switch cb.state {
		case StateClosed:
			if cb.failureCount >= cb.config.FailureThreshold {
				cb.nextAttemptTime = now.Add(cb.config.RecoveryTimeout)
				transition = cb.transitionLocked(StateOpen)
			}
		case StateHalfOpen:
			cb.nextAttemptTime = now.Add(cb.config.RecoveryTimeout)
			transition = cb.transitionLocked(StateOpen)
		}
	} else {
		cb.lastSuccessTime = now

		switch cb.state {
		case StateClosed:
			if cb.failureCount > 0 && now.Sub(cb.lastFailureTime) > cb.config.MonitoringPeriod {
				cb.failureCount = 0
			}
		case StateHalfOpen:
			cb.successCount++
			if cb.successCount >= cb.config.SuccessThreshold {
				cb.failureCount = 0
				cb.successCount = 0
				cb.nextAttemptTime = time.Time{}
				transition = cb.transitionLocked(StateClosed)
			}
		}
	}
	cb.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// transitionLocked changes state and returns the notification to run after unlocking.
func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	if to != StateHalfOpen {
		cb.halfOpenFlight = 0
	}
	if to == StateHalfOpen {
		cb.successCount = 0
	}

	name := cb.name
	next := cb.nextAttemptTime
	failures := cb.failureCount
	return func() {
		level := slog.LevelInfo
		if to == StateOpen {
			level = slog.LevelWarn
		}
		cb.logger.Log(context.Background(), level, "circuit breaker state changed",
			slog.String("breaker", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.Int("failure_count", failures),
			slog.Time("next_attempt_time", next),
		)
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(name, from, to)
		}
	}
}

// State returns the current state. It does not trigger the lazy half-open transition.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ForceOpen trips the circuit immediately and re-arms the recovery timeout.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	cb.nextAttemptTime = cb.now().Add(cb.config.RecoveryTimeout)
	transition := cb.transitionLocked(StateOpen)
	cb.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// ForceClose closes the circuit and resets the failure and success counters.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	cb.failureCount = 0
	cb.successCount = 0
	cb.nextAttemptTime = time.Time{}
	transition := cb.transitionLocked(StateClosed)
	cb.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// Snapshot returns a copy of the breaker counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Snapshot{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		TotalRequests:   cb.totalRequests,
		LastFailureTime: timePtr(cb.lastFailureTime),
		LastSuccessTime: timePtr(cb.lastSuccessTime),
		NextAttemptTime: timePtr(cb.nextAttemptTime),
	}
}

// HealthStatus reports whether the breaker is closed along with its failure rate.
func (cb *CircuitBreaker) HealthStatus() HealthStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var failureRate float64
	if cb.totalRequests > 0 {
		failureRate = float64(cb.failureCount) / float64(cb.totalRequests)
	}

	return HealthStatus{
		Name:            cb.name,
		IsHealthy:       cb.state == StateClosed,
		State:           cb.state,
		FailureRate:     failureRate,
		NextAttemptTime: timePtr(cb.nextAttemptTime),
	}
}

// IsOpenError reports whether err is a circuit rejection.
func IsOpenError(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
