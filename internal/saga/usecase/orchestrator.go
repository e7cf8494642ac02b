// Package usecase implements the saga orchestrator: sequential step execution with
// per-step retries and best-effort reverse-order compensation.
package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	validation "github.com/jellydator/validation"

	apperrors "github.com/allisson/scheduler/internal/errors"
	"github.com/allisson/scheduler/internal/metrics"
	"github.com/allisson/scheduler/internal/saga/domain"
)

const metricsDomain = "saga"

// Config holds orchestrator configuration.
type Config struct {
	// RetryBaseDelay is the backoff unit. Retry n waits RetryBaseDelay * 2^n.
	RetryBaseDelay time.Duration
	// Retention is how long terminal executions are kept by CleanupExecutions(0).
	Retention time.Duration
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		RetryBaseDelay: time.Second,
		Retention:      24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.RetryBaseDelay, validation.Required, validation.Min(time.Microsecond)),
		validation.Field(&c.Retention, validation.Required, validation.Min(time.Second)),
	)
}

// UseCase defines the saga orchestration operations.
type UseCase interface {
	ExecuteSaga(ctx context.Context, name string, steps []domain.SagaStep, initialData map[string]any) (*domain.SagaExecution, error)
	GetSagaExecution(id uuid.UUID) (*domain.SagaExecution, error)
	GetAllExecutions() []*domain.SagaExecution
	GetExecutionsByStatus(status domain.SagaStatus) []*domain.SagaExecution
	CleanupExecutions(olderThan time.Duration) int
	GetStatistics() domain.Statistics
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source used for execution timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithTimer overrides the timer used to wait between step retries.
func WithTimer(timer retry.Timer) Option {
	return func(o *Orchestrator) {
		o.timer = timer
	}
}

// Orchestrator executes sagas and keeps their execution records in memory.
type Orchestrator struct {
	config  Config
	logger  *slog.Logger
	metrics metrics.BusinessMetrics
	now     func() time.Time
	timer   retry.Timer

	mu         sync.RWMutex
	executions map[uuid.UUID]*domain.SagaExecution
}

// NewOrchestrator creates a new Orchestrator. Zero config values fall back to DefaultConfig.
func NewOrchestrator(
	config Config,
	businessMetrics metrics.BusinessMetrics,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	defaults := DefaultConfig()
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if businessMetrics == nil {
		businessMetrics = metrics.NewNoOpBusinessMetrics()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	o := &Orchestrator{
		config:     config,
		logger:     logger,
		metrics:    businessMetrics,
		now:        time.Now,
		executions: make(map[uuid.UUID]*domain.SagaExecution),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ExecuteSaga runs steps in order. When a step fails for good, every completed step is
// compensated in reverse order and the execution ends COMPENSATED. The returned error
// is the step failure; the execution record is returned in every case.
func (o *Orchestrator) ExecuteSaga(
	ctx context.Context,
	name string,
	steps []domain.SagaStep,
	initialData map[string]any,
) (*domain.SagaExecution, error) {
	start := o.now()

	data := make(map[string]any, len(initialData))
	for k, v := range initialData {
		data[k] = v
	}

	sagaID := uuid.Must(uuid.NewV7())
	sagaCtx := &domain.SagaContext{
		SagaID:         sagaID,
		Data:           data,
		CompletedSteps: []string{},
	}
	execution := &domain.SagaExecution{
		SagaID:    sagaID,
		Name:      name,
		Status:    domain.SagaStatusPending,
		Context:   sagaCtx,
		StartedAt: start,
	}
	o.register(execution)

	logger := o.logger.With(slog.String("saga_id", sagaID.String()), slog.String("saga", name))

	if err := validateSteps(steps); err != nil {
		o.update(execution, func(e *domain.SagaExecution) {
			e.Status = domain.SagaStatusFailed
			e.Error = err.Error()
			e.CompletedAt = o.timePtr()
		})
		logger.Error("saga rejected before execution", slog.Any("error", err))
		o.record(ctx, name, domain.SagaStatusFailed, start)
		return o.snapshot(execution), err
	}

	o.update(execution, func(e *domain.SagaExecution) {
		e.Status = domain.SagaStatusInProgress
	})
	logger.Info("saga started", slog.Int("steps", len(steps)))

	stepErr := o.executeSteps(ctx, execution, steps, logger)
	if stepErr == nil {
		o.update(execution, func(e *domain.SagaExecution) {
			e.Status = domain.SagaStatusCompleted
			e.Context.CurrentStep = ""
			e.CompletedAt = o.timePtr()
		})
		logger.Info("saga completed", slog.Duration("duration", o.now().Sub(start)))
		o.record(ctx, name, domain.SagaStatusCompleted, start)
		return o.snapshot(execution), nil
	}

	o.update(execution, func(e *domain.SagaExecution) {
		e.Error = stepErr.Error()
	})
	logger.Warn("saga step failed, compensating", slog.Any("error", stepErr))

	o.compensate(ctx, execution, steps, logger)
	o.record(ctx, name, domain.SagaStatusCompensated, start)

	return o.snapshot(execution), stepErr
}

// executeSteps runs the steps sequentially and stops at the first unrecoverable failure.
func (o *Orchestrator) executeSteps(
	ctx context.Context,
	execution *domain.SagaExecution,
	steps []domain.SagaStep,
	logger *slog.Logger,
) error {
	for i, step := range steps {
		o.update(execution, func(e *domain.SagaExecution) {
			e.CurrentStepIndex = i
			e.Context.CurrentStep = step.ID
		})

		result, err := o.executeStepWithRetry(ctx, execution, step, logger)
		if err != nil {
			return fmt.Errorf("step %s failed: %w", step.ID, err)
		}

		o.update(execution, func(e *domain.SagaExecution) {
			e.Context.CompletedSteps = append(e.Context.CompletedSteps, step.ID)
			e.Context.Data[domain.ResultKey(step.ID)] = result
		})
		logger.Debug("saga step completed", slog.String("step", step.ID))
	}
	return nil
}

// executeStepWithRetry invokes the step action, retrying transient failures with
// exponential backoff while the step allows it.
func (o *Orchestrator) executeStepWithRetry(
	ctx context.Context,
	execution *domain.SagaExecution,
	step domain.SagaStep,
	logger *slog.Logger,
) (any, error) {
	var attempts int
	opts := []retry.Option{
		retry.Attempts(uint(step.Retries() + 1)),
		retry.Delay(o.config.RetryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !apperrors.IsPermanent(err)
		}),
	}
	if o.timer != nil {
		opts = append(opts, retry.WithTimer(o.timer))
	}

	result, err := retry.DoWithData(func() (any, error) {
		if attempts > 0 {
			o.update(execution, func(e *domain.SagaExecution) {
				e.Context.RetryCount++
			})
			logger.Warn("retrying saga step",
				slog.String("step", step.ID),
				slog.Int("attempt", attempts+1),
			)
		}
		attempts++
		return step.Action(ctx, execution.Context)
	}, opts...)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// compensate runs the compensation of every completed step in reverse order. A failed
// compensation is logged and the remaining ones still run.
func (o *Orchestrator) compensate(
	ctx context.Context,
	execution *domain.SagaExecution,
	steps []domain.SagaStep,
	logger *slog.Logger,
) {
	o.update(execution, func(e *domain.SagaExecution) {
		e.Status = domain.SagaStatusCompensating
	})

	byID := make(map[string]domain.SagaStep, len(steps))
	for _, step := range steps {
		byID[step.ID] = step
	}

	o.mu.RLock()
	completed := append([]string(nil), execution.Context.CompletedSteps...)
	o.mu.RUnlock()

	// Compensations must run even when the caller's context is already cancelled.
	compensationCtx := context.WithoutCancel(ctx)

	for i := len(completed) - 1; i >= 0; i-- {
		step, ok := byID[completed[i]]
		if !ok || step.Compensation == nil {
			continue
		}
		if err := step.Compensation(compensationCtx, execution.Context); err != nil {
			logger.Error("saga compensation failed",
				slog.String("step", step.ID),
				slog.Any("error", err),
			)
			continue
		}
		logger.Info("saga step compensated", slog.String("step", step.ID))
	}

	o.update(execution, func(e *domain.SagaExecution) {
		e.Status = domain.SagaStatusCompensated
		e.CompletedAt = o.timePtr()
	})
}

// GetSagaExecution returns a copy of the execution with the given id.
func (o *Orchestrator) GetSagaExecution(id uuid.UUID) (*domain.SagaExecution, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	execution, ok := o.executions[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "saga execution %s", id)
	}
	return execution.Clone(), nil
}

// GetAllExecutions returns copies of every registered execution ordered by start time.
func (o *Orchestrator) GetAllExecutions() []*domain.SagaExecution {
	return o.filter(func(*domain.SagaExecution) bool { return true })
}

// GetExecutionsByStatus returns copies of the executions currently in status.
func (o *Orchestrator) GetExecutionsByStatus(status domain.SagaStatus) []*domain.SagaExecution {
	return o.filter(func(e *domain.SagaExecution) bool { return e.Status == status })
}

// CleanupExecutions removes terminal executions that started before now - olderThan.
// A zero olderThan uses the configured retention. It returns the number removed.
func (o *Orchestrator) CleanupExecutions(olderThan time.Duration) int {
	if olderThan <= 0 {
		olderThan = o.config.Retention
	}
	cutoff := o.now().Add(-olderThan)

	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for id, execution := range o.executions {
		if execution.Status.IsTerminal() && execution.StartedAt.Before(cutoff) {
			delete(o.executions, id)
			removed++
		}
	}

	if removed > 0 {
		o.logger.Info("saga executions cleaned up",
			slog.Int("removed", removed),
			slog.Duration("older_than", olderThan),
		)
	}
	return removed
}

// GetStatistics counts registered executions per status.
func (o *Orchestrator) GetStatistics() domain.Statistics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	stats := domain.Statistics{
		Total:    len(o.executions),
		ByStatus: make(map[domain.SagaStatus]int),
	}
	for _, execution := range o.executions {
		stats.ByStatus[execution.Status]++
	}
	return stats
}

func (o *Orchestrator) filter(keep func(*domain.SagaExecution) bool) []*domain.SagaExecution {
	o.mu.RLock()
	defer o.mu.RUnlock()

	result := make([]*domain.SagaExecution, 0, len(o.executions))
	for _, execution := range o.executions {
		if keep(execution) {
			result = append(result, execution.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

func (o *Orchestrator) register(execution *domain.SagaExecution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executions[execution.SagaID] = execution
}

// update mutates a registered execution under the registry lock.
func (o *Orchestrator) update(execution *domain.SagaExecution, fn func(e *domain.SagaExecution)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(execution)
}

func (o *Orchestrator) snapshot(execution *domain.SagaExecution) *domain.SagaExecution {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return execution.Clone()
}

func (o *Orchestrator) record(ctx context.Context, name string, status domain.SagaStatus, start time.Time) {
	o.metrics.RecordOperation(ctx, metricsDomain, name, string(status))
	o.metrics.RecordDuration(ctx, metricsDomain, name, o.now().Sub(start), string(status))
}

func (o *Orchestrator) timePtr() *time.Time {
	now := o.now()
	return &now
}

// validateSteps rejects step lists the orchestrator cannot compensate reliably.
func validateSteps(steps []domain.SagaStep) error {
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step.ID == "" {
			return apperrors.Wrapf(apperrors.ErrInvalidInput, "step %d has no id", i)
		}
		if step.Action == nil {
			return apperrors.Wrapf(apperrors.ErrInvalidInput, "step %s has no action", step.ID)
		}
		if _, dup := seen[step.ID]; dup {
			return apperrors.Wrapf(apperrors.ErrInvalidInput, "duplicate step id %s", step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}
