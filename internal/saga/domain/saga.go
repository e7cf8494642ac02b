// Package domain defines the saga steps, execution context and execution records.
package domain

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// SagaStatus represents the lifecycle state of a saga execution.
type SagaStatus string

const (
	SagaStatusPending      SagaStatus = "PENDING"
	SagaStatusInProgress   SagaStatus = "IN_PROGRESS"
	SagaStatusCompleted    SagaStatus = "COMPLETED"
	SagaStatusCompensating SagaStatus = "COMPENSATING"
	SagaStatusCompensated  SagaStatus = "COMPENSATED"
	SagaStatusFailed       SagaStatus = "FAILED"
)

// IsTerminal reports whether no further transition can happen from s.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case SagaStatusCompleted, SagaStatusCompensated, SagaStatusFailed:
		return true
	default:
		return false
	}
}

// DefaultStepMaxRetries is used when a retryable step leaves MaxRetries at zero.
const DefaultStepMaxRetries = 3

// ActionFunc is the forward action of a step. The returned value is stored in the
// saga data under "<stepID>_result".
type ActionFunc func(ctx context.Context, sagaCtx *SagaContext) (any, error)

// CompensationFunc semantically undoes a completed step.
type CompensationFunc func(ctx context.Context, sagaCtx *SagaContext) error

// SagaStep is one unit of a saga. Steps are built per invocation by the caller.
type SagaStep struct {
	ID           string
	Name         string
	Action       ActionFunc
	Compensation CompensationFunc
	Retryable    bool
	// MaxRetries is the number of additional attempts for a retryable step.
	// Zero means DefaultStepMaxRetries.
	MaxRetries int
}

// Retries returns the number of additional attempts allowed for the step.
func (s SagaStep) Retries() int {
	if !s.Retryable {
		return 0
	}
	if s.MaxRetries <= 0 {
		return DefaultStepMaxRetries
	}
	return s.MaxRetries
}

// NoCompensation is the compensation of pure validation steps.
func NoCompensation(ctx context.Context, sagaCtx *SagaContext) error {
	return nil
}

// SagaContext is the mutable state shared by the steps of one execution.
type SagaContext struct {
	SagaID         uuid.UUID      `json:"saga_id"`
	Data           map[string]any `json:"data"`
	CompletedSteps []string       `json:"completed_steps"`
	CurrentStep    string         `json:"current_step,omitempty"`
	RetryCount     int            `json:"retry_count"`
}

// ResultKey returns the data key under which a step result is stored.
func ResultKey(stepID string) string {
	return stepID + "_result"
}

// Result returns the stored result of a completed step.
func (c *SagaContext) Result(stepID string) (any, bool) {
	v, ok := c.Data[ResultKey(stepID)]
	return v, ok
}

// Clone returns a copy that does not share slices or maps with c.
func (c *SagaContext) Clone() *SagaContext {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Data = maps.Clone(c.Data)
	clone.CompletedSteps = slices.Clone(c.CompletedSteps)
	return &clone
}

// SagaExecution tracks one run of a saga.
type SagaExecution struct {
	SagaID           uuid.UUID    `json:"saga_id"`
	Name             string       `json:"name"`
	Status           SagaStatus   `json:"status"`
	CurrentStepIndex int          `json:"current_step_index"`
	Context          *SagaContext `json:"context"`
	StartedAt        time.Time    `json:"started_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand out of the registry.
func (e *SagaExecution) Clone() *SagaExecution {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Context = e.Context.Clone()
	if e.CompletedAt != nil {
		completedAt := *e.CompletedAt
		clone.CompletedAt = &completedAt
	}
	return &clone
}

// Statistics counts registered executions per status.
type Statistics struct {
	Total    int                `json:"total"`
	ByStatus map[SagaStatus]int `json:"by_status"`
}
