// Package domain defines the core outbox domain entities and types.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	validation "github.com/jellydator/validation"

	apperrors "github.com/allisson/scheduler/internal/errors"
)

// OutboxEventStatus represents the status of an outbox event
type OutboxEventStatus string

const (
	OutboxEventStatusPending    OutboxEventStatus = "pending"
	OutboxEventStatusProcessing OutboxEventStatus = "processing"
	OutboxEventStatusProcessed  OutboxEventStatus = "processed"
	OutboxEventStatusFailed     OutboxEventStatus = "failed"
)

// DefaultMaxRetries is the publication budget of a new event.
const DefaultMaxRetries = 3

// ErrVersionConflict is returned when an event was modified by someone else since it was read.
var ErrVersionConflict = apperrors.Wrap(apperrors.ErrConflict, "outbox event version conflict")

// OutboxEvent represents an event in the transactional outbox pattern
type OutboxEvent struct {
	ID            uuid.UUID         `json:"id"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	EventType     string            `json:"event_type"`
	EventData     json.RawMessage   `json:"event_data"`
	Status        OutboxEventStatus `json:"status"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	Error         *string           `json:"error,omitempty"`
	Version       int               `json:"version"`
	ProcessedAt   *time.Time        `json:"processed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// EventInput carries the caller supplied part of a new outbox event.
type EventInput struct {
	AggregateID   string
	AggregateType string
	EventType     string
	EventData     any
}

// Validate checks the required event fields.
func (i EventInput) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.AggregateID, validation.Required),
		validation.Field(&i.AggregateType, validation.Required),
		validation.Field(&i.EventType, validation.Required),
	)
}

// NewOutboxEvent builds a PENDING event from input.
func NewOutboxEvent(input EventInput, maxRetries int, now time.Time) (*OutboxEvent, error) {
	if err := input.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
	}

	data, err := json.Marshal(input.EventData)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "event data is not JSON serializable")
	}

	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return &OutboxEvent{
		ID:            uuid.Must(uuid.NewV7()),
		AggregateID:   input.AggregateID,
		AggregateType: input.AggregateType,
		EventType:     input.EventType,
		EventData:     data,
		Status:        OutboxEventStatusPending,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// CanRetry reports whether the event still has publication attempts left.
func (e *OutboxEvent) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// MarkProcessed records a successful publication.
func (e *OutboxEvent) MarkProcessed(now time.Time) {
	e.Status = OutboxEventStatusProcessed
	e.ProcessedAt = &now
	e.Error = nil
	e.UpdatedAt = now
}

// MarkFailed records a failed publication. The event goes back to PENDING while retries
// remain and to FAILED once the budget is exhausted.
func (e *OutboxEvent) MarkFailed(cause error, now time.Time) {
	e.RetryCount++
	msg := cause.Error()
	e.Error = &msg
	e.UpdatedAt = now
	if e.CanRetry() {
		e.Status = OutboxEventStatusPending
		return
	}
	e.Status = OutboxEventStatusFailed
}
