// Package usecase implements the appointment confirmation workflow and its resilient
// processing entry point.
package usecase

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/allisson/scheduler/internal/appointment/domain"
	outboxDomain "github.com/allisson/scheduler/internal/outbox/domain"
	outboxUsecase "github.com/allisson/scheduler/internal/outbox/usecase"
)

// PatientRepository defines the patient persistence operations used by the workflow.
type PatientRepository interface {
	Create(ctx context.Context, patient domain.Patient) error
	Update(ctx context.Context, patient domain.Patient) error
	FindByID(ctx context.Context, id uuid.UUID) (domain.Patient, error)
	FindByEmail(ctx context.Context, email string) (domain.Patient, error)
}

// PsychologistRepository defines the psychologist lookups used by the workflow.
type PsychologistRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (domain.Psychologist, error)
}

// AppointmentRepository defines the appointment persistence operations used by the workflow.
type AppointmentRepository interface {
	Create(ctx context.Context, appointment domain.Appointment) error
	Update(ctx context.Context, appointment domain.Appointment) error
	Delete(ctx context.Context, id uuid.UUID) error
	FindByID(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	HasConflict(ctx context.Context, psychologistID uuid.UUID, slot domain.TimeSlot) (bool, error)
}

// EventRecorder stores an outbox event atomically with a business write.
type EventRecorder interface {
	SaveEventInTransaction(
		ctx context.Context,
		input outboxDomain.EventInput,
		businessOperation outboxUsecase.BusinessOperation,
	) (*outboxDomain.OutboxEvent, error)
}

// MessageHandler is the entry point for inbound confirmation messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, payload json.RawMessage, attemptCount int, originalQueue string) error
	GetHealthStatus(ctx context.Context) HealthStatus
}
