package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/allisson/scheduler/internal/appointment/domain"
	"github.com/allisson/scheduler/internal/database"
	apperrors "github.com/allisson/scheduler/internal/errors"
	"github.com/allisson/scheduler/internal/notification"
	outboxDomain "github.com/allisson/scheduler/internal/outbox/domain"
	sagaDomain "github.com/allisson/scheduler/internal/saga/domain"
	sagaUsecase "github.com/allisson/scheduler/internal/saga/usecase"
)

// SagaName identifies confirmation sagas in the execution registry.
const SagaName = "appointment-confirmation"

// Step identifiers of the confirmation saga, in execution order.
const (
	StepValidatePatient      = "validate-or-create-patient"
	StepValidatePsychologist = "validate-psychologist"
	StepCheckAvailability    = "check-availability"
	StepSaveAppointment      = "save-appointment-via-outbox"
	StepSendConfirmation     = "send-confirmation-notification"
)

// ProcessorOption customizes an AppointmentProcessor.
type ProcessorOption func(*AppointmentProcessor)

// WithProcessorClock overrides the time source used for validation and timestamps.
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *AppointmentProcessor) {
		p.now = now
	}
}

// AppointmentProcessor parses a confirmation message and runs the confirmation saga.
// It returns the saga failure so the caller can decide between retry and dead-lettering.
type AppointmentProcessor struct {
	txManager     database.TxManager
	patients      PatientRepository
	psychologists PsychologistRepository
	appointments  AppointmentRepository
	events        EventRecorder
	notifier      notification.Sender
	saga          sagaUsecase.UseCase
	logger        *slog.Logger
	now           func() time.Time
}

// NewAppointmentProcessor creates an AppointmentProcessor.
func NewAppointmentProcessor(
	txManager database.TxManager,
	patients PatientRepository,
	psychologists PsychologistRepository,
	appointments AppointmentRepository,
	events EventRecorder,
	notifier notification.Sender,
	saga sagaUsecase.UseCase,
	logger *slog.Logger,
	opts ...ProcessorOption,
) *AppointmentProcessor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &AppointmentProcessor{
		txManager:     txManager,
		patients:      patients,
		psychologists: psychologists,
		appointments:  appointments,
		events:        events,
		notifier:      notifier,
		saga:          saga,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process confirms the appointment described by payload.
func (p *AppointmentProcessor) Process(ctx context.Context, payload json.RawMessage) error {
	msg, err := domain.ParseConfirmationMessage(payload, p.now())
	if err != nil {
		return err
	}

	req := msg.Request()
	initialData := map[string]any{
		"format":          string(msg.Format()),
		"trace_id":        req.TraceID,
		"correlation_id":  req.CorrelationID,
		"source":          req.Source,
		"psychologist_id": req.PsychologistID.String(),
	}

	execution, err := p.saga.ExecuteSaga(ctx, SagaName, p.Steps(req), initialData)
	if err != nil {
		return err
	}

	p.logger.Info("appointment confirmed",
		slog.String("saga_id", execution.SagaID.String()),
		slog.String("trace_id", req.TraceID),
		slog.String("format", string(msg.Format())),
	)
	return nil
}

// Steps builds the confirmation saga for req.
func (p *AppointmentProcessor) Steps(req domain.ConfirmationRequest) []sagaDomain.SagaStep {
	return []sagaDomain.SagaStep{
		{
			ID:           StepValidatePatient,
			Name:         "Validate or create patient",
			Action:       p.validateOrCreatePatient(req),
			Compensation: sagaDomain.NoCompensation,
			Retryable:    true,
			MaxRetries:   3,
		},
		{
			ID:           StepValidatePsychologist,
			Name:         "Validate psychologist",
			Action:       p.validatePsychologist(req),
			Compensation: sagaDomain.NoCompensation,
			Retryable:    true,
			MaxRetries:   2,
		},
		{
			ID:           StepCheckAvailability,
			Name:         "Check availability",
			Action:       p.checkAvailability(req),
			Compensation: sagaDomain.NoCompensation,
			Retryable:    true,
			MaxRetries:   2,
		},
		{
			ID:           StepSaveAppointment,
			Name:         "Save appointment via outbox",
			Action:       p.saveAppointment(req),
			Compensation: p.cancelAppointment(req),
			Retryable:    true,
			MaxRetries:   3,
		},
		{
			ID:           StepSendConfirmation,
			Name:         "Send confirmation notification",
			Action:       p.sendConfirmation(),
			Compensation: p.sendCancellation(),
			Retryable:    true,
			MaxRetries:   3,
		},
	}
}

// validateOrCreatePatient returns the patient registered with the request email, creating it
// on first contact and refreshing its phone when a new one is provided.
func (p *AppointmentProcessor) validateOrCreatePatient(req domain.ConfirmationRequest) sagaDomain.ActionFunc {
	return func(ctx context.Context, sagaCtx *sagaDomain.SagaContext) (any, error) {
		var patient domain.Patient
		err := p.txManager.WithTx(ctx, func(ctx context.Context) error {
			existing, err := p.patients.FindByEmail(ctx, req.PatientEmail)
			if errors.Is(err, domain.ErrPatientNotFound) {
				patient = domain.NewPatient(req.PatientName, req.PatientEmail, req.PatientPhone, p.now().UTC())
				return p.patients.Create(ctx, patient)
			}
			if err != nil {
				return err
			}

			patient = existing
			if req.PatientPhone != "" && req.PatientPhone != existing.Phone {
				patient = existing.WithPhone(req.PatientPhone, p.now().UTC())
				return p.patients.Update(ctx, patient)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return patient, nil
	}
}

func (p *AppointmentProcessor) validatePsychologist(req domain.ConfirmationRequest) sagaDomain.ActionFunc {
	return func(ctx context.Context, sagaCtx *sagaDomain.SagaContext) (any, error) {
		var psychologist domain.Psychologist
		err := p.txManager.WithTx(ctx, func(ctx context.Context) error {
			var err error
			psychologist, err = p.psychologists.FindByID(ctx, req.PsychologistID)
			return err
		})
		if err != nil {
			if errors.Is(err, domain.ErrPsychologistNotFound) {
				return nil, apperrors.Permanent(err)
			}
			return nil, err
		}
		if !psychologist.Active {
			return nil, domain.ErrPsychologistInactive
		}
		return psychologist, nil
	}
}

func (p *AppointmentProcessor) checkAvailability(req domain.ConfirmationRequest) sagaDomain.ActionFunc {
	return func(ctx context.Context, sagaCtx *sagaDomain.SagaContext) (any, error) {
		slot := req.Slot()
		var conflict bool
		err := p.txManager.WithTx(ctx, func(ctx context.Context) error {
			var err error
			conflict, err = p.appointments.HasConflict(ctx, req.PsychologistID, slot)
			return err
		})
		if err != nil {
			return nil, err
		}
		if conflict {
			return nil, domain.ErrTimeSlotUnavailable
		}
		return slot, nil
	}
}

// saveAppointment stores the appointment and its confirmed event in one transaction. The
// availability check is repeated inside the transaction to close the gap since the previous step.
func (p *AppointmentProcessor) saveAppointment(req domain.ConfirmationRequest) sagaDomain.ActionFunc {
	return func(ctx context.Context, sagaCtx *sagaDomain.SagaContext) (any, error) {
		patient, err := stepResult[domain.Patient](sagaCtx, StepValidatePatient)
		if err != nil {
			return nil, err
		}

		appointment := domain.NewAppointment(patient.ID, req.PsychologistID, req.Slot(), req.Notes, p.now().UTC())
		input := outboxDomain.EventInput{
			AggregateID:   appointment.ID.String(),
			AggregateType: domain.AggregateTypeAppointment,
			EventType:     domain.EventAppointmentConfirmed,
			EventData:     appointment.Event(req.TraceID),
		}

		_, err = p.events.SaveEventInTransaction(ctx, input, func(ctx context.Context) error {
			conflict, err := p.appointments.HasConflict(ctx, req.PsychologistID, appointment.Slot())
			if err != nil {
				return err
			}
			if conflict {
				return domain.ErrTimeSlotUnavailable
			}
			return p.appointments.Create(ctx, appointment)
		})
		if err != nil {
			return nil, err
		}
		return appointment, nil
	}
}

// cancelAppointment removes the appointment and records the cancellation event.
func (p *AppointmentProcessor) cancelAppointment(req domain.ConfirmationRequest) sagaDomain.CompensationFunc {
	return func(ctx context.Context, sagaCtx *sagaDomain.SagaContext) error {
		appointment, err := stepResult[domain.Appointment](sagaCtx, StepSaveAppointment)
		if err != nil {
			return err
		}

		cancelled := appointment.WithStatus(domain.AppointmentStatusCancelled, p.now().UTC())
		input := outboxDomain.EventInput{
			AggregateID:   appointment.ID.String(),
			AggregateType: domain.AggregateTypeAppointment,
			EventType:     domain.EventAppointmentCancelled,
			EventData:     cancelled.Event(req.TraceID),
		}
		_, err = p.events.SaveEventInTransaction(ctx, input, func(ctx context.Context) error {
			return p.appointments.Delete(ctx, appointment.ID)
		})
		return err
	}
}

func (p *AppointmentProcessor) sendConfirmation() sagaDomain.ActionFunc {
	return func(ctx context.Context, sagaCtx *sagaDomain.SagaContext) (any, error) {
		appointment, err := stepResult[domain.Appointment](sagaCtx, StepSaveAppointment)
		if err != nil {
			return nil, err
		}

		message := fmt.Sprintf("Your appointment on %s is confirmed.", appointment.StartsAt.Format(time.RFC3339))
		if err := p.notifier.Send(ctx, appointment.PatientID.String(),
			notification.KindAppointmentConfirmed, message); err != nil {
			return nil, err
		}
		return appointment.ID.String(), nil
	}
}

func (p *AppointmentProcessor) sendCancellation() sagaDomain.CompensationFunc {
	return func(ctx context.Context, sagaCtx *sagaDomain.SagaContext) error {
		appointment, err := stepResult[domain.Appointment](sagaCtx, StepSaveAppointment)
		if err != nil {
			return err
		}

		message := fmt.Sprintf("Your appointment on %s was cancelled.", appointment.StartsAt.Format(time.RFC3339))
		return p.notifier.Send(ctx, appointment.PatientID.String(), notification.KindAppointmentCancelled, message)
	}
}

// stepResult reads the typed result of a completed step.
func stepResult[T any](sagaCtx *sagaDomain.SagaContext, stepID string) (T, error) {
	var zero T
	value, ok := sagaCtx.Result(stepID)
	if !ok {
		return zero, apperrors.Permanent(fmt.Errorf("missing result of step %s", stepID))
	}
	result, ok := value.(T)
	if !ok {
		return zero, apperrors.Permanent(fmt.Errorf("unexpected result %T of step %s", value, stepID))
	}
	return result, nil
}
