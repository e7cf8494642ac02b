package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	validation "github.com/jellydator/validation"

	appValidation "github.com/allisson/scheduler/internal/validation"
)

// MessageFormat discriminates the inbound message variants.
type MessageFormat string

const (
	MessageFormatEnterprise MessageFormat = "enterprise"
	MessageFormatLegacy     MessageFormat = "legacy"
)

// MessageTypeConfirmation is the enterprise message type handled by the scheduler.
const MessageTypeConfirmation = "appointment.confirmation"

// ConfirmationMessage is an inbound request to confirm an appointment, in either format.
type ConfirmationMessage interface {
	Format() MessageFormat
	Request() ConfirmationRequest
}

// ConfirmationRequest is the format-independent content of a confirmation message.
type ConfirmationRequest struct {
	PatientName     string
	PatientEmail    string
	PatientPhone    string
	PsychologistID  uuid.UUID
	StartsAt        time.Time
	DurationMinutes int
	Notes           string
	TraceID         string
	CorrelationID   string
	Source          string
}

// Slot returns the requested time slot.
func (r ConfirmationRequest) Slot() TimeSlot {
	return TimeSlot{
		Start: r.StartsAt,
		End:   r.StartsAt.Add(time.Duration(r.DurationMinutes) * time.Minute),
	}
}

var notNilUUID = validation.By(func(value interface{}) error {
	id, ok := value.(uuid.UUID)
	if !ok {
		return validation.NewError("validation_uuid_type", "must be a UUID")
	}
	if id == uuid.Nil {
		return validation.NewError("validation_required", "cannot be blank")
	}
	return nil
})

// Validate checks the request against the scheduling rules. Times are compared with now.
func (r ConfirmationRequest) Validate(now time.Time) error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PatientName,
			validation.Required.Error("patient name is required"),
			appValidation.NotBlank,
			validation.Length(1, 255).Error("patient name must be between 1 and 255 characters"),
		),
		validation.Field(&r.PatientEmail,
			validation.Required.Error("patient email is required"),
			appValidation.Email,
			validation.Length(5, 255).Error("patient email must be between 5 and 255 characters"),
		),
		validation.Field(&r.PatientPhone, appValidation.Phone),
		validation.Field(&r.PsychologistID, notNilUUID),
		validation.Field(&r.StartsAt,
			validation.Required.Error("scheduled time is required"),
			appValidation.FutureTime{Now: func() time.Time { return now }},
		),
		validation.Field(&r.DurationMinutes,
			validation.Required.Error("duration is required"),
			validation.Min(15).Error("duration must be at least 15 minutes"),
			validation.Max(240).Error("duration must be at most 240 minutes"),
		),
		validation.Field(&r.Notes, validation.Length(0, 2000)),
	)
}

// MessageMetadata is the envelope metadata of an enterprise message.
type MessageMetadata struct {
	TraceID       string `json:"traceId"`
	CorrelationID string `json:"correlationId"`
	Source        string `json:"source"`
}

// EnterprisePatient is the patient section of an enterprise payload.
type EnterprisePatient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// EnterprisePayload is the body of an enterprise message.
type EnterprisePayload struct {
	Patient         EnterprisePatient `json:"patient"`
	PsychologistID  uuid.UUID         `json:"psychologistId"`
	ScheduledAt     time.Time         `json:"scheduledAt"`
	DurationMinutes int               `json:"durationMinutes"`
	Notes           string            `json:"notes"`
}

// EnterpriseMessage is the versioned envelope format.
type EnterpriseMessage struct {
	Version  string            `json:"version"`
	Type     string            `json:"type"`
	Metadata MessageMetadata   `json:"metadata"`
	Payload  EnterprisePayload `json:"payload"`
}

// Format implements ConfirmationMessage.
func (m EnterpriseMessage) Format() MessageFormat {
	return MessageFormatEnterprise
}

// Request implements ConfirmationMessage.
func (m EnterpriseMessage) Request() ConfirmationRequest {
	return ConfirmationRequest{
		PatientName:     m.Payload.Patient.Name,
		PatientEmail:    m.Payload.Patient.Email,
		PatientPhone:    m.Payload.Patient.Phone,
		PsychologistID:  m.Payload.PsychologistID,
		StartsAt:        m.Payload.ScheduledAt,
		DurationMinutes: m.Payload.DurationMinutes,
		Notes:           m.Payload.Notes,
		TraceID:         m.Metadata.TraceID,
		CorrelationID:   m.Metadata.CorrelationID,
		Source:          m.Metadata.Source,
	}
}

func (m EnterpriseMessage) validateEnvelope() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Version, validation.Required.Error("version is required"), appValidation.NotBlank),
		validation.Field(&m.Type,
			validation.Required.Error("type is required"),
			validation.In(MessageTypeConfirmation).Error("unsupported message type"),
		),
	)
}

// LegacyMessage is the flat format sent by older producers.
type LegacyMessage struct {
	PatientName     string    `json:"patient_name"`
	PatientEmail    string    `json:"patient_email"`
	PatientPhone    string    `json:"patient_phone"`
	PsychologistID  uuid.UUID `json:"psychologist_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Notes           string    `json:"notes"`
	TraceID         string    `json:"trace_id"`
}

// Format implements ConfirmationMessage.
func (m LegacyMessage) Format() MessageFormat {
	return MessageFormatLegacy
}

// Request implements ConfirmationMessage.
func (m LegacyMessage) Request() ConfirmationRequest {
	return ConfirmationRequest{
		PatientName:     m.PatientName,
		PatientEmail:    m.PatientEmail,
		PatientPhone:    m.PatientPhone,
		PsychologistID:  m.PsychologistID,
		StartsAt:        m.ScheduledAt,
		DurationMinutes: m.DurationMinutes,
		Notes:           m.Notes,
		TraceID:         m.TraceID,
		Source:          string(MessageFormatLegacy),
	}
}

// ParseConfirmationMessage decodes data into an EnterpriseMessage when it carries a "version"
// field and into a LegacyMessage otherwise, then validates the request. Every failure wraps
// ErrMalformedMessage, which is never worth retrying.
func ParseConfirmationMessage(data []byte, now time.Time) (ConfirmationMessage, error) {
	var header struct {
		Version *string `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, malformed(err)
	}

	var msg ConfirmationMessage
	if header.Version != nil {
		var enterprise EnterpriseMessage
		if err := json.Unmarshal(data, &enterprise); err != nil {
			return nil, malformed(err)
		}
		if err := enterprise.validateEnvelope(); err != nil {
			return nil, malformed(err)
		}
		msg = enterprise
	} else {
		var legacy LegacyMessage
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, malformed(err)
		}
		msg = legacy
	}

	if err := msg.Request().Validate(now); err != nil {
		return nil, malformed(err)
	}

	return msg, nil
}

func malformed(err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Errorf("%w: invalid json at offset %d", ErrMalformedMessage, syntaxErr.Offset)
	}
	return fmt.Errorf("%w: %s", ErrMalformedMessage, err.Error())
}
