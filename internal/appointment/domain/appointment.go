package domain

import (
	"time"

	"github.com/google/uuid"
)

// AppointmentStatus represents the lifecycle of an appointment.
type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
)

// Appointment event types recorded in the outbox.
const (
	AggregateTypeAppointment  = "appointment"
	EventAppointmentConfirmed = "appointment.confirmed"
	EventAppointmentCancelled = "appointment.cancelled"
)

// Appointment books a psychologist for a patient over [StartsAt, EndsAt).
type Appointment struct {
	ID             uuid.UUID         `json:"id"`
	PatientID      uuid.UUID         `json:"patient_id"`
	PsychologistID uuid.UUID         `json:"psychologist_id"`
	StartsAt       time.Time         `json:"starts_at"`
	EndsAt         time.Time         `json:"ends_at"`
	Status         AppointmentStatus `json:"status"`
	Notes          string            `json:"notes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewAppointment creates a confirmed appointment for the requested slot.
func NewAppointment(patientID, psychologistID uuid.UUID, slot TimeSlot, notes string, now time.Time) Appointment {
	return Appointment{
		ID:             uuid.Must(uuid.NewV7()),
		PatientID:      patientID,
		PsychologistID: psychologistID,
		StartsAt:       slot.Start,
		EndsAt:         slot.End,
		Status:         AppointmentStatusConfirmed,
		Notes:          notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// WithStatus returns a copy with the status replaced.
func (a Appointment) WithStatus(status AppointmentStatus, now time.Time) Appointment {
	a.Status = status
	a.UpdatedAt = now
	return a
}

// WithNotes returns a copy with the notes replaced.
func (a Appointment) WithNotes(notes string, now time.Time) Appointment {
	a.Notes = notes
	a.UpdatedAt = now
	return a
}

// Slot returns the booked time slot.
func (a Appointment) Slot() TimeSlot {
	return TimeSlot{Start: a.StartsAt, End: a.EndsAt}
}

// TimeSlot is a half-open interval [Start, End).
type TimeSlot struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether the two slots share any instant.
func (s TimeSlot) Overlaps(other TimeSlot) bool {
	return s.Start.Before(other.End) && other.Start.Before(s.End)
}

// AppointmentEvent is the outbox payload for appointment events.
type AppointmentEvent struct {
	AppointmentID  uuid.UUID         `json:"appointment_id"`
	PatientID      uuid.UUID         `json:"patient_id"`
	PsychologistID uuid.UUID         `json:"psychologist_id"`
	StartsAt       time.Time         `json:"starts_at"`
	EndsAt         time.Time         `json:"ends_at"`
	Status         AppointmentStatus `json:"status"`
	TraceID        string            `json:"trace_id,omitempty"`
}

// Event builds the outbox payload for a.
func (a Appointment) Event(traceID string) AppointmentEvent {
	return AppointmentEvent{
		AppointmentID:  a.ID,
		PatientID:      a.PatientID,
		PsychologistID: a.PsychologistID,
		StartsAt:       a.StartsAt,
		EndsAt:         a.EndsAt,
		Status:         a.Status,
		TraceID:        traceID,
	}
}
