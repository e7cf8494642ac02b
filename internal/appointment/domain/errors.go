package domain

import (
	apperrors "github.com/allisson/scheduler/internal/errors"
)

// Appointment scheduling errors.
var (
	// ErrPatientNotFound indicates a patient with the specified ID or email was not found.
	ErrPatientNotFound = apperrors.Wrap(apperrors.ErrNotFound, "patient not found")

	// ErrPsychologistNotFound indicates a psychologist with the specified ID was not found.
	ErrPsychologistNotFound = apperrors.Wrap(apperrors.ErrNotFound, "psychologist not found")

	// ErrAppointmentNotFound indicates an appointment with the specified ID was not found.
	ErrAppointmentNotFound = apperrors.Wrap(apperrors.ErrNotFound, "appointment not found")

	// ErrPsychologistInactive indicates the psychologist does not accept appointments.
	ErrPsychologistInactive = apperrors.Wrap(apperrors.ErrBusinessRule, "psychologist is not active")

	// ErrTimeSlotUnavailable indicates the requested slot overlaps another appointment.
	ErrTimeSlotUnavailable = apperrors.Wrap(apperrors.ErrBusinessRule, "time slot no longer available")

	// ErrMalformedMessage indicates an inbound message could not be parsed or validated.
	ErrMalformedMessage = apperrors.Wrap(apperrors.ErrInvalidInput, "malformed confirmation message")
)
