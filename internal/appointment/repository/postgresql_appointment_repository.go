package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/allisson/scheduler/internal/appointment/domain"
	"github.com/allisson/scheduler/internal/database"
	apperrors "github.com/allisson/scheduler/internal/errors"
)

const appointmentColumns = `id, patient_id, psychologist_id, starts_at, ends_at, status, notes, created_at, updated_at`

// PostgreSQLAppointmentRepository handles appointment persistence for PostgreSQL
type PostgreSQLAppointmentRepository struct {
	db *sql.DB
}

// NewPostgreSQLAppointmentRepository creates a new PostgreSQLAppointmentRepository
func NewPostgreSQLAppointmentRepository(db *sql.DB) *PostgreSQLAppointmentRepository {
	return &PostgreSQLAppointmentRepository{db: db}
}

// Create inserts a new appointment
func (r *PostgreSQLAppointmentRepository) Create(ctx context.Context, appointment domain.Appointment) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO appointments (` + appointmentColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := querier.ExecContext(ctx, query, appointment.ID, appointment.PatientID, appointment.PsychologistID,
		appointment.StartsAt, appointment.EndsAt, appointment.Status, appointment.Notes,
		appointment.CreatedAt, appointment.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, "failed to create appointment")
	}
	return nil
}

// Update persists the status and notes of an appointment
func (r *PostgreSQLAppointmentRepository) Update(ctx context.Context, appointment domain.Appointment) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE appointments SET status = $1, notes = $2, updated_at = $3 WHERE id = $4`

	result, err := querier.ExecContext(ctx, query, appointment.Status, appointment.Notes,
		appointment.UpdatedAt, appointment.ID)
	if err != nil {
		return apperrors.Wrap(err, "failed to update appointment")
	}
	return requireAffected(result, domain.ErrAppointmentNotFound)
}

// Delete removes an appointment
func (r *PostgreSQLAppointmentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	querier := database.GetTx(ctx, r.db)

	result, err := querier.ExecContext(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return apperrors.Wrap(err, "failed to delete appointment")
	}
	return requireAffected(result, domain.ErrAppointmentNotFound)
}

// FindByID returns the appointment with the given id
func (r *PostgreSQLAppointmentRepository) FindByID(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`

	var appointment domain.Appointment
	err := querier.QueryRowContext(ctx, query, id).Scan(&appointment.ID, &appointment.PatientID,
		&appointment.PsychologistID, &appointment.StartsAt, &appointment.EndsAt, &appointment.Status,
		&appointment.Notes, &appointment.CreatedAt, &appointment.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, domain.ErrAppointmentNotFound
		}
		return domain.Appointment{}, apperrors.Wrap(err, "failed to get appointment")
	}
	return appointment, nil
}

// HasConflict reports whether a non-cancelled appointment of the psychologist overlaps slot
func (r *PostgreSQLAppointmentRepository) HasConflict(
	ctx context.Context,
	psychologistID uuid.UUID,
	slot domain.TimeSlot,
) (bool, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT EXISTS (
				  SELECT 1 FROM appointments
				  WHERE psychologist_id = $1 AND status <> $2 AND starts_at < $3 AND ends_at > $4
			  )`

	var exists bool
	err := querier.QueryRowContext(ctx, query, psychologistID, domain.AppointmentStatusCancelled,
		slot.End, slot.Start).Scan(&exists)
	if err != nil {
		return false, apperrors.Wrap(err, "failed to check appointment conflicts")
	}
	return exists, nil
}
