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

// MySQLAppointmentRepository handles appointment persistence for MySQL
type MySQLAppointmentRepository struct {
	db *sql.DB
}

// NewMySQLAppointmentRepository creates a new MySQLAppointmentRepository
func NewMySQLAppointmentRepository(db *sql.DB) *MySQLAppointmentRepository {
	return &MySQLAppointmentRepository{db: db}
}

// Create inserts a new appointment
func (r *MySQLAppointmentRepository) Create(ctx context.Context, appointment domain.Appointment) error {
	querier := database.GetTx(ctx, r.db)

	ids, err := marshalIDs(appointment.ID, appointment.PatientID, appointment.PsychologistID)
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal appointment ids")
	}

	query := `INSERT INTO appointments (` + appointmentColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = querier.ExecContext(ctx, query, ids[0], ids[1], ids[2], appointment.StartsAt, appointment.EndsAt,
		appointment.Status, appointment.Notes, appointment.CreatedAt, appointment.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, "failed to create appointment")
	}
	return nil
}

// Update persists the status and notes of an appointment
func (r *MySQLAppointmentRepository) Update(ctx context.Context, appointment domain.Appointment) error {
	querier := database.GetTx(ctx, r.db)

	id, err := appointment.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal appointment id")
	}

	query := `UPDATE appointments SET status = ?, notes = ?, updated_at = ? WHERE id = ?`

	result, err := querier.ExecContext(ctx, query, appointment.Status, appointment.Notes,
		appointment.UpdatedAt, id)
	if err != nil {
		return apperrors.Wrap(err, "failed to update appointment")
	}
	return requireAffected(result, domain.ErrAppointmentNotFound)
}

// Delete removes an appointment
func (r *MySQLAppointmentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal appointment id")
	}

	result, err := querier.ExecContext(ctx, `DELETE FROM appointments WHERE id = ?`, idBytes)
	if err != nil {
		return apperrors.Wrap(err, "failed to delete appointment")
	}
	return requireAffected(result, domain.ErrAppointmentNotFound)
}

// FindByID returns the appointment with the given id
func (r *MySQLAppointmentRepository) FindByID(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return domain.Appointment{}, apperrors.Wrap(err, "failed to marshal appointment id")
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = ?`

	var appointment domain.Appointment
	var rawID, rawPatientID, rawPsychologistID []byte
	err = querier.QueryRowContext(ctx, query, idBytes).Scan(&rawID, &rawPatientID, &rawPsychologistID,
		&appointment.StartsAt, &appointment.EndsAt, &appointment.Status, &appointment.Notes,
		&appointment.CreatedAt, &appointment.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, domain.ErrAppointmentNotFound
		}
		return domain.Appointment{}, apperrors.Wrap(err, "failed to get appointment")
	}

	if err := appointment.ID.UnmarshalBinary(rawID); err != nil {
		return domain.Appointment{}, apperrors.Wrap(err, "failed to unmarshal appointment id")
	}
	if err := appointment.PatientID.UnmarshalBinary(rawPatientID); err != nil {
		return domain.Appointment{}, apperrors.Wrap(err, "failed to unmarshal patient id")
	}
	if err := appointment.PsychologistID.UnmarshalBinary(rawPsychologistID); err != nil {
		return domain.Appointment{}, apperrors.Wrap(err, "failed to unmarshal psychologist id")
	}
	return appointment, nil
}

// HasConflict reports whether a non-cancelled appointment of the psychologist overlaps slot
func (r *MySQLAppointmentRepository) HasConflict(
	ctx context.Context,
	psychologistID uuid.UUID,
	slot domain.TimeSlot,
) (bool, error) {
	querier := database.GetTx(ctx, r.db)

	id, err := psychologistID.MarshalBinary()
	if err != nil {
		return false, apperrors.Wrap(err, "failed to marshal psychologist id")
	}

	query := `SELECT EXISTS (
				  SELECT 1 FROM appointments
				  WHERE psychologist_id = ? AND status <> ? AND starts_at < ? AND ends_at > ?
			  )`

	var exists bool
	err = querier.QueryRowContext(ctx, query, id, domain.AppointmentStatusCancelled,
		slot.End, slot.Start).Scan(&exists)
	if err != nil {
		return false, apperrors.Wrap(err, "failed to check appointment conflicts")
	}
	return exists, nil
}

func marshalIDs(ids ...uuid.UUID) ([][]byte, error) {
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		b, err := id.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
