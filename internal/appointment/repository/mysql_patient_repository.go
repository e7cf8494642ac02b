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

// MySQLPatientRepository handles patient persistence for MySQL
type MySQLPatientRepository struct {
	db *sql.DB
}

// NewMySQLPatientRepository creates a new MySQLPatientRepository
func NewMySQLPatientRepository(db *sql.DB) *MySQLPatientRepository {
	return &MySQLPatientRepository{db: db}
}

// Create inserts a new patient
func (r *MySQLPatientRepository) Create(ctx context.Context, patient domain.Patient) error {
	querier := database.GetTx(ctx, r.db)

	// Convert UUID to bytes for MySQL BINARY(16)
	id, err := patient.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal patient id")
	}

	query := `INSERT INTO patients (` + patientColumns + `) VALUES (?, ?, ?, ?, ?, ?)`

	_, err = querier.ExecContext(ctx, query, id, patient.Name, patient.Email, patient.Phone,
		patient.CreatedAt, patient.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, "failed to create patient")
	}
	return nil
}

// Update persists the mutable fields of a patient
func (r *MySQLPatientRepository) Update(ctx context.Context, patient domain.Patient) error {
	querier := database.GetTx(ctx, r.db)

	id, err := patient.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal patient id")
	}

	query := `UPDATE patients SET name = ?, phone = ?, updated_at = ? WHERE id = ?`

	result, err := querier.ExecContext(ctx, query, patient.Name, patient.Phone, patient.UpdatedAt, id)
	if err != nil {
		return apperrors.Wrap(err, "failed to update patient")
	}
	return requireAffected(result, domain.ErrPatientNotFound)
}

// FindByID returns the patient with the given id
func (r *MySQLPatientRepository) FindByID(ctx context.Context, id uuid.UUID) (domain.Patient, error) {
	idBytes, err := id.MarshalBinary()
	if err != nil {
		return domain.Patient{}, apperrors.Wrap(err, "failed to marshal patient id")
	}
	return r.findOne(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, idBytes)
}

// FindByEmail returns the patient registered with email
func (r *MySQLPatientRepository) FindByEmail(ctx context.Context, email string) (domain.Patient, error) {
	return r.findOne(ctx, `SELECT `+patientColumns+` FROM patients WHERE email = ?`, email)
}

func (r *MySQLPatientRepository) findOne(ctx context.Context, query string, arg any) (domain.Patient, error) {
	querier := database.GetTx(ctx, r.db)

	var patient domain.Patient
	var id []byte
	err := querier.QueryRowContext(ctx, query, arg).Scan(&id, &patient.Name, &patient.Email,
		&patient.Phone, &patient.CreatedAt, &patient.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Patient{}, domain.ErrPatientNotFound
		}
		return domain.Patient{}, apperrors.Wrap(err, "failed to get patient")
	}

	if err := patient.ID.UnmarshalBinary(id); err != nil {
		return domain.Patient{}, apperrors.Wrap(err, "failed to unmarshal patient id")
	}
	return patient, nil
}
