// Package repository provides data persistence implementations for scheduling entities.
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

const patientColumns = `id, name, email, phone, created_at, updated_at`

// PostgreSQLPatientRepository handles patient persistence for PostgreSQL
type PostgreSQLPatientRepository struct {
	db *sql.DB
}

// NewPostgreSQLPatientRepository creates a new PostgreSQLPatientRepository
func NewPostgreSQLPatientRepository(db *sql.DB) *PostgreSQLPatientRepository {
	return &PostgreSQLPatientRepository{db: db}
}

// Create inserts a new patient
func (r *PostgreSQLPatientRepository) Create(ctx context.Context, patient domain.Patient) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO patients (` + patientColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := querier.ExecContext(ctx, query, patient.ID, patient.Name, patient.Email, patient.Phone,
		patient.CreatedAt, patient.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, "failed to create patient")
	}
	return nil
}

// Update persists the mutable fields of a patient
func (r *PostgreSQLPatientRepository) Update(ctx context.Context, patient domain.Patient) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE patients SET name = $1, phone = $2, updated_at = $3 WHERE id = $4`

	result, err := querier.ExecContext(ctx, query, patient.Name, patient.Phone, patient.UpdatedAt, patient.ID)
	if err != nil {
		return apperrors.Wrap(err, "failed to update patient")
	}
	return requireAffected(result, domain.ErrPatientNotFound)
}

// FindByID returns the patient with the given id
func (r *PostgreSQLPatientRepository) FindByID(ctx context.Context, id uuid.UUID) (domain.Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients WHERE id = $1`
	return r.findOne(ctx, query, id)
}

// FindByEmail returns the patient registered with email
func (r *PostgreSQLPatientRepository) FindByEmail(ctx context.Context, email string) (domain.Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients WHERE email = $1`
	return r.findOne(ctx, query, email)
}

func (r *PostgreSQLPatientRepository) findOne(ctx context.Context, query string, arg any) (domain.Patient, error) {
	querier := database.GetTx(ctx, r.db)

	var patient domain.Patient
	err := querier.QueryRowContext(ctx, query, arg).Scan(&patient.ID, &patient.Name, &patient.Email,
		&patient.Phone, &patient.CreatedAt, &patient.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Patient{}, domain.ErrPatientNotFound
		}
		return domain.Patient{}, apperrors.Wrap(err, "failed to get patient")
	}
	return patient, nil
}

func requireAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
