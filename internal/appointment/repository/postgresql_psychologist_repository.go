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

const psychologistColumns = `id, name, email, active, created_at, updated_at`

// PostgreSQLPsychologistRepository handles psychologist persistence for PostgreSQL
type PostgreSQLPsychologistRepository struct {
	db *sql.DB
}

// NewPostgreSQLPsychologistRepository creates a new PostgreSQLPsychologistRepository
func NewPostgreSQLPsychologistRepository(db *sql.DB) *PostgreSQLPsychologistRepository {
	return &PostgreSQLPsychologistRepository{db: db}
}

// Create inserts a new psychologist
func (r *PostgreSQLPsychologistRepository) Create(ctx context.Context, psychologist domain.Psychologist) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO psychologists (` + psychologistColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := querier.ExecContext(ctx, query, psychologist.ID, psychologist.Name, psychologist.Email,
		psychologist.Active, psychologist.CreatedAt, psychologist.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, "failed to create psychologist")
	}
	return nil
}

// Update persists the mutable fields of a psychologist
func (r *PostgreSQLPsychologistRepository) Update(ctx context.Context, psychologist domain.Psychologist) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE psychologists SET name = $1, active = $2, updated_at = $3 WHERE id = $4`

	result, err := querier.ExecContext(ctx, query, psychologist.Name, psychologist.Active,
		psychologist.UpdatedAt, psychologist.ID)
	if err != nil {
		return apperrors.Wrap(err, "failed to update psychologist")
	}
	return requireAffected(result, domain.ErrPsychologistNotFound)
}

// FindByID returns the psychologist with the given id
func (r *PostgreSQLPsychologistRepository) FindByID(ctx context.Context, id uuid.UUID) (domain.Psychologist, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + psychologistColumns + ` FROM psychologists WHERE id = $1`

	var psychologist domain.Psychologist
	err := querier.QueryRowContext(ctx, query, id).Scan(&psychologist.ID, &psychologist.Name,
		&psychologist.Email, &psychologist.Active, &psychologist.CreatedAt, &psychologist.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Psychologist{}, domain.ErrPsychologistNotFound
		}
		return domain.Psychologist{}, apperrors.Wrap(err, "failed to get psychologist")
	}
	return psychologist, nil
}
