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

// MySQLPsychologistRepository handles psychologist persistence for MySQL
type MySQLPsychologistRepository struct {
	db *sql.DB
}

// NewMySQLPsychologistRepository creates a new MySQLPsychologistRepository
func NewMySQLPsychologistRepository(db *sql.DB) *MySQLPsychologistRepository {
	return &MySQLPsychologistRepository{db: db}
}

// Create inserts a new psychologist
func (r *MySQLPsychologistRepository) Create(ctx context.Context, psychologist domain.Psychologist) error {
	querier := database.GetTx(ctx, r.db)

	id, err := psychologist.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal psychologist id")
	}

	query := `INSERT INTO psychologists (` + psychologistColumns + `) VALUES (?, ?, ?, ?, ?, ?)`

	_, err = querier.ExecContext(ctx, query, id, psychologist.Name, psychologist.Email,
		psychologist.Active, psychologist.CreatedAt, psychologist.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, "failed to create psychologist")
	}
	return nil
}

// Update persists the mutable fields of a psychologist
func (r *MySQLPsychologistRepository) Update(ctx context.Context, psychologist domain.Psychologist) error {
	querier := database.GetTx(ctx, r.db)

	id, err := psychologist.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal psychologist id")
	}

	query := `UPDATE psychologists SET name = ?, active = ?, updated_at = ? WHERE id = ?`

	result, err := querier.ExecContext(ctx, query, psychologist.Name, psychologist.Active,
		psychologist.UpdatedAt, id)
	if err != nil {
		return apperrors.Wrap(err, "failed to update psychologist")
	}
	return requireAffected(result, domain.ErrPsychologistNotFound)
}

// FindByID returns the psychologist with the given id
func (r *MySQLPsychologistRepository) FindByID(ctx context.Context, id uuid.UUID) (domain.Psychologist, error) {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return domain.Psychologist{}, apperrors.Wrap(err, "failed to marshal psychologist id")
	}

	query := `SELECT ` + psychologistColumns + ` FROM psychologists WHERE id = ?`

	var psychologist domain.Psychologist
	var rawID []byte
	err = querier.QueryRowContext(ctx, query, idBytes).Scan(&rawID, &psychologist.Name,
		&psychologist.Email, &psychologist.Active, &psychologist.CreatedAt, &psychologist.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Psychologist{}, domain.ErrPsychologistNotFound
		}
		return domain.Psychologist{}, apperrors.Wrap(err, "failed to get psychologist")
	}

	if err := psychologist.ID.UnmarshalBinary(rawID); err != nil {
		return domain.Psychologist{}, apperrors.Wrap(err, "failed to unmarshal psychologist id")
	}
	return psychologist, nil
}
