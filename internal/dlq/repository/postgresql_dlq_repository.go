// Package repository provides data persistence implementations for dead-letter messages.
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/allisson/scheduler/internal/database"
	"github.com/allisson/scheduler/internal/dlq/domain"
	apperrors "github.com/allisson/scheduler/internal/errors"
)

const dlqColumns = `id, original_message, failure_reason, attempt_count, first_failed_at, last_failed_at, original_queue`

// PostgreSQLDLQRepository handles dead-letter persistence for PostgreSQL
type PostgreSQLDLQRepository struct {
	db *sql.DB
}

// NewPostgreSQLDLQRepository creates a new PostgreSQLDLQRepository
func NewPostgreSQLDLQRepository(db *sql.DB) *PostgreSQLDLQRepository {
	return &PostgreSQLDLQRepository{db: db}
}

// Create stores a dead-letter message.
func (r *PostgreSQLDLQRepository) Create(ctx context.Context, msg *domain.DLQMessage) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO dead_letter_messages (` + dlqColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := querier.ExecContext(ctx, query, msg.ID, string(msg.OriginalMessage), msg.FailureReason,
		msg.AttemptCount, msg.FirstFailedAt, msg.LastFailedAt, msg.OriginalQueue)
	if err != nil {
		return apperrors.Wrap(err, "failed to create dead-letter message")
	}
	return nil
}

// Get returns the dead-letter message with the given id.
func (r *PostgreSQLDLQRepository) Get(ctx context.Context, id uuid.UUID) (*domain.DLQMessage, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + dlqColumns + ` FROM dead_letter_messages WHERE id = $1`

	var msg domain.DLQMessage
	var payload []byte
	err := querier.QueryRowContext(ctx, query, id).Scan(&msg.ID, &payload, &msg.FailureReason,
		&msg.AttemptCount, &msg.FirstFailedAt, &msg.LastFailedAt, &msg.OriginalQueue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrDLQMessageNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get dead-letter message")
	}
	msg.OriginalMessage = payload

	return &msg, nil
}

// List returns dead-letter messages ordered by first failure, oldest first.
func (r *PostgreSQLDLQRepository) List(ctx context.Context, offset, limit int) ([]*domain.DLQMessage, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + dlqColumns + `
			  FROM dead_letter_messages
			  ORDER BY first_failed_at ASC, id ASC
			  LIMIT $1 OFFSET $2`

	rows, err := querier.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list dead-letter messages")
	}
	defer rows.Close() //nolint:errcheck

	messages := make([]*domain.DLQMessage, 0)
	for rows.Next() {
		var msg domain.DLQMessage
		var payload []byte
		if err := rows.Scan(&msg.ID, &payload, &msg.FailureReason, &msg.AttemptCount,
			&msg.FirstFailedAt, &msg.LastFailedAt, &msg.OriginalQueue); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan dead-letter message")
		}
		msg.OriginalMessage = payload
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate dead-letter messages")
	}

	return messages, nil
}

// UpdateFailure persists the failure metadata of a message that failed reprocessing.
func (r *PostgreSQLDLQRepository) UpdateFailure(ctx context.Context, msg *domain.DLQMessage) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE dead_letter_messages
			  SET failure_reason = $1, attempt_count = $2, last_failed_at = $3
			  WHERE id = $4`

	result, err := querier.ExecContext(ctx, query, msg.FailureReason, msg.AttemptCount, msg.LastFailedAt, msg.ID)
	if err != nil {
		return apperrors.Wrap(err, "failed to update dead-letter message")
	}
	return requireAffected(result)
}

// Delete removes a dead-letter message.
func (r *PostgreSQLDLQRepository) Delete(ctx context.Context, id uuid.UUID) error {
	querier := database.GetTx(ctx, r.db)

	result, err := querier.ExecContext(ctx, `DELETE FROM dead_letter_messages WHERE id = $1`, id)
	if err != nil {
		return apperrors.Wrap(err, "failed to delete dead-letter message")
	}
	return requireAffected(result)
}

// Count returns the number of stored dead-letter messages.
func (r *PostgreSQLDLQRepository) Count(ctx context.Context) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	var count int64
	if err := querier.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_messages`).Scan(&count); err != nil {
		return 0, apperrors.Wrap(err, "failed to count dead-letter messages")
	}
	return count, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrDLQMessageNotFound
	}
	return nil
}
