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

// MySQLDLQRepository handles dead-letter persistence for MySQL
type MySQLDLQRepository struct {
	db *sql.DB
}

// NewMySQLDLQRepository creates a new MySQLDLQRepository
func NewMySQLDLQRepository(db *sql.DB) *MySQLDLQRepository {
	return &MySQLDLQRepository{db: db}
}

// Create stores a dead-letter message.
func (r *MySQLDLQRepository) Create(ctx context.Context, msg *domain.DLQMessage) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO dead_letter_messages (` + dlqColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	// Convert UUID to bytes for MySQL BINARY(16)
	idBytes, err := msg.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal dead-letter message id")
	}

	_, err = querier.ExecContext(ctx, query, idBytes, string(msg.OriginalMessage), msg.FailureReason,
		msg.AttemptCount, msg.FirstFailedAt, msg.LastFailedAt, msg.OriginalQueue)
	if err != nil {
		return apperrors.Wrap(err, "failed to create dead-letter message")
	}
	return nil
}

// Get returns the dead-letter message with the given id.
func (r *MySQLDLQRepository) Get(ctx context.Context, id uuid.UUID) (*domain.DLQMessage, error) {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to marshal dead-letter message id")
	}

	query := `SELECT ` + dlqColumns + ` FROM dead_letter_messages WHERE id = ?`

	msg, err := scanMySQLMessage(querier.QueryRowContext(ctx, query, idBytes))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrDLQMessageNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get dead-letter message")
	}
	return msg, nil
}

// List returns dead-letter messages ordered by first failure, oldest first.
func (r *MySQLDLQRepository) List(ctx context.Context, offset, limit int) ([]*domain.DLQMessage, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + dlqColumns + `
			  FROM dead_letter_messages
			  ORDER BY first_failed_at ASC, id ASC
			  LIMIT ? OFFSET ?`

	rows, err := querier.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list dead-letter messages")
	}
	defer rows.Close() //nolint:errcheck

	messages := make([]*domain.DLQMessage, 0)
	for rows.Next() {
		msg, err := scanMySQLMessage(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to scan dead-letter message")
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate dead-letter messages")
	}

	return messages, nil
}

// UpdateFailure persists the failure metadata of a message that failed reprocessing.
func (r *MySQLDLQRepository) UpdateFailure(ctx context.Context, msg *domain.DLQMessage) error {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := msg.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal dead-letter message id")
	}

	query := `UPDATE dead_letter_messages
			  SET failure_reason = ?, attempt_count = ?, last_failed_at = ?
			  WHERE id = ?`

	result, err := querier.ExecContext(ctx, query, msg.FailureReason, msg.AttemptCount, msg.LastFailedAt, idBytes)
	if err != nil {
		return apperrors.Wrap(err, "failed to update dead-letter message")
	}
	return requireAffected(result)
}

// Delete removes a dead-letter message.
func (r *MySQLDLQRepository) Delete(ctx context.Context, id uuid.UUID) error {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal dead-letter message id")
	}

	result, err := querier.ExecContext(ctx, `DELETE FROM dead_letter_messages WHERE id = ?`, idBytes)
	if err != nil {
		return apperrors.Wrap(err, "failed to delete dead-letter message")
	}
	return requireAffected(result)
}

// Count returns the number of stored dead-letter messages.
func (r *MySQLDLQRepository) Count(ctx context.Context) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	var count int64
	if err := querier.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_messages`).Scan(&count); err != nil {
		return 0, apperrors.Wrap(err, "failed to count dead-letter messages")
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMySQLMessage(row rowScanner) (*domain.DLQMessage, error) {
	var msg domain.DLQMessage
	var idBytes, payload []byte

	if err := row.Scan(&idBytes, &payload, &msg.FailureReason, &msg.AttemptCount,
		&msg.FirstFailedAt, &msg.LastFailedAt, &msg.OriginalQueue); err != nil {
		return nil, err
	}

	if err := msg.ID.UnmarshalBinary(idBytes); err != nil {
		return nil, err
	}
	msg.OriginalMessage = payload

	return &msg, nil
}
