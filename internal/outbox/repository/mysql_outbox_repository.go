// Package repository provides data persistence implementations for outbox entities.
package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/allisson/scheduler/internal/database"
	"github.com/allisson/scheduler/internal/outbox/domain"
)

const mysqlOutboxColumns = `id, aggregate_id, aggregate_type, event_type, event_data, status, retry_count,
	max_retries, error, version, processed_at, created_at, updated_at`

// MySQLOutboxEventRepository handles outbox event persistence for MySQL
type MySQLOutboxEventRepository struct {
	db *sql.DB
}

// NewMySQLOutboxEventRepository creates a new MySQLOutboxEventRepository
func NewMySQLOutboxEventRepository(db *sql.DB) *MySQLOutboxEventRepository {
	return &MySQLOutboxEventRepository{
		db: db,
	}
}

// Create inserts a new outbox event
func (r *MySQLOutboxEventRepository) Create(ctx context.Context, event *domain.OutboxEvent) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO outbox_events (id, aggregate_id, aggregate_type, event_type, event_data, status,
			  retry_count, max_retries, error, version, processed_at, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// Convert UUID to bytes for MySQL BINARY(16)
	idBytes, err := event.ID.MarshalBinary()
	if err != nil {
		return err
	}

	_, err = querier.ExecContext(ctx, query, idBytes, event.AggregateID, event.AggregateType,
		event.EventType, string(event.EventData), event.Status, event.RetryCount, event.MaxRetries,
		event.Error, event.Version, event.ProcessedAt, event.CreatedAt, event.UpdatedAt)

	return err
}

// ClaimPending selects eligible events with FOR UPDATE SKIP LOCKED and marks them PROCESSING.
// MySQL has no UPDATE ... RETURNING, so the caller must run this inside a transaction for the
// select and the update to be atomic.
func (r *MySQLOutboxEventRepository) ClaimPending(
	ctx context.Context,
	limit int,
	staleBefore time.Time,
) ([]*domain.OutboxEvent, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + mysqlOutboxColumns + `
			  FROM outbox_events
			  WHERE (status = ? OR (status = ? AND updated_at < ?))
			    AND retry_count < max_retries
			  ORDER BY created_at ASC
			  LIMIT ?
			  FOR UPDATE SKIP LOCKED`

	rows, err := querier.QueryContext(ctx, query, domain.OutboxEventStatusPending,
		domain.OutboxEventStatusProcessing, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	events, err := scanMySQLEvents(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return events, nil
	}

	placeholders := make([]string, len(events))
	args := make([]any, 0, len(events)+1)
	args = append(args, domain.OutboxEventStatusProcessing)
	for i, event := range events {
		idBytes, err := event.ID.MarshalBinary()
		if err != nil {
			return nil, err
		}
		placeholders[i] = "?"
		args = append(args, idBytes)
	}

	update := `UPDATE outbox_events
			   SET status = ?, version = version + 1, updated_at = NOW()
			   WHERE id IN (` + strings.Join(placeholders, ", ") + `)`

	if _, err := querier.ExecContext(ctx, update, args...); err != nil {
		return nil, err
	}

	for _, event := range events {
		event.Status = domain.OutboxEventStatusProcessing
		event.Version++
	}

	return events, nil
}

// Update persists the event status fields if the stored version still matches event.Version.
func (r *MySQLOutboxEventRepository) Update(ctx context.Context, event *domain.OutboxEvent) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_events
			  SET status = ?, retry_count = ?, error = ?, processed_at = ?,
			      version = version + 1, updated_at = NOW()
			  WHERE id = ? AND version = ?`

	// Convert UUID to bytes for MySQL BINARY(16)
	idBytes, err := event.ID.MarshalBinary()
	if err != nil {
		return err
	}

	result, err := querier.ExecContext(ctx, query, event.Status, event.RetryCount, event.Error,
		event.ProcessedAt, idBytes, event.Version)
	if err != nil {
		return err
	}

	return applyVersion(result, event)
}

// ListByAggregate returns every event recorded for aggregateID, oldest first.
func (r *MySQLOutboxEventRepository) ListByAggregate(
	ctx context.Context,
	aggregateID string,
) ([]*domain.OutboxEvent, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + mysqlOutboxColumns + `
			  FROM outbox_events
			  WHERE aggregate_id = ?
			  ORDER BY created_at ASC`

	rows, err := querier.QueryContext(ctx, query, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	return scanMySQLEvents(rows)
}

// DeleteProcessedOlderThan removes PROCESSED events processed before olderThan.
func (r *MySQLOutboxEventRepository) DeleteProcessedOlderThan(
	ctx context.Context,
	olderThan time.Time,
	dryRun bool,
) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	if dryRun {
		var count int64
		query := `SELECT COUNT(*) FROM outbox_events WHERE status = ? AND processed_at < ?`
		if err := querier.QueryRowContext(ctx, query, domain.OutboxEventStatusProcessed, olderThan).
			Scan(&count); err != nil {
			return 0, err
		}
		return count, nil
	}

	query := `DELETE FROM outbox_events WHERE status = ? AND processed_at < ?`
	result, err := querier.ExecContext(ctx, query, domain.OutboxEventStatusProcessed, olderThan)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func scanMySQLEvents(rows *sql.Rows) ([]*domain.OutboxEvent, error) {
	events := make([]*domain.OutboxEvent, 0)
	for rows.Next() {
		var event domain.OutboxEvent
		var idBytes []byte
		var data []byte

		err := rows.Scan(&idBytes, &event.AggregateID, &event.AggregateType, &event.EventType, &data,
			&event.Status, &event.RetryCount, &event.MaxRetries, &event.Error, &event.Version,
			&event.ProcessedAt, &event.CreatedAt, &event.UpdatedAt)
		if err != nil {
			return nil, err
		}

		// Convert bytes back to UUID
		if err := event.ID.UnmarshalBinary(idBytes); err != nil {
			return nil, err
		}
		event.EventData = data

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}
