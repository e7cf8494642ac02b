// Package repository provides data persistence implementations for outbox entities.
package repository

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/allisson/scheduler/internal/database"
	"github.com/allisson/scheduler/internal/outbox/domain"
)

const postgresOutboxColumns = `id, aggregate_id, aggregate_type, event_type, event_data, status, retry_count,
	max_retries, error, version, processed_at, created_at, updated_at`

// PostgreSQLOutboxEventRepository handles outbox event persistence for PostgreSQL
type PostgreSQLOutboxEventRepository struct {
	db *sql.DB
}

// NewPostgreSQLOutboxEventRepository creates a new PostgreSQLOutboxEventRepository
func NewPostgreSQLOutboxEventRepository(db *sql.DB) *PostgreSQLOutboxEventRepository {
	return &PostgreSQLOutboxEventRepository{
		db: db,
	}
}

// Create inserts a new outbox event. Inside a transaction the insert joins it.
func (r *PostgreSQLOutboxEventRepository) Create(ctx context.Context, event *domain.OutboxEvent) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO outbox_events (id, aggregate_id, aggregate_type, event_type, event_data, status,
			  retry_count, max_retries, error, version, processed_at, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := querier.ExecContext(ctx, query, event.ID, event.AggregateID, event.AggregateType,
		event.EventType, string(event.EventData), event.Status, event.RetryCount, event.MaxRetries,
		event.Error, event.Version, event.ProcessedAt, event.CreatedAt, event.UpdatedAt)

	return err
}

// ClaimPending atomically moves up to limit eligible events to PROCESSING and returns them
// ordered by creation time. Eligible events are PENDING ones and PROCESSING ones whose claim
// is older than staleBefore, both with retries left. Rows locked by a concurrent claimer are skipped.
func (r *PostgreSQLOutboxEventRepository) ClaimPending(
	ctx context.Context,
	limit int,
	staleBefore time.Time,
) ([]*domain.OutboxEvent, error) {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_events
			  SET status = $1, version = version + 1, updated_at = NOW()
			  WHERE id IN (
				  SELECT id FROM outbox_events
				  WHERE (status = $2 OR (status = $1 AND updated_at < $3))
				    AND retry_count < max_retries
				  ORDER BY created_at ASC
				  LIMIT $4
				  FOR UPDATE SKIP LOCKED
			  )
			  RETURNING ` + postgresOutboxColumns

	rows, err := querier.QueryContext(ctx, query, domain.OutboxEventStatusProcessing,
		domain.OutboxEventStatusPending, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	events, err := scanPostgresEvents(rows)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	return events, nil
}

// Update persists the event status fields if the stored version still matches event.Version.
// On success event.Version is advanced; a stale version returns domain.ErrVersionConflict.
func (r *PostgreSQLOutboxEventRepository) Update(ctx context.Context, event *domain.OutboxEvent) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_events
			  SET status = $1, retry_count = $2, error = $3, processed_at = $4,
			      version = version + 1, updated_at = NOW()
			  WHERE id = $5 AND version = $6`

	result, err := querier.ExecContext(ctx, query, event.Status, event.RetryCount, event.Error,
		event.ProcessedAt, event.ID, event.Version)
	if err != nil {
		return err
	}

	return applyVersion(result, event)
}

// ListByAggregate returns every event recorded for aggregateID, oldest first.
func (r *PostgreSQLOutboxEventRepository) ListByAggregate(
	ctx context.Context,
	aggregateID string,
) ([]*domain.OutboxEvent, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + postgresOutboxColumns + `
			  FROM outbox_events
			  WHERE aggregate_id = $1
			  ORDER BY created_at ASC`

	rows, err := querier.QueryContext(ctx, query, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	return scanPostgresEvents(rows)
}

// DeleteProcessedOlderThan removes PROCESSED events processed before olderThan and returns
// how many rows were (or, in dry-run mode, would be) removed.
func (r *PostgreSQLOutboxEventRepository) DeleteProcessedOlderThan(
	ctx context.Context,
	olderThan time.Time,
	dryRun bool,
) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	if dryRun {
		var count int64
		query := `SELECT COUNT(*) FROM outbox_events WHERE status = $1 AND processed_at < $2`
		if err := querier.QueryRowContext(ctx, query, domain.OutboxEventStatusProcessed, olderThan).
			Scan(&count); err != nil {
			return 0, err
		}
		return count, nil
	}

	query := `DELETE FROM outbox_events WHERE status = $1 AND processed_at < $2`
	result, err := querier.ExecContext(ctx, query, domain.OutboxEventStatusProcessed, olderThan)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func scanPostgresEvents(rows *sql.Rows) ([]*domain.OutboxEvent, error) {
	events := make([]*domain.OutboxEvent, 0)
	for rows.Next() {
		var event domain.OutboxEvent
		var data []byte

		err := rows.Scan(&event.ID, &event.AggregateID, &event.AggregateType, &event.EventType, &data,
			&event.Status, &event.RetryCount, &event.MaxRetries, &event.Error, &event.Version,
			&event.ProcessedAt, &event.CreatedAt, &event.UpdatedAt)
		if err != nil {
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

// applyVersion checks the compare-and-swap outcome of an update.
func applyVersion(result sql.Result, event *domain.OutboxEvent) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrVersionConflict
	}
	event.Version++
	return nil
}
