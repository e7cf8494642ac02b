// Package usecase implements the outbox business logic: atomic event recording, the
// publishing poller and retention cleanup.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	validation "github.com/jellydator/validation"
	"golang.org/x/sync/errgroup"

	"github.com/allisson/scheduler/internal/database"
	"github.com/allisson/scheduler/internal/metrics"
	"github.com/allisson/scheduler/internal/outbox/domain"
)

const metricsDomain = "outbox"

// Config holds outbox use case configuration
type Config struct {
	Interval     time.Duration
	BatchSize    int
	MaxRetries   int
	Concurrency  int
	ClaimTimeout time.Duration
}

// DefaultConfig returns the poller defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Second,
		BatchSize:    10,
		MaxRetries:   domain.DefaultMaxRetries,
		Concurrency:  5,
		ClaimTimeout: time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Interval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxRetries, validation.Required, validation.Min(1)),
		validation.Field(&c.Concurrency, validation.Required, validation.Min(1)),
		validation.Field(&c.ClaimTimeout, validation.Required, validation.Min(time.Second)),
	)
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = d.ClaimTimeout
	}
	return c
}

// OutboxEventRepository defines outbox event repository operations
type OutboxEventRepository interface {
	Create(ctx context.Context, event *domain.OutboxEvent) error
	ClaimPending(ctx context.Context, limit int, staleBefore time.Time) ([]*domain.OutboxEvent, error)
	Update(ctx context.Context, event *domain.OutboxEvent) error
	ListByAggregate(ctx context.Context, aggregateID string) ([]*domain.OutboxEvent, error)
	DeleteProcessedOlderThan(ctx context.Context, olderThan time.Time, dryRun bool) (int64, error)
}

// EventPublisher delivers an outbox event to the external queue.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.OutboxEvent) error
}

// UseCase defines the interface for outbox use cases
type UseCase interface {
	Start(ctx context.Context) error
	ProcessEvents(ctx context.Context) (int, error)
	CleanupProcessed(ctx context.Context, retentionDays int, dryRun bool) (int64, error)
}

// OutboxUseCase drains the outbox into the queue.
type OutboxUseCase struct {
	config     Config
	txManager  database.TxManager
	outboxRepo OutboxEventRepository
	publisher  EventPublisher
	metrics    metrics.BusinessMetrics
	logger     *slog.Logger
	now        func() time.Time
	running    atomic.Bool
}

// NewOutboxUseCase creates a new OutboxUseCase
func NewOutboxUseCase(
	config Config,
	txManager database.TxManager,
	outboxRepo OutboxEventRepository,
	publisher EventPublisher,
	businessMetrics metrics.BusinessMetrics,
	logger *slog.Logger,
) *OutboxUseCase {
	if businessMetrics == nil {
		businessMetrics = metrics.NewNoOpBusinessMetrics()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &OutboxUseCase{
		config:     config.withDefaults(),
		txManager:  txManager,
		outboxRepo: outboxRepo,
		publisher:  publisher,
		metrics:    businessMetrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Start starts the outbox event processing loop
func (uc *OutboxUseCase) Start(ctx context.Context) error {
	uc.logger.Info("starting outbox event processor",
		slog.Duration("interval", uc.config.Interval),
		slog.Int("batch_size", uc.config.BatchSize),
		slog.Int("concurrency", uc.config.Concurrency),
	)

	ticker := time.NewTicker(uc.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			uc.logger.Info("stopping outbox event processor")
			return ctx.Err()
		case <-ticker.C:
			if _, err := uc.ProcessEvents(ctx); err != nil {
				uc.logger.Error("failed to process events", slog.Any("error", err))
			}
		}
	}
}

// ProcessEvents claims a batch of eligible events, publishes them with bounded concurrency and
// records each outcome. It returns the number of events published. A run that overlaps a
// previous one in the same process returns immediately.
func (uc *OutboxUseCase) ProcessEvents(ctx context.Context) (int, error) {
	if !uc.running.CompareAndSwap(false, true) {
		uc.logger.Debug("outbox run already in progress, skipping")
		return 0, nil
	}
	defer uc.running.Store(false)

	staleBefore := uc.now().Add(-uc.config.ClaimTimeout)

	var events []*domain.OutboxEvent
	err := uc.txManager.WithTx(ctx, func(ctx context.Context) error {
		claimed, err := uc.outboxRepo.ClaimPending(ctx, uc.config.BatchSize, staleBefore)
		if err != nil {
			return err
		}
		events = claimed
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	if len(events) == 0 {
		return 0, nil
	}

	uc.logger.Info("processing events", slog.Int("count", len(events)))

	var published atomic.Int64
	var g errgroup.Group
	g.SetLimit(uc.config.Concurrency)
	for _, event := range events {
		g.Go(func() error {
			if uc.processEvent(ctx, event) {
				published.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(published.Load()), nil
}

// processEvent publishes one claimed event and stores the outcome. Failures are contained to
// the event.
func (uc *OutboxUseCase) processEvent(ctx context.Context, event *domain.OutboxEvent) bool {
	start := uc.now()
	publishErr := uc.publisher.Publish(ctx, event)

	status := "success"
	if publishErr != nil {
		status = "error"
		event.MarkFailed(publishErr, uc.now())
		uc.logger.Error("failed to publish event",
			slog.String("event_id", event.ID.String()),
			slog.String("event_type", event.EventType),
			slog.Int("retry_count", event.RetryCount),
			slog.String("status", string(event.Status)),
			slog.Any("error", publishErr),
		)
	} else {
		event.MarkProcessed(uc.now())
	}

	uc.metrics.RecordOperation(ctx, metricsDomain, "publish", status)
	uc.metrics.RecordDuration(ctx, metricsDomain, "publish", uc.now().Sub(start), status)

	if err := uc.outboxRepo.Update(ctx, event); err != nil {
		level := slog.LevelError
		if errors.Is(err, domain.ErrVersionConflict) {
			level = slog.LevelWarn
		}
		uc.logger.Log(ctx, level, "failed to update event status",
			slog.String("event_id", event.ID.String()),
			slog.Any("error", err),
		)
		return false
	}

	return publishErr == nil
}

// CleanupProcessed deletes PROCESSED events older than retentionDays and returns the count.
// With dryRun the events are only counted.
func (uc *OutboxUseCase) CleanupProcessed(ctx context.Context, retentionDays int, dryRun bool) (int64, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}

	cutoff := uc.now().UTC().AddDate(0, 0, -retentionDays)
	count, err := uc.outboxRepo.DeleteProcessedOlderThan(ctx, cutoff, dryRun)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed outbox events: %w", err)
	}

	uc.logger.Info("outbox retention cleanup",
		slog.Int64("count", count),
		slog.Int("retention_days", retentionDays),
		slog.Bool("dry_run", dryRun),
	)
	uc.metrics.RecordOperation(ctx, metricsDomain, "cleanup", "success")

	return count, nil
}
