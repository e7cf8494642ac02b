package usecase

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/allisson/scheduler/internal/database"
	"github.com/allisson/scheduler/internal/outbox/domain"
	"github.com/allisson/scheduler/internal/queue"
)

// BusinessOperation performs domain writes. ctx carries the outbox transaction, so
// repositories using database.GetTx join it.
type BusinessOperation func(ctx context.Context) error

// Service records outbox events atomically with the domain write they describe.
type Service struct {
	txManager  database.TxManager
	outboxRepo OutboxEventRepository
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a Service. maxRetries is the publication budget of new events.
func NewService(
	txManager database.TxManager,
	outboxRepo OutboxEventRepository,
	maxRetries int,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		txManager:  txManager,
		outboxRepo: outboxRepo,
		maxRetries: maxRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// SaveEventInTransaction runs businessOperation and inserts a PENDING event in the same
// transaction. If either fails the transaction is rolled back and nothing is persisted.
func (s *Service) SaveEventInTransaction(
	ctx context.Context,
	input domain.EventInput,
	businessOperation BusinessOperation,
) (*domain.OutboxEvent, error) {
	event, err := domain.NewOutboxEvent(input, s.maxRetries, s.now().UTC())
	if err != nil {
		return nil, err
	}

	err = s.txManager.WithTx(ctx, func(ctx context.Context) error {
		if businessOperation != nil {
			if err := businessOperation(ctx); err != nil {
				return err
			}
		}
		return s.outboxRepo.Create(ctx, event)
	})
	if err != nil {
		s.logger.Warn("outbox transaction rolled back",
			slog.String("aggregate_id", input.AggregateID),
			slog.String("event_type", input.EventType),
			slog.Any("error", err),
		)
		return nil, err
	}

	s.logger.Debug("outbox event recorded",
		slog.String("event_id", event.ID.String()),
		slog.String("aggregate_id", event.AggregateID),
		slog.String("event_type", event.EventType),
	)
	return event, nil
}

// EventsForAggregate lists the events recorded for aggregateID.
func (s *Service) EventsForAggregate(ctx context.Context, aggregateID string) ([]*domain.OutboxEvent, error) {
	return s.outboxRepo.ListByAggregate(ctx, aggregateID)
}

// EventMessage is the queue payload of a published outbox event.
type EventMessage struct {
	EventID       string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// QueueEventPublisher publishes outbox events to a queue. The event id is the deduplication
// id, so a re-claimed event that was already sent is not delivered twice.
type QueueEventPublisher struct {
	publisher queue.Publisher
}

// NewQueueEventPublisher creates a QueueEventPublisher.
func NewQueueEventPublisher(publisher queue.Publisher) *QueueEventPublisher {
	return &QueueEventPublisher{publisher: publisher}
}

// Publish sends the event grouped by aggregate.
func (p *QueueEventPublisher) Publish(ctx context.Context, event *domain.OutboxEvent) error {
	msg := EventMessage{
		EventID:       event.ID.String(),
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.EventType,
		EventData:     event.EventData,
		OccurredAt:    event.CreatedAt,
	}
	return p.publisher.SendMessage(ctx, msg, queue.SendOptions{
		GroupID:         event.AggregateID,
		DeduplicationID: event.ID.String(),
	})
}
