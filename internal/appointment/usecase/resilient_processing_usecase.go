package usecase

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/allisson/scheduler/internal/breaker"
	dlqUsecase "github.com/allisson/scheduler/internal/dlq/usecase"
	apperrors "github.com/allisson/scheduler/internal/errors"
	"github.com/allisson/scheduler/internal/metrics"
	"github.com/allisson/scheduler/internal/queue"
	sagaDomain "github.com/allisson/scheduler/internal/saga/domain"
	sagaUsecase "github.com/allisson/scheduler/internal/saga/usecase"
)

const metricsDomain = "appointment"

// HealthStatus aggregates the health of the processing pipeline.
type HealthStatus struct {
	IsHealthy       bool                    `json:"is_healthy"`
	Saga            sagaDomain.Statistics   `json:"saga"`
	DLQ             dlqUsecase.HealthStatus `json:"dlq"`
	CircuitBreakers []breaker.HealthStatus  `json:"circuit_breakers"`
	CheckedAt       time.Time               `json:"checked_at"`
}

// ResilientProcessingUseCase processes inbound confirmation messages and routes failures to
// the dead-letter handler. Business failures never reach the caller.
type ResilientProcessingUseCase struct {
	processor dlqUsecase.MessageProcessor
	dlq       dlqUsecase.UseCase
	saga      sagaUsecase.UseCase
	breakers  *breaker.Registry
	metrics   metrics.BusinessMetrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewResilientProcessingUseCase creates a ResilientProcessingUseCase.
func NewResilientProcessingUseCase(
	processor dlqUsecase.MessageProcessor,
	dlq dlqUsecase.UseCase,
	saga sagaUsecase.UseCase,
	breakers *breaker.Registry,
	businessMetrics metrics.BusinessMetrics,
	logger *slog.Logger,
) *ResilientProcessingUseCase {
	if businessMetrics == nil {
		businessMetrics = metrics.NewNoOpBusinessMetrics()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if breakers == nil {
		breakers = breaker.NewRegistry()
	}
	return &ResilientProcessingUseCase{
		processor: processor,
		dlq:       dlq,
		saga:      saga,
		breakers:  breakers,
		metrics:   businessMetrics,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleMessage processes payload. A failure is handed to the dead-letter handler together with
// attemptCount and originalQueue, and nil is returned. The only error returned is
// ErrDeadLetterUnavailable, meaning the message must not be acknowledged.
func (u *ResilientProcessingUseCase) HandleMessage(
	ctx context.Context,
	payload json.RawMessage,
	attemptCount int,
	originalQueue string,
) error {
	start := time.Now()

	err := u.processor.Process(ctx, payload)
	if err == nil {
		u.record(ctx, start, "success")
		return nil
	}

	u.logger.Warn("appointment message processing failed",
		slog.String("original_queue", originalQueue),
		slog.Int("attempt_count", attemptCount),
		slog.Bool("permanent", apperrors.IsPermanent(err)),
		slog.Any("error", err),
	)
	u.record(ctx, start, "error")

	return u.dlq.HandleFailedMessage(ctx, payload, err, attemptCount, originalQueue)
}

// QueueHandler adapts HandleMessage to a queue consumer. The delivery count is the attempt count.
func (u *ResilientProcessingUseCase) QueueHandler() queue.Handler {
	return func(ctx context.Context, msg *queue.Message) error {
		attemptCount := max(msg.DeliveryCount, 1)
		return u.HandleMessage(ctx, json.RawMessage(msg.Data), attemptCount, msg.Stream)
	}
}

// GetHealthStatus reports saga statistics, dead-letter health and every registered breaker.
// The pipeline is healthy while the dead-letter handler is healthy and every breaker is closed.
func (u *ResilientProcessingUseCase) GetHealthStatus(ctx context.Context) HealthStatus {
	dlqHealth := u.dlq.GetHealthStatus(ctx)
	breakers := u.breakers.HealthStatuses()

	healthy := dlqHealth.IsHealthy
	for _, status := range breakers {
		if !status.IsHealthy {
			healthy = false
		}
	}

	return HealthStatus{
		IsHealthy:       healthy,
		Saga:            u.saga.GetStatistics(),
		DLQ:             dlqHealth,
		CircuitBreakers: breakers,
		CheckedAt:       u.now().UTC(),
	}
}

func (u *ResilientProcessingUseCase) record(ctx context.Context, start time.Time, status string) {
	u.metrics.RecordOperation(ctx, metricsDomain, "handle_message", status)
	u.metrics.RecordDuration(ctx, metricsDomain, "handle_message", time.Since(start), status)
}
