package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Circuit breaker state values exported by the breaker state gauge.
const (
	BreakerStateClosed   int64 = 0
	BreakerStateHalfOpen int64 = 1
	BreakerStateOpen     int64 = 2
)

// PipelineSnapshot is a point-in-time view of the processing pipeline.
type PipelineSnapshot struct {
	// BreakerStates maps breaker names to one of the BreakerState values.
	BreakerStates map[string]int64
	// SagasByStatus counts the saga executions still held in memory.
	SagasByStatus     map[string]int64
	DLQStoredMessages int64
	DLQPendingRetries int64
}

// PipelineObserver returns the current pipeline snapshot. It is called on every collection.
type PipelineObserver func(ctx context.Context) PipelineSnapshot

// RegisterPipelineGauges registers observable gauges for breaker states, saga executions and
// the dead-letter backlog. Unregister the returned registration to stop observing.
func RegisterPipelineGauges(
	meterProvider metric.MeterProvider,
	namespace string,
	observe PipelineObserver,
) (metric.Registration, error) {
	meter := meterProvider.Meter(namespace)

	breakerState, err := meter.Int64ObservableGauge(
		fmt.Sprintf("%s_circuit_breaker_state", namespace),
		metric.WithDescription("Circuit breaker state (0 closed, 1 half-open, 2 open)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit breaker state gauge: %w", err)
	}

	sagas, err := meter.Int64ObservableGauge(
		fmt.Sprintf("%s_saga_executions", namespace),
		metric.WithDescription("Saga executions held in memory by status"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create saga executions gauge: %w", err)
	}

	dlqStored, err := meter.Int64ObservableGauge(
		fmt.Sprintf("%s_dlq_stored_messages", namespace),
		metric.WithDescription("Messages waiting in the dead-letter store"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dlq stored messages gauge: %w", err)
	}

	dlqPending, err := meter.Int64ObservableGauge(
		fmt.Sprintf("%s_dlq_pending_retries", namespace),
		metric.WithDescription("Delayed retries scheduled by the dead-letter handler"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dlq pending retries gauge: %w", err)
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		snapshot := observe(ctx)

		for name, state := range snapshot.BreakerStates {
			o.ObserveInt64(breakerState, state, metric.WithAttributes(attribute.String("breaker", name)))
		}
		for status, count := range snapshot.SagasByStatus {
			o.ObserveInt64(sagas, count, metric.WithAttributes(attribute.String("status", status)))
		}
		o.ObserveInt64(dlqStored, snapshot.DLQStoredMessages)
		o.ObserveInt64(dlqPending, snapshot.DLQPendingRetries)
		return nil
	}, breakerState, sagas, dlqStored, dlqPending)
}
