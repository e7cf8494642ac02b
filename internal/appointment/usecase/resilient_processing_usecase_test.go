package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/allisson/scheduler/internal/breaker"
	dlqDomain "github.com/allisson/scheduler/internal/dlq/domain"
	dlqUsecase "github.com/allisson/scheduler/internal/dlq/usecase"
	apperrors "github.com/allisson/scheduler/internal/errors"
	"github.com/allisson/scheduler/internal/queue"
	sagaDomain "github.com/allisson/scheduler/internal/saga/domain"
	sagaUsecase "github.com/allisson/scheduler/internal/saga/usecase"
)

// MockMessageProcessor is a mock implementation of dlqUsecase.MessageProcessor
type MockMessageProcessor struct {
	mock.Mock
}

func (m *MockMessageProcessor) Process(ctx context.Context, payload json.RawMessage) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

// MockDLQUseCase is a mock implementation of dlqUsecase.UseCase
type MockDLQUseCase struct {
	mock.Mock
}

func (m *MockDLQUseCase) HandleFailedMessage(
	ctx context.Context,
	payload json.RawMessage,
	cause error,
	attemptCount int,
	originalQueue string,
) error {
	args := m.Called(ctx, payload, cause, attemptCount, originalQueue)
	return args.Error(0)
}

func (m *MockDLQUseCase) CalculateRetryDelay(attemptCount int) time.Duration {
	args := m.Called(attemptCount)
	return args.Get(0).(time.Duration)
}

func (m *MockDLQUseCase) ProcessDLQMessages(ctx context.Context) (dlqUsecase.ReprocessResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(dlqUsecase.ReprocessResult), args.Error(1)
}

func (m *MockDLQUseCase) ReprocessMessage(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDLQUseCase) ListMessages(ctx context.Context, offset, limit int) ([]*dlqDomain.DLQMessage, error) {
	args := m.Called(ctx, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*dlqDomain.DLQMessage), args.Error(1)
}

func (m *MockDLQUseCase) GetHealthStatus(ctx context.Context) dlqUsecase.HealthStatus {
	args := m.Called(ctx)
	return args.Get(0).(dlqUsecase.HealthStatus)
}

func (m *MockDLQUseCase) Close() {
	m.Called()
}

var inboundPayload = json.RawMessage(`{"id":"m1"}`)

func newTestUseCase(
	processor *MockMessageProcessor,
	dlq *MockDLQUseCase,
	registry *breaker.Registry,
) (*ResilientProcessingUseCase, *sagaUsecase.Orchestrator) {
	orchestrator := sagaUsecase.NewOrchestrator(sagaUsecase.Config{}, nil, nil)
	return NewResilientProcessingUseCase(processor, dlq, orchestrator, registry, nil, nil), orchestrator
}

func TestResilientProcessingUseCase_HandleMessage_Success(t *testing.T) {
	processor := &MockMessageProcessor{}
	dlq := &MockDLQUseCase{}
	uc, _ := newTestUseCase(processor, dlq, nil)

	processor.On("Process", mock.Anything, inboundPayload).Return(nil)

	err := uc.HandleMessage(context.Background(), inboundPayload, 1, "appointments")

	assert.NoError(t, err)
	dlq.AssertNotCalled(t, "HandleFailedMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.Anything)
}

func TestResilientProcessingUseCase_HandleMessage_FailureGoesToDLQ(t *testing.T) {
	processor := &MockMessageProcessor{}
	dlq := &MockDLQUseCase{}
	uc, _ := newTestUseCase(processor, dlq, nil)

	cause := fmt.Errorf("step check-availability failed: %w", errors.New("statement timeout"))
	processor.On("Process", mock.Anything, inboundPayload).Return(cause)
	dlq.On("HandleFailedMessage", mock.Anything, inboundPayload, cause, 1, "appointments").Return(nil)

	err := uc.HandleMessage(context.Background(), inboundPayload, 1, "appointments")

	assert.NoError(t, err)
	dlq.AssertExpectations(t)
}

func TestResilientProcessingUseCase_HandleMessage_DeadLetterUnavailable(t *testing.T) {
	processor := &MockMessageProcessor{}
	dlq := &MockDLQUseCase{}
	uc, _ := newTestUseCase(processor, dlq, nil)

	cause := errors.New("x")
	unavailable := fmt.Errorf("%w: %w", apperrors.ErrDeadLetterUnavailable, errors.New("disk full"))
	processor.On("Process", mock.Anything, inboundPayload).Return(cause)
	dlq.On("HandleFailedMessage", mock.Anything, inboundPayload, cause, 2, "appointments").Return(unavailable)

	err := uc.HandleMessage(context.Background(), inboundPayload, 2, "appointments")

	assert.ErrorIs(t, err, apperrors.ErrDeadLetterUnavailable)
}

func TestResilientProcessingUseCase_QueueHandler(t *testing.T) {
	processor := &MockMessageProcessor{}
	dlq := &MockDLQUseCase{}
	uc, _ := newTestUseCase(processor, dlq, nil)

	cause := errors.New("x")
	processor.On("Process", mock.Anything, inboundPayload).Return(cause)
	dlq.On("HandleFailedMessage", mock.Anything, inboundPayload, cause, 3, "appointments").Return(nil)
	dlq.On("HandleFailedMessage", mock.Anything, inboundPayload, cause, 1, "appointments").Return(nil)

	handler := uc.QueueHandler()
	require.NoError(t, handler(context.Background(), &queue.Message{
		ID:            "1-0",
		Stream:        "appointments",
		Data:          inboundPayload,
		DeliveryCount: 3,
	}))
	// Entries without a delivery count are treated as the first attempt.
	require.NoError(t, handler(context.Background(), &queue.Message{
		ID:     "2-0",
		Stream: "appointments",
		Data:   inboundPayload,
	}))
	dlq.AssertExpectations(t)
}

func TestResilientProcessingUseCase_GetHealthStatus(t *testing.T) {
	tests := []struct {
		name        string
		dlqHealthy  bool
		openBreaker bool
		want        bool
	}{
		{name: "healthy", dlqHealthy: true, want: true},
		{name: "dead-letter handler unhealthy", dlqHealthy: false, want: false},
		{name: "breaker open", dlqHealthy: true, openBreaker: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := breaker.NewRegistry()
			queueBreaker := breaker.New("queue", breaker.Config{})
			registry.Register(queueBreaker)
			if tt.openBreaker {
				queueBreaker.ForceOpen()
			}

			dlq := &MockDLQUseCase{}
			dlq.On("GetHealthStatus", mock.Anything).Return(dlqUsecase.HealthStatus{IsHealthy: tt.dlqHealthy})
			uc, orchestrator := newTestUseCase(&MockMessageProcessor{}, dlq, registry)

			_, err := orchestrator.ExecuteSaga(context.Background(), "noop", []sagaDomain.SagaStep{{
				ID:     "noop",
				Name:   "noop",
				Action: func(ctx context.Context, sagaCtx *sagaDomain.SagaContext) (any, error) { return nil, nil },
			}}, nil)
			require.NoError(t, err)

			status := uc.GetHealthStatus(context.Background())

			assert.Equal(t, tt.want, status.IsHealthy)
			assert.Equal(t, 1, status.Saga.Total)
			require.Len(t, status.CircuitBreakers, 1)
			assert.Equal(t, "queue", status.CircuitBreakers[0].Name)
			assert.False(t, status.CheckedAt.IsZero())
		})
	}
}
