package commands

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/allisson/scheduler/internal/dlq/domain"
	dlqUsecase "github.com/allisson/scheduler/internal/dlq/usecase"
)

type MockOutboxCleaner struct {
	mock.Mock
}

func (m *MockOutboxCleaner) CleanupProcessed(ctx context.Context, retentionDays int, dryRun bool) (int64, error) {
	args := m.Called(ctx, retentionDays, dryRun)
	return args.Get(0).(int64), args.Error(1)
}

type MockDLQ struct {
	mock.Mock
}

func (m *MockDLQ) ListMessages(ctx context.Context, offset, limit int) ([]*domain.DLQMessage, error) {
	args := m.Called(ctx, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.DLQMessage), args.Error(1)
}

func (m *MockDLQ) ProcessDLQMessages(ctx context.Context) (dlqUsecase.ReprocessResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(dlqUsecase.ReprocessResult), args.Error(1)
}

func (m *MockDLQ) ReprocessMessage(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
