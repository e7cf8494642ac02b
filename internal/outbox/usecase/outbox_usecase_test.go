package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/allisson/scheduler/internal/outbox/domain"
	"github.com/allisson/scheduler/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// MockTxManager is a mock implementation of database.TxManager
type MockTxManager struct {
	mock.Mock
}

func (m *MockTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	args := m.Called(ctx, fn)
	if args.Get(0) != nil {
		return args.Error(0)
	}
	// Execute the function to test the logic inside
	return fn(ctx)
}

// MockOutboxEventRepository is a mock implementation of OutboxEventRepository
type MockOutboxEventRepository struct {
	mock.Mock
}

func (m *MockOutboxEventRepository) Create(ctx context.Context, event *domain.OutboxEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockOutboxEventRepository) ClaimPending(
	ctx context.Context,
	limit int,
	staleBefore time.Time,
) ([]*domain.OutboxEvent, error) {
	args := m.Called(ctx, limit, staleBefore)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.OutboxEvent), args.Error(1)
}

func (m *MockOutboxEventRepository) Update(ctx context.Context, event *domain.OutboxEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockOutboxEventRepository) ListByAggregate(
	ctx context.Context,
	aggregateID string,
) ([]*domain.OutboxEvent, error) {
	args := m.Called(ctx, aggregateID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.OutboxEvent), args.Error(1)
}

func (m *MockOutboxEventRepository) DeleteProcessedOlderThan(
	ctx context.Context,
	olderThan time.Time,
	dryRun bool,
) (int64, error) {
	args := m.Called(ctx, olderThan, dryRun)
	return args.Get(0).(int64), args.Error(1)
}

// MockEventPublisher is a mock implementation of EventPublisher
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(ctx context.Context, event *domain.OutboxEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// MockQueuePublisher is a mock implementation of queue.Publisher
type MockQueuePublisher struct {
	mock.Mock
}

func (m *MockQueuePublisher) SendMessage(ctx context.Context, payload any, opts queue.SendOptions) error {
	args := m.Called(ctx, payload, opts)
	return args.Error(0)
}

func claimedEvent(t *testing.T, aggregateID string) *domain.OutboxEvent {
	t.Helper()
	event, err := domain.NewOutboxEvent(domain.EventInput{
		AggregateID:   aggregateID,
		AggregateType: "appointment",
		EventType:     "appointment.confirmed",
		EventData:     map[string]string{"appointment_id": aggregateID},
	}, 3, time.Now().UTC())
	require.NoError(t, err)
	event.Status = domain.OutboxEventStatusProcessing
	event.Version = 1
	return event
}

func testConfig() Config {
	return Config{
		Interval:     5 * time.Second,
		BatchSize:    10,
		MaxRetries:   3,
		Concurrency:  2,
		ClaimTimeout: time.Minute,
	}
}

func TestNewOutboxUseCase(t *testing.T) {
	uc := NewOutboxUseCase(Config{}, &MockTxManager{}, &MockOutboxEventRepository{}, &MockEventPublisher{}, nil, nil)

	assert.NotNil(t, uc)
	assert.Equal(t, DefaultConfig(), uc.config)
	assert.NoError(t, uc.config.Validate())
}

func TestOutboxUseCase_Start_ContextCancellation(t *testing.T) {
	uc := NewOutboxUseCase(testConfig(), &MockTxManager{}, &MockOutboxEventRepository{}, &MockEventPublisher{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())

	// Cancel context immediately
	cancel()

	err := uc.Start(ctx)
	assert.Error(t, err)
	assert.Equal(t, context.Canceled, err)
}

func TestOutboxUseCase_ProcessEvents_Success(t *testing.T) {
	txManager := &MockTxManager{}
	outboxRepo := &MockOutboxEventRepository{}
	publisher := &MockEventPublisher{}
	uc := NewOutboxUseCase(testConfig(), txManager, outboxRepo, publisher, nil, nil)

	ctx := context.Background()
	events := []*domain.OutboxEvent{claimedEvent(t, "a1"), claimedEvent(t, "a2"), claimedEvent(t, "a3")}

	txManager.On("WithTx", ctx, mock.Anything).Return(nil)
	outboxRepo.On("ClaimPending", ctx, 10, mock.AnythingOfType("time.Time")).Return(events, nil)
	publisher.On("Publish", ctx, mock.Anything).Return(nil)
	outboxRepo.On("Update", ctx, mock.MatchedBy(func(e *domain.OutboxEvent) bool {
		return e.Status == domain.OutboxEventStatusProcessed && e.ProcessedAt != nil
	})).Return(nil)

	published, err := uc.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, published)

	publisher.AssertNumberOfCalls(t, "Publish", 3)
	outboxRepo.AssertNumberOfCalls(t, "Update", 3)
	txManager.AssertExpectations(t)
}

func TestOutboxUseCase_ProcessEvents_ClaimsOnlyStaleProcessingRows(t *testing.T) {
	txManager := &MockTxManager{}
	outboxRepo := &MockOutboxEventRepository{}
	uc := NewOutboxUseCase(testConfig(), txManager, outboxRepo, &MockEventPublisher{}, nil, nil)

	now := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	uc.now = func() time.Time { return now }

	ctx := context.Background()
	txManager.On("WithTx", ctx, mock.Anything).Return(nil)
	outboxRepo.On("ClaimPending", ctx, 10, now.Add(-time.Minute)).Return([]*domain.OutboxEvent{}, nil)

	published, err := uc.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published)
	outboxRepo.AssertExpectations(t)
}

func TestOutboxUseCase_ProcessEvents_PublishFailure(t *testing.T) {
	txManager := &MockTxManager{}
	outboxRepo := &MockOutboxEventRepository{}
	publisher := &MockEventPublisher{}
	uc := NewOutboxUseCase(testConfig(), txManager, outboxRepo, publisher, nil, nil)

	ctx := context.Background()
	retrying := claimedEvent(t, "a1")
	exhausted := claimedEvent(t, "a2")
	exhausted.RetryCount = 2

	txManager.On("WithTx", ctx, mock.Anything).Return(nil)
	outboxRepo.On("ClaimPending", ctx, 10, mock.Anything).
		Return([]*domain.OutboxEvent{retrying, exhausted}, nil)
	publisher.On("Publish", ctx, mock.Anything).Return(errors.New("queue unavailable"))
	outboxRepo.On("Update", ctx, mock.Anything).Return(nil)

	published, err := uc.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published)

	assert.Equal(t, domain.OutboxEventStatusPending, retrying.Status)
	assert.Equal(t, 1, retrying.RetryCount)
	require.NotNil(t, retrying.Error)
	assert.Equal(t, "queue unavailable", *retrying.Error)

	assert.Equal(t, domain.OutboxEventStatusFailed, exhausted.Status)
	assert.Equal(t, 3, exhausted.RetryCount)
}

func TestOutboxUseCase_ProcessEvents_OneFailureDoesNotAbortBatch(t *testing.T) {
	txManager := &MockTxManager{}
	outboxRepo := &MockOutboxEventRepository{}
	publisher := &MockEventPublisher{}
	cfg := testConfig()
	cfg.Concurrency = 1
	uc := NewOutboxUseCase(cfg, txManager, outboxRepo, publisher, nil, nil)

	ctx := context.Background()
	bad := claimedEvent(t, "bad")
	good := claimedEvent(t, "good")

	txManager.On("WithTx", ctx, mock.Anything).Return(nil)
	outboxRepo.On("ClaimPending", ctx, 10, mock.Anything).Return([]*domain.OutboxEvent{bad, good}, nil)
	publisher.On("Publish", ctx, bad).Return(errors.New("rejected"))
	publisher.On("Publish", ctx, good).Return(nil)
	outboxRepo.On("Update", ctx, bad).Return(domain.ErrVersionConflict)
	outboxRepo.On("Update", ctx, good).Return(nil)

	published, err := uc.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Equal(t, domain.OutboxEventStatusProcessed, good.Status)
}

func TestOutboxUseCase_ProcessEvents_ProcessedEventsAreNotRepublished(t *testing.T) {
	txManager := &MockTxManager{}
	outboxRepo := &MockOutboxEventRepository{}
	publisher := &MockEventPublisher{}
	uc := NewOutboxUseCase(testConfig(), txManager, outboxRepo, publisher, nil, nil)

	ctx := context.Background()
	event := claimedEvent(t, "a1")

	txManager.On("WithTx", ctx, mock.Anything).Return(nil)
	outboxRepo.On("ClaimPending", ctx, 10, mock.Anything).Return([]*domain.OutboxEvent{event}, nil).Once()
	outboxRepo.On("ClaimPending", ctx, 10, mock.Anything).Return([]*domain.OutboxEvent{}, nil).Once()
	publisher.On("Publish", ctx, event).Return(nil)
	outboxRepo.On("Update", ctx, event).Return(nil)

	published, err := uc.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)

	published, err = uc.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published)

	publisher.AssertNumberOfCalls(t, "Publish", 1)
}

func TestOutboxUseCase_ProcessEvents_BoundedConcurrency(t *testing.T) {
	txManager := &MockTxManager{}
	outboxRepo := &MockOutboxEventRepository{}
	cfg := testConfig()
	cfg.Concurrency = 2

	var inFlight, maxInFlight atomic.Int32
	publisher := publishFunc(func(ctx context.Context, event *domain.OutboxEvent) error {
		current := inFlight.Add(1)
		for {
			seen := maxInFlight.Load()
			if current <= seen || maxInFlight.CompareAndSwap(seen, current) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	uc := NewOutboxUseCase(cfg, txManager, outboxRepo, publisher, nil, nil)

	ctx := context.Background()
	events := make([]*domain.OutboxEvent, 0, 6)
	for i := 0; i < 6; i++ {
		events = append(events, claimedEvent(t, "a"))
	}

	txManager.On("WithTx", ctx, mock.Anything).Return(nil)
	outboxRepo.On("ClaimPending", ctx, 10, mock.Anything).Return(events, nil)
	outboxRepo.On("Update", ctx, mock.Anything).Return(nil)

	published, err := uc.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, published)
	assert.LessOrEqual(t, maxInFlight.Load(), int32(2))
}

func TestOutboxUseCase_ProcessEvents_SkipsOverlappingRun(t *testing.T) {
	txManager := &MockTxManager{}
	outboxRepo := &MockOutboxEventRepository{}

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	publisher := publishFunc(func(ctx context.Context, event *domain.OutboxEvent) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	uc := NewOutboxUseCase(testConfig(), txManager, outboxRepo, publisher, nil, nil)

	ctx := context.Background()
	txManager.On("WithTx", ctx, mock.Anything).Return(nil)
	outboxRepo.On("ClaimPending", ctx, 10, mock.Anything).Return([]*domain.OutboxEvent{claimedEvent(t, "a1")}, nil).Once()
	outboxRepo.On("Update", ctx, mock.Anything).Return(nil)

	done := make(chan int)
	go func() {
		published, _ := uc.ProcessEvents(ctx)
		done <- published
	}()

	<-started
	published, err := uc.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published)

	close(release)
	assert.Equal(t, 1, <-done)
	outboxRepo.AssertNumberOfCalls(t, "ClaimPending", 1)
}

func TestOutboxUseCase_ProcessEvents_ClaimError(t *testing.T) {
	txManager := &MockTxManager{}
	outboxRepo := &MockOutboxEventRepository{}
	uc := NewOutboxUseCase(testConfig(), txManager, outboxRepo, &MockEventPublisher{}, nil, nil)

	ctx := context.Background()
	txManager.On("WithTx", ctx, mock.Anything).Return(nil)
	outboxRepo.On("ClaimPending", ctx, 10, mock.Anything).Return(nil, errors.New("connection refused"))

	_, err := uc.ProcessEvents(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestOutboxUseCase_CleanupProcessed(t *testing.T) {
	outboxRepo := &MockOutboxEventRepository{}
	uc := NewOutboxUseCase(testConfig(), &MockTxManager{}, outboxRepo, &MockEventPublisher{}, nil, nil)

	now := time.Date(2025, 4, 20, 3, 0, 0, 0, time.UTC)
	uc.now = func() time.Time { return now }

	ctx := context.Background()
	outboxRepo.On("DeleteProcessedOlderThan", ctx, now.AddDate(0, 0, -7), true).Return(int64(12), nil)

	count, err := uc.CleanupProcessed(ctx, 7, true)
	require.NoError(t, err)
	assert.Equal(t, int64(12), count)

	_, err = uc.CleanupProcessed(ctx, -1, false)
	assert.Error(t, err)
}

func TestQueueEventPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	queuePublisher := &MockQueuePublisher{}
	publisher := NewQueueEventPublisher(queuePublisher)
	event := claimedEvent(t, "a1")

	queuePublisher.On("SendMessage", ctx, mock.MatchedBy(func(msg EventMessage) bool {
		return msg.EventID == event.ID.String() &&
			msg.AggregateID == "a1" &&
			msg.EventType == "appointment.confirmed" &&
			string(msg.EventData) == string(event.EventData)
	}), queue.SendOptions{GroupID: "a1", DeduplicationID: event.ID.String()}).Return(nil)

	require.NoError(t, publisher.Publish(ctx, event))
	queuePublisher.AssertExpectations(t)
}

type publishFunc func(ctx context.Context, event *domain.OutboxEvent) error

func (f publishFunc) Publish(ctx context.Context, event *domain.OutboxEvent) error {
	return f(ctx, event)
}
