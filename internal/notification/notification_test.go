package notification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/allisson/scheduler/internal/queue"
)

// MockPublisher is a mock implementation of queue.Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) SendMessage(ctx context.Context, payload any, opts queue.SendOptions) error {
	args := m.Called(ctx, payload, opts)
	return args.Error(0)
}

func TestQueueSender_Send(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	notifications := &MockPublisher{}
	sender := NewQueueSender(notifications, nil)
	sender.now = func() time.Time { return now }

	notifications.On("SendMessage", ctx, Notification{
		RecipientID: "patient-1",
		Kind:        KindAppointmentConfirmed,
		Message:     "see you soon",
		CreatedAt:   now,
	}, queue.SendOptions{GroupID: "patient-1"}).Return(nil)

	require.NoError(t, sender.Send(ctx, "patient-1", KindAppointmentConfirmed, "see you soon"))
	notifications.AssertExpectations(t)
}

func TestQueueSender_SendAlert(t *testing.T) {
	ctx := context.Background()
	alerts := &MockPublisher{}
	sender := NewQueueSender(&MockPublisher{}, alerts)

	alerts.On("SendMessage", ctx, mock.MatchedBy(func(alert Alert) bool {
		return alert.Severity == SeverityCritical && alert.Title == "dead letter" && !alert.CreatedAt.IsZero()
	}), queue.SendOptions{Priority: 10}).Return(nil)

	require.NoError(t, sender.SendAlert(ctx, Alert{Severity: SeverityCritical, Title: "dead letter"}))
	alerts.AssertExpectations(t)
}

func TestQueueSender_SendAlertWithoutQueue(t *testing.T) {
	sender := NewQueueSender(&MockPublisher{}, nil)
	assert.NoError(t, sender.SendAlert(context.Background(), Alert{Title: "ignored"}))
}
