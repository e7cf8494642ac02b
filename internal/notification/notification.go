// Package notification sends patient notifications and operator alerts through the queue.
package notification

import (
	"context"
	"time"

	"github.com/allisson/scheduler/internal/queue"
)

// Kind identifies a notification template.
type Kind string

const (
	KindAppointmentConfirmed Kind = "appointment_confirmed"
	KindAppointmentCancelled Kind = "appointment_cancelled"
)

// Severity of an operator alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Sender delivers a notification to a recipient.
type Sender interface {
	Send(ctx context.Context, recipientID string, kind Kind, message string) error
}

// AlertSender notifies operators.
type AlertSender interface {
	SendAlert(ctx context.Context, alert Alert) error
}

// Notification is the payload published for a recipient.
type Notification struct {
	RecipientID string    `json:"recipient_id"`
	Kind        Kind      `json:"kind"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// Alert is the payload published for operators.
type Alert struct {
	Severity  Severity       `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// QueueSender publishes notifications and alerts to their queues.
type QueueSender struct {
	notifications queue.Publisher
	alerts        queue.Publisher
	now           func() time.Time
}

// NewQueueSender creates a QueueSender. alerts may be nil when only notifications are sent.
func NewQueueSender(notifications, alerts queue.Publisher) *QueueSender {
	return &QueueSender{
		notifications: notifications,
		alerts:        alerts,
		now:           time.Now,
	}
}

// Send publishes a notification grouped by recipient.
func (s *QueueSender) Send(ctx context.Context, recipientID string, kind Kind, message string) error {
	return s.notifications.SendMessage(ctx, Notification{
		RecipientID: recipientID,
		Kind:        kind,
		Message:     message,
		CreatedAt:   s.now().UTC(),
	}, queue.SendOptions{GroupID: recipientID})
}

// SendAlert publishes an operator alert. Critical alerts get the highest priority.
func (s *QueueSender) SendAlert(ctx context.Context, alert Alert) error {
	if s.alerts == nil {
		return nil
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now().UTC()
	}
	priority := 0
	if alert.Severity == SeverityCritical {
		priority = 10
	}
	return s.alerts.SendMessage(ctx, alert, queue.SendOptions{Priority: priority})
}
