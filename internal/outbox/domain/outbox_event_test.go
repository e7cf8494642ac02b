package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/scheduler/internal/errors"
)

func TestNewOutboxEvent(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("builds pending event", func(t *testing.T) {
		event, err := NewOutboxEvent(EventInput{
			AggregateID:   "a1",
			AggregateType: "appointment",
			EventType:     "appointment.confirmed",
			EventData:     map[string]any{"status": "confirmed"},
		}, 0, now)
		require.NoError(t, err)

		assert.Equal(t, OutboxEventStatusPending, event.Status)
		assert.Equal(t, DefaultMaxRetries, event.MaxRetries)
		assert.Equal(t, 0, event.RetryCount)
		assert.Equal(t, 0, event.Version)
		assert.Equal(t, now, event.CreatedAt)
		assert.JSONEq(t, `{"status":"confirmed"}`, string(event.EventData))
		assert.NotEqual(t, uuid.Nil, event.ID)
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		_, err := NewOutboxEvent(EventInput{AggregateID: "a1"}, 3, now)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})

	t.Run("rejects unserializable data", func(t *testing.T) {
		_, err := NewOutboxEvent(EventInput{
			AggregateID:   "a1",
			AggregateType: "appointment",
			EventType:     "appointment.confirmed",
			EventData:     make(chan int),
		}, 3, now)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})
}

func TestOutboxEvent_MarkFailed(t *testing.T) {
	now := time.Now().UTC()
	event := &OutboxEvent{Status: OutboxEventStatusProcessing, MaxRetries: 2, EventData: json.RawMessage(`{}`)}

	event.MarkFailed(errors.New("queue unavailable"), now)
	assert.Equal(t, OutboxEventStatusPending, event.Status)
	assert.Equal(t, 1, event.RetryCount)
	require.NotNil(t, event.Error)
	assert.Equal(t, "queue unavailable", *event.Error)
	assert.True(t, event.CanRetry())

	event.MarkFailed(errors.New("queue unavailable again"), now)
	assert.Equal(t, OutboxEventStatusFailed, event.Status)
	assert.Equal(t, 2, event.RetryCount)
	assert.False(t, event.CanRetry())
}

func TestOutboxEvent_MarkProcessed(t *testing.T) {
	now := time.Now().UTC()
	msg := "previous failure"
	event := &OutboxEvent{Status: OutboxEventStatusProcessing, MaxRetries: 3, Error: &msg}

	event.MarkProcessed(now)
	assert.Equal(t, OutboxEventStatusProcessed, event.Status)
	require.NotNil(t, event.ProcessedAt)
	assert.Equal(t, now, *event.ProcessedAt)
	assert.Nil(t, event.Error)
}
