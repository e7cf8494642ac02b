package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewDLQMessage(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	payload := json.RawMessage(`{"id":"m1"}`)

	msg := NewDLQMessage(payload, errors.New("x"), 2, "q1", now)

	assert.NotEqual(t, uuid.Nil, msg.ID)
	assert.JSONEq(t, `{"id":"m1"}`, string(msg.OriginalMessage))
	assert.Equal(t, "x", msg.FailureReason)
	assert.Equal(t, 2, msg.AttemptCount)
	assert.Equal(t, now, msg.FirstFailedAt)
	assert.Equal(t, now, msg.LastFailedAt)
	assert.Equal(t, "q1", msg.OriginalQueue)
}

func TestNewDLQMessage_NilCause(t *testing.T) {
	msg := NewDLQMessage(json.RawMessage(`{}`), nil, 1, "q1", time.Now())
	assert.Equal(t, "unknown error", msg.FailureReason)
}

func TestDLQMessage_RecordFailure(t *testing.T) {
	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := NewDLQMessage(json.RawMessage(`{}`), errors.New("x"), 2, "q1", first)

	later := first.Add(time.Hour)
	msg.RecordFailure(errors.New("still down"), later)

	assert.Equal(t, 3, msg.AttemptCount)
	assert.Equal(t, "still down", msg.FailureReason)
	assert.Equal(t, first, msg.FirstFailedAt)
	assert.Equal(t, later, msg.LastFailedAt)
}

func TestDLQMessage_MarshalJSON(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name     string
		payload  json.RawMessage
		expected any
	}{
		{name: "valid-json", payload: json.RawMessage(`{"id":"m1"}`), expected: map[string]any{"id": "m1"}},
		{name: "malformed", payload: json.RawMessage(`{"version":`), expected: `{"version":`},
		{name: "empty", payload: nil, expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewDLQMessage(tt.payload, errors.New("x"), 1, "q1", now)

			data, err := json.Marshal(msg)
			assert.NoError(t, err)

			var decoded map[string]any
			assert.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.expected, decoded["original_message"])
			assert.Equal(t, msg.ID.String(), decoded["id"])
			assert.Equal(t, "q1", decoded["original_queue"])
		})
	}
}
