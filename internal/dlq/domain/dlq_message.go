// Package domain defines the dead-letter message entity.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/allisson/scheduler/internal/errors"
)

// ErrDLQMessageNotFound indicates a dead-letter message with the specified ID was not found.
var ErrDLQMessageNotFound = apperrors.Wrap(apperrors.ErrNotFound, "dead-letter message not found")

// DLQMessage is a message that exhausted its processing attempts.
type DLQMessage struct {
	ID              uuid.UUID       `json:"id"`
	OriginalMessage json.RawMessage `json:"original_message"`
	FailureReason   string          `json:"failure_reason"`
	AttemptCount    int             `json:"attempt_count"`
	FirstFailedAt   time.Time       `json:"first_failed_at"`
	LastFailedAt    time.Time       `json:"last_failed_at"`
	OriginalQueue   string          `json:"original_queue"`
}

// NewDLQMessage records the failure of payload after attemptCount attempts.
func NewDLQMessage(
	payload json.RawMessage,
	cause error,
	attemptCount int,
	originalQueue string,
	now time.Time,
) *DLQMessage {
	return &DLQMessage{
		ID:              uuid.Must(uuid.NewV7()),
		OriginalMessage: payload,
		FailureReason:   failureReason(cause),
		AttemptCount:    attemptCount,
		FirstFailedAt:   now,
		LastFailedAt:    now,
		OriginalQueue:   originalQueue,
	}
}

// RecordFailure notes another failed reprocessing attempt.
func (m *DLQMessage) RecordFailure(cause error, now time.Time) {
	m.AttemptCount++
	m.FailureReason = failureReason(cause)
	m.LastFailedAt = now
}

// MarshalJSON renders an original message that is not valid JSON as a JSON string, so
// malformed payloads kept verbatim can still be listed.
func (m DLQMessage) MarshalJSON() ([]byte, error) {
	type plain DLQMessage
	out := struct {
		plain
		OriginalMessage any `json:"original_message"`
	}{plain: plain(m)}

	switch {
	case len(m.OriginalMessage) == 0:
		out.OriginalMessage = nil
	case json.Valid(m.OriginalMessage):
		out.OriginalMessage = m.OriginalMessage
	default:
		out.OriginalMessage = string(m.OriginalMessage)
	}
	return json.Marshal(out)
}

func failureReason(cause error) string {
	if cause == nil {
		return "unknown error"
	}
	return cause.Error()
}
