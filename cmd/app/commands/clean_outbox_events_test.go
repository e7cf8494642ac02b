package commands

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunCleanOutboxEvents(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	days := 7

	t.Run("text-output", func(t *testing.T) {
		cleaner := &MockOutboxCleaner{}
		cleaner.On("CleanupProcessed", ctx, days, false).Return(int64(100), nil)

		var out bytes.Buffer
		err := RunCleanOutboxEvents(ctx, cleaner, logger, &out, days, false, "text")

		require.NoError(t, err)
		require.Contains(t, out.String(), "Successfully deleted 100 processed outbox event(s) older than 7 day(s)")
		cleaner.AssertExpectations(t)
	})

	t.Run("dry-run-text-output", func(t *testing.T) {
		cleaner := &MockOutboxCleaner{}
		cleaner.On("CleanupProcessed", ctx, days, true).Return(int64(3), nil)

		var out bytes.Buffer
		err := RunCleanOutboxEvents(ctx, cleaner, logger, &out, days, true, "text")

		require.NoError(t, err)
		require.Contains(t, out.String(), "Dry-run mode: Would delete 3 processed outbox event(s)")
		cleaner.AssertExpectations(t)
	})

	t.Run("json-output", func(t *testing.T) {
		cleaner := &MockOutboxCleaner{}
		cleaner.On("CleanupProcessed", ctx, days, true).Return(int64(50), nil)

		var out bytes.Buffer
		err := RunCleanOutboxEvents(ctx, cleaner, logger, &out, days, true, "json")

		require.NoError(t, err)
		require.Contains(t, out.String(), `"count": 50`)
		require.Contains(t, out.String(), `"dry_run": true`)
		cleaner.AssertExpectations(t)
	})

	t.Run("invalid-days", func(t *testing.T) {
		cleaner := &MockOutboxCleaner{}
		err := RunCleanOutboxEvents(ctx, cleaner, logger, &bytes.Buffer{}, -1, false, "text")

		require.Error(t, err)
		require.Contains(t, err.Error(), "days must be a positive number")
		cleaner.AssertNotCalled(t, "CleanupProcessed")
	})

	t.Run("invalid-format", func(t *testing.T) {
		cleaner := &MockOutboxCleaner{}
		err := RunCleanOutboxEvents(ctx, cleaner, logger, &bytes.Buffer{}, days, false, "yaml")

		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid format")
	})

	t.Run("cleanup-error", func(t *testing.T) {
		cleaner := &MockOutboxCleaner{}
		cleaner.On("CleanupProcessed", ctx, days, false).Return(int64(0), errors.New("connection refused"))

		err := RunCleanOutboxEvents(ctx, cleaner, logger, &bytes.Buffer{}, days, false, "text")

		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to delete outbox events")
	})
}
