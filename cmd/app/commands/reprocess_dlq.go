package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	dlqUsecase "github.com/allisson/scheduler/internal/dlq/usecase"
)

// DLQReprocessor reprocesses dead-letter messages.
type DLQReprocessor interface {
	ProcessDLQMessages(ctx context.Context) (dlqUsecase.ReprocessResult, error)
	ReprocessMessage(ctx context.Context, id uuid.UUID) error
}

// RunReprocessDLQ reprocesses one dead-letter message when id is set, or the whole store
// otherwise. Successfully reprocessed messages are removed from the store.
func RunReprocessDLQ(
	ctx context.Context,
	reprocessor DLQReprocessor,
	logger *slog.Logger,
	writer io.Writer,
	id string,
	format string,
) error {
	if err := validateFormat(format); err != nil {
		return err
	}

	if id != "" {
		messageID, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("invalid message id: %w", err)
		}

		logger.Info("reprocessing dead-letter message", slog.String("id", messageID.String()))
		if err := reprocessor.ReprocessMessage(ctx, messageID); err != nil {
			return fmt.Errorf("failed to reprocess dead-letter message: %w", err)
		}

		if format == "json" {
			return writeJSON(writer, map[string]any{"id": messageID.String(), "reprocessed": true})
		}
		_, err = fmt.Fprintf(writer, "Dead-letter message %s reprocessed successfully\n", messageID)
		return err
	}

	logger.Info("reprocessing dead-letter store")
	result, err := reprocessor.ProcessDLQMessages(ctx)
	if err != nil {
		return fmt.Errorf("failed to reprocess dead-letter messages: %w", err)
	}

	logger.Info("dead-letter reprocessing completed",
		slog.Int("processed", result.Processed),
		slog.Int("errors", result.Errors),
	)

	if format == "json" {
		return writeJSON(writer, result)
	}
	_, err = fmt.Fprintf(writer, "Reprocessed %d dead-letter message(s), %d failed\n", result.Processed, result.Errors)
	return err
}
