package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/allisson/scheduler/internal/dlq/domain"
)

// maxFailureReasonWidth truncates failure reasons in the text listing.
const maxFailureReasonWidth = 60

// DLQLister pages through the dead-letter store.
type DLQLister interface {
	ListMessages(ctx context.Context, offset, limit int) ([]*domain.DLQMessage, error)
}

// RunListDLQ prints a page of dead-letter messages as a table or as JSON.
func RunListDLQ(
	ctx context.Context,
	lister DLQLister,
	logger *slog.Logger,
	writer io.Writer,
	offset, limit int,
	format string,
) error {
	if offset < 0 {
		return fmt.Errorf("offset must not be negative, got: %d", offset)
	}
	if limit < 1 {
		return fmt.Errorf("limit must be a positive number, got: %d", limit)
	}
	if err := validateFormat(format); err != nil {
		return err
	}

	messages, err := lister.ListMessages(ctx, offset, limit)
	if err != nil {
		return fmt.Errorf("failed to list dead-letter messages: %w", err)
	}
	logger.Debug("dead-letter messages listed", slog.Int("count", len(messages)))

	if format == "json" {
		if messages == nil {
			messages = []*domain.DLQMessage{}
		}
		return writeJSON(writer, messages)
	}

	if len(messages) == 0 {
		_, err := fmt.Fprintln(writer, "No dead-letter messages found")
		return err
	}

	tw := tabwriter.NewWriter(writer, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tQUEUE\tATTEMPTS\tLAST FAILED\tREASON")
	for _, msg := range messages {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			msg.ID,
			msg.OriginalQueue,
			msg.AttemptCount,
			msg.LastFailedAt.UTC().Format(time.RFC3339),
			truncate(msg.FailureReason, maxFailureReasonWidth),
		)
	}
	return tw.Flush()
}

func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-3]) + "..."
}
