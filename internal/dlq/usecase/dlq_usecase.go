// Package usecase implements the dead-letter handler: delayed retries with backoff for failed
// messages, dead-letter persistence once attempts run out, and batch reprocessing of the store.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	validation "github.com/jellydator/validation"
	"golang.org/x/time/rate"

	"github.com/allisson/scheduler/internal/breaker"
	"github.com/allisson/scheduler/internal/dlq/domain"
	apperrors "github.com/allisson/scheduler/internal/errors"
	"github.com/allisson/scheduler/internal/metrics"
	"github.com/allisson/scheduler/internal/notification"
)

const (
	metricsDomain = "dlq"

	// BreakerName is the name of the breaker guarding the retry path.
	BreakerName = "dlq-retry"
)

// Config holds dead-letter handler configuration.
type Config struct {
	// MaxRetries is the attempt count at which a message is dead-lettered instead of retried.
	MaxRetries int
	// BaseDelay is the delay before the first retry, and the constant delay without exponential backoff.
	BaseDelay time.Duration
	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration
	// ExponentialBackoff doubles the delay on every attempt when enabled.
	ExponentialBackoff bool
	// ReprocessRate limits batch reprocessing in messages per second. Zero means unlimited.
	ReprocessRate float64
	// ReprocessBatchSize is the page size used to read the store during batch reprocessing.
	ReprocessBatchSize int
	// Breaker configures the breaker guarding retries.
	Breaker breaker.Config
}

// DefaultConfig returns the handler defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         2,
		BaseDelay:          5 * time.Second,
		MaxRetryDelay:      60 * time.Second,
		ExponentialBackoff: true,
		ReprocessRate:      5,
		ReprocessBatchSize: 100,
		Breaker: breaker.Config{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxRetries, validation.Required, validation.Min(1)),
		validation.Field(&c.BaseDelay, validation.Required),
		validation.Field(&c.MaxRetryDelay, validation.Required, validation.Min(c.BaseDelay)),
		validation.Field(&c.ReprocessRate, validation.Min(0.0)),
		validation.Field(&c.ReprocessBatchSize, validation.Required, validation.Min(1)),
	)
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.ReprocessBatchSize <= 0 {
		c.ReprocessBatchSize = d.ReprocessBatchSize
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = d.Breaker.FailureThreshold
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		c.Breaker.RecoveryTimeout = d.Breaker.RecoveryTimeout
	}
	return c
}

// DLQRepository defines dead-letter store operations.
type DLQRepository interface {
	Create(ctx context.Context, msg *domain.DLQMessage) error
	Get(ctx context.Context, id uuid.UUID) (*domain.DLQMessage, error)
	List(ctx context.Context, offset, limit int) ([]*domain.DLQMessage, error)
	UpdateFailure(ctx context.Context, msg *domain.DLQMessage) error
	Delete(ctx context.Context, id uuid.UUID) error
	Count(ctx context.Context) (int64, error)
}

// MessageProcessor runs the normal processing logic for a message payload and reports failure
// through the returned error.
type MessageProcessor interface {
	Process(ctx context.Context, payload json.RawMessage) error
}

// ReprocessResult summarizes a batch reprocessing run.
type ReprocessResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// HealthConfig is the configuration reported by the health surface.
type HealthConfig struct {
	MaxRetries         int           `json:"max_retries"`
	BaseDelay          time.Duration `json:"base_delay"`
	MaxRetryDelay      time.Duration `json:"max_retry_delay"`
	ExponentialBackoff bool          `json:"exponential_backoff"`
}

// HealthStatus is the health surface of the handler.
type HealthStatus struct {
	IsHealthy      bool                 `json:"is_healthy"`
	CircuitBreaker breaker.HealthStatus `json:"circuit_breaker"`
	PendingRetries int64                `json:"pending_retries"`
	StoredMessages int64                `json:"stored_messages"`
	StoreError     string               `json:"store_error,omitempty"`
	Config         HealthConfig         `json:"config"`
}

// UseCase defines the dead-letter handler operations.
type UseCase interface {
	HandleFailedMessage(
		ctx context.Context,
		payload json.RawMessage,
		cause error,
		attemptCount int,
		originalQueue string,
	) error
	CalculateRetryDelay(attemptCount int) time.Duration
	ProcessDLQMessages(ctx context.Context) (ReprocessResult, error)
	ReprocessMessage(ctx context.Context, id uuid.UUID) error
	ListMessages(ctx context.Context, offset, limit int) ([]*domain.DLQMessage, error)
	GetHealthStatus(ctx context.Context) HealthStatus
	Close()
}

// Option customizes a Handler.
type Option func(*Handler)

// WithClock overrides the time source used for failure timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// WithAfter overrides how retry delays are awaited.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(h *Handler) {
		h.after = after
	}
}

// WithBreakerOptions passes options to the retry breaker.
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(h *Handler) {
		h.breakerOpts = append(h.breakerOpts, opts...)
	}
}

// Handler decides between delayed retry and dead-letter placement for failed messages.
type Handler struct {
	config      Config
	repo        DLQRepository
	processor   MessageProcessor
	alerts      notification.AlertSender
	metrics     metrics.BusinessMetrics
	logger      *slog.Logger
	breaker     *breaker.CircuitBreaker
	breakerOpts []breaker.Option
	limiter     *rate.Limiter
	now         func() time.Time
	after       func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
	pending atomic.Int64
}

// NewHandler creates a Handler. alerts may be nil.
func NewHandler(
	config Config,
	repo DLQRepository,
	processor MessageProcessor,
	alerts notification.AlertSender,
	businessMetrics metrics.BusinessMetrics,
	logger *slog.Logger,
	opts ...Option,
) *Handler {
	if businessMetrics == nil {
		businessMetrics = metrics.NewNoOpBusinessMetrics()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &Handler{
		config:    config.withDefaults(),
		repo:      repo,
		processor: processor,
		alerts:    alerts,
		metrics:   businessMetrics,
		logger:    logger,
		now:       time.Now,
		after:     time.After,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.breaker = breaker.New(BreakerName, h.config.Breaker,
		append([]breaker.Option{breaker.WithLogger(logger)}, h.breakerOpts...)...)

	limit := rate.Inf
	if h.config.ReprocessRate > 0 {
		limit = rate.Limit(h.config.ReprocessRate)
	}
	h.limiter = rate.NewLimiter(limit, 1)

	return h
}

// Breaker returns the breaker guarding the retry path.
func (h *Handler) Breaker() *breaker.CircuitBreaker {
	return h.breaker
}

// HandleFailedMessage schedules a delayed retry while attemptCount is below MaxRetries;
// otherwise it stores the message in the dead-letter store. A cause classified as permanent
// (invalid input or a business rule) is dead-lettered on the first attempt regardless of
// MaxRetries.
// The only error returned is ErrDeadLetterUnavailable when the store cannot be written.
func (h *Handler) HandleFailedMessage(
	ctx context.Context,
	payload json.RawMessage,
	cause error,
	attemptCount int,
	originalQueue string,
) error {
	if attemptCount >= h.config.MaxRetries || apperrors.IsPermanent(cause) {
		return h.deadLetter(ctx, payload, cause, attemptCount, originalQueue)
	}

	delay := h.CalculateRetryDelay(attemptCount)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return h.deadLetter(ctx, payload, cause, attemptCount, originalQueue)
	}
	h.wg.Add(1)
	h.mu.Unlock()

	h.pending.Add(1)
	h.logger.Info("scheduling message retry",
		slog.String("original_queue", originalQueue),
		slog.Int("attempt_count", attemptCount),
		slog.Duration("delay", delay),
		slog.Any("error", cause),
	)
	h.metrics.RecordOperation(ctx, metricsDomain, "retry_scheduled", "success")

	retryCtx := context.WithoutCancel(ctx)
	timer := h.after(delay)
	go func() {
		defer h.wg.Done()

		select {
		case <-timer:
			h.pending.Add(-1)
			h.retry(retryCtx, payload, attemptCount, originalQueue)
		case <-h.stop:
			h.pending.Add(-1)
			h.logger.Warn("handler closed before retry, moving message to dead-letter store",
				slog.String("original_queue", originalQueue),
				slog.Int("attempt_count", attemptCount),
			)
			_ = h.deadLetter(retryCtx, payload, cause, attemptCount, originalQueue)
		}
	}()

	return nil
}

// CalculateRetryDelay returns min(BaseDelay * 2^(attemptCount-1), MaxRetryDelay) with exponential
// backoff, or BaseDelay otherwise.
func (h *Handler) CalculateRetryDelay(attemptCount int) time.Duration {
	if !h.config.ExponentialBackoff {
		return h.config.BaseDelay
	}

	delay := h.config.BaseDelay
	for i := 1; i < attemptCount; i++ {
		delay *= 2
		if delay >= h.config.MaxRetryDelay {
			return h.config.MaxRetryDelay
		}
	}
	return min(delay, h.config.MaxRetryDelay)
}

func (h *Handler) retry(ctx context.Context, payload json.RawMessage, attemptCount int, originalQueue string) {
	start := time.Now()
	err := h.breaker.Execute(ctx, func(ctx context.Context) error {
		return h.processor.Process(ctx, payload)
	})
	if err == nil {
		h.logger.Info("message retry succeeded",
			slog.String("original_queue", originalQueue),
			slog.Int("attempt_count", attemptCount+1),
		)
		h.record(ctx, "retry", start, nil)
		return
	}
	h.record(ctx, "retry", start, err)

	// Failure paths are logged inside HandleFailedMessage.
	_ = h.HandleFailedMessage(ctx, payload, err, attemptCount+1, originalQueue)
}

func (h *Handler) deadLetter(
	ctx context.Context,
	payload json.RawMessage,
	cause error,
	attemptCount int,
	originalQueue string,
) error {
	msg := domain.NewDLQMessage(payload, cause, attemptCount, originalQueue, h.now().UTC())

	if err := h.repo.Create(ctx, msg); err != nil {
		h.logger.Error("failed to persist dead-letter message",
			slog.Bool("manual_intervention", true),
			slog.String("original_queue", originalQueue),
			slog.Int("attempt_count", attemptCount),
			slog.String("failure_reason", msg.FailureReason),
			slog.String("original_message", string(payload)),
			slog.Any("error", err),
		)
		h.metrics.RecordOperation(ctx, metricsDomain, "dead_letter", "error")
		h.alert(ctx, notification.Alert{
			Severity: notification.SeverityCritical,
			Title:    "Dead-letter store unavailable",
			Message:  "A failed message could not be stored and requires manual intervention",
			Details: map[string]any{
				"original_queue": originalQueue,
				"attempt_count":  attemptCount,
				"failure_reason": msg.FailureReason,
				"error":          err.Error(),
			},
		})
		return fmt.Errorf("%w: %w", apperrors.ErrDeadLetterUnavailable, err)
	}

	h.logger.Warn("message moved to dead-letter store",
		slog.String("dlq_message_id", msg.ID.String()),
		slog.String("original_queue", originalQueue),
		slog.Int("attempt_count", attemptCount),
		slog.String("failure_reason", msg.FailureReason),
	)
	h.metrics.RecordOperation(ctx, metricsDomain, "dead_letter", "success")
	h.alert(ctx, notification.Alert{
		Severity: notification.SeverityWarning,
		Title:    "Message moved to dead-letter store",
		Message:  msg.FailureReason,
		Details: map[string]any{
			"dlq_message_id": msg.ID.String(),
			"original_queue": originalQueue,
			"attempt_count":  attemptCount,
		},
	})

	return nil
}

func (h *Handler) alert(ctx context.Context, alert notification.Alert) {
	if h.alerts == nil {
		return
	}
	if err := h.alerts.SendAlert(ctx, alert); err != nil {
		h.logger.Warn("failed to send alert", slog.String("title", alert.Title), slog.Any("error", err))
	}
}

// ProcessDLQMessages reprocesses every stored message through the normal pipeline. Successes are
// removed from the store; failures stay with updated failure metadata.
func (h *Handler) ProcessDLQMessages(ctx context.Context) (ReprocessResult, error) {
	var result ReprocessResult

	messages, err := h.collect(ctx)
	if err != nil {
		return result, err
	}

	for _, msg := range messages {
		if err := h.limiter.Wait(ctx); err != nil {
			return result, err
		}
		if err := h.reprocess(ctx, msg); err != nil {
			result.Errors++
			continue
		}
		result.Processed++
	}

	h.logger.Info("dead-letter reprocessing finished",
		slog.Int("processed", result.Processed),
		slog.Int("errors", result.Errors),
	)

	return result, nil
}

// ReprocessMessage reprocesses a single stored message.
func (h *Handler) ReprocessMessage(ctx context.Context, id uuid.UUID) error {
	msg, err := h.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return h.reprocess(ctx, msg)
}

// ListMessages returns stored messages, oldest failure first.
func (h *Handler) ListMessages(ctx context.Context, offset, limit int) ([]*domain.DLQMessage, error) {
	return h.repo.List(ctx, offset, limit)
}

// collect snapshots the store before reprocessing so deletions do not shift the pages.
func (h *Handler) collect(ctx context.Context) ([]*domain.DLQMessage, error) {
	var messages []*domain.DLQMessage
	for offset := 0; ; offset += h.config.ReprocessBatchSize {
		page, err := h.repo.List(ctx, offset, h.config.ReprocessBatchSize)
		if err != nil {
			return nil, err
		}
		messages = append(messages, page...)
		if len(page) < h.config.ReprocessBatchSize {
			return messages, nil
		}
	}
}

func (h *Handler) reprocess(ctx context.Context, msg *domain.DLQMessage) error {
	start := time.Now()
	err := h.breaker.Execute(ctx, func(ctx context.Context) error {
		return h.processor.Process(ctx, msg.OriginalMessage)
	})
	if err != nil {
		msg.RecordFailure(err, h.now().UTC())
		if updateErr := h.repo.UpdateFailure(ctx, msg); updateErr != nil {
			h.logger.Error("failed to update dead-letter message",
				slog.String("dlq_message_id", msg.ID.String()),
				slog.Any("error", updateErr),
			)
		}
		h.logger.Warn("dead-letter message reprocessing failed",
			slog.String("dlq_message_id", msg.ID.String()),
			slog.Int("attempt_count", msg.AttemptCount),
			slog.Any("error", err),
		)
		h.record(ctx, "reprocess", start, err)
		return err
	}

	if err := h.repo.Delete(ctx, msg.ID); err != nil {
		h.logger.Error("reprocessed message could not be removed from dead-letter store",
			slog.String("dlq_message_id", msg.ID.String()),
			slog.Any("error", err),
		)
		h.record(ctx, "reprocess", start, err)
		return err
	}

	h.record(ctx, "reprocess", start, nil)
	return nil
}

func (h *Handler) record(ctx context.Context, operation string, start time.Time, err error) {
	status := metrics.StatusOf(err)
	h.metrics.RecordOperation(ctx, metricsDomain, operation, status)
	h.metrics.RecordDuration(ctx, metricsDomain, operation, time.Since(start), status)
}

// GetHealthStatus reports the retry breaker, pending retries and the store size. The handler is
// healthy while its breaker is closed and the store is reachable.
func (h *Handler) GetHealthStatus(ctx context.Context) HealthStatus {
	status := HealthStatus{
		CircuitBreaker: h.breaker.HealthStatus(),
		PendingRetries: h.pending.Load(),
		Config: HealthConfig{
			MaxRetries:         h.config.MaxRetries,
			BaseDelay:          h.config.BaseDelay,
			MaxRetryDelay:      h.config.MaxRetryDelay,
			ExponentialBackoff: h.config.ExponentialBackoff,
		},
	}
	status.IsHealthy = status.CircuitBreaker.IsHealthy

	count, err := h.repo.Count(ctx)
	if err != nil {
		status.IsHealthy = false
		status.StoreError = err.Error()
		return status
	}
	status.StoredMessages = count

	return status
}

// Close stops accepting retries, moves messages still waiting for their delay to the
// dead-letter store and waits for in-flight retries to finish.
func (h *Handler) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.stop)
	}
	h.mu.Unlock()

	h.wg.Wait()
}
