package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one entry read from a stream.
type Message struct {
	ID              string
	Stream          string
	Data            []byte
	Priority        int
	TraceID         string
	GroupID         string
	DeduplicationID string
	// DeliveryCount is 1 on first delivery and grows each time the entry is reclaimed.
	DeliveryCount int
}

// Handler processes a message. Returning nil acknowledges it; an error leaves it pending
// so it is delivered again after ClaimMinIdle.
type Handler func(ctx context.Context, msg *Message) error

// ConsumerConfig configures a consumer group reader.
type ConsumerConfig struct {
	Stream       string
	Group        string
	Consumer     string
	BatchSize    int
	Block        time.Duration
	ClaimMinIdle time.Duration
}

// DefaultConsumerConfig returns consumer defaults for stream.
func DefaultConsumerConfig(stream, group, consumer string) ConsumerConfig {
	return ConsumerConfig{
		Stream:       stream,
		Group:        group,
		Consumer:     consumer,
		BatchSize:    10,
		Block:        2 * time.Second,
		ClaimMinIdle: 30 * time.Second,
	}
}

// Consumer reads a stream through a consumer group and dispatches entries to a Handler.
type Consumer struct {
	client   redis.UniversalClient
	config   ConsumerConfig
	handler  Handler
	promoter *RedisPublisher
	logger   *slog.Logger
}

// NewConsumer creates a Consumer. promoter, when not nil, moves due delayed messages into
// the stream before every read.
func NewConsumer(
	client redis.UniversalClient,
	config ConsumerConfig,
	handler Handler,
	promoter *RedisPublisher,
	logger *slog.Logger,
) *Consumer {
	defaults := DefaultConsumerConfig(config.Stream, config.Group, config.Consumer)
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Block <= 0 {
		config.Block = defaults.Block
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = defaults.ClaimMinIdle
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Consumer{
		client:   client,
		config:   config,
		handler:  handler,
		promoter: promoter,
		logger:   logger,
	}
}

// EnsureGroup creates the consumer group (and the stream) if needed.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.config.Stream, c.config.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	c.logger.Info("starting queue consumer",
		slog.String("stream", c.config.Stream),
		slog.String("group", c.config.Group),
		slog.String("consumer", c.config.Consumer),
	)

	claimTicker := time.NewTicker(c.config.ClaimMinIdle)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping queue consumer")
			return ctx.Err()
		case <-claimTicker.C:
			if _, err := c.ReclaimStale(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("failed to reclaim stale messages", slog.Any("error", err))
			}
		default:
		}

		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("failed to poll queue", slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll reads one batch of new entries, handles them and returns how many were acknowledged.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	if c.promoter != nil {
		if _, err := c.promoter.PromoteDue(ctx); err != nil {
			c.logger.Warn("failed to promote delayed messages", slog.Any("error", err))
		}
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.config.Group,
		Consumer: c.config.Consumer,
		Streams:  []string{c.config.Stream, ">"},
		Count:    int64(c.config.BatchSize),
		Block:    c.config.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("xreadgroup: %w", err)
	}

	acked := 0
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			if c.dispatch(ctx, stream.Stream, entry, 1) {
				acked++
			}
		}
	}
	return acked, nil
}

// ReclaimStale takes over entries left pending longer than ClaimMinIdle (for example by a
// crashed consumer or a handler error) and handles them again.
func (c *Consumer) ReclaimStale(ctx context.Context) (int, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.config.Stream,
		Group:  c.config.Group,
		Start:  "-",
		End:    "+",
		Count:  int64(c.config.BatchSize),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}

	deliveries := make(map[string]int, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle >= c.config.ClaimMinIdle {
			ids = append(ids, p.ID)
			deliveries[p.ID] = int(p.RetryCount) + 1
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	entries, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.config.Stream,
		Group:    c.config.Group,
		Consumer: c.config.Consumer,
		MinIdle:  c.config.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xclaim: %w", err)
	}

	acked := 0
	for _, entry := range entries {
		if c.dispatch(ctx, c.config.Stream, entry, deliveries[entry.ID]) {
			acked++
		}
	}
	return acked, nil
}

// dispatch runs the handler and acknowledges the entry on success.
func (c *Consumer) dispatch(ctx context.Context, stream string, entry redis.XMessage, deliveryCount int) bool {
	msg := toMessage(stream, entry, deliveryCount)

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("message handler failed, leaving message pending",
			slog.String("stream", stream),
			slog.String("message_id", entry.ID),
			slog.Any("error", err),
		)
		return false
	}

	if err := c.client.XAck(ctx, stream, c.config.Group, entry.ID).Err(); err != nil {
		c.logger.Error("failed to ack message",
			slog.String("message_id", entry.ID),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

func toMessage(stream string, entry redis.XMessage, deliveryCount int) *Message {
	msg := &Message{
		ID:            entry.ID,
		Stream:        stream,
		DeliveryCount: deliveryCount,
	}
	msg.Data = []byte(stringValue(entry.Values[fieldData]))
	msg.TraceID = stringValue(entry.Values[fieldTraceID])
	msg.GroupID = stringValue(entry.Values[fieldGroupID])
	msg.DeduplicationID = stringValue(entry.Values[fieldDeduplicationID])
	if priority, err := strconv.Atoi(stringValue(entry.Values[fieldPriority])); err == nil {
		msg.Priority = priority
	}
	return msg
}

func stringValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case nil:
		return ""
	default:
		return fmt.Sprint(value)
	}
}
