// Package queue provides the message publisher and consumer backed by Redis Streams.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/allisson/scheduler/internal/errors"
)

// Stream entry fields.
const (
	fieldData            = "data"
	fieldPriority        = "priority"
	fieldTraceID         = "trace_id"
	fieldGroupID         = "group_id"
	fieldDeduplicationID = "deduplication_id"
	fieldEnqueuedAt      = "enqueued_at"
)

var streamFields = []string{
	fieldData,
	fieldPriority,
	fieldTraceID,
	fieldGroupID,
	fieldDeduplicationID,
	fieldEnqueuedAt,
}

// DefaultDeduplicationTTL bounds how long a deduplication id suppresses repeated sends.
const DefaultDeduplicationTTL = time.Hour

// SendOptions carries the optional delivery attributes of a message.
type SendOptions struct {
	Priority        int
	TraceID         string
	GroupID         string
	DeduplicationID string
	DelaySeconds    int
}

// Publisher sends a JSON payload to a queue. Failures are always returned to the caller.
type Publisher interface {
	SendMessage(ctx context.Context, payload any, opts SendOptions) error
}

// RedisPublisher publishes messages to one Redis stream.
type RedisPublisher struct {
	client   redis.UniversalClient
	stream   string
	dedupTTL time.Duration
	maxLen   int64
	now      func() time.Time
}

// NewRedisPublisher creates a publisher for stream. A zero dedupTTL uses DefaultDeduplicationTTL.
func NewRedisPublisher(client redis.UniversalClient, stream string, dedupTTL time.Duration) *RedisPublisher {
	if dedupTTL <= 0 {
		dedupTTL = DefaultDeduplicationTTL
	}
	return &RedisPublisher{
		client:   client,
		stream:   stream,
		dedupTTL: dedupTTL,
		now:      time.Now,
	}
}

// WithMaxLen caps the stream length with approximate trimming on every add.
func (p *RedisPublisher) WithMaxLen(maxLen int64) *RedisPublisher {
	p.maxLen = maxLen
	return p
}

// Stream returns the destination stream name.
func (p *RedisPublisher) Stream() string {
	return p.stream
}

// dedupAddScript claims the deduplication key and appends the entry in one step. An add that
// fails inside the script releases the key before the error is returned.
var dedupAddScript = redis.NewScript(`
if not redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[1]) then
  return 0
end
local args = {'XADD', KEYS[1]}
if tonumber(ARGV[2]) > 0 then
  table.insert(args, 'MAXLEN')
  table.insert(args, '~')
  table.insert(args, ARGV[2])
end
table.insert(args, '*')
for i = 3, #ARGV do
  table.insert(args, ARGV[i])
end
local res = redis.pcall(unpack(args))
if type(res) ~= 'string' then
  redis.call('DEL', KEYS[2])
  if type(res) == 'table' then
    return res
  end
  return redis.error_reply('XADD failed')
end
return 1
`)

// dedupScheduleScript is dedupAddScript for delayed messages parked in the sorted set.
var dedupScheduleScript = redis.NewScript(`
if not redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[1]) then
  return 0
end
local res = redis.pcall('ZADD', KEYS[1], ARGV[2], ARGV[3])
if type(res) ~= 'number' then
  redis.call('DEL', KEYS[2])
  if type(res) == 'table' then
    return res
  end
  return redis.error_reply('ZADD failed')
end
return 1
`)

// SendMessage marshals payload and appends it to the stream. A message whose deduplication id
// was already accepted within the TTL is dropped silently. The deduplication claim and the
// append are a single script, so a send that fails never leaves the id claimed. Delayed
// messages are parked in a sorted set until PromoteDue moves them to the stream.
func (p *RedisPublisher) SendMessage(ctx context.Context, payload any, opts SendOptions) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Permanent(apperrors.Wrap(apperrors.ErrInvalidInput, "marshal message"))
	}

	values := map[string]any{
		fieldData:            string(data),
		fieldPriority:        opts.Priority,
		fieldTraceID:         opts.TraceID,
		fieldGroupID:         opts.GroupID,
		fieldDeduplicationID: opts.DeduplicationID,
		fieldEnqueuedAt:      p.now().UTC().Format(time.RFC3339Nano),
	}
	delay := time.Duration(opts.DelaySeconds) * time.Second

	switch {
	case opts.DeduplicationID == "" && delay > 0:
		return p.schedule(ctx, values, delay)
	case opts.DeduplicationID == "":
		return p.add(ctx, values)
	case delay > 0:
		return p.scheduleOnce(ctx, opts.DeduplicationID, values, delay)
	default:
		return p.addOnce(ctx, opts.DeduplicationID, values)
	}
}

// PromoteDue moves delayed messages whose time has come to the stream and returns how many moved.
func (p *RedisPublisher) PromoteDue(ctx context.Context) (int, error) {
	max := strconv.FormatInt(p.now().UnixMilli(), 10)
	members, err := p.client.ZRangeByScore(ctx, p.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("read delayed messages: %w", err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := p.client.ZRem(ctx, p.delayedKey(), member).Result()
		if err != nil {
			return promoted, fmt.Errorf("remove delayed message: %w", err)
		}
		if removed == 0 {
			// Promoted by another process.
			continue
		}

		var values map[string]any
		if err := json.Unmarshal([]byte(member), &values); err != nil {
			continue
		}
		if err := p.add(ctx, values); err != nil {
			return promoted, err
		}
		promoted++
	}

	return promoted, nil
}

func (p *RedisPublisher) add(ctx context.Context, values map[string]any) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

func (p *RedisPublisher) schedule(ctx context.Context, values map[string]any, delay time.Duration) error {
	member, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal delayed message: %w", err)
	}
	due := p.now().Add(delay).UnixMilli()
	if err := p.client.ZAdd(ctx, p.delayedKey(), redis.Z{Score: float64(due), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("schedule delayed message: %w", err)
	}
	return nil
}

func (p *RedisPublisher) addOnce(ctx context.Context, dedupID string, values map[string]any) error {
	args := []any{p.dedupTTL.Milliseconds(), p.maxLen}
	for _, field := range streamFields {
		args = append(args, field, values[field])
	}
	keys := []string{p.stream, p.dedupKey(dedupID)}
	if err := dedupAddScript.Run(ctx, p.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

func (p *RedisPublisher) scheduleOnce(
	ctx context.Context,
	dedupID string,
	values map[string]any,
	delay time.Duration,
) error {
	member, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal delayed message: %w", err)
	}
	due := p.now().Add(delay).UnixMilli()
	keys := []string{p.delayedKey(), p.dedupKey(dedupID)}
	err = dedupScheduleScript.Run(ctx, p.client, keys, p.dedupTTL.Milliseconds(), due, string(member)).Err()
	if err != nil {
		return fmt.Errorf("schedule delayed message: %w", err)
	}
	return nil
}

func (p *RedisPublisher) dedupKey(id string) string {
	return p.stream + ":dedup:" + id
}

func (p *RedisPublisher) delayedKey() string {
	return p.stream + ":delayed"
}
