package ingest

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	apperrors "github.com/etrap/agent/pkg/errors"
	"github.com/etrap/agent/pkg/logging"
)

// RawMessage is one entry read off a stream, before CDC parsing.
type RawMessage struct {
	Stream    string
	ID        string
	KeyText   []byte
	ValueText []byte
}

// Consumer wraps a *redis.Client as a consumer-group reader over the
// etrap.public.* stream pattern (§6), following the same "small typed
// wrapper around *redis.Client" shape as internal/storage's Redis ledger.
type Consumer struct {
	Client       *redis.Client
	Group        string
	ConsumerName string
	Pattern      string
	logger       *logging.Logger

	knownStreams map[string]struct{}
}

// NewConsumer constructs a Consumer. addr/password/db mirror
// RedisConfig's fields.
func NewConsumer(addr, password string, db int, group, consumerName, pattern string, logger *logging.Logger) *Consumer {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Consumer{
		Client:       client,
		Group:        group,
		ConsumerName: consumerName,
		Pattern:      pattern,
		logger:       logger,
		knownStreams: make(map[string]struct{}),
	}
}

// Health pings the Redis connection.
func (c *Consumer) Health(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// discoverStreams scans the keyspace for stream keys matching Pattern and
// idempotently ensures the consumer group exists on each (XGROUP CREATE
// with MKSTREAM; BUSYGROUP is not an error).
func (c *Consumer) discoverStreams(ctx context.Context) error {
	iter := c.Client.Scan(ctx, 0, c.Pattern, 0).Iterator()
	for iter.Next(ctx) {
		name := iter.Val()
		if _, ok := c.knownStreams[name]; ok {
			continue
		}
		err := c.Client.XGroupCreateMkStream(ctx, name, c.Group, "0").Err()
		if err != nil && !isBusyGroupErr(err) {
			return apperrors.IngestWrap(err, apperrors.OpReadStream, apperrors.IngestErrBrokerRead, "failed to create consumer group on "+name)
		}
		c.knownStreams[name] = struct{}{}
		c.logger.Info("discovered stream", "stream", name, "group", c.Group)
	}
	return iter.Err()
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// ReadBatch blocks for up to timeout requesting up to count new messages
// across every stream matching Pattern, via XREADGROUP. An empty result
// with a nil error means the read timed out with nothing available.
func (c *Consumer) ReadBatch(ctx context.Context, timeout time.Duration, count int64) ([]RawMessage, error) {
	if err := c.discoverStreams(ctx); err != nil {
		return nil, err
	}
	if len(c.knownStreams) == 0 {
		// Nothing to read yet; let the caller treat this like an empty
		// timed-out read rather than a hard error.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
		}
		return nil, nil
	}

	streams := make([]string, 0, 2*len(c.knownStreams))
	for name := range c.knownStreams {
		streams = append(streams, name)
	}
	for range c.knownStreams {
		streams = append(streams, ">")
	}

	res, err := c.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.Group,
		Consumer: c.ConsumerName,
		Streams:  streams,
		Count:    count,
		Block:    timeout,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.IngestWrap(err, apperrors.OpReadStream, apperrors.IngestErrBrokerRead, "broker read failed")
	}

	var out []RawMessage
	for _, stream := range res {
		for _, msg := range stream.Messages {
			keyText, _ := fieldBytes(msg.Values, "key")
			valueText, _ := fieldBytes(msg.Values, "value")
			out = append(out, RawMessage{
				Stream:    stream.Stream,
				ID:        msg.ID,
				KeyText:   keyText,
				ValueText: valueText,
			})
		}
	}
	return out, nil
}

// Ack acknowledges a message to its consumer group.
func (c *Consumer) Ack(ctx context.Context, stream, id string) error {
	if err := c.Client.XAck(ctx, stream, c.Group, id).Err(); err != nil {
		return apperrors.IngestWrap(err, apperrors.OpAckMessage, apperrors.IngestErrAck, "failed to ack message")
	}
	return nil
}

func fieldBytes(values map[string]interface{}, key string) ([]byte, bool) {
	v, ok := values[key]
	if !ok {
		return nil, false
	}
	switch s := v.(type) {
	case string:
		return []byte(s), true
	case []byte:
		return s, true
	default:
		return nil, false
	}
}
