package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// streamMaxLen is the approximate maximum length for Redis streams, enforced
// via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// SignalBus implements domain.SignalBus using Redis Pub/Sub for live position
// events and Redis Streams for a durable, replayable copy. Channel and stream
// names are namespaced with the client's prefix.
type SignalBus struct {
	c *Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{c: c}
}

// Publish sends a raw byte payload to a Redis Pub/Sub channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.c.rdb.Publish(ctx, sb.c.Key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published to channel. Glob
// patterns use PSUBSCRIBE. The returned channel is closed when ctx is
// cancelled.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := sb.c.Key(channel)
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = sb.c.rdb.PSubscribe(ctx, name)
	} else {
		pubsub = sb.c.rdb.Subscribe(ctx, name)
	}

	// Wait for the subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// StreamAppend appends a payload to a Redis stream, trimming it to roughly
// streamMaxLen entries.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: sb.c.Key(stream),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"payload": payload,
		},
	}
	if err := sb.c.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead reads up to count messages from a stream after lastID ("0" for
// the beginning). It returns an empty slice, not an error, when nothing is
// available.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	args := &redis.XReadArgs{
		Streams: []string{sb.c.Key(stream), lastID},
		Count:   int64(count),
		Block:   -1,
	}

	results, err := sb.c.rdb.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			if m, ok := toStreamMessage(msg); ok {
				messages = append(messages, m)
			}
		}
	}
	return messages, nil
}

// StreamLatest returns the newest count messages of a stream in append
// order.
func (sb *SignalBus) StreamLatest(ctx context.Context, stream string, count int) ([]domain.StreamMessage, error) {
	if count <= 0 {
		return nil, nil
	}
	results, err := sb.c.rdb.XRevRangeN(ctx, sb.c.Key(stream), "+", "-", int64(count)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream latest %s: %w", stream, err)
	}

	messages := make([]domain.StreamMessage, 0, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		if m, ok := toStreamMessage(results[i]); ok {
			messages = append(messages, m)
		}
	}
	return messages, nil
}

func toStreamMessage(msg redis.XMessage) (domain.StreamMessage, bool) {
	switch v := msg.Values["payload"].(type) {
	case string:
		return domain.StreamMessage{ID: msg.ID, Payload: []byte(v)}, true
	case []byte:
		return domain.StreamMessage{ID: msg.ID, Payload: v}, true
	default:
		return domain.StreamMessage{}, false
	}
}

// Compile-time interface check.
var _ domain.SignalBus = (*SignalBus)(nil)
