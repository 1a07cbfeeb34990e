// Package streamadapter implements the durable stream adapter (§4.3) on top
// of Redis Streams: per-recipient subjects, at-least-once delivery via
// consumer groups, per-sender dedup within a window, and explicit ack with a
// visibility timeout. The pack ships no dedicated message-broker client, and
// Redis Streams — already grounded here for the cache/rate-limit adapter —
// is the one library offering durable named consumers and explicit ack, so
// it is reused rather than inventing a bespoke queue on top of SQL.
package streamadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ainp-network/broker/internal/observability/metrics"
)

const (
	dedupeWindow    = 2 * time.Minute
	retentionWindow = 7 * 24 * time.Hour
	ackVisibility   = 30 * time.Second
	maxPublishRetry = 3
)

// StreamKind enumerates the three logical stream families from §4.3.
type StreamKind string

const (
	StreamIntents      StreamKind = "intents"
	StreamNegotiations StreamKind = "negotiations"
	StreamResults      StreamKind = "results"
)

func subject(kind StreamKind, id string) string {
	return fmt.Sprintf("%s.%s", kind, id)
}

func consumerName(did string) string { return "agent_" + did }

// Delivery is a single message pulled off a durable consumer.
type Delivery struct {
	StreamID string
	Fields   map[string]string
}

// Adapter is the durable stream adapter backed by Redis Streams.
type Adapter struct {
	rdb     *redis.Client
	log     *slog.Logger
	metrics *metrics.Registry
}

// New constructs an Adapter over an already-configured Redis client.
// metricsReg may be nil (tests).
func New(rdb *redis.Client, log *slog.Logger, metricsReg *metrics.Registry) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{rdb: rdb, log: log, metrics: metricsReg}
}

// EnsureStream idempotently creates the stream and its per-recipient durable
// consumer group if either does not already exist.
func (a *Adapter) EnsureStream(ctx context.Context, kind StreamKind, recipientOrID string) error {
	key := subject(kind, recipientOrID)
	err := a.rdb.XGroupCreateMkStream(ctx, key, consumerGroup, "$").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("streamadapter: create group for %s: %w", key, err)
	}
	return nil
}

const consumerGroup = "broker"

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Publish appends a message to the stream for (kind, recipientOrID),
// deduplicating by senderDID|messageID within the dedupe window, and retries
// transient failures with exponential backoff up to maxPublishRetry times.
func (a *Adapter) Publish(ctx context.Context, kind StreamKind, recipientOrID, senderDID, messageID string, fields map[string]string) error {
	dedupeKey := fmt.Sprintf("stream-dedupe:%s:%s:%s", kind, senderDID, messageID)
	seen, err := a.rdb.SetNX(ctx, dedupeKey, "1", dedupeWindow).Result()
	if err != nil {
		return fmt.Errorf("streamadapter: dedupe check: %w", err)
	}
	if !seen {
		return nil // already published once within the window; at-least-once, not at-most-once
	}

	if err := a.EnsureStream(ctx, kind, recipientOrID); err != nil {
		return err
	}
	key := subject(kind, recipientOrID)
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < maxPublishRetry; attempt++ {
		err := a.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: 0, // retention enforced by XTRIM on a schedule, not per-publish
			Approx: true,
			Values: values,
		}).Err()
		if err == nil {
			return nil
		}
		lastErr = err
		a.log.Warn("stream publish retrying", "stream", key, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if a.metrics != nil {
		a.metrics.StreamPublishFail.Inc()
	}
	return fmt.Errorf("streamadapter: publish to %s failed after retries: %w", key, lastErr)
}

// Consume reads up to count pending-or-new messages for recipientDID's
// durable consumer, claiming any message whose visibility window elapsed
// without an ack (at-least-once redelivery).
func (a *Adapter) Consume(ctx context.Context, kind StreamKind, recipientDID string, count int64) ([]Delivery, error) {
	key := subject(kind, recipientDID)
	consumer := consumerName(recipientDID)
	if err := a.EnsureStream(ctx, kind, recipientDID); err != nil {
		return nil, err
	}

	reclaimed, _, err := a.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    consumerGroup,
		Consumer: consumer,
		MinIdle:  ackVisibility,
		Start:    "0",
		Count:    count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("streamadapter: autoclaim %s: %w", key, err)
	}

	out := make([]Delivery, 0, len(reclaimed))
	for _, msg := range reclaimed {
		out = append(out, toDelivery(msg))
	}
	if int64(len(out)) >= count {
		return out, nil
	}

	streams, err := a.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    count - int64(len(out)),
		Block:    0,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("streamadapter: read group %s: %w", key, err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			out = append(out, toDelivery(msg))
		}
	}
	return out, nil
}

func toDelivery(msg redis.XMessage) Delivery {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprintf("%v", v)
		}
	}
	return Delivery{StreamID: msg.ID, Fields: fields}
}

// Ack confirms processing of a delivered message, advancing the consumer
// group's position for it.
func (a *Adapter) Ack(ctx context.Context, kind StreamKind, recipientDID, streamID string) error {
	key := subject(kind, recipientDID)
	if err := a.rdb.XAck(ctx, key, consumerGroup, streamID).Err(); err != nil {
		return fmt.Errorf("streamadapter: ack %s/%s: %w", key, streamID, err)
	}
	return nil
}

// Trim enforces the 7-day retention policy; intended to run periodically.
func (a *Adapter) Trim(ctx context.Context, kind StreamKind, recipientOrID string) error {
	key := subject(kind, recipientOrID)
	minID := fmt.Sprintf("%d-0", time.Now().Add(-retentionWindow).UnixMilli())
	if err := a.rdb.XTrimMinID(ctx, key, minID).Err(); err != nil {
		return fmt.Errorf("streamadapter: trim %s: %w", key, err)
	}
	return nil
}

// TrimAll scans every stream key across all three families and applies Trim
// to each, for the periodic retention job; there is no per-recipient index
// to drive Trim from otherwise.
func (a *Adapter) TrimAll(ctx context.Context) (int, error) {
	trimmed := 0
	var cursor uint64
	for {
		keys, next, err := a.rdb.Scan(ctx, cursor, "*.*", 200).Result()
		if err != nil {
			return trimmed, fmt.Errorf("streamadapter: scan: %w", err)
		}
		for _, key := range keys {
			minID := fmt.Sprintf("%d-0", time.Now().Add(-retentionWindow).UnixMilli())
			if err := a.rdb.XTrimMinID(ctx, key, minID).Err(); err != nil {
				return trimmed, fmt.Errorf("streamadapter: trim %s: %w", key, err)
			}
			trimmed++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return trimmed, nil
}
