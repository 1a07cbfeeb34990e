// Package cacheadapter wraps Redis for TTL key/value storage, atomic
// counters, and sliding-window rate limiting (§4.2). It degrades to
// "allow" when Redis is unreachable rather than failing closed on a rate
// limit, per spec.
package cacheadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ainp-network/broker/internal/observability/metrics"
)

// Adapter is the cache/rate-limit adapter backed by a Redis client.
type Adapter struct {
	rdb     *redis.Client
	log     *slog.Logger
	now     func() time.Time
	metrics *metrics.Registry
}

// New constructs an Adapter over an already-configured Redis client.
// metricsReg may be nil (tests).
func New(rdb *redis.Client, log *slog.Logger, metricsReg *metrics.Registry) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{rdb: rdb, log: log, now: time.Now, metrics: metricsReg}
}

// Get reads a cached value, returning ok=false on miss.
func (a *Adapter) Get(ctx context.Context, key string) (value string, ok bool, degraded bool) {
	v, err := a.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, false
		}
		a.logDegraded("get", err)
		return "", false, true
	}
	return v, true, false
}

// Set stores value under key with the given TTL (0 means no expiry).
func (a *Adapter) Set(ctx context.Context, key, value string, ttl time.Duration) (degraded bool) {
	if err := a.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		a.logDegraded("set", err)
		return true
	}
	return false
}

// SetNX stores value under key only if absent, returning whether it was set.
func (a *Adapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) (created bool, degraded bool) {
	ok, err := a.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		a.logDegraded("setnx", err)
		return true, true // degraded: treat as not-seen-before, fail open
	}
	return ok, false
}

// Incr atomically increments key and returns the new value.
func (a *Adapter) Incr(ctx context.Context, key string) (int64, bool) {
	v, err := a.rdb.Incr(ctx, key).Result()
	if err != nil {
		a.logDegraded("incr", err)
		return 0, true
	}
	return v, false
}

// Expire sets a TTL on an existing key.
func (a *Adapter) Expire(ctx context.Context, key string, seconds int) (degraded bool) {
	if err := a.rdb.Expire(ctx, key, time.Duration(seconds)*time.Second).Err(); err != nil {
		a.logDegraded("expire", err)
		return true
	}
	return false
}

// WindowResult is the outcome of a sliding-window rate-limit check.
type WindowResult struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
	Degraded  bool
}

// SlidingWindowAllow implements the sorted-set sliding-window algorithm from
// §4.2: trim scores older than now-window, count, and insert the new
// timestamp only if under limit. On Redis outage it allows the request and
// reports Degraded=true so the HTTP surface can stamp a degraded header.
func (a *Adapter) SlidingWindowAllow(ctx context.Context, key string, limit int64, window time.Duration) WindowResult {
	now := a.now()
	nowMS := now.UnixMilli()
	windowMS := window.Milliseconds()
	cutoff := nowMS - windowMS

	pipe := a.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		a.logDegraded("sliding_window", err)
		return WindowResult{Allowed: true, Degraded: true}
	}

	count := countCmd.Val()
	if count >= limit {
		resetAt := now.Add(window)
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(window)
		}
		return WindowResult{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	member := fmt.Sprintf("%d-%d", nowMS, now.Nanosecond())
	if err := a.rdb.ZAdd(ctx, key, redis.Z{Score: float64(nowMS), Member: member}).Err(); err != nil {
		a.logDegraded("sliding_window_add", err)
		return WindowResult{Allowed: true, Degraded: true}
	}
	a.rdb.Expire(ctx, key, window+time.Second)
	return WindowResult{Allowed: true, Remaining: limit - count - 1}
}

// CacheEmbedding stores a vector keyed by the SHA-256 of its source text, TTL 60 days per §4.4.
func (a *Adapter) CacheEmbedding(ctx context.Context, textHash string, vector []float32) (degraded bool) {
	encoded := encodeVector(vector)
	return a.Set(ctx, embeddingKey(textHash), encoded, 60*24*time.Hour)
}

// LookupEmbedding returns a cached vector by text hash, if present.
func (a *Adapter) LookupEmbedding(ctx context.Context, textHash string) ([]float32, bool, bool) {
	v, ok, degraded := a.Get(ctx, embeddingKey(textHash))
	if !ok {
		return nil, false, degraded
	}
	vec, err := decodeVector(v)
	if err != nil {
		return nil, false, degraded
	}
	return vec, true, degraded
}

func embeddingKey(textHash string) string { return "embed:" + textHash }

func (a *Adapter) logDegraded(op string, err error) {
	a.log.Warn("cache adapter degraded", "op", op, "error", err)
	if a.metrics != nil {
		a.metrics.CacheDegraded.WithLabelValues(op).Inc()
	}
}
