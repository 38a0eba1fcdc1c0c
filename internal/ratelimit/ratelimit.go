// Package ratelimit provides a Redis-backed fixed-window rate limiter
// (per-minute and per-hour counters) for the public WMS/WMTS/EDR HTTP
// surfaces.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter provides distributed rate limiting using Redis.
type Limiter struct {
	redis *redis.Client
}

// Limit represents a rate limit configuration.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Result contains the result of a rate limit check.
type Result struct {
	Allowed         bool
	MinuteRemaining int
	HourRemaining   int
	MinuteReset     int64 // Unix timestamp
	HourReset       int64 // Unix timestamp
	RetryAfter      int   // Seconds to wait before retrying
}

// Default limits for unauthenticated map/tile/EDR requests.
const (
	DefaultMinuteLimit = 120
	DefaultHourLimit   = 3000
)

// New creates a new Redis-backed rate limiter.
func New(redisClient *redis.Client) *Limiter {
	return &Limiter{redis: redisClient}
}

// Check performs a rate limit check for the given client key (API token or remote IP).
func (r *Limiter) Check(ctx context.Context, clientKey string) (*Result, error) {
	return r.CheckWithLimits(ctx, clientKey, DefaultMinuteLimit, DefaultHourLimit)
}

// CheckWithLimits performs a rate limit check with custom per-client limits.
func (r *Limiter) CheckWithLimits(ctx context.Context, clientKey string, minuteLimit, hourLimit int) (*Result, error) {
	minuteKey := fmt.Sprintf("ratelimit:%s:minute", clientKey)
	hourKey := fmt.Sprintf("ratelimit:%s:hour", clientKey)

	now := time.Now()

	minuteCount, minuteTTL, err := r.incrementAndGetTTL(ctx, minuteKey, time.Minute)
	if err != nil {
		slog.Warn("rate limiter: redis error on minute check, allowing request",
			"client", clientKey, "error", err)
		return &Result{
			Allowed:         true,
			MinuteRemaining: minuteLimit,
			HourRemaining:   hourLimit,
			MinuteReset:     now.Add(time.Minute).Unix(),
			HourReset:       now.Add(time.Hour).Unix(),
		}, nil
	}

	hourCount, hourTTL, err := r.incrementAndGetTTL(ctx, hourKey, time.Hour)
	if err != nil {
		slog.Warn("rate limiter: redis error on hour check, allowing request",
			"client", clientKey, "error", err)
		return &Result{
			Allowed:         true,
			MinuteRemaining: minuteLimit,
			HourRemaining:   hourLimit,
			MinuteReset:     now.Add(time.Minute).Unix(),
			HourReset:       now.Add(time.Hour).Unix(),
		}, nil
	}

	minuteRemaining := max(0, minuteLimit-int(minuteCount))
	hourRemaining := max(0, hourLimit-int(hourCount))

	allowed := minuteCount <= int64(minuteLimit) && hourCount <= int64(hourLimit)

	retryAfter := 0
	if !allowed {
		if minuteCount > int64(minuteLimit) {
			retryAfter = int(minuteTTL.Seconds())
		} else {
			retryAfter = int(hourTTL.Seconds())
		}
	}

	result := &Result{
		Allowed:         allowed,
		MinuteRemaining: minuteRemaining,
		HourRemaining:   hourRemaining,
		MinuteReset:     now.Add(minuteTTL).Unix(),
		HourReset:       now.Add(hourTTL).Unix(),
		RetryAfter:      retryAfter,
	}

	if !allowed {
		slog.Info("rate limit exceeded",
			"client", clientKey,
			"minute_count", minuteCount, "minute_limit", minuteLimit,
			"hour_count", hourCount, "hour_limit", hourLimit,
			"retry_after", retryAfter)
	}

	return result, nil
}

// incrementAndGetTTL atomically increments a counter and returns the count and TTL.
func (r *Limiter) incrementAndGetTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	script := redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		local ttl = redis.call('TTL', KEYS[1])
		if count == 1 or ttl == -1 then
			redis.call('EXPIRE', KEYS[1], ARGV[1])
			ttl = tonumber(ARGV[1])
		end
		return {count, ttl}
	`)

	windowSeconds := int(window.Seconds())
	result, err := script.Run(ctx, r.redis, []string{key}, windowSeconds).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("run increment script: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		return 0, 0, fmt.Errorf("unexpected script result format: %v", result)
	}
	count, ok := resultSlice[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected count type: %v", resultSlice[0])
	}
	ttlSeconds, ok := resultSlice[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected ttl type: %v", resultSlice[1])
	}

	return count, time.Duration(ttlSeconds) * time.Second, nil
}

// Reset clears rate limit counters for a client key.
func (r *Limiter) Reset(ctx context.Context, clientKey string) error {
	pipe := r.redis.Pipeline()
	pipe.Del(ctx, fmt.Sprintf("ratelimit:%s:minute", clientKey))
	pipe.Del(ctx, fmt.Sprintf("ratelimit:%s:hour", clientKey))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("reset rate limits: %w", err)
	}
	return nil
}

// Stats returns current rate limit counters for a client key.
func (r *Limiter) Stats(ctx context.Context, clientKey string) (map[string]interface{}, error) {
	minuteKey := fmt.Sprintf("ratelimit:%s:minute", clientKey)
	hourKey := fmt.Sprintf("ratelimit:%s:hour", clientKey)

	pipe := r.redis.Pipeline()
	minuteCmd := pipe.Get(ctx, minuteKey)
	minuteTTLCmd := pipe.TTL(ctx, minuteKey)
	hourCmd := pipe.Get(ctx, hourKey)
	hourTTLCmd := pipe.TTL(ctx, hourKey)
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}

	minuteCount, _ := minuteCmd.Int64()
	hourCount, _ := hourCmd.Int64()
	minuteTTL := minuteTTLCmd.Val()
	hourTTL := hourTTLCmd.Val()

	return map[string]interface{}{
		"client":        clientKey,
		"minute_count":  minuteCount,
		"minute_limit":  DefaultMinuteLimit,
		"minute_ttl":    minuteTTL.Seconds(),
		"hour_count":    hourCount,
		"hour_limit":    DefaultHourLimit,
		"hour_ttl":      hourTTL.Seconds(),
		"minute_remain": max(0, DefaultMinuteLimit-int(minuteCount)),
		"hour_remain":   max(0, DefaultHourLimit-int(hourCount)),
	}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
