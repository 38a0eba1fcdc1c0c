package tilecache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// L2 is the remote tier: opaque tile bytes in Redis under the same
// canonical keys as L1. Every failure degrades to a miss; a cache that
// cannot be reached must never surface as a request error.
type L2 struct {
	client *redis.Client
	ttl    time.Duration

	disabled bool
}

// NewL2 connects to Redis and pings it once. A failed ping returns a
// disabled tier rather than an error: the server runs fine on L1 alone.
func NewL2(redisURL string, ttl time.Duration) *L2 {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		slog.Warn("tile cache L2 disabled: bad redis URL", "error", err)
		return &L2{disabled: true, ttl: ttl}
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("tile cache L2 disabled: redis unreachable", "addr", opt.Addr, "error", err)
		return &L2{disabled: true, ttl: ttl}
	}
	slog.Info("tile cache L2 connected", "addr", opt.Addr, "ttl", ttl)
	return &L2{client: client, ttl: ttl}
}

// NewL2WithClient wraps an existing client; tests use this with miniredis.
func NewL2WithClient(client *redis.Client, ttl time.Duration) *L2 {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &L2{client: client, ttl: ttl}
}

// Get fetches tile bytes, reporting any failure as a miss.
func (c *L2) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.disabled {
		return nil, false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.Debug("tile cache L2 get failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
	return data, true
}

// Set stores tile bytes best-effort.
func (c *L2) Set(ctx context.Context, key string, data []byte) {
	if c.disabled {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		slog.Debug("tile cache L2 set failed", "key", key, "error", err)
	}
}

// Close releases the Redis connection.
func (c *L2) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
