package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisRateLimiter is a minimal fixed-window limiter over miniredis,
// enough to exercise the middleware's allow/deny/header behavior.
type redisRateLimiter struct {
	client *redis.Client
	limit  int
}

func setupTestRateLimiter(t *testing.T, limit int) (*redisRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return &redisRateLimiter{client: client, limit: limit}, mr
}

func (m *redisRateLimiter) Check(ctx context.Context, clientID string) (*RateLimitResult, error) {
	key := "ratelimit:" + clientID + ":minute"
	count, err := m.client.Incr(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if count == 1 {
		m.client.Expire(ctx, key, 60*time.Second)
	}
	ttl := m.client.TTL(ctx, key).Val()

	remaining := m.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	allowed := count <= int64(m.limit)
	retryAfter := 0
	if !allowed {
		retryAfter = int(ttl.Seconds())
	}
	return &RateLimitResult{
		Allowed:         allowed,
		MinuteRemaining: remaining,
		HourRemaining:   DefaultHourLimit - int(count),
		MinuteReset:     time.Now().Add(ttl).Unix(),
		HourReset:       time.Now().Add(time.Hour).Unix(),
		RetryAfter:      retryAfter,
	}, nil
}

func requestAs(clientID string) *http.Request {
	req := httptest.NewRequest("GET", "/wmts/rest/gfs_TMP/gradient/WebMercatorQuad/3/2/4.png", nil)
	if clientID != "" {
		req = req.WithContext(context.WithValue(req.Context(), ClientIDKey, clientID))
	}
	return req
}

func okStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestExternalRateLimiterAllowsWithinLimit(t *testing.T) {
	rl, _ := setupTestRateLimiter(t, 5)
	handler := NewExternalRateLimiter(rl).Middleware(okStub())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestAs("test-client"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestExternalRateLimiterBlocksPastLimit(t *testing.T) {
	const limit = 5
	rl, _ := setupTestRateLimiter(t, limit)
	handler := NewExternalRateLimiter(rl).Middleware(okStub())

	for i := 0; i < limit; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestAs("c"))
		require.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestAs("c"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "rate_limit_exceeded", body["error"])
	assert.Contains(t, body, "retry_after")
	assert.Contains(t, body, "message")
}

func TestExternalRateLimiterFallsBackToRemoteIP(t *testing.T) {
	const limit = 2
	rl, _ := setupTestRateLimiter(t, limit)
	handler := NewExternalRateLimiter(rl).Middleware(okStub())

	// Anonymous requests are keyed by their remote address, not rejected.
	for i := 0; i < limit; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestAs(""))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestAs(""))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "same IP shares one bucket")
}

func TestExternalRateLimiterIsolatesClients(t *testing.T) {
	const limit = 3
	rl, _ := setupTestRateLimiter(t, limit)
	handler := NewExternalRateLimiter(rl).Middleware(okStub())

	for i := 0; i < limit; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestAs("client-1"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestAs("client-2"))
	assert.Equal(t, http.StatusOK, rec.Code, "a fresh client has its own quota")
	assert.Equal(t, strconv.Itoa(limit-1), rec.Header().Get("X-RateLimit-Remaining"))
}

func TestExternalRateLimiterHeadersDecrement(t *testing.T) {
	const limit = 5
	rl, _ := setupTestRateLimiter(t, limit)
	handler := NewExternalRateLimiter(rl).Middleware(okStub())

	for i := 1; i <= 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestAs("h"))
		assert.Equal(t, fmt.Sprintf("%d", limit-i), rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestExternalRateLimiterResetsAfterWindow(t *testing.T) {
	const limit = 2
	rl, mr := setupTestRateLimiter(t, limit)
	handler := NewExternalRateLimiter(rl).Middleware(okStub())

	for i := 0; i < limit; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), requestAs("r"))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestAs("r"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	mr.FastForward(61 * time.Second)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestAs("r"))
	assert.Equal(t, http.StatusOK, rec.Code, "window expiry restores the quota")
}

func TestExternalRateLimiterFailsClosed(t *testing.T) {
	rl, mr := setupTestRateLimiter(t, 5)
	mr.Close()
	handler := NewExternalRateLimiter(rl).Middleware(okStub())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestAs("c"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
