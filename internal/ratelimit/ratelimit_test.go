package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr
}

func TestLimiter_Check_AllowsWithinLimits(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	rl := New(client)
	ctx := context.Background()

	result, err := rl.Check(ctx, "client-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Error("expected first request to be allowed")
	}
	if result.MinuteRemaining != DefaultMinuteLimit-1 {
		t.Errorf("expected minute remaining %d, got %d", DefaultMinuteLimit-1, result.MinuteRemaining)
	}
	if result.RetryAfter != 0 {
		t.Errorf("expected retry_after 0, got %d", result.RetryAfter)
	}
}

func TestLimiter_Check_MinuteLimitExceeded(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	rl := New(client)
	ctx := context.Background()
	key := "client-2"

	for i := 0; i < DefaultMinuteLimit; i++ {
		result, err := rl.Check(ctx, key)
		if err != nil {
			t.Fatalf("unexpected error on request %d: %v", i+1, err)
		}
		if !result.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	result, err := rl.Check(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Error("expected request beyond minute limit to be blocked")
	}
	if result.RetryAfter == 0 || result.RetryAfter > 60 {
		t.Errorf("unexpected retry_after: %d", result.RetryAfter)
	}
}

func TestLimiter_Check_ResetAfterMinute(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	rl := New(client)
	ctx := context.Background()
	key := "client-3"

	for i := 0; i < DefaultMinuteLimit; i++ {
		_, _ = rl.Check(ctx, key)
	}

	result, _ := rl.Check(ctx, key)
	if result.Allowed {
		t.Error("expected request to be blocked")
	}

	mr.FastForward(61 * time.Second)

	result, err := rl.Check(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Error("expected request to be allowed after minute reset")
	}
}

func TestLimiter_CheckWithLimits_CustomLimits(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	rl := New(client)
	ctx := context.Background()
	key := "client-4"
	customMinute, customHour := 5, 50

	for i := 0; i < customMinute; i++ {
		result, err := rl.CheckWithLimits(ctx, key, customMinute, customHour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	result, err := rl.CheckWithLimits(ctx, key, customMinute, customHour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Error("expected request to be blocked with custom limit")
	}
}

func TestLimiter_Reset(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	rl := New(client)
	ctx := context.Background()
	key := "client-5"

	for i := 0; i < 5; i++ {
		_, _ = rl.Check(ctx, key)
	}

	if err := rl.Reset(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := rl.Check(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.MinuteRemaining != DefaultMinuteLimit-1 {
		t.Errorf("expected minute remaining %d after reset, got %d", DefaultMinuteLimit-1, result.MinuteRemaining)
	}
}

func TestLimiter_Check_GracefulDegradation(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()

	rl := New(client)
	ctx := context.Background()
	key := "client-6"

	result, err := rl.Check(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Error("expected request to be allowed")
	}

	client.Close()

	result, err = rl.Check(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Error("expected request to be allowed on redis failure (graceful degradation)")
	}
}
