package tilecache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestL1GetSet(t *testing.T) {
	c := NewL1(1<<20, time.Minute)
	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Set("k", []byte("tile"))
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("tile"), got)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.EntryCount)
	assert.Equal(t, int64(4), stats.SizeBytes)
}

func TestL1CountersStayExact(t *testing.T) {
	c := NewL1(1<<20, time.Minute)
	total := int64(0)
	for i := 0; i < 100; i++ {
		data := make([]byte, i+1)
		c.Set(fmt.Sprintf("k%d", i), data)
		total += int64(i + 1)
	}
	// Replace half the keys with different sizes.
	for i := 0; i < 50; i++ {
		c.Set(fmt.Sprintf("k%d", i), make([]byte, 10))
		total += 10 - int64(i+1)
	}
	stats := c.Stats()
	assert.Equal(t, total, stats.SizeBytes)
	assert.Equal(t, int64(100), stats.EntryCount)
}

func TestL1ByteBudgetEviction(t *testing.T) {
	c := NewL1(1000, time.Minute)
	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), make([]byte, 100))
		assert.LessOrEqual(t, c.Stats().SizeBytes, int64(1000))
	}
	stats := c.Stats()
	assert.Positive(t, stats.Evictions)
	// After an overflow, batch eviction leaves 5% headroom before insert.
	assert.LessOrEqual(t, stats.SizeBytes, int64(1000))

	// Oldest entries went first.
	_, ok := c.Get("k0")
	assert.False(t, ok)
	_, ok = c.Get("k99")
	assert.True(t, ok)
}

func TestL1TTLExpiry(t *testing.T) {
	c := NewL1(1<<20, time.Minute)
	c.SetWithTTL("k", []byte("x"), time.Nanosecond)
	time.Sleep(time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok, "expired entry must be treated as a miss")
	assert.Equal(t, int64(0), c.Stats().EntryCount)
	assert.Equal(t, int64(0), c.Stats().SizeBytes)
}

func TestL1EvictPercentage(t *testing.T) {
	c := NewL1(1<<20, time.Minute)
	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte("x"))
	}
	n := c.EvictPercentage(25)
	assert.Equal(t, 25, n)
	assert.Equal(t, int64(75), c.Stats().EntryCount)
	_, ok := c.Get("k0")
	assert.False(t, ok)
	_, ok = c.Get("k99")
	assert.True(t, ok)
}

func TestL1OversizeEntryRejected(t *testing.T) {
	c := NewL1(10, time.Minute)
	c.Set("big", make([]byte, 100))
	assert.Equal(t, int64(0), c.Stats().EntryCount)
}

func newTestL2(t *testing.T) (*L2, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewL2WithClient(client, time.Hour), mr
}

func TestL2RoundTrip(t *testing.T) {
	l2, _ := newTestL2(t)
	ctx := context.Background()

	_, ok := l2.Get(ctx, "k")
	assert.False(t, ok)

	l2.Set(ctx, "k", []byte("tile-bytes"))
	got, ok := l2.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("tile-bytes"), got)
}

func TestL2FailureIsMiss(t *testing.T) {
	l2, mr := newTestL2(t)
	ctx := context.Background()
	l2.Set(ctx, "k", []byte("x"))
	mr.Close()

	_, ok := l2.Get(ctx, "k")
	assert.False(t, ok, "a dead backend reads as a miss, never an error")
	l2.Set(ctx, "k2", []byte("y")) // must not panic or error either
}

func TestTieredReadPath(t *testing.T) {
	l2, _ := newTestL2(t)
	l1 := NewL1(1<<20, time.Minute)
	tc := NewTiered(l1, l2)
	ctx := context.Background()

	// Miss in both tiers.
	_, ok := tc.Get(ctx, "k")
	assert.False(t, ok)

	// Fill; hit from L1.
	tc.Set(ctx, "k", []byte("png"))
	got, ok := tc.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("png"), got)

	// Drop L1; the L2 hit repopulates it.
	l1.Purge()
	got, ok = tc.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("png"), got)
	_, ok = l1.Get("k")
	assert.True(t, ok, "L2 hit must populate L1")
}

func TestTieredWithoutL2(t *testing.T) {
	tc := NewTiered(NewL1(1<<20, time.Minute), nil)
	ctx := context.Background()
	tc.Set(ctx, "k", []byte("v"))
	got, ok := tc.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}
