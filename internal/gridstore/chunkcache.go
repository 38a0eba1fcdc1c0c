package gridstore

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ChunkKey addresses one decompressed chunk: the dataset path hash plus
// the chunk's grid position.
type ChunkKey struct {
	PathHash uint64
	X        int
	Y        int
}

// ChunkCache is a byte-budgeted LRU of decompressed chunks, shared by
// every reader of the same store. One exclusive lock guards the map;
// critical sections are a lookup or an insert, never a fetch. Two
// concurrent misses on the same chunk may both fetch it: chunks are
// immutable once written, so duplicated work is harmless and cheaper
// than coalescing.
type ChunkCache struct {
	mu      sync.Mutex
	lru     *lru.Cache[ChunkKey, []float32]
	budget  int64
	sizeB   atomic.Int64
	entries atomic.Int64
	hits    atomic.Int64
	misses  atomic.Int64
	evicted atomic.Int64
}

// chunkCacheMaxEntries is deliberately enormous: eviction is by bytes,
// never by entry count.
const chunkCacheMaxEntries = 1 << 30

// NewChunkCache builds a cache bounded to budgetBytes.
func NewChunkCache(budgetBytes int64) *ChunkCache {
	c := &ChunkCache{budget: budgetBytes}
	c.lru, _ = lru.NewWithEvict[ChunkKey, []float32](chunkCacheMaxEntries, func(_ ChunkKey, v []float32) {
		c.sizeB.Add(-int64(len(v) * 4))
		c.entries.Add(-1)
		c.evicted.Add(1)
	})
	return c
}

// Get returns the chunk and bumps its recency.
func (c *ChunkCache) Get(key ChunkKey) ([]float32, bool) {
	c.mu.Lock()
	v, ok := c.lru.Get(key)
	c.mu.Unlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Add inserts a chunk, evicting LRU entries in a batch until at least
// 5% of the budget is free whenever the insert would overflow it.
func (c *ChunkCache) Add(key ChunkKey, data []float32) {
	size := int64(len(data) * 4)
	if size > c.budget {
		return // a chunk bigger than the whole budget is never cached
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.lru.Peek(key); ok {
		c.sizeB.Add(-int64(len(prev) * 4))
		c.entries.Add(-1)
	}
	if c.sizeB.Load()+size > c.budget {
		target := c.budget - c.budget/20 - size
		for c.sizeB.Load() > target {
			if _, _, ok := c.lru.RemoveOldest(); !ok {
				break
			}
		}
	}
	c.lru.Add(key, data)
	c.sizeB.Add(size)
	c.entries.Add(1)
}

// CacheStats is a point-in-time snapshot for the metrics endpoint.
type CacheStats struct {
	SizeBytes   int64 `json:"size_bytes"`
	BudgetBytes int64 `json:"budget_bytes"`
	Entries     int64 `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evicted     int64 `json:"evicted"`
}

// Stats reads the atomic counters without taking the lock.
func (c *ChunkCache) Stats() CacheStats {
	return CacheStats{
		SizeBytes:   c.sizeB.Load(),
		BudgetBytes: c.budget,
		Entries:     c.entries.Load(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evicted:     c.evicted.Load(),
	}
}
