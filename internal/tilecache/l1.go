// Package tilecache serves rendered tiles from two tiers: an in-process
// byte-budgeted LRU and a Redis store with TTL. A render populates both
// tiers on miss; a Redis outage silently degrades to L1-only.
package tilecache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultTTL is applied to entries whose caller does not override it.
const DefaultTTL = 15 * time.Minute

// DefaultBudgetBytes bounds the L1 tier when the config does not.
const DefaultBudgetBytes = 1 << 30 // 1 GiB

// l1MaxEntries is deliberately enormous so the LRU never evicts by
// count; the byte budget is the authoritative policy.
const l1MaxEntries = 1 << 30

type l1Entry struct {
	data       []byte
	insertedAt time.Time
	ttl        time.Duration
}

// L1 is the in-process tier: an LRU keyed by canonical cache-key
// strings, bounded by bytes, with lazy TTL expiry on get. One RWMutex
// guards the LRU; even the read path takes the write lock because an
// LRU touch mutates recency, but the critical sections are microseconds.
// Stats counters are atomics so the metrics endpoint is lock-free.
type L1 struct {
	mu  sync.RWMutex
	lru *lru.Cache[string, *l1Entry]

	budget     int64
	defaultTTL time.Duration

	sizeBytes  atomic.Int64
	entryCount atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
}

// NewL1 builds the memory tier. Zero budget or TTL select the defaults.
func NewL1(budgetBytes int64, defaultTTL time.Duration) *L1 {
	if budgetBytes <= 0 {
		budgetBytes = DefaultBudgetBytes
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	c := &L1{budget: budgetBytes, defaultTTL: defaultTTL}
	c.lru, _ = lru.NewWithEvict[string, *l1Entry](l1MaxEntries, func(_ string, e *l1Entry) {
		c.sizeBytes.Add(-int64(len(e.data)))
		c.entryCount.Add(-1)
		c.evictions.Add(1)
	})
	return c
}

// Get returns the cached bytes. An expired entry is removed on the way
// out and reported as a miss.
func (c *L1) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	entry, ok := c.lru.Get(key)
	if ok && time.Since(entry.insertedAt) > entry.ttl {
		c.lru.Remove(key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.data, true
}

// Set inserts with the default TTL.
func (c *L1) Set(key string, data []byte) {
	c.SetWithTTL(key, data, c.defaultTTL)
}

// SetWithTTL inserts an entry. When the insert would overflow the byte
// budget, LRU entries are popped in one batch under the write lock
// until at least 5% of the budget is free.
func (c *L1) SetWithTTL(key string, data []byte, ttl time.Duration) {
	size := int64(len(data))
	if size > c.budget {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lru.Peek(key); ok {
		c.lru.Remove(key)
	}
	if c.sizeBytes.Load()+size > c.budget {
		target := c.budget - c.budget/20 - size
		for c.sizeBytes.Load() > target {
			if _, _, ok := c.lru.RemoveOldest(); !ok {
				break
			}
		}
	}
	c.lru.Add(key, &l1Entry{data: data, insertedAt: time.Now(), ttl: ttl})
	c.sizeBytes.Add(size)
	c.entryCount.Add(1)
}

// Remove deletes one key.
func (c *L1) Remove(key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
}

// Purge drops everything.
func (c *L1) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// EvictPercentage drops the oldest p percent of entries, the entry
// point for an external memory-pressure monitor.
func (c *L1) EvictPercentage(p float64) int {
	if p <= 0 {
		return 0
	}
	if p > 100 {
		p = 100
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := int(float64(c.lru.Len()) * p / 100.0)
	for i := 0; i < n; i++ {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	return n
}

// Stats is a snapshot of the atomic counters.
type Stats struct {
	SizeBytes   int64 `json:"size_bytes"`
	BudgetBytes int64 `json:"budget_bytes"`
	EntryCount  int64 `json:"entry_count"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
}

func (c *L1) Stats() Stats {
	return Stats{
		SizeBytes:   c.sizeBytes.Load(),
		BudgetBytes: c.budget,
		EntryCount:  c.entryCount.Load(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
	}
}
