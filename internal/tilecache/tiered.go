package tilecache

import "context"

// Tiered composes L1 and L2: reads check memory first, then Redis
// (populating memory on a remote hit); writes fill both tiers.
type Tiered struct {
	l1 *L1
	l2 *L2
}

// NewTiered wires the two tiers together. l2 may be nil.
func NewTiered(l1 *L1, l2 *L2) *Tiered {
	return &Tiered{l1: l1, l2: l2}
}

// Get returns cached tile bytes, or ok=false when both tiers miss.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if data, ok := t.l1.Get(key); ok {
		return data, true
	}
	if t.l2 == nil {
		return nil, false
	}
	data, ok := t.l2.Get(ctx, key)
	if !ok {
		return nil, false
	}
	t.l1.Set(key, data)
	return data, true
}

// Set stores the rendered tile in both tiers. The L2 write is
// best-effort and never blocks the response on an error.
func (t *Tiered) Set(ctx context.Context, key string, data []byte) {
	t.l1.Set(key, data)
	if t.l2 != nil {
		t.l2.Set(ctx, key, data)
	}
}

// L1Stats exposes the memory tier's counters.
func (t *Tiered) L1Stats() Stats { return t.l1.Stats() }

// EvictPercentage forwards to the memory tier.
func (t *Tiered) EvictPercentage(p float64) int { return t.l1.EvictPercentage(p) }
