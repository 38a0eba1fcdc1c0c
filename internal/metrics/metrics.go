// Package metrics tracks request counts, byte counts and per-stage
// render timings. There is no hidden global: callers construct a
// Registry with New and hand it to the components that record into it.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stage names the render pipeline steps that get timed.
type Stage string

const (
	StageCatalogResolve Stage = "catalog_resolve"
	StageRegionRead     Stage = "region_read"
	StageResample       Stage = "resample"
	StageStyleApply     Stage = "style_apply"
	StageEncode         Stage = "png_encode"
)

// histogram is a fixed-bucket latency histogram in microseconds.
type histogram struct {
	mu      sync.Mutex
	bounds  []int64 // bucket upper bounds, us
	counts  []int64
	sumUs   int64
	samples int64
}

var defaultBounds = []int64{100, 250, 500, 1000, 2500, 5000, 10000, 25000, 50000, 100000, 250000, 1000000}

func newHistogram() *histogram {
	return &histogram{bounds: defaultBounds, counts: make([]int64, len(defaultBounds)+1)}
}

func (h *histogram) observe(us int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := len(h.bounds)
	for i, b := range h.bounds {
		if us <= b {
			idx = i
			break
		}
	}
	h.counts[idx]++
	h.sumUs += us
	h.samples++
}

// HistogramSnapshot is the exported view of one histogram.
type HistogramSnapshot struct {
	BoundsUs []int64 `json:"bounds_us"`
	Counts   []int64 `json:"counts"`
	SumUs    int64   `json:"sum_us"`
	Samples  int64   `json:"samples"`
}

func (h *histogram) snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := make([]int64, len(h.counts))
	copy(counts, h.counts)
	return HistogramSnapshot{BoundsUs: h.bounds, Counts: counts, SumUs: h.sumUs, Samples: h.samples}
}

// Registry holds every counter the admin surface reports.
type Registry struct {
	requests   atomic.Int64
	bytesOut   atomic.Int64
	renderErrs atomic.Int64

	mu     sync.Mutex
	stages map[string]*histogram // keyed by layerType + "/" + stage
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{stages: map[string]*histogram{}}
}

// RecordRequest counts one served request and its payload size.
func (r *Registry) RecordRequest(bytes int) {
	r.requests.Add(1)
	r.bytesOut.Add(int64(bytes))
}

// RecordRenderError counts a failed render.
func (r *Registry) RecordRenderError() { r.renderErrs.Add(1) }

// ObserveStage records one stage duration, split by layer type so the
// admin UI can separate gradient, barb and isoline timings.
func (r *Registry) ObserveStage(layerType string, stage Stage, d time.Duration) {
	key := layerType + "/" + string(stage)
	r.mu.Lock()
	h, ok := r.stages[key]
	if !ok {
		h = newHistogram()
		r.stages[key] = h
	}
	r.mu.Unlock()
	h.observe(d.Microseconds())
}

// Snapshot is a point-in-time export for the stats endpoint.
type Snapshot struct {
	Requests     int64                        `json:"requests"`
	BytesOut     int64                        `json:"bytes_out"`
	RenderErrors int64                        `json:"render_errors"`
	Stages       map[string]HistogramSnapshot `json:"stages"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	keys := make([]string, 0, len(r.stages))
	hs := make([]*histogram, 0, len(r.stages))
	for k, h := range r.stages {
		keys = append(keys, k)
		hs = append(hs, h)
	}
	r.mu.Unlock()

	out := Snapshot{
		Requests:     r.requests.Load(),
		BytesOut:     r.bytesOut.Load(),
		RenderErrors: r.renderErrs.Load(),
		Stages:       make(map[string]HistogramSnapshot, len(keys)),
	}
	for i, k := range keys {
		out.Stages[k] = hs[i].snapshot()
	}
	return out
}
