package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jcom-dev/gridweather/internal/apperr"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
)

// Memory is an in-process Catalog for tests and local tooling. It keeps
// the same last-writer-wins semantics as the Postgres implementation.
type Memory struct {
	mu      sync.RWMutex
	entries map[memKey]gridmodel.DatasetEntry
}

type memKey struct {
	model, parameter, level string
	ref                     int64
	fh                      int
}

func NewMemory() *Memory {
	return &Memory{entries: map[memKey]gridmodel.DatasetEntry{}}
}

func keyOf(e gridmodel.DatasetEntry) memKey {
	return memKey{e.Model, e.Parameter, e.Level, e.ReferenceTime.UnixNano(), e.ForecastHour}
}

func (m *Memory) Upsert(_ context.Context, e gridmodel.DatasetEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[keyOf(e)] = e
	return nil
}

func (m *Memory) FindValid(_ context.Context, model, parameter, level string, validTime time.Time) (*gridmodel.DatasetEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *gridmodel.DatasetEntry
	for _, e := range m.entries {
		e := e
		if e.Model == model && e.Parameter == parameter && e.Level == level && e.ValidTime().Equal(validTime) {
			if best == nil || e.ReferenceTime.After(best.ReferenceTime) {
				best = &e
			}
		}
	}
	if best == nil {
		return nil, apperr.New(apperr.KindNotFound, "catalog.find", ErrNotFound)
	}
	return best, nil
}

func (m *Memory) Latest(_ context.Context, model, parameter, level string) (*gridmodel.DatasetEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *gridmodel.DatasetEntry
	for _, e := range m.entries {
		e := e
		if e.Model != model || e.Parameter != parameter || e.Level != level {
			continue
		}
		if best == nil || e.ValidTime().After(best.ValidTime()) {
			best = &e
		}
	}
	if best == nil {
		return nil, apperr.New(apperr.KindNotFound, "catalog.latest", ErrNotFound)
	}
	return best, nil
}

func (m *Memory) ValidTimes(_ context.Context, model string) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[int64]time.Time{}
	for _, e := range m.entries {
		if e.Model == model {
			vt := e.ValidTime()
			seen[vt.UnixNano()] = vt
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *Memory) ReferenceTimes(_ context.Context, model string) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[int64]time.Time{}
	for _, e := range m.entries {
		if e.Model == model {
			seen[e.ReferenceTime.UnixNano()] = e.ReferenceTime
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].After(out[j]) })
	return out, nil
}

func (m *Memory) ForReference(_ context.Context, model string, ref time.Time) ([]gridmodel.DatasetEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []gridmodel.DatasetEntry
	for _, e := range m.entries {
		if e.Model == model && e.ReferenceTime.Equal(ref) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Parameter != out[j].Parameter {
			return out[i].Parameter < out[j].Parameter
		}
		return out[i].ForecastHour < out[j].ForecastHour
	})
	return out, nil
}

func (m *Memory) DeleteOlderThan(_ context.Context, model string, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for k, e := range m.entries {
		if e.Model == model && e.ValidTime().Before(cutoff) {
			paths = append(paths, e.StoragePath)
			delete(m.entries, k)
		}
	}
	return paths, nil
}
