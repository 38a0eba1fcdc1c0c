package gridstore

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcom-dev/gridweather/internal/gridmodel"
)

func testAttrs() Attributes {
	return Attributes{
		Model:         "gfs",
		Parameter:     "TMP",
		Level:         "surface",
		Units:         "K",
		ReferenceTime: time.Date(2024, 12, 29, 12, 0, 0, 0, time.UTC),
		ForecastHour:  6,
		BBox:          gridmodel.BBox{West: -100, South: 30, East: -90, North: 40},
	}
}

func rampGrid(w, h int) []float32 {
	data := make([]float32, w*h)
	for i := range data {
		data[i] = float32(i)
	}
	return data
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name string
		opts WriteOptions
	}{
		{"raw", WriteOptions{ChunkSize: 16}},
		{"lz4", WriteOptions{ChunkSize: 16, Compression: CompressionLZ4}},
		{"zstd", WriteOptions{ChunkSize: 16, Compression: CompressionZstd}},
		{"zstd_shuffle", WriteOptions{ChunkSize: 16, Compression: CompressionZstd, Shuffle: true}},
		{"sharded", WriteOptions{ChunkSize: 16, Compression: CompressionZstd, Sharded: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemStore()
			data := rampGrid(40, 30)
			res, err := Write(ctx, store, "gfs/test", data, 40, 30, testAttrs(), tc.opts)
			require.NoError(t, err)
			assert.Positive(t, res.BytesWritten)
			// 40/16 -> 3 chunk columns, 30/16 -> 2 chunk rows.
			assert.Equal(t, 6, res.ChunkCount)

			r, err := Open(ctx, store, "gfs/test", NewChunkCache(1<<20))
			require.NoError(t, err)
			assert.Equal(t, "TMP", r.Meta().Attrs.Parameter)

			region, err := r.ReadRegion(ctx, testAttrs().BBox)
			require.NoError(t, err)
			assert.Equal(t, 40, region.Width)
			assert.Equal(t, 30, region.Height)
			assert.Equal(t, data, region.Data)
		})
	}
}

func TestReadRegionSubset(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	data := rampGrid(100, 100)
	// 0.1 degree cells over a 10x10 degree box.
	_, err := Write(ctx, store, "d", data, 100, 100, testAttrs(), WriteOptions{ChunkSize: 32})
	require.NoError(t, err)

	r, err := Open(ctx, store, "d", nil)
	require.NoError(t, err)

	region, err := r.ReadRegion(ctx, gridmodel.BBox{West: -97, South: 35, East: -95, North: 37})
	require.NoError(t, err)
	assert.Equal(t, 20, region.Width)
	assert.Equal(t, 20, region.Height)
	// Actual bbox snaps to cell edges.
	assert.InDelta(t, -97.0, region.BBox.West, 1e-9)
	assert.InDelta(t, 37.0, region.BBox.North, 1e-9)

	// Spot-check a value: global row 30 (lat 37 south of 40 at 0.1/cell),
	// col 30 (lon -97 east of -100).
	assert.Equal(t, float32(30*100+30), region.At(0, 0))
}

func TestReadRegionOutsideGrid(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	_, err := Write(ctx, store, "d", rampGrid(10, 10), 10, 10, testAttrs(), WriteOptions{ChunkSize: 8})
	require.NoError(t, err)
	r, err := Open(ctx, store, "d", nil)
	require.NoError(t, err)

	_, err = r.ReadRegion(ctx, gridmodel.BBox{West: 10, South: 10, East: 20, North: 20})
	require.Error(t, err)
}

func TestReadPoint(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	_, err := Write(ctx, store, "d", rampGrid(100, 100), 100, 100, testAttrs(), WriteOptions{ChunkSize: 32})
	require.NoError(t, err)
	r, err := Open(ctx, store, "d", NewChunkCache(1<<20))
	require.NoError(t, err)

	v, ok, err := r.ReadPoint(ctx, -99.95, 39.95)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float32(0), v) // northwest corner cell

	v, ok, err = r.ReadPoint(ctx, -90.05, 30.05)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float32(99*100+99), v) // southeast corner cell

	_, ok, err = r.ReadPoint(ctx, -120, 35)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadPointGlobalWrap(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	attrs := testAttrs()
	attrs.BBox = gridmodel.BBox{West: 0, South: -90, East: 360, North: 90}
	_, err := Write(ctx, store, "g", rampGrid(360, 180), 360, 180, attrs, WriteOptions{ChunkSize: 64})
	require.NoError(t, err)
	r, err := Open(ctx, store, "g", nil)
	require.NoError(t, err)

	// Exactly on the east seam of a global grid: wraps to column 0.
	v, ok, err := r.ReadPoint(ctx, 360.0, 89.5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float32(0), v)

	// Negative longitudes wrap into the grid too.
	v, ok, err = r.ReadPoint(ctx, -0.5, 89.5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float32(359), v)
}

func TestMetadataRoundTrip(t *testing.T) {
	meta := Metadata{
		Width: 100, Height: 50, ChunkSize: 32,
		Compression: CompressionZstd, Shuffle: true,
		FillValue: math.NaN(),
		Attrs:     testAttrs(),
	}
	doc, err := meta.MarshalZarr()
	require.NoError(t, err)

	got, err := UnmarshalZarr(doc)
	require.NoError(t, err)
	assert.Equal(t, meta.Width, got.Width)
	assert.Equal(t, meta.Height, got.Height)
	assert.Equal(t, meta.ChunkSize, got.ChunkSize)
	assert.Equal(t, meta.Compression, got.Compression)
	assert.True(t, got.Shuffle)
	assert.True(t, math.IsNaN(got.FillValue))
	assert.Equal(t, meta.Attrs.Model, got.Attrs.Model)
	assert.True(t, meta.Attrs.ReferenceTime.Equal(got.Attrs.ReferenceTime))
	assert.Equal(t, meta.Attrs.BBox, got.Attrs.BBox)
}

func TestChunkCacheByteBudget(t *testing.T) {
	// Budget of 10 chunks of 256 floats (1 KiB each).
	cache := NewChunkCache(10 * 1024)
	chunk := make([]float32, 256)

	for i := 0; i < 50; i++ {
		cache.Add(ChunkKey{PathHash: 1, X: i}, chunk)
		stats := cache.Stats()
		assert.LessOrEqual(t, stats.SizeBytes, int64(10*1024), "budget exceeded after insert %d", i)
	}
	stats := cache.Stats()
	assert.Positive(t, stats.Evicted)
	// Batch eviction keeps the cache within budget after every overflow.
	assert.LessOrEqual(t, stats.SizeBytes, int64(10*1024))
	assert.Equal(t, stats.SizeBytes, stats.Entries*1024)
}

func TestChunkCacheHitMissCounters(t *testing.T) {
	cache := NewChunkCache(1 << 20)
	key := ChunkKey{PathHash: 7, X: 1, Y: 2}

	_, ok := cache.Get(key)
	assert.False(t, ok)
	cache.Add(key, []float32{1, 2, 3})
	got, ok := cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, got)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Entries)
}

func TestReaderUsesChunkCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	_, err := Write(ctx, store, "d", rampGrid(64, 64), 64, 64, testAttrs(), WriteOptions{ChunkSize: 32})
	require.NoError(t, err)

	cache := NewChunkCache(1 << 20)
	r, err := Open(ctx, store, "d", cache)
	require.NoError(t, err)

	_, err = r.ReadRegion(ctx, testAttrs().BBox)
	require.NoError(t, err)
	first := cache.Stats()
	assert.Equal(t, int64(4), first.Entries)

	_, err = r.ReadRegion(ctx, testAttrs().BBox)
	require.NoError(t, err)
	second := cache.Stats()
	assert.Equal(t, first.Misses, second.Misses, "second read must be fully cached")
	assert.Greater(t, second.Hits, first.Hits)
}

func TestFullSpanChunkCount(t *testing.T) {
	// Bbox exactly spanning the grid touches ceil(Gw/Cw) x ceil(Gh/Ch) chunks.
	ctx := context.Background()
	store := NewMemStore()
	res, err := Write(ctx, store, "d", rampGrid(70, 50), 70, 50, testAttrs(), WriteOptions{ChunkSize: 32})
	require.NoError(t, err)
	assert.Equal(t, 3*2, res.ChunkCount)

	cache := NewChunkCache(1 << 20)
	r, err := Open(ctx, store, "d", cache)
	require.NoError(t, err)
	_, err = r.ReadRegion(ctx, testAttrs().BBox)
	require.NoError(t, err)
	assert.Equal(t, int64(6), cache.Stats().Entries)
}
