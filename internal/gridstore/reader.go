package gridstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jcom-dev/gridweather/internal/apperr"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
)

// GridRegion is the result of a region read: a row-major sub-grid with
// the bbox it actually covers after clamping to the grid.
type GridRegion struct {
	Data   []float32
	Width  int
	Height int
	BBox   gridmodel.BBox
	ResX   float64
	ResY   float64
}

// At returns the value at (col, row) of the region.
func (g *GridRegion) At(col, row int) float32 {
	return g.Data[row*g.Width+col]
}

// GridSource is the capability higher layers program against: region
// and point reads plus the dataset metadata. Reader is the chunked
// implementation; tests substitute in-memory sources.
type GridSource interface {
	Meta() Metadata
	ReadRegion(ctx context.Context, bbox gridmodel.BBox) (*GridRegion, error)
	ReadPoint(ctx context.Context, lon, lat float64) (float32, bool, error)
}

// Reader reads one chunked dataset. It holds a shared handle to the
// immutable store and a shared chunk cache; it never holds a reference
// back from the cache, and it never touches chunks outside a requested
// region.
type Reader struct {
	store    ObjectStore
	cache    *ChunkCache
	path     string
	pathHash uint64
	meta     Metadata

	shardIndex []shardEntry
}

type shardEntry struct {
	offset uint64
	length uint64
}

// Open fetches a dataset's metadata and prepares a reader. The chunk
// cache may be shared across any number of readers.
func Open(ctx context.Context, store ObjectStore, path string, cache *ChunkCache) (*Reader, error) {
	meta, err := loadMetadata(ctx, store, path)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		store:    store,
		cache:    cache,
		path:     path,
		pathHash: gridmodel.PathHash(path),
		meta:     meta,
	}
	if meta.Sharded {
		if err := r.loadShardIndex(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Meta returns the dataset metadata.
func (r *Reader) Meta() Metadata { return r.meta }

func (r *Reader) loadShardIndex(ctx context.Context) error {
	const op = "gridstore.shardIndex"
	raw, err := r.store.Get(ctx, r.path+"/shard")
	if err != nil {
		return apperr.New(apperr.KindUnavailable, op, err)
	}
	n := r.meta.ChunksX() * r.meta.ChunksY()
	indexBytes := n * 16
	if len(raw) < indexBytes {
		return apperr.New(apperr.KindParse, op, fmt.Errorf("shard smaller than its index (%d < %d)", len(raw), indexBytes))
	}
	index := raw[len(raw)-indexBytes:]
	r.shardIndex = make([]shardEntry, n)
	for i := range r.shardIndex {
		r.shardIndex[i] = shardEntry{
			offset: binary.LittleEndian.Uint64(index[i*16:]),
			length: binary.LittleEndian.Uint64(index[i*16+8:]),
		}
	}
	return nil
}

// chunk returns the decompressed chunk at (cx, cy), consulting the
// shared cache first. The cache lock is never held across the fetch.
func (r *Reader) chunk(ctx context.Context, cx, cy int) ([]float32, error) {
	key := ChunkKey{PathHash: r.pathHash, X: cx, Y: cy}
	if r.cache != nil {
		if data, ok := r.cache.Get(key); ok {
			return data, nil
		}
	}

	cw, ch := chunkDims(r.meta, cx, cy)
	rawSize := cw * ch * 4

	var enc []byte
	if r.meta.Sharded {
		entry := r.shardIndex[cy*r.meta.ChunksX()+cx]
		shard, err := r.store.Get(ctx, r.path+"/shard")
		if err != nil {
			return nil, apperr.New(apperr.KindUnavailable, "gridstore.readChunk", err)
		}
		if entry.offset+entry.length > uint64(len(shard)) {
			return nil, apperr.New(apperr.KindParse, "gridstore.readChunk", fmt.Errorf("shard index entry out of range"))
		}
		enc = shard[entry.offset : entry.offset+entry.length]
	} else {
		var err error
		enc, err = r.store.Get(ctx, chunkKey(r.path, cx, cy))
		if err != nil {
			return nil, apperr.New(apperr.KindUnavailable, "gridstore.readChunk", err)
		}
	}

	raw, err := decompressChunk(r.meta.Compression, enc, rawSize)
	if err != nil {
		return nil, err
	}
	if r.meta.Shuffle {
		raw = unshuffleBytes(raw, 4)
	}
	if len(raw) != rawSize {
		return nil, apperr.New(apperr.KindParse, "gridstore.readChunk", fmt.Errorf("chunk (%d,%d) decoded to %d bytes, want %d", cx, cy, len(raw), rawSize))
	}

	data := make([]float32, cw*ch)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	if r.cache != nil {
		r.cache.Add(key, data)
	}
	return data, nil
}

// ReadRegion assembles the sub-grid covering bbox, clamped to the grid.
// Chunk selection is O(1) arithmetic on the chunk grid; only overlapped
// chunks are fetched.
func (r *Reader) ReadRegion(ctx context.Context, bbox gridmodel.BBox) (*GridRegion, error) {
	m := r.meta
	dx, dy := m.Resolution()
	gb := m.Attrs.BBox

	minCol := clampInt(int(math.Floor((bbox.West-gb.West)/dx)), 0, m.Width)
	maxCol := clampInt(int(math.Ceil((bbox.East-gb.West)/dx)), 0, m.Width)
	minRow := clampInt(int(math.Floor((gb.North-bbox.North)/dy)), 0, m.Height)
	maxRow := clampInt(int(math.Ceil((gb.North-bbox.South)/dy)), 0, m.Height)

	width := maxCol - minCol
	height := maxRow - minRow
	if width <= 0 || height <= 0 {
		return nil, apperr.New(apperr.KindNotFound, "gridstore.readRegion", fmt.Errorf("bbox does not intersect grid"))
	}

	out := make([]float32, width*height)
	fill := float32(m.FillValue)
	for i := range out {
		out[i] = fill
	}

	minCX := minCol / m.ChunkSize
	maxCX := (maxCol + m.ChunkSize - 1) / m.ChunkSize
	minCY := minRow / m.ChunkSize
	maxCY := (maxRow + m.ChunkSize - 1) / m.ChunkSize

	for cy := minCY; cy < maxCY; cy++ {
		for cx := minCX; cx < maxCX; cx++ {
			data, err := r.chunk(ctx, cx, cy)
			if err != nil {
				return nil, err
			}
			cw, ch := chunkDims(m, cx, cy)
			chunkCol0 := cx * m.ChunkSize
			chunkRow0 := cy * m.ChunkSize

			colStart := maxInt(minCol, chunkCol0)
			colEnd := minInt(maxCol, chunkCol0+cw)
			rowStart := maxInt(minRow, chunkRow0)
			rowEnd := minInt(maxRow, chunkRow0+ch)
			if colStart >= colEnd || rowStart >= rowEnd {
				continue
			}
			for row := rowStart; row < rowEnd; row++ {
				srcOff := (row-chunkRow0)*cw + (colStart - chunkCol0)
				dstOff := (row-minRow)*width + (colStart - minCol)
				copy(out[dstOff:dstOff+(colEnd-colStart)], data[srcOff:srcOff+(colEnd-colStart)])
			}
		}
	}

	return &GridRegion{
		Data:   out,
		Width:  width,
		Height: height,
		BBox: gridmodel.BBox{
			West:  gb.West + float64(minCol)*dx,
			East:  gb.West + float64(maxCol)*dx,
			North: gb.North - float64(minRow)*dy,
			South: gb.North - float64(maxRow)*dy,
		},
		ResX: dx,
		ResY: dy,
	}, nil
}

// ReadPoint samples the cell containing (lon, lat). ok is false when
// the point lies outside the grid. Global grids wrap at the east edge:
// a point exactly on the seam resolves to column zero.
func (r *Reader) ReadPoint(ctx context.Context, lon, lat float64) (float32, bool, error) {
	m := r.meta
	dx, dy := m.Resolution()
	gb := m.Attrs.BBox

	global := gb.Width() >= 360.0-dx
	if global {
		for lon < gb.West {
			lon += 360
		}
		for lon >= gb.West+360 {
			lon -= 360
		}
	}

	col := int(math.Floor((lon - gb.West) / dx))
	row := int(math.Floor((gb.North - lat) / dy))
	if global && col == m.Width {
		col = 0
	}
	if col < 0 || col >= m.Width || row < 0 || row >= m.Height {
		return 0, false, nil
	}

	cx := col / m.ChunkSize
	cy := row / m.ChunkSize
	data, err := r.chunk(ctx, cx, cy)
	if err != nil {
		return 0, false, err
	}
	cw, _ := chunkDims(m, cx, cy)
	v := data[(row-cy*m.ChunkSize)*cw+(col-cx*m.ChunkSize)]
	return v, true, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
