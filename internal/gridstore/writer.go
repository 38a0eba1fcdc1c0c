package gridstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jcom-dev/gridweather/internal/apperr"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
)

// WriteOptions control chunking and encoding.
type WriteOptions struct {
	ChunkSize   int
	Compression Compression
	Sharded     bool
	Shuffle     bool
}

// WriteResult reports what a write produced.
type WriteResult struct {
	Meta         Metadata
	BytesWritten int64
	ChunkCount   int
}

// DefaultChunkSize is the chunk edge used when the caller passes zero.
const DefaultChunkSize = 256

// Write persists a row-major float32 grid as a chunked Zarr V3 object
// rooted at path. Chunk objects are written first and zarr.json last,
// so a re-ingest of the same dataset replaces the object atomically
// from a reader's perspective: readers resolve chunks through the
// metadata they opened with.
func Write(ctx context.Context, store ObjectStore, path string, data []float32, width, height int, attrs Attributes, opts WriteOptions) (*WriteResult, error) {
	const op = "gridstore.write"
	if len(data) != width*height {
		return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("have %d values for %dx%d grid", len(data), width, height))
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	meta := Metadata{
		Width:       width,
		Height:      height,
		ChunkSize:   opts.ChunkSize,
		Compression: opts.Compression,
		Shuffle:     opts.Shuffle,
		Sharded:     opts.Sharded,
		FillValue:   math.NaN(),
		Attrs:       attrs,
	}

	var total int64
	chunksX, chunksY := meta.ChunksX(), meta.ChunksY()

	encodeChunk := func(cx, cy int) ([]byte, error) {
		cw, ch := chunkDims(meta, cx, cy)
		raw := make([]byte, cw*ch*4)
		for row := 0; row < ch; row++ {
			srcRow := cy*meta.ChunkSize + row
			srcOff := srcRow*width + cx*meta.ChunkSize
			for col := 0; col < cw; col++ {
				binary.LittleEndian.PutUint32(raw[(row*cw+col)*4:], math.Float32bits(data[srcOff+col]))
			}
		}
		if opts.Shuffle {
			raw = shuffleBytes(raw, 4)
		}
		return compressChunk(opts.Compression, raw)
	}

	if opts.Sharded {
		// One outer shard: encoded chunks concatenated row-major, then an
		// index of (offset, length) little-endian u64 pairs.
		var body []byte
		index := make([]byte, 0, chunksX*chunksY*16)
		var idx [16]byte
		for cy := 0; cy < chunksY; cy++ {
			for cx := 0; cx < chunksX; cx++ {
				enc, err := encodeChunk(cx, cy)
				if err != nil {
					return nil, err
				}
				binary.LittleEndian.PutUint64(idx[0:], uint64(len(body)))
				binary.LittleEndian.PutUint64(idx[8:], uint64(len(enc)))
				index = append(index, idx[:]...)
				body = append(body, enc...)
			}
		}
		shard := append(body, index...)
		if err := store.Put(ctx, path+"/shard", shard); err != nil {
			return nil, err
		}
		total += int64(len(shard))
	} else {
		for cy := 0; cy < chunksY; cy++ {
			for cx := 0; cx < chunksX; cx++ {
				enc, err := encodeChunk(cx, cy)
				if err != nil {
					return nil, err
				}
				if err := store.Put(ctx, chunkKey(path, cx, cy), enc); err != nil {
					return nil, err
				}
				total += int64(len(enc))
			}
		}
	}

	doc, err := meta.MarshalZarr()
	if err != nil {
		return nil, apperr.New(apperr.KindParse, op, err)
	}
	if err := store.Put(ctx, path+"/zarr.json", doc); err != nil {
		return nil, err
	}
	total += int64(len(doc))

	return &WriteResult{Meta: meta, BytesWritten: total, ChunkCount: chunksX * chunksY}, nil
}

// Delete removes every object under a dataset path. Used by retention
// sweeps.
func Delete(ctx context.Context, store ObjectStore, path string) error {
	keys, err := store.List(ctx, path+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func chunkKey(path string, cx, cy int) string {
	return fmt.Sprintf("%s/c/%d/%d", path, cy, cx)
}

// chunkDims returns the actual chunk width/height: edge chunks shrink
// to the grid boundary instead of padding.
func chunkDims(m Metadata, cx, cy int) (cw, ch int) {
	cw = m.ChunkSize
	if (cx+1)*m.ChunkSize > m.Width {
		cw = m.Width - cx*m.ChunkSize
	}
	ch = m.ChunkSize
	if (cy+1)*m.ChunkSize > m.Height {
		ch = m.Height - cy*m.ChunkSize
	}
	return cw, ch
}

// WriteAttrsFor builds Attributes from a catalog entry, the inverse of
// what the ingester records after a write.
func WriteAttrsFor(e gridmodel.DatasetEntry) Attributes {
	return Attributes{
		Model:         e.Model,
		Parameter:     e.Parameter,
		Level:         e.Level,
		Units:         e.Units,
		ReferenceTime: e.ReferenceTime,
		ForecastHour:  e.ForecastHour,
		BBox:          e.BBox,
	}
}
