package goes

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcom-dev/gridweather/internal/gridmodel"
)

func TestProjectionRoundTripConus(t *testing.T) {
	proj := Goes16()
	points := [][2]float64{
		{-97.5, 35.2},  // Oklahoma
		{-75.2, 0.0},   // nadir
		{-120.0, 40.0}, // California
		{-70.0, 45.0},  // Maine
		{-90.0, 29.9},  // New Orleans
	}
	for _, pt := range points {
		x, y, ok := proj.FromGeographic(pt[0], pt[1])
		require.True(t, ok, "point %v should be visible", pt)
		lon, lat, ok := proj.ToGeographic(x, y)
		require.True(t, ok)
		assert.InDelta(t, pt[0], lon, 0.15, "lon round trip for %v", pt)
		assert.InDelta(t, pt[1], lat, 0.15, "lat round trip for %v", pt)
	}
}

func TestProjectionOffEarth(t *testing.T) {
	proj := Goes16()
	_, _, ok := proj.ToGeographic(0.5, 0.5)
	assert.False(t, ok, "scan angle (0.5, 0.5) rad points past the limb")

	// The far side of Earth is not visible.
	_, _, ok = proj.FromGeographic(105.0, 0.0)
	assert.False(t, ok)
}

func testCMI(w, h int) *CMI {
	// A synthetic full-disk-ish field centered on the GOES-16 nadir.
	c := &CMI{
		Data:   make([]float32, w*h),
		Width:  w,
		Height: h,
		Proj:   Goes16(),
		// Scan angles span roughly the full disk (±0.15 rad).
		XOffset: -0.15,
		YOffset: 0.15,
		XScale:  0.3 / float64(w),
		YScale:  -0.3 / float64(h),
	}
	for i := range c.Data {
		c.Data[i] = float32(i % 100)
	}
	return c
}

func TestBuildLUTValidPixelsInBounds(t *testing.T) {
	cmi := testCMI(500, 500)
	cache := BuildLUTCache("GOES-16", cmi, 2)

	require.NotEmpty(t, cache.Tiles)
	for tile, lut := range cache.Tiles {
		require.Positive(t, lut.ValidCount(), "tile %v should have been omitted if empty", tile)
		for n := 0; n < lutPixelsPerTile; n++ {
			i, j, ok := lut.Get(n)
			if !ok {
				continue
			}
			assert.GreaterOrEqual(t, float64(i), 0.0)
			assert.Less(t, float64(i), float64(cmi.Width-1), "margin one cell for bilinear sampling")
			assert.GreaterOrEqual(t, float64(j), 0.0)
			assert.Less(t, float64(j), float64(cmi.Height-1))
		}
	}
}

func TestLUTCacheSerializationRoundTrip(t *testing.T) {
	cmi := testCMI(300, 300)
	cache := BuildLUTCache("GOES-18", cmi, 1)
	require.NotEmpty(t, cache.Tiles)

	var buf bytes.Buffer
	_, err := cache.WriteTo(&buf)
	require.NoError(t, err)

	restored, err := ReadLUTCache(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "GOES-18", restored.Satellite)
	assert.Equal(t, 1, restored.MaxZoom)
	require.Len(t, restored.Tiles, len(cache.Tiles))

	for tile, lut := range cache.Tiles {
		got, ok := restored.Tiles[tile]
		require.True(t, ok, "tile %v lost in round trip", tile)
		assert.Equal(t, lut.ValidBitmap, got.ValidBitmap)
		assert.Equal(t, lut.ValidCount(), got.ValidCount())
		for n := 0; n < lutPixelsPerTile; n++ {
			if lut.IsValid(n) {
				assert.Equal(t, lut.Indices[n*2], got.Indices[n*2])
				assert.Equal(t, lut.Indices[n*2+1], got.Indices[n*2+1])
			}
		}
	}
}

func TestReadLUTCacheRejectsBadMagic(t *testing.T) {
	_, err := ReadLUTCache(bytes.NewReader([]byte("NOPE\x00\x00\x00\x00")))
	require.Error(t, err)
}

func TestLookupAboveMaxZoom(t *testing.T) {
	cache := &LUTCache{MaxZoom: 2, Tiles: map[gridmodel.Tile]*TileLUT{}}
	_, ok := cache.Lookup(gridmodel.Tile{Z: 5, X: 0, Y: 0})
	assert.False(t, ok)
}

// --- synthetic HDF5 builder ---------------------------------------------

// h5builder assembles a minimal HDF5 file: superblock v0, one root group
// with a symbol table, version 1 object headers, contiguous or chunked
// storage. Enough structure to exercise the reader the way libnetcdf
// output does.
type h5builder struct {
	buf []byte
}

func (b *h5builder) reserve(n int) (off int) {
	off = len(b.buf)
	b.buf = append(b.buf, make([]byte, n)...)
	return off
}

func (b *h5builder) putU64(off int, v uint64) { binary.LittleEndian.PutUint64(b.buf[off:], v) }
func (b *h5builder) putU32(off int, v uint32) { binary.LittleEndian.PutUint32(b.buf[off:], v) }
func (b *h5builder) putU16(off int, v uint16) { binary.LittleEndian.PutUint16(b.buf[off:], v) }

func pad8(n int) int {
	if n%8 == 0 {
		return n
	}
	return n + 8 - n%8
}

type h5attr struct {
	name  string
	dtype byte // 0 fixed-point (8 bytes), 1 float (8 bytes)
	value float64
}

func encodeDatatype(class byte, size uint32, signed bool) []byte {
	dt := make([]byte, 8)
	dt[0] = 0x10 | class // version 1
	if signed {
		dt[1] = 0x08
	}
	binary.LittleEndian.PutUint32(dt[4:], size)
	return dt
}

func encodeDataspaceV1(dims []uint64) []byte {
	ds := make([]byte, 8+len(dims)*8)
	ds[0] = 1
	ds[1] = byte(len(dims))
	for i, d := range dims {
		binary.LittleEndian.PutUint64(ds[8+i*8:], d)
	}
	return ds
}

func encodeAttribute(a h5attr) []byte {
	nameBytes := append([]byte(a.name), 0)
	dt := encodeDatatype(a.dtype, 8, true)
	ds := encodeDataspaceV1(nil) // scalar

	body := make([]byte, 8)
	body[0] = 1 // version
	binary.LittleEndian.PutUint16(body[2:], uint16(len(nameBytes)))
	binary.LittleEndian.PutUint16(body[4:], uint16(len(dt)))
	binary.LittleEndian.PutUint16(body[6:], uint16(len(ds)))
	body = append(body, nameBytes...)
	body = append(body, make([]byte, pad8(len(nameBytes))-len(nameBytes))...)
	body = append(body, dt...)
	body = append(body, ds...)

	var data [8]byte
	if a.dtype == 1 {
		binary.LittleEndian.PutUint64(data[:], math.Float64bits(a.value))
	} else {
		binary.LittleEndian.PutUint64(data[:], uint64(int64(a.value)))
	}
	return append(body, data[:]...)
}

type h5message struct {
	typ  uint16
	body []byte
}

// writeObjectHeader emits a v1 object header with the given messages.
func (b *h5builder) writeObjectHeader(msgs []h5message) (addr uint64) {
	size := 0
	for _, m := range msgs {
		size += 8 + pad8(len(m.body))
	}
	addr = uint64(len(b.buf))
	hdr := b.reserve(16 + size)
	b.buf[hdr] = 1 // version
	b.putU16(hdr+2, uint16(len(msgs)))
	b.putU32(hdr+4, 1) // ref count
	b.putU32(hdr+8, uint32(size))
	pos := hdr + 16
	for _, m := range msgs {
		b.putU16(pos, m.typ)
		b.putU16(pos+2, uint16(pad8(len(m.body))))
		copy(b.buf[pos+8:], m.body)
		pos += 8 + pad8(len(m.body))
	}
	return addr
}

type h5dataset struct {
	name       string
	dims       []uint64
	dtypeClass byte
	dtypeSize  uint32
	raw        []byte
	attrs      []h5attr
}

func buildH5(datasets []h5dataset) []byte {
	b := &h5builder{}
	sb := b.reserve(96)
	copy(b.buf[sb:], hdf5Signature)
	b.buf[sb+13] = 8 // offset size
	b.buf[sb+14] = 8 // length size
	b.putU16(sb+16, 4)
	b.putU16(sb+18, 16)
	b.putU64(sb+32, undefinedAddr) // free space
	b.putU64(sb+48, undefinedAddr) // driver info

	// Local heap with all link names.
	heapOffsets := make(map[string]uint64)
	var heapData []byte
	heapData = append(heapData, 0) // offset 0 stays empty
	for _, d := range datasets {
		heapOffsets[d.name] = uint64(len(heapData))
		heapData = append(heapData, []byte(d.name)...)
		heapData = append(heapData, 0)
	}
	heapDataAddr := uint64(b.reserve(len(heapData)))
	copy(b.buf[heapDataAddr:], heapData)

	heapAddr := uint64(b.reserve(32))
	copy(b.buf[heapAddr:], "HEAP")
	b.putU64(int(heapAddr)+8, uint64(len(heapData)))
	b.putU64(int(heapAddr)+16, undefinedAddr)
	b.putU64(int(heapAddr)+24, heapDataAddr)

	// Dataset object headers and raw data.
	objAddrs := make([]uint64, len(datasets))
	for i, d := range datasets {
		dataAddr := uint64(b.reserve(len(d.raw)))
		copy(b.buf[dataAddr:], d.raw)

		layout := make([]byte, 18)
		layout[0] = 3 // version
		layout[1] = 1 // contiguous
		binary.LittleEndian.PutUint64(layout[2:], dataAddr)
		binary.LittleEndian.PutUint64(layout[10:], uint64(len(d.raw)))

		msgs := []h5message{
			{0x0001, encodeDataspaceV1(d.dims)},
			{0x0003, encodeDatatype(d.dtypeClass, d.dtypeSize, true)},
			{0x0008, layout},
		}
		for _, a := range d.attrs {
			msgs = append(msgs, h5message{0x000C, encodeAttribute(a)})
		}
		objAddrs[i] = b.writeObjectHeader(msgs)
	}

	// Symbol table node for all children.
	snodAddr := uint64(b.reserve(8 + len(datasets)*40))
	copy(b.buf[snodAddr:], "SNOD")
	b.buf[snodAddr+4] = 1
	b.putU16(int(snodAddr)+6, uint16(len(datasets)))
	pos := int(snodAddr) + 8
	for i, d := range datasets {
		b.putU64(pos, heapOffsets[d.name])
		b.putU64(pos+8, objAddrs[i])
		pos += 40
	}

	// Group B-tree with one leaf.
	btreeAddr := uint64(b.reserve(8 + 16 + 8 + 8 + 8))
	copy(b.buf[btreeAddr:], "TREE")
	b.buf[btreeAddr+4] = 0 // node type group
	b.buf[btreeAddr+5] = 0 // level
	b.putU16(int(btreeAddr)+6, 1)
	b.putU64(int(btreeAddr)+8, undefinedAddr)
	b.putU64(int(btreeAddr)+16, undefinedAddr)
	// key0 at +24, child at +32, key1 at +40
	b.putU64(int(btreeAddr)+32, snodAddr)

	// Root group object header: a symbol table message.
	st := make([]byte, 16)
	binary.LittleEndian.PutUint64(st, btreeAddr)
	binary.LittleEndian.PutUint64(st[8:], heapAddr)
	rootAddr := b.writeObjectHeader([]h5message{{0x0011, st}})

	// Superblock root entry: object header address at byte 64.
	b.putU64(64, rootAddr)
	b.putU64(40, uint64(len(b.buf))) // EOF
	return b.buf
}

func int16LE(vals []int16) []byte {
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func buildTestGOESFile() []byte {
	// 2x3 CMI grid: counts scale to kelvins; -1 is the fill.
	counts := []int16{100, 200, 300, -1, 500, 600}
	return buildH5([]h5dataset{
		{
			name: "CMI", dims: []uint64{2, 3}, dtypeClass: 0, dtypeSize: 2,
			raw: int16LE(counts),
			attrs: []h5attr{
				{"scale_factor", 1, 0.01},
				{"add_offset", 1, 200.0},
				{"_FillValue", 1, -1},
			},
		},
		{
			name: "x", dims: []uint64{3}, dtypeClass: 0, dtypeSize: 2,
			raw: int16LE([]int16{0, 1, 2}),
			attrs: []h5attr{
				{"scale_factor", 1, 5.6e-05},
				{"add_offset", 1, -0.101332},
			},
		},
		{
			name: "y", dims: []uint64{2}, dtypeClass: 0, dtypeSize: 2,
			raw: int16LE([]int16{0, 1}),
			attrs: []h5attr{
				{"scale_factor", 1, -5.6e-05},
				{"add_offset", 1, 0.128212},
			},
		},
		{
			name: "goes_imager_projection", dims: nil, dtypeClass: 0, dtypeSize: 4,
			raw: []byte{0, 0, 0, 0},
			attrs: []h5attr{
				{"perspective_point_height", 1, 35786023.0},
				{"semi_major_axis", 1, 6378137.0},
				{"semi_minor_axis", 1, 6356752.31414},
				{"longitude_of_projection_origin", 1, -75.2},
			},
		},
	})
}

func TestDecodeCMI(t *testing.T) {
	cmi, err := DecodeCMI(buildTestGOESFile())
	require.NoError(t, err)

	assert.Equal(t, 3, cmi.Width)
	assert.Equal(t, 2, cmi.Height)
	require.Len(t, cmi.Data, 6)

	assert.InDelta(t, 201.0, float64(cmi.Data[0]), 1e-4) // 100*0.01+200
	assert.InDelta(t, 202.0, float64(cmi.Data[1]), 1e-4)
	assert.True(t, math.IsNaN(float64(cmi.Data[3])), "fill count must mask to NaN")

	assert.InDelta(t, -75.2, cmi.Proj.LongitudeOrigin, 1e-9)
	assert.InDelta(t, -0.101332, cmi.XOffset, 1e-9)
	assert.InDelta(t, 5.6e-05, cmi.XScale, 1e-12)
}

func TestDecodeCMIMissingVariable(t *testing.T) {
	file := buildH5([]h5dataset{
		{name: "x", dims: []uint64{1}, dtypeClass: 0, dtypeSize: 2, raw: int16LE([]int16{0})},
	})
	_, err := DecodeCMI(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CMI")
}

func TestDecodeCMIScaleMissing(t *testing.T) {
	file := buildH5([]h5dataset{
		{name: "CMI", dims: []uint64{1, 1}, dtypeClass: 0, dtypeSize: 2, raw: int16LE([]int16{7})},
	})
	_, err := DecodeCMI(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scale_factor")
}

func TestUnshuffleRoundTrip(t *testing.T) {
	// Shuffle groups byte lanes; unshuffle restores element order.
	orig := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	shuffled := make([]byte, len(orig))
	elem := 2
	n := len(orig) / elem
	for i := 0; i < n; i++ {
		for j := 0; j < elem; j++ {
			shuffled[j*n+i] = orig[i*elem+j]
		}
	}
	assert.Equal(t, orig, unshuffle(shuffled, elem))
}

func TestChunkedDeflateDataset(t *testing.T) {
	// A 1-D chunked int16 dataset with two deflate-compressed chunks.
	b := &h5builder{}
	sb := b.reserve(96)
	copy(b.buf[sb:], hdf5Signature)
	b.buf[sb+13] = 8
	b.buf[sb+14] = 8
	b.putU64(sb+32, undefinedAddr)
	b.putU64(sb+48, undefinedAddr)

	compress := func(vals []int16) []byte {
		var zbuf bytes.Buffer
		zw := zlib.NewWriter(&zbuf)
		_, _ = zw.Write(int16LE(vals))
		zw.Close()
		return zbuf.Bytes()
	}
	chunk0 := compress([]int16{10, 20})
	chunk1 := compress([]int16{30, 40})
	c0Addr := uint64(b.reserve(len(chunk0)))
	copy(b.buf[c0Addr:], chunk0)
	c1Addr := uint64(b.reserve(len(chunk1)))
	copy(b.buf[c1Addr:], chunk1)

	// Chunk B-tree: node type 1, rank+1 = 2 dims per key.
	keySize := 8 + 8*2
	btAddr := uint64(b.reserve(24 + 2*(keySize+8) + keySize))
	copy(b.buf[btAddr:], "TREE")
	b.buf[btAddr+4] = 1
	b.putU16(int(btAddr)+6, 2)
	b.putU64(int(btAddr)+8, undefinedAddr)
	b.putU64(int(btAddr)+16, undefinedAddr)
	pos := int(btAddr) + 24
	b.putU32(pos, uint32(len(chunk0)))
	b.putU64(pos+8, 0) // offset 0
	pos += keySize
	b.putU64(pos, c0Addr)
	pos += 8
	b.putU32(pos, uint32(len(chunk1)))
	b.putU64(pos+8, 2) // offset 2
	pos += keySize
	b.putU64(pos, c1Addr)

	layout := make([]byte, 11+2*4)
	layout[0] = 3
	layout[1] = 2 // chunked
	layout[2] = 2 // dimensionality incl element size
	binary.LittleEndian.PutUint64(layout[3:], btAddr)
	binary.LittleEndian.PutUint32(layout[11:], 2) // chunk width
	binary.LittleEndian.PutUint32(layout[15:], 2) // element size

	pipeline := make([]byte, 8+8)
	pipeline[0] = 1                                 // version
	pipeline[1] = 1                                 // one filter
	binary.LittleEndian.PutUint16(pipeline[8:], 1)  // deflate
	binary.LittleEndian.PutUint16(pipeline[14:], 1) // one client value
	// client value would follow; with v1 padding rules an odd count pads 4
	pipeline = append(pipeline, make([]byte, 8)...)

	obj := &hdf5Object{
		name:    "v",
		dims:    []uint64{4},
		dtype:   hdf5Datatype{class: 0, size: 2, littleEndian: true, signed: true},
		layout:  hdf5Layout{class: 2, btreeAddr: btAddr, chunkDims: []uint64{2, 2}},
		filters: parseFilterPipeline(pipeline),
		file:    &hdf5File{data: b.buf, offsetSize: 8, lengthSize: 8},
		attrs:   map[string]any{},
	}
	vals, err := obj.readInt16()
	require.NoError(t, err)
	assert.Equal(t, []int16{10, 20, 30, 40}, vals)
}
