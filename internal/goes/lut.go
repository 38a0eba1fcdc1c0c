package goes

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"

	"github.com/jcom-dev/gridweather/internal/apperr"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
)

// Tile LUT: for each 256x256 Web Mercator tile at low zooms, the
// fractional satellite-grid position of every output pixel, precomputed
// so rendering is pure bilinear interpolation with no trigonometry.
//
// The on-disk GLUT format is little-endian throughout. GRIB2 is
// big-endian; the two formats are intentionally distinct and must stay
// that way.

const (
	lutTileSize      = gridmodel.TileSize
	lutPixelsPerTile = lutTileSize * lutTileSize
	lutBitmapWords   = (lutPixelsPerTile + 63) / 64
	lutPayloadBytes  = lutPixelsPerTile*8 + lutBitmapWords*8

	glutMagic   = "GLUT"
	glutVersion = 1
)

// TileLUT maps each output pixel of one tile to a fractional (i, j)
// position in the satellite grid, with a packed validity bitmap.
type TileLUT struct {
	// Indices holds (i, j) pairs flattened as [i0, j0, i1, j1, ...].
	Indices []float32
	// ValidBitmap has bit n set when pixel n carries valid indices.
	ValidBitmap []uint64
}

// NewTileLUT returns an all-invalid LUT with NaN indices.
func NewTileLUT() *TileLUT {
	idx := make([]float32, lutPixelsPerTile*2)
	nan := float32(math.NaN())
	for i := range idx {
		idx[i] = nan
	}
	return &TileLUT{
		Indices:     idx,
		ValidBitmap: make([]uint64, lutBitmapWords),
	}
}

// Set marks pixel n valid with grid position (i, j).
func (l *TileLUT) Set(n int, i, j float32) {
	l.Indices[n*2] = i
	l.Indices[n*2+1] = j
	l.ValidBitmap[n/64] |= 1 << uint(n%64)
}

// IsValid reports whether pixel n has valid indices.
func (l *TileLUT) IsValid(n int) bool {
	return l.ValidBitmap[n/64]&(1<<uint(n%64)) != 0
}

// Get returns pixel n's grid position, ok=false when invalid.
func (l *TileLUT) Get(n int) (i, j float32, ok bool) {
	if !l.IsValid(n) {
		return 0, 0, false
	}
	return l.Indices[n*2], l.Indices[n*2+1], true
}

// ValidCount returns the number of valid pixels.
func (l *TileLUT) ValidCount() int {
	count := 0
	for _, w := range l.ValidBitmap {
		count += bits.OnesCount64(w)
	}
	return count
}

func (l *TileLUT) appendBytes(dst []byte) []byte {
	var buf [8]byte
	for _, v := range l.Indices {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
		dst = append(dst, buf[:4]...)
	}
	for _, w := range l.ValidBitmap {
		binary.LittleEndian.PutUint64(buf[:], w)
		dst = append(dst, buf[:]...)
	}
	return dst
}

func tileLUTFromBytes(b []byte) (*TileLUT, error) {
	if len(b) != lutPayloadBytes {
		return nil, apperr.New(apperr.KindParse, "goes.lut", fmt.Errorf("LUT payload is %d bytes, want %d", len(b), lutPayloadBytes))
	}
	l := &TileLUT{
		Indices:     make([]float32, lutPixelsPerTile*2),
		ValidBitmap: make([]uint64, lutBitmapWords),
	}
	for i := range l.Indices {
		l.Indices[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	off := lutPixelsPerTile * 8
	for i := range l.ValidBitmap {
		l.ValidBitmap[i] = binary.LittleEndian.Uint64(b[off+i*8:])
	}
	return l, nil
}

// LUTCache holds the LUTs for every covered tile at zooms 0..MaxZoom
// for one satellite.
type LUTCache struct {
	Satellite string
	MaxZoom   int
	Tiles     map[gridmodel.Tile]*TileLUT
}

// Lookup returns the LUT for a tile, ok=false when the tile has no
// satellite coverage or its zoom exceeds the cache's ceiling.
func (c *LUTCache) Lookup(t gridmodel.Tile) (*TileLUT, bool) {
	if t.Z > c.MaxZoom {
		return nil, false
	}
	l, ok := c.Tiles[t]
	return l, ok
}

// BuildLUTCache computes LUTs for all Web Mercator tiles intersecting
// the satellite's visible disk, zoom 0 through maxZoom. Pixel centers
// are spaced linearly in Mercator Y for latitude and linearly in
// degrees for longitude. A pixel is valid only when its satellite grid
// position leaves a one-cell margin inside the source array so bilinear
// sampling never reads out of bounds. Tiles with zero valid pixels are
// omitted.
func BuildLUTCache(satellite string, cmi *CMI, maxZoom int) *LUTCache {
	cache := &LUTCache{
		Satellite: satellite,
		MaxZoom:   maxZoom,
		Tiles:     map[gridmodel.Tile]*TileLUT{},
	}
	w, s, e, n := cmi.Proj.GeographicBounds()
	bounds := gridmodel.BBox{West: w, South: s, East: e, North: n}

	for z := 0; z <= maxZoom; z++ {
		for _, tile := range gridmodel.TilesCovering(bounds, z) {
			if lut := buildTileLUT(cmi, tile); lut != nil {
				cache.Tiles[tile] = lut
			}
		}
	}
	return cache
}

func buildTileLUT(cmi *CMI, tile gridmodel.Tile) *TileLUT {
	bbox := tile.BBox()
	yTop, yBottom := tile.MercatorYRange()
	lut := NewTileLUT()
	valid := 0

	for py := 0; py < lutTileSize; py++ {
		my := yTop + (float64(py)+0.5)/lutTileSize*(yBottom-yTop)
		lat := gridmodel.MercatorYToLat(my)
		for px := 0; px < lutTileSize; px++ {
			lon := bbox.West + (float64(px)+0.5)/lutTileSize*bbox.Width()
			xRad, yRad, ok := cmi.Proj.FromGeographic(lon, lat)
			if !ok {
				continue
			}
			i, j := cmi.GridIndex(xRad, yRad)
			if i < 0 || i >= float64(cmi.Width-1) || j < 0 || j >= float64(cmi.Height-1) {
				continue
			}
			lut.Set(py*lutTileSize+px, float32(i), float32(j))
			valid++
		}
	}
	if valid == 0 {
		return nil
	}
	return lut
}

// WriteTo serializes the cache in the GLUT format: magic, u32 version,
// length-prefixed satellite name, u32 max zoom, u32 tile count, then
// per tile u32 z/x/y and the fixed-size LUT payload.
func (c *LUTCache) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(b []byte) error {
		n, err := w.Write(b)
		total += int64(n)
		return err
	}
	var buf [4]byte
	if err := write([]byte(glutMagic)); err != nil {
		return total, err
	}
	binary.LittleEndian.PutUint32(buf[:], glutVersion)
	if err := write(buf[:]); err != nil {
		return total, err
	}
	sat := []byte(c.Satellite)
	binary.LittleEndian.PutUint32(buf[:], uint32(len(sat)))
	if err := write(buf[:]); err != nil {
		return total, err
	}
	if err := write(sat); err != nil {
		return total, err
	}
	binary.LittleEndian.PutUint32(buf[:], uint32(c.MaxZoom))
	if err := write(buf[:]); err != nil {
		return total, err
	}
	binary.LittleEndian.PutUint32(buf[:], uint32(len(c.Tiles)))
	if err := write(buf[:]); err != nil {
		return total, err
	}

	payload := make([]byte, 0, lutPayloadBytes)
	for tile, lut := range c.Tiles {
		binary.LittleEndian.PutUint32(buf[:], uint32(tile.Z))
		if err := write(buf[:]); err != nil {
			return total, err
		}
		binary.LittleEndian.PutUint32(buf[:], uint32(tile.X))
		if err := write(buf[:]); err != nil {
			return total, err
		}
		binary.LittleEndian.PutUint32(buf[:], uint32(tile.Y))
		if err := write(buf[:]); err != nil {
			return total, err
		}
		payload = lut.appendBytes(payload[:0])
		if err := write(payload); err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadLUTCache deserializes a GLUT file.
func ReadLUTCache(r io.Reader) (*LUTCache, error) {
	const op = "goes.readLUTCache"
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, apperr.New(apperr.KindParse, op, err)
	}
	if string(buf[:]) != glutMagic {
		return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("bad magic %q", buf[:]))
	}
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, apperr.New(apperr.KindParse, op, err)
	}
	if v := binary.LittleEndian.Uint32(buf[:]); v != glutVersion {
		return nil, apperr.New(apperr.KindUnsupported, op, fmt.Errorf("GLUT version %d", v))
	}
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, apperr.New(apperr.KindParse, op, err)
	}
	nameLen := binary.LittleEndian.Uint32(buf[:])
	if nameLen > 256 {
		return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("implausible satellite name length %d", nameLen))
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, apperr.New(apperr.KindParse, op, err)
	}
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, apperr.New(apperr.KindParse, op, err)
	}
	maxZoom := int(binary.LittleEndian.Uint32(buf[:]))
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, apperr.New(apperr.KindParse, op, err)
	}
	tileCount := int(binary.LittleEndian.Uint32(buf[:]))

	cache := &LUTCache{
		Satellite: string(name),
		MaxZoom:   maxZoom,
		Tiles:     make(map[gridmodel.Tile]*TileLUT, tileCount),
	}
	payload := make([]byte, lutPayloadBytes)
	for i := 0; i < tileCount; i++ {
		var hdr [12]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("tile %d header: %w", i, err))
		}
		tile := gridmodel.Tile{
			Z: int(binary.LittleEndian.Uint32(hdr[0:])),
			X: int(binary.LittleEndian.Uint32(hdr[4:])),
			Y: int(binary.LittleEndian.Uint32(hdr[8:])),
		}
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("tile %d payload: %w", i, err))
		}
		lut, err := tileLUTFromBytes(payload)
		if err != nil {
			return nil, err
		}
		cache.Tiles[tile] = lut
	}
	return cache, nil
}
