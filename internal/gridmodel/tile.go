package gridmodel

import (
	"fmt"
	"math"
)

// TileSize is the pixel edge of a Web Mercator tile.
const TileSize = 256

// MaxZoom is the deepest tile matrix the WMTS surface advertises.
const MaxZoom = 18

// WebMercatorMaxLat is the latitude bound of EPSG:3857.
const WebMercatorMaxLat = 85.05112877980659

// Tile is a standard slippy-map tile coordinate: y grows southward.
type Tile struct {
	Z int
	X int
	Y int
}

func (t Tile) String() string { return fmt.Sprintf("%d_%d_%d", t.Z, t.X, t.Y) }

// Valid reports whether the coordinate is inside the tile pyramid.
func (t Tile) Valid() bool {
	if t.Z < 0 || t.Z > MaxZoom {
		return false
	}
	n := 1 << uint(t.Z)
	return t.X >= 0 && t.X < n && t.Y >= 0 && t.Y < n
}

// BBox returns the tile's geographic bounds in degrees.
func (t Tile) BBox() BBox {
	n := float64(uint(1) << uint(t.Z))
	west := float64(t.X)/n*360.0 - 180.0
	east := float64(t.X+1)/n*360.0 - 180.0
	north := tileYToLat(float64(t.Y), n)
	south := tileYToLat(float64(t.Y+1), n)
	return BBox{West: west, South: south, East: east, North: north}
}

// MercatorYRange returns the tile's extent in normalized Mercator Y,
// where 0 is the north edge of the projection and 1 the south edge.
// Pixel rows of a tile are linear in this coordinate, not in latitude.
func (t Tile) MercatorYRange() (top, bottom float64) {
	n := float64(uint(1) << uint(t.Z))
	return float64(t.Y) / n, float64(t.Y+1) / n
}

// TileAt returns the tile containing (lon, lat) at zoom z. Latitude is
// clamped to the Web Mercator bounds.
func TileAt(lon, lat float64, z int) Tile {
	n := float64(uint(1) << uint(z))
	lat = math.Max(-WebMercatorMaxLat, math.Min(WebMercatorMaxLat, lat))
	x := int((lon + 180.0) / 360.0 * n)
	latRad := lat * math.Pi / 180.0
	y := int((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)
	if x >= int(n) {
		x = int(n) - 1
	}
	if y >= int(n) {
		y = int(n) - 1
	}
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	return Tile{Z: z, X: x, Y: y}
}

// MercatorYToLat converts a normalized Mercator Y in [0,1] (0 = north
// edge) to latitude in degrees.
func MercatorYToLat(y float64) float64 {
	return math.Atan(math.Sinh(math.Pi*(1.0-2.0*y))) * 180.0 / math.Pi
}

// LatToMercatorY converts a latitude in degrees to normalized Mercator
// Y in [0,1].
func LatToMercatorY(lat float64) float64 {
	lat = math.Max(-WebMercatorMaxLat, math.Min(WebMercatorMaxLat, lat))
	latRad := lat * math.Pi / 180.0
	return (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0
}

func tileYToLat(y, n float64) float64 {
	return MercatorYToLat(y / n)
}

// TilesCovering enumerates the tiles at zoom z whose bounds intersect
// the given geographic box.
func TilesCovering(b BBox, z int) []Tile {
	n := 1 << uint(z)
	minT := TileAt(b.West, b.North, z)
	maxT := TileAt(b.East, b.South, z)
	var tiles []Tile
	for y := minT.Y; y <= maxT.Y && y < n; y++ {
		for x := minT.X; x <= maxT.X && x < n; x++ {
			t := Tile{Z: z, X: x, Y: y}
			if t.BBox().Intersects(b) {
				tiles = append(tiles, t)
			}
		}
	}
	return tiles
}
