package gridmodel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileBBoxZoomZero(t *testing.T) {
	b := Tile{Z: 0, X: 0, Y: 0}.BBox()
	assert.InDelta(t, -180.0, b.West, 1e-9)
	assert.InDelta(t, 180.0, b.East, 1e-9)
	assert.InDelta(t, WebMercatorMaxLat, b.North, 1e-6)
	assert.InDelta(t, -WebMercatorMaxLat, b.South, 1e-6)
}

func TestTileAtRoundTrip(t *testing.T) {
	cases := []struct {
		lon, lat float64
		z        int
	}{
		{-97.5, 35.2, 8},
		{0, 0, 4},
		{-179.9, 80.0, 6},
		{179.9, -80.0, 6},
	}
	for _, tc := range cases {
		tile := TileAt(tc.lon, tc.lat, tc.z)
		require.True(t, tile.Valid(), "tile %v", tile)
		b := tile.BBox()
		assert.True(t, b.Contains(tc.lon, tc.lat),
			"tile %v bbox %+v should contain (%f, %f)", tile, b, tc.lon, tc.lat)
	}
}

func TestMercatorYRoundTrip(t *testing.T) {
	for _, lat := range []float64{-80, -35.5, 0, 35.2, 60, 84} {
		y := LatToMercatorY(lat)
		assert.InDelta(t, lat, MercatorYToLat(y), 1e-9)
	}
}

func TestTilesCoveringSpansAntimeridianSide(t *testing.T) {
	tiles := TilesCovering(BBox{West: -100, South: 30, East: -90, North: 40}, 4)
	require.NotEmpty(t, tiles)
	for _, tile := range tiles {
		assert.True(t, tile.BBox().Intersects(BBox{West: -100, South: 30, East: -90, North: 40}))
	}
}

func TestCacheKeyCanonical(t *testing.T) {
	k1 := TileCacheKey("gfs_TMP", "Gradient", "EPSG:3857", Tile{Z: 3, X: 4, Y: 2}, "2024-12-29T12:00:00Z")
	k2 := TileCacheKey("GFS_tmp", "gradient", "WebMercatorQuad", Tile{Z: 3, X: 4, Y: 2}, "2024-12-29T12:00:00Z")
	assert.Equal(t, k1, k2, "semantically identical requests must share a key")

	k3 := MapCacheKey("gfs_TMP", "gradient", "EPSG:4326", BBox{West: -100, South: 35, East: -98, North: 37}, 512, 256, "")
	k4 := MapCacheKey("gfs_TMP", "gradient", "crs:84", BBox{West: -100.000000, South: 35, East: -98, North: 37}, 512, 256, "")
	assert.Equal(t, k3, k4)
	assert.NotEqual(t, k1, k3)
}

func TestBBoxIntersect(t *testing.T) {
	a := BBox{West: -100, South: 30, East: -90, North: 40}
	b := BBox{West: -95, South: 35, East: -85, North: 45}
	got := a.Intersect(b)
	assert.Equal(t, BBox{West: -95, South: 35, East: -90, North: 40}, got)

	empty := a.Intersect(BBox{West: 0, South: 0, East: 10, North: 10})
	assert.Zero(t, empty.Width())
}

func TestPathHashStable(t *testing.T) {
	h1 := PathHash("gfs/2024122912/TMP/surface/f000.zarr")
	h2 := PathHash("gfs/2024122912/TMP/surface/f000.zarr")
	assert.Equal(t, h1, h2)
	assert.NotZero(t, h1)
	assert.NotEqual(t, h1, PathHash("gfs/2024122912/TMP/surface/f001.zarr"))
}

func TestValidTime(t *testing.T) {
	e := DatasetEntry{ForecastHour: 6}
	e.ReferenceTime = e.ReferenceTime.UTC()
	assert.Equal(t, 6.0, e.ValidTime().Sub(e.ReferenceTime).Hours())
	assert.False(t, math.IsNaN(e.FillValue))
}
