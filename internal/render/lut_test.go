package render

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcom-dev/gridweather/internal/goes"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
)

func TestResampleWithLUT(t *testing.T) {
	// A small synthetic satellite grid with a constant field.
	cmi := &goes.CMI{
		Data:    make([]float32, 200*200),
		Width:   200,
		Height:  200,
		Proj:    goes.Goes16(),
		XOffset: -0.15,
		YOffset: 0.15,
		XScale:  0.3 / 200,
		YScale:  -0.3 / 200,
	}
	for i := range cmi.Data {
		cmi.Data[i] = 250.0
	}

	cache := goes.BuildLUTCache("GOES-16", cmi, 2)
	require.NotEmpty(t, cache.Tiles)

	var tile gridmodel.Tile
	var lut *goes.TileLUT
	for k, v := range cache.Tiles {
		if v.ValidCount() > 1000 {
			tile, lut = k, v
			break
		}
	}
	require.NotNil(t, lut, "expected a tile with substantial coverage")

	raster := ResampleWithLUT(cmi, lut)
	assert.Equal(t, gridmodel.TileSize, raster.Width)

	valid, invalid := 0, 0
	for n := 0; n < gridmodel.TileSize*gridmodel.TileSize; n++ {
		v := raster.Data[n]
		if math.IsNaN(float64(v)) {
			invalid++
			assert.False(t, lut.IsValid(n), "pixel %d valid in LUT but NaN in output", n)
		} else {
			valid++
			assert.InDelta(t, 250.0, float64(v), 1e-3)
		}
	}
	assert.Equal(t, lut.ValidCount(), valid, "tile %v output must match the LUT's valid set", tile)
	assert.Equal(t, gridmodel.TileSize*gridmodel.TileSize, valid+invalid)
}
