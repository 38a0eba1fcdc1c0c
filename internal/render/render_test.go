package render

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcom-dev/gridweather/internal/catalog"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
	"github.com/jcom-dev/gridweather/internal/gridstore"
	"github.com/jcom-dev/gridweather/internal/metrics"
)

const testStyleJSON = `{
  "styles": {
    "gradient": {
      "name": "Temperature",
      "type": "gradient",
      "transform": "kelvin_to_celsius",
      "stops": [
        {"value": -40, "color": "#0000FF"},
        {"value": 0, "color": "#00FF00"},
        {"value": 40, "color": "#FF0000"}
      ],
      "out_of_range": "clamp",
      "legend": {"title": "Temperature", "units": "C"}
    },
    "reflectivity": {
      "type": "gradient",
      "stops": [
        {"value": 0, "color": "#00000000"},
        {"value": 75, "color": "#FF00FF"}
      ],
      "out_of_range": "transparent"
    },
    "isolines": {
      "type": "contour",
      "transform": "pa_to_hpa",
      "levels": [1000, 1008, 1016],
      "line_color": "#333333",
      "special_levels": {"1000": {"line_width": 2.5, "line_color": "#FF0000"}}
    },
    "wind_barbs": {
      "type": "wind_barbs",
      "spacing_degrees": 2.5
    }
  }
}`

func testStyles(t *testing.T) *StyleSet {
	t.Helper()
	set, err := ParseStyleSet([]byte(testStyleJSON))
	require.NoError(t, err)
	return set
}

func TestTransforms(t *testing.T) {
	assert.InDelta(t, 15.0, TransformKelvinToCelsius.Apply(288.15), 1e-9)
	assert.InDelta(t, 59.0, TransformKelvinToFahrenheit.Apply(288.15), 1e-9)
	assert.InDelta(t, 1013.25, TransformPaToHpa.Apply(101325), 1e-9)
	assert.InDelta(t, 19.4384, TransformMpsToKnots.Apply(10), 1e-3)
	assert.InDelta(t, 20.0, TransformLog10.Apply(100), 1e-9)
}

func TestGradientColor(t *testing.T) {
	set := testStyles(t)
	style, ok := set.Get("gradient")
	require.True(t, ok)

	// 273.15 K = 0 C = the middle stop exactly.
	c := style.GradientColor(273.15)
	assert.Equal(t, uint8(0), c.R)
	assert.Equal(t, uint8(255), c.G)

	// Halfway between 0 and 40 C.
	c = style.GradientColor(273.15 + 20)
	assert.InDelta(t, 128, int(c.R), 2)
	assert.InDelta(t, 128, int(c.G), 2)

	// Clamp above the last stop.
	c = style.GradientColor(400)
	assert.Equal(t, uint8(255), c.R)
	assert.Equal(t, uint8(0), c.G)

	// NaN and MRMS sentinels are transparent.
	assert.Equal(t, uint8(0), style.GradientColor(math.NaN()).A)
	assert.Equal(t, uint8(0), style.GradientColor(-99).A)
	assert.Equal(t, uint8(0), style.GradientColor(-999).A)
}

func TestGradientOutOfRangeTransparent(t *testing.T) {
	set := testStyles(t)
	style, _ := set.Get("reflectivity")
	assert.Equal(t, uint8(0), style.GradientColor(80).A)
	assert.NotEqual(t, uint8(0), style.GradientColor(40).A)
}

func TestParseStyleSetRejectsUnorderedStops(t *testing.T) {
	_, err := ParseStyleSet([]byte(`{"styles":{"bad":{"type":"gradient","stops":[{"value":10,"color":"#FFFFFF"},{"value":0,"color":"#000000"}]}}}`))
	require.Error(t, err)
}

func testRegion(w, h int, bbox gridmodel.BBox, fill func(x, y int) float32) *gridstore.GridRegion {
	data := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*w+x] = fill(x, y)
		}
	}
	return &gridstore.GridRegion{
		Data: data, Width: w, Height: h, BBox: bbox,
		ResX: bbox.Width() / float64(w), ResY: bbox.Height() / float64(h),
	}
}

func TestSampleBilinearInterpolates(t *testing.T) {
	region := testRegion(4, 4, gridmodel.BBox{West: 0, South: 0, East: 4, North: 4}, func(x, y int) float32 {
		return float32(x)
	})
	// At a cell center column value equals the column index.
	v := sampleBilinear(region, 1.5, 2.0, false)
	assert.InDelta(t, 1.0, float64(v), 1e-6)
	// Halfway between columns 1 and 2.
	v = sampleBilinear(region, 2.0, 2.0, false)
	assert.InDelta(t, 1.5, float64(v), 1e-6)
}

func TestSampleBilinearNaNCorner(t *testing.T) {
	region := testRegion(4, 4, gridmodel.BBox{West: 0, South: 0, East: 4, North: 4}, func(x, y int) float32 {
		if x == 2 && y == 2 {
			return float32(math.NaN())
		}
		return 1
	})
	v := sampleBilinear(region, 2.0, 1.5, false)
	assert.True(t, math.IsNaN(float64(v)), "any NaN corner poisons the sample")
}

func TestResampleToTileDimensions(t *testing.T) {
	region := testRegion(100, 100, gridmodel.BBox{West: -180, South: -85, East: 180, North: 85}, func(x, y int) float32 {
		return 5
	})
	raster := ResampleToTile(region, gridmodel.Tile{Z: 1, X: 0, Y: 0}, 256, 256, false)
	assert.Equal(t, 256, raster.Width)
	assert.Equal(t, 256, raster.Height)
	assert.InDelta(t, 5.0, float64(raster.At(128, 128)), 1e-6)
}

func TestExtractIsolinesSquare(t *testing.T) {
	// A single bump above the level in the middle of a flat field yields
	// a closed-ish ring of segments around it.
	r := &Raster{Width: 5, Height: 5, Data: make([]float32, 25)}
	for i := range r.Data {
		r.Data[i] = 0
	}
	r.Data[2*5+2] = 10

	segs := ExtractIsolines(r, 5)
	assert.NotEmpty(t, segs)
	for _, s := range segs {
		assert.True(t, s.X0 >= 1 && s.X0 <= 3 && s.Y0 >= 1 && s.Y0 <= 3, "segment %+v strayed from the bump", s)
	}
}

func TestExtractIsolinesSkipsNaN(t *testing.T) {
	r := &Raster{Width: 3, Height: 3, Data: []float32{
		0, 0, 0,
		0, float32(math.NaN()), 10,
		0, 10, 10,
	}}
	segs := ExtractIsolines(r, 5)
	for _, s := range segs {
		// No segment may touch the NaN cell's quad.
		assert.False(t, s.X0 < 1 && s.Y0 < 1)
	}
}

func TestGlyphForSpeed(t *testing.T) {
	assert.True(t, glyphForSpeed(1).calm)
	g := glyphForSpeed(5)
	assert.Equal(t, 0, g.pennants)
	assert.Equal(t, 0, g.fullFlags)
	assert.Equal(t, 1, g.halfFlags)

	g = glyphForSpeed(25)
	assert.Equal(t, 2, g.fullFlags)
	assert.Equal(t, 1, g.halfFlags)

	g = glyphForSpeed(65)
	assert.Equal(t, 1, g.pennants)
	assert.Equal(t, 1, g.fullFlags)
	assert.Equal(t, 1, g.halfFlags)

	// Rounding to the nearest 5-kt bucket.
	g = glyphForSpeed(52.4)
	assert.Equal(t, 1, g.pennants)
	assert.Equal(t, 0, g.fullFlags)
}

func TestUVToSpeedDirection(t *testing.T) {
	speed, angle := UVToSpeedDirection(0, 10)
	assert.InDelta(t, 10.0, speed, 1e-9)
	assert.InDelta(t, -math.Pi/2, angle, 1e-9)

	speed, angle = UVToSpeedDirection(10, 0)
	assert.InDelta(t, 10.0, speed, 1e-9)
	assert.InDelta(t, math.Pi, math.Abs(angle), 1e-9)
}

func TestBarbPositionsAlignAcrossTiles(t *testing.T) {
	left := gridmodel.Tile{Z: 5, X: 7, Y: 12}
	right := gridmodel.Tile{Z: 5, X: 8, Y: 12}
	posL := BarbPositions(left, 2.5)
	posR := BarbPositions(right, 2.5)
	for _, p := range posL {
		for _, q := range posR {
			assert.False(t, p[0] == q[0] && p[1] == q[1], "lattice point duplicated across tiles")
		}
	}
	// All positions are exact lattice multiples.
	for _, p := range append(posL, posR...) {
		assert.InDelta(t, 0.0, math.Mod(p[0], 2.5), 1e-9)
		assert.InDelta(t, 0.0, math.Mod(p[1], 2.5), 1e-9)
	}
}

var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func setupPipeline(t *testing.T) (*Pipeline, *gridmodel.DatasetEntry) {
	t.Helper()
	ctx := context.Background()
	store := gridstore.NewMemStore()
	cat := catalog.NewMemory()

	ref := time.Date(2024, 12, 29, 12, 0, 0, 0, time.UTC)
	bbox := gridmodel.BBox{West: -180, South: -85, East: 180, North: 85}
	w, h := 360, 170
	data := make([]float32, w*h)
	for i := range data {
		data[i] = 288.5
	}
	attrs := gridstore.Attributes{
		Model: "gfs", Parameter: "TMP", Level: "surface", Units: "K",
		ReferenceTime: ref, ForecastHour: 0, BBox: bbox,
	}
	_, err := gridstore.Write(ctx, store, "gfs/tmp/sfc", data, w, h, attrs, gridstore.WriteOptions{ChunkSize: 64, Compression: gridstore.CompressionZstd})
	require.NoError(t, err)

	entry := &gridmodel.DatasetEntry{
		Model: "gfs", Parameter: "TMP", Level: "surface",
		ReferenceTime: ref, ForecastHour: 0,
		StoragePath: "gfs/tmp/sfc", BBox: bbox,
		GridWidth: w, GridHeight: h, ChunkSize: 64, Units: "K",
	}
	require.NoError(t, cat.Upsert(ctx, *entry))

	return NewPipeline(cat, store, gridstore.NewChunkCache(1<<24), testStyles(t), metrics.New()), entry
}

func TestPipelineRendersPNG(t *testing.T) {
	p, _ := setupPipeline(t)
	data, err := p.Render(context.Background(), TileRequest{
		Tile:  gridmodel.Tile{Z: 3, X: 4, Y: 2},
		Layer: Layer{Model: "gfs", Parameter: "TMP", Level: "surface"},
		Style: "gradient",
	})
	require.NoError(t, err)
	assert.Equal(t, pngSignature, data[:8], "every rendered tile is a valid PNG")

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(256, 256), img.Bounds().Size())
}

func TestPipelineNoData(t *testing.T) {
	p, _ := setupPipeline(t)
	_, err := p.Render(context.Background(), TileRequest{
		Tile:  gridmodel.Tile{Z: 3, X: 4, Y: 2},
		Layer: Layer{Model: "hrrr", Parameter: "TMP", Level: "surface"},
		Style: "gradient",
	})
	require.ErrorIs(t, err, ErrNoData)
}

func TestPipelineExplicitTime(t *testing.T) {
	p, _ := setupPipeline(t)
	data, err := p.Render(context.Background(), TileRequest{
		Tile:     gridmodel.Tile{Z: 2, X: 1, Y: 1},
		Layer:    Layer{Model: "gfs", Parameter: "TMP", Level: "surface"},
		Style:    "gradient",
		Datetime: "2024-12-29T12:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, pngSignature, data[:8])

	_, err = p.Render(context.Background(), TileRequest{
		Tile:     gridmodel.Tile{Z: 2, X: 1, Y: 1},
		Layer:    Layer{Model: "gfs", Parameter: "TMP", Level: "surface"},
		Style:    "gradient",
		Datetime: "2024-12-30T00:00:00Z",
	})
	require.ErrorIs(t, err, ErrNoData)
}

func TestPipelineRecordsStageTimings(t *testing.T) {
	p, _ := setupPipeline(t)
	reg := metrics.New()
	p.metrics = reg
	_, err := p.Render(context.Background(), TileRequest{
		Tile:  gridmodel.Tile{Z: 1, X: 0, Y: 0},
		Layer: Layer{Model: "gfs", Parameter: "TMP", Level: "surface"},
		Style: "gradient",
	})
	require.NoError(t, err)
	snap := reg.Snapshot()
	assert.Equal(t, int64(1), snap.Requests)
	assert.Positive(t, snap.BytesOut)
	assert.NotEmpty(t, snap.Stages)
	for _, stage := range []metrics.Stage{metrics.StageCatalogResolve, metrics.StageRegionRead, metrics.StageResample, metrics.StageStyleApply, metrics.StageEncode} {
		_, ok := snap.Stages["gradient/"+string(stage)]
		assert.True(t, ok, "missing stage %s", stage)
	}
}

func TestParseLayer(t *testing.T) {
	l, err := ParseLayer("gfs_TMP")
	require.NoError(t, err)
	assert.Equal(t, Layer{Model: "gfs", Parameter: "TMP", Level: "surface"}, l)

	l, err = ParseLayer("gfs_TMP_850-mb")
	require.NoError(t, err)
	assert.Equal(t, "850 mb", l.Level)
	assert.Equal(t, "gfs_TMP_850-mb", l.Name())

	_, err = ParseLayer("nope")
	require.Error(t, err)
}

func TestTransparentTileIsPNG(t *testing.T) {
	data := TransparentTile()
	assert.Equal(t, pngSignature, data[:8])
}
