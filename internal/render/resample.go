package render

import (
	"math"

	"github.com/jcom-dev/gridweather/internal/goes"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
	"github.com/jcom-dev/gridweather/internal/gridstore"
)

// Raster is a resampled field in output pixel space: one float32 per
// pixel, NaN for no-data.
type Raster struct {
	Data   []float32
	Width  int
	Height int
}

func newRaster(w, h int) *Raster {
	data := make([]float32, w*h)
	nan := float32(math.NaN())
	for i := range data {
		data[i] = nan
	}
	return &Raster{Data: data, Width: w, Height: h}
}

// At returns the value at (x, y).
func (r *Raster) At(x, y int) float32 { return r.Data[y*r.Width+x] }

// ResampleToTile resamples a native-resolution region onto a tile
// raster. Output rows are linear in Mercator Y (then inverted to
// latitude) and columns linear in longitude. Sampling is bilinear with
// longitude wrap at the 360-degree seam and latitude clamp; a pixel
// whose four source corners include a NaN comes out NaN.
func ResampleToTile(region *gridstore.GridRegion, tile gridmodel.Tile, width, height int, globalGrid bool) *Raster {
	bbox := tile.BBox()
	yTop, yBottom := tile.MercatorYRange()
	out := newRaster(width, height)

	for py := 0; py < height; py++ {
		my := yTop + (float64(py)+0.5)/float64(height)*(yBottom-yTop)
		lat := gridmodel.MercatorYToLat(my)
		for px := 0; px < width; px++ {
			lon := bbox.West + (float64(px)+0.5)/float64(width)*bbox.Width()
			out.Data[py*width+px] = sampleBilinear(region, lon, lat, globalGrid)
		}
	}
	return out
}

// ResampleToBBox is the WMS GetMap variant: rows are linear in Mercator
// Y across an arbitrary geographic box.
func ResampleToBBox(region *gridstore.GridRegion, bbox gridmodel.BBox, width, height int, globalGrid bool) *Raster {
	yTop := gridmodel.LatToMercatorY(bbox.North)
	yBottom := gridmodel.LatToMercatorY(bbox.South)
	out := newRaster(width, height)

	for py := 0; py < height; py++ {
		my := yTop + (float64(py)+0.5)/float64(height)*(yBottom-yTop)
		lat := gridmodel.MercatorYToLat(my)
		for px := 0; px < width; px++ {
			lon := bbox.West + (float64(px)+0.5)/float64(width)*bbox.Width()
			out.Data[py*width+px] = sampleBilinear(region, lon, lat, globalGrid)
		}
	}
	return out
}

// sampleBilinear samples the region at a geographic point. Cell centers
// sit half a cell inside the region's bbox edges.
func sampleBilinear(region *gridstore.GridRegion, lon, lat float64, globalGrid bool) float32 {
	nan := float32(math.NaN())
	b := region.BBox

	if globalGrid {
		for lon < b.West {
			lon += 360
		}
		for lon >= b.West+360 {
			lon -= 360
		}
	}

	// Fractional cell position of the sample point.
	fx := (lon-b.West)/region.ResX - 0.5
	fy := (b.North-lat)/region.ResY - 0.5

	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	tx := fx - float64(x0)
	ty := fy - float64(y0)

	colAt := func(x int) (int, bool) {
		if x >= 0 && x < region.Width {
			return x, true
		}
		if globalGrid {
			// Wrap across the seam when the region spans the full circle.
			if region.Width > 0 && math.Abs(float64(region.Width)*region.ResX-360.0) < region.ResX {
				return ((x % region.Width) + region.Width) % region.Width, true
			}
		}
		return 0, false
	}
	rowAt := func(y int) (int, bool) {
		// Latitude clamps at the poles, never wraps.
		if y < 0 {
			return 0, true
		}
		if y >= region.Height {
			return region.Height - 1, true
		}
		return y, true
	}

	c00, ok00 := colAt(x0)
	c10, ok10 := colAt(x0 + 1)
	r00, _ := rowAt(y0)
	r01, _ := rowAt(y0 + 1)
	if !ok00 || !ok10 {
		return nan
	}

	v00 := region.At(c00, r00)
	v10 := region.At(c10, r00)
	v01 := region.At(c00, r01)
	v11 := region.At(c10, r01)
	if isNaN32(v00) || isNaN32(v10) || isNaN32(v01) || isNaN32(v11) {
		return nan
	}

	top := float64(v00) + (float64(v10)-float64(v00))*tx
	bot := float64(v01) + (float64(v11)-float64(v01))*tx
	return float32(top + (bot-top)*ty)
}

// ResampleWithLUT fills a tile raster from a satellite scan-angle grid
// using the precomputed lookup table: pure bilinear interpolation, no
// projection math in the hot path.
func ResampleWithLUT(cmi *goes.CMI, lut *goes.TileLUT) *Raster {
	out := newRaster(gridmodel.TileSize, gridmodel.TileSize)
	for n := 0; n < gridmodel.TileSize*gridmodel.TileSize; n++ {
		fi, fj, ok := lut.Get(n)
		if !ok {
			continue
		}
		i0 := int(fi)
		j0 := int(fj)
		tx := float64(fi) - float64(i0)
		ty := float64(fj) - float64(j0)

		v00 := cmi.Data[j0*cmi.Width+i0]
		v10 := cmi.Data[j0*cmi.Width+i0+1]
		v01 := cmi.Data[(j0+1)*cmi.Width+i0]
		v11 := cmi.Data[(j0+1)*cmi.Width+i0+1]
		if isNaN32(v00) || isNaN32(v10) || isNaN32(v01) || isNaN32(v11) {
			continue
		}
		top := float64(v00) + (float64(v10)-float64(v00))*tx
		bot := float64(v01) + (float64(v11)-float64(v01))*tx
		out.Data[n] = float32(top + (bot-top)*ty)
	}
	return out
}

func isNaN32(v float32) bool { return v != v }
