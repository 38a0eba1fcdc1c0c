package render

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/jcom-dev/gridweather/internal/gridmodel"
)

// Wind barbs follow the standard meteorological glyph grammar: a staff
// pointing into the wind, with a pennant per 50 kt, a full flag per
// 10 kt and a half flag per 5 kt, speed rounded to the nearest 5 kt
// bucket. Below 2.5 kt a calm circle is drawn instead.

// DefaultBarbSpacingDegrees spaces barbs on a fixed geographic lattice
// so neighboring tiles agree at their seams.
const DefaultBarbSpacingDegrees = 2.5

const barbLengthPx = 28.0

// barbGlyph describes the flag composition for one 5-kt bucket.
type barbGlyph struct {
	pennants  int
	fullFlags int
	halfFlags int
	calm      bool
}

// glyphForSpeed buckets a speed in knots.
func glyphForSpeed(knots float64) barbGlyph {
	rounded := int(math.Round(knots/5.0)) * 5
	if rounded < 5 {
		return barbGlyph{calm: true}
	}
	g := barbGlyph{}
	g.pennants = rounded / 50
	rem := rounded % 50
	g.fullFlags = rem / 10
	g.halfFlags = (rem % 10) / 5
	return g
}

// UVToSpeedDirection converts wind components to speed (m/s) and the
// barb rotation angle: atan2(-v, -u), pointing the staff into the wind.
func UVToSpeedDirection(u, v float64) (speed, angle float64) {
	speed = math.Hypot(u, v)
	angle = math.Atan2(-v, -u)
	return speed, angle
}

// BarbPositions enumerates the geographic lattice points inside a tile:
// multiples of spacing degrees in both axes. Tiles that share an edge
// derive the same lattice, so their barbs align at seams.
func BarbPositions(tile gridmodel.Tile, spacing float64) [][2]float64 {
	if spacing <= 0 {
		spacing = DefaultBarbSpacingDegrees
	}
	b := tile.BBox()
	var out [][2]float64
	lon0 := math.Ceil(b.West/spacing) * spacing
	lat0 := math.Ceil(b.South/spacing) * spacing
	for lat := lat0; lat < b.North; lat += spacing {
		for lon := lon0; lon < b.East; lon += spacing {
			out = append(out, [2]float64{lon, lat})
		}
	}
	return out
}

// RenderWindBarbs composites a barb glyph at every lattice point using
// the U and V rasters already resampled to tile space.
func RenderWindBarbs(dst *image.RGBA, tile gridmodel.Tile, uRaster, vRaster *Raster, style *Style) {
	bbox := tile.BBox()
	yTop, yBottom := tile.MercatorYRange()
	c := parseColorOr(style.LineColor, color.NRGBA{R: 20, G: 20, B: 20, A: 255})

	for _, pos := range BarbPositions(tile, style.SpacingDegrees) {
		lon, lat := pos[0], pos[1]
		px := (lon - bbox.West) / bbox.Width() * float64(uRaster.Width)
		my := gridmodel.LatToMercatorY(lat)
		py := (my - yTop) / (yBottom - yTop) * float64(uRaster.Height)
		ix, iy := int(px), int(py)
		if ix < 0 || ix >= uRaster.Width || iy < 0 || iy >= uRaster.Height {
			continue
		}
		u := float64(uRaster.At(ix, iy))
		v := float64(vRaster.At(ix, iy))
		if math.IsNaN(u) || math.IsNaN(v) {
			continue
		}
		speedMS, angle := UVToSpeedDirection(u, v)
		knots := speedMS * 1.94384
		glyph := renderBarbGlyph(glyphForSpeed(knots), angle, c)
		compositeCentered(dst, glyph, int(px), int(py))
	}
}

// renderBarbGlyph draws one barb into its own small RGBA canvas,
// rotated to the wind angle.
func renderBarbGlyph(g barbGlyph, angle float64, c color.NRGBA) *image.RGBA {
	const size = 2 * int(barbLengthPx) // headroom for rotation
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	cx, cy := float64(size)/2, float64(size)/2

	if g.calm {
		strokeCircle(img, cx, cy, 3.5, c)
		return img
	}

	sin, cos := math.Sincos(angle)
	// Staff from the center toward the wind source.
	tipX := cx + barbLengthPx*cos
	tipY := cy + barbLengthPx*sin
	strokeLine(img, cx, cy, tipX, tipY, 1.5, c)

	// Flags attach near the tip and step back toward the center, each
	// projecting perpendicular-left of the staff.
	perpX, perpY := -sin, cos
	step := 5.0
	pos := barbLengthPx

	place := func() (float64, float64) {
		x := cx + pos*cos
		y := cy + pos*sin
		return x, y
	}

	for i := 0; i < g.pennants; i++ {
		x, y := place()
		x2 := cx + (pos-step)*cos
		y2 := cy + (pos-step)*sin
		fillTriangle(img,
			x, y,
			x+perpX*10, y+perpY*10,
			x2, y2, c)
		pos -= step + 2
	}
	for i := 0; i < g.fullFlags; i++ {
		x, y := place()
		strokeLine(img, x, y, x+perpX*10+cos*3, y+perpY*10+sin*3, 1.5, c)
		pos -= step
	}
	for i := 0; i < g.halfFlags; i++ {
		x, y := place()
		strokeLine(img, x, y, x+perpX*5+cos*1.5, y+perpY*5+sin*1.5, 1.5, c)
		pos -= step
	}
	return img
}

// compositeCentered draws src centered at (x, y) with premultiplied
// source-over.
func compositeCentered(dst *image.RGBA, src *image.RGBA, x, y int) {
	b := src.Bounds()
	offset := image.Pt(x-b.Dx()/2, y-b.Dy()/2)
	rect := b.Add(offset)
	draw.Draw(dst, rect, src, b.Min, draw.Over)
}

func parseColorOr(s string, fallback color.NRGBA) color.NRGBA {
	if s == "" {
		return fallback
	}
	c, err := parseHexColor(s)
	if err != nil {
		return fallback
	}
	return c
}

// strokeLine rasterizes a line of the given width by distance test over
// its bounding box. Glyphs are tiny, so the simple approach wins.
func strokeLine(img *image.RGBA, x0, y0, x1, y1, width float64, c color.NRGBA) {
	minX := int(math.Floor(math.Min(x0, x1) - width))
	maxX := int(math.Ceil(math.Max(x0, x1) + width))
	minY := int(math.Floor(math.Min(y0, y1) - width))
	maxY := int(math.Ceil(math.Max(y0, y1) + width))
	half := width / 2

	dx := x1 - x0
	dy := y1 - y0
	lenSq := dx*dx + dy*dy

	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			px, py := float64(x)+0.5, float64(y)+0.5
			t := 0.0
			if lenSq > 0 {
				t = ((px-x0)*dx + (py-y0)*dy) / lenSq
				t = math.Max(0, math.Min(1, t))
			}
			distX := px - (x0 + t*dx)
			distY := py - (y0 + t*dy)
			if math.Hypot(distX, distY) <= half {
				setPixel(img, x, y, c)
			}
		}
	}
}

func strokeCircle(img *image.RGBA, cx, cy, r float64, c color.NRGBA) {
	minX, maxX := int(cx-r-2), int(cx+r+2)
	minY, maxY := int(cy-r-2), int(cy+r+2)
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			d := math.Hypot(float64(x)+0.5-cx, float64(y)+0.5-cy)
			if math.Abs(d-r) <= 0.8 {
				setPixel(img, x, y, c)
			}
		}
	}
}

func fillTriangle(img *image.RGBA, x0, y0, x1, y1, x2, y2 float64, c color.NRGBA) {
	minX := int(math.Floor(math.Min(x0, math.Min(x1, x2))))
	maxX := int(math.Ceil(math.Max(x0, math.Max(x1, x2))))
	minY := int(math.Floor(math.Min(y0, math.Min(y1, y2))))
	maxY := int(math.Ceil(math.Max(y0, math.Max(y1, y2))))

	edge := func(ax, ay, bx, by, px, py float64) float64 {
		return (bx-ax)*(py-ay) - (by-ay)*(px-ax)
	}
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			px, py := float64(x)+0.5, float64(y)+0.5
			w0 := edge(x0, y0, x1, y1, px, py)
			w1 := edge(x1, y1, x2, y2, px, py)
			w2 := edge(x2, y2, x0, y0, px, py)
			if (w0 >= 0 && w1 >= 0 && w2 >= 0) || (w0 <= 0 && w1 <= 0 && w2 <= 0) {
				setPixel(img, x, y, c)
			}
		}
	}
}

func setPixel(img *image.RGBA, x, y int, c color.NRGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, color.RGBA{
			R: uint8(uint16(c.R) * uint16(c.A) / 255),
			G: uint8(uint16(c.G) * uint16(c.A) / 255),
			B: uint8(uint16(c.B) * uint16(c.A) / 255),
			A: c.A,
		})
	}
}
