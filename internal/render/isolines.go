package render

import (
	"image"
	"image/color"
	"math"
	"strconv"
)

// Isoline extraction: marching squares over the (optionally smoothed)
// raster, one pass per requested level, stroked onto the tile.

// Segment is one extracted line piece in pixel coordinates.
type Segment struct {
	X0, Y0, X1, Y1 float64
}

// ExtractIsolines runs marching squares at one level. Cell corners are
// the raster samples; NaN corners suppress the whole cell.
func ExtractIsolines(r *Raster, level float64) []Segment {
	var segs []Segment
	for y := 0; y < r.Height-1; y++ {
		for x := 0; x < r.Width-1; x++ {
			v00 := float64(r.At(x, y))
			v10 := float64(r.At(x+1, y))
			v01 := float64(r.At(x, y+1))
			v11 := float64(r.At(x+1, y+1))
			if math.IsNaN(v00) || math.IsNaN(v10) || math.IsNaN(v01) || math.IsNaN(v11) {
				continue
			}

			idx := 0
			if v00 >= level {
				idx |= 1
			}
			if v10 >= level {
				idx |= 2
			}
			if v11 >= level {
				idx |= 4
			}
			if v01 >= level {
				idx |= 8
			}
			if idx == 0 || idx == 15 {
				continue
			}

			// Interpolated crossing points on each edge.
			fx, fy := float64(x), float64(y)
			top := func() (float64, float64) { return fx + frac(v00, v10, level), fy }
			right := func() (float64, float64) { return fx + 1, fy + frac(v10, v11, level) }
			bottom := func() (float64, float64) { return fx + frac(v01, v11, level), fy + 1 }
			left := func() (float64, float64) { return fx, fy + frac(v00, v01, level) }

			add := func(ax, ay, bx, by float64) {
				segs = append(segs, Segment{ax, ay, bx, by})
			}

			switch idx {
			case 1, 14:
				ax, ay := left()
				bx, by := top()
				add(ax, ay, bx, by)
			case 2, 13:
				ax, ay := top()
				bx, by := right()
				add(ax, ay, bx, by)
			case 3, 12:
				ax, ay := left()
				bx, by := right()
				add(ax, ay, bx, by)
			case 4, 11:
				ax, ay := right()
				bx, by := bottom()
				add(ax, ay, bx, by)
			case 6, 9:
				ax, ay := top()
				bx, by := bottom()
				add(ax, ay, bx, by)
			case 7, 8:
				ax, ay := left()
				bx, by := bottom()
				add(ax, ay, bx, by)
			case 5: // saddle: resolve by center average
				ax, ay := left()
				bx, by := top()
				cx, cy := right()
				dx, dy := bottom()
				if (v00+v10+v01+v11)/4 >= level {
					add(ax, ay, bx, by)
					add(cx, cy, dx, dy)
				} else {
					add(ax, ay, dx, dy)
					add(bx, by, cx, cy)
				}
			case 10: // opposite saddle
				ax, ay := top()
				bx, by := right()
				cx, cy := bottom()
				dx, dy := left()
				if (v00+v10+v01+v11)/4 >= level {
					add(dx, dy, cx, cy)
					add(ax, ay, bx, by)
				} else {
					add(dx, dy, ax, ay)
					add(bx, by, cx, cy)
				}
			}
		}
	}
	return segs
}

// frac returns where level crosses between a and b, in [0, 1].
func frac(a, b, level float64) float64 {
	if a == b {
		return 0.5
	}
	t := (level - a) / (b - a)
	return math.Max(0, math.Min(1, t))
}

// SmoothRaster applies n passes of a 3x3 box blur, preserving NaN
// cells. Contour styles use this to calm noisy fields before
// extraction.
func SmoothRaster(r *Raster, passes int) *Raster {
	cur := r
	for p := 0; p < passes; p++ {
		next := &Raster{Data: make([]float32, len(cur.Data)), Width: cur.Width, Height: cur.Height}
		for y := 0; y < cur.Height; y++ {
			for x := 0; x < cur.Width; x++ {
				center := cur.At(x, y)
				if isNaN32(center) {
					next.Data[y*cur.Width+x] = center
					continue
				}
				sum := 0.0
				count := 0
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := x+dx, y+dy
						if nx < 0 || nx >= cur.Width || ny < 0 || ny >= cur.Height {
							continue
						}
						v := cur.At(nx, ny)
						if isNaN32(v) {
							continue
						}
						sum += float64(v)
						count++
					}
				}
				next.Data[y*cur.Width+x] = float32(sum / float64(count))
			}
		}
		cur = next
	}
	return cur
}

// RenderIsolines extracts and strokes every configured level. Special
// levels (keyed by their numeric value, e.g. "0" for freezing) override
// width and color.
func RenderIsolines(dst *image.RGBA, raster *Raster, style *Style) {
	r := raster
	if style.Smoothing > 0 {
		r = SmoothRaster(raster, style.Smoothing)
	}
	// Levels are declared in display units; transform the raster once so
	// level comparisons happen in the same units.
	r = transformedRaster(r, style.Transform)
	baseColor := parseColorOr(style.LineColor, color.NRGBA{R: 60, G: 60, B: 60, A: 255})
	baseWidth := style.LineWidth
	if baseWidth <= 0 {
		baseWidth = 1.0
	}

	scaleX := float64(dst.Bounds().Dx()) / float64(r.Width)
	scaleY := float64(dst.Bounds().Dy()) / float64(r.Height)

	for _, level := range style.Levels {
		c := baseColor
		w := baseWidth
		if sp, ok := style.SpecialLevels[formatLevel(level)]; ok {
			if sp.LineColor != "" {
				c = parseColorOr(sp.LineColor, c)
			}
			if sp.LineWidth > 0 {
				w = sp.LineWidth
			}
		}
		for _, seg := range ExtractIsolines(r, level) {
			strokeLine(dst, seg.X0*scaleX, seg.Y0*scaleY, seg.X1*scaleX, seg.Y1*scaleY, w, c)
		}
	}
}

// transformedRaster applies the style transform to every sample so
// level values compare in display units.
func transformedRaster(r *Raster, t Transform) *Raster {
	if t == TransformNone {
		return r
	}
	out := &Raster{Data: make([]float32, len(r.Data)), Width: r.Width, Height: r.Height}
	for i, v := range r.Data {
		if isNaN32(v) {
			out.Data[i] = v
			continue
		}
		out.Data[i] = float32(t.Apply(float64(v)))
	}
	return out
}

func formatLevel(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
