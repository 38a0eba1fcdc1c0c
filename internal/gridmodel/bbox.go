// Package gridmodel holds the shared value types the decoders, the
// chunked store, the renderer and the EDR planner all speak: geographic
// bounding boxes, Web Mercator tile coordinates, dataset catalog entries
// and canonical cache keys.
package gridmodel

import "fmt"

// BBox is a geographic bounding box in degrees, west/south/east/north.
type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Width returns the longitudinal extent in degrees.
func (b BBox) Width() float64 { return b.East - b.West }

// Height returns the latitudinal extent in degrees.
func (b BBox) Height() float64 { return b.North - b.South }

// Area returns the extent in square degrees.
func (b BBox) Area() float64 { return b.Width() * b.Height() }

// Contains reports whether the point lies inside or on the box edge.
func (b BBox) Contains(lon, lat float64) bool {
	return lon >= b.West && lon <= b.East && lat >= b.South && lat <= b.North
}

// Intersects reports whether the two boxes overlap at all.
func (b BBox) Intersects(o BBox) bool {
	return b.West < o.East && b.East > o.West && b.South < o.North && b.North > o.South
}

// Intersect clamps b to o. The result is empty (zero width or height)
// when the boxes do not overlap.
func (b BBox) Intersect(o BBox) BBox {
	out := BBox{
		West:  maxF(b.West, o.West),
		South: maxF(b.South, o.South),
		East:  minF(b.East, o.East),
		North: minF(b.North, o.North),
	}
	if out.West > out.East {
		out.East = out.West
	}
	if out.South > out.North {
		out.North = out.South
	}
	return out
}

// Slice returns the bbox as [minLon, minLat, maxLon, maxLat], the order
// used in Zarr attributes and EDR extent JSON.
func (b BBox) Slice() []float64 {
	return []float64{b.West, b.South, b.East, b.North}
}

// BBoxFromSlice builds a BBox from [minLon, minLat, maxLon, maxLat].
func BBoxFromSlice(s []float64) (BBox, error) {
	if len(s) != 4 {
		return BBox{}, fmt.Errorf("bbox needs 4 values, got %d", len(s))
	}
	return BBox{West: s[0], South: s[1], East: s[2], North: s[3]}, nil
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
