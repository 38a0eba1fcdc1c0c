package edr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/jcom-dev/gridweather/internal/apperr"
)

// Waypoint is one vertex of a trajectory/corridor path: position plus
// the optional Z (vertical level) and M (epoch seconds) ordinates.
type Waypoint struct {
	Lon  float64
	Lat  float64
	Z    float64
	HasZ bool
	T    int64
	HasT bool
}

func badCoords(format string, args ...any) error {
	return apperr.New(apperr.KindInvalidRequest, "edr.coords", fmt.Errorf(format, args...))
}

// parsePoints handles POINT and MULTIPOINT coords.
func parsePoints(coords string) ([]orb.Point, error) {
	geom, err := wkt.Unmarshal(coords)
	if err != nil {
		return nil, badCoords("unparseable WKT %q: %v", coords, err)
	}
	switch g := geom.(type) {
	case orb.Point:
		return []orb.Point{g}, nil
	case orb.MultiPoint:
		return []orb.Point(g), nil
	default:
		return nil, badCoords("expected POINT or MULTIPOINT, got %T", geom)
	}
}

// parsePolygons handles POLYGON and MULTIPOLYGON coords.
func parsePolygons(coords string) (orb.MultiPolygon, error) {
	geom, err := wkt.Unmarshal(coords)
	if err != nil {
		return nil, badCoords("unparseable WKT %q: %v", coords, err)
	}
	switch g := geom.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{g}, nil
	case orb.MultiPolygon:
		return g, nil
	default:
		return nil, badCoords("expected POLYGON or MULTIPOLYGON, got %T", geom)
	}
}

// parseLinestring handles LINESTRING and its Z/M/ZM variants. orb's WKT
// parser is strictly 2-D, so the dimensioned variants are tokenized
// here: the suffix dictates how many ordinates each vertex carries.
func parseLinestring(coords string) ([]Waypoint, bool, bool, error) {
	s := strings.TrimSpace(coords)
	upper := strings.ToUpper(s)

	var hasZ, hasT bool
	var rest string
	switch {
	case strings.HasPrefix(upper, "LINESTRINGZM"):
		hasZ, hasT = true, true
		rest = s[len("LINESTRINGZM"):]
	case strings.HasPrefix(upper, "LINESTRING ZM"):
		hasZ, hasT = true, true
		rest = s[len("LINESTRING ZM"):]
	case strings.HasPrefix(upper, "LINESTRINGZ"):
		hasZ = true
		rest = s[len("LINESTRINGZ"):]
	case strings.HasPrefix(upper, "LINESTRING Z"):
		hasZ = true
		rest = s[len("LINESTRING Z"):]
	case strings.HasPrefix(upper, "LINESTRINGM"):
		hasT = true
		rest = s[len("LINESTRINGM"):]
	case strings.HasPrefix(upper, "LINESTRING M"):
		hasT = true
		rest = s[len("LINESTRING M"):]
	case strings.HasPrefix(upper, "LINESTRING"):
		rest = s[len("LINESTRING"):]
	default:
		return nil, false, false, badCoords("expected LINESTRING*, got %q", coords)
	}

	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "(") || !strings.HasSuffix(rest, ")") {
		return nil, false, false, badCoords("missing parentheses in %q", coords)
	}
	rest = rest[1 : len(rest)-1]

	want := 2
	if hasZ {
		want++
	}
	if hasT {
		want++
	}

	var points []Waypoint
	for _, vertex := range strings.Split(rest, ",") {
		fields := strings.Fields(strings.TrimSpace(vertex))
		if len(fields) != want {
			return nil, false, false, badCoords("vertex %q has %d ordinates, want %d", vertex, len(fields), want)
		}
		vals := make([]float64, want)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, false, false, badCoords("bad ordinate %q", f)
			}
			vals[i] = v
		}
		wp := Waypoint{Lon: vals[0], Lat: vals[1]}
		idx := 2
		if hasZ {
			wp.Z = vals[idx]
			wp.HasZ = true
			idx++
		}
		if hasT {
			wp.T = int64(vals[idx])
			wp.HasT = true
		}
		points = append(points, wp)
	}
	if len(points) < 2 {
		return nil, false, false, badCoords("linestring needs at least 2 vertices")
	}
	return points, hasZ, hasT, nil
}
