package edr

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/jcom-dev/gridweather/internal/apperr"
	"github.com/jcom-dev/gridweather/internal/catalog"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
	"github.com/jcom-dev/gridweather/internal/gridstore"
)

// Planner translates EDR geometric queries into axis-aligned reads
// against the chunked store and shapes the responses.
type Planner struct {
	collections *CollectionSet
	catalog     catalog.Catalog
	store       gridstore.ObjectStore
	cache       *gridstore.ChunkCache
}

// NewPlanner wires the planner's dependencies.
func NewPlanner(cols *CollectionSet, cat catalog.Catalog, store gridstore.ObjectStore, cache *gridstore.ChunkCache) *Planner {
	return &Planner{collections: cols, catalog: cat, store: store, cache: cache}
}

// Collections exposes the configured set for the discovery endpoints.
func (p *Planner) Collections() *CollectionSet { return p.collections }

// Catalog exposes the catalog for the instances endpoint.
func (p *Planner) Catalog() catalog.Catalog { return p.catalog }

// Query carries one request's parsed inputs.
type Query struct {
	Collection *Collection
	Instance   *time.Time // reference-time restriction from /instances/{rt}

	Coords         string
	ParameterNames []string
	Datetime       string
	Z              string
	Within         string
	WithinUnits    string
	CorridorWidth  string
	WidthUnits     string
	BBox           string // cube only
}

func inputErr(format string, args ...any) error {
	return apperr.New(apperr.KindInvalidRequest, "edr.query", fmt.Errorf(format, args...))
}

func limitErr(format string, args ...any) error {
	return apperr.New(apperr.KindLimitExceeded, "edr.query", fmt.Errorf(format, args...))
}

// parameters resolves the requested parameter names against the
// collection, defaulting to every configured parameter.
func (q *Query) parameters() ([]*ParameterConfig, error) {
	if len(q.ParameterNames) == 0 {
		out := make([]*ParameterConfig, len(q.Collection.Parameters))
		for i := range q.Collection.Parameters {
			out[i] = &q.Collection.Parameters[i]
		}
		return out, nil
	}
	var out []*ParameterConfig
	for _, name := range q.ParameterNames {
		pc, ok := q.Collection.Parameter(name)
		if !ok {
			return nil, inputErr("parameter %q not in collection %q", name, q.Collection.ID)
		}
		out = append(out, pc)
	}
	return out, nil
}

// resolveTimes expands the datetime parameter against the catalog's
// valid-time list: an instant, an interval (either end open with ".."),
// or empty meaning the latest valid time.
func (p *Planner) resolveTimes(ctx context.Context, q *Query) ([]time.Time, error) {
	model := q.Collection.Model
	if q.Datetime == "" {
		times, err := p.catalog.ValidTimes(ctx, model)
		if err != nil {
			return nil, err
		}
		if len(times) == 0 {
			return nil, apperr.New(apperr.KindNotFound, "edr.times", fmt.Errorf("no data for model %q", model))
		}
		return times[len(times)-1:], nil
	}

	if !strings.Contains(q.Datetime, "/") {
		t, err := time.Parse(time.RFC3339, q.Datetime)
		if err != nil {
			return nil, inputErr("bad datetime %q: %v", q.Datetime, err)
		}
		return []time.Time{t.UTC()}, nil
	}

	parts := strings.SplitN(q.Datetime, "/", 2)
	var start, end time.Time
	open := func(s string) bool { return s == ".." || s == "" }
	if !open(parts[0]) {
		t, err := time.Parse(time.RFC3339, parts[0])
		if err != nil {
			return nil, inputErr("bad interval start %q: %v", parts[0], err)
		}
		start = t.UTC()
	}
	if !open(parts[1]) {
		t, err := time.Parse(time.RFC3339, parts[1])
		if err != nil {
			return nil, inputErr("bad interval end %q: %v", parts[1], err)
		}
		end = t.UTC()
	}

	all, err := p.catalog.ValidTimes(ctx, model)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for _, t := range all {
		if !start.IsZero() && t.Before(start) {
			continue
		}
		if !end.IsZero() && t.After(end) {
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "edr.times", fmt.Errorf("no data in interval %q", q.Datetime))
	}
	return out, nil
}

// datasetFor resolves one catalog entry, honoring an instance
// restriction when present.
func (p *Planner) datasetFor(ctx context.Context, q *Query, param, level string, validTime time.Time) (*gridmodel.DatasetEntry, error) {
	if q.Instance != nil {
		entries, err := p.catalog.ForReference(ctx, q.Collection.Model, *q.Instance)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			e := &entries[i]
			if e.Parameter == param && e.Level == level && e.ValidTime().Equal(validTime) {
				return e, nil
			}
		}
		return nil, apperr.New(apperr.KindNotFound, "edr.dataset",
			fmt.Errorf("no %s/%s at %s in instance %s", param, level, validTime.Format(time.RFC3339), q.Instance.Format(time.RFC3339)))
	}
	return p.catalog.FindValid(ctx, q.Collection.Model, param, level, validTime)
}

func (p *Planner) openReader(ctx context.Context, e *gridmodel.DatasetEntry) (*gridstore.Reader, error) {
	return gridstore.Open(ctx, p.store, e.StoragePath, p.cache)
}

// samplePoint reads one cell; outside-grid and missing both come back
// NaN so the response's null handling is uniform.
func (p *Planner) samplePoint(ctx context.Context, e *gridmodel.DatasetEntry, lon, lat float64) (float32, error) {
	r, err := p.openReader(ctx, e)
	if err != nil {
		return float32(math.NaN()), err
	}
	v, ok, err := r.ReadPoint(ctx, lon, lat)
	if err != nil {
		return float32(math.NaN()), err
	}
	if !ok {
		return float32(math.NaN()), nil
	}
	return v, nil
}

func (p *Planner) covParams(params []*ParameterConfig) map[string]CovParam {
	out := make(map[string]CovParam, len(params))
	for _, pc := range params {
		out[pc.Name] = covParamFor(pc.Name, pc.Units)
	}
	return out
}

// Position samples POINT/MULTIPOINT coords at the resolved times.
func (p *Planner) Position(ctx context.Context, q *Query) (any, error) {
	if q.Coords == "" {
		return nil, inputErr("coords is required")
	}
	points, err := parsePoints(q.Coords)
	if err != nil {
		return nil, err
	}
	params, err := q.parameters()
	if err != nil {
		return nil, err
	}
	times, err := p.resolveTimes(ctx, q)
	if err != nil {
		return nil, err
	}
	level, err := q.Collection.LevelString(q.Z)
	if err != nil {
		return nil, err
	}

	buildOne := func(pt orb.Point) (Coverage, error) {
		ranges := map[string][]float32{}
		for _, pc := range params {
			vals := make([]float32, len(times))
			for ti, vt := range times {
				entry, err := p.datasetFor(ctx, q, pc.Name, level, vt)
				if err != nil {
					if apperr.Is(err, apperr.KindNotFound) {
						vals[ti] = float32(math.NaN())
						continue
					}
					return Coverage{}, err
				}
				v, err := p.samplePoint(ctx, entry, pt[0], pt[1])
				if err != nil {
					return Coverage{}, err
				}
				vals[ti] = v
			}
			ranges[pc.Name] = vals
		}
		return newPointCoverage(pt[0], pt[1], times, p.covParams(params), ranges), nil
	}

	if len(points) == 1 {
		return buildOne(points[0])
	}
	coll := CoverageCollection{Type: "CoverageCollection", Parameters: p.covParams(params)}
	for _, pt := range points {
		cov, err := buildOne(pt)
		if err != nil {
			return nil, err
		}
		coll.Coverages = append(coll.Coverages, cov)
	}
	return coll, nil
}

// enforceCellLimit computes the upper-bound cell count before any read.
func enforceCellLimit(c *Collection, areaSqDeg float64, nParams, nTimes, nLevels int, dx, dy float64) error {
	if areaSqDeg > c.Limits.MaxAreaSqDegrees {
		return limitErr("area %.1f sq deg exceeds limit %.1f", areaSqDeg, c.Limits.MaxAreaSqDegrees)
	}
	cells := float64(nParams) * float64(nTimes) * float64(nLevels) * (areaSqDeg / (dx * dy))
	if int64(cells) > c.Limits.MaxCells {
		return limitErr("query would touch %d cells, limit %d", int64(cells), c.Limits.MaxCells)
	}
	return nil
}

// regionAxes returns the cell-center longitudes and latitudes of a region
// already read, taken from the region's clamped bbox and resolution.
func regionAxes(region *gridstore.GridRegion) (xs, ys []float64) {
	xs = make([]float64, region.Width)
	for i := range xs {
		xs[i] = region.BBox.West + (float64(i)+0.5)*region.ResX
	}
	ys = make([]float64, region.Height)
	for j := range ys {
		ys[j] = region.BBox.North - (float64(j)+0.5)*region.ResY
	}
	return xs, ys
}

// Area masks a bbox read by point-in-polygon: cells whose centers fall
// outside the polygon become null.
func (p *Planner) Area(ctx context.Context, q *Query) (any, error) {
	if q.Coords == "" {
		return nil, inputErr("coords is required")
	}
	polys, err := parsePolygons(q.Coords)
	if err != nil {
		return nil, err
	}
	params, err := q.parameters()
	if err != nil {
		return nil, err
	}
	times, err := p.resolveTimes(ctx, q)
	if err != nil {
		return nil, err
	}
	level, err := q.Collection.LevelString(q.Z)
	if err != nil {
		return nil, err
	}

	bound := polys.Bound()
	bbox := gridmodel.BBox{West: bound.Min[0], South: bound.Min[1], East: bound.Max[0], North: bound.Max[1]}

	if err := p.checkGridLimits(ctx, q, params, times, level, bbox, 1); err != nil {
		return nil, err
	}
	return p.maskedGrid(ctx, q, params, times, level, bbox, func(lon, lat float64) bool {
		return planar.MultiPolygonContains(polys, orb.Point{lon, lat})
	})
}

// Radius masks a conservative bbox read by great-circle distance.
func (p *Planner) Radius(ctx context.Context, q *Query) (any, error) {
	if q.Coords == "" {
		return nil, inputErr("coords is required")
	}
	if q.Within == "" {
		return nil, inputErr("within is required")
	}
	points, err := parsePoints(q.Coords)
	if err != nil {
		return nil, err
	}
	if len(points) != 1 {
		return nil, inputErr("radius takes a single POINT")
	}
	radius, err := strconv.ParseFloat(q.Within, 64)
	if err != nil || radius <= 0 {
		return nil, inputErr("bad within %q", q.Within)
	}
	radiusKm := toKilometers(radius, q.WithinUnits)
	if radiusKm < 0 {
		return nil, inputErr("bad within-units %q", q.WithinUnits)
	}
	if radiusKm > q.Collection.Limits.MaxRadiusKm {
		return nil, limitErr("radius %.1f km exceeds limit %.1f", radiusKm, q.Collection.Limits.MaxRadiusKm)
	}

	params, err := q.parameters()
	if err != nil {
		return nil, err
	}
	times, err := p.resolveTimes(ctx, q)
	if err != nil {
		return nil, err
	}
	level, err := q.Collection.LevelString(q.Z)
	if err != nil {
		return nil, err
	}

	center := points[0]
	w, s, e, n := radiusBBox(center[0], center[1], radiusKm)
	bbox := gridmodel.BBox{West: w, South: s, East: e, North: n}

	if err := p.checkGridLimits(ctx, q, params, times, level, bbox, 1); err != nil {
		return nil, err
	}
	return p.maskedGrid(ctx, q, params, times, level, bbox, func(lon, lat float64) bool {
		return haversineKm(center[0], center[1], lon, lat) <= radiusKm
	})
}

// checkGridLimits runs the pre-I/O size bound for grid-shaped queries:
// it resolves one dataset for the native resolution and applies
// P * T * L * (A / r^2) against the collection limits. nLevels is the
// full level count of the request, so a multi-level cube is bounded in
// aggregate before its first region read.
func (p *Planner) checkGridLimits(ctx context.Context, q *Query, params []*ParameterConfig, times []time.Time, level string, bbox gridmodel.BBox, nLevels int) error {
	first, err := p.datasetFor(ctx, q, params[0].Name, level, times[0])
	if err != nil {
		return err
	}
	dx := first.BBox.Width() / float64(first.GridWidth)
	dy := first.BBox.Height() / float64(first.GridHeight)
	return enforceCellLimit(q.Collection, bbox.Area(), len(params), len(times), nLevels, dx, dy)
}

// maskedGrid is the shared area/radius/cube core: read the region per
// time, null out cells the mask rejects, shape a Grid coverage. Size
// limits are the caller's job, via checkGridLimits, before the first
// call.
func (p *Planner) maskedGrid(ctx context.Context, q *Query, params []*ParameterConfig, times []time.Time, level string, bbox gridmodel.BBox, keep func(lon, lat float64) bool) (any, error) {
	var xs, ys []float64
	ranges := map[string][]float32{}
	for _, pc := range params {
		var all []float32
		for _, vt := range times {
			entry, err := p.datasetFor(ctx, q, pc.Name, level, vt)
			if err != nil {
				return nil, err
			}
			r, err := p.openReader(ctx, entry)
			if err != nil {
				return nil, err
			}
			region, err := r.ReadRegion(ctx, bbox)
			if err != nil {
				return nil, err
			}
			if xs == nil {
				xs, ys = regionAxes(region)
			}
			masked := make([]float32, len(region.Data))
			copy(masked, region.Data)
			for j := 0; j < region.Height; j++ {
				lat := region.BBox.North - (float64(j)+0.5)*region.ResY
				for i := 0; i < region.Width; i++ {
					lon := region.BBox.West + (float64(i)+0.5)*region.ResX
					if !keep(lon, lat) {
						masked[j*region.Width+i] = float32(math.NaN())
					}
				}
			}
			all = append(all, masked...)
		}
		ranges[pc.Name] = all
	}

	return newGridCoverage(xs, ys, times, p.covParams(params), ranges), nil
}

// Trajectory samples along a LINESTRING path. Z and M ordinates
// conflict with the z / datetime query parameters.
func (p *Planner) Trajectory(ctx context.Context, q *Query) (any, error) {
	if q.Coords == "" {
		return nil, inputErr("coords is required")
	}
	points, hasZ, hasT, err := parseLinestring(q.Coords)
	if err != nil {
		return nil, err
	}
	if hasZ && q.Z != "" {
		return nil, inputErr("LINESTRINGZ coords conflict with the z parameter")
	}
	if hasT && q.Datetime != "" {
		return nil, inputErr("LINESTRINGM coords conflict with the datetime parameter")
	}
	params, err := q.parameters()
	if err != nil {
		return nil, err
	}

	var fallback []time.Time
	if !hasT {
		fallback, err = p.resolveTimes(ctx, q)
		if err != nil {
			return nil, err
		}
	}

	cov, err := p.sampleTrajectory(ctx, q, params, points, hasZ, hasT, fallback)
	if err != nil {
		return nil, err
	}
	return cov, nil
}

func (p *Planner) sampleTrajectory(ctx context.Context, q *Query, params []*ParameterConfig, points []Waypoint, hasZ, hasT bool, fallback []time.Time) (Coverage, error) {
	ranges := map[string][]float32{}
	for _, pc := range params {
		vals := make([]float32, len(points))
		for i, wp := range points {
			level := ""
			var err error
			if hasZ {
				level, err = q.Collection.LevelString(strconv.FormatFloat(wp.Z, 'g', -1, 64))
			} else {
				level, err = q.Collection.LevelString(q.Z)
			}
			if err != nil {
				return Coverage{}, err
			}

			var vt time.Time
			if hasT {
				vt = time.Unix(wp.T, 0).UTC()
			} else {
				vt = fallback[len(fallback)-1]
			}

			entry, err := p.datasetFor(ctx, q, pc.Name, level, vt)
			if err != nil {
				if apperr.Is(err, apperr.KindNotFound) {
					vals[i] = float32(math.NaN())
					continue
				}
				return Coverage{}, err
			}
			v, err := p.samplePoint(ctx, entry, wp.Lon, wp.Lat)
			if err != nil {
				return Coverage{}, err
			}
			vals[i] = v
		}
		ranges[pc.Name] = vals
	}
	return newTrajectoryCoverage(points, p.covParams(params), ranges), nil
}

// Corridor samples N parallel offset paths around a centerline: the
// default is three (left, center, right), offset half the corridor
// width perpendicular to the local bearing. Offset paths reuse the
// centerline's times as-is.
func (p *Planner) Corridor(ctx context.Context, q *Query) (any, error) {
	if q.Coords == "" {
		return nil, inputErr("coords is required")
	}
	if q.CorridorWidth == "" {
		return nil, inputErr("corridor-width is required")
	}
	width, err := strconv.ParseFloat(q.CorridorWidth, 64)
	if err != nil || width <= 0 {
		return nil, inputErr("bad corridor-width %q", q.CorridorWidth)
	}
	widthKm := toKilometers(width, q.WidthUnits)
	if widthKm < 0 {
		return nil, inputErr("bad width-units %q", q.WidthUnits)
	}

	center, hasZ, hasT, err := parseLinestring(q.Coords)
	if err != nil {
		return nil, err
	}
	if hasZ && q.Z != "" {
		return nil, inputErr("LINESTRINGZ coords conflict with the z parameter")
	}
	if hasT && q.Datetime != "" {
		return nil, inputErr("LINESTRINGM coords conflict with the datetime parameter")
	}
	params, err := q.parameters()
	if err != nil {
		return nil, err
	}
	var fallback []time.Time
	if !hasT {
		fallback, err = p.resolveTimes(ctx, q)
		if err != nil {
			return nil, err
		}
	}

	left := offsetPath(center, -widthKm/2)
	right := offsetPath(center, widthKm/2)

	coll := CoverageCollection{
		Type:       "CoverageCollection",
		DomainType: "Trajectory",
		Parameters: p.covParams(params),
	}
	for _, path := range [][]Waypoint{left, center, right} {
		cov, err := p.sampleTrajectory(ctx, q, params, path, hasZ, hasT, fallback)
		if err != nil {
			return nil, err
		}
		coll.Coverages = append(coll.Coverages, cov)
	}
	return coll, nil
}

// offsetPath shifts every waypoint perpendicular to the local bearing:
// interior points use the average of incoming and outgoing bearings,
// endpoints the single adjacent bearing. Positive distance offsets
// right of travel; Z/M ordinates carry over unchanged.
func offsetPath(points []Waypoint, distKm float64) []Waypoint {
	out := make([]Waypoint, len(points))
	for i, wp := range points {
		var bearing float64
		switch {
		case i == 0:
			bearing = initialBearing(points[0].Lon, points[0].Lat, points[1].Lon, points[1].Lat)
		case i == len(points)-1:
			bearing = initialBearing(points[i-1].Lon, points[i-1].Lat, wp.Lon, wp.Lat)
		default:
			in := initialBearing(points[i-1].Lon, points[i-1].Lat, wp.Lon, wp.Lat)
			outB := initialBearing(wp.Lon, wp.Lat, points[i+1].Lon, points[i+1].Lat)
			bearing = meanAngle(in, outB)
		}
		perp := bearing + math.Pi/2
		lon, lat := destinationPoint(wp.Lon, wp.Lat, perp, distKm)
		out[i] = wp
		out[i].Lon = lon
		out[i].Lat = lat
	}
	return out
}

// meanAngle averages two bearings on the circle.
func meanAngle(a, b float64) float64 {
	return math.Atan2((math.Sin(a)+math.Sin(b))/2, (math.Cos(a)+math.Cos(b))/2)
}

// Cube returns one Grid coverage per requested level inside a bbox.
func (p *Planner) Cube(ctx context.Context, q *Query) (any, error) {
	if q.BBox == "" {
		return nil, inputErr("bbox is required")
	}
	if q.Z == "" {
		return nil, inputErr("z is required")
	}
	parts := strings.Split(q.BBox, ",")
	if len(parts) != 4 {
		return nil, inputErr("bbox needs minx,miny,maxx,maxy")
	}
	var vals [4]float64
	for i, s := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, inputErr("bad bbox component %q", s)
		}
		vals[i] = v
	}
	bbox := gridmodel.BBox{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}
	if bbox.Width() <= 0 || bbox.Height() <= 0 {
		return nil, inputErr("bbox is empty")
	}

	params, err := q.parameters()
	if err != nil {
		return nil, err
	}
	times, err := p.resolveTimes(ctx, q)
	if err != nil {
		return nil, err
	}

	var levels []string
	for _, z := range strings.Split(q.Z, ",") {
		level, err := q.Collection.LevelString(strings.TrimSpace(z))
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}

	// One aggregate bound across every requested level, before any read:
	// each level may fit on its own while the cube as a whole does not.
	if err := p.checkGridLimits(ctx, q, params, times, levels[0], bbox, len(levels)); err != nil {
		return nil, err
	}

	coll := CoverageCollection{
		Type:       "CoverageCollection",
		DomainType: "Grid",
		Parameters: p.covParams(params),
	}
	for _, level := range levels {
		lvlQuery := *q
		cov, err := p.maskedGrid(ctx, &lvlQuery, params, times, level, bbox, func(lon, lat float64) bool { return true })
		if err != nil {
			return nil, err
		}
		coll.Coverages = append(coll.Coverages, cov.(Coverage))
	}
	return coll, nil
}

// LocationByID answers a position-style query at a named location.
func (p *Planner) LocationByID(ctx context.Context, q *Query, locID string) (any, error) {
	for _, loc := range q.Collection.Locations {
		if loc.ID == locID {
			q.Coords = fmt.Sprintf("POINT(%g %g)", loc.Lon, loc.Lat)
			return p.Position(ctx, q)
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "edr.locations", fmt.Errorf("location %q not found", locID))
}
