package edr

import (
	"math"
	"time"
)

// CoverageJSON response shaping. Only the document shapes the planner
// emits are modeled: Point, PointSeries, VerticalProfile, Grid and
// Trajectory domains, plus CoverageCollection wrappers for cube and
// corridor results.

// ContentTypeCoverageJSON is the negotiated media type.
const ContentTypeCoverageJSON = "application/vnd.cov+json"

// ContentTypeGeoJSON is the alternative flat-feature encoding.
const ContentTypeGeoJSON = "application/geo+json"

type Coverage struct {
	Type       string              `json:"type"`
	Domain     Domain              `json:"domain"`
	Parameters map[string]CovParam `json:"parameters,omitempty"`
	Ranges     map[string]NdArray  `json:"ranges"`
}

type CoverageCollection struct {
	Type       string              `json:"type"`
	DomainType string              `json:"domainType,omitempty"`
	Parameters map[string]CovParam `json:"parameters,omitempty"`
	Coverages  []Coverage          `json:"coverages"`
}

type Domain struct {
	Type        string          `json:"type"`
	DomainType  string          `json:"domainType"`
	Axes        map[string]Axis `json:"axes"`
	Referencing []Referencing   `json:"referencing,omitempty"`
}

// Axis is either a plain values axis or a composite tuple axis
// (trajectories).
type Axis struct {
	Values      []any    `json:"values"`
	DataType    string   `json:"dataType,omitempty"`
	Coordinates []string `json:"coordinates,omitempty"`
}

type Referencing struct {
	Coordinates []string        `json:"coordinates"`
	System      ReferenceSystem `json:"system"`
}

type ReferenceSystem struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Cal  string `json:"calendar,omitempty"`
}

type CovParam struct {
	Type             string            `json:"type"`
	Description      map[string]string `json:"description,omitempty"`
	Unit             *CovUnit          `json:"unit,omitempty"`
	ObservedProperty CovObserved       `json:"observedProperty"`
}

type CovUnit struct {
	Label  map[string]string `json:"label,omitempty"`
	Symbol string            `json:"symbol,omitempty"`
}

type CovObserved struct {
	Label map[string]string `json:"label"`
}

type NdArray struct {
	Type      string     `json:"type"`
	DataType  string     `json:"dataType"`
	AxisNames []string   `json:"axisNames"`
	Shape     []int      `json:"shape"`
	Values    []*float64 `json:"values"`
}

// covValue converts a sample to the nullable wire form: NaN is null.
func covValue(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	out := v
	return &out
}

// covValues converts a float32 slice.
func covValues(vals []float32) []*float64 {
	out := make([]*float64, len(vals))
	for i, v := range vals {
		out[i] = covValue(float64(v))
	}
	return out
}

func geographicReferencing(withTime, withZ bool) []Referencing {
	refs := []Referencing{{
		Coordinates: []string{"x", "y"},
		System:      ReferenceSystem{Type: "GeographicCRS", ID: "http://www.opengis.net/def/crs/OGC/1.3/CRS84"},
	}}
	if withZ {
		refs = append(refs, Referencing{
			Coordinates: []string{"z"},
			System:      ReferenceSystem{Type: "VerticalCRS"},
		})
	}
	if withTime {
		refs = append(refs, Referencing{
			Coordinates: []string{"t"},
			System:      ReferenceSystem{Type: "TemporalRS", Cal: "Gregorian"},
		})
	}
	return refs
}

func covParamFor(name, units string) CovParam {
	var unit *CovUnit
	if units != "" {
		unit = &CovUnit{Label: map[string]string{"en": units}, Symbol: units}
	}
	return CovParam{
		Type:             "Parameter",
		Unit:             unit,
		ObservedProperty: CovObserved{Label: map[string]string{"en": name}},
	}
}

func timeAxis(times []time.Time) Axis {
	vals := make([]any, len(times))
	for i, t := range times {
		vals[i] = t.UTC().Format(time.RFC3339)
	}
	return Axis{Values: vals}
}

func numAxis(vals ...float64) Axis {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return Axis{Values: out}
}

// newPointCoverage shapes a single-point, possibly multi-time result.
// One time yields a Point domain; several yield PointSeries.
func newPointCoverage(lon, lat float64, times []time.Time, params map[string]CovParam, ranges map[string][]float32) Coverage {
	domainType := "Point"
	shapeLen := 1
	if len(times) > 1 {
		domainType = "PointSeries"
		shapeLen = len(times)
	}

	axes := map[string]Axis{
		"x": numAxis(lon),
		"y": numAxis(lat),
	}
	if len(times) > 0 {
		axes["t"] = timeAxis(times)
	}

	cov := Coverage{
		Type: "Coverage",
		Domain: Domain{
			Type:        "Domain",
			DomainType:  domainType,
			Axes:        axes,
			Referencing: geographicReferencing(len(times) > 0, false),
		},
		Parameters: params,
		Ranges:     map[string]NdArray{},
	}
	for name, vals := range ranges {
		names := []string{"t"}
		if len(times) == 0 {
			names = []string{"x"}
		}
		cov.Ranges[name] = NdArray{
			Type: "NdArray", DataType: "float",
			AxisNames: names, Shape: []int{shapeLen},
			Values: covValues(vals),
		}
	}
	return cov
}

// newVerticalProfileCoverage shapes one point sampled at several
// vertical levels.
func newVerticalProfileCoverage(lon, lat float64, zs []float64, t *time.Time, params map[string]CovParam, ranges map[string][]float32) Coverage {
	axes := map[string]Axis{
		"x": numAxis(lon),
		"y": numAxis(lat),
		"z": numAxis(zs...),
	}
	if t != nil {
		axes["t"] = timeAxis([]time.Time{*t})
	}
	cov := Coverage{
		Type: "Coverage",
		Domain: Domain{
			Type:        "Domain",
			DomainType:  "VerticalProfile",
			Axes:        axes,
			Referencing: geographicReferencing(t != nil, true),
		},
		Parameters: params,
		Ranges:     map[string]NdArray{},
	}
	for name, vals := range ranges {
		cov.Ranges[name] = NdArray{
			Type: "NdArray", DataType: "float",
			AxisNames: []string{"z"}, Shape: []int{len(zs)},
			Values: covValues(vals),
		}
	}
	return cov
}

// newGridCoverage shapes a rectangular sub-grid, optionally across a
// time axis. Values are ordered [t][y][x] with y from north to south.
func newGridCoverage(xs, ys []float64, times []time.Time, params map[string]CovParam, ranges map[string][]float32) Coverage {
	axes := map[string]Axis{
		"x": {Values: floatAnySlice(xs)},
		"y": {Values: floatAnySlice(ys)},
	}
	axisNames := []string{"y", "x"}
	shape := []int{len(ys), len(xs)}
	if len(times) > 0 {
		axes["t"] = timeAxis(times)
		axisNames = []string{"t", "y", "x"}
		shape = []int{len(times), len(ys), len(xs)}
	}
	cov := Coverage{
		Type: "Coverage",
		Domain: Domain{
			Type:        "Domain",
			DomainType:  "Grid",
			Axes:        axes,
			Referencing: geographicReferencing(len(times) > 0, false),
		},
		Parameters: params,
		Ranges:     map[string]NdArray{},
	}
	for name, vals := range ranges {
		cov.Ranges[name] = NdArray{
			Type: "NdArray", DataType: "float",
			AxisNames: axisNames, Shape: shape,
			Values: covValues(vals),
		}
	}
	return cov
}

// newTrajectoryCoverage shapes samples along a path with a composite
// axis of [t?, y, x, z?] tuples, matching the waypoint ordinates.
func newTrajectoryCoverage(points []Waypoint, params map[string]CovParam, ranges map[string][]float32) Coverage {
	hasT := len(points) > 0 && points[0].HasT
	hasZ := len(points) > 0 && points[0].HasZ

	coords := []string{}
	if hasT {
		coords = append(coords, "t")
	}
	coords = append(coords, "y", "x")
	if hasZ {
		coords = append(coords, "z")
	}

	tuples := make([]any, len(points))
	for i, p := range points {
		tuple := []any{}
		if hasT {
			tuple = append(tuple, time.Unix(p.T, 0).UTC().Format(time.RFC3339))
		}
		tuple = append(tuple, p.Lat, p.Lon)
		if hasZ {
			tuple = append(tuple, p.Z)
		}
		tuples[i] = tuple
	}

	cov := Coverage{
		Type: "Coverage",
		Domain: Domain{
			Type:       "Domain",
			DomainType: "Trajectory",
			Axes: map[string]Axis{
				"composite": {Values: tuples, DataType: "tuple", Coordinates: coords},
			},
			Referencing: geographicReferencing(hasT, hasZ),
		},
		Parameters: params,
		Ranges:     map[string]NdArray{},
	}
	for name, vals := range ranges {
		cov.Ranges[name] = NdArray{
			Type: "NdArray", DataType: "float",
			AxisNames: []string{"composite"}, Shape: []int{len(points)},
			Values: covValues(vals),
		}
	}
	return cov
}

func floatAnySlice(vals []float64) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
