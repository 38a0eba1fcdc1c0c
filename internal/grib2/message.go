// Package grib2 decodes GRIB2 (GRIdded Binary, edition 2) messages.
//
// Unlike a parse-everything-eagerly-in-parallel decoder, this package
// exposes an Iterator: Next() returns one Message at a time and, on a
// malformed section, logs and resyncs to the next "GRIB" magic number
// instead of aborting the whole file. A multi-message GRIB2 file (e.g. a
// multi-parameter GFS bundle) with one corrupt message should still
// yield every other message.
package grib2

import "time"

// Grid describes a regular latitude/longitude grid (Grid Definition
// Template 3.0 - the template used by essentially every forecast model
// grid worth serving through this store).
type Grid struct {
	Ni, Nj        int     // points along a parallel / meridian
	La1, Lo1      float64 // degrees, first grid point
	La2, Lo2      float64 // degrees, last grid point
	Di, Dj        float64 // degrees, grid increments
	ScanNegativeI bool
	ScanPositiveJ bool
}

// NumPoints returns the total number of grid points.
func (g Grid) NumPoints() int { return g.Ni * g.Nj }

// Message is one decoded GRIB2 message: a single parameter/level/time field.
type Message struct {
	Discipline uint8

	OriginatingCenter uint16
	ReferenceTime     time.Time

	ParameterCategory uint8
	ParameterNumber   uint8
	FirstSurfaceType  uint8
	FirstSurfaceValue float64
	ForecastTimeUnit  uint8
	ForecastTime      uint32 // in units of ForecastTimeUnit, usually hours

	Grid Grid

	// Values holds one float32 per grid point, row-major matching Grid's
	// scanning order, with points the section 6 bitmap marks absent set
	// to NaN so downstream Go code can use math.IsNaN uniformly.
	Values []float32
}

// ForecastHour returns the forecast lead time in hours, assuming
// ForecastTimeUnit is 1 (hours) as nearly all operational models use.
func (m *Message) ForecastHour() int {
	if m.ForecastTimeUnit != 1 {
		return 0
	}
	return int(m.ForecastTime)
}
