package grib2

import "fmt"

// ParameterKey identifies a parameter in the WMO tables: discipline
// (section 0), category and number (section 4).
type ParameterKey struct {
	Discipline uint8
	Category   uint8
	Number     uint8
}

// Parameter is one entry of the injected parameter table.
type Parameter struct {
	Name  string // canonical short name, e.g. "TMP"
	Units string // e.g. "K"
}

// ParameterTable maps WMO (discipline, category, number) triples to
// canonical parameter names. The table is injected into the ingester
// rather than compiled into the decoder so deployments can extend it
// without a rebuild.
type ParameterTable map[ParameterKey]Parameter

// Lookup returns the parameter for a decoded message, or ok=false when
// the triple is not in the table.
func (t ParameterTable) Lookup(m *Message) (Parameter, bool) {
	p, ok := t[ParameterKey{m.Discipline, m.ParameterCategory, m.ParameterNumber}]
	return p, ok
}

// DefaultParameters covers the fields the GFS/HRRR/MRMS ingestion
// pipelines serve. WMO code table 4.2.
func DefaultParameters() ParameterTable {
	return ParameterTable{
		{0, 0, 0}:    {"TMP", "K"},
		{0, 0, 6}:    {"DPT", "K"},
		{0, 1, 1}:    {"RH", "%"},
		{0, 1, 7}:    {"PRATE", "kg m-2 s-1"},
		{0, 1, 8}:    {"APCP", "kg m-2"},
		{0, 2, 2}:    {"UGRD", "m/s"},
		{0, 2, 3}:    {"VGRD", "m/s"},
		{0, 2, 22}:   {"GUST", "m/s"},
		{0, 3, 0}:    {"PRES", "Pa"},
		{0, 3, 1}:    {"PRMSL", "Pa"},
		{0, 3, 5}:    {"HGT", "gpm"},
		{0, 6, 1}:    {"TCDC", "%"},
		{0, 7, 6}:    {"CAPE", "J kg-1"},
		{0, 7, 7}:    {"CIN", "J kg-1"},
		{0, 16, 196}: {"REFC", "dB"},
		{0, 16, 195}: {"REFL", "dB"},
		{0, 19, 0}:   {"VIS", "m"},
	}
}

// LevelString renders a fixed-surface (type, scaled value) pair the way
// the catalog stores levels, following WMO code table 4.5: "surface",
// "850 mb", "2 m above ground", "low cloud layer", "mean sea level",
// "entire atmosphere".
func LevelString(surfaceType uint8, value float64) string {
	switch surfaceType {
	case 1:
		return "surface"
	case 2:
		return "cloud base"
	case 3:
		return "cloud top"
	case 4:
		return "0C isotherm"
	case 7:
		return "tropopause"
	case 10:
		return "entire atmosphere"
	case 100:
		// Isobaric levels arrive in Pa; the catalog speaks mb.
		return fmt.Sprintf("%g mb", value/100.0)
	case 101:
		return "mean sea level"
	case 102:
		return fmt.Sprintf("%g m above mean sea level", value)
	case 103:
		return fmt.Sprintf("%g m above ground", value)
	case 106:
		return fmt.Sprintf("%g m below ground", value)
	case 200:
		return "entire atmosphere (considered as a single layer)"
	case 211:
		return "boundary layer cloud layer"
	case 212:
		return "low cloud bottom level"
	case 213:
		return "low cloud top level"
	case 214:
		return "low cloud layer"
	case 222:
		return "middle cloud layer"
	case 232:
		return "high cloud layer"
	default:
		return fmt.Sprintf("level type %d value %g", surfaceType, value)
	}
}
