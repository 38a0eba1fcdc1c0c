package edr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jcom-dev/gridweather/internal/apperr"
)

// ParameterConfig binds one served parameter and the catalog levels it
// is published at.
type ParameterConfig struct {
	Name   string   `json:"name"`
	Units  string   `json:"units,omitempty"`
	Levels []string `json:"levels,omitempty"`
}

// LevelFilter declares how numeric z values map into catalog level
// strings for this collection.
type LevelFilter struct {
	LevelType string `json:"level_type"`
	LevelCode int    `json:"level_code,omitempty"`
}

// Limits bound query cost before any I/O happens.
type Limits struct {
	MaxAreaSqDegrees float64 `json:"max_area_sq_degrees"`
	MaxRadiusKm      float64 `json:"max_radius_km"`
	MaxCells         int64   `json:"max_cells"`
}

// Location is a named query point for the locations endpoint.
type Location struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lon  float64 `json:"lon"`
	Lat  float64 `json:"lat"`
}

// Collection binds a model, its parameter list and level semantics
// under one EDR collection id.
type Collection struct {
	ID          string            `json:"id"`
	Title       string            `json:"title,omitempty"`
	Model       string            `json:"model"`
	Parameters  []ParameterConfig `json:"parameters"`
	LevelFilter LevelFilter       `json:"level_filter"`
	Limits      Limits            `json:"limits"`
	Locations   []Location        `json:"locations,omitempty"`
}

// DefaultLimits apply when a collection config leaves them zero.
var DefaultLimits = Limits{
	MaxAreaSqDegrees: 400,
	MaxRadiusKm:      1000,
	MaxCells:         4_000_000,
}

// CollectionSet is the loaded configuration keyed by collection id.
type CollectionSet struct {
	byID  map[string]*Collection
	order []string
}

// Get resolves a collection by id.
func (s *CollectionSet) Get(id string) (*Collection, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// All lists collections in configuration order.
func (s *CollectionSet) All() []*Collection {
	out := make([]*Collection, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// ParseCollections decodes a JSON array of collection configs.
func ParseCollections(data []byte) (*CollectionSet, error) {
	const op = "edr.parseCollections"
	var list []*Collection
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, apperr.New(apperr.KindParse, op, err)
	}
	set := &CollectionSet{byID: map[string]*Collection{}}
	for _, c := range list {
		if c.ID == "" || c.Model == "" {
			return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("collection needs id and model"))
		}
		if c.Limits.MaxAreaSqDegrees <= 0 {
			c.Limits.MaxAreaSqDegrees = DefaultLimits.MaxAreaSqDegrees
		}
		if c.Limits.MaxRadiusKm <= 0 {
			c.Limits.MaxRadiusKm = DefaultLimits.MaxRadiusKm
		}
		if c.Limits.MaxCells <= 0 {
			c.Limits.MaxCells = DefaultLimits.MaxCells
		}
		set.byID[c.ID] = c
		set.order = append(set.order, c.ID)
	}
	return set, nil
}

// LoadCollectionsDir merges every *.json in a config directory.
func LoadCollectionsDir(dir string) (*CollectionSet, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, apperr.New(apperr.KindUnavailable, "edr.loadCollections", err)
	}
	merged := &CollectionSet{byID: map[string]*Collection{}}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, apperr.New(apperr.KindUnavailable, "edr.loadCollections", err)
		}
		set, err := ParseCollections(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		for _, c := range set.All() {
			if _, dup := merged.byID[c.ID]; !dup {
				merged.order = append(merged.order, c.ID)
			}
			merged.byID[c.ID] = c
		}
	}
	return merged, nil
}

// Parameter resolves a parameter config by name.
func (c *Collection) Parameter(name string) (*ParameterConfig, bool) {
	for i := range c.Parameters {
		if strings.EqualFold(c.Parameters[i].Name, name) {
			return &c.Parameters[i], true
		}
	}
	return nil, false
}

// LevelString maps a numeric z (or a named level passed through
// verbatim) into the catalog's level string per the collection's level
// type. Isobaric levels arrive in hPa.
func (c *Collection) LevelString(z string) (string, error) {
	if z == "" {
		return c.defaultLevel(), nil
	}
	if v, err := strconv.ParseFloat(z, 64); err == nil {
		switch c.LevelFilter.LevelType {
		case "isobaric":
			return fmt.Sprintf("%g mb", v), nil
		case "height_above_ground":
			return fmt.Sprintf("%g m above ground", v), nil
		case "height_above_msl":
			return fmt.Sprintf("%g m above mean sea level", v), nil
		case "surface", "":
			return "surface", nil
		case "mean_sea_level":
			return "mean sea level", nil
		case "entire_atmosphere":
			return "entire atmosphere", nil
		default:
			return "", apperr.New(apperr.KindInvalidRequest, "edr.level",
				fmt.Errorf("numeric level for level type %q", c.LevelFilter.LevelType))
		}
	}
	// Named levels ("low cloud layer", "surface") pass through with
	// dashes folded to spaces for URL friendliness.
	return strings.ReplaceAll(z, "-", " "), nil
}

func (c *Collection) defaultLevel() string {
	switch c.LevelFilter.LevelType {
	case "mean_sea_level":
		return "mean sea level"
	case "entire_atmosphere":
		return "entire atmosphere"
	case "cloud_layer":
		return "low cloud layer"
	default:
		return "surface"
	}
}

// Levels lists every configured level for a parameter, falling back to
// the collection default.
func (c *Collection) Levels(param *ParameterConfig) []string {
	if len(param.Levels) > 0 {
		return param.Levels
	}
	return []string{c.defaultLevel()}
}
