// Package render turns grid regions into PNG tiles: Web Mercator
// resampling, color gradients, wind barbs and contour isolines.
package render

import (
	"encoding/json"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/jcom-dev/gridweather/internal/apperr"
)

// missingValueThreshold collapses MRMS-style sentinels: values at or
// below it render transparent. The chunked writer stores raw values,
// so the sentinels surface here, at style time, and nowhere else.
const missingValueThreshold = -90.0

// StyleType selects the rendering mode.
type StyleType string

const (
	StyleGradient      StyleType = "gradient"
	StyleClassified    StyleType = "classified"
	StyleContour       StyleType = "contour"
	StyleFilledContour StyleType = "filled_contour"
	StyleWindBarbs     StyleType = "wind_barbs"
	StyleWindArrows    StyleType = "wind_arrows"
)

// Transform converts stored units into the units the style's stops are
// declared in, applied before every stop lookup.
type Transform string

const (
	TransformNone               Transform = ""
	TransformKelvinToCelsius    Transform = "kelvin_to_celsius"
	TransformKelvinToFahrenheit Transform = "kelvin_to_fahrenheit"
	TransformPaToHpa            Transform = "pa_to_hpa"
	TransformMpsToKnots         Transform = "mps_to_knots"
	TransformLog10              Transform = "log10"
)

// Apply converts one value.
func (t Transform) Apply(v float64) float64 {
	switch t {
	case TransformKelvinToCelsius:
		return v - 273.15
	case TransformKelvinToFahrenheit:
		return (v-273.15)*9.0/5.0 + 32.0
	case TransformPaToHpa:
		return v / 100.0
	case TransformMpsToKnots:
		return v * 1.94384
	case TransformLog10:
		return 10.0 * math.Log10(v)
	default:
		return v
	}
}

// ColorStop is one entry of an ordered gradient.
type ColorStop struct {
	Value float64 `json:"value"`
	Color string  `json:"color"` // #RRGGBB or #RRGGBBAA
	Label string  `json:"label,omitempty"`

	rgba color.NRGBA
}

// Legend metadata is passed through to capabilities responses.
type Legend struct {
	Title string `json:"title,omitempty"`
	Units string `json:"units,omitempty"`
}

// OutOfRange picks what happens past the gradient ends.
type OutOfRange string

const (
	OutOfRangeClamp       OutOfRange = "clamp"
	OutOfRangeTransparent OutOfRange = "transparent"
)

// Style is one named rendering configuration from the style JSON.
type Style struct {
	Name       string      `json:"name,omitempty"`
	Type       StyleType   `json:"type"`
	Transform  Transform   `json:"transform,omitempty"`
	Stops      []ColorStop `json:"stops,omitempty"`
	Levels     []float64   `json:"levels,omitempty"`
	OutOfRange OutOfRange  `json:"out_of_range,omitempty"`
	Legend     *Legend     `json:"legend,omitempty"`

	// Contour options.
	LineWidth     float64            `json:"line_width,omitempty"`
	LineColor     string             `json:"line_color,omitempty"`
	Smoothing     int                `json:"smoothing,omitempty"`
	SpecialLevels map[string]Special `json:"special_levels,omitempty"`

	// Wind barb options.
	SpacingDegrees float64 `json:"spacing_degrees,omitempty"`
}

// Special overrides the stroke for one contour level (e.g. freezing).
type Special struct {
	LineWidth float64 `json:"line_width,omitempty"`
	LineColor string  `json:"line_color,omitempty"`
}

// StyleSet is the named-styles map loaded from a style JSON document.
type StyleSet struct {
	Styles map[string]*Style `json:"styles"`
}

// Get resolves a style by name, case-insensitively.
func (s *StyleSet) Get(name string) (*Style, bool) {
	if st, ok := s.Styles[name]; ok {
		return st, true
	}
	for k, st := range s.Styles {
		if strings.EqualFold(k, name) {
			return st, true
		}
	}
	return nil, false
}

// Names lists the configured style names.
func (s *StyleSet) Names() []string {
	out := make([]string, 0, len(s.Styles))
	for k := range s.Styles {
		out = append(out, k)
	}
	return out
}

// ParseStyleSet decodes and validates a style JSON document.
func ParseStyleSet(data []byte) (*StyleSet, error) {
	const op = "render.parseStyleSet"
	var set StyleSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, apperr.New(apperr.KindParse, op, err)
	}
	for name, st := range set.Styles {
		for i := range st.Stops {
			rgba, err := parseHexColor(st.Stops[i].Color)
			if err != nil {
				return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("style %q stop %d: %w", name, i, err))
			}
			st.Stops[i].rgba = rgba
		}
		for i := 1; i < len(st.Stops); i++ {
			if st.Stops[i].Value < st.Stops[i-1].Value {
				return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("style %q stops out of order at %d", name, i))
			}
		}
		if st.OutOfRange == "" {
			st.OutOfRange = OutOfRangeClamp
		}
	}
	return &set, nil
}

// LoadStyleDir reads every *.json under dir into one merged StyleSet.
// The directory comes from STYLE_CONFIG_DIR.
func LoadStyleDir(dir string) (*StyleSet, error) {
	const op = "render.loadStyleDir"
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, apperr.New(apperr.KindUnavailable, op, err)
	}
	merged := &StyleSet{Styles: map[string]*Style{}}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, apperr.New(apperr.KindUnavailable, op, err)
		}
		set, err := ParseStyleSet(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		for k, v := range set.Styles {
			merged.Styles[k] = v
		}
	}
	return merged, nil
}

func parseHexColor(s string) (color.NRGBA, error) {
	s = strings.TrimPrefix(s, "#")
	var c color.NRGBA
	c.A = 0xFF
	switch len(s) {
	case 8:
		if _, err := fmt.Sscanf(s, "%02x%02x%02x%02x", &c.R, &c.G, &c.B, &c.A); err != nil {
			return c, fmt.Errorf("bad color %q", s)
		}
	case 6:
		if _, err := fmt.Sscanf(s, "%02x%02x%02x", &c.R, &c.G, &c.B); err != nil {
			return c, fmt.Errorf("bad color %q", s)
		}
	default:
		return c, fmt.Errorf("bad color %q", s)
	}
	return c, nil
}

// GradientColor maps one raw grid value through the style's transform
// and stop list. NaN and sentinel values are transparent; out-of-range
// values clamp to the end stop or go transparent per policy.
func (s *Style) GradientColor(raw float64) color.NRGBA {
	if math.IsNaN(raw) || raw <= missingValueThreshold {
		return color.NRGBA{}
	}
	v := s.Transform.Apply(raw)
	stops := s.Stops
	if len(stops) == 0 {
		return color.NRGBA{}
	}
	if v <= stops[0].Value {
		if v < stops[0].Value && s.OutOfRange == OutOfRangeTransparent {
			return color.NRGBA{}
		}
		return stops[0].rgba
	}
	if v >= stops[len(stops)-1].Value {
		if v > stops[len(stops)-1].Value && s.OutOfRange == OutOfRangeTransparent {
			return color.NRGBA{}
		}
		return stops[len(stops)-1].rgba
	}
	// Find the bracketing pair.
	hi := 1
	for hi < len(stops) && stops[hi].Value < v {
		hi++
	}
	lo := hi - 1
	span := stops[hi].Value - stops[lo].Value
	t := 0.0
	if span > 0 {
		t = (v - stops[lo].Value) / span
	}
	if s.Type == StyleClassified {
		// Classified styles use the lower class color, no interpolation.
		return stops[lo].rgba
	}
	return lerpColor(stops[lo].rgba, stops[hi].rgba, t)
}

func lerpColor(a, b color.NRGBA, t float64) color.NRGBA {
	lerp := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return color.NRGBA{R: lerp(a.R, b.R), G: lerp(a.G, b.G), B: lerp(a.B, b.B), A: lerp(a.A, b.A)}
}
