// Package validation renders a sample of tiles at startup to catch
// broken styles, unreadable datasets and bad catalog rows before
// traffic does. Reports are advisory unless the fail-on-error switch is
// set.
package validation

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jcom-dev/gridweather/internal/apperr"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
	"github.com/jcom-dev/gridweather/internal/render"
)

// Status classifies one layer/style/zoom check.
type Status int

const (
	StatusOK Status = iota
	StatusNoData
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoData:
		return "no_data"
	case StatusError:
		return "error"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ParseStatus inverts String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "ok":
		return StatusOK, nil
	case "no_data":
		return StatusNoData, nil
	case "error":
		return StatusError, nil
	case "skipped":
		return StatusSkipped, nil
	default:
		return StatusError, apperr.New(apperr.KindParse, "validation.parseStatus", fmt.Errorf("unknown status %q", s))
	}
}

// MarshalText / UnmarshalText round-trip the status through JSON
// reports.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Check is one validation result.
type Check struct {
	Layer    string        `json:"layer"`
	Style    string        `json:"style"`
	Zoom     int           `json:"zoom"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Report is the full startup validation output.
type Report struct {
	Checks   []Check   `json:"checks"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Failed counts error-status checks.
func (r *Report) Failed() int {
	n := 0
	for _, c := range r.Checks {
		if c.Status == StatusError {
			n++
		}
	}
	return n
}

// Options come from the environment.
type Options struct {
	Enabled     bool
	Concurrency int
	ZoomLevels  []int
	SkipModels  map[string]bool
	FailOnError bool
}

// OptionsFromEnv reads the STARTUP_VALIDATION_* switches.
func OptionsFromEnv() Options {
	opts := Options{
		Enabled:     os.Getenv("ENABLE_STARTUP_VALIDATION") == "true",
		Concurrency: 4,
		ZoomLevels:  []int{2, 5},
		SkipModels:  map[string]bool{},
		FailOnError: os.Getenv("STARTUP_VALIDATION_FAIL_ON_ERROR") == "true",
	}
	if v := os.Getenv("STARTUP_VALIDATION_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Concurrency = n
		}
	}
	if v := os.Getenv("STARTUP_VALIDATION_ZOOM_LEVELS"); v != "" {
		var zooms []int
		for _, s := range strings.Split(v, ",") {
			if z, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				zooms = append(zooms, z)
			}
		}
		if len(zooms) > 0 {
			opts.ZoomLevels = zooms
		}
	}
	if v := os.Getenv("STARTUP_VALIDATION_SKIP_MODELS"); v != "" {
		for _, m := range strings.Split(v, ",") {
			opts.SkipModels[strings.TrimSpace(m)] = true
		}
	}
	return opts
}

// LayerStyle pairs one layer with one of its styles.
type LayerStyle struct {
	Layer string
	Style string
}

// Run renders one central tile per layer/style/zoom with bounded
// concurrency and collects a report.
func Run(ctx context.Context, pipeline *render.Pipeline, targets []LayerStyle, opts Options) *Report {
	report := &Report{Started: time.Now()}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for _, target := range targets {
		layer, err := render.ParseLayer(target.Layer)
		skipped := err == nil && opts.SkipModels[layer.Model]
		for _, zoom := range opts.ZoomLevels {
			target := target
			zoom := zoom
			if err != nil || skipped {
				mu.Lock()
				report.Checks = append(report.Checks, Check{
					Layer: target.Layer, Style: target.Style, Zoom: zoom, Status: StatusSkipped,
				})
				mu.Unlock()
				continue
			}
			layer := layer
			g.Go(func() error {
				n := 1 << uint(zoom)
				start := time.Now()
				_, renderErr := pipeline.Render(ctx, render.TileRequest{
					Tile:  gridmodel.Tile{Z: zoom, X: n / 2, Y: n / 2},
					Layer: layer,
					Style: target.Style,
				})
				check := Check{
					Layer: target.Layer, Style: target.Style, Zoom: zoom,
					Status: StatusOK, Duration: time.Since(start),
				}
				switch {
				case renderErr == nil:
				case isNoData(renderErr):
					check.Status = StatusNoData
				default:
					check.Status = StatusError
					check.Error = renderErr.Error()
				}
				mu.Lock()
				report.Checks = append(report.Checks, check)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	report.Finished = time.Now()
	return report
}

func isNoData(err error) bool {
	for err != nil {
		if err == render.ErrNoData {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
