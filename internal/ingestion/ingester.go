// Package ingestion turns downloaded source files into chunked store
// objects plus catalog rows, and drives the resumable downloader that
// feeds it.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jcom-dev/gridweather/internal/catalog"
	"github.com/jcom-dev/gridweather/internal/goes"
	"github.com/jcom-dev/gridweather/internal/grib2"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
	"github.com/jcom-dev/gridweather/internal/gridstore"
)

// Ingester decodes source bytes and persists them. Decode failures are
// logged and skipped so one corrupt field never fails a whole batch.
type Ingester struct {
	store   gridstore.ObjectStore
	catalog catalog.Catalog
	params  grib2.ParameterTable
	opts    gridstore.WriteOptions
}

// NewIngester wires an ingester. A zero WriteOptions selects the
// defaults (256-cell chunks, zstd).
func NewIngester(store gridstore.ObjectStore, cat catalog.Catalog, params grib2.ParameterTable, opts gridstore.WriteOptions) *Ingester {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = gridstore.DefaultChunkSize
	}
	if opts.Compression == "" {
		opts.Compression = gridstore.CompressionZstd
	}
	return &Ingester{store: store, catalog: cat, params: params, opts: opts}
}

// storagePath names the chunked object for one field.
func storagePath(model, param, level string, ref time.Time, fh int) string {
	return fmt.Sprintf("%s/%s/%s/%s/f%03d", model, ref.UTC().Format("2006010215"), param, sanitizeLevel(level), fh)
}

func sanitizeLevel(level string) string {
	out := make([]rune, 0, len(level))
	for _, r := range level {
		if r == ' ' || r == '/' {
			r = '-'
		}
		out = append(out, r)
	}
	return string(out)
}

// IngestGRIB2 decodes every message in a GRIB2 file and writes each
// known parameter as one dataset. Returns the number ingested.
func (ing *Ingester) IngestGRIB2(ctx context.Context, data []byte, model string) (int, error) {
	it := grib2.NewIterator(data)
	ingested := 0
	for {
		msg, err := it.Next()
		if err != nil {
			break // io.EOF; malformed messages were already skipped inside
		}
		param, ok := ing.params.Lookup(msg)
		if !ok {
			slog.Debug("skipping unmapped parameter",
				"model", model,
				"discipline", msg.Discipline,
				"category", msg.ParameterCategory,
				"number", msg.ParameterNumber)
			continue
		}
		if err := ing.ingestMessage(ctx, msg, model, param); err != nil {
			slog.Error("failed to ingest message, continuing batch",
				"model", model, "parameter", param.Name, "error", err)
			continue
		}
		ingested++
	}
	return ingested, nil
}

// ingestMessage normalizes one decoded field to north-up west-east
// row-major order and persists it.
func (ing *Ingester) ingestMessage(ctx context.Context, msg *grib2.Message, model string, param grib2.Parameter) error {
	grid := msg.Grid
	values := msg.Values

	// Normalize scanning order: the store always holds row 0 = north,
	// column 0 = west.
	if grid.ScanPositiveJ {
		values = flipRows(values, grid.Ni, grid.Nj)
	}
	if grid.ScanNegativeI {
		values = flipCols(values, grid.Ni, grid.Nj)
	}

	north := math.Max(grid.La1, grid.La2)
	south := math.Min(grid.La1, grid.La2)
	west := math.Min(grid.Lo1, grid.Lo2)
	east := math.Max(grid.Lo1, grid.Lo2)
	// The last column/row center sits one increment inside the far edge.
	bbox := gridmodel.BBox{
		West: west, East: east + grid.Di,
		South: south - grid.Dj, North: north,
	}

	level := grib2.LevelString(msg.FirstSurfaceType, msg.FirstSurfaceValue)
	fh := msg.ForecastHour()
	path := storagePath(model, param.Name, level, msg.ReferenceTime, fh)

	res, err := gridstore.Write(ctx, ing.store, path, values, grid.Ni, grid.Nj, gridstore.Attributes{
		Model:         model,
		Parameter:     param.Name,
		Level:         level,
		Units:         param.Units,
		ReferenceTime: msg.ReferenceTime,
		ForecastHour:  fh,
		BBox:          bbox,
	}, ing.opts)
	if err != nil {
		return err
	}

	entry := gridmodel.DatasetEntry{
		Model:         model,
		Parameter:     param.Name,
		Level:         level,
		ReferenceTime: msg.ReferenceTime,
		ForecastHour:  fh,
		StoragePath:   path,
		BBox:          bbox,
		GridWidth:     grid.Ni,
		GridHeight:    grid.Nj,
		ChunkSize:     res.Meta.ChunkSize,
		Units:         param.Units,
		FillValue:     math.NaN(),
	}
	if err := ing.catalog.Upsert(ctx, entry); err != nil {
		return err
	}
	slog.Info("ingested field",
		"model", model, "parameter", param.Name, "level", level,
		"reference_time", msg.ReferenceTime.Format(time.RFC3339),
		"forecast_hour", fh, "bytes", res.BytesWritten)
	return nil
}

func flipRows(values []float32, ni, nj int) []float32 {
	out := make([]float32, len(values))
	for j := 0; j < nj; j++ {
		copy(out[j*ni:(j+1)*ni], values[(nj-1-j)*ni:(nj-j)*ni])
	}
	return out
}

func flipCols(values []float32, ni, nj int) []float32 {
	out := make([]float32, len(values))
	for j := 0; j < nj; j++ {
		row := values[j*ni : (j+1)*ni]
		dst := out[j*ni : (j+1)*ni]
		for i := 0; i < ni; i++ {
			dst[i] = row[ni-1-i]
		}
	}
	return out
}

// goesIngestResolution is the regular lat/lon cell size GOES fields are
// regridded to for the chunked store.
const goesIngestResolution = 0.02

// IngestGOES decodes an ABI CMI file, regrids it from scan-angle space
// to a regular lat/lon grid over the satellite's visible disk, and
// persists it like any model field. The observation time stamps the
// reference time with forecast hour zero.
func (ing *Ingester) IngestGOES(ctx context.Context, data []byte, satellite, parameter string, observed time.Time) error {
	cmi, err := goes.DecodeCMI(data)
	if err != nil {
		return err
	}

	w, s, e, n := cmi.Proj.GeographicBounds()
	// The limb itself is unusable; keep the central portion.
	const margin = 12.0
	bbox := gridmodel.BBox{West: w + margin, South: s + margin, East: e - margin, North: n - margin}

	width := int(bbox.Width() / goesIngestResolution)
	height := int(bbox.Height() / goesIngestResolution)
	out := make([]float32, width*height)
	nan := float32(math.NaN())

	for j := 0; j < height; j++ {
		lat := bbox.North - (float64(j)+0.5)*goesIngestResolution
		for i := 0; i < width; i++ {
			lon := bbox.West + (float64(i)+0.5)*goesIngestResolution
			xRad, yRad, ok := cmi.Proj.FromGeographic(lon, lat)
			if !ok {
				out[j*width+i] = nan
				continue
			}
			gi, gj := cmi.GridIndex(xRad, yRad)
			if gi < 0 || gi >= float64(cmi.Width-1) || gj < 0 || gj >= float64(cmi.Height-1) {
				out[j*width+i] = nan
				continue
			}
			out[j*width+i] = bilinearCMI(cmi, gi, gj)
		}
	}

	path := storagePath(satellite, parameter, "satellite", observed, 0)
	res, err := gridstore.Write(ctx, ing.store, path, out, width, height, gridstore.Attributes{
		Model:         satellite,
		Parameter:     parameter,
		Level:         "satellite",
		Units:         "K",
		ReferenceTime: observed,
		ForecastHour:  0,
		BBox:          bbox,
	}, ing.opts)
	if err != nil {
		return err
	}
	if err := ing.catalog.Upsert(ctx, gridmodel.DatasetEntry{
		Model: satellite, Parameter: parameter, Level: "satellite",
		ReferenceTime: observed, ForecastHour: 0,
		StoragePath: path, BBox: bbox,
		GridWidth: width, GridHeight: height, ChunkSize: res.Meta.ChunkSize,
		Units: "K", FillValue: math.NaN(),
	}); err != nil {
		return err
	}
	slog.Info("ingested satellite field",
		"satellite", satellite, "parameter", parameter,
		"observed", observed.Format(time.RFC3339), "bytes", res.BytesWritten)
	return nil
}

func bilinearCMI(cmi *goes.CMI, fi, fj float64) float32 {
	i0 := int(fi)
	j0 := int(fj)
	tx := fi - float64(i0)
	ty := fj - float64(j0)
	v00 := cmi.Data[j0*cmi.Width+i0]
	v10 := cmi.Data[j0*cmi.Width+i0+1]
	v01 := cmi.Data[(j0+1)*cmi.Width+i0]
	v11 := cmi.Data[(j0+1)*cmi.Width+i0+1]
	if v00 != v00 || v10 != v10 || v01 != v01 || v11 != v11 {
		return float32(math.NaN())
	}
	top := float64(v00) + (float64(v10)-float64(v00))*tx
	bot := float64(v01) + (float64(v11)-float64(v01))*tx
	return float32(top + (bot-top)*ty)
}
