package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"

	"github.com/jcom-dev/gridweather/internal/apperr"
	"github.com/jcom-dev/gridweather/internal/catalog"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
	"github.com/jcom-dev/gridweather/internal/gridstore"
	"github.com/jcom-dev/gridweather/internal/metrics"
)

// ErrNoData distinguishes "nothing in the catalog for this request"
// from an internal failure: callers serve a transparent tile for the
// former and a 500 for the latter.
var ErrNoData = errors.New("no dataset for layer")

// Layer names a renderable field: model_PARAMETER with an optional
// level suffix, e.g. "gfs_TMP" or "gfs_TMP_850-mb" (a hyphen in the
// suffix stands for a space in the level, "850 mb").
type Layer struct {
	Model     string
	Parameter string
	Level     string
}

// ParseLayer splits a layer name. The level defaults to "surface".
func ParseLayer(name string) (Layer, error) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Layer{}, apperr.New(apperr.KindInvalidRequest, "render.parseLayer", fmt.Errorf("layer %q is not model_PARAMETER[_level]", name))
	}
	l := Layer{Model: parts[0], Parameter: parts[1], Level: "surface"}
	if len(parts) == 3 {
		l.Level = strings.ReplaceAll(parts[2], "-", " ")
	}
	return l, nil
}

// Name renders the layer back to its wire form.
func (l Layer) Name() string {
	if l.Level == "" || l.Level == "surface" {
		return l.Model + "_" + l.Parameter
	}
	return l.Model + "_" + l.Parameter + "_" + strings.ReplaceAll(l.Level, " ", "-")
}

// TileRequest is one render: a tile or an explicit bbox+size, a layer,
// a style and an optional time ("" or "latest" selects the freshest).
type TileRequest struct {
	Tile     gridmodel.Tile
	UseBBox  bool
	BBox     gridmodel.BBox
	Width    int
	Height   int
	Layer    Layer
	Style    string
	Datetime string
}

// Pipeline renders tiles from the chunked store. Readers are opened per
// dataset path and share one chunk cache; the metrics registry is
// installed explicitly at construction.
type Pipeline struct {
	catalog    catalog.Catalog
	store      gridstore.ObjectStore
	chunkCache *gridstore.ChunkCache
	styles     *StyleSet
	metrics    *metrics.Registry
}

// NewPipeline wires the render dependencies together.
func NewPipeline(cat catalog.Catalog, store gridstore.ObjectStore, cache *gridstore.ChunkCache, styles *StyleSet, reg *metrics.Registry) *Pipeline {
	return &Pipeline{catalog: cat, store: store, chunkCache: cache, styles: styles, metrics: reg}
}

// Styles exposes the loaded style set for capabilities documents.
func (p *Pipeline) Styles() *StyleSet { return p.styles }

// Render runs the five stages and returns PNG bytes.
func (p *Pipeline) Render(ctx context.Context, req TileRequest) ([]byte, error) {
	style, ok := p.styles.Get(req.Style)
	if !ok {
		return nil, apperr.New(apperr.KindInvalidRequest, "render", fmt.Errorf("unknown style %q", req.Style))
	}
	layerType := string(style.Type)

	observe := func(stage metrics.Stage, start time.Time) {
		if p.metrics != nil {
			p.metrics.ObserveStage(layerType, stage, time.Since(start))
		}
	}

	switch style.Type {
	case StyleWindBarbs, StyleWindArrows:
		return p.renderBarbs(ctx, req, style, observe)
	default:
		return p.renderScalar(ctx, req, style, observe)
	}
}

func (p *Pipeline) resolve(ctx context.Context, layer Layer, datetime string) (*gridmodel.DatasetEntry, error) {
	if datetime == "" || strings.EqualFold(datetime, "latest") {
		e, err := p.catalog.Latest(ctx, layer.Model, layer.Parameter, layer.Level)
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, fmt.Errorf("%s: %w", layer.Name(), ErrNoData)
		}
		return e, err
	}
	t, err := time.Parse(time.RFC3339, datetime)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidRequest, "render.resolve", fmt.Errorf("bad datetime %q: %w", datetime, err))
	}
	e, err := p.catalog.FindValid(ctx, layer.Model, layer.Parameter, layer.Level, t.UTC())
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, fmt.Errorf("%s at %s: %w", layer.Name(), datetime, ErrNoData)
	}
	return e, err
}

// regionFor reads the native-resolution region behind the request's
// geographic footprint.
func (p *Pipeline) regionFor(ctx context.Context, e *gridmodel.DatasetEntry, req TileRequest) (*gridstore.GridRegion, bool, error) {
	reader, err := gridstore.Open(ctx, p.store, e.StoragePath, p.chunkCache)
	if err != nil {
		return nil, false, err
	}
	bbox := req.BBox
	if !req.UseBBox {
		bbox = req.Tile.BBox()
	}
	// One extra cell on each side keeps bilinear sampling clean at tile
	// edges.
	dx, dy := reader.Meta().Resolution()
	bbox = gridmodel.BBox{
		West: bbox.West - dx, East: bbox.East + dx,
		South: bbox.South - dy, North: bbox.North + dy,
	}
	region, err := reader.ReadRegion(ctx, bbox)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, false, fmt.Errorf("%s: %w", e.StoragePath, ErrNoData)
		}
		return nil, false, err
	}
	global := reader.Meta().Attrs.BBox.Width() >= 359.0
	return region, global, nil
}

func (p *Pipeline) outputSize(req TileRequest) (int, int) {
	if req.UseBBox {
		return req.Width, req.Height
	}
	return gridmodel.TileSize, gridmodel.TileSize
}

func (p *Pipeline) renderScalar(ctx context.Context, req TileRequest, style *Style, observe func(metrics.Stage, time.Time)) ([]byte, error) {
	start := time.Now()
	entry, err := p.resolve(ctx, req.Layer, req.Datetime)
	observe(metrics.StageCatalogResolve, start)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	region, global, err := p.regionFor(ctx, entry, req)
	observe(metrics.StageRegionRead, start)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	w, h := p.outputSize(req)
	var raster *Raster
	if req.UseBBox {
		raster = ResampleToBBox(region, req.BBox, w, h, global)
	} else {
		raster = ResampleToTile(region, req.Tile, w, h, global)
	}
	observe(metrics.StageResample, start)

	start = time.Now()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	switch style.Type {
	case StyleContour:
		RenderIsolines(img, raster, style)
	case StyleFilledContour:
		applyGradient(img, raster, style)
		RenderIsolines(img, raster, style)
	default:
		applyGradient(img, raster, style)
	}
	observe(metrics.StageStyleApply, start)

	return p.encode(img, observe)
}

func (p *Pipeline) renderBarbs(ctx context.Context, req TileRequest, style *Style, observe func(metrics.Stage, time.Time)) ([]byte, error) {
	uLayer := req.Layer
	uLayer.Parameter = "UGRD"
	vLayer := req.Layer
	vLayer.Parameter = "VGRD"

	start := time.Now()
	uEntry, err := p.resolve(ctx, uLayer, req.Datetime)
	if err != nil {
		return nil, err
	}
	vEntry, err := p.resolve(ctx, vLayer, req.Datetime)
	observe(metrics.StageCatalogResolve, start)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	uRegion, global, err := p.regionFor(ctx, uEntry, req)
	if err != nil {
		return nil, err
	}
	vRegion, _, err := p.regionFor(ctx, vEntry, req)
	observe(metrics.StageRegionRead, start)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	w, h := p.outputSize(req)
	var uRaster, vRaster *Raster
	if req.UseBBox {
		uRaster = ResampleToBBox(uRegion, req.BBox, w, h, global)
		vRaster = ResampleToBBox(vRegion, req.BBox, w, h, global)
	} else {
		uRaster = ResampleToTile(uRegion, req.Tile, w, h, global)
		vRaster = ResampleToTile(vRegion, req.Tile, w, h, global)
	}
	observe(metrics.StageResample, start)

	start = time.Now()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	tile := req.Tile
	if req.UseBBox {
		// Barbs on explicit-bbox maps reuse the tile path by synthesizing
		// the zoom-6 tile containing the box's center.
		tile = gridmodel.TileAt((req.BBox.West+req.BBox.East)/2, (req.BBox.South+req.BBox.North)/2, 6)
	}
	RenderWindBarbs(img, tile, uRaster, vRaster, style)
	observe(metrics.StageStyleApply, start)

	return p.encode(img, observe)
}

func applyGradient(img *image.RGBA, raster *Raster, style *Style) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := style.GradientColor(float64(raster.At(x, y)))
			if c.A == 0 {
				continue
			}
			setPixel(img, x, y, c)
		}
	}
}

func (p *Pipeline) encode(img *image.RGBA, observe func(metrics.Stage, time.Time)) ([]byte, error) {
	start := time.Now()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		if p.metrics != nil {
			p.metrics.RecordRenderError()
		}
		return nil, apperr.New(apperr.KindUnavailable, "render.encode", err)
	}
	observe(metrics.StageEncode, start)
	if p.metrics != nil {
		p.metrics.RecordRequest(buf.Len())
	}
	return buf.Bytes(), nil
}

// TransparentTile returns a blank PNG of tile dimensions, served when a
// layer has no data rather than failing the map client.
func TransparentTile() []byte {
	img := image.NewRGBA(image.Rect(0, 0, gridmodel.TileSize, gridmodel.TileSize))
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
