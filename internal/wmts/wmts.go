// Package wmts serves the OGC WMTS 1.0.0 surface: KVP and RESTful tile
// fetch, GetCapabilities XML and GetFeatureInfo, backed by the render
// pipeline and the two-tier tile cache.
package wmts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jcom-dev/gridweather/internal/apperr"
	"github.com/jcom-dev/gridweather/internal/catalog"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
	"github.com/jcom-dev/gridweather/internal/gridstore"
	"github.com/jcom-dev/gridweather/internal/render"
	"github.com/jcom-dev/gridweather/internal/tilecache"
)

// LayerDef is one advertised layer: the render layer plus which styles
// apply to it.
type LayerDef struct {
	Name   string
	Title  string
	Styles []string
}

// Handler serves WMTS over the render pipeline.
type Handler struct {
	pipeline *render.Pipeline
	cache    *tilecache.Tiered
	catalog  catalog.Catalog
	store    gridstore.ObjectStore
	layers   []LayerDef
	baseURL  string
}

// NewHandler wires the WMTS surface.
func NewHandler(pipeline *render.Pipeline, cache *tilecache.Tiered, cat catalog.Catalog, store gridstore.ObjectStore, layers []LayerDef, baseURL string) *Handler {
	return &Handler{pipeline: pipeline, cache: cache, catalog: cat, store: store, layers: layers, baseURL: baseURL}
}

// Routes mounts both the KVP endpoint and the RESTful tile tree.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.kvp)
	r.Get("/rest/{layer}/{style}/{tms}/{z}/{row}/{col}", h.restTile)
	r.Get("/rest/{layer}/{style}/{time}/{tms}/{z}/{row}/{col}", h.restTileWithTime)
	return r
}

func (h *Handler) kvp(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	request := strings.ToLower(firstParam(q, "REQUEST", "Request", "request"))
	switch request {
	case "getcapabilities":
		h.capabilities(w, r)
	case "gettile":
		h.kvpTile(w, r)
	case "getfeatureinfo":
		h.featureInfo(w, r)
	default:
		writeException(w, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("unsupported REQUEST %q", request))
	}
}

func firstParam(q map[string][]string, keys ...string) string {
	for _, k := range keys {
		if vals, ok := q[k]; ok && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

func (h *Handler) kvpTile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	layer := firstParam(q, "LAYER", "Layer", "layer")
	style := firstParam(q, "STYLE", "Style", "style")
	tms := firstParam(q, "TILEMATRIXSET", "TileMatrixSet", "tilematrixset")
	z, errZ := strconv.Atoi(firstParam(q, "TILEMATRIX", "TileMatrix", "tilematrix"))
	row, errRow := strconv.Atoi(firstParam(q, "TILEROW", "TileRow", "tilerow"))
	col, errCol := strconv.Atoi(firstParam(q, "TILECOL", "TileCol", "tilecol"))
	if errZ != nil || errRow != nil || errCol != nil {
		writeException(w, http.StatusBadRequest, "MissingParameterValue", "TILEMATRIX, TILEROW and TILECOL are required integers")
		return
	}
	h.serveTile(w, r, layer, style, tms, z, col, row, firstParam(q, "TIME", "Time", "time"))
}

func (h *Handler) restTile(w http.ResponseWriter, r *http.Request) {
	h.restServe(w, r, "")
}

func (h *Handler) restTileWithTime(w http.ResponseWriter, r *http.Request) {
	h.restServe(w, r, chi.URLParam(r, "time"))
}

func (h *Handler) restServe(w http.ResponseWriter, r *http.Request, datetime string) {
	z, errZ := strconv.Atoi(chi.URLParam(r, "z"))
	row, errRow := strconv.Atoi(chi.URLParam(r, "row"))
	col := chi.URLParam(r, "col")
	// The column carries the extension: 4.png, 4.jpg, 4.webp.
	ext := ""
	if idx := strings.LastIndexByte(col, '.'); idx >= 0 {
		ext = col[idx+1:]
		col = col[:idx]
	}
	colN, errCol := strconv.Atoi(col)
	if errZ != nil || errRow != nil || errCol != nil {
		writeException(w, http.StatusBadRequest, "InvalidParameterValue", "tile coordinates must be integers")
		return
	}
	switch ext {
	case "", "png", "jpg", "webp":
	default:
		writeException(w, http.StatusBadRequest, "InvalidParameterValue", fmt.Sprintf("unsupported format %q", ext))
		return
	}
	h.serveTile(w, r, chi.URLParam(r, "layer"), chi.URLParam(r, "style"), chi.URLParam(r, "tms"), z, colN, row, datetime)
}

func (h *Handler) serveTile(w http.ResponseWriter, r *http.Request, layerName, style, tms string, z, x, y int, datetime string) {
	if tms != "" && !strings.EqualFold(tms, "WebMercatorQuad") {
		writeException(w, http.StatusBadRequest, "InvalidParameterValue", fmt.Sprintf("unsupported tile matrix set %q", tms))
		return
	}
	tile := gridmodel.Tile{Z: z, X: x, Y: y}
	if !tile.Valid() {
		writeException(w, http.StatusBadRequest, "TileOutOfRange", fmt.Sprintf("tile %d/%d/%d outside the matrix", z, y, x))
		return
	}
	layer, err := render.ParseLayer(layerName)
	if err != nil {
		writeException(w, http.StatusBadRequest, "InvalidParameterValue", err.Error())
		return
	}

	key := gridmodel.TileCacheKey(layerName, style, "EPSG:3857", tile, datetime)
	if data, ok := h.cache.Get(r.Context(), key); ok {
		servePNG(w, data, "HIT")
		return
	}

	data, err := h.pipeline.Render(r.Context(), render.TileRequest{
		Tile:     tile,
		Layer:    layer,
		Style:    style,
		Datetime: datetime,
	})
	if err != nil {
		h.renderFailure(w, r, err)
		return
	}
	h.cache.Set(r.Context(), key, data)
	servePNG(w, data, "MISS")
}

func (h *Handler) renderFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errorsIsNoData(err):
		// A known layer with no data serves a transparent tile, not a 500.
		servePNG(w, render.TransparentTile(), "NODATA")
	case apperr.Is(err, apperr.KindInvalidRequest):
		writeException(w, http.StatusBadRequest, "InvalidParameterValue", err.Error())
	default:
		slog.Error("wmts render failed", "path", r.URL.Path, "error", err)
		writeException(w, http.StatusInternalServerError, "NoApplicableCode", "tile rendering failed")
	}
}

func errorsIsNoData(err error) bool {
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

func servePNG(w http.ResponseWriter, data []byte, cacheStatus string) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Cache", cacheStatus)
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(data)
}

// featureInfo samples the dataset under one tile pixel and returns the
// raw value as JSON.
func (h *Handler) featureInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	layerName := firstParam(q, "LAYER", "Layer", "layer")
	z, _ := strconv.Atoi(firstParam(q, "TILEMATRIX", "TileMatrix", "tilematrix"))
	row, _ := strconv.Atoi(firstParam(q, "TILEROW", "TileRow", "tilerow"))
	col, _ := strconv.Atoi(firstParam(q, "TILECOL", "TileCol", "tilecol"))
	i, _ := strconv.Atoi(firstParam(q, "I", "i"))
	j, _ := strconv.Atoi(firstParam(q, "J", "j"))

	layer, err := render.ParseLayer(layerName)
	if err != nil {
		writeException(w, http.StatusBadRequest, "InvalidParameterValue", err.Error())
		return
	}
	tile := gridmodel.Tile{Z: z, X: col, Y: row}
	if !tile.Valid() {
		writeException(w, http.StatusBadRequest, "TileOutOfRange", "tile outside the matrix")
		return
	}

	bbox := tile.BBox()
	lon := bbox.West + (float64(i)+0.5)/gridmodel.TileSize*bbox.Width()
	yTop, yBottom := tile.MercatorYRange()
	lat := gridmodel.MercatorYToLat(yTop + (float64(j)+0.5)/gridmodel.TileSize*(yBottom-yTop))

	value, units, err := h.sample(r.Context(), layer, firstParam(q, "TIME", "Time", "time"), lon, lat)
	if err != nil {
		if errorsIsNoData(err) || apperr.Is(err, apperr.KindNotFound) {
			writeException(w, http.StatusNotFound, "LayerNotDefined", err.Error())
			return
		}
		slog.Error("wmts feature info failed", "error", err)
		writeException(w, http.StatusInternalServerError, "NoApplicableCode", "feature info failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"layer": layerName,
		"lon":   lon,
		"lat":   lat,
		"value": value,
		"units": units,
	})
}

func (h *Handler) sample(ctx context.Context, layer render.Layer, datetime string, lon, lat float64) (*float64, string, error) {
	var entry *gridmodel.DatasetEntry
	var err error
	if datetime == "" || strings.EqualFold(datetime, "latest") {
		entry, err = h.catalog.Latest(ctx, layer.Model, layer.Parameter, layer.Level)
	} else {
		var t time.Time
		t, err = time.Parse(time.RFC3339, datetime)
		if err != nil {
			return nil, "", apperr.New(apperr.KindInvalidRequest, "wmts.featureInfo", err)
		}
		entry, err = h.catalog.FindValid(ctx, layer.Model, layer.Parameter, layer.Level, t.UTC())
	}
	if err != nil {
		return nil, "", err
	}
	reader, err := gridstore.Open(ctx, h.store, entry.StoragePath, nil)
	if err != nil {
		return nil, "", err
	}
	v, ok, err := reader.ReadPoint(ctx, lon, lat)
	if err != nil {
		return nil, "", err
	}
	if !ok || v != v {
		return nil, entry.Units, nil
	}
	out := float64(v)
	return &out, entry.Units, nil
}
