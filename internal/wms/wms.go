// Package wms serves the OGC WMS 1.3.0 surface: GetCapabilities,
// GetMap and GetFeatureInfo over the render pipeline, with
// ServiceExceptionReport errors.
package wms

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
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

// maxMapPixels bounds GetMap output size.
const maxMapPixels = 4096

// LayerDef mirrors the WMTS layer advertisement.
type LayerDef struct {
	Name   string
	Title  string
	Styles []string
}

// Handler serves WMS 1.3.0.
type Handler struct {
	pipeline *render.Pipeline
	cache    *tilecache.Tiered
	catalog  catalog.Catalog
	store    gridstore.ObjectStore
	layers   []LayerDef
	baseURL  string
}

// NewHandler wires the WMS surface.
func NewHandler(pipeline *render.Pipeline, cache *tilecache.Tiered, cat catalog.Catalog, store gridstore.ObjectStore, layers []LayerDef, baseURL string) *Handler {
	return &Handler{pipeline: pipeline, cache: cache, catalog: cat, store: store, layers: layers, baseURL: baseURL}
}

// Routes mounts the single KVP endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.dispatch)
	return r
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch strings.ToLower(param(q, "REQUEST")) {
	case "getcapabilities":
		h.capabilities(w, r)
	case "getmap":
		h.getMap(w, r)
	case "getfeatureinfo":
		h.featureInfo(w, r)
	default:
		writeServiceException(w, http.StatusBadRequest, "OperationNotSupported", "REQUEST must be GetCapabilities, GetMap or GetFeatureInfo")
	}
}

func param(q map[string][]string, key string) string {
	for k, vals := range q {
		if strings.EqualFold(k, key) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// parseBBox handles the WMS 1.3.0 axis-order rules: EPSG:4326 is
// lat/lon ordered, CRS:84 and EPSG:3857 are x/y. 3857 values arrive in
// meters and convert to degrees.
func parseBBox(raw, crs string) (gridmodel.BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return gridmodel.BBox{}, fmt.Errorf("BBOX needs 4 comma-separated values")
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return gridmodel.BBox{}, fmt.Errorf("bad BBOX component %q", p)
		}
		vals[i] = v
	}

	switch strings.ToUpper(crs) {
	case "EPSG:4326":
		// miny,minx,maxy,maxx per the 1.3.0 axis order.
		return gridmodel.BBox{West: vals[1], South: vals[0], East: vals[3], North: vals[2]}, nil
	case "CRS:84":
		return gridmodel.BBox{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}, nil
	case "EPSG:3857":
		return gridmodel.BBox{
			West:  metersToLon(vals[0]),
			South: metersToLat(vals[1]),
			East:  metersToLon(vals[2]),
			North: metersToLat(vals[3]),
		}, nil
	default:
		return gridmodel.BBox{}, fmt.Errorf("unsupported CRS %q", crs)
	}
}

const webMercatorHalfCircumference = 20037508.342789244

func metersToLon(m float64) float64 {
	return m / webMercatorHalfCircumference * 180.0
}

func metersToLat(m float64) float64 {
	return math.Atan(math.Sinh(m/webMercatorHalfCircumference*math.Pi)) * 180.0 / math.Pi
}

func (h *Handler) getMap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	layers := param(q, "LAYERS")
	style := param(q, "STYLES")
	crs := param(q, "CRS")
	if crs == "" {
		crs = param(q, "SRS")
	}
	format := param(q, "FORMAT")
	datetime := param(q, "TIME")

	if layers == "" || crs == "" {
		writeServiceException(w, http.StatusBadRequest, "MissingParameterValue", "LAYERS and CRS are required")
		return
	}
	if format != "" && !strings.EqualFold(format, "image/png") {
		writeServiceException(w, http.StatusBadRequest, "InvalidFormat", fmt.Sprintf("unsupported FORMAT %q", format))
		return
	}
	width, errW := strconv.Atoi(param(q, "WIDTH"))
	height, errH := strconv.Atoi(param(q, "HEIGHT"))
	if errW != nil || errH != nil || width <= 0 || height <= 0 || width > maxMapPixels || height > maxMapPixels {
		writeServiceException(w, http.StatusBadRequest, "InvalidParameterValue", fmt.Sprintf("WIDTH and HEIGHT must be in [1, %d]", maxMapPixels))
		return
	}
	bbox, err := parseBBox(param(q, "BBOX"), crs)
	if err != nil {
		writeServiceException(w, http.StatusBadRequest, "InvalidParameterValue", err.Error())
		return
	}

	layerName := strings.Split(layers, ",")[0]
	layer, err := render.ParseLayer(layerName)
	if err != nil {
		writeServiceException(w, http.StatusBadRequest, "LayerNotDefined", err.Error())
		return
	}
	if style == "" {
		style = "gradient"
	}

	key := gridmodel.MapCacheKey(layerName, style, crs, bbox, width, height, datetime)
	if data, ok := h.cache.Get(r.Context(), key); ok {
		servePNG(w, data, "HIT")
		return
	}

	data, err := h.pipeline.Render(r.Context(), render.TileRequest{
		UseBBox:  true,
		BBox:     bbox,
		Width:    width,
		Height:   height,
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
	case isNoData(err):
		servePNG(w, render.TransparentTile(), "NODATA")
	case apperr.Is(err, apperr.KindInvalidRequest):
		writeServiceException(w, http.StatusBadRequest, "InvalidParameterValue", err.Error())
	default:
		slog.Error("wms render failed", "path", r.URL.Path, "error", err)
		writeServiceException(w, http.StatusInternalServerError, "NoApplicableCode", "map rendering failed")
	}
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

func servePNG(w http.ResponseWriter, data []byte, cacheStatus string) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Cache", cacheStatus)
	_, _ = w.Write(data)
}

// featureInfo samples the first query layer at pixel (I, J) of the map.
func (h *Handler) featureInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	queryLayers := param(q, "QUERY_LAYERS")
	if queryLayers == "" {
		writeServiceException(w, http.StatusBadRequest, "MissingParameterValue", "QUERY_LAYERS is required")
		return
	}
	infoFormat := param(q, "INFO_FORMAT")
	if infoFormat != "" && !strings.EqualFold(infoFormat, "application/json") {
		writeServiceException(w, http.StatusBadRequest, "InvalidFormat", fmt.Sprintf("unsupported INFO_FORMAT %q", infoFormat))
		return
	}

	crs := param(q, "CRS")
	bbox, err := parseBBox(param(q, "BBOX"), crs)
	if err != nil {
		writeServiceException(w, http.StatusBadRequest, "InvalidParameterValue", err.Error())
		return
	}
	width, _ := strconv.Atoi(param(q, "WIDTH"))
	height, _ := strconv.Atoi(param(q, "HEIGHT"))
	i, errI := strconv.Atoi(param(q, "I"))
	j, errJ := strconv.Atoi(param(q, "J"))
	if errI != nil || errJ != nil || width <= 0 || height <= 0 {
		writeServiceException(w, http.StatusBadRequest, "InvalidPoint", "I, J, WIDTH and HEIGHT are required integers")
		return
	}
	if i < 0 || i >= width || j < 0 || j >= height {
		writeServiceException(w, http.StatusBadRequest, "InvalidPoint", "I/J outside the map")
		return
	}

	layer, err := render.ParseLayer(strings.Split(queryLayers, ",")[0])
	if err != nil {
		writeServiceException(w, http.StatusBadRequest, "LayerNotDefined", err.Error())
		return
	}

	lon := bbox.West + (float64(i)+0.5)/float64(width)*bbox.Width()
	yTop := gridmodel.LatToMercatorY(bbox.North)
	yBottom := gridmodel.LatToMercatorY(bbox.South)
	lat := gridmodel.MercatorYToLat(yTop + (float64(j)+0.5)/float64(height)*(yBottom-yTop))

	value, units, err := h.sample(r, layer, param(q, "TIME"), lon, lat)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			writeServiceException(w, http.StatusNotFound, "LayerNotDefined", err.Error())
			return
		}
		slog.Error("wms feature info failed", "error", err)
		writeServiceException(w, http.StatusInternalServerError, "NoApplicableCode", "feature info failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"layer": layer.Name(),
		"lon":   lon,
		"lat":   lat,
		"value": value,
		"units": units,
	})
}

func (h *Handler) sample(r *http.Request, layer render.Layer, datetime string, lon, lat float64) (*float64, string, error) {
	ctx := r.Context()
	var entry *gridmodel.DatasetEntry
	var err error
	if datetime == "" {
		entry, err = h.catalog.Latest(ctx, layer.Model, layer.Parameter, layer.Level)
	} else {
		t, perr := time.Parse(time.RFC3339, datetime)
		if perr != nil {
			return nil, "", apperr.New(apperr.KindInvalidRequest, "wms.featureInfo", perr)
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
