package edr

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/jcom-dev/gridweather/internal/apperr"
)

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownInstance   = errors.New("unknown instance")
	ErrUnknownQueryType  = errors.New("unknown query type")
)

// Handler serves the OGC EDR 1.1 surface over the Planner.
type Handler struct {
	planner *Planner
}

// NewHandler builds the EDR HTTP surface.
func NewHandler(planner *Planner) *Handler {
	return &Handler{planner: planner}
}

// Routes mounts the EDR endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/collections", h.listCollections)
	r.Route("/collections/{collectionID}", func(r chi.Router) {
		r.Get("/", h.getCollection)
		r.Get("/instances", h.listInstances)
		r.Route("/instances/{instanceID}", func(r chi.Router) {
			r.Get("/{queryType}", h.query)
			r.Get("/locations/{locationID}", h.queryLocation)
		})
		r.Get("/{queryType}", h.query)
		r.Get("/locations/{locationID}", h.queryLocation)
	})
	return r
}

// ExceptionResponse is the JSON error body every EDR failure returns.
type ExceptionResponse struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func writeJSON(w http.ResponseWriter, status int, contentType string, body any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	code := http.StatusText(status)
	desc := err.Error()
	if status >= 500 {
		// Internal detail stays in the log; the client gets a correlation id.
		id := uuid.NewString()
		slog.Error("edr request failed", "correlation_id", id, "path", r.URL.Path, "error", err)
		desc = "internal error, correlation id " + id
	}
	writeJSON(w, status, "application/json", ExceptionResponse{Code: code, Description: desc})
}

// negotiate picks the response encoding from the f parameter or Accept
// header. Unsupported requests get a 406.
func negotiate(r *http.Request) (string, bool) {
	switch strings.ToLower(r.URL.Query().Get("f")) {
	case "json", "coveragejson", "covjson":
		return ContentTypeCoverageJSON, true
	case "geojson":
		return ContentTypeGeoJSON, true
	case "":
	default:
		return "", false
	}
	accept := r.Header.Get("Accept")
	switch {
	case accept == "", strings.Contains(accept, "*/*"),
		strings.Contains(accept, ContentTypeCoverageJSON), strings.Contains(accept, "application/json"):
		return ContentTypeCoverageJSON, true
	case strings.Contains(accept, ContentTypeGeoJSON):
		return ContentTypeGeoJSON, true
	default:
		return "", false
	}
}

// collectionInfo is the discovery document for one collection.
type collectionInfo struct {
	ID             string              `json:"id"`
	Title          string              `json:"title,omitempty"`
	Extent         map[string]any      `json:"extent"`
	CRS            []string            `json:"crs"`
	OutputFormats  []string            `json:"output_formats"`
	DataQueries    map[string]any      `json:"data_queries"`
	ParameterNames map[string]CovParam `json:"parameter_names"`
}

func (h *Handler) collectionInfo(ctx context.Context, c *Collection) collectionInfo {
	params := map[string]CovParam{}
	for i := range c.Parameters {
		pc := &c.Parameters[i]
		params[pc.Name] = covParamFor(pc.Name, pc.Units)
	}
	extent := map[string]any{
		"spatial": map[string]any{
			"bbox": [][]float64{{-180, -90, 180, 90}},
			"crs":  "CRS84",
		},
	}
	if times, err := h.planner.Catalog().ValidTimes(ctx, c.Model); err == nil && len(times) > 0 {
		extent["temporal"] = map[string]any{
			"interval": [][]string{{
				times[0].UTC().Format(time.RFC3339),
				times[len(times)-1].UTC().Format(time.RFC3339),
			}},
		}
	}
	queries := map[string]any{}
	for _, qt := range []string{"position", "area", "radius", "trajectory", "corridor", "cube", "locations"} {
		queries[qt] = map[string]any{
			"link": map[string]string{"href": "/edr/collections/" + c.ID + "/" + qt},
		}
	}
	return collectionInfo{
		ID:             c.ID,
		Title:          c.Title,
		Extent:         extent,
		CRS:            []string{"CRS84"},
		OutputFormats:  []string{"CoverageJSON", "GeoJSON"},
		DataQueries:    queries,
		ParameterNames: params,
	}
}

func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request) {
	var infos []collectionInfo
	for _, c := range h.planner.Collections().All() {
		infos = append(infos, h.collectionInfo(r.Context(), c))
	}
	writeJSON(w, http.StatusOK, "application/json", map[string]any{"collections": infos})
}

func (h *Handler) getCollection(w http.ResponseWriter, r *http.Request) {
	c, ok := h.planner.Collections().Get(chi.URLParam(r, "collectionID"))
	if !ok {
		h.writeError(w, r, apperr.New(apperr.KindNotFound, "edr.collection", ErrUnknownCollection))
		return
	}
	writeJSON(w, http.StatusOK, "application/json", h.collectionInfo(r.Context(), c))
}

func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request) {
	c, ok := h.planner.Collections().Get(chi.URLParam(r, "collectionID"))
	if !ok {
		h.writeError(w, r, apperr.New(apperr.KindNotFound, "edr.collection", ErrUnknownCollection))
		return
	}
	refs, err := h.planner.Catalog().ReferenceTimes(r.Context(), c.Model)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	instances := make([]map[string]any, 0, len(refs))
	for _, t := range refs {
		instances = append(instances, map[string]any{"id": t.UTC().Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, "application/json", map[string]any{"instances": instances})
}

func (h *Handler) buildQuery(r *http.Request) (*Query, error) {
	c, ok := h.planner.Collections().Get(chi.URLParam(r, "collectionID"))
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "edr.collection", ErrUnknownCollection)
	}
	q := &Query{Collection: c}

	if inst := chi.URLParam(r, "instanceID"); inst != "" {
		t, err := time.Parse(time.RFC3339, inst)
		if err != nil {
			return nil, apperr.New(apperr.KindNotFound, "edr.instance", ErrUnknownInstance)
		}
		refs, err := h.planner.Catalog().ReferenceTimes(r.Context(), c.Model)
		if err != nil {
			return nil, err
		}
		found := false
		for _, ref := range refs {
			if ref.Equal(t) {
				found = true
				break
			}
		}
		if !found {
			return nil, apperr.New(apperr.KindNotFound, "edr.instance", ErrUnknownInstance)
		}
		utc := t.UTC()
		q.Instance = &utc
	}

	vals := r.URL.Query()
	q.Coords = vals.Get("coords")
	q.Datetime = vals.Get("datetime")
	q.Z = vals.Get("z")
	q.Within = vals.Get("within")
	q.WithinUnits = vals.Get("within-units")
	q.CorridorWidth = vals.Get("corridor-width")
	q.WidthUnits = vals.Get("width-units")
	q.BBox = vals.Get("bbox")
	if names := vals.Get("parameter-name"); names != "" {
		for _, n := range strings.Split(names, ",") {
			q.ParameterNames = append(q.ParameterNames, strings.TrimSpace(n))
		}
	}
	return q, nil
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	contentType, ok := negotiate(r)
	if !ok {
		writeJSON(w, http.StatusNotAcceptable, "application/json",
			ExceptionResponse{Code: "NotAcceptable", Description: "supported formats: coveragejson, geojson"})
		return
	}
	q, err := h.buildQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var result any
	switch chi.URLParam(r, "queryType") {
	case "position":
		result, err = h.planner.Position(r.Context(), q)
	case "area":
		result, err = h.planner.Area(r.Context(), q)
	case "radius":
		result, err = h.planner.Radius(r.Context(), q)
	case "trajectory":
		result, err = h.planner.Trajectory(r.Context(), q)
	case "corridor":
		result, err = h.planner.Corridor(r.Context(), q)
	case "cube":
		result, err = h.planner.Cube(r.Context(), q)
	case "locations":
		h.listLocations(w, r, q)
		return
	default:
		err = apperr.New(apperr.KindInvalidRequest, "edr.query", ErrUnknownQueryType)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if contentType == ContentTypeGeoJSON {
		if fc, ok := toGeoJSON(result); ok {
			writeJSON(w, http.StatusOK, ContentTypeGeoJSON, fc)
			return
		}
		// The result has no flat feature rendering; CoverageJSON it is.
		contentType = ContentTypeCoverageJSON
	}
	writeJSON(w, http.StatusOK, contentType, result)
}

func (h *Handler) listLocations(w http.ResponseWriter, r *http.Request, q *Query) {
	fc := geojson.NewFeatureCollection()
	for _, loc := range q.Collection.Locations {
		f := geojson.NewFeature(orb.Point{loc.Lon, loc.Lat})
		f.ID = loc.ID
		f.Properties = geojson.Properties{"name": loc.Name}
		fc.Append(f)
	}
	writeJSON(w, http.StatusOK, ContentTypeGeoJSON, fc)
}

func (h *Handler) queryLocation(w http.ResponseWriter, r *http.Request) {
	q, err := h.buildQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.planner.LocationByID(r.Context(), q, chi.URLParam(r, "locationID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ContentTypeCoverageJSON, result)
}

// toGeoJSON flattens point-style coverages into a FeatureCollection.
// Grid and trajectory results stay CoverageJSON.
func toGeoJSON(result any) (*geojson.FeatureCollection, bool) {
	covs := []Coverage{}
	switch v := result.(type) {
	case Coverage:
		covs = append(covs, v)
	case CoverageCollection:
		covs = v.Coverages
	default:
		return nil, false
	}

	fc := geojson.NewFeatureCollection()
	for _, cov := range covs {
		if cov.Domain.DomainType != "Point" && cov.Domain.DomainType != "PointSeries" {
			return nil, false
		}
		xAxis, yAxis := cov.Domain.Axes["x"], cov.Domain.Axes["y"]
		if len(xAxis.Values) == 0 || len(yAxis.Values) == 0 {
			continue
		}
		lon, _ := xAxis.Values[0].(float64)
		lat, _ := yAxis.Values[0].(float64)
		f := geojson.NewFeature(orb.Point{lon, lat})
		for name, nd := range cov.Ranges {
			if len(nd.Values) > 0 && nd.Values[0] != nil {
				f.Properties[name] = *nd.Values[0]
			}
		}
		fc.Append(f)
	}
	return fc, true
}
