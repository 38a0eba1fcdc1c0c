package wmts

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcom-dev/gridweather/internal/catalog"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
	"github.com/jcom-dev/gridweather/internal/gridstore"
	"github.com/jcom-dev/gridweather/internal/metrics"
	"github.com/jcom-dev/gridweather/internal/render"
	"github.com/jcom-dev/gridweather/internal/tilecache"
)

var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

const styleJSON = `{"styles":{"gradient":{"type":"gradient","transform":"kelvin_to_celsius",
	"stops":[{"value":-40,"color":"#0000FF"},{"value":40,"color":"#FF0000"}]}}}`

func setup(t *testing.T) (*httptest.Server, *tilecache.Tiered) {
	t.Helper()
	ctx := context.Background()
	store := gridstore.NewMemStore()
	cat := catalog.NewMemory()

	ref := time.Date(2024, 12, 29, 12, 0, 0, 0, time.UTC)
	bbox := gridmodel.BBox{West: -180, South: -85, East: 180, North: 85}
	w, h := 360, 170
	data := make([]float32, w*h)
	for i := range data {
		data[i] = 288.5
	}
	attrs := gridstore.Attributes{
		Model: "gfs", Parameter: "TMP", Level: "surface", Units: "K",
		ReferenceTime: ref, BBox: bbox,
	}
	_, err := gridstore.Write(ctx, store, "gfs/tmp", data, w, h, attrs, gridstore.WriteOptions{ChunkSize: 64})
	require.NoError(t, err)
	require.NoError(t, cat.Upsert(ctx, gridmodel.DatasetEntry{
		Model: "gfs", Parameter: "TMP", Level: "surface",
		ReferenceTime: ref, StoragePath: "gfs/tmp", BBox: bbox,
		GridWidth: w, GridHeight: h, ChunkSize: 64, Units: "K",
	}))

	styles, err := render.ParseStyleSet([]byte(styleJSON))
	require.NoError(t, err)
	pipeline := render.NewPipeline(cat, store, gridstore.NewChunkCache(1<<24), styles, metrics.New())
	cache := tilecache.NewTiered(tilecache.NewL1(1<<24, time.Minute), nil)

	layers := []LayerDef{{Name: "gfs_TMP", Title: "GFS temperature", Styles: []string{"gradient"}}}
	handler := NewHandler(pipeline, cache, cat, store, layers, "http://example.test")
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return srv, cache
}

func TestRestTileRoundTrip(t *testing.T) {
	srv, cache := setup(t)

	resp, err := http.Get(srv.URL + "/rest/gfs_TMP/gradient/WebMercatorQuad/3/2/4.png")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, pngSignature, body[:8])
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))

	before := cache.L1Stats().Hits
	resp2, err := http.Get(srv.URL + "/rest/gfs_TMP/gradient/WebMercatorQuad/3/2/4.png")
	require.NoError(t, err)
	body2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	assert.Equal(t, "HIT", resp2.Header.Get("X-Cache"))
	assert.Equal(t, body, body2)
	assert.Equal(t, before+1, cache.L1Stats().Hits, "second identical request must hit L1")
}

func TestKvpTile(t *testing.T) {
	srv, _ := setup(t)
	resp, err := http.Get(srv.URL + "/?SERVICE=WMTS&REQUEST=GetTile&LAYER=gfs_TMP&STYLE=gradient&FORMAT=image/png&TILEMATRIXSET=WebMercatorQuad&TILEMATRIX=2&TILEROW=1&TILECOL=1")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, pngSignature, body[:8])
}

func TestTileOutOfRange(t *testing.T) {
	srv, _ := setup(t)
	resp, err := http.Get(srv.URL + "/rest/gfs_TMP/gradient/WebMercatorQuad/2/9/9.png")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

func TestUnknownLayerServesTransparentTile(t *testing.T) {
	srv, _ := setup(t)
	resp, err := http.Get(srv.URL + "/rest/hrrr_REFC/gradient/WebMercatorQuad/2/1/1.png")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode, "missing data must not 500 a map client")
	assert.Equal(t, pngSignature, body[:8])
	assert.Equal(t, "NODATA", resp.Header.Get("X-Cache"))
}

func TestCapabilities(t *testing.T) {
	srv, _ := setup(t)
	resp, err := http.Get(srv.URL + "/?SERVICE=WMTS&REQUEST=GetCapabilities")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var doc struct {
		XMLName  xml.Name `xml:"Capabilities"`
		Contents struct {
			Layers []struct {
				Identifier string `xml:"Identifier"`
				Styles     []struct {
					Identifier string `xml:"Identifier"`
				} `xml:"Style"`
				Dimensions []struct {
					Identifier string   `xml:"Identifier"`
					Values     []string `xml:"Value"`
				} `xml:"Dimension"`
				Links []struct {
					TileMatrixSet string `xml:"TileMatrixSet"`
				} `xml:"TileMatrixSetLink"`
			} `xml:"Layer"`
			Sets []struct {
				Identifier string `xml:"Identifier"`
				Matrices   []struct {
					Identifier string `xml:"Identifier"`
				} `xml:"TileMatrix"`
			} `xml:"TileMatrixSet"`
		} `xml:"Contents"`
	}
	require.NoError(t, xml.Unmarshal(body, &doc))
	require.Len(t, doc.Contents.Layers, 1)
	layer := doc.Contents.Layers[0]
	assert.Equal(t, "gfs_TMP", layer.Identifier)
	require.NotEmpty(t, layer.Styles)
	assert.Equal(t, "gradient", layer.Styles[0].Identifier)
	require.NotEmpty(t, layer.Dimensions, "time dimension must be advertised")
	assert.Equal(t, []string{"2024-12-29T12:00:00Z"}, layer.Dimensions[0].Values)
	require.NotEmpty(t, layer.Links)
	assert.Equal(t, "WebMercatorQuad", layer.Links[0].TileMatrixSet)
	require.Len(t, doc.Contents.Sets, 1)
	assert.Len(t, doc.Contents.Sets[0].Matrices, gridmodel.MaxZoom+1)
}

func TestFeatureInfo(t *testing.T) {
	srv, _ := setup(t)
	resp, err := http.Get(srv.URL + "/?SERVICE=WMTS&REQUEST=GetFeatureInfo&LAYER=gfs_TMP&TILEMATRIX=3&TILEROW=2&TILECOL=4&I=128&J=128&INFO_FORMAT=application/json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), "288.5")
}
