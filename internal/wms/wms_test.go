package wms

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
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

func setup(t *testing.T) *httptest.Server {
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
	srv := httptest.NewServer(NewHandler(pipeline, cache, cat, store, layers, "http://example.test").Routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestGetMap(t *testing.T) {
	srv := setup(t)
	u := srv.URL + "/?SERVICE=WMS&VERSION=1.3.0&REQUEST=GetMap&LAYERS=gfs_TMP&STYLES=gradient&CRS=CRS:84&BBOX=-100,30,-90,40&WIDTH=512&HEIGHT=512&FORMAT=image/png"
	resp, err := http.Get(u)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode, string(body))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, pngSignature, body[:8])
}

func TestGetMapEPSG4326AxisOrder(t *testing.T) {
	srv := setup(t)
	// 1.3.0 EPSG:4326 BBOX is miny,minx,maxy,maxx.
	u := srv.URL + "/?REQUEST=GetMap&LAYERS=gfs_TMP&STYLES=gradient&CRS=EPSG:4326&BBOX=30,-100,40,-90&WIDTH=256&HEIGHT=256"
	resp, err := http.Get(u)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode, string(body))
	assert.Equal(t, pngSignature, body[:8])
}

func TestGetMapCacheKeyIgnoresParamOrder(t *testing.T) {
	srv := setup(t)
	u1 := srv.URL + "/?REQUEST=GetMap&LAYERS=gfs_TMP&STYLES=gradient&CRS=CRS:84&BBOX=-100,30,-90,40&WIDTH=256&HEIGHT=256"
	u2 := srv.URL + "/?WIDTH=256&HEIGHT=256&BBOX=-100,30,-90,40&CRS=CRS:84&STYLES=gradient&LAYERS=gfs_TMP&REQUEST=GetMap"

	r1, err := http.Get(u1)
	require.NoError(t, err)
	io.Copy(io.Discard, r1.Body)
	r1.Body.Close()
	assert.Equal(t, "MISS", r1.Header.Get("X-Cache"))

	r2, err := http.Get(u2)
	require.NoError(t, err)
	io.Copy(io.Discard, r2.Body)
	r2.Body.Close()
	assert.Equal(t, "HIT", r2.Header.Get("X-Cache"), "param order must not split the cache")
}

func TestGetMapErrors(t *testing.T) {
	srv := setup(t)

	resp, err := http.Get(srv.URL + "/?REQUEST=GetMap&CRS=CRS:84&BBOX=-100,30,-90,40&WIDTH=256&HEIGHT=256")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)

	var exc struct {
		XMLName   xml.Name `xml:"ServiceExceptionReport"`
		Exception struct {
			Code string `xml:"code,attr"`
		} `xml:"ServiceException"`
	}
	require.NoError(t, xml.Unmarshal(body, &exc))
	assert.Equal(t, "MissingParameterValue", exc.Exception.Code)

	resp, err = http.Get(srv.URL + "/?REQUEST=GetMap&LAYERS=gfs_TMP&CRS=EPSG:9999&BBOX=0,0,1,1&WIDTH=10&HEIGHT=10")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

func TestGetCapabilities(t *testing.T) {
	srv := setup(t)
	resp, err := http.Get(srv.URL + "/?SERVICE=WMS&REQUEST=GetCapabilities&VERSION=1.3.0")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var doc struct {
		XMLName    xml.Name `xml:"WMS_Capabilities"`
		Version    string   `xml:"version,attr"`
		Capability struct {
			Layer struct {
				CRS    []string `xml:"CRS"`
				Layers []struct {
					Name   string `xml:"Name"`
					Styles []struct {
						Name string `xml:"Name"`
					} `xml:"Style"`
				} `xml:"Layer"`
			} `xml:"Layer"`
		} `xml:"Capability"`
	}
	require.NoError(t, xml.Unmarshal(body, &doc))
	assert.Equal(t, "1.3.0", doc.Version)
	assert.Contains(t, doc.Capability.Layer.CRS, "EPSG:3857")
	require.Len(t, doc.Capability.Layer.Layers, 1)
	assert.Equal(t, "gfs_TMP", doc.Capability.Layer.Layers[0].Name)
}

func TestGetFeatureInfo(t *testing.T) {
	srv := setup(t)
	params := url.Values{}
	params.Set("REQUEST", "GetFeatureInfo")
	params.Set("QUERY_LAYERS", "gfs_TMP")
	params.Set("CRS", "CRS:84")
	params.Set("BBOX", "-100,30,-90,40")
	params.Set("WIDTH", "256")
	params.Set("HEIGHT", "256")
	params.Set("I", "128")
	params.Set("J", "128")
	params.Set("INFO_FORMAT", "application/json")

	resp, err := http.Get(srv.URL + "/?" + params.Encode())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), "288.5")
	assert.Contains(t, string(body), "\"units\":\"K\"")
}
