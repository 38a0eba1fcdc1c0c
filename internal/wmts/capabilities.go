package wmts

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/jcom-dev/gridweather/internal/gridmodel"
	"github.com/jcom-dev/gridweather/internal/render"
)

// Server-side WMTS capabilities marshaling. The struct shapes mirror
// the OGC document tree; only WebMercatorQuad is advertised.

type capabilitiesDoc struct {
	XMLName  xml.Name `xml:"Capabilities"`
	Xmlns    string   `xml:"xmlns,attr"`
	XmlnsOws string   `xml:"xmlns:ows,attr"`
	Version  string   `xml:"version,attr"`

	ServiceIdentification serviceIdentification `xml:"ows:ServiceIdentification"`
	Contents              contents              `xml:"Contents"`
}

type serviceIdentification struct {
	Title       string `xml:"ows:Title"`
	ServiceType string `xml:"ows:ServiceType"`
	Version     string `xml:"ows:ServiceTypeVersion"`
}

type contents struct {
	Layers         []layerXML      `xml:"Layer"`
	TileMatrixSets []tileMatrixSet `xml:"TileMatrixSet"`
}

type layerXML struct {
	Title             string              `xml:"ows:Title"`
	Identifier        string              `xml:"ows:Identifier"`
	Styles            []styleXML          `xml:"Style"`
	Formats           []string            `xml:"Format"`
	Dimensions        []dimensionXML      `xml:"Dimension,omitempty"`
	TileMatrixSetLink []tileMatrixSetLink `xml:"TileMatrixSetLink"`
	ResourceURLs      []resourceURL       `xml:"ResourceURL"`
}

type styleXML struct {
	IsDefault  bool   `xml:"isDefault,attr"`
	Identifier string `xml:"ows:Identifier"`
}

type dimensionXML struct {
	Identifier string   `xml:"ows:Identifier"`
	Default    string   `xml:"Default"`
	Values     []string `xml:"Value"`
}

type tileMatrixSetLink struct {
	TileMatrixSet string `xml:"TileMatrixSet"`
}

type resourceURL struct {
	Format       string `xml:"format,attr"`
	ResourceType string `xml:"resourceType,attr"`
	Template     string `xml:"template,attr"`
}

type tileMatrixSet struct {
	Identifier   string       `xml:"ows:Identifier"`
	SupportedCRS string       `xml:"ows:SupportedCRS"`
	TileMatrices []tileMatrix `xml:"TileMatrix"`
}

type tileMatrix struct {
	Identifier       string  `xml:"ows:Identifier"`
	ScaleDenominator float64 `xml:"ScaleDenominator"`
	TopLeftCorner    string  `xml:"TopLeftCorner"`
	TileWidth        int     `xml:"TileWidth"`
	TileHeight       int     `xml:"TileHeight"`
	MatrixWidth      int     `xml:"MatrixWidth"`
	MatrixHeight     int     `xml:"MatrixHeight"`
}

// webMercatorMatrixSet builds the WebMercatorQuad pyramid, zoom 0-18.
func webMercatorMatrixSet() tileMatrixSet {
	// Scale denominator at zoom 0 for a 256px tile of the full extent,
	// using the OGC 0.28mm pixel convention.
	const zoom0Scale = 559082264.028717
	set := tileMatrixSet{
		Identifier:   "WebMercatorQuad",
		SupportedCRS: "urn:ogc:def:crs:EPSG::3857",
	}
	for z := 0; z <= gridmodel.MaxZoom; z++ {
		n := 1 << uint(z)
		set.TileMatrices = append(set.TileMatrices, tileMatrix{
			Identifier:       fmt.Sprintf("%d", z),
			ScaleDenominator: zoom0Scale / float64(n),
			TopLeftCorner:    "-20037508.342789244 20037508.342789244",
			TileWidth:        gridmodel.TileSize,
			TileHeight:       gridmodel.TileSize,
			MatrixWidth:      n,
			MatrixHeight:     n,
		})
	}
	return set
}

func (h *Handler) capabilities(w http.ResponseWriter, r *http.Request) {
	doc := capabilitiesDoc{
		Xmlns:    "http://www.opengis.net/wmts/1.0",
		XmlnsOws: "http://www.opengis.net/ows/1.1",
		Version:  "1.0.0",
		ServiceIdentification: serviceIdentification{
			Title:       "gridweather WMTS",
			ServiceType: "OGC WMTS",
			Version:     "1.0.0",
		},
	}

	for _, l := range h.layers {
		layer := layerXML{
			Title:             l.Title,
			Identifier:        l.Name,
			Formats:           []string{"image/png"},
			TileMatrixSetLink: []tileMatrixSetLink{{TileMatrixSet: "WebMercatorQuad"}},
		}
		for i, s := range l.Styles {
			layer.Styles = append(layer.Styles, styleXML{IsDefault: i == 0, Identifier: s})
			layer.ResourceURLs = append(layer.ResourceURLs, resourceURL{
				Format:       "image/png",
				ResourceType: "tile",
				Template:     h.baseURL + "/wmts/rest/" + l.Name + "/" + s + "/{TileMatrixSet}/{TileMatrix}/{TileRow}/{TileCol}.png",
			})
		}
		// Advertise the time dimension from the catalog when data exists.
		if rl, err := render.ParseLayer(l.Name); err == nil {
			if times, err := h.catalog.ValidTimes(r.Context(), rl.Model); err == nil && len(times) > 0 {
				dim := dimensionXML{Identifier: "time", Default: times[len(times)-1].UTC().Format(time.RFC3339)}
				for _, t := range times {
					dim.Values = append(dim.Values, t.UTC().Format(time.RFC3339))
				}
				layer.Dimensions = append(layer.Dimensions, dim)
			}
		}
		doc.Contents.Layers = append(doc.Contents.Layers, layer)
	}
	doc.Contents.TileMatrixSets = []tileMatrixSet{webMercatorMatrixSet()}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_ = enc.Encode(doc)
}

// exceptionReport is the OGC OWS exception body.
type exceptionReport struct {
	XMLName   xml.Name     `xml:"ows:ExceptionReport"`
	Xmlns     string       `xml:"xmlns:ows,attr"`
	Version   string       `xml:"version,attr"`
	Exception exceptionXML `xml:"ows:Exception"`
}

type exceptionXML struct {
	Code string `xml:"exceptionCode,attr"`
	Text string `xml:"ows:ExceptionText"`
}

func writeException(w http.ResponseWriter, status int, code, text string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_ = enc.Encode(exceptionReport{
		Xmlns:     "http://www.opengis.net/ows/1.1",
		Version:   "1.0.0",
		Exception: exceptionXML{Code: code, Text: text},
	})
}
