package wms

import (
	"encoding/xml"
	"net/http"
	"time"

	"github.com/jcom-dev/gridweather/internal/render"
)

type capabilitiesDoc struct {
	XMLName xml.Name `xml:"WMS_Capabilities"`
	Version string   `xml:"version,attr"`
	Xmlns   string   `xml:"xmlns,attr"`

	Service    serviceXML    `xml:"Service"`
	Capability capabilityXML `xml:"Capability"`
}

type serviceXML struct {
	Name     string `xml:"Name"`
	Title    string `xml:"Title"`
	Abstract string `xml:"Abstract,omitempty"`
}

type capabilityXML struct {
	Request requestXML `xml:"Request"`
	Layer   rootLayer  `xml:"Layer"`
}

type requestXML struct {
	GetCapabilities operationXML `xml:"GetCapabilities"`
	GetMap          operationXML `xml:"GetMap"`
	GetFeatureInfo  operationXML `xml:"GetFeatureInfo"`
}

type operationXML struct {
	Formats []string `xml:"Format"`
}

type rootLayer struct {
	Title  string     `xml:"Title"`
	CRS    []string   `xml:"CRS"`
	Layers []layerXML `xml:"Layer"`
}

type layerXML struct {
	Queryable  int            `xml:"queryable,attr"`
	Name       string         `xml:"Name"`
	Title      string         `xml:"Title"`
	Styles     []styleXML     `xml:"Style"`
	Dimensions []dimensionXML `xml:"Dimension,omitempty"`
}

type styleXML struct {
	Name  string `xml:"Name"`
	Title string `xml:"Title"`
}

type dimensionXML struct {
	Name    string `xml:"name,attr"`
	Units   string `xml:"units,attr"`
	Default string `xml:"default,attr"`
	Values  string `xml:",chardata"`
}

func (h *Handler) capabilities(w http.ResponseWriter, r *http.Request) {
	doc := capabilitiesDoc{
		Version: "1.3.0",
		Xmlns:   "http://www.opengis.net/wms",
		Service: serviceXML{
			Name:  "WMS",
			Title: "gridweather WMS",
		},
		Capability: capabilityXML{
			Request: requestXML{
				GetCapabilities: operationXML{Formats: []string{"text/xml"}},
				GetMap:          operationXML{Formats: []string{"image/png"}},
				GetFeatureInfo:  operationXML{Formats: []string{"application/json"}},
			},
			Layer: rootLayer{
				Title: "gridweather layers",
				CRS:   []string{"EPSG:4326", "EPSG:3857", "CRS:84"},
			},
		},
	}

	for _, l := range h.layers {
		layer := layerXML{Queryable: 1, Name: l.Name, Title: l.Title}
		for _, s := range l.Styles {
			layer.Styles = append(layer.Styles, styleXML{Name: s, Title: s})
		}
		if rl, err := render.ParseLayer(l.Name); err == nil {
			if times, err := h.catalog.ValidTimes(r.Context(), rl.Model); err == nil && len(times) > 0 {
				values := ""
				for i, t := range times {
					if i > 0 {
						values += ","
					}
					values += t.UTC().Format(time.RFC3339)
				}
				layer.Dimensions = append(layer.Dimensions, dimensionXML{
					Name:    "time",
					Units:   "ISO8601",
					Default: times[len(times)-1].UTC().Format(time.RFC3339),
					Values:  values,
				})
			}
		}
		doc.Capability.Layer.Layers = append(doc.Capability.Layer.Layers, layer)
	}

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_ = enc.Encode(doc)
}

// serviceExceptionReport is the WMS 1.3.0 exception body.
type serviceExceptionReport struct {
	XMLName   xml.Name            `xml:"ServiceExceptionReport"`
	Version   string              `xml:"version,attr"`
	Exception serviceExceptionXML `xml:"ServiceException"`
}

type serviceExceptionXML struct {
	Code string `xml:"code,attr"`
	Text string `xml:",chardata"`
}

func writeServiceException(w http.ResponseWriter, status int, code, text string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_ = enc.Encode(serviceExceptionReport{
		Version:   "1.3.0",
		Exception: serviceExceptionXML{Code: code, Text: text},
	})
}
