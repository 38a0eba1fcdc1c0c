package gridstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jcom-dev/gridweather/internal/apperr"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
)

// Attributes are the user metadata stored alongside the array.
type Attributes struct {
	Model         string         `json:"model"`
	Parameter     string         `json:"parameter"`
	Level         string         `json:"level"`
	Units         string         `json:"units"`
	ReferenceTime time.Time      `json:"-"`
	ForecastHour  int            `json:"forecast_hour"`
	BBox          gridmodel.BBox `json:"-"`
}

// Metadata describes one stored dataset: shape, chunking, codec and the
// domain attributes. It round-trips through the Zarr V3 zarr.json
// document.
type Metadata struct {
	Width       int
	Height      int
	ChunkSize   int
	Compression Compression
	Shuffle     bool
	Sharded     bool
	FillValue   float64
	Attrs       Attributes
}

// Resolution returns degrees per cell; bbox plus shape determine it
// uniquely.
func (m Metadata) Resolution() (dx, dy float64) {
	return m.Attrs.BBox.Width() / float64(m.Width), m.Attrs.BBox.Height() / float64(m.Height)
}

// ChunksX / ChunksY return the chunk grid dimensions.
func (m Metadata) ChunksX() int { return (m.Width + m.ChunkSize - 1) / m.ChunkSize }
func (m Metadata) ChunksY() int { return (m.Height + m.ChunkSize - 1) / m.ChunkSize }

// zarrDoc is the zarr.json wire layout (Zarr V3 array node).
type zarrDoc struct {
	ZarrFormat int            `json:"zarr_format"`
	NodeType   string         `json:"node_type"`
	Shape      []int          `json:"shape"`
	DataType   string         `json:"data_type"`
	ChunkGrid  zarrChunkGrid  `json:"chunk_grid"`
	FillValue  any            `json:"fill_value"`
	Codecs     []zarrCodec    `json:"codecs"`
	Attributes map[string]any `json:"attributes"`
}

type zarrChunkGrid struct {
	Name          string `json:"name"`
	Configuration struct {
		ChunkShape []int `json:"chunk_shape"`
	} `json:"configuration"`
}

type zarrCodec struct {
	Name          string         `json:"name"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// MarshalZarr renders the zarr.json document.
func (m Metadata) MarshalZarr() ([]byte, error) {
	doc := zarrDoc{
		ZarrFormat: 3,
		NodeType:   "array",
		Shape:      []int{m.Height, m.Width},
		DataType:   "float32",
	}
	doc.ChunkGrid.Name = "regular"
	doc.ChunkGrid.Configuration.ChunkShape = []int{m.ChunkSize, m.ChunkSize}
	if math.IsNaN(m.FillValue) {
		doc.FillValue = "NaN"
	} else {
		doc.FillValue = m.FillValue
	}

	doc.Codecs = []zarrCodec{{Name: "bytes", Configuration: map[string]any{"endian": "little"}}}
	if m.Shuffle {
		doc.Codecs = append(doc.Codecs, zarrCodec{Name: "shuffle", Configuration: map[string]any{"elementsize": 4}})
	}
	if m.Compression != CompressionNone && m.Compression != "" {
		doc.Codecs = append(doc.Codecs, zarrCodec{Name: string(m.Compression)})
	}
	if m.Sharded {
		doc.Codecs = append([]zarrCodec{{
			Name: "sharding_indexed",
			Configuration: map[string]any{
				"chunk_shape": []int{m.ChunkSize, m.ChunkSize},
			},
		}}, doc.Codecs[1:]...)
	}

	doc.Attributes = map[string]any{
		"model":          m.Attrs.Model,
		"parameter":      m.Attrs.Parameter,
		"level":          m.Attrs.Level,
		"units":          m.Attrs.Units,
		"reference_time": m.Attrs.ReferenceTime.UTC().Format(time.RFC3339),
		"forecast_hour":  m.Attrs.ForecastHour,
		"bbox":           m.Attrs.BBox.Slice(),
	}
	return json.MarshalIndent(doc, "", "  ")
}

// UnmarshalZarr parses a zarr.json document back into Metadata.
func UnmarshalZarr(data []byte) (Metadata, error) {
	const op = "gridstore.unmarshalZarr"
	var doc zarrDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Metadata{}, apperr.New(apperr.KindParse, op, err)
	}
	if doc.ZarrFormat != 3 || len(doc.Shape) != 2 {
		return Metadata{}, apperr.New(apperr.KindParse, op, fmt.Errorf("unsupported zarr document (format %d, rank %d)", doc.ZarrFormat, len(doc.Shape)))
	}

	m := Metadata{
		Height:    doc.Shape[0],
		Width:     doc.Shape[1],
		FillValue: math.NaN(),
	}
	if len(doc.ChunkGrid.Configuration.ChunkShape) == 2 {
		m.ChunkSize = doc.ChunkGrid.Configuration.ChunkShape[0]
	}
	if fv, ok := doc.FillValue.(float64); ok {
		m.FillValue = fv
	}
	for _, c := range doc.Codecs {
		switch c.Name {
		case "sharding_indexed":
			m.Sharded = true
		case "shuffle":
			m.Shuffle = true
		case string(CompressionLZ4):
			m.Compression = CompressionLZ4
		case string(CompressionZstd):
			m.Compression = CompressionZstd
		}
	}
	if m.Compression == "" {
		m.Compression = CompressionNone
	}

	attrs := doc.Attributes
	str := func(key string) string {
		if v, ok := attrs[key].(string); ok {
			return v
		}
		return ""
	}
	m.Attrs.Model = str("model")
	m.Attrs.Parameter = str("parameter")
	m.Attrs.Level = str("level")
	m.Attrs.Units = str("units")
	if rt := str("reference_time"); rt != "" {
		parsed, err := time.Parse(time.RFC3339, rt)
		if err != nil {
			return Metadata{}, apperr.New(apperr.KindParse, op, fmt.Errorf("reference_time: %w", err))
		}
		m.Attrs.ReferenceTime = parsed
	}
	if fh, ok := attrs["forecast_hour"].(float64); ok {
		m.Attrs.ForecastHour = int(fh)
	}
	if raw, ok := attrs["bbox"].([]any); ok {
		vals := make([]float64, 0, len(raw))
		for _, r := range raw {
			if f, ok := r.(float64); ok {
				vals = append(vals, f)
			}
		}
		bbox, err := gridmodel.BBoxFromSlice(vals)
		if err != nil {
			return Metadata{}, apperr.New(apperr.KindParse, op, err)
		}
		m.Attrs.BBox = bbox
	}
	return m, nil
}

// loadMetadata fetches and parses a dataset's zarr.json.
func loadMetadata(ctx context.Context, store ObjectStore, path string) (Metadata, error) {
	raw, err := store.Get(ctx, path+"/zarr.json")
	if err != nil {
		return Metadata{}, apperr.New(apperr.KindNotFound, "gridstore.open", err)
	}
	return UnmarshalZarr(raw)
}
