package gridmodel

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// PathHash returns the 64-bit hash of a dataset storage path used in
// chunk cache addressing.
func PathHash(path string) uint64 {
	return xxhash.Sum64String(path)
}

// TileCacheKey builds the canonical cache key for a WMTS tile request:
// layer:style:crs:z_x_y:datetime. Identical semantic requests must yield
// byte-identical keys, so every field is normalized here and nowhere else.
func TileCacheKey(layer, style, crs string, t Tile, datetime string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		normalizeKeyField(layer),
		normalizeKeyField(style),
		normalizeCRS(crs),
		t.String(),
		normalizeKeyField(datetime))
}

// MapCacheKey builds the canonical cache key for a WMS GetMap request:
// layer:style:crs:minx_miny_maxx_maxy:widthxheight:datetime.
func MapCacheKey(layer, style, crs string, b BBox, width, height int, datetime string) string {
	return fmt.Sprintf("%s:%s:%s:%s_%s_%s_%s:%dx%d:%s",
		normalizeKeyField(layer),
		normalizeKeyField(style),
		normalizeCRS(crs),
		formatCoord(b.West), formatCoord(b.South), formatCoord(b.East), formatCoord(b.North),
		width, height,
		normalizeKeyField(datetime))
}

// formatCoord renders a coordinate with fixed precision so that float
// formatting differences can never split the cache.
func formatCoord(v float64) string {
	s := fmt.Sprintf("%.6f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func normalizeKeyField(s string) string {
	if s == "" {
		return "-"
	}
	return strings.ToLower(strings.ReplaceAll(s, ":", "_"))
}

func normalizeCRS(crs string) string {
	c := strings.ToUpper(strings.TrimSpace(crs))
	switch c {
	case "", "WEBMERCATORQUAD", "EPSG:3857", "EPSG_3857":
		return "epsg3857"
	case "EPSG:4326", "EPSG_4326", "CRS:84", "CRS_84":
		return "epsg4326"
	default:
		return strings.ToLower(strings.NewReplacer(":", "", "_", "").Replace(c))
	}
}
