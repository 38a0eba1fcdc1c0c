// Package edr implements the OGC Environmental Data Retrieval query
// planner: position, area, radius, trajectory, corridor, cube and
// locations queries over the chunked grid store, shaped into
// CoverageJSON or GeoJSON.
package edr

import "math"

// earthRadiusKm is the spherical radius used by every great-circle
// computation here.
const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two points in
// kilometers.
func haversineKm(lon1, lat1, lon2, lat2 float64) float64 {
	rad := math.Pi / 180.0
	phi1 := lat1 * rad
	phi2 := lat2 * rad
	dPhi := (lat2 - lat1) * rad
	dLambda := (lon2 - lon1) * rad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// initialBearing returns the bearing from point 1 to point 2 in
// radians, clockwise from north.
func initialBearing(lon1, lat1, lon2, lat2 float64) float64 {
	rad := math.Pi / 180.0
	phi1 := lat1 * rad
	phi2 := lat2 * rad
	dLambda := (lon2 - lon1) * rad

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return math.Atan2(y, x)
}

// destinationPoint travels distanceKm from (lon, lat) along bearing
// (radians clockwise from north) on the sphere.
func destinationPoint(lon, lat, bearing, distanceKm float64) (dLon, dLat float64) {
	rad := math.Pi / 180.0
	phi1 := lat * rad
	lambda1 := lon * rad
	delta := distanceKm / earthRadiusKm

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(bearing))
	lambda2 := lambda1 + math.Atan2(
		math.Sin(bearing)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2))

	dLon = lambda2 / rad
	dLat = phi2 / rad
	if dLon > 180 {
		dLon -= 360
	}
	if dLon < -180 {
		dLon += 360
	}
	return dLon, dLat
}

// radiusBBox is a conservative axis-aligned box around a circle: the
// read region the radius query masks down.
func radiusBBox(lon, lat, radiusKm float64) (west, south, east, north float64) {
	dLat := radiusKm / earthRadiusKm * 180.0 / math.Pi
	cos := math.Cos(lat * math.Pi / 180.0)
	if cos < 0.01 {
		cos = 0.01
	}
	dLon := dLat / cos
	return lon - dLon, lat - dLat, lon + dLon, lat + dLat
}

// toKilometers normalizes a radius/width value by unit. Supported
// units: km (default), mi, m, ft.
func toKilometers(value float64, units string) float64 {
	switch units {
	case "", "km":
		return value
	case "mi":
		return value * 1.609344
	case "m":
		return value / 1000.0
	case "ft":
		return value * 0.0003048
	default:
		return -1
	}
}
