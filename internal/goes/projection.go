// Package goes decodes GOES ABI L2 CMI NetCDF files and provides the
// geostationary perspective projection between scan angles and
// geographic coordinates, plus a precomputed tile lookup table for fast
// rendering.
package goes

import "math"

// Projection holds the geostationary perspective parameters for one
// satellite. Formulas follow the GOES-R Product Definition and Users'
// Guide, Volume 4 section 4.2.8.
type Projection struct {
	PerspectiveHeight float64 // satellite height above the ellipsoid, meters
	SemiMajor         float64 // equatorial radius, meters
	SemiMinor         float64 // polar radius, meters
	LongitudeOrigin   float64 // sub-satellite longitude, degrees
}

// Goes16 is GOES-East at 75.2 degrees west.
func Goes16() Projection {
	return Projection{
		PerspectiveHeight: 35786023.0,
		SemiMajor:         6378137.0,
		SemiMinor:         6356752.31414,
		LongitudeOrigin:   -75.2,
	}
}

// Goes18 is GOES-West at 137.2 degrees west.
func Goes18() Projection {
	return Projection{
		PerspectiveHeight: 35786023.0,
		SemiMajor:         6378137.0,
		SemiMinor:         6356752.31414,
		LongitudeOrigin:   -137.2,
	}
}

// ToGeographic maps scan angles in radians to (lon, lat) in degrees by
// intersecting the view ray with the ellipsoid. ok is false when the
// ray misses Earth.
func (p Projection) ToGeographic(xRad, yRad float64) (lon, lat float64, ok bool) {
	h := p.PerspectiveHeight
	req := p.SemiMajor
	rpol := p.SemiMinor
	lambda0 := p.LongitudeOrigin * math.Pi / 180.0
	hTotal := h + req

	sinX, cosX := math.Sincos(xRad)
	sinY, cosY := math.Sincos(yRad)

	ratio := req / rpol
	a := sinX*sinX + cosX*cosX*(cosY*cosY+ratio*ratio*sinY*sinY)
	b := -2.0 * hTotal * cosX * cosY
	c := hTotal*hTotal - req*req

	discriminant := b*b - 4.0*a*c
	if discriminant < 0 {
		return 0, 0, false // scan angle points past the limb into space
	}

	rs := (-b - math.Sqrt(discriminant)) / (2.0 * a)

	// Satellite-centered, Earth-fixed coordinates. sy carries a negative
	// sign so the inverse transform's x = asin(-sy / |s|) round-trips.
	sx := rs * cosX * cosY
	sy := -rs * sinX
	sz := rs * cosX * sinY

	lat = math.Atan(ratio * ratio * sz / math.Hypot(hTotal-sx, sy))
	lon = lambda0 - math.Atan2(sy, hTotal-sx)

	return lon * 180.0 / math.Pi, lat * 180.0 / math.Pi, true
}

// FromGeographic maps (lon, lat) in degrees to scan angles in radians.
// ok is false when the point is on the far side of Earth from the
// satellite.
func (p Projection) FromGeographic(lon, lat float64) (xRad, yRad float64, ok bool) {
	h := p.PerspectiveHeight
	req := p.SemiMajor
	rpol := p.SemiMinor
	lambda0 := p.LongitudeOrigin * math.Pi / 180.0
	hTotal := h + req

	latRad := lat * math.Pi / 180.0
	lonRad := lon * math.Pi / 180.0

	// Geocentric latitude accounts for the ellipsoid's oblateness.
	oblate := rpol / req
	phiC := math.Atan(oblate * oblate * math.Tan(latRad))

	e2 := 1.0 - oblate*oblate
	cosPhiC := math.Cos(phiC)
	rc := rpol / math.Sqrt(1.0-e2*cosPhiC*cosPhiC)

	sx := hTotal - rc*cosPhiC*math.Cos(lonRad-lambda0)
	sy := -rc * cosPhiC * math.Sin(lonRad-lambda0)
	sz := rc * math.Sin(phiC)

	if hTotal*(hTotal-sx) < sy*sy+(req*req)/(rpol*rpol)*sz*sz {
		return 0, 0, false // behind Earth from the satellite's viewpoint
	}

	yRad = math.Atan(sz / sx)
	xRad = math.Asin(-sy / math.Sqrt(sx*sx+sy*sy+sz*sz))
	return xRad, yRad, true
}

// GeographicBounds returns a conservative geographic box covering the
// satellite's visible disk, used to enumerate candidate LUT tiles.
func (p Projection) GeographicBounds() (west, south, east, north float64) {
	const disk = 81.0 // the limb sits just past 81 degrees from nadir
	west = p.LongitudeOrigin - disk
	east = p.LongitudeOrigin + disk
	if west < -180 {
		west = -180
	}
	if east > 180 {
		east = 180
	}
	return west, -disk, east, disk
}
