package goes

import (
	"fmt"
	"math"

	"github.com/jcom-dev/gridweather/internal/apperr"
)

// CMI is a decoded Cloud and Moisture Imagery field: physical values in
// scan-angle space plus the affine mapping from array indices to scan
// angles and the projection that maps scan angles to the globe.
type CMI struct {
	Data   []float32 // row-major, Height rows of Width, NaN where fill
	Width  int
	Height int
	Proj   Projection

	// Index-to-scan-angle mapping: xRad = XOffset + i*XScale, and
	// likewise for yRad with the row index j.
	XOffset float64
	YOffset float64
	XScale  float64
	YScale  float64
}

// ScanAngle returns the scan angles at fractional array position (i, j).
func (c *CMI) ScanAngle(i, j float64) (xRad, yRad float64) {
	return c.XOffset + i*c.XScale, c.YOffset + j*c.YScale
}

// GridIndex inverts ScanAngle.
func (c *CMI) GridIndex(xRad, yRad float64) (i, j float64) {
	return (xRad - c.XOffset) / c.XScale, (yRad - c.YOffset) / c.YScale
}

func missingVariable(name string) error {
	return apperr.New(apperr.KindParse, "goes.missingVariable", fmt.Errorf("variable %q absent from file", name))
}

func scaleApplyFailed(name string, err error) error {
	return apperr.New(apperr.KindParse, "goes.scaleApply", fmt.Errorf("variable %q: %w", name, err))
}

// DecodeCMI parses a GOES ABI L2 CMI NetCDF-4 file from memory. The CMI
// variable is a 16-bit counts array; physical values are
// counts*scale_factor + add_offset with the declared fill masked to NaN.
func DecodeCMI(data []byte) (*CMI, error) {
	f, err := openHDF5(data)
	if err != nil {
		return nil, err
	}

	cmiVar, ok := f.dataset("CMI")
	if !ok {
		return nil, missingVariable("CMI")
	}
	if len(cmiVar.dims) != 2 {
		return nil, scaleApplyFailed("CMI", fmt.Errorf("expected 2-D array, got rank %d", len(cmiVar.dims)))
	}
	height := int(cmiVar.dims[0])
	width := int(cmiVar.dims[1])

	scale, err := floatAttr(cmiVar, "scale_factor")
	if err != nil {
		return nil, err
	}
	offset, err := floatAttr(cmiVar, "add_offset")
	if err != nil {
		return nil, err
	}
	fill, fillErr := floatAttr(cmiVar, "_FillValue")
	hasFill := fillErr == nil

	counts, err := cmiVar.readInt16()
	if err != nil {
		return nil, err
	}
	if len(counts) != width*height {
		return nil, scaleApplyFailed("CMI", fmt.Errorf("have %d counts for %dx%d grid", len(counts), width, height))
	}

	values := make([]float32, len(counts))
	nan := float32(math.NaN())
	for i, c := range counts {
		if hasFill && float64(c) == fill {
			values[i] = nan
			continue
		}
		values[i] = float32(float64(c)*scale + offset)
	}

	xOffset, xScale, err := axisMapping(f, "x")
	if err != nil {
		return nil, err
	}
	yOffset, yScale, err := axisMapping(f, "y")
	if err != nil {
		return nil, err
	}

	proj, err := projectionFromFile(f)
	if err != nil {
		return nil, err
	}

	return &CMI{
		Data:    values,
		Width:   width,
		Height:  height,
		Proj:    proj,
		XOffset: xOffset,
		YOffset: yOffset,
		XScale:  xScale,
		YScale:  yScale,
	}, nil
}

// axisMapping reads a scan-angle axis variable's scale/offset. The axis
// payload itself is index-affine, so the attributes alone define the
// mapping and the packed counts never need unpacking.
func axisMapping(f *hdf5File, name string) (offset, scale float64, err error) {
	v, ok := f.dataset(name)
	if !ok {
		return 0, 0, missingVariable(name)
	}
	scale, err = floatAttr(v, "scale_factor")
	if err != nil {
		return 0, 0, err
	}
	offset, err = floatAttr(v, "add_offset")
	if err != nil {
		return 0, 0, err
	}
	return offset, scale, nil
}

func projectionFromFile(f *hdf5File) (Projection, error) {
	v, ok := f.dataset("goes_imager_projection")
	if !ok {
		return Projection{}, missingVariable("goes_imager_projection")
	}
	var p Projection
	var err error
	if p.PerspectiveHeight, err = floatAttr(v, "perspective_point_height"); err != nil {
		return Projection{}, err
	}
	if p.SemiMajor, err = floatAttr(v, "semi_major_axis"); err != nil {
		return Projection{}, err
	}
	if p.SemiMinor, err = floatAttr(v, "semi_minor_axis"); err != nil {
		return Projection{}, err
	}
	if p.LongitudeOrigin, err = floatAttr(v, "longitude_of_projection_origin"); err != nil {
		return Projection{}, err
	}
	return p, nil
}

func floatAttr(o *hdf5Object, name string) (float64, error) {
	raw, ok := o.attrs[name]
	if !ok {
		return 0, scaleApplyFailed(o.name, fmt.Errorf("attribute %q missing", name))
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case []float64:
		if len(v) > 0 {
			return v[0], nil
		}
	}
	return 0, scaleApplyFailed(o.name, fmt.Errorf("attribute %q has non-numeric type %T", name, raw))
}
