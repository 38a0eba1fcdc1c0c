package grib2

import (
	"fmt"
	"time"

	"github.com/jcom-dev/gridweather/internal/apperr"
)

type section0 struct {
	discipline    uint8
	messageLength uint64
}

// parseSection0 parses the 16-byte Indicator Section.
func parseSection0(data []byte) (section0, error) {
	if len(data) < 16 {
		return section0{}, apperr.NewAt(apperr.KindParse, "grib2.section0", 0, fmt.Errorf("need 16 bytes, got %d", len(data)))
	}
	if data[0] != 'G' || data[1] != 'R' || data[2] != 'I' || data[3] != 'B' {
		return section0{}, apperr.NewAt(apperr.KindParse, "grib2.section0", 0, fmt.Errorf("bad magic %q", data[0:4]))
	}
	r := newReader(data)
	_ = r.skip(6) // magic + reserved
	discipline, _ := r.uint8()
	edition, _ := r.uint8()
	if edition != 2 {
		return section0{}, apperr.NewAt(apperr.KindUnsupported, "grib2.section0", 7, fmt.Errorf("edition %d, only 2 is supported", edition))
	}
	length, _ := r.uint64()
	if length < 16 {
		return section0{}, apperr.NewAt(apperr.KindParse, "grib2.section0", 8, fmt.Errorf("implausible message length %d", length))
	}
	return section0{discipline: discipline, messageLength: length}, nil
}

type section1 struct {
	originatingCenter uint16
	referenceTime     time.Time
}

// parseSection1 parses the Identification Section.
func parseSection1(data []byte) (section1, error) {
	if len(data) < 21 {
		return section1{}, apperr.NewAt(apperr.KindParse, "grib2.section1", 0, fmt.Errorf("need 21 bytes, got %d", len(data)))
	}
	r := newReader(data)
	_, _ = r.uint32() // length (already known from caller's section split)
	sectionNum, _ := r.uint8()
	if sectionNum != 1 {
		return section1{}, apperr.NewAt(apperr.KindParse, "grib2.section1", 4, fmt.Errorf("expected section 1, got %d", sectionNum))
	}
	center, _ := r.uint16()
	_, _ = r.uint16() // subcenter
	_, _ = r.uint8()  // master tables version
	_, _ = r.uint8()  // local tables version
	_, _ = r.uint8()  // significance of reference time

	year, _ := r.uint16()
	month, _ := r.uint8()
	day, _ := r.uint8()
	hour, _ := r.uint8()
	minute, _ := r.uint8()
	second, _ := r.uint8()
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 59 {
		return section1{}, apperr.NewAt(apperr.KindParse, "grib2.section1", 12, fmt.Errorf("implausible reference time %04d-%02d-%02d %02d:%02d:%02d", year, month, day, hour, minute, second))
	}

	return section1{
		originatingCenter: center,
		referenceTime:     time.Date(int(year), time.Month(month), int(day), int(hour), int(minute), int(second), 0, time.UTC),
	}, nil
}

// parseSection3 parses the Grid Definition Section, Template 3.0 only
// (regular lat/lon grid - the template nearly every model grid this
// store serves is published in).
func parseSection3(data []byte) (Grid, error) {
	if len(data) < 14 {
		return Grid{}, apperr.NewAt(apperr.KindParse, "grib2.section3", 0, fmt.Errorf("need 14 bytes, got %d", len(data)))
	}
	r := newReader(data)
	_, _ = r.uint32()
	sectionNum, _ := r.uint8()
	if sectionNum != 3 {
		return Grid{}, apperr.NewAt(apperr.KindParse, "grib2.section3", 4, fmt.Errorf("expected section 3, got %d", sectionNum))
	}
	_, _ = r.uint8()  // source of grid definition
	_, _ = r.uint32() // number of data points
	_, _ = r.uint8()  // num octets optional list
	_, _ = r.uint8()  // interpretation of optional list
	templateNum, _ := r.uint16()
	if templateNum != 0 {
		return Grid{}, apperr.NewAt(apperr.KindUnsupported, "grib2.section3", 12, fmt.Errorf("grid template %d not supported, only 3.0 (lat/lon)", templateNum))
	}

	tmpl, err := r.bytes(r.remaining())
	if err != nil {
		return Grid{}, apperr.NewAt(apperr.KindParse, "grib2.section3", r.offsetOf(), err)
	}
	return parseLatLonTemplate(tmpl)
}

func parseLatLonTemplate(data []byte) (Grid, error) {
	if len(data) < 58 {
		return Grid{}, apperr.NewAt(apperr.KindParse, "grib2.template3.0", 0, fmt.Errorf("need 58 bytes, got %d", len(data)))
	}
	r := newReader(data)
	_ = r.skip(16) // shape of earth + related
	ni, _ := r.uint32()
	nj, _ := r.uint32()
	_ = r.skip(8) // basic angle + subdivisions
	la1, _ := r.int32()
	lo1, _ := r.int32()
	_, _ = r.uint8() // resolution/component flags
	la2, _ := r.int32()
	lo2, _ := r.int32()
	di, _ := r.uint32()
	dj, _ := r.uint32()
	scan, _ := r.uint8()

	return Grid{
		Ni: int(ni), Nj: int(nj),
		La1: float64(la1) / 1e6, Lo1: float64(lo1) / 1e6,
		La2: float64(la2) / 1e6, Lo2: float64(lo2) / 1e6,
		Di: float64(di) / 1e6, Dj: float64(dj) / 1e6,
		ScanNegativeI: scan&0x80 != 0,
		ScanPositiveJ: scan&0x40 != 0,
	}, nil
}

type section4 struct {
	parameterCategory uint8
	parameterNumber   uint8
	timeUnit          uint8
	forecastTime      uint32
	surfaceType       uint8
	surfaceScale      uint8
	surfaceValue      uint32
}

// parseSection4 parses the Product Definition Section, Template 4.0 only
// (point-in-time analysis/forecast - the template that covers the bulk
// of operational model output).
func parseSection4(data []byte) (section4, error) {
	if len(data) < 9 {
		return section4{}, apperr.NewAt(apperr.KindParse, "grib2.section4", 0, fmt.Errorf("need 9 bytes, got %d", len(data)))
	}
	r := newReader(data)
	_, _ = r.uint32()
	sectionNum, _ := r.uint8()
	if sectionNum != 4 {
		return section4{}, apperr.NewAt(apperr.KindParse, "grib2.section4", 4, fmt.Errorf("expected section 4, got %d", sectionNum))
	}
	_, _ = r.uint16() // coordinate values count
	templateNum, _ := r.uint16()
	if templateNum != 0 {
		return section4{}, apperr.NewAt(apperr.KindUnsupported, "grib2.section4", 7, fmt.Errorf("product template %d not supported, only 4.0", templateNum))
	}

	tmpl, err := r.bytes(r.remaining())
	if err != nil {
		return section4{}, apperr.NewAt(apperr.KindParse, "grib2.section4", r.offsetOf(), err)
	}
	if len(tmpl) < 25 {
		return section4{}, apperr.NewAt(apperr.KindParse, "grib2.template4.0", 0, fmt.Errorf("need 25 bytes, got %d", len(tmpl)))
	}
	tr := newReader(tmpl)
	category, _ := tr.uint8()
	number, _ := tr.uint8()
	_, _ = tr.uint8()  // generating process
	_, _ = tr.uint8()  // background process
	_, _ = tr.uint8()  // forecast process
	_, _ = tr.uint16() // hours after cutoff
	_, _ = tr.uint8()  // minutes after cutoff
	timeUnit, _ := tr.uint8()
	forecastTime, _ := tr.uint32()
	surfaceType, _ := tr.uint8()
	surfaceScale, _ := tr.uint8()
	surfaceValue, _ := tr.uint32()

	return section4{
		parameterCategory: category,
		parameterNumber:   number,
		timeUnit:          timeUnit,
		forecastTime:      forecastTime,
		surfaceType:       surfaceType,
		surfaceScale:      surfaceScale,
		surfaceValue:      surfaceValue,
	}, nil
}

// surfaceValueScaled applies the surface scale factor: value / 10^scale.
func (s section4) surfaceValueScaled() float64 {
	v := float64(s.surfaceValue)
	for i := uint8(0); i < s.surfaceScale; i++ {
		v /= 10.0
	}
	return v
}

type section5 struct {
	numDataValues uint32
	packing       representation
}

// parseSection5 parses the Data Representation Section and picks the
// unpacker for the declared template: 5.0 (simple), 5.2 (complex) and
// 5.3 (complex with spatial differencing) are implemented. 5.40
// (JPEG2000) is recognized but unsupported in this build: no example in
// the corpus ships a JPEG2000 codestream decoder, and reporting
// KindUnsupported lets the iterator skip the message and resync.
func parseSection5(data []byte) (section5, error) {
	if len(data) < 11 {
		return section5{}, apperr.NewAt(apperr.KindParse, "grib2.section5", 0, fmt.Errorf("need 11 bytes, got %d", len(data)))
	}
	r := newReader(data)
	_, _ = r.uint32()
	sectionNum, _ := r.uint8()
	if sectionNum != 5 {
		return section5{}, apperr.NewAt(apperr.KindParse, "grib2.section5", 4, fmt.Errorf("expected section 5, got %d", sectionNum))
	}
	numValues, _ := r.uint32()
	templateNum, _ := r.uint16()

	tmpl, err := r.bytes(r.remaining())
	if err != nil {
		return section5{}, apperr.NewAt(apperr.KindParse, "grib2.section5", r.offsetOf(), err)
	}

	var packing representation
	switch templateNum {
	case 0:
		packing, err = parseSimplePacking(numValues, tmpl)
	case 2:
		packing, err = parseComplexPacking(numValues, tmpl, false)
	case 3:
		packing, err = parseComplexPacking(numValues, tmpl, true)
	case 40:
		return section5{}, apperr.NewAt(apperr.KindUnsupported, "grib2.section5", 9, fmt.Errorf("data representation template 5.40 (JPEG2000) not supported"))
	default:
		return section5{}, apperr.NewAt(apperr.KindUnsupported, "grib2.section5", 9, fmt.Errorf("data representation template %d not supported", templateNum))
	}
	if err != nil {
		return section5{}, err
	}
	return section5{numDataValues: numValues, packing: packing}, nil
}

// parseSection6 parses the Bit Map Section. Returns nil bitmap when all
// points are valid (indicator 255).
func parseSection6(data []byte, numGridPoints uint32) ([]bool, error) {
	if len(data) < 6 {
		return nil, apperr.NewAt(apperr.KindParse, "grib2.section6", 0, fmt.Errorf("need 6 bytes, got %d", len(data)))
	}
	r := newReader(data)
	_, _ = r.uint32()
	sectionNum, _ := r.uint8()
	if sectionNum != 6 {
		return nil, apperr.NewAt(apperr.KindParse, "grib2.section6", 4, fmt.Errorf("expected section 6, got %d", sectionNum))
	}
	indicator, _ := r.uint8()
	switch indicator {
	case 255:
		return nil, nil
	case 0:
		raw, err := r.bytes(r.remaining())
		if err != nil {
			return nil, apperr.NewAt(apperr.KindParse, "grib2.section6", r.offsetOf(), err)
		}
		return unpackBitmap(raw, numGridPoints)
	default:
		return nil, apperr.NewAt(apperr.KindUnsupported, "grib2.section6", 5, fmt.Errorf("bitmap indicator %d not supported", indicator))
	}
}

func unpackBitmap(data []byte, numGridPoints uint32) ([]bool, error) {
	expected := (numGridPoints + 7) / 8
	if uint32(len(data)) < expected {
		return nil, apperr.New(apperr.KindParse, "grib2.bitmap", fmt.Errorf("need %d bytes for %d points, got %d", expected, numGridPoints, len(data)))
	}
	bitmap := make([]bool, numGridPoints)
	idx := uint32(0)
	for _, b := range data {
		for bit := 7; bit >= 0 && idx < numGridPoints; bit-- {
			bitmap[idx] = b&(1<<uint(bit)) != 0
			idx++
		}
	}
	return bitmap, nil
}

// parseSection7 parses the Data Section and returns its raw packed payload.
func parseSection7(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, apperr.NewAt(apperr.KindParse, "grib2.section7", 0, fmt.Errorf("need 5 bytes, got %d", len(data)))
	}
	r := newReader(data)
	_, _ = r.uint32()
	sectionNum, _ := r.uint8()
	if sectionNum != 7 {
		return nil, apperr.NewAt(apperr.KindParse, "grib2.section7", 4, fmt.Errorf("expected section 7, got %d", sectionNum))
	}
	return r.bytes(r.remaining())
}
