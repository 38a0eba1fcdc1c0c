package grib2

import (
	"fmt"
	"math"

	"github.com/jcom-dev/gridweather/internal/apperr"
)

// representation unpacks a data section into one float32 per grid
// point, with NaN marking points the bitmap declares absent. Each Data
// Representation Template gets its own implementation.
type representation interface {
	decode(packedData []byte, bitmap []bool, numGridPoints int) ([]float32, error)
}

// simplePacking implements Data Representation Template 5.0.
//
// Decoding formula: value = (R + X * 2^E) / 10^D
//
//	R = reference value (IEEE 754 float32)
//	X = packed value (n-bit unsigned integer)
//	E = binary scale factor
//	D = decimal scale factor
type simplePacking struct {
	referenceValue     float32
	binaryScaleFactor  int16
	decimalScaleFactor int16
	numBitsPerValue    uint8
	numDataValues      uint32
}

func parseSimplePacking(numDataValues uint32, data []byte) (simplePacking, error) {
	if len(data) < 10 {
		return simplePacking{}, apperr.NewAt(apperr.KindParse, "grib2.template5.0", 0, fmt.Errorf("need 10 bytes, got %d", len(data)))
	}
	r := newReader(data)
	ref, _ := r.float32()
	binScale, _ := r.int16()
	decScale, _ := r.int16()
	bits, _ := r.uint8()
	_, _ = r.uint8() // original field type, unused

	return simplePacking{
		referenceValue:     ref,
		binaryScaleFactor:  binScale,
		decimalScaleFactor: decScale,
		numBitsPerValue:    bits,
		numDataValues:      numDataValues,
	}, nil
}

func (p simplePacking) applyScaling(packed uint32) float32 {
	value := float64(p.referenceValue)
	if packed != 0 {
		value += float64(packed) * math.Pow(2.0, float64(p.binaryScaleFactor))
	}
	if p.decimalScaleFactor != 0 {
		value /= math.Pow(10.0, float64(p.decimalScaleFactor))
	}
	return float32(value)
}

// decode unpacks the field data section into one float32 per grid point,
// with NaN marking points absent from the bitmap.
func (p simplePacking) decode(packedData []byte, bitmap []bool, numGridPoints int) ([]float32, error) {
	// 0 bits per value is a documented special case: every present point
	// shares the reference value exactly.
	if p.numBitsPerValue == 0 {
		out := make([]float32, numGridPoints)
		ref := p.applyScaling(0)
		for i := range out {
			if bitmap == nil || bitmap[i] {
				out[i] = ref
			} else {
				out[i] = float32(math.NaN())
			}
		}
		return out, nil
	}

	br := newBitReader(packedData)
	packed := make([]uint32, p.numDataValues)
	for i := range packed {
		v, err := br.readBits(int(p.numBitsPerValue))
		if err != nil {
			return nil, apperr.New(apperr.KindParse, "grib2.template5.0.decode", fmt.Errorf("value %d: %w", i, err))
		}
		packed[i] = v
	}

	if bitmap == nil {
		out := make([]float32, len(packed))
		for i, v := range packed {
			out[i] = p.applyScaling(v)
		}
		return out, nil
	}

	if len(packed) > len(bitmap) {
		return nil, apperr.New(apperr.KindParse, "grib2.template5.0.decode", fmt.Errorf("more packed values (%d) than bitmap entries (%d)", len(packed), len(bitmap)))
	}
	out := make([]float32, len(bitmap))
	packedIdx := 0
	for i, present := range bitmap {
		if present {
			out[i] = p.applyScaling(packed[packedIdx])
			packedIdx++
		} else {
			out[i] = float32(math.NaN())
		}
	}
	return out, nil
}
