package grib2

import (
	"fmt"
	"math"

	"github.com/jcom-dev/gridweather/internal/apperr"
)

// complexPacking implements Data Representation Templates 5.2 (complex
// packing) and 5.3 (complex packing with spatial differencing).
//
// The field is split into groups; each group stores a reference value
// and per-value deltas at its own bit width. Template 5.3 additionally
// stores first- or second-order spatial differences, which must be
// reversed after unpacking. Regional models (HRRR, NAM) publish almost
// everything this way.
type complexPacking struct {
	referenceValue     float32
	binaryScaleFactor  int16
	decimalScaleFactor int16
	numBitsPerValue    uint8
	missingManagement  uint8
	primaryMissing     float32
	numberOfGroups     uint32
	refGroupWidth      uint8
	numBitsGroupWidth  uint8
	refGroupLength     uint32
	groupLengthInc     uint8
	lastGroupLength    uint32
	numBitsGroupLength uint8
	spatialDiffOrder   uint8 // 0 for template 5.2
	numOctetsExtra     uint8
	numDataValues      uint32
}

// parseComplexPacking parses templates 5.2 (spatialDiff=false, 36 bytes)
// and 5.3 (spatialDiff=true, 38 bytes). Offsets follow the WMO layout;
// the scale factors are sign-magnitude like everything else in GRIB2.
func parseComplexPacking(numDataValues uint32, data []byte, spatialDiff bool) (complexPacking, error) {
	need := 36
	if spatialDiff {
		need = 38
	}
	if len(data) < need {
		return complexPacking{}, apperr.NewAt(apperr.KindParse, "grib2.template5.2", 0, fmt.Errorf("need %d bytes, got %d", need, len(data)))
	}
	r := newReader(data)
	p := complexPacking{numDataValues: numDataValues}
	p.referenceValue, _ = r.float32()
	p.binaryScaleFactor, _ = r.int16()
	p.decimalScaleFactor, _ = r.int16()
	p.numBitsPerValue, _ = r.uint8()
	_, _ = r.uint8() // original field type
	_, _ = r.uint8() // group splitting method
	p.missingManagement, _ = r.uint8()
	primaryBits, _ := r.uint32()
	p.primaryMissing = math.Float32frombits(primaryBits)
	_, _ = r.uint32() // secondary missing value, unused
	p.numberOfGroups, _ = r.uint32()
	p.refGroupWidth, _ = r.uint8()
	p.numBitsGroupWidth, _ = r.uint8()
	p.refGroupLength, _ = r.uint32()
	p.groupLengthInc, _ = r.uint8()
	p.lastGroupLength, _ = r.uint32()
	p.numBitsGroupLength, _ = r.uint8()
	if spatialDiff {
		p.spatialDiffOrder, _ = r.uint8()
		p.numOctetsExtra, _ = r.uint8()
		if p.spatialDiffOrder != 1 && p.spatialDiffOrder != 2 {
			return complexPacking{}, apperr.New(apperr.KindUnsupported, "grib2.template5.3",
				fmt.Errorf("spatial differencing order %d", p.spatialDiffOrder))
		}
		if p.numOctetsExtra == 0 {
			return complexPacking{}, apperr.New(apperr.KindParse, "grib2.template5.3",
				fmt.Errorf("spatial differencing requires extra descriptor octets"))
		}
	}
	return p, nil
}

func (p complexPacking) applyScaling(v int64) float32 {
	value := float64(p.referenceValue) + float64(v)*math.Pow(2.0, float64(p.binaryScaleFactor))
	if p.decimalScaleFactor != 0 {
		value /= math.Pow(10.0, float64(p.decimalScaleFactor))
	}
	return float32(value)
}

func (p complexPacking) decode(packedData []byte, bitmap []bool, numGridPoints int) ([]float32, error) {
	const op = "grib2.complex.decode"
	br := newBitReader(packedData)

	ndata := int(p.numDataValues)
	if bitmap != nil {
		// Packed values cover only bitmap-present points.
		present := 0
		for _, b := range bitmap {
			if b {
				present++
			}
		}
		ndata = present
	}

	// Spatial difference descriptors precede the groups: g extra values
	// plus a signed minimum, each numOctetsExtra bytes wide.
	var firstVals []int64
	var minVal int64
	if p.spatialDiffOrder > 0 {
		firstVals = make([]int64, p.spatialDiffOrder)
		octBits := int(p.numOctetsExtra) * 8
		for i := range firstVals {
			v, err := br.readBits(octBits)
			if err != nil {
				return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("first value %d: %w", i, err))
			}
			firstVals[i] = int64(v)
		}
		raw, err := br.readBits(octBits)
		if err != nil {
			return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("min value: %w", err))
		}
		// Sign-magnitude, matching the GRIB2 integer convention.
		signBit := uint32(1) << uint(octBits-1)
		if raw&signBit != 0 {
			minVal = -int64(raw &^ signBit)
		} else {
			minVal = int64(raw)
		}
	}

	groups := int(p.numberOfGroups)
	groupMin := make([]int64, groups)
	for i := range groupMin {
		v, err := br.readBits(int(p.numBitsPerValue))
		if err != nil {
			return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("group reference %d: %w", i, err))
		}
		groupMin[i] = int64(v)
	}
	br.align()

	groupWidth := make([]int, groups)
	for i := range groupWidth {
		w := uint32(0)
		if p.numBitsGroupWidth > 0 {
			var err error
			w, err = br.readBits(int(p.numBitsGroupWidth))
			if err != nil {
				return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("group width %d: %w", i, err))
			}
		}
		groupWidth[i] = int(w) + int(p.refGroupWidth)
	}
	br.align()

	groupLength := make([]int, groups)
	for i := range groupLength {
		l := uint32(0)
		if p.numBitsGroupLength > 0 {
			var err error
			l, err = br.readBits(int(p.numBitsGroupLength))
			if err != nil {
				return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("group length %d: %w", i, err))
			}
		}
		groupLength[i] = int(p.refGroupLength) + int(l)*int(p.groupLengthInc)
	}
	if groups > 0 {
		groupLength[groups-1] = int(p.lastGroupLength)
	}
	br.align()

	numUnpacked := ndata - len(firstVals)
	if numUnpacked < 0 {
		return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("fewer data values (%d) than spatial difference references (%d)", ndata, len(firstVals)))
	}
	unpacked := make([]int64, numUnpacked)
	idx := 0
	for g := 0; g < groups && idx < numUnpacked; g++ {
		for j := 0; j < groupLength[g] && idx < numUnpacked; j++ {
			if groupWidth[g] == 0 {
				unpacked[idx] = groupMin[g]
			} else {
				v, err := br.readBits(groupWidth[g])
				if err != nil {
					return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("group %d value %d: %w", g, j, err))
				}
				unpacked[idx] = groupMin[g] + int64(v)
			}
			idx++
		}
	}
	if idx != numUnpacked {
		return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("groups yielded %d values, expected %d", idx, numUnpacked))
	}

	all := make([]int64, 0, ndata)
	all = append(all, firstVals...)
	all = append(all, unpacked...)

	switch p.spatialDiffOrder {
	case 1:
		for i := 1; i < len(all); i++ {
			all[i] = all[i-1] + all[i] + minVal
		}
	case 2:
		for i := 2; i < len(all); i++ {
			all[i] = all[i] + 2*all[i-1] - all[i-2] + minVal
		}
	}

	if bitmap == nil {
		out := make([]float32, len(all))
		for i, v := range all {
			out[i] = p.applyScaling(v)
		}
		return out, nil
	}

	if len(all) > len(bitmap) {
		return nil, apperr.New(apperr.KindParse, op, fmt.Errorf("more packed values (%d) than bitmap entries (%d)", len(all), len(bitmap)))
	}
	out := make([]float32, len(bitmap))
	packedIdx := 0
	for i, present := range bitmap {
		if present {
			out[i] = p.applyScaling(all[packedIdx])
			packedIdx++
		} else {
			out[i] = float32(math.NaN())
		}
	}
	return out, nil
}
