package grib2

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/jcom-dev/gridweather/internal/apperr"
)

// Iterator decodes a byte stream holding one or more concatenated GRIB2
// messages. Call Next repeatedly until it returns io.EOF.
//
// On a malformed message, Next logs the failure and resyncs to the next
// "GRIB" magic number rather than aborting the stream: a multi-message
// bundle with one bad field should still yield every other field.
type Iterator struct {
	data   []byte
	offset int
}

// NewIterator returns an Iterator over data, which may contain multiple
// concatenated GRIB2 messages.
func NewIterator(data []byte) *Iterator {
	return &Iterator{data: data}
}

// Next decodes and returns the next message, or io.EOF once the stream
// is exhausted.
func (it *Iterator) Next() (*Message, error) {
	for {
		if it.offset >= len(it.data) {
			return nil, io.EOF
		}

		start := it.offset
		idx := bytes.Index(it.data[start:], []byte("GRIB"))
		if idx < 0 {
			it.offset = len(it.data)
			return nil, io.EOF
		}
		start += idx

		msg, consumed, err := decodeOneMessage(it.data[start:])
		if err != nil {
			slog.Warn("grib2: skipping malformed message, resyncing",
				"offset", start, "error", err)
			it.offset = start + 4 // past this GRIB magic, search for the next one
			continue
		}

		it.offset = start + consumed
		return msg, nil
	}
}

// decodeOneMessage decodes a single message starting at data[0:] (which
// must begin with "GRIB") and returns the message plus the number of
// bytes it occupied.
func decodeOneMessage(data []byte) (*Message, int, error) {
	if len(data) < 16 {
		return nil, 0, apperr.NewAt(apperr.KindParse, "grib2.decodeOneMessage", 0, fmt.Errorf("truncated indicator section"))
	}
	sec0, err := parseSection0(data[:16])
	if err != nil {
		return nil, 0, err
	}
	total := int(sec0.messageLength)
	if total > len(data) {
		return nil, 0, apperr.NewAt(apperr.KindParse, "grib2.decodeOneMessage", 0, fmt.Errorf("message length %d exceeds available %d bytes", total, len(data)))
	}
	if total < 20 || string(data[total-4:total]) != "7777" {
		return nil, 0, apperr.NewAt(apperr.KindParse, "grib2.decodeOneMessage", total-4, fmt.Errorf("missing 7777 end marker"))
	}

	body := data[16 : total-4]

	msg := &Message{Discipline: sec0.discipline}

	var grid Grid
	var prod section4
	var rep section5
	var bitmap []bool

	offset := 0
	for offset < len(body) {
		if offset+5 > len(body) {
			return nil, 0, apperr.NewAt(apperr.KindParse, "grib2.decodeOneMessage", 16+offset, fmt.Errorf("truncated section header"))
		}
		secLen := int(beUint32(body[offset:]))
		secNum := body[offset+4]
		if secLen < 5 || offset+secLen > len(body) {
			return nil, 0, apperr.NewAt(apperr.KindParse, "grib2.decodeOneMessage", 16+offset, fmt.Errorf("implausible section %d length %d", secNum, secLen))
		}
		sec := body[offset : offset+secLen]

		switch secNum {
		case 1:
			s1, err := parseSection1(sec)
			if err != nil {
				return nil, 0, err
			}
			msg.OriginatingCenter = s1.originatingCenter
			msg.ReferenceTime = s1.referenceTime
		case 3:
			grid, err = parseSection3(sec)
			if err != nil {
				return nil, 0, err
			}
			msg.Grid = grid
		case 4:
			prod, err = parseSection4(sec)
			if err != nil {
				return nil, 0, err
			}
			msg.ParameterCategory = prod.parameterCategory
			msg.ParameterNumber = prod.parameterNumber
			msg.FirstSurfaceType = prod.surfaceType
			msg.FirstSurfaceValue = prod.surfaceValueScaled()
			msg.ForecastTimeUnit = prod.timeUnit
			msg.ForecastTime = prod.forecastTime
		case 5:
			rep, err = parseSection5(sec)
			if err != nil {
				return nil, 0, err
			}
		case 6:
			bitmap, err = parseSection6(sec, uint32(grid.NumPoints()))
			if err != nil {
				return nil, 0, err
			}
		case 7:
			if rep.packing == nil {
				return nil, 0, apperr.NewAt(apperr.KindParse, "grib2.decodeOneMessage", 16+offset, fmt.Errorf("data section before data representation section"))
			}
			packed, err := parseSection7(sec)
			if err != nil {
				return nil, 0, err
			}
			values, err := rep.packing.decode(packed, bitmap, grid.NumPoints())
			if err != nil {
				return nil, 0, err
			}
			msg.Values = values
		case 2, 8:
			// Local use / end section: no content we need.
		default:
			return nil, 0, apperr.NewAt(apperr.KindUnsupported, "grib2.decodeOneMessage", 16+offset, fmt.Errorf("unexpected section number %d", secNum))
		}

		offset += secLen
	}

	if msg.Values == nil {
		return nil, 0, apperr.New(apperr.KindParse, "grib2.decodeOneMessage", fmt.Errorf("message had no data section"))
	}

	return msg, total, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// ReadAll decodes every message in data, collecting resync warnings into
// the log rather than failing the whole read. It is a convenience for
// callers (tests, one-off tools) that want every message at once; the
// ingestion pipeline uses the Iterator directly so it can start writing
// chunks before the whole file is decoded.
func ReadAll(data []byte) ([]*Message, error) {
	it := NewIterator(data)
	var messages []*Message
	for {
		msg, err := it.Next()
		if err == io.EOF {
			return messages, nil
		}
		if err != nil {
			return messages, err
		}
		messages = append(messages, msg)
	}
}
