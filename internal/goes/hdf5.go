package goes

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/jcom-dev/gridweather/internal/apperr"
)

// Minimal HDF5 reader for GOES ABI L2 NetCDF-4 files.
//
// This is not a general HDF5 implementation. It reads exactly the
// subset libnetcdf emits for ABI products: superblock version 0 (or 2/3),
// version 1 object headers, symbol-table groups, contiguous and chunked
// (v3 layout) datasets, and the shuffle+deflate filter pipeline. That
// subset is enough to locate the CMI array, the x/y scan-angle axes and
// the goes_imager_projection attribute set.

var hdf5Signature = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}

const undefinedAddr = 0xFFFFFFFFFFFFFFFF

type hdf5File struct {
	data       []byte
	offsetSize int
	lengthSize int
	objects    map[string]*hdf5Object
}

// hdf5Object is a parsed dataset: shape, type, storage layout, filters
// and attributes.
type hdf5Object struct {
	name       string
	dims       []uint64
	dtype      hdf5Datatype
	layout     hdf5Layout
	filters    []hdf5Filter
	attrs      map[string]any
	file       *hdf5File
	headerAddr uint64
}

type hdf5Datatype struct {
	class        uint8 // 0 fixed-point, 1 float, 3 string
	size         uint32
	littleEndian bool
	signed       bool
}

type hdf5Layout struct {
	class     uint8 // 1 contiguous, 2 chunked
	dataAddr  uint64
	dataSize  uint64
	btreeAddr uint64
	chunkDims []uint64 // includes trailing element-size dimension
}

type hdf5Filter struct {
	id uint16
}

func parseErr(op string, format string, args ...any) error {
	return apperr.New(apperr.KindParse, op, fmt.Errorf(format, args...))
}

// openHDF5 parses the superblock and walks the root group, indexing
// every root-level dataset by name.
func openHDF5(data []byte) (*hdf5File, error) {
	const op = "goes.openHDF5"
	if len(data) < 48 || !bytes.Equal(data[:8], hdf5Signature) {
		return nil, parseErr(op, "not an HDF5 file")
	}
	f := &hdf5File{data: data, objects: map[string]*hdf5Object{}}

	version := data[8]
	var rootAddr uint64
	switch version {
	case 0, 1:
		f.offsetSize = int(data[13])
		f.lengthSize = int(data[14])
		// Fixed-size fields up to the root symbol table entry: the entry's
		// object header address is its second field.
		off := 24 + 4*f.offsetSize // base, free-space, EOF, driver-info
		off += f.offsetSize        // root entry link name offset
		rootAddr = f.readOffset(uint64(off))
	case 2, 3:
		f.offsetSize = int(data[9])
		f.lengthSize = int(data[10])
		off := 12 + 2*f.offsetSize // base addr, superblock extension
		off += f.offsetSize        // EOF addr
		rootAddr = f.readOffset(uint64(off))
	default:
		return nil, parseErr(op, "unsupported superblock version %d", version)
	}
	if f.offsetSize != 8 || f.lengthSize != 8 {
		return nil, parseErr(op, "unsupported offset/length size %d/%d", f.offsetSize, f.lengthSize)
	}

	root := &hdf5Object{name: "/", file: f, attrs: map[string]any{}}
	if err := f.parseObjectHeader(rootAddr, root); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *hdf5File) readOffset(off uint64) uint64 {
	if off+8 > uint64(len(f.data)) {
		return undefinedAddr
	}
	return binary.LittleEndian.Uint64(f.data[off:])
}

// dataset returns a root-level dataset by name.
func (f *hdf5File) dataset(name string) (*hdf5Object, bool) {
	o, ok := f.objects[name]
	return o, ok
}

// parseObjectHeader parses a version 1 or 2 object header into obj.
// Continuation blocks are followed for version 1 headers only.
func (f *hdf5File) parseObjectHeader(addr uint64, obj *hdf5Object) error {
	const op = "goes.hdf5.objectHeader"
	if addr == undefinedAddr || addr+16 > uint64(len(f.data)) {
		return parseErr(op, "object header address %#x out of range", addr)
	}
	obj.headerAddr = addr
	if obj.attrs == nil {
		obj.attrs = map[string]any{}
	}

	if bytes.Equal(f.data[addr:addr+4], []byte("OHDR")) {
		return f.parseObjectHeaderV2(addr, obj)
	}

	version := f.data[addr]
	if version != 1 {
		return parseErr(op, "unsupported object header version %d", version)
	}
	numMessages := binary.LittleEndian.Uint16(f.data[addr+2:])
	headerSize := binary.LittleEndian.Uint32(f.data[addr+8:])

	type block struct{ start, size uint64 }
	blocks := []block{{addr + 16, uint64(headerSize)}}
	parsed := 0

	for bi := 0; bi < len(blocks) && parsed < int(numMessages); bi++ {
		pos := blocks[bi].start
		end := blocks[bi].start + blocks[bi].size
		for pos+8 <= end && parsed < int(numMessages) {
			msgType := binary.LittleEndian.Uint16(f.data[pos:])
			msgSize := binary.LittleEndian.Uint16(f.data[pos+2:])
			body := pos + 8
			if body+uint64(msgSize) > uint64(len(f.data)) {
				return parseErr(op, "message overruns file")
			}
			if msgType == 0x0010 && msgSize >= 16 { // continuation
				blocks = append(blocks, block{
					binary.LittleEndian.Uint64(f.data[body:]),
					binary.LittleEndian.Uint64(f.data[body+8:]),
				})
			} else if err := f.handleMessage(msgType, f.data[body:body+uint64(msgSize)], obj); err != nil {
				return err
			}
			parsed++
			pos = body + uint64(msgSize)
		}
	}
	return nil
}

// parseObjectHeaderV2 handles the 1.8+ "OHDR" header layout, which v2
// groups (dense link storage disabled) still use for datasets.
func (f *hdf5File) parseObjectHeaderV2(addr uint64, obj *hdf5Object) error {
	const op = "goes.hdf5.objectHeaderV2"
	pos := addr + 4
	flags := f.data[pos+1]
	pos += 2
	if flags&0x20 != 0 {
		pos += 16 // access/mod/change/birth times
	}
	if flags&0x10 != 0 {
		pos += 4 // max compact / min dense attributes
	}
	chunkSizeBytes := uint64(1) << (flags & 0x3)
	var chunkSize uint64
	switch chunkSizeBytes {
	case 1:
		chunkSize = uint64(f.data[pos])
	case 2:
		chunkSize = uint64(binary.LittleEndian.Uint16(f.data[pos:]))
	case 4:
		chunkSize = uint64(binary.LittleEndian.Uint32(f.data[pos:]))
	case 8:
		chunkSize = binary.LittleEndian.Uint64(f.data[pos:])
	}
	pos += chunkSizeBytes
	end := pos + chunkSize
	for pos+4 <= end {
		msgType := uint16(f.data[pos])
		msgSize := binary.LittleEndian.Uint16(f.data[pos+1:])
		msgFlags := f.data[pos+3]
		pos += 4
		if flags&0x04 != 0 {
			pos += 2 // creation order
		}
		if pos+uint64(msgSize) > uint64(len(f.data)) {
			return parseErr(op, "message overruns file")
		}
		body := f.data[pos : pos+uint64(msgSize)]
		if msgType == 0x0010 && msgSize >= 16 {
			// Continuation messages are not followed: messages stored in
			// a v2 header's "OCHK" continuation blocks are not read.
			caddr := binary.LittleEndian.Uint64(body)
			csize := binary.LittleEndian.Uint64(body[8:])
			_ = caddr
			_ = csize
		} else if err := f.handleMessage(msgType, body, obj); err != nil {
			return err
		}
		_ = msgFlags
		pos += uint64(msgSize)
	}
	return nil
}

func (f *hdf5File) handleMessage(msgType uint16, body []byte, obj *hdf5Object) error {
	switch msgType {
	case 0x0001: // dataspace
		dims, err := parseDataspace(body)
		if err != nil {
			return err
		}
		obj.dims = dims
	case 0x0003: // datatype
		dt, err := parseDatatype(body)
		if err != nil {
			return err
		}
		obj.dtype = dt
	case 0x0008: // data layout
		layout, err := parseLayout(body)
		if err != nil {
			return err
		}
		obj.layout = layout
	case 0x000B: // filter pipeline
		obj.filters = parseFilterPipeline(body)
	case 0x000C: // attribute
		name, value, err := parseAttribute(body)
		if err == nil {
			obj.attrs[name] = value
		}
		// Attributes with exotic types are skipped, not fatal: the GOES
		// reader validates the ones it needs and reports MissingVariable.
	case 0x0011: // symbol table (group)
		if len(body) >= 16 {
			btreeAddr := binary.LittleEndian.Uint64(body)
			heapAddr := binary.LittleEndian.Uint64(body[8:])
			return f.walkGroup(btreeAddr, heapAddr)
		}
	}
	return nil
}

// walkGroup walks a v1 group B-tree, parsing each linked child object.
func (f *hdf5File) walkGroup(btreeAddr, heapAddr uint64) error {
	const op = "goes.hdf5.walkGroup"
	heapData, err := f.localHeapData(heapAddr)
	if err != nil {
		return err
	}
	return f.walkGroupNode(btreeAddr, heapData)
}

func (f *hdf5File) walkGroupNode(addr uint64, heapData []byte) error {
	const op = "goes.hdf5.groupNode"
	if addr == undefinedAddr || addr+24 > uint64(len(f.data)) {
		return parseErr(op, "group node address out of range")
	}
	if !bytes.Equal(f.data[addr:addr+4], []byte("TREE")) {
		// A leaf symbol table node.
		return f.parseSymbolNode(addr, heapData)
	}
	level := f.data[addr+5]
	entries := binary.LittleEndian.Uint16(f.data[addr+6:])
	pos := addr + 8 + 16 // skip siblings
	// Keys and children alternate: key0, child0, key1, child1, ... keyN.
	pos += 8 // key 0 (heap offset, length size)
	for i := 0; i < int(entries); i++ {
		child := binary.LittleEndian.Uint64(f.data[pos:])
		pos += 8
		pos += 8 // next key
		var err error
		if level == 0 {
			err = f.parseSymbolNode(child, heapData)
		} else {
			err = f.walkGroupNode(child, heapData)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *hdf5File) parseSymbolNode(addr uint64, heapData []byte) error {
	const op = "goes.hdf5.symbolNode"
	if addr+8 > uint64(len(f.data)) || !bytes.Equal(f.data[addr:addr+4], []byte("SNOD")) {
		return parseErr(op, "bad symbol table node at %#x", addr)
	}
	numSymbols := binary.LittleEndian.Uint16(f.data[addr+6:])
	pos := addr + 8
	for i := 0; i < int(numSymbols); i++ {
		nameOff := binary.LittleEndian.Uint64(f.data[pos:])
		objAddr := binary.LittleEndian.Uint64(f.data[pos+8:])
		pos += 8 + 8 + 4 + 4 + 16 // name, header, cache type, reserved, scratch
		name := heapString(heapData, nameOff)
		if name == "" {
			continue
		}
		child := &hdf5Object{name: name, file: f, attrs: map[string]any{}}
		if err := f.parseObjectHeader(objAddr, child); err != nil {
			return err
		}
		f.objects[name] = child
	}
	return nil
}

func (f *hdf5File) localHeapData(addr uint64) ([]byte, error) {
	const op = "goes.hdf5.localHeap"
	if addr+32 > uint64(len(f.data)) || !bytes.Equal(f.data[addr:addr+4], []byte("HEAP")) {
		return nil, parseErr(op, "bad local heap at %#x", addr)
	}
	segSize := binary.LittleEndian.Uint64(f.data[addr+8:])
	segAddr := binary.LittleEndian.Uint64(f.data[addr+24:])
	if segAddr+segSize > uint64(len(f.data)) {
		return nil, parseErr(op, "heap segment out of range")
	}
	return f.data[segAddr : segAddr+segSize], nil
}

func heapString(heap []byte, off uint64) string {
	if off >= uint64(len(heap)) {
		return ""
	}
	end := bytes.IndexByte(heap[off:], 0)
	if end < 0 {
		return string(heap[off:])
	}
	return string(heap[off : off+uint64(end)])
}

func parseDataspace(body []byte) ([]uint64, error) {
	const op = "goes.hdf5.dataspace"
	if len(body) < 2 {
		return nil, parseErr(op, "truncated dataspace")
	}
	version := body[0]
	rank := int(body[1])
	var off int
	switch version {
	case 1:
		off = 8
	case 2:
		off = 4
	default:
		return nil, parseErr(op, "unsupported dataspace version %d", version)
	}
	if len(body) < off+rank*8 {
		return nil, parseErr(op, "dataspace dims truncated")
	}
	dims := make([]uint64, rank)
	for i := range dims {
		dims[i] = binary.LittleEndian.Uint64(body[off+i*8:])
	}
	return dims, nil
}

func parseDatatype(body []byte) (hdf5Datatype, error) {
	const op = "goes.hdf5.datatype"
	if len(body) < 8 {
		return hdf5Datatype{}, parseErr(op, "truncated datatype")
	}
	classAndVersion := body[0]
	class := classAndVersion & 0x0F
	bits0 := body[1]
	size := binary.LittleEndian.Uint32(body[4:])
	return hdf5Datatype{
		class:        class,
		size:         size,
		littleEndian: bits0&0x01 == 0,
		signed:       bits0&0x08 != 0,
	}, nil
}

func parseLayout(body []byte) (hdf5Layout, error) {
	const op = "goes.hdf5.layout"
	if len(body) < 2 {
		return hdf5Layout{}, parseErr(op, "truncated layout")
	}
	if body[0] != 3 {
		return hdf5Layout{}, apperr.New(apperr.KindUnsupported, op, fmt.Errorf("layout message version %d", body[0]))
	}
	layout := hdf5Layout{class: body[1]}
	switch layout.class {
	case 1: // contiguous
		if len(body) < 18 {
			return hdf5Layout{}, parseErr(op, "truncated contiguous layout")
		}
		layout.dataAddr = binary.LittleEndian.Uint64(body[2:])
		layout.dataSize = binary.LittleEndian.Uint64(body[10:])
	case 2: // chunked
		if len(body) < 11 {
			return hdf5Layout{}, parseErr(op, "truncated chunked layout")
		}
		dimensionality := int(body[2])
		layout.btreeAddr = binary.LittleEndian.Uint64(body[3:])
		if len(body) < 11+dimensionality*4 {
			return hdf5Layout{}, parseErr(op, "chunk dims truncated")
		}
		layout.chunkDims = make([]uint64, dimensionality)
		for i := range layout.chunkDims {
			layout.chunkDims[i] = uint64(binary.LittleEndian.Uint32(body[11+i*4:]))
		}
	default:
		return hdf5Layout{}, apperr.New(apperr.KindUnsupported, op, fmt.Errorf("layout class %d", layout.class))
	}
	return layout, nil
}

func parseFilterPipeline(body []byte) []hdf5Filter {
	if len(body) < 8 {
		return nil
	}
	version := body[0]
	nfilters := int(body[1])
	pos := 8
	if version == 2 {
		pos = 2
	}
	var filters []hdf5Filter
	for i := 0; i < nfilters && pos+8 <= len(body); i++ {
		id := binary.LittleEndian.Uint16(body[pos:])
		nameLen := int(binary.LittleEndian.Uint16(body[pos+2:]))
		numValues := int(binary.LittleEndian.Uint16(body[pos+6:]))
		pos += 8
		if version == 2 && id < 256 {
			nameLen = 0
		}
		if version == 1 && nameLen%8 != 0 {
			nameLen += 8 - nameLen%8
		}
		pos += nameLen
		pos += numValues * 4
		if version == 1 && numValues%2 == 1 {
			pos += 4
		}
		filters = append(filters, hdf5Filter{id: id})
	}
	return filters
}

// parseAttribute decodes a version 1-3 attribute message into a Go
// value: float64/int64 scalars, []float64 vectors, or string.
func parseAttribute(body []byte) (string, any, error) {
	const op = "goes.hdf5.attribute"
	if len(body) < 8 {
		return "", nil, parseErr(op, "truncated attribute")
	}
	version := body[0]
	nameSize := int(binary.LittleEndian.Uint16(body[2:]))
	dtSize := int(binary.LittleEndian.Uint16(body[4:]))
	dsSize := int(binary.LittleEndian.Uint16(body[6:]))
	pos := 8
	if version == 3 {
		pos = 9 // flags + name encoding
	} else if version == 2 {
		pos = 8
	}

	pad := func(n int) int {
		if version == 1 && n%8 != 0 {
			return n + (8 - n%8)
		}
		return n
	}

	if pos+pad(nameSize)+pad(dtSize)+pad(dsSize) > len(body) {
		return "", nil, parseErr(op, "attribute sections truncated")
	}
	name := string(bytes.TrimRight(body[pos:pos+nameSize], "\x00"))
	pos += pad(nameSize)
	dt, err := parseDatatype(body[pos : pos+dtSize])
	if err != nil {
		return "", nil, err
	}
	pos += pad(dtSize)
	dims, err := parseDataspace(body[pos : pos+dsSize])
	if err != nil {
		return "", nil, err
	}
	pos += pad(dsSize)

	count := 1
	for _, d := range dims {
		count *= int(d)
	}
	data := body[pos:]

	if dt.class == 3 { // string
		return name, string(bytes.TrimRight(data, "\x00")), nil
	}

	values := make([]float64, 0, count)
	esz := int(dt.size)
	for i := 0; i < count && (i+1)*esz <= len(data); i++ {
		values = append(values, decodeScalar(dt, data[i*esz:(i+1)*esz]))
	}
	if len(values) == 0 {
		return name, nil, parseErr(op, "attribute %q has no data", name)
	}
	if len(values) == 1 {
		return name, values[0], nil
	}
	return name, values, nil
}

func decodeScalar(dt hdf5Datatype, b []byte) float64 {
	switch dt.class {
	case 0: // fixed-point
		var u uint64
		switch len(b) {
		case 1:
			u = uint64(b[0])
		case 2:
			u = uint64(binary.LittleEndian.Uint16(b))
		case 4:
			u = uint64(binary.LittleEndian.Uint32(b))
		case 8:
			u = binary.LittleEndian.Uint64(b)
		}
		if dt.signed {
			switch len(b) {
			case 1:
				return float64(int8(u))
			case 2:
				return float64(int16(u))
			case 4:
				return float64(int32(u))
			case 8:
				return float64(int64(u))
			}
		}
		return float64(u)
	case 1: // float
		switch len(b) {
		case 4:
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case 8:
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
	}
	return math.NaN()
}

// readRaw returns the dataset's elements as raw little-endian bytes,
// decompressed and assembled from chunks where needed.
func (o *hdf5Object) readRaw() ([]byte, error) {
	const op = "goes.hdf5.readRaw"
	esz := int(o.dtype.size)
	total := esz
	for _, d := range o.dims {
		total *= int(d)
	}

	switch o.layout.class {
	case 1:
		if o.layout.dataAddr == undefinedAddr {
			return nil, parseErr(op, "dataset %q has no allocated storage", o.name)
		}
		end := o.layout.dataAddr + o.layout.dataSize
		if end > uint64(len(o.file.data)) {
			return nil, parseErr(op, "contiguous data out of range")
		}
		return o.file.data[o.layout.dataAddr:end], nil
	case 2:
		out := make([]byte, total)
		if err := o.readChunks(o.layout.btreeAddr, out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, apperr.New(apperr.KindUnsupported, op, fmt.Errorf("layout class %d", o.layout.class))
	}
}

// readChunks walks the v1 chunk B-tree and copies each chunk into the
// full-array buffer, clipping edge chunks.
func (o *hdf5Object) readChunks(addr uint64, out []byte) error {
	const op = "goes.hdf5.readChunks"
	f := o.file
	if addr == undefinedAddr || addr+24 > uint64(len(f.data)) {
		return parseErr(op, "chunk btree address out of range")
	}
	if !bytes.Equal(f.data[addr:addr+4], []byte("TREE")) {
		return parseErr(op, "bad chunk btree node")
	}
	level := f.data[addr+5]
	entries := int(binary.LittleEndian.Uint16(f.data[addr+6:]))
	rank := len(o.layout.chunkDims) // includes element-size dim
	keySize := 8 + 8*rank           // chunk size + filter mask + offsets

	pos := addr + 8 + 16
	for i := 0; i < entries; i++ {
		chunkBytes := binary.LittleEndian.Uint32(f.data[pos:])
		offsets := make([]uint64, rank)
		for d := 0; d < rank; d++ {
			offsets[d] = binary.LittleEndian.Uint64(f.data[pos+8+uint64(d*8):])
		}
		pos += uint64(keySize)
		child := binary.LittleEndian.Uint64(f.data[pos:])
		pos += 8

		if level > 0 {
			if err := o.readChunks(child, out); err != nil {
				return err
			}
			continue
		}

		raw := f.data[child : child+uint64(chunkBytes)]
		decoded, err := o.applyFilters(raw)
		if err != nil {
			return err
		}
		if err := o.placeChunk(decoded, offsets, out); err != nil {
			return err
		}
	}
	return nil
}

// applyFilters reverses the filter pipeline: deflate first, then
// unshuffle (the pipeline compresses shuffled bytes).
func (o *hdf5Object) applyFilters(raw []byte) ([]byte, error) {
	const op = "goes.hdf5.applyFilters"
	data := raw
	for i := len(o.filters) - 1; i >= 0; i-- {
		switch o.filters[i].id {
		case 1: // deflate
			zr, err := zlib.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, parseErr(op, "deflate: %v", err)
			}
			inflated, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, parseErr(op, "deflate: %v", err)
			}
			data = inflated
		case 2: // shuffle
			data = unshuffle(data, int(o.dtype.size))
		default:
			return nil, apperr.New(apperr.KindUnsupported, op, fmt.Errorf("filter id %d", o.filters[i].id))
		}
	}
	return data, nil
}

func unshuffle(data []byte, elemSize int) []byte {
	if elemSize <= 1 || len(data)%elemSize != 0 {
		return data
	}
	n := len(data) / elemSize
	out := make([]byte, len(data))
	for j := 0; j < elemSize; j++ {
		for i := 0; i < n; i++ {
			out[i*elemSize+j] = data[j*n+i]
		}
	}
	return out
}

// placeChunk copies a decoded chunk into the row-major output buffer.
// Only rank 1 and 2 arrays occur in ABI products.
func (o *hdf5Object) placeChunk(chunk []byte, offsets []uint64, out []byte) error {
	const op = "goes.hdf5.placeChunk"
	esz := int(o.dtype.size)
	switch len(o.dims) {
	case 1:
		n := int(o.dims[0])
		cw := int(o.layout.chunkDims[0])
		start := int(offsets[0])
		for i := 0; i < cw && start+i < n; i++ {
			src := i * esz
			dst := (start + i) * esz
			if src+esz <= len(chunk) {
				copy(out[dst:dst+esz], chunk[src:src+esz])
			}
		}
		return nil
	case 2:
		h, w := int(o.dims[0]), int(o.dims[1])
		ch, cw := int(o.layout.chunkDims[0]), int(o.layout.chunkDims[1])
		y0, x0 := int(offsets[0]), int(offsets[1])
		for row := 0; row < ch && y0+row < h; row++ {
			copyW := cw
			if x0+copyW > w {
				copyW = w - x0
			}
			src := row * cw * esz
			dst := ((y0+row)*w + x0) * esz
			if src+copyW*esz <= len(chunk) {
				copy(out[dst:dst+copyW*esz], chunk[src:src+copyW*esz])
			}
		}
		return nil
	default:
		return apperr.New(apperr.KindUnsupported, op, fmt.Errorf("rank %d arrays", len(o.dims)))
	}
}

// readFloat64 decodes the dataset's elements into float64s.
func (o *hdf5Object) readFloat64() ([]float64, error) {
	raw, err := o.readRaw()
	if err != nil {
		return nil, err
	}
	esz := int(o.dtype.size)
	if esz == 0 || len(raw)%esz != 0 {
		return nil, parseErr("goes.hdf5.readFloat64", "dataset %q has irregular size", o.name)
	}
	out := make([]float64, len(raw)/esz)
	for i := range out {
		out[i] = decodeScalar(o.dtype, raw[i*esz:(i+1)*esz])
	}
	return out, nil
}

// readInt16 decodes a 16-bit integer dataset without widening to float,
// preserving the raw counts so the fill value compares exactly.
func (o *hdf5Object) readInt16() ([]int16, error) {
	const op = "goes.hdf5.readInt16"
	if o.dtype.class != 0 || o.dtype.size != 2 {
		return nil, parseErr(op, "dataset %q is not a 16-bit integer array", o.name)
	}
	raw, err := o.readRaw()
	if err != nil {
		return nil, err
	}
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out, nil
}
