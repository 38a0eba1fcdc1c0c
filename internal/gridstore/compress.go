package gridstore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/jcom-dev/gridweather/internal/apperr"
)

// Compression selects the per-chunk codec.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// compressChunk encodes raw chunk bytes with the chosen codec. The LZ4
// block format carries no length header, so the uncompressed size is
// recorded in the chunk index/metadata instead.
func compressChunk(c Compression, raw []byte) ([]byte, error) {
	switch c {
	case CompressionNone, "":
		return raw, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, apperr.New(apperr.KindParse, "gridstore.compress", err)
		}
		if n == 0 {
			// Incompressible block: store raw with a sentinel length match.
			return raw, nil
		}
		return dst[:n], nil
	default:
		return nil, apperr.New(apperr.KindUnsupported, "gridstore.compress", fmt.Errorf("codec %q", c))
	}
}

// decompressChunk reverses compressChunk. rawSize is the expected
// uncompressed byte count.
func decompressChunk(c Compression, data []byte, rawSize int) ([]byte, error) {
	switch c {
	case CompressionNone, "":
		return data, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, rawSize))
		if err != nil {
			return nil, apperr.New(apperr.KindParse, "gridstore.decompress", err)
		}
		return out, nil
	case CompressionLZ4:
		if len(data) == rawSize {
			// Stored raw: the incompressible-block path above.
			return data, nil
		}
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, apperr.New(apperr.KindParse, "gridstore.decompress", err)
		}
		return out[:n], nil
	default:
		return nil, apperr.New(apperr.KindUnsupported, "gridstore.decompress", fmt.Errorf("codec %q", c))
	}
}

// shuffleBytes regroups float32 bytes by lane so same-significance
// bytes sit together, which compresses far better for smooth fields.
func shuffleBytes(raw []byte, elemSize int) []byte {
	if elemSize <= 1 || len(raw)%elemSize != 0 {
		return raw
	}
	n := len(raw) / elemSize
	out := make([]byte, len(raw))
	for i := 0; i < n; i++ {
		for j := 0; j < elemSize; j++ {
			out[j*n+i] = raw[i*elemSize+j]
		}
	}
	return out
}

func unshuffleBytes(raw []byte, elemSize int) []byte {
	if elemSize <= 1 || len(raw)%elemSize != 0 {
		return raw
	}
	n := len(raw) / elemSize
	out := make([]byte, len(raw))
	for i := 0; i < n; i++ {
		for j := 0; j < elemSize; j++ {
			out[i*elemSize+j] = raw[j*n+i]
		}
	}
	return out
}
