// Package compression implements the per-block codecs of table files.
//
// Supported codecs: Snappy (github.com/golang/snappy), LZ4 block format
// (github.com/pierrec/lz4/v4) and Zstandard (github.com/klauspost/compress/zstd).
package compression

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a block codec. Values are persisted in block trailers and in
// config.ini, so they must not change.
type Type uint8

const (
	// None stores blocks uncompressed.
	None Type = 0
	// Snappy uses Snappy block encoding.
	Snappy Type = 1
	// LZ4 uses the LZ4 block format.
	LZ4 Type = 2
	// ZSTD uses Zstandard at the default level.
	ZSTD Type = 3
	// LZ4Fast uses the LZ4 block format. It shares the LZ4 encoder, since the
	// library exposes no acceleration setting, and is kept as a distinct tag.
	LZ4Fast Type = 4
)

var (
	// ErrUnsupported is returned for an unknown codec tag.
	ErrUnsupported = errors.New("compression: unsupported type")

	// ErrIncompressible is returned when a codec cannot shrink the input.
	// Callers store the block uncompressed.
	ErrIncompressible = errors.New("compression: incompressible input")

	// ErrCorrupt is returned when a compressed payload cannot be decoded.
	ErrCorrupt = errors.New("compression: corrupt payload")
)

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// String returns the config.ini spelling of t.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	case LZ4Fast:
		return "lz4_fast"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Parse returns the Type spelled s.
func Parse(s string) (Type, error) {
	for t := None; t <= LZ4Fast; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrUnsupported, s)
}

// IsSupported reports whether t is a known codec.
func (t Type) IsSupported() bool {
	return t <= LZ4Fast
}

// Compress encodes data with t.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case LZ4, LZ4Fast:
		return compressLZ4(data)
	case ZSTD:
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupported, uint8(t))
	}
}

// compressLZ4 writes [uvarint rawLen][lz4 block]. The block API needs the
// decoded size up front.
func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrIncompressible
	}
	dst := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
	hdr := binary.PutUvarint(dst, uint64(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, dst[hdr:])
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if n == 0 {
		return nil, ErrIncompressible
	}
	return dst[:hdr+n], nil
}

// Decompress decodes data that was encoded with t.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case Snappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrCorrupt, err)
		}
		return out, nil
	case LZ4, LZ4Fast:
		return decompressLZ4(data)
	case ZSTD:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupported, uint8(t))
	}
}

// maxBlockSize bounds the decoded size claimed by a corrupt LZ4 header.
const maxBlockSize = 1 << 30

func decompressLZ4(data []byte) ([]byte, error) {
	rawLen, hdr := binary.Uvarint(data)
	if hdr <= 0 || rawLen > maxBlockSize {
		return nil, fmt.Errorf("%w: lz4 header", ErrCorrupt)
	}
	out := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(data[hdr:], out)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
	}
	if uint64(n) != rawLen {
		return nil, fmt.Errorf("%w: lz4 length %d, want %d", ErrCorrupt, n, rawLen)
	}
	return out, nil
}
