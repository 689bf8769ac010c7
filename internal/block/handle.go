package block

import (
	"errors"

	"github.com/aalhour/tidekv/internal/encoding"
)

var (
	// ErrBadHandle is returned when a block handle cannot be decoded.
	ErrBadHandle = errors.New("block: bad block handle")

	// ErrBadBlock is returned when a block's contents are malformed.
	ErrBadBlock = errors.New("block: corrupted block")

	// ErrChecksumMismatch is returned when a block trailer checksum fails.
	ErrChecksumMismatch = errors.New("block: checksum mismatch")
)

// Handle locates a block within a file. Size excludes the trailer.
type Handle struct {
	Offset uint64
	Size   uint64
}

// MaxEncodedLength is the largest encoded Handle.
const MaxEncodedLength = 20

// EncodeTo appends the encoding of h to dst.
func (h Handle) EncodeTo(dst []byte) []byte {
	dst = encoding.AppendUvarint(dst, h.Offset)
	return encoding.AppendUvarint(dst, h.Size)
}

// End returns the file offset just past the block and its trailer.
func (h Handle) End() uint64 {
	return h.Offset + h.Size + TrailerSize
}

// DecodeHandle decodes a handle from data and returns the remaining bytes.
func DecodeHandle(data []byte) (Handle, []byte, error) {
	off, n, err := encoding.DecodeUvarint(data)
	if err != nil {
		return Handle{}, nil, ErrBadHandle
	}
	data = data[n:]
	size, n, err := encoding.DecodeUvarint(data)
	if err != nil {
		return Handle{}, nil, ErrBadHandle
	}
	return Handle{Offset: off, Size: size}, data[n:], nil
}
