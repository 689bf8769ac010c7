// Package encoding provides the little-endian fixed-width and varint helpers
// shared by the WAL, block and table formats.
package encoding

import (
	"encoding/binary"
	"errors"
)

// MaxVarint64Length is the maximum number of bytes a varint64 can occupy.
const MaxVarint64Length = binary.MaxVarintLen64

var (
	// ErrTruncated is returned when input ends in the middle of a value.
	ErrTruncated = errors.New("encoding: truncated input")

	// ErrVarintOverflow is returned when a varint exceeds 64 bits.
	ErrVarintOverflow = errors.New("encoding: varint overflow")
)

// AppendFixed32 appends v in little-endian order.
func AppendFixed32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

// AppendFixed64 appends v in little-endian order.
func AppendFixed64(dst []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, v)
}

// DecodeFixed32 reads a little-endian uint32. src must hold 4 bytes.
func DecodeFixed32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// DecodeFixed64 reads a little-endian uint64. src must hold 8 bytes.
func DecodeFixed64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// AppendUvarint appends v as an unsigned varint.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// AppendVarint appends v as a zigzag signed varint.
func AppendVarint(dst []byte, v int64) []byte {
	return binary.AppendVarint(dst, v)
}

// DecodeUvarint reads an unsigned varint and returns it with its length.
func DecodeUvarint(src []byte) (uint64, int, error) {
	v, n := binary.Uvarint(src)
	switch {
	case n == 0:
		return 0, 0, ErrTruncated
	case n < 0:
		return 0, 0, ErrVarintOverflow
	}
	return v, n, nil
}

// DecodeVarint reads a zigzag signed varint and returns it with its length.
func DecodeVarint(src []byte) (int64, int, error) {
	v, n := binary.Varint(src)
	switch {
	case n == 0:
		return 0, 0, ErrTruncated
	case n < 0:
		return 0, 0, ErrVarintOverflow
	}
	return v, n, nil
}

// UvarintLength returns the encoded size of v.
func UvarintLength(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendLengthPrefixed appends uvarint(len(v)) followed by v.
func AppendLengthPrefixed(dst, v []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(v)))
	return append(dst, v...)
}

// Decoder consumes values from the front of a buffer. The first failure is
// sticky: later reads return zero values and Err reports it.
type Decoder struct {
	buf []byte
	err error
}

// NewDecoder returns a decoder over buf. Returned slices alias buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first decoding error.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
	d.buf = nil
}

// Byte reads one byte.
func (d *Decoder) Byte() byte {
	if d.err != nil || len(d.buf) < 1 {
		d.fail(ErrTruncated)
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

// Fixed32 reads a little-endian uint32.
func (d *Decoder) Fixed32() uint32 {
	if d.err != nil || len(d.buf) < 4 {
		d.fail(ErrTruncated)
		return 0
	}
	v := DecodeFixed32(d.buf)
	d.buf = d.buf[4:]
	return v
}

// Fixed64 reads a little-endian uint64.
func (d *Decoder) Fixed64() uint64 {
	if d.err != nil || len(d.buf) < 8 {
		d.fail(ErrTruncated)
		return 0
	}
	v := DecodeFixed64(d.buf)
	d.buf = d.buf[8:]
	return v
}

// Uvarint reads an unsigned varint.
func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := DecodeUvarint(d.buf)
	if err != nil {
		d.fail(err)
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

// Varint reads a zigzag signed varint.
func (d *Decoder) Varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n, err := DecodeVarint(d.buf)
	if err != nil {
		d.fail(err)
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

// Bytes reads n raw bytes.
func (d *Decoder) Bytes(n int) []byte {
	if d.err != nil || n < 0 || len(d.buf) < n {
		d.fail(ErrTruncated)
		return nil
	}
	v := d.buf[:n:n]
	d.buf = d.buf[n:]
	return v
}

// LengthPrefixed reads a slice written by AppendLengthPrefixed.
func (d *Decoder) LengthPrefixed() []byte {
	n := d.Uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)) {
		d.fail(ErrTruncated)
		return nil
	}
	return d.Bytes(int(n))
}
