// Package batch implements the commit batch: the unit written to the WAL and
// applied to a memtable under one sequence number.
//
// Format:
//
//	Header (12 bytes):
//	  - fixed64 sequence number
//	  - fixed32 op count
//	Ops (repeated):
//	  - 1 byte: type (dbformat.TypeValue or dbformat.TypeDeletion)
//	  - varint ttl (puts only)
//	  - length-prefixed key
//	  - length-prefixed value (puts only)
package batch

import (
	"errors"
	"fmt"

	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/encoding"
)

// HeaderSize is the size of the batch header.
const HeaderSize = 12

var (
	// ErrCorrupted indicates a malformed batch.
	ErrCorrupted = errors.New("batch: corrupted batch")

	// ErrTooSmall indicates data shorter than the header.
	ErrTooSmall = errors.New("batch: too small")
)

// Op is one decoded operation. Key and Value alias the batch buffer.
type Op struct {
	Type  dbformat.ValueType
	Key   []byte
	Value []byte
	TTL   int64
}

// IsDelete reports whether the op is a tombstone.
func (o Op) IsDelete() bool { return o.Type == dbformat.TypeDeletion }

// Batch is an encoded list of operations.
type Batch struct {
	data []byte
}

// New returns an empty batch.
func New() *Batch {
	return &Batch{data: make([]byte, HeaderSize, 256)}
}

// Decode wraps an encoded batch after validating it.
func Decode(data []byte) (*Batch, error) {
	if len(data) < HeaderSize {
		return nil, ErrTooSmall
	}
	b := &Batch{data: data}
	n := 0
	if err := b.Iterate(func(Op) error { n++; return nil }); err != nil {
		return nil, err
	}
	if uint32(n) != b.Count() {
		return nil, fmt.Errorf("%w: header count %d, found %d ops", ErrCorrupted, b.Count(), n)
	}
	return b, nil
}

// Put appends a put.
func (b *Batch) Put(key, value []byte, ttl int64) {
	b.data = append(b.data, byte(dbformat.TypeValue))
	b.data = encoding.AppendVarint(b.data, ttl)
	b.data = encoding.AppendLengthPrefixed(b.data, key)
	b.data = encoding.AppendLengthPrefixed(b.data, value)
	b.setCount(b.Count() + 1)
}

// Delete appends a tombstone.
func (b *Batch) Delete(key []byte) {
	b.data = append(b.data, byte(dbformat.TypeDeletion))
	b.data = encoding.AppendLengthPrefixed(b.data, key)
	b.setCount(b.Count() + 1)
}

// Count returns the number of ops.
func (b *Batch) Count() uint32 {
	return encoding.DecodeFixed32(b.data[8:12])
}

func (b *Batch) setCount(n uint32) {
	copy(b.data[8:12], encoding.AppendFixed32(nil, n))
}

// Sequence returns the sequence number stamped on the batch.
func (b *Batch) Sequence() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(encoding.DecodeFixed64(b.data[0:8]))
}

// SetSequence stamps the batch with seq.
func (b *Batch) SetSequence(seq dbformat.SequenceNumber) {
	copy(b.data[0:8], encoding.AppendFixed64(nil, uint64(seq)))
}

// Data returns the encoded batch.
func (b *Batch) Data() []byte { return b.data }

// Size returns the encoded size.
func (b *Batch) Size() int { return len(b.data) }

// Clear empties the batch, keeping its buffer.
func (b *Batch) Clear() {
	b.data = b.data[:HeaderSize]
	clear(b.data)
}

// Iterate calls fn for every op in order. It stops at the first error.
func (b *Batch) Iterate(fn func(Op) error) error {
	d := encoding.NewDecoder(b.data[HeaderSize:])
	for d.Remaining() > 0 {
		var op Op
		op.Type = dbformat.ValueType(d.Byte())
		switch op.Type {
		case dbformat.TypeValue:
			op.TTL = d.Varint()
			op.Key = d.LengthPrefixed()
			op.Value = d.LengthPrefixed()
		case dbformat.TypeDeletion:
			op.TTL = dbformat.NoTTL
			op.Key = d.LengthPrefixed()
		default:
			return fmt.Errorf("%w: unknown op type %d", ErrCorrupted, op.Type)
		}
		if err := d.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if err := fn(op); err != nil {
			return err
		}
	}
	return nil
}

// Ops decodes every op into a slice that aliases the batch buffer.
func (b *Batch) Ops() ([]Op, error) {
	ops := make([]Op, 0, b.Count())
	err := b.Iterate(func(op Op) error {
		ops = append(ops, op)
		return nil
	})
	return ops, err
}
