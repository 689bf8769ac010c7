// Package filter builds and queries the per-table bloom filter.
//
// Keys are reduced to their XXH3-64 digest before insertion, so the builder
// buffers eight bytes per key regardless of key size. The filter itself is a
// github.com/bits-and-blooms/bloom/v3 filter sized from the key count and the
// configured false-positive rate, serialized with MarshalBinary.
package filter

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/aalhour/tidekv/internal/checksum"
)

// ErrCorruptFilter is returned when a serialized filter cannot be decoded.
var ErrCorruptFilter = errors.New("filter: corrupt bloom filter block")

// Builder accumulates key digests for one table.
type Builder struct {
	fpr     float64
	digests []uint64
	last    uint64
	hasLast bool
}

// NewBuilder returns a builder targeting the false-positive rate fpr.
func NewBuilder(fpr float64) *Builder {
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.01
	}
	return &Builder{fpr: fpr, digests: make([]uint64, 0, 256)}
}

// AddKey adds a user key. Consecutive duplicates are collapsed.
func (b *Builder) AddKey(key []byte) {
	d := checksum.Hash64(key)
	if b.hasLast && d == b.last {
		return
	}
	b.digests = append(b.digests, d)
	b.last, b.hasLast = d, true
}

// NumKeys returns the number of distinct digests added.
func (b *Builder) NumKeys() int {
	return len(b.digests)
}

// Finish serializes the filter and resets the builder.
func (b *Builder) Finish() ([]byte, error) {
	n := uint(len(b.digests))
	if n == 0 {
		n = 1
	}
	f := bloom.NewWithEstimates(n, b.fpr)
	var buf [8]byte
	for _, d := range b.digests {
		binary.LittleEndian.PutUint64(buf[:], d)
		f.Add(buf[:])
	}
	b.digests = b.digests[:0]
	b.hasLast = false
	data, err := f.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("filter: marshal: %w", err)
	}
	return data, nil
}

// Reader answers membership queries against a serialized filter.
type Reader struct {
	f *bloom.BloomFilter
}

// NewReader decodes a filter produced by Builder.Finish.
func NewReader(data []byte) (*Reader, error) {
	f := &bloom.BloomFilter{}
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFilter, err)
	}
	return &Reader{f: f}, nil
}

// MayContain reports false only when key was definitely not added.
func (r *Reader) MayContain(key []byte) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], checksum.Hash64(key))
	return r.f.Test(buf[:])
}

// ApproximateSize returns the filter size in bits.
func (r *Reader) ApproximateSize() uint {
	return r.f.Cap()
}
