// Package block implements the sorted key/value blocks stored in tables.
//
// Keys are prefix-compressed against the previous key, with a full key
// stored every restartInterval entries (a restart point).
//
// Entry format:
//
//	shared_bytes:    uvarint
//	unshared_bytes:  uvarint
//	value_length:    uvarint
//	key_delta:       char[unshared_bytes]
//	value:           char[value_length]
//
// Block format:
//
//	[entry 1] ... [entry N]
//	[restart offset 1: fixed32] ... [restart offset M: fixed32]
//	[M: fixed32]
package block

import (
	"github.com/aalhour/tidekv/internal/encoding"
)

// DefaultRestartInterval is the number of entries between restart points.
const DefaultRestartInterval = 16

// Builder accumulates sorted entries into a block.
type Builder struct {
	buffer          []byte
	restarts        []uint32
	counter         int
	restartInterval int
	lastKey         []byte
	entries         int
	finished        bool
}

// NewBuilder creates a block builder. restartInterval < 1 disables prefix
// compression.
func NewBuilder(restartInterval int) *Builder {
	if restartInterval < 1 {
		restartInterval = 1
	}
	return &Builder{
		buffer:          make([]byte, 0, 4096),
		restarts:        []uint32{0},
		restartInterval: restartInterval,
	}
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buffer = b.buffer[:0]
	b.restarts = append(b.restarts[:0], 0)
	b.counter = 0
	b.lastKey = b.lastKey[:0]
	b.entries = 0
	b.finished = false
}

// Add appends an entry. Keys must arrive in increasing order.
func (b *Builder) Add(key, value []byte) {
	if b.finished {
		panic("block: Add called after Finish")
	}
	shared := 0
	if b.counter < b.restartInterval {
		shared = sharedPrefixLength(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buffer)))
		b.counter = 0
	}

	b.buffer = encoding.AppendUvarint(b.buffer, uint64(shared))
	b.buffer = encoding.AppendUvarint(b.buffer, uint64(len(key)-shared))
	b.buffer = encoding.AppendUvarint(b.buffer, uint64(len(value)))
	b.buffer = append(b.buffer, key[shared:]...)
	b.buffer = append(b.buffer, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
	b.entries++
}

// EstimatedSize returns the size the block would have if finished now.
func (b *Builder) EstimatedSize() int {
	return len(b.buffer) + len(b.restarts)*4 + 4
}

// Entries returns the number of entries added since the last Reset.
func (b *Builder) Entries() int { return b.entries }

// Empty reports whether no entries were added.
func (b *Builder) Empty() bool {
	return b.entries == 0
}

// LastKey returns the most recently added key.
func (b *Builder) LastKey() []byte { return b.lastKey }

// Finish appends the restart array and returns the block contents, valid
// until Reset.
func (b *Builder) Finish() []byte {
	for _, r := range b.restarts {
		b.buffer = encoding.AppendFixed32(b.buffer, r)
	}
	b.buffer = encoding.AppendFixed32(b.buffer, uint32(len(b.restarts)))
	b.finished = true
	return b.buffer
}

func sharedPrefixLength(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
