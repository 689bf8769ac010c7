package block

import (
	"github.com/aalhour/tidekv/internal/encoding"
)

// Block is a decoded, immutable block.
type Block struct {
	data        []byte
	restarts    int // offset of the restart array
	numRestarts int
}

// NewBlock parses block contents produced by Builder.Finish.
func NewBlock(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, ErrBadBlock
	}
	n := int(encoding.DecodeFixed32(data[len(data)-4:]))
	if n == 0 || n > (len(data)-4)/4 {
		return nil, ErrBadBlock
	}
	return &Block{
		data:        data,
		restarts:    len(data) - 4 - 4*n,
		numRestarts: n,
	}, nil
}

// Size returns the size of the block contents.
func (b *Block) Size() int { return len(b.data) }

func (b *Block) restartPoint(i int) int {
	return int(encoding.DecodeFixed32(b.data[b.restarts+4*i:]))
}

// Iterator walks a block in key order.
type Iterator struct {
	b    *Block
	cmp  func(a, b []byte) int
	cur  int // offset of the current entry
	next int // offset of the entry after current
	key  []byte
	val  []byte
	ok   bool
	err  error
}

// NewIterator returns an unpositioned iterator ordered by cmp.
func (b *Block) NewIterator(cmp func(a, b []byte) int) *Iterator {
	return &Iterator{b: b, cmp: cmp}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.ok && it.err == nil }

// Key returns the current key.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value. It aliases block memory.
func (it *Iterator) Value() []byte { return it.val }

// Error returns the decode error, if any.
func (it *Iterator) Error() error { return it.err }

// Close is a no-op; blocks are garbage collected.
func (it *Iterator) Close() error {
	it.ok = false
	return nil
}

// SeekToFirst positions at the first entry.
func (it *Iterator) SeekToFirst() {
	it.seekToRestart(0)
	it.Next()
}

// SeekToLast positions at the last entry.
func (it *Iterator) SeekToLast() {
	it.seekToRestart(it.b.numRestarts - 1)
	for it.parse() && it.next < it.b.restarts {
		it.cur = it.next
	}
}

// Next advances to the next entry.
func (it *Iterator) Next() {
	if it.err != nil || it.next >= it.b.restarts {
		it.ok = false
		return
	}
	it.cur = it.next
	it.parse()
}

// Prev moves to the previous entry.
func (it *Iterator) Prev() {
	if !it.Valid() {
		return
	}
	original := it.cur
	if original == 0 {
		it.ok = false
		return
	}
	// Largest restart point strictly before the current entry.
	lo, hi := 0, it.b.numRestarts-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if it.b.restartPoint(mid) < original {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	it.seekToRestart(lo)
	for it.parse() && it.next < original {
		it.cur = it.next
	}
}

// Seek positions at the first entry with key >= target.
func (it *Iterator) Seek(target []byte) {
	// Rightmost restart point whose key < target.
	lo, hi := 0, it.b.numRestarts-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		it.seekToRestart(mid)
		it.Next()
		if it.err != nil {
			return
		}
		if it.cmp(it.key, target) < 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	it.seekToRestart(lo)
	for {
		it.Next()
		if !it.Valid() || it.cmp(it.key, target) >= 0 {
			return
		}
	}
}

// SeekForPrev positions at the last entry with key <= target.
func (it *Iterator) SeekForPrev(target []byte) {
	it.Seek(target)
	switch {
	case it.err != nil:
	case !it.ok:
		it.SeekToLast()
	case it.cmp(it.key, target) > 0:
		it.Prev()
	}
}

func (it *Iterator) seekToRestart(i int) {
	it.key = it.key[:0]
	it.val = nil
	it.ok = false
	off := it.b.restartPoint(i)
	it.cur = off
	it.next = off
}

// parse decodes the entry at it.cur, reporting success.
func (it *Iterator) parse() bool {
	if it.cur >= it.b.restarts {
		it.ok = false
		return false
	}
	d := encoding.NewDecoder(it.b.data[it.cur:it.b.restarts])
	shared := d.Uvarint()
	unshared := d.Uvarint()
	vlen := d.Uvarint()
	if d.Err() != nil || shared > uint64(len(it.key)) || unshared+vlen > uint64(d.Remaining()) {
		it.err = ErrBadBlock
		it.ok = false
		return false
	}
	it.key = append(it.key[:shared], d.Bytes(int(unshared))...)
	it.val = d.Bytes(int(vlen))
	it.next = it.b.restarts - d.Remaining()
	it.ok = true
	return true
}
