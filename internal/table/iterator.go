package table

import (
	"github.com/aalhour/tidekv/internal/block"
	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/iterator"
)

// leafCursor enumerates the data blocks of a table in key order.
type leafCursor interface {
	first() (block.Handle, bool)
	last() (block.Handle, bool)
	// seek positions at the first block that may hold a key at or after ikey.
	seek(ikey []byte) (block.Handle, bool)
	next() (block.Handle, bool)
	prev() (block.Handle, bool)
	error() error
}

// tableIterator is a two-level iterator: a leaf cursor over blocks and a
// block iterator within the current block. Value references are hidden:
// such entries surface as TypeValue with the resolved stored value.
type tableIterator struct {
	r      *Reader
	cursor leafCursor
	blk    *block.Iterator
	err    error

	key      []byte
	isRef    bool
	value    []byte
	resolved bool
}

// NewIterator returns an iterator over the table's internal keys. The
// iterator holds a reference on the reader until closed.
func (r *Reader) NewIterator() iterator.Iterator {
	r.Ref()
	it := &tableIterator{r: r}
	if r.footer.format == FormatBTree {
		it.cursor = &btreeCursor{r: r}
	} else {
		it.cursor = &sortedCursor{r: r}
	}
	return it
}

func (it *tableIterator) load(h block.Handle, ok bool) bool {
	it.blk = nil
	if !ok {
		if err := it.cursor.error(); err != nil && it.err == nil {
			it.err = err
		}
		return false
	}
	blk, err := it.r.readBlock(h)
	if err != nil {
		it.err = err
		return false
	}
	it.blk = blk.NewIterator(it.r.icmp.Compare)
	return true
}

func (it *tableIterator) skipForward() {
	for it.err == nil && it.blk != nil && !it.blk.Valid() {
		if err := it.blk.Error(); err != nil {
			it.err = err
			break
		}
		if !it.load(it.cursor.next()) {
			break
		}
		it.blk.SeekToFirst()
	}
	it.settle()
}

func (it *tableIterator) skipBackward() {
	for it.err == nil && it.blk != nil && !it.blk.Valid() {
		if err := it.blk.Error(); err != nil {
			it.err = err
			break
		}
		if !it.load(it.cursor.prev()) {
			break
		}
		it.blk.SeekToLast()
	}
	it.settle()
}

// settle captures the current entry, rewriting value references.
func (it *tableIterator) settle() {
	it.resolved = false
	it.value = nil
	if !it.Valid() {
		it.isRef = false
		return
	}
	k := it.blk.Key()
	pk, err := dbformat.ParseInternalKey(k)
	if err != nil {
		it.err = err
		return
	}
	it.isRef = pk.Type == dbformat.TypeValueRef
	if it.isRef {
		it.key = dbformat.AppendInternalKey(it.key[:0], pk.UserKey, pk.Sequence, dbformat.TypeValue)
	} else {
		it.key = append(it.key[:0], k...)
	}
}

func (it *tableIterator) Valid() bool {
	return it.err == nil && it.blk != nil && it.blk.Valid()
}

func (it *tableIterator) Key() []byte { return it.key }

func (it *tableIterator) Value() []byte {
	if !it.isRef {
		return it.blk.Value()
	}
	if !it.resolved {
		v, err := it.r.resolve(it.blk.Value())
		if err != nil {
			it.err = err
			return nil
		}
		it.value, it.resolved = v, true
	}
	return it.value
}

func (it *tableIterator) SeekToFirst() {
	it.err = nil
	if it.load(it.cursor.first()) {
		it.blk.SeekToFirst()
	}
	it.skipForward()
}

func (it *tableIterator) SeekToLast() {
	it.err = nil
	if it.load(it.cursor.last()) {
		it.blk.SeekToLast()
	}
	it.skipBackward()
}

func (it *tableIterator) Seek(target []byte) {
	it.err = nil
	target = storedSeekKey(target)
	ok := it.load(it.cursor.seek(target))
	// The cursor may start early, so every block is searched for target
	// until one holds a key at or after it.
	for ok {
		it.blk.Seek(target)
		if it.blk.Valid() {
			break
		}
		if err := it.blk.Error(); err != nil {
			it.err = err
			break
		}
		ok = it.load(it.cursor.next())
	}
	it.settle()
}

// storedSeekKey maps a seek target onto the stored key order. A stored
// value reference sorts ahead of the TypeValue key it surfaces as, so a
// TypeValue target becomes a TypeValueRef target at the same sequence.
func storedSeekKey(target []byte) []byte {
	pk, err := dbformat.ParseInternalKey(target)
	if err != nil || pk.Type != dbformat.TypeValue {
		return target
	}
	return dbformat.MakeInternalKey(pk.UserKey, pk.Sequence, dbformat.TypeValueRef)
}

func (it *tableIterator) SeekForPrev(target []byte) {
	it.Seek(target)
	if it.err != nil {
		return
	}
	if !it.Valid() {
		it.SeekToLast()
		return
	}
	if it.r.icmp.Compare(it.key, target) > 0 {
		it.Prev()
	}
}

func (it *tableIterator) Next() {
	if !it.Valid() {
		return
	}
	it.blk.Next()
	it.skipForward()
}

func (it *tableIterator) Prev() {
	if !it.Valid() {
		return
	}
	it.blk.Prev()
	it.skipBackward()
}

func (it *tableIterator) Error() error { return it.err }

func (it *tableIterator) Close() error {
	if it.r == nil {
		return it.err
	}
	err := it.r.Unref()
	it.r = nil
	it.blk = nil
	if it.err != nil {
		return it.err
	}
	return err
}
