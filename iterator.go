package tidekv

// iterator.go implements ordered iteration over a column family.
//
// An Iterator merges the transaction's buffered writes, every memtable and
// every table of a pinned version into one stream of internal keys, then
// collapses it to the newest visible entry per user key. Buffered writes
// carry MaxSequenceNumber so they shadow everything committed. Tombstones
// and expired values are skipped.

import (
	"time"

	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/iterator"
	"github.com/aalhour/tidekv/internal/memtable"
)

type direction int

const (
	forward direction = iota
	reverse
)

// dbIter collapses an internal key stream into user entries.
//
// In forward mode the inner iterator sits on the newest visible entry of
// the current key. In reverse mode it sits just before every entry of the
// current key.
type dbIter struct {
	ucmp  Comparator
	iter  iterator.Iterator
	seq   dbformat.SequenceNumber
	now   int64
	dir   direction
	valid bool
	key   []byte
	value []byte
	err   error
}

func (it *dbIter) visible(seq dbformat.SequenceNumber) bool {
	return seq <= it.seq || seq == dbformat.MaxSequenceNumber
}

// live decodes a stored value and reports whether it has not expired.
func (it *dbIter) live(stored []byte) ([]byte, bool) {
	ttl, payload, err := dbformat.DecodeValue(stored)
	if err != nil {
		it.err = err
		return nil, false
	}
	return payload, !dbformat.Expired(ttl, it.now)
}

func (it *dbIter) fail(err error) {
	it.err = err
	it.valid = false
}

func (it *dbIter) findNextUserEntry(skipping bool, skip []byte) {
	for ; it.iter.Valid(); it.iter.Next() {
		pk, err := dbformat.ParseInternalKey(it.iter.Key())
		if err != nil {
			it.fail(err)
			return
		}
		if !it.visible(pk.Sequence) {
			continue
		}
		if skipping && it.ucmp.Compare(pk.UserKey, skip) <= 0 {
			continue
		}
		if pk.Type == dbformat.TypeDeletion {
			skip = append(skip[:0], pk.UserKey...)
			skipping = true
			continue
		}
		payload, ok := it.live(it.iter.Value())
		if it.err != nil {
			it.valid = false
			return
		}
		if !ok {
			skip = append(skip[:0], pk.UserKey...)
			skipping = true
			continue
		}
		it.key = append(it.key[:0], pk.UserKey...)
		it.value = append(it.value[:0], payload...)
		it.valid = true
		return
	}
	if err := it.iter.Error(); err != nil {
		it.err = err
	}
	it.valid = false
}

func (it *dbIter) findPrevUserEntry() {
	found := false
	it.key = it.key[:0]
	for it.iter.Valid() {
		pk, err := dbformat.ParseInternalKey(it.iter.Key())
		if err != nil {
			it.fail(err)
			return
		}
		if it.visible(pk.Sequence) {
			if found && it.ucmp.Compare(pk.UserKey, it.key) < 0 {
				break
			}
			found = false
			if pk.Type != dbformat.TypeDeletion {
				payload, ok := it.live(it.iter.Value())
				if it.err != nil {
					it.valid = false
					return
				}
				if ok {
					it.key = append(it.key[:0], pk.UserKey...)
					it.value = append(it.value[:0], payload...)
					found = true
				}
			}
		}
		it.iter.Prev()
	}
	if err := it.iter.Error(); err != nil {
		it.fail(err)
		return
	}
	it.valid = found
	if !found {
		it.dir = forward
	}
}

func (it *dbIter) seekToFirst() {
	it.dir = forward
	it.err = nil
	it.iter.SeekToFirst()
	it.findNextUserEntry(false, nil)
}

func (it *dbIter) seekToLast() {
	it.dir = reverse
	it.err = nil
	it.iter.SeekToLast()
	it.findPrevUserEntry()
}

func (it *dbIter) seek(target []byte) {
	it.dir = forward
	it.err = nil
	it.iter.Seek(dbformat.MakeInternalKey(target, dbformat.MaxSequenceNumber, dbformat.TypeForSeek))
	it.findNextUserEntry(false, nil)
}

func (it *dbIter) seekForPrev(target []byte) {
	it.dir = reverse
	it.err = nil
	it.iter.SeekForPrev(dbformat.MakeInternalKey(target, 0, dbformat.TypeDeletion))
	it.findPrevUserEntry()
}

func (it *dbIter) next() {
	if !it.valid {
		return
	}
	cur := append([]byte(nil), it.key...)
	if it.dir == reverse {
		it.dir = forward
		it.iter.Seek(dbformat.MakeInternalKey(cur, dbformat.MaxSequenceNumber, dbformat.TypeForSeek))
	} else {
		it.iter.Next()
	}
	it.findNextUserEntry(true, cur)
}

func (it *dbIter) prev() {
	if !it.valid {
		return
	}
	if it.dir == forward {
		it.dir = reverse
		it.iter.SeekForPrev(dbformat.MakeInternalKey(it.key, dbformat.MaxSequenceNumber, dbformat.TypeForSeek))
	}
	it.findPrevUserEntry()
}

// Iterator walks the user keys of one column family in comparator order.
// A new iterator is unpositioned. Iterators are not safe for concurrent use.
type Iterator struct {
	cf     *ColumnFamily
	txn    *Transaction
	rs     *readState
	it     *dbIter
	closed bool
}

// NewIterator returns an iterator over cf that sees the transaction's own
// writes on top of committed data at its read sequence.
func (t *Transaction) NewIterator(cf *ColumnFamily) (*Iterator, error) {
	const op = "new iterator"
	if err := t.checkActive(op); err != nil {
		return nil, err
	}
	if cf == nil {
		return nil, errorf(CodeInvalidArgs, op, "column family is required")
	}
	if err := cf.checkUsable(op); err != nil {
		return nil, err
	}
	it, err := cf.newIterator(t.readSeq(cf), t.writeSetMemtable(cf))
	if err != nil {
		return nil, wrapErr(op, err)
	}
	if t.level == Serializable {
		it.txn = t
	}
	return it, nil
}

// NewIterator returns an iterator over the latest committed data of cf.
func (cf *ColumnFamily) NewIterator() (*Iterator, error) {
	const op = "new iterator"
	if err := cf.checkUsable(op); err != nil {
		return nil, err
	}
	it, err := cf.newIterator(cf.LastSequence(), nil)
	return it, wrapErr(op, err)
}

// writeSetMemtable copies the buffered writes of cf into a private
// memtable, or returns nil when there are none.
func (t *Transaction) writeSetMemtable(cf *ColumnFamily) *memtable.Memtable {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.writes[cf]
	if idx == nil || idx.Len() == 0 {
		return nil
	}
	mem := memtable.New(0, cf.cmp, memtable.Options{Type: memtable.TypeSkipList})
	for el := idx.Front(); el != nil; el = el.Next() {
		o := el.Value.(*txnOp)
		if o.del {
			mem.Add(dbformat.MaxSequenceNumber, dbformat.TypeDeletion, o.key, nil, dbformat.NoTTL)
		} else {
			mem.Add(dbformat.MaxSequenceNumber, dbformat.TypeValue, o.key, o.value, o.ttl)
		}
	}
	return mem
}

func (cf *ColumnFamily) newIterator(seq uint64, writes *memtable.Memtable) (*Iterator, error) {
	rs := cf.acquireReadState()
	var children []iterator.Iterator
	abort := func(err error) (*Iterator, error) {
		for _, c := range children {
			_ = c.Close()
		}
		rs.release()
		return nil, err
	}
	if writes != nil {
		children = append(children, writes.NewIterator())
	}
	for _, m := range rs.mems {
		children = append(children, m.NewIterator())
	}
	v := rs.version
	l0 := v.Files(0)
	for i := len(l0) - 1; i >= 0; i-- {
		r, err := cf.openTable(l0[i])
		if err != nil {
			return abort(err)
		}
		children = append(children, r.NewIterator())
		_ = r.Unref()
	}
	for level := 1; level < v.NumLevels(); level++ {
		for _, f := range v.Files(level) {
			r, err := cf.openTable(f)
			if err != nil {
				return abort(err)
			}
			children = append(children, r.NewIterator())
			_ = r.Unref()
		}
	}
	return &Iterator{
		cf: cf,
		rs: rs,
		it: &dbIter{
			ucmp: cf.cmp,
			iter: iterator.NewMergingIterator(children, cf.icmp.Compare),
			seq:  dbformat.SequenceNumber(seq),
			now:  time.Now().Unix(),
		},
	}, nil
}

func (it *Iterator) check(op string) error {
	if it.closed {
		return errorf(CodeInvalidDB, op, "iterator is closed")
	}
	return nil
}

// settle reports the inner error and tracks reads of serializable
// transactions.
func (it *Iterator) settle(op string) error {
	if it.it.err != nil {
		return wrapErr(op, it.it.err)
	}
	if it.txn != nil && it.it.valid {
		it.txn.mu.Lock()
		it.txn.recordRead(it.cf, it.it.key)
		it.txn.mu.Unlock()
	}
	return nil
}

// SeekToFirst positions at the smallest key.
func (it *Iterator) SeekToFirst() error {
	const op = "seek to first"
	if err := it.check(op); err != nil {
		return err
	}
	it.it.seekToFirst()
	return it.settle(op)
}

// SeekToLast positions at the largest key.
func (it *Iterator) SeekToLast() error {
	const op = "seek to last"
	if err := it.check(op); err != nil {
		return err
	}
	it.it.seekToLast()
	return it.settle(op)
}

// Seek positions at the first key at or after target.
func (it *Iterator) Seek(target []byte) error {
	const op = "seek"
	if err := it.check(op); err != nil {
		return err
	}
	it.it.seek(target)
	return it.settle(op)
}

// SeekForPrev positions at the last key at or before target.
func (it *Iterator) SeekForPrev(target []byte) error {
	const op = "seek for prev"
	if err := it.check(op); err != nil {
		return err
	}
	it.it.seekForPrev(target)
	return it.settle(op)
}

// Next advances to the following key. Moving past the last key leaves the
// iterator invalid without error.
func (it *Iterator) Next() error {
	const op = "next"
	if err := it.check(op); err != nil {
		return err
	}
	it.it.next()
	return it.settle(op)
}

// Prev moves to the preceding key.
func (it *Iterator) Prev() error {
	const op = "prev"
	if err := it.check(op); err != nil {
		return err
	}
	it.it.prev()
	return it.settle(op)
}

// Valid reports whether the iterator is positioned at a key.
func (it *Iterator) Valid() bool { return !it.closed && it.it.valid }

// Key returns a copy of the current key.
func (it *Iterator) Key() ([]byte, error) {
	const op = "key"
	if err := it.check(op); err != nil {
		return nil, err
	}
	if !it.it.valid {
		return nil, errorf(CodeNotFound, op, "iterator is not positioned")
	}
	return append([]byte(nil), it.it.key...), nil
}

// Value returns a copy of the current value.
func (it *Iterator) Value() ([]byte, error) {
	const op = "value"
	if err := it.check(op); err != nil {
		return nil, err
	}
	if !it.it.valid {
		return nil, errorf(CodeNotFound, op, "iterator is not positioned")
	}
	return append([]byte(nil), it.it.value...), nil
}

// Close releases the pinned tables and version.
func (it *Iterator) Close() error {
	const op = "close iterator"
	if err := it.check(op); err != nil {
		return err
	}
	it.closed = true
	it.it.valid = false
	err := it.it.iter.Close()
	it.rs.release()
	return wrapErr(op, err)
}
