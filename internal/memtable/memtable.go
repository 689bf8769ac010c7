package memtable

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/iterator"
)

// Type selects the memtable backend.
type Type int

const (
	// TypeSkipList keeps entries ordered on insert.
	TypeSkipList Type = iota
	// TypeHash keeps entries in a hash table keyed by user key.
	TypeHash
)

func (t Type) String() string {
	switch t {
	case TypeSkipList:
		return "skip_list"
	case TypeHash:
		return "hash"
	}
	return "unknown"
}

// entryOverhead approximates per-entry bookkeeping beyond key and value bytes.
const entryOverhead = 48

// Rep stores (internal key, stored value) pairs.
type Rep interface {
	// Insert adds an entry. Callers serialize inserts.
	Insert(ikey, value []byte)

	// Get returns the newest entry for userKey with sequence <= seq.
	Get(userKey []byte, seq dbformat.SequenceNumber) (ikey, value []byte, ok bool)

	// NewIterator returns an iterator over internal keys in comparator order.
	NewIterator() iterator.Iterator

	Count() int64
}

// Options configures a memtable.
type Options struct {
	Type        Type
	MaxLevel    int
	Probability float64
}

// Memtable is the in-memory write buffer of a column family. Each memtable
// is paired with the WAL that shares its ID.
type Memtable struct {
	id  uint64
	cmp dbformat.InternalComparator
	rep Rep

	mu     sync.Mutex
	usage  atomic.Int64
	minSeq atomic.Uint64
	maxSeq atomic.Uint64
}

// New creates an empty memtable. A hash memtable requested with a comparator
// that is not ByteEqual falls back to a skip list.
func New(id uint64, cmp dbformat.Comparator, opts Options) *Memtable {
	icmp := dbformat.NewInternalComparator(cmp)
	m := &Memtable{id: id, cmp: icmp}
	if opts.Type == TypeHash && dbformat.IsByteEqual(icmp.User) {
		m.rep = newHashRep(icmp)
	} else {
		m.rep = &skipListRep{
			list: NewSkipList(icmp.Compare, opts.MaxLevel, opts.Probability),
			cmp:  icmp,
		}
	}
	m.minSeq.Store(math.MaxUint64)
	return m
}

// ID returns the memtable (and WAL) identifier.
func (m *Memtable) ID() uint64 { return m.id }

// Add inserts one operation. Deletes carry no payload.
func (m *Memtable) Add(seq dbformat.SequenceNumber, kind dbformat.ValueType, key, value []byte, ttl int64) {
	ikey := dbformat.MakeInternalKey(key, seq, kind)
	var stored []byte
	if kind == dbformat.TypeDeletion {
		stored = dbformat.EncodeValue(nil, ttl, nil)
	} else {
		stored = dbformat.EncodeValue(make([]byte, 0, len(value)+4), ttl, value)
	}

	m.mu.Lock()
	m.rep.Insert(ikey, stored)
	m.mu.Unlock()

	m.usage.Add(int64(len(ikey) + len(stored) + entryOverhead))
	for {
		cur := m.minSeq.Load()
		if uint64(seq) >= cur || m.minSeq.CompareAndSwap(cur, uint64(seq)) {
			break
		}
	}
	for {
		cur := m.maxSeq.Load()
		if uint64(seq) <= cur || m.maxSeq.CompareAndSwap(cur, uint64(seq)) {
			break
		}
	}
}

// Get returns the newest version of key visible at seq. found is false when
// the memtable holds no visible version; a tombstone is found with kind
// TypeDeletion.
func (m *Memtable) Get(key []byte, seq dbformat.SequenceNumber) (payload []byte, ttl int64, kind dbformat.ValueType, found bool, err error) {
	ikey, stored, ok := m.rep.Get(key, seq)
	if !ok {
		return nil, 0, 0, false, nil
	}
	_, kind = dbformat.UnpackSequenceAndType(dbformat.ExtractTrailer(ikey))
	ttl, payload, err = dbformat.DecodeValue(stored)
	if err != nil {
		return nil, 0, 0, false, err
	}
	return payload, ttl, kind, true, nil
}

// NewIterator returns an iterator whose keys are internal keys and whose
// values are stored values (see dbformat.EncodeValue).
func (m *Memtable) NewIterator() iterator.Iterator {
	return m.rep.NewIterator()
}

// ApproximateMemoryUsage returns the bytes held by entries.
func (m *Memtable) ApproximateMemoryUsage() int64 { return m.usage.Load() }

// Count returns the number of entries.
func (m *Memtable) Count() int64 { return m.rep.Count() }

// Empty reports whether the memtable has no entries.
func (m *Memtable) Empty() bool { return m.rep.Count() == 0 }

// MaxSequence returns the largest sequence added, or 0 when empty.
func (m *Memtable) MaxSequence() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(m.maxSeq.Load())
}

// MinSequence returns the smallest sequence added, or 0 when empty.
func (m *Memtable) MinSequence() dbformat.SequenceNumber {
	if m.Empty() {
		return 0
	}
	return dbformat.SequenceNumber(m.minSeq.Load())
}

type skipListRep struct {
	list *SkipList
	cmp  dbformat.InternalComparator
}

func (r *skipListRep) Insert(ikey, value []byte) { r.list.Insert(ikey, value) }

func (r *skipListRep) Get(userKey []byte, seq dbformat.SequenceNumber) ([]byte, []byte, bool) {
	lookup := dbformat.MakeInternalKey(userKey, seq, dbformat.TypeForSeek)
	x := r.list.findGreaterOrEqual(lookup, nil)
	if x == nil || r.cmp.CompareUser(dbformat.ExtractUserKey(x.key), userKey) != 0 {
		return nil, nil, false
	}
	return x.key, x.value, true
}

func (r *skipListRep) NewIterator() iterator.Iterator {
	return &skipListIterator{list: r.list}
}

func (r *skipListRep) Count() int64 { return r.list.Count() }
