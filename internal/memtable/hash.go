package memtable

import (
	"sort"
	"sync"

	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/iterator"
)

type hashEntry struct {
	ikey  []byte
	value []byte
}

// hashRep maps each user key to its versions, newest first. Ordered access
// sorts a snapshot of all entries.
type hashRep struct {
	cmp dbformat.InternalComparator

	mu     sync.RWMutex
	chains map[string][]hashEntry
	count  int64
}

func newHashRep(cmp dbformat.InternalComparator) *hashRep {
	return &hashRep{cmp: cmp, chains: make(map[string][]hashEntry)}
}

func (r *hashRep) Insert(ikey, value []byte) {
	uk := string(dbformat.ExtractUserKey(ikey))
	trailer := dbformat.ExtractTrailer(ikey)

	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.chains[uk]
	i := sort.Search(len(chain), func(i int) bool {
		return dbformat.ExtractTrailer(chain[i].ikey) <= trailer
	})
	if i < len(chain) && dbformat.ExtractTrailer(chain[i].ikey) == trailer {
		return
	}
	chain = append(chain, hashEntry{})
	copy(chain[i+1:], chain[i:])
	chain[i] = hashEntry{ikey: ikey, value: value}
	r.chains[uk] = chain
	r.count++
}

func (r *hashRep) Get(userKey []byte, seq dbformat.SequenceNumber) ([]byte, []byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.chains[string(userKey)] {
		s, _ := dbformat.UnpackSequenceAndType(dbformat.ExtractTrailer(e.ikey))
		if s <= seq {
			return e.ikey, e.value, true
		}
	}
	return nil, nil, false
}

func (r *hashRep) NewIterator() iterator.Iterator {
	r.mu.RLock()
	entries := make([]hashEntry, 0, r.count)
	for _, chain := range r.chains {
		entries = append(entries, chain...)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return r.cmp.Compare(entries[i].ikey, entries[j].ikey) < 0
	})
	return &sortedIterator{entries: entries, cmp: r.cmp.Compare, pos: -1}
}

func (r *hashRep) Count() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// sortedIterator walks a sorted entry snapshot.
type sortedIterator struct {
	entries []hashEntry
	cmp     Compare
	pos     int
}

func (it *sortedIterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.entries) }

func (it *sortedIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.entries[it.pos].ikey
}

func (it *sortedIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.entries[it.pos].value
}

func (it *sortedIterator) SeekToFirst() { it.pos = 0 }
func (it *sortedIterator) SeekToLast()  { it.pos = len(it.entries) - 1 }

func (it *sortedIterator) Seek(target []byte) {
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		return it.cmp(it.entries[i].ikey, target) >= 0
	})
}

func (it *sortedIterator) SeekForPrev(target []byte) {
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		return it.cmp(it.entries[i].ikey, target) > 0
	}) - 1
}

func (it *sortedIterator) Next() {
	if it.Valid() {
		it.pos++
	}
}

func (it *sortedIterator) Prev() {
	if it.Valid() {
		it.pos--
	}
}

func (it *sortedIterator) Error() error { return nil }
func (it *sortedIterator) Close() error { it.entries = nil; it.pos = -1; return nil }
