package tidekv

// snapshot.go implements the per column family snapshot registry and the
// last-commit tracker used for optimistic conflict detection.
//
// Open transactions and iterators register the sequence they read at.
// Compaction keeps one version per snapshot stripe, and the conflict
// tracker forgets commits no registered snapshot can conflict with.

import (
	"sort"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"github.com/aalhour/tidekv/internal/dbformat"
)

// snapshotList is a multiset of registered read sequences.
type snapshotList struct {
	mu   sync.Mutex
	refs map[uint64]int
}

// acquire registers seq.
func (l *snapshotList) acquire(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == nil {
		l.refs = make(map[uint64]int)
	}
	l.refs[seq]++
}

// release drops one registration of seq.
func (l *snapshotList) release(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch n := l.refs[seq]; {
	case n > 1:
		l.refs[seq] = n - 1
	case n == 1:
		delete(l.refs, seq)
	}
}

// sequences returns the registered sequences in ascending order.
func (l *snapshotList) sequences() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uint64, 0, len(l.refs))
	for seq := range l.refs {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// oldest returns the smallest registered sequence.
func (l *snapshotList) oldest() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var min uint64
	found := false
	for seq := range l.refs {
		if !found || seq < min {
			min, found = seq, true
		}
	}
	return min, found
}

func (l *snapshotList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.refs)
}

// acquireSnapshot registers and returns the latest visible sequence.
func (cf *ColumnFamily) acquireSnapshot() uint64 {
	cf.snapshots.mu.Lock()
	defer cf.snapshots.mu.Unlock()
	seq := cf.vs.LastSequence()
	if cf.snapshots.refs == nil {
		cf.snapshots.refs = make(map[uint64]int)
	}
	cf.snapshots.refs[seq]++
	return seq
}

// pruneEvery is the number of recorded commits between tracker prunes.
const pruneEvery = 1024

// conflictTracker maps user keys to the sequence of their last commit.
// Keys are ordered by the column family comparator so that keys equal
// under it collide. All methods run under the column family commitMu.
type conflictTracker struct {
	last    *skipmap.FuncMap[[]byte, uint64]
	pending int
}

func newConflictTracker(cmp dbformat.Comparator) *conflictTracker {
	return &conflictTracker{
		last: skipmap.NewFunc[[]byte, uint64](func(a, b []byte) bool { return cmp.Compare(a, b) < 0 }),
	}
}

// conflicts reports whether key was committed after snapshot.
func (t *conflictTracker) conflicts(key []byte, snapshot uint64) bool {
	seq, ok := t.last.Load(key)
	return ok && seq > snapshot
}

// record notes that key was committed at seq.
func (t *conflictTracker) record(key []byte, seq uint64) {
	t.last.Store(append([]byte(nil), key...), seq)
	t.pending++
}

// maybePrune forgets commits at or below the oldest registered snapshot.
// Transactions that begin later read at a sequence no lower than the
// current one, so with no snapshot registered nothing is kept.
func (t *conflictTracker) maybePrune(snapshots *snapshotList) {
	if t.pending < pruneEvery {
		return
	}
	t.pending = 0
	horizon, ok := snapshots.oldest()
	var stale [][]byte
	t.last.Range(func(key []byte, seq uint64) bool {
		if !ok || seq <= horizon {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		t.last.Delete(key)
	}
}

func (t *conflictTracker) len() int { return t.last.Len() }
