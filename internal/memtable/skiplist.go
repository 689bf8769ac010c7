// Package memtable holds writes in memory until they are flushed to a table.
//
// Two backends implement Rep: a skip list (ordered, lock-free reads, one
// writer at a time) and a hash table (O(1) point reads, ordered iteration by
// sorting a snapshot). Both store (internal key, stored value) pairs.
package memtable

import (
	"math"
	"math/rand/v2"
	"sync/atomic"
)

const (
	// DefaultMaxLevel is the default maximum skip list height.
	DefaultMaxLevel = 12

	// DefaultProbability is the default chance of promoting a node one level.
	DefaultProbability = 0.25

	// MaxLevelLimit caps configurable heights.
	MaxLevelLimit = 32
)

// Compare orders internal keys.
type Compare func(a, b []byte) int

type skipNode struct {
	key   []byte
	value []byte
	next  []atomic.Pointer[skipNode]
}

func newSkipNode(key, value []byte, height int) *skipNode {
	return &skipNode{
		key:   key,
		value: value,
		next:  make([]atomic.Pointer[skipNode], height),
	}
}

// SkipList is an ordered list with lock-free reads.
// Insert requires external synchronization.
type SkipList struct {
	head      *skipNode
	height    atomic.Int32
	compare   Compare
	rng       *rand.Rand
	maxLevel  int
	threshold uint32
	count     atomic.Int64
}

// NewSkipList creates a skip list. Out-of-range parameters fall back to the
// defaults.
func NewSkipList(cmp Compare, maxLevel int, probability float64) *SkipList {
	if maxLevel <= 0 || maxLevel > MaxLevelLimit {
		maxLevel = DefaultMaxLevel
	}
	if probability <= 0 || probability > 1 {
		probability = DefaultProbability
	}
	sl := &SkipList{
		head:      newSkipNode(nil, nil, maxLevel),
		compare:   cmp,
		rng:       rand.New(rand.NewPCG(0xdeadbeef, uint64(maxLevel))),
		maxLevel:  maxLevel,
		threshold: uint32(probability * math.MaxUint32),
	}
	sl.height.Store(1)
	return sl
}

// Insert adds key with value. An equal key already present is left as is;
// internal keys carry unique sequence numbers so this does not happen in
// practice.
func (sl *SkipList) Insert(key, value []byte) bool {
	prev := make([]*skipNode, sl.maxLevel)
	x := sl.findGreaterOrEqual(key, prev)
	if x != nil && sl.compare(key, x.key) == 0 {
		return false
	}

	h := sl.randomHeight()
	if cur := int(sl.height.Load()); h > cur {
		for i := cur; i < h; i++ {
			prev[i] = sl.head
		}
		sl.height.Store(int32(h))
	}

	node := newSkipNode(key, value, h)
	for i := range h {
		node.next[i].Store(prev[i].next[i].Load())
		prev[i].next[i].Store(node)
	}
	sl.count.Add(1)
	return true
}

// Count returns the number of entries.
func (sl *SkipList) Count() int64 {
	return sl.count.Load()
}

// MaxLevel returns the configured maximum height.
func (sl *SkipList) MaxLevel() int {
	return sl.maxLevel
}

func (sl *SkipList) randomHeight() int {
	h := 1
	for h < sl.maxLevel && sl.rng.Uint32() < sl.threshold {
		h++
	}
	return h
}

// findGreaterOrEqual returns the first node >= key, recording predecessors
// in prev when non-nil.
func (sl *SkipList) findGreaterOrEqual(key []byte, prev []*skipNode) *skipNode {
	x := sl.head
	level := int(sl.height.Load()) - 1
	for {
		next := x.next[level].Load()
		if next != nil && sl.compare(key, next.key) > 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// findLessThan returns the last node < key, or nil.
func (sl *SkipList) findLessThan(key []byte) *skipNode {
	x := sl.head
	level := int(sl.height.Load()) - 1
	for {
		next := x.next[level].Load()
		if next != nil && sl.compare(next.key, key) < 0 {
			x = next
			continue
		}
		if level == 0 {
			if x == sl.head {
				return nil
			}
			return x
		}
		level--
	}
}

func (sl *SkipList) findLast() *skipNode {
	x := sl.head
	level := int(sl.height.Load()) - 1
	for {
		if next := x.next[level].Load(); next != nil {
			x = next
			continue
		}
		if level == 0 {
			if x == sl.head {
				return nil
			}
			return x
		}
		level--
	}
}

// skipListIterator walks a SkipList. It is safe to use while a writer inserts.
type skipListIterator struct {
	list *SkipList
	node *skipNode
}

func (it *skipListIterator) Valid() bool { return it.node != nil }

func (it *skipListIterator) Key() []byte {
	if it.node == nil {
		return nil
	}
	return it.node.key
}

func (it *skipListIterator) Value() []byte {
	if it.node == nil {
		return nil
	}
	return it.node.value
}

func (it *skipListIterator) Next() {
	if it.node != nil {
		it.node = it.node.next[0].Load()
	}
}

func (it *skipListIterator) Prev() {
	if it.node != nil {
		it.node = it.list.findLessThan(it.node.key)
	}
}

func (it *skipListIterator) Seek(target []byte) {
	it.node = it.list.findGreaterOrEqual(target, nil)
}

func (it *skipListIterator) SeekForPrev(target []byte) {
	it.Seek(target)
	switch {
	case it.node == nil:
		it.SeekToLast()
	case it.list.compare(it.node.key, target) > 0:
		it.Prev()
	}
}

func (it *skipListIterator) SeekToFirst() { it.node = it.list.head.next[0].Load() }
func (it *skipListIterator) SeekToLast()  { it.node = it.list.findLast() }
func (it *skipListIterator) Error() error { return nil }
func (it *skipListIterator) Close() error { it.node = nil; return nil }
