package iterator

import (
	"container/heap"
	"errors"
)

type direction int

const (
	forward direction = iota
	reverse
)

// MergingIterator merges sorted children into one sorted stream.
//
// Forward iteration keeps a min-heap of children; reverse iteration keeps a
// max-heap. Changing direction repositions every non-current child around the
// current key. When two children hold equal keys, the child with the lower
// index is returned first in both directions.
type MergingIterator struct {
	children []Iterator
	cmp      func(a, b []byte) int
	h        *iterHeap
	current  int
	dir      direction
	err      error
}

// NewMergingIterator creates a merging iterator. cmp orders the children's keys.
func NewMergingIterator(children []Iterator, cmp func(a, b []byte) int) *MergingIterator {
	mi := &MergingIterator{
		children: children,
		cmp:      cmp,
		current:  -1,
	}
	mi.h = &iterHeap{items: make([]int, 0, len(children)), mi: mi}
	return mi
}

// Valid reports whether the iterator is positioned at an entry.
func (mi *MergingIterator) Valid() bool {
	return mi.err == nil && mi.current >= 0
}

// Key returns the current key.
func (mi *MergingIterator) Key() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Key()
}

// Value returns the current value.
func (mi *MergingIterator) Value() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Value()
}

// Current returns the index of the child supplying the current entry, or -1.
func (mi *MergingIterator) Current() int {
	if !mi.Valid() {
		return -1
	}
	return mi.current
}

// SeekToFirst positions at the smallest key across all children.
func (mi *MergingIterator) SeekToFirst() {
	for _, c := range mi.children {
		c.SeekToFirst()
	}
	mi.rebuild(forward)
}

// SeekToLast positions at the largest key across all children.
func (mi *MergingIterator) SeekToLast() {
	for _, c := range mi.children {
		c.SeekToLast()
	}
	mi.rebuild(reverse)
}

// Seek positions at the first key >= target.
func (mi *MergingIterator) Seek(target []byte) {
	for _, c := range mi.children {
		c.Seek(target)
	}
	mi.rebuild(forward)
}

// SeekForPrev positions at the last key <= target.
func (mi *MergingIterator) SeekForPrev(target []byte) {
	for _, c := range mi.children {
		c.SeekForPrev(target)
	}
	mi.rebuild(reverse)
}

// Next advances to the next entry.
func (mi *MergingIterator) Next() {
	if !mi.Valid() {
		return
	}
	if mi.dir != forward {
		key := append([]byte(nil), mi.Key()...)
		for i, c := range mi.children {
			if i == mi.current {
				continue
			}
			c.Seek(key)
			// Children before current already yielded their equal key.
			if c.Valid() && mi.cmp(c.Key(), key) == 0 && i < mi.current {
				c.Next()
			}
		}
		cur := mi.current
		mi.children[cur].Next()
		mi.rebuild(forward)
		return
	}
	mi.advanceTop(func(c Iterator) { c.Next() })
}

// Prev moves to the previous entry.
func (mi *MergingIterator) Prev() {
	if !mi.Valid() {
		return
	}
	if mi.dir != reverse {
		key := append([]byte(nil), mi.Key()...)
		for i, c := range mi.children {
			if i == mi.current {
				continue
			}
			c.SeekForPrev(key)
			// Children after current yield equal keys before it in reverse.
			if c.Valid() && mi.cmp(c.Key(), key) == 0 && i > mi.current {
				c.Prev()
			}
		}
		mi.children[mi.current].Prev()
		mi.rebuild(reverse)
		return
	}
	mi.advanceTop(func(c Iterator) { c.Prev() })
}

// Error returns the first child error.
func (mi *MergingIterator) Error() error {
	return mi.err
}

// Close closes every child and returns the first error.
func (mi *MergingIterator) Close() error {
	var errs []error
	for _, c := range mi.children {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	mi.current = -1
	mi.h.items = mi.h.items[:0]
	return errors.Join(errs...)
}

func (mi *MergingIterator) advanceTop(step func(Iterator)) {
	c := mi.children[mi.current]
	step(c)
	if err := c.Error(); err != nil {
		mi.err = err
		mi.current = -1
		return
	}
	if c.Valid() {
		heap.Fix(mi.h, 0)
	} else {
		heap.Pop(mi.h)
	}
	mi.top()
}

func (mi *MergingIterator) rebuild(dir direction) {
	mi.dir = dir
	mi.err = nil
	mi.h.items = mi.h.items[:0]
	for i, c := range mi.children {
		if err := c.Error(); err != nil {
			mi.err = err
			mi.current = -1
			return
		}
		if c.Valid() {
			mi.h.items = append(mi.h.items, i)
		}
	}
	heap.Init(mi.h)
	mi.top()
}

func (mi *MergingIterator) top() {
	if mi.h.Len() == 0 {
		mi.current = -1
		return
	}
	mi.current = mi.h.items[0]
}

// iterHeap holds child indexes ordered by the children's current keys.
type iterHeap struct {
	items []int
	mi    *MergingIterator
}

func (h *iterHeap) Len() int { return len(h.items) }

func (h *iterHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	r := h.mi.cmp(h.mi.children[a].Key(), h.mi.children[b].Key())
	if h.mi.dir == reverse {
		r = -r
	}
	if r == 0 {
		if h.mi.dir == reverse {
			return a > b
		}
		return a < b
	}
	return r < 0
}

func (h *iterHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *iterHeap) Push(x any) { h.items = append(h.items, x.(int)) }

func (h *iterHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
