package table

import (
	"github.com/aalhour/tidekv/internal/block"
)

// writeTree writes the internal nodes above the leaves bottom-up and
// returns the root handle and tree height. A single leaf is its own root.
func (b *Builder) writeTree() (block.Handle, uint32, error) {
	if len(b.handles) == 0 {
		return block.Handle{}, 0, nil
	}
	children, seps := b.handles, b.lastKeys
	height := uint32(1)
	for len(children) > 1 {
		var nextChildren []block.Handle
		var nextSeps [][]byte
		node := block.NewBuilder(b.opts.RestartInterval)
		var last []byte
		flush := func() error {
			h, err := b.writeBlock(node.Finish(), b.opts.Compression)
			if err != nil {
				return err
			}
			nextChildren = append(nextChildren, h)
			nextSeps = append(nextSeps, last)
			b.props.BTreeNodes++
			node.Reset()
			return nil
		}
		for i, h := range children {
			node.Add(seps[i], h.EncodeTo(nil))
			last = seps[i]
			// Two entries minimum keeps every level strictly smaller.
			if node.EstimatedSize() >= b.opts.BlockSize && node.Entries() >= 2 {
				if err := flush(); err != nil {
					return block.Handle{}, 0, err
				}
			}
		}
		if !node.Empty() {
			if err := flush(); err != nil {
				return block.Handle{}, 0, err
			}
		}
		children, seps = nextChildren, nextSeps
		height++
	}
	b.props.BTreeHeight = uint64(height)
	return children[0], height, nil
}

// btreeCursor walks the leaves of a B+tree table through a stack of node
// iterators, root first.
type btreeCursor struct {
	r     *Reader
	stack []*block.Iterator
	err   error
}

func (c *btreeCursor) internalLevels() int { return int(c.r.footer.height) - 1 }

func (c *btreeCursor) leaf() (block.Handle, bool) {
	if c.internalLevels() == 0 {
		return c.r.footer.root, true
	}
	top := c.stack[len(c.stack)-1]
	h, _, err := block.DecodeHandle(top.Value())
	if err != nil {
		c.err = err
		return block.Handle{}, false
	}
	return h, true
}

// descend rebuilds the stack below depth using position on each new level.
func (c *btreeCursor) descend(depth int, position func(*block.Iterator)) (block.Handle, bool) {
	if c.r.footer.height == 0 {
		return block.Handle{}, false
	}
	if c.internalLevels() == 0 {
		return c.r.footer.root, true
	}
	c.stack = c.stack[:depth]
	for len(c.stack) < c.internalLevels() {
		var node *block.Block
		if len(c.stack) == 0 {
			node = c.r.root
		} else {
			h, _, err := block.DecodeHandle(c.stack[len(c.stack)-1].Value())
			if err != nil {
				c.err = err
				return block.Handle{}, false
			}
			if node, err = c.r.readBlock(h); err != nil {
				c.err = err
				return block.Handle{}, false
			}
		}
		it := node.NewIterator(c.r.icmp.Compare)
		position(it)
		if !it.Valid() {
			c.err = it.Error()
			return block.Handle{}, false
		}
		c.stack = append(c.stack, it)
	}
	return c.leaf()
}

func (c *btreeCursor) first() (block.Handle, bool) {
	return c.descend(0, (*block.Iterator).SeekToFirst)
}

func (c *btreeCursor) last() (block.Handle, bool) {
	return c.descend(0, (*block.Iterator).SeekToLast)
}

func (c *btreeCursor) seek(ikey []byte) (block.Handle, bool) {
	// The first separator at or after ikey names the only child that can
	// hold the first key at or after ikey.
	return c.descend(0, func(it *block.Iterator) { it.Seek(ikey) })
}

func (c *btreeCursor) next() (block.Handle, bool) {
	return c.step((*block.Iterator).Next, (*block.Iterator).SeekToFirst)
}

func (c *btreeCursor) prev() (block.Handle, bool) {
	return c.step((*block.Iterator).Prev, (*block.Iterator).SeekToLast)
}

func (c *btreeCursor) step(move, reset func(*block.Iterator)) (block.Handle, bool) {
	i := len(c.stack) - 1
	for i >= 0 {
		move(c.stack[i])
		if c.stack[i].Valid() {
			break
		}
		if err := c.stack[i].Error(); err != nil {
			c.err = err
			return block.Handle{}, false
		}
		i--
	}
	if i < 0 {
		return block.Handle{}, false
	}
	return c.descend(i+1, reset)
}

func (c *btreeCursor) error() error { return c.err }
