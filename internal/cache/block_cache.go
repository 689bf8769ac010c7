package cache

import (
	"encoding/binary"
	"runtime"

	"github.com/zeebo/xxh3"
)

// Key identifies a cached block: the column family, the table file and the
// block offset within it.
type Key struct {
	CF     uint32
	File   uint64
	Offset uint64
}

func (k Key) hash() uint64 {
	var buf [20]byte
	binary.LittleEndian.PutUint32(buf[0:], k.CF)
	binary.LittleEndian.PutUint64(buf[4:], k.File)
	binary.LittleEndian.PutUint64(buf[12:], k.Offset)
	return xxh3.Hash(buf[:])
}

// Stats is a snapshot of block cache counters.
type Stats struct {
	Enabled       bool
	Entries       int
	Usage         int64
	Capacity      int64
	Hits          uint64
	Misses        uint64
	HitRate       float64
	NumPartitions int
}

// BlockCache is a partitioned LRU of decoded blocks shared by every column
// family of an engine. A nil *BlockCache is a valid, disabled cache.
type BlockCache struct {
	shards []*LRU[Key, any]
	mask   uint64
}

// NewBlockCache creates a cache of capacity bytes. partitions <= 0 picks one
// partition per CPU, rounded up to a power of two. A capacity <= 0 returns nil.
func NewBlockCache(capacity int64, partitions int) *BlockCache {
	if capacity <= 0 {
		return nil
	}
	if partitions <= 0 {
		partitions = runtime.GOMAXPROCS(0)
	}
	partitions = nextPowerOf2(partitions)
	per := max(capacity/int64(partitions), 1)
	c := &BlockCache{
		shards: make([]*LRU[Key, any], partitions),
		mask:   uint64(partitions - 1),
	}
	for i := range c.shards {
		c.shards[i] = NewLRU[Key, any](per, nil)
	}
	return c
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (c *BlockCache) shard(k Key) *LRU[Key, any] {
	return c.shards[k.hash()&c.mask]
}

// Get returns the cached value for k.
func (c *BlockCache) Get(k Key) (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.shard(k).Get(k)
}

// Insert caches v under k with the given byte charge.
func (c *BlockCache) Insert(k Key, v any, charge int64) {
	if c == nil {
		return
	}
	c.shard(k).Insert(k, v, charge)
}

// EraseFile drops every block of one table file.
func (c *BlockCache) EraseFile(cf uint32, file uint64) {
	if c == nil {
		return
	}
	for _, s := range c.shards {
		s.EraseIf(func(k Key) bool { return k.CF == cf && k.File == file })
	}
}

// EraseCF drops every block of a column family.
func (c *BlockCache) EraseCF(cf uint32) {
	if c == nil {
		return
	}
	for _, s := range c.shards {
		s.EraseIf(func(k Key) bool { return k.CF == cf })
	}
}

// Stats returns aggregated counters.
func (c *BlockCache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	st := Stats{Enabled: true, NumPartitions: len(c.shards)}
	for _, s := range c.shards {
		st.Entries += s.Len()
		st.Usage += s.Usage()
		st.Capacity += s.Capacity()
		st.Hits += s.Hits()
		st.Misses += s.Misses()
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}
