package tidekv

// stats.go reports column family and block cache statistics and estimates
// range read costs.

import (
	"github.com/aalhour/tidekv/internal/manifest"
)

// Stats describes the shape of one column family.
type Stats struct {
	Name   string
	Config ColumnFamilyConfig

	NumLevels          int
	MemtableSize       int64
	MemtableEntries    int64
	ImmutableMemtables int

	LevelSizes       []uint64
	LevelNumSSTables []int
	LevelKeyCounts   []uint64

	TotalKeys     uint64
	TotalDataSize uint64
	AvgKeySize    float64
	AvgValueSize  float64

	// ReadAmp is the number of sources a point read may consult.
	ReadAmp int
	// HitRate is the engine block cache hit rate.
	HitRate float64

	UseBTree        bool
	BTreeTotalNodes uint64
	BTreeMaxHeight  uint64
	BTreeAvgHeight  float64

	WriteStalls uint64
}

// Stats returns a snapshot of the column family statistics.
func (cf *ColumnFamily) Stats() (*Stats, error) {
	if err := cf.checkUsable("stats"); err != nil {
		return nil, err
	}
	cfg := cf.Config()
	rs := cf.acquireReadState()
	defer rs.release()
	v := rs.version

	st := &Stats{
		Name:               cf.Name(),
		Config:             cfg,
		NumLevels:          v.NumLevels(),
		MemtableSize:       rs.mems[0].ApproximateMemoryUsage(),
		MemtableEntries:    rs.mems[0].Count(),
		ImmutableMemtables: len(rs.mems) - 1,
		LevelSizes:         make([]uint64, v.NumLevels()),
		LevelNumSSTables:   make([]int, v.NumLevels()),
		LevelKeyCounts:     make([]uint64, v.NumLevels()),
		HitRate:            cf.db.blockCache.Stats().HitRate,
		UseBTree:           cfg.UseBTree,
		WriteStalls:        cf.WriteStalls(),
	}
	st.ReadAmp = len(rs.mems)

	var rawKeys, rawValues uint64
	var btreeTables uint64
	var heightSum uint64
	for level := 0; level < v.NumLevels(); level++ {
		files := v.Files(level)
		st.LevelNumSSTables[level] = len(files)
		st.LevelSizes[level] = v.LevelBytes(level)
		st.LevelKeyCounts[level] = v.LevelEntries(level)
		st.TotalKeys += st.LevelKeyCounts[level]
		st.TotalDataSize += st.LevelSizes[level]
		switch {
		case level == 0:
			st.ReadAmp += len(files)
		case len(files) > 0:
			st.ReadAmp++
		}
		for _, f := range files {
			rawKeys += f.RawKeySize
			rawValues += f.RawValueSize
			if f.BTreeHeight > 0 {
				btreeTables++
				st.BTreeTotalNodes += f.BTreeNodes
				heightSum += f.BTreeHeight
				st.BTreeMaxHeight = max(st.BTreeMaxHeight, f.BTreeHeight)
			}
		}
	}
	if st.TotalKeys > 0 && rawKeys >= 8*st.TotalKeys {
		// Raw key sizes count the 8-byte internal key trailer.
		st.AvgKeySize = float64(rawKeys-8*st.TotalKeys) / float64(st.TotalKeys)
		st.AvgValueSize = float64(rawValues) / float64(st.TotalKeys)
	}
	if btreeTables > 0 {
		st.BTreeAvgHeight = float64(heightSum) / float64(btreeTables)
	}
	return st, nil
}

// CacheStats describes the engine block cache.
type CacheStats struct {
	Enabled       bool
	TotalEntries  int
	TotalBytes    int64
	Capacity      int64
	Hits          uint64
	Misses        uint64
	HitRate       float64
	NumPartitions int
}

// GetCacheStats returns the block cache counters. A disabled cache reports
// zero values.
func (db *DB) GetCacheStats() CacheStats {
	s := db.blockCache.Stats()
	return CacheStats{
		Enabled:       s.Enabled,
		TotalEntries:  s.Entries,
		TotalBytes:    s.Usage,
		Capacity:      s.Capacity,
		Hits:          s.Hits,
		Misses:        s.Misses,
		HitRate:       s.HitRate,
		NumPartitions: s.NumPartitions,
	}
}

// RangeCost estimates the cost of reading every key between a and b, in
// either order. Each table overlapping the range costs one seek plus the
// number of its data blocks the range covers.
func (cf *ColumnFamily) RangeCost(a, b []byte) (float64, error) {
	const op = "range cost"
	if err := cf.checkUsable(op); err != nil {
		return 0, err
	}
	if cf.cmp.Compare(a, b) > 0 {
		a, b = b, a
	}
	v := cf.vs.Current()
	defer v.Unref()
	var cost float64
	for level := 0; level < v.NumLevels(); level++ {
		for _, f := range v.Overlapping(level, a, b) {
			blocks, err := cf.tableBlocks(f, a, b)
			if err != nil {
				return 0, wrapErr(op, err)
			}
			cost += 1 + float64(blocks)
		}
	}
	return cost, nil
}

func (cf *ColumnFamily) tableBlocks(f *manifest.FileMeta, a, b []byte) (uint64, error) {
	r, err := cf.openTable(f)
	if err != nil {
		return 0, err
	}
	n := r.ApproxBlocks(a, b)
	return n, r.Unref()
}
