// Package version tracks the live tables of a column family.
//
// A Version is an immutable list of tables per level. A VersionSet owns the
// current Version and the MANIFEST log of edits that produced it. Versions
// and tables are reference counted: a table file becomes obsolete only when
// no live Version lists it.
package version

import (
	"sort"
	"sync/atomic"

	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/manifest"
)

// Version is an immutable snapshot of the tables per level. Level 0 is
// ordered by file id (oldest first) and may overlap; deeper levels are
// ordered by smallest key and do not overlap.
type Version struct {
	files  [][]*manifest.FileMeta
	icmp   dbformat.InternalComparator
	vset   *VersionSet
	number uint64
	refs   atomic.Int32
}

// Ref adds a reference.
func (v *Version) Ref() { v.refs.Add(1) }

// Unref drops a reference. The last reference releases the version's hold
// on its tables.
func (v *Version) Unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	if v.vset != nil {
		v.vset.live.Add(-1)
	}
	for _, level := range v.files {
		for _, f := range level {
			if f.Unref() == 0 && v.vset != nil {
				v.vset.obsolete(f)
			}
		}
	}
}

// Number identifies the version within its set.
func (v *Version) Number() uint64 { return v.number }

// Comparator returns the internal key comparator of the version.
func (v *Version) Comparator() dbformat.InternalComparator { return v.icmp }

// NumLevels returns the number of levels.
func (v *Version) NumLevels() int { return len(v.files) }

// Files returns the tables of level. The slice must not be modified.
func (v *Version) Files(level int) []*manifest.FileMeta {
	if level < 0 || level >= len(v.files) {
		return nil
	}
	return v.files[level]
}

// NumFiles returns the number of tables at level.
func (v *Version) NumFiles(level int) int { return len(v.Files(level)) }

// TotalFiles returns the number of tables across levels.
func (v *Version) TotalFiles() int {
	n := 0
	for _, level := range v.files {
		n += len(level)
	}
	return n
}

// LevelBytes returns the total table size at level.
func (v *Version) LevelBytes(level int) uint64 {
	var n uint64
	for _, f := range v.Files(level) {
		n += f.Size
	}
	return n
}

// LevelEntries returns the total entry count at level.
func (v *Version) LevelEntries(level int) uint64 {
	var n uint64
	for _, f := range v.Files(level) {
		n += f.NumEntries
	}
	return n
}

// AllFiles calls fn for every table, level by level.
func (v *Version) AllFiles(fn func(*manifest.FileMeta)) {
	for _, level := range v.files {
		for _, f := range level {
			fn(f)
		}
	}
}

// Overlaps reports whether f holds user keys in [begin, end]. A nil bound
// is unbounded.
func (v *Version) Overlaps(f *manifest.FileMeta, begin, end []byte) bool {
	if begin != nil && v.icmp.CompareUser(dbformat.ExtractUserKey(f.Largest), begin) < 0 {
		return false
	}
	if end != nil && v.icmp.CompareUser(dbformat.ExtractUserKey(f.Smallest), end) > 0 {
		return false
	}
	return true
}

// Overlapping returns the tables at level holding user keys in [begin, end].
func (v *Version) Overlapping(level int, begin, end []byte) []*manifest.FileMeta {
	var out []*manifest.FileMeta
	for _, f := range v.Files(level) {
		if v.Overlaps(f, begin, end) {
			out = append(out, f)
		}
	}
	return out
}

// FindFile returns the table at a level above 0 whose range holds userKey,
// or nil.
func (v *Version) FindFile(level int, userKey []byte) *manifest.FileMeta {
	files := v.Files(level)
	i := sort.Search(len(files), func(i int) bool {
		return v.icmp.CompareUser(dbformat.ExtractUserKey(files[i].Largest), userKey) >= 0
	})
	if i == len(files) || v.icmp.CompareUser(dbformat.ExtractUserKey(files[i].Smallest), userKey) > 0 {
		return nil
	}
	return files[i]
}

// KeyRange returns the smallest and largest internal keys over files.
func KeyRange(icmp dbformat.InternalComparator, files []*manifest.FileMeta) (smallest, largest []byte) {
	for _, f := range files {
		if smallest == nil || icmp.Compare(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if largest == nil || icmp.Compare(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	return smallest, largest
}
