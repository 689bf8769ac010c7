package version

import (
	"sort"

	"github.com/aalhour/tidekv/internal/manifest"
)

// Builder accumulates edits on top of a base version and produces a new
// Version without intermediate copies.
type Builder struct {
	vset      *VersionSet
	base      *Version
	numLevels int
	added     map[uint64]*manifest.FileMeta
	deleted   map[uint64]struct{}
}

// NewBuilder starts from base, which may be nil.
func NewBuilder(vset *VersionSet, base *Version) *Builder {
	b := &Builder{
		vset:    vset,
		base:    base,
		added:   make(map[uint64]*manifest.FileMeta),
		deleted: make(map[uint64]struct{}),
	}
	if base != nil {
		b.numLevels = base.NumLevels()
	}
	return b
}

// Apply folds edit into the builder.
func (b *Builder) Apply(edit *manifest.VersionEdit) {
	for _, df := range edit.DeletedFiles {
		if _, ok := b.added[df.ID]; ok {
			delete(b.added, df.ID)
			continue
		}
		b.deleted[df.ID] = struct{}{}
	}
	for _, f := range edit.NewFiles {
		delete(b.deleted, f.ID)
		b.added[f.ID] = f
		b.numLevels = max(b.numLevels, f.Level+1)
	}
	if edit.HasNumLevels {
		b.numLevels = max(b.numLevels, edit.NumLevels)
	}
}

// NumLevels returns the level count the saved version will have.
func (b *Builder) NumLevels() int { return b.numLevels }

// SaveTo builds the new version. Every listed table gains a reference.
func (b *Builder) SaveTo(vs *VersionSet) *Version {
	v := vs.newVersion(b.numLevels)
	if b.base != nil {
		for level, files := range b.base.files {
			for _, f := range files {
				if _, gone := b.deleted[f.ID]; !gone {
					v.files[level] = append(v.files[level], f)
				}
			}
		}
	}
	for _, f := range b.added {
		v.files[f.Level] = append(v.files[f.Level], f)
	}
	for level, files := range v.files {
		if level == 0 {
			sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
		} else {
			sort.Slice(files, func(i, j int) bool {
				return v.icmp.Compare(files[i].Smallest, files[j].Smallest) < 0
			})
		}
		for _, f := range files {
			f.Ref()
		}
	}
	return v
}
