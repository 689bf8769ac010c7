// Package compaction picks and runs merges of table files between levels.
//
// A Picker scores the levels of a Version and describes one Compaction. A
// Job merges the inputs of a Compaction into new tables at the output level,
// dropping versions no reader can see, and returns the VersionEdit that
// installs them.
package compaction

import (
	"github.com/aalhour/tidekv/internal/manifest"
	"github.com/aalhour/tidekv/internal/version"
)

// Compaction describes the inputs and the output level of one merge.
type Compaction struct {
	// Version the inputs were picked from. The caller keeps it referenced
	// until the compaction is installed or abandoned.
	Version *version.Version

	Inputs      []InputFiles
	OutputLevel int

	// MaxOutputFileSize splits the output into several tables.
	MaxOutputFileSize uint64

	Score  float64
	Reason Reason
}

// InputFiles are the inputs taken from one level.
type InputFiles struct {
	Level int
	Files []*manifest.FileMeta
}

// Reason says why a compaction was picked.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonL0FileCount
	ReasonLevelSize
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonL0FileCount:
		return "L0 file count"
	case ReasonLevelSize:
		return "level size"
	case ReasonManual:
		return "manual"
	default:
		return "unknown"
	}
}

// StartLevel returns the shallowest input level.
func (c *Compaction) StartLevel() int {
	if len(c.Inputs) == 0 {
		return -1
	}
	return c.Inputs[0].Level
}

// NumInputFiles returns the number of input tables.
func (c *Compaction) NumInputFiles() int {
	n := 0
	for _, in := range c.Inputs {
		n += len(in.Files)
	}
	return n
}

// InputBytes returns the total size of the input tables.
func (c *Compaction) InputBytes() uint64 {
	var n uint64
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			n += f.Size
		}
	}
	return n
}

// MarkBeingCompacted flags or clears the inputs so no other compaction
// picks them.
func (c *Compaction) MarkBeingCompacted(v bool) {
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			f.BeingCompacted = v
		}
	}
}

// AddInputDeletions records the removal of every input in edit.
func (c *Compaction) AddInputDeletions(edit *manifest.VersionEdit) {
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			edit.DeleteFile(in.Level, f.ID)
		}
	}
}

// IsBaseLevelForKey reports whether no level below the output holds
// userKey, so a tombstone for it can be dropped.
func (c *Compaction) IsBaseLevelForKey(userKey []byte) bool {
	if c.Version == nil {
		return false
	}
	for level := c.OutputLevel + 1; level < c.Version.NumLevels(); level++ {
		if c.Version.FindFile(level, userKey) != nil {
			return false
		}
	}
	return true
}
