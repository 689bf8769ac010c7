package compaction

import (
	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/manifest"
	"github.com/aalhour/tidekv/internal/version"
)

// Picker selects leveled compactions.
//
// Level 0 is scored by file count against L0Trigger. Deeper levels are
// scored by size against a target that starts at BaseLevelBytes for level 1
// and grows by LevelSizeRatio per level. The deepest level overflowing
// compacts into a new level below it.
type Picker struct {
	L0Trigger      int
	LevelSizeRatio uint64
	BaseLevelBytes uint64

	// DividingLevelOffset places the dividing level at numLevels minus the
	// offset. Levels above it compact whole; levels at or below it compact
	// their oldest file.
	DividingLevelOffset int

	MaxOutputFileSize uint64
}

// DividingLevel returns the first level compacted file by file.
func (p *Picker) DividingLevel(numLevels int) int {
	return max(numLevels-p.DividingLevelOffset, 1)
}

// TargetBytes returns the size target of level (level >= 1).
func (p *Picker) TargetBytes(level int) uint64 {
	size := p.BaseLevelBytes
	for i := 1; i < level; i++ {
		size *= max(p.LevelSizeRatio, 1)
	}
	return size
}

// Score returns the compaction pressure of level. A score of 1 or more
// asks for compaction.
func (p *Picker) Score(v *version.Version, level int) float64 {
	if level == 0 {
		if p.L0Trigger <= 0 {
			return 0
		}
		return float64(v.NumFiles(0)) / float64(p.L0Trigger)
	}
	target := p.TargetBytes(level)
	if target == 0 {
		return 0
	}
	return float64(v.LevelBytes(level)) / float64(target)
}

// NeedsCompaction reports whether any level scores 1 or more.
func (p *Picker) NeedsCompaction(v *version.Version) bool {
	for level := 0; level < v.NumLevels(); level++ {
		if p.Score(v, level) >= 1 {
			return true
		}
	}
	return false
}

// Pick returns a compaction for the highest scoring level, or nil when no
// level needs one.
func (p *Picker) Pick(v *version.Version) *Compaction {
	best, bestScore := -1, 0.0
	for level := 0; level < v.NumLevels(); level++ {
		if s := p.Score(v, level); s > bestScore {
			best, bestScore = level, s
		}
	}
	if best < 0 || bestScore < 1 {
		return nil
	}
	reason := ReasonLevelSize
	if best == 0 {
		reason = ReasonL0FileCount
	}
	c := p.PickLevel(v, best, reason)
	if c != nil {
		c.Score = bestScore
	}
	return c
}

// PickManual returns the next step of a full compaction: the shallowest
// non-empty level merged into the level below it. It returns nil once all
// tables sit in a single level other than 0.
func (p *Picker) PickManual(v *version.Version) *Compaction {
	shallowest, deeper := -1, false
	for level := 0; level < v.NumLevels(); level++ {
		if v.NumFiles(level) == 0 {
			continue
		}
		if shallowest < 0 {
			shallowest = level
		} else {
			deeper = true
		}
	}
	if shallowest < 0 || (shallowest > 0 && !deeper) {
		return nil
	}
	return p.pickWhole(v, shallowest, ReasonManual)
}

// PickLevel builds a compaction out of level following the dividing-level
// policy. It returns nil when the level is empty or its inputs are busy.
func (p *Picker) PickLevel(v *version.Version, level int, reason Reason) *Compaction {
	if v.NumFiles(level) == 0 {
		return nil
	}
	if level < p.DividingLevel(v.NumLevels()) {
		return p.pickWhole(v, level, reason)
	}
	return p.pickOldest(v, level, reason)
}

func (p *Picker) pickWhole(v *version.Version, level int, reason Reason) *Compaction {
	return p.build(v, level, v.Files(level), reason)
}

func (p *Picker) pickOldest(v *version.Version, level int, reason Reason) *Compaction {
	var oldest *manifest.FileMeta
	for _, f := range v.Files(level) {
		if f.BeingCompacted {
			continue
		}
		if oldest == nil || f.ID < oldest.ID {
			oldest = f
		}
	}
	if oldest == nil {
		return nil
	}
	return p.build(v, level, []*manifest.FileMeta{oldest}, reason)
}

func (p *Picker) build(v *version.Version, level int, files []*manifest.FileMeta, reason Reason) *Compaction {
	if busy(files) {
		return nil
	}
	start := append([]*manifest.FileMeta(nil), files...)
	inputs := []InputFiles{{Level: level, Files: start}}

	smallest, largest := version.KeyRange(v.Comparator(), start)
	next := v.Overlapping(level+1, dbformat.ExtractUserKey(smallest), dbformat.ExtractUserKey(largest))
	if busy(next) {
		return nil
	}
	if len(next) > 0 {
		inputs = append(inputs, InputFiles{Level: level + 1, Files: next})
	}
	return &Compaction{
		Version:           v,
		Inputs:            inputs,
		OutputLevel:       level + 1,
		MaxOutputFileSize: p.MaxOutputFileSize,
		Reason:            reason,
	}
}

func busy(files []*manifest.FileMeta) bool {
	for _, f := range files {
		if f.BeingCompacted {
			return true
		}
	}
	return false
}
