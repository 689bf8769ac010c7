// Package flush writes an immutable memtable to a level-0 table.
package flush

import (
	"errors"
	"fmt"

	"github.com/aalhour/tidekv/internal/logging"
	"github.com/aalhour/tidekv/internal/manifest"
	"github.com/aalhour/tidekv/internal/memtable"
	"github.com/aalhour/tidekv/internal/table"
	"github.com/aalhour/tidekv/internal/vfs"
)

// ErrNoOutput is returned when a flush produces no output (empty memtable).
var ErrNoOutput = errors.New("flush: no output")

// Options carries what a flush needs from its column family.
type Options struct {
	FS      vfs.FS
	Dir     string
	Builder table.BuilderOptions

	// MinDiskSpace fails the flush before writing when free space is lower.
	MinDiskSpace uint64

	Logger logging.Logger
}

// Job flushes one memtable to one level-0 table.
type Job struct {
	mem  *memtable.Memtable
	id   uint64
	opts Options
}

// NewJob creates a flush of mem into table id.
func NewJob(mem *memtable.Memtable, id uint64, opts Options) *Job {
	opts.Logger = logging.OrDefault(opts.Logger)
	return &Job{mem: mem, id: id, opts: opts}
}

// Run writes the table, syncs it and its directory, and returns its
// metadata. Every version of every key is kept; compaction reclaims them.
func (j *Job) Run() (*manifest.FileMeta, error) {
	if j.mem.Empty() {
		return nil, ErrNoOutput
	}
	if err := vfs.CheckFreeSpace(j.opts.FS, j.opts.Dir, j.opts.MinDiskSpace); err != nil {
		return nil, err
	}

	w, err := table.CreateFile(j.opts.FS, j.opts.Dir, 0, j.id, j.opts.Builder)
	if err != nil {
		return nil, fmt.Errorf("create table %d: %w", j.id, err)
	}
	it := j.mem.NewIterator()
	defer func() { _ = it.Close() }()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			w.Abandon()
			return nil, fmt.Errorf("add to table %d: %w", j.id, err)
		}
	}
	if err := it.Error(); err != nil {
		w.Abandon()
		return nil, fmt.Errorf("memtable iteration: %w", err)
	}

	meta, err := w.Finish()
	if err != nil {
		return nil, fmt.Errorf("finish table %d: %w", j.id, err)
	}
	// The directory entry must be durable before a MANIFEST edit names it.
	if err := j.opts.FS.SyncDir(j.opts.Dir); err != nil {
		_ = j.opts.FS.Remove(w.Path())
		return nil, fmt.Errorf("sync dir after table %d: %w", j.id, err)
	}
	j.opts.Logger.Debugf("%smemtable %d: %d entries into table %d (%d bytes)",
		logging.NSFlush, j.mem.ID(), meta.NumEntries, meta.ID, meta.Size)
	return meta, nil
}
