package compaction

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/iterator"
	"github.com/aalhour/tidekv/internal/logging"
	"github.com/aalhour/tidekv/internal/manifest"
	"github.com/aalhour/tidekv/internal/table"
	"github.com/aalhour/tidekv/internal/vfs"
)

// ErrNoInputs is returned when a compaction has no input tables.
var ErrNoInputs = errors.New("compaction: no inputs")

// JobOptions carries what a Job needs from its column family.
type JobOptions struct {
	FS         vfs.FS
	Dir        string
	TableCache *table.TableCache
	Builder    table.BuilderOptions

	// NewFileID allocates output table ids.
	NewFileID func() uint64

	// Snapshots are the sequences still readable by open snapshots, in any
	// order.
	Snapshots []uint64

	// Now is the unix time used to expire TTL entries.
	Now int64

	// MinDiskSpace fails the job before writing when free space is lower.
	MinDiskSpace uint64

	Logger logging.Logger
}

// Stats counts what a job read, wrote and dropped.
type Stats struct {
	InputFiles    int
	InputEntries  uint64
	OutputFiles   int
	OutputEntries uint64
	OutputBytes   uint64

	// Shadowed counts versions hidden by a newer version in the same
	// snapshot stripe.
	Shadowed uint64
	// Obsolete counts tombstones and expired entries dropped at the base
	// level.
	Obsolete uint64
}

// Job merges the inputs of one compaction into new tables.
type Job struct {
	c    *Compaction
	opts JobOptions
	icmp dbformat.InternalComparator

	snapshots []uint64
	current   *table.FileWriter
	outputs   []*manifest.FileMeta
	stats     Stats
}

// NewJob creates a job for c.
func NewJob(c *Compaction, opts JobOptions) *Job {
	snaps := append([]uint64(nil), opts.Snapshots...)
	sort.Slice(snaps, func(i, j int) bool { return snaps[i] < snaps[j] })
	opts.Logger = logging.OrDefault(opts.Logger)
	return &Job{
		c:         c,
		opts:      opts,
		icmp:      c.Version.Comparator(),
		snapshots: snaps,
	}
}

// Stats returns the counters of the last Run.
func (j *Job) Stats() Stats { return j.stats }

// Outputs returns the tables written by Run.
func (j *Job) Outputs() []*manifest.FileMeta { return j.outputs }

// Run merges the inputs and returns the edit that swaps them for the
// outputs. On error no output file is left behind.
func (j *Job) Run() (*manifest.VersionEdit, error) {
	if j.c.NumInputFiles() == 0 {
		return nil, ErrNoInputs
	}
	if err := vfs.CheckFreeSpace(j.opts.FS, j.opts.Dir, j.opts.MinDiskSpace); err != nil {
		return nil, err
	}
	j.opts.Logger.Infof("%scompacting %d tables from L%d into L%d (%s)",
		logging.NSCompact, j.c.NumInputFiles(), j.c.StartLevel(), j.c.OutputLevel, j.c.Reason)

	if err := j.run(); err != nil {
		j.Abort()
		return nil, err
	}
	if len(j.outputs) > 0 {
		if err := j.opts.FS.SyncDir(j.opts.Dir); err != nil {
			j.Abort()
			return nil, err
		}
	}

	edit := &manifest.VersionEdit{}
	j.c.AddInputDeletions(edit)
	for _, f := range j.outputs {
		edit.AddFile(f)
	}
	j.opts.Logger.Infof("%sL%d: %d entries in, %d entries in %d tables out, %d shadowed, %d obsolete",
		logging.NSCompact, j.c.OutputLevel, j.stats.InputEntries, j.stats.OutputEntries,
		j.stats.OutputFiles, j.stats.Shadowed, j.stats.Obsolete)
	return edit, nil
}

// Abort removes every output written so far. Callers use it when the edit
// returned by Run could not be installed.
func (j *Job) Abort() {
	if j.current != nil {
		j.current.Abandon()
		j.current = nil
	}
	for _, f := range j.outputs {
		_ = j.opts.FS.Remove(filepath.Join(j.opts.Dir, table.FileName(f.Level, f.ID)))
	}
	j.outputs = nil
}

func (j *Job) inputIterators() ([]iterator.Iterator, error) {
	var iters []iterator.Iterator
	for _, in := range j.c.Inputs {
		for _, f := range in.Files {
			path := filepath.Join(j.opts.Dir, table.FileName(f.Level, f.ID))
			r, err := j.opts.TableCache.Get(f.ID, path)
			if err != nil {
				for _, it := range iters {
					_ = it.Close()
				}
				return nil, fmt.Errorf("open %s: %w", path, err)
			}
			iters = append(iters, r.NewIterator())
			_ = r.Unref()
			j.stats.InputFiles++
		}
	}
	return iters, nil
}

// stripe returns the index of the oldest snapshot that can see seq, or
// len(snapshots) when only the latest view can.
func (j *Job) stripe(seq uint64) int {
	return sort.Search(len(j.snapshots), func(i int) bool { return j.snapshots[i] >= seq })
}

func (j *Job) run() error {
	iters, err := j.inputIterators()
	if err != nil {
		return err
	}
	it := iterator.NewMergingIterator(iters, j.icmp.Compare)
	defer func() { _ = it.Close() }()

	var (
		lastUserKey []byte
		haveKey     bool
		lastStripe  int
	)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		j.stats.InputEntries++
		ikey := it.Key()
		pk, err := dbformat.ParseInternalKey(ikey)
		if err != nil {
			return err
		}
		stripe := j.stripe(uint64(pk.Sequence))

		if haveKey && j.icmp.CompareUser(pk.UserKey, lastUserKey) == 0 {
			if stripe == lastStripe {
				j.stats.Shadowed++
				continue
			}
		} else {
			// New user key: the only place an output may be cut.
			if j.current != nil && j.current.EstimatedSize() >= j.c.MaxOutputFileSize {
				if err := j.finishOutput(); err != nil {
					return err
				}
			}
			lastUserKey = append(lastUserKey[:0], pk.UserKey...)
			haveKey = true
		}
		lastStripe = stripe

		value := it.Value()
		if err := it.Error(); err != nil {
			return err
		}
		if stripe == 0 && j.obsolete(pk, value) && j.c.IsBaseLevelForKey(pk.UserKey) {
			j.stats.Obsolete++
			continue
		}
		if err := j.add(ikey, value); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	if j.current != nil {
		return j.finishOutput()
	}
	return nil
}

// obsolete reports whether an entry reads as absent.
func (j *Job) obsolete(pk dbformat.ParsedInternalKey, value []byte) bool {
	if pk.Type == dbformat.TypeDeletion {
		return true
	}
	ttl, _, err := dbformat.DecodeValue(value)
	return err == nil && dbformat.Expired(ttl, j.opts.Now)
}

func (j *Job) add(ikey, value []byte) error {
	if j.current == nil {
		w, err := table.CreateFile(j.opts.FS, j.opts.Dir, j.c.OutputLevel, j.opts.NewFileID(), j.opts.Builder)
		if err != nil {
			return err
		}
		j.current = w
	}
	return j.current.Add(ikey, value)
}

func (j *Job) finishOutput() error {
	w := j.current
	j.current = nil
	f, err := w.Finish()
	if err != nil {
		return err
	}
	j.outputs = append(j.outputs, f)
	j.stats.OutputFiles++
	j.stats.OutputEntries += f.NumEntries
	j.stats.OutputBytes += f.Size
	return nil
}
