package version

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/logging"
	"github.com/aalhour/tidekv/internal/manifest"
	"github.com/aalhour/tidekv/internal/vfs"
	"github.com/aalhour/tidekv/internal/wal"
)

// ManifestFileName is the base name of a column family's manifest.
const ManifestFileName = "MANIFEST"

// Errors returned by VersionSet operations.
var (
	ErrCorruption         = errors.New("version: corruption")
	ErrComparatorMismatch = errors.New("version: comparator mismatch")
	ErrClosed             = errors.New("version: version set closed")
)

// Options configures a VersionSet.
type Options struct {
	Dir        string
	FS         vfs.FS
	Comparator dbformat.Comparator
	// MinLevels is the initial level count.
	MinLevels int
	Logger    logging.Logger
	// OnObsolete runs when the last version listing a table is released.
	// It may run on any goroutine.
	OnObsolete func(*manifest.FileMeta)
}

// VersionSet owns the current version of a column family and its MANIFEST.
type VersionSet struct {
	mu   sync.Mutex
	opts Options
	icmp dbformat.InternalComparator

	current   *Version
	versionNo uint64
	live      atomic.Int64

	nextFileID atomic.Uint64
	lastSeq    atomic.Uint64
	logNumber  uint64

	file   vfs.WritableFile
	writer *wal.Writer
	closed atomic.Bool
}

// Open recovers the version set from dir's MANIFEST, or starts an empty
// one, and rewrites the MANIFEST as a single snapshot record.
func Open(opts Options) (*VersionSet, error) {
	if opts.Comparator == nil {
		opts.Comparator = dbformat.Bytewise
	}
	if opts.MinLevels < 1 {
		opts.MinLevels = 1
	}
	opts.Logger = logging.OrDefault(opts.Logger)
	vs := &VersionSet{
		opts: opts,
		icmp: dbformat.NewInternalComparator(opts.Comparator),
	}
	vs.nextFileID.Store(1)

	path := filepath.Join(opts.Dir, ManifestFileName)
	b := NewBuilder(vs, nil)
	b.numLevels = opts.MinLevels
	if opts.FS.Exists(path) {
		if err := vs.replay(path, b); err != nil {
			return nil, err
		}
	}
	vs.current = b.SaveTo(vs)
	vs.current.Ref()
	if err := vs.rewrite(); err != nil {
		return nil, err
	}
	return vs, nil
}

func (vs *VersionSet) replay(path string, b *Builder) error {
	f, err := vs.opts.FS.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	r := wal.NewReader(bytes.NewReader(data))
	records := 0
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, wal.ErrTruncatedRecord) {
			// An edit torn by a crash was never acknowledged.
			vs.opts.Logger.Warnf("%s%s: torn edit after %d records, ignoring", logging.NSRecovery, path, records)
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
		}
		var edit manifest.VersionEdit
		if err := edit.DecodeFrom(rec); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
		}
		if edit.HasComparator && edit.Comparator != vs.opts.Comparator.Name() {
			return fmt.Errorf("%w: manifest uses %q, opening with %q",
				ErrComparatorMismatch, edit.Comparator, vs.opts.Comparator.Name())
		}
		b.Apply(&edit)
		if edit.HasLogNumber {
			vs.logNumber = edit.LogNumber
		}
		if edit.HasNextFileID && edit.NextFileID > 0 {
			vs.MarkFileIDUsed(edit.NextFileID - 1)
		}
		if edit.HasLastSequence {
			vs.SetLastSequence(edit.LastSequence)
		}
		for _, nf := range edit.NewFiles {
			vs.MarkFileIDUsed(nf.ID)
			if nf.MaxSeq > vs.LastSequence() {
				vs.SetLastSequence(nf.MaxSeq)
			}
		}
		records++
	}
	vs.opts.Logger.Debugf("%s%s: replayed %d edits", logging.NSRecovery, path, records)
	return nil
}

// snapshotEdit describes v and the counters as one edit.
func (vs *VersionSet) snapshotEdit(v *Version) *manifest.VersionEdit {
	edit := &manifest.VersionEdit{}
	edit.SetComparatorName(vs.opts.Comparator.Name())
	edit.SetLogNumber(vs.logNumber)
	edit.SetNextFileID(vs.nextFileID.Load())
	edit.SetLastSequence(vs.LastSequence())
	edit.SetNumLevels(v.NumLevels())
	v.AllFiles(edit.AddFile)
	return edit
}

// rewrite replaces the MANIFEST with a snapshot of the current version and
// keeps the new file open for appends.
func (vs *VersionSet) rewrite() error {
	tmp := filepath.Join(vs.opts.Dir, ManifestFileName+".tmp")
	f, err := vs.opts.FS.Create(tmp)
	if err != nil {
		return err
	}
	w := wal.NewWriter(f)
	if _, err := w.AddRecord(vs.snapshotEdit(vs.current).EncodeTo(nil)); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := vs.opts.FS.Rename(tmp, filepath.Join(vs.opts.Dir, ManifestFileName)); err != nil {
		_ = f.Close()
		return err
	}
	if err := vs.opts.FS.SyncDir(vs.opts.Dir); err != nil {
		_ = f.Close()
		return err
	}
	if vs.file != nil {
		_ = vs.file.Close()
	}
	vs.file, vs.writer = f, w
	return nil
}

// WriteManifest writes a standalone MANIFEST for v into dir. Checkpoints
// and clones use it to describe the tables they copied.
func (vs *VersionSet) WriteManifest(fs vfs.FS, dir string, v *Version) error {
	vs.mu.Lock()
	edit := vs.snapshotEdit(v)
	vs.mu.Unlock()
	var buf bytes.Buffer
	if _, err := wal.NewWriter(&buf).AddRecord(edit.EncodeTo(nil)); err != nil {
		return err
	}
	return vfs.WriteFileAtomic(fs, filepath.Join(dir, ManifestFileName), buf.Bytes())
}

func (vs *VersionSet) newVersion(numLevels int) *Version {
	vs.versionNo++
	vs.live.Add(1)
	return &Version{
		files:  make([][]*manifest.FileMeta, numLevels),
		icmp:   vs.icmp,
		vset:   vs,
		number: vs.versionNo,
	}
}

func (vs *VersionSet) obsolete(f *manifest.FileMeta) {
	if vs.closed.Load() || vs.opts.OnObsolete == nil {
		return
	}
	vs.opts.OnObsolete(f)
}

// LogAndApply records edit in the MANIFEST and installs the resulting
// version. On error the current version is unchanged.
func (vs *VersionSet) LogAndApply(edit *manifest.VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.closed.Load() {
		return ErrClosed
	}
	if edit.HasLogNumber && edit.LogNumber < vs.logNumber {
		edit.SetLogNumber(vs.logNumber)
	}
	b := NewBuilder(vs, vs.current)
	b.Apply(edit)
	if b.NumLevels() > vs.current.NumLevels() {
		edit.SetNumLevels(b.NumLevels())
	}
	edit.SetNextFileID(vs.nextFileID.Load())
	edit.SetLastSequence(vs.LastSequence())

	if _, err := vs.writer.AddRecord(edit.EncodeTo(nil)); err != nil {
		return fmt.Errorf("append manifest: %w", err)
	}
	if err := vs.file.Sync(); err != nil {
		return fmt.Errorf("sync manifest: %w", err)
	}
	next := b.SaveTo(vs)
	next.Ref()
	prev := vs.current
	vs.current = next
	if edit.HasLogNumber {
		vs.logNumber = edit.LogNumber
	}
	prev.Unref()
	return nil
}

// Current returns the current version with a reference the caller drops
// with Unref.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.current.Ref()
	return vs.current
}

// NumLevels returns the level count of the current version.
func (vs *VersionSet) NumLevels() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.current.NumLevels()
}

// LiveVersions returns the number of versions not yet released.
func (vs *VersionSet) LiveVersions() int64 { return vs.live.Load() }

// NextFileID allocates a table or log id.
func (vs *VersionSet) NextFileID() uint64 { return vs.nextFileID.Add(1) - 1 }

// MarkFileIDUsed makes sure id is never allocated again.
func (vs *VersionSet) MarkFileIDUsed(id uint64) {
	for {
		cur := vs.nextFileID.Load()
		if cur > id || vs.nextFileID.CompareAndSwap(cur, id+1) {
			return
		}
	}
}

// LastSequence returns the last sequence recorded.
func (vs *VersionSet) LastSequence() uint64 { return vs.lastSeq.Load() }

// SetLastSequence raises the last sequence to seq.
func (vs *VersionSet) SetLastSequence(seq uint64) {
	for {
		cur := vs.lastSeq.Load()
		if cur >= seq || vs.lastSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// LogNumber returns the oldest WAL id not yet reflected in tables.
func (vs *VersionSet) LogNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logNumber
}

// Close closes the MANIFEST. Releasing versions afterwards no longer
// reports tables as obsolete.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.closed.Swap(true) {
		return nil
	}
	if vs.file == nil {
		return nil
	}
	return vs.file.Close()
}
