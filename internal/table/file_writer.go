package table

import (
	"path/filepath"

	"github.com/aalhour/tidekv/internal/manifest"
	"github.com/aalhour/tidekv/internal/vfs"
)

// FileWriter builds one table under a temporary name and renames it into
// place on Finish.
type FileWriter struct {
	fs    vfs.FS
	dir   string
	tmp   string
	path  string
	level int
	id    uint64
	file  vfs.WritableFile
	b     *Builder
}

// CreateFile starts table id at level in dir.
func CreateFile(fs vfs.FS, dir string, level int, id uint64, opts BuilderOptions) (*FileWriter, error) {
	path := filepath.Join(dir, FileName(level, id))
	tmp := path + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return nil, err
	}
	return &FileWriter{
		fs:    fs,
		dir:   dir,
		tmp:   tmp,
		path:  path,
		level: level,
		id:    id,
		file:  f,
		b:     NewBuilder(f, opts),
	}, nil
}

// ID returns the table id.
func (w *FileWriter) ID() uint64 { return w.id }

// Path returns the final path of the table.
func (w *FileWriter) Path() string { return w.path }

// Add appends one entry.
func (w *FileWriter) Add(ikey, value []byte) error { return w.b.Add(ikey, value) }

// NumEntries returns the entries added so far.
func (w *FileWriter) NumEntries() uint64 { return w.b.NumEntries() }

// EstimatedSize returns the approximate file size so far.
func (w *FileWriter) EstimatedSize() uint64 { return w.b.EstimatedSize() }

// Finish completes the table, syncs it and renames it into place. The
// directory itself is not synced.
func (w *FileWriter) Finish() (*manifest.FileMeta, error) {
	props, err := w.b.Finish()
	if err != nil {
		w.Abandon()
		return nil, err
	}
	size := w.b.FileSize()
	if err := w.file.Sync(); err != nil {
		w.Abandon()
		return nil, err
	}
	if err := w.file.Close(); err != nil {
		_ = w.fs.Remove(w.tmp)
		return nil, err
	}
	if err := w.fs.Rename(w.tmp, w.path); err != nil {
		_ = w.fs.Remove(w.tmp)
		return nil, err
	}
	return props.FileMeta(w.level, w.id, size), nil
}

// Abandon discards the partial table.
func (w *FileWriter) Abandon() {
	w.b.Abandon()
	_ = w.file.Close()
	_ = w.fs.Remove(w.tmp)
}

// FileMeta describes a finished table for the MANIFEST.
func (p *Properties) FileMeta(level int, id, size uint64) *manifest.FileMeta {
	return &manifest.FileMeta{
		ID:           id,
		Level:        level,
		Size:         size,
		Smallest:     append([]byte(nil), p.SmallestKey...),
		Largest:      append([]byte(nil), p.LargestKey...),
		NumEntries:   p.NumEntries,
		NumDeletions: p.NumDeletions,
		RawKeySize:   p.RawKeySize,
		RawValueSize: p.RawValueSize,
		MinSeq:       p.MinSeq,
		MaxSeq:       p.MaxSeq,
		BTreeNodes:   p.BTreeNodes,
		BTreeHeight:  p.BTreeHeight,
	}
}
