// Package vfs is the filesystem layer used by the engine.
//
// Everything that touches disk (WALs, tables, config files, checkpoints) goes
// through FS so tests can substitute a FaultInjectionFS.
package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

var (
	// ErrInjected is returned by FaultInjectionFS for injected failures.
	ErrInjected = errors.New("vfs: injected fault")
	// ErrNoSpace is returned by CheckFreeSpace.
	ErrNoSpace = errors.New("vfs: insufficient disk space")
)

// FS is the filesystem interface.
type FS interface {
	// Create creates or truncates a file for writing.
	Create(name string) (WritableFile, error)

	// Open opens a file for sequential reading.
	Open(name string) (SequentialFile, error)

	// OpenRandomAccess opens a file for positional reads.
	OpenRandomAccess(name string) (RandomAccessFile, error)

	Rename(oldname, newname string) error
	Remove(name string) error
	RemoveAll(path string) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
	Exists(name string) bool

	// ListDir returns the sorted entry names of a directory.
	ListDir(path string) ([]string, error)

	// Link creates newname as a hard link to oldname.
	Link(oldname, newname string) error

	// Lock takes an exclusive advisory lock on name, creating it if needed.
	// Closing the returned value releases the lock.
	Lock(name string) (io.Closer, error)

	// SyncDir fsyncs a directory so renames and creates in it are durable.
	SyncDir(path string) error

	// FreeSpace returns the bytes available to unprivileged users on the
	// filesystem holding path.
	FreeSpace(path string) (uint64, error)
}

// WritableFile is a file opened for appending.
type WritableFile interface {
	io.Writer
	io.Closer

	// Sync flushes written data to stable storage.
	Sync() error

	// Size returns the number of bytes written so far.
	Size() int64
}

// SequentialFile is a file opened for streaming reads.
type SequentialFile interface {
	io.Reader
	io.Closer
}

// RandomAccessFile is a file opened for positional reads.
type RandomAccessFile interface {
	io.ReaderAt
	io.Closer

	// Size returns the file size at open time.
	Size() int64
}

type osFS struct{}

// Default returns the OS-backed filesystem.
func Default() FS {
	return osFS{}
}

func (osFS) Create(name string) (WritableFile, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return &osWritableFile{f: f}, nil
}

func (osFS) Open(name string) (SequentialFile, error) {
	return os.Open(name)
}

func (osFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &osRandomAccessFile{f: f, size: info.Size()}, nil
}

func (osFS) Rename(oldname, newname string) error { return os.Rename(oldname, newname) }
func (osFS) Remove(name string) error             { return os.Remove(name) }
func (osFS) RemoveAll(path string) error          { return os.RemoveAll(path) }

func (osFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (osFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

func (osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (osFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)
	return names, nil
}

func (osFS) Link(oldname, newname string) error { return os.Link(oldname, newname) }

func (osFS) Lock(name string) (io.Closer, error) { return lockFile(name) }

func (osFS) SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	syncErr := dir.Sync()
	closeErr := dir.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

func (osFS) FreeSpace(path string) (uint64, error) { return freeSpace(path) }

type osWritableFile struct {
	f    *os.File
	size int64
}

func (wf *osWritableFile) Write(p []byte) (int, error) {
	n, err := wf.f.Write(p)
	wf.size += int64(n)
	return n, err
}

func (wf *osWritableFile) Close() error { return wf.f.Close() }
func (wf *osWritableFile) Sync() error  { return wf.f.Sync() }
func (wf *osWritableFile) Size() int64  { return wf.size }

type osRandomAccessFile struct {
	f    *os.File
	size int64
}

func (rf *osRandomAccessFile) ReadAt(p []byte, off int64) (int, error) { return rf.f.ReadAt(p, off) }
func (rf *osRandomAccessFile) Close() error                            { return rf.f.Close() }
func (rf *osRandomAccessFile) Size() int64                             { return rf.size }

// CopyFile copies src to dst through fs and syncs dst.
func CopyFile(fs FS, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// LinkOrCopy hard-links src to dst, falling back to a copy when linking fails
// (for example across devices).
func LinkOrCopy(fs FS, src, dst string) (linked bool, err error) {
	if err := fs.Link(src, dst); err == nil {
		return true, nil
	}
	return false, CopyFile(fs, src, dst)
}

// IsEmptyDir reports whether path is missing or an empty directory.
// A path naming a regular file is reported as not empty.
func IsEmptyDir(fs FS, path string) (bool, error) {
	info, err := fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}
	names, err := fs.ListDir(path)
	if err != nil {
		return false, err
	}
	return len(names) == 0, nil
}

// WriteFileAtomic writes data to a temp file next to name, syncs it, and
// renames it into place.
func WriteFileAtomic(fs FS, name string, data []byte) error {
	tmp := name + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	if err := fs.Rename(tmp, name); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return fs.SyncDir(filepath.Dir(name))
}

// ReadFile reads a whole file through fs.
func ReadFile(fs FS, name string) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// CheckFreeSpace fails with ErrNoSpace when the filesystem holding path has
// less than need bytes available. A zero need disables the check, and a
// filesystem that cannot report free space passes.
func CheckFreeSpace(fs FS, path string, need uint64) error {
	if need == 0 {
		return nil
	}
	free, err := fs.FreeSpace(path)
	if err != nil {
		return nil
	}
	if free < need {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrNoSpace, free, need)
	}
	return nil
}
