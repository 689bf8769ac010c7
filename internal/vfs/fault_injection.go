package vfs

import (
	"io"
	"os"
	"sync"
)

// FaultInjectionFS wraps an FS and injects write, read and sync failures.
// It tracks the synced length of every file it created so a crash can be
// simulated with DropUnsyncedData.
type FaultInjectionFS struct {
	base FS

	mu        sync.RWMutex
	files     map[string]*fileState
	active    bool
	failWrite func(path string) bool
	failRead  func(path string) bool
	failSync  bool
	freeSpace *uint64
}

type fileState struct {
	pos       int64
	syncedPos int64
}

// NewFaultInjectionFS wraps base.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:   base,
		files:  make(map[string]*fileState),
		active: true,
	}
}

// SetFilesystemActive makes every write and create fail while inactive.
func (fs *FaultInjectionFS) SetFilesystemActive(active bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.active = active
}

// FailWrites makes writes and creates fail for paths matching match.
func (fs *FaultInjectionFS) FailWrites(match func(path string) bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failWrite = match
}

// FailReads makes opens and reads fail for paths matching match.
func (fs *FaultInjectionFS) FailReads(match func(path string) bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failRead = match
}

// FailSyncs makes every Sync fail.
func (fs *FaultInjectionFS) FailSyncs(fail bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failSync = fail
}

// SetFreeSpace overrides the reported free space.
func (fs *FaultInjectionFS) SetFreeSpace(n uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.freeSpace = &n
}

// ClearErrors removes every injected failure.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.active = true
	fs.failWrite = nil
	fs.failRead = nil
	fs.failSync = false
	fs.freeSpace = nil
}

// DropUnsyncedData truncates every tracked file to its last synced length.
func (fs *FaultInjectionFS) DropUnsyncedData() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for path, st := range fs.files {
		if st.syncedPos >= st.pos {
			continue
		}
		if err := os.Truncate(path, st.syncedPos); err != nil && !os.IsNotExist(err) {
			return err
		}
		st.pos = st.syncedPos
	}
	return nil
}

// SyncedSize returns the synced and written lengths of a tracked file.
func (fs *FaultInjectionFS) SyncedSize(path string) (synced, written int64, ok bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	st, ok := fs.files[path]
	if !ok {
		return 0, 0, false
	}
	return st.syncedPos, st.pos, true
}

func (fs *FaultInjectionFS) writeFails(path string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return !fs.active || (fs.failWrite != nil && fs.failWrite(path))
}

func (fs *FaultInjectionFS) readFails(path string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.failRead != nil && fs.failRead(path)
}

// Create implements FS.
func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	if fs.writeFails(name) {
		return nil, &os.PathError{Op: "create", Path: name, Err: ErrInjected}
	}
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	fs.files[name] = &fileState{}
	fs.mu.Unlock()
	return &faultWritableFile{base: f, fs: fs, path: name}, nil
}

// Open implements FS.
func (fs *FaultInjectionFS) Open(name string) (SequentialFile, error) {
	if fs.readFails(name) {
		return nil, &os.PathError{Op: "open", Path: name, Err: ErrInjected}
	}
	return fs.base.Open(name)
}

// OpenRandomAccess implements FS.
func (fs *FaultInjectionFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	if fs.readFails(name) {
		return nil, &os.PathError{Op: "open", Path: name, Err: ErrInjected}
	}
	f, err := fs.base.OpenRandomAccess(name)
	if err != nil {
		return nil, err
	}
	return &faultRandomAccessFile{RandomAccessFile: f, fs: fs, path: name}, nil
}

// Rename implements FS. Sync state follows the file.
func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	if fs.writeFails(newname) {
		return &os.PathError{Op: "rename", Path: newname, Err: ErrInjected}
	}
	if err := fs.base.Rename(oldname, newname); err != nil {
		return err
	}
	fs.mu.Lock()
	if st, ok := fs.files[oldname]; ok {
		delete(fs.files, oldname)
		fs.files[newname] = st
	}
	fs.mu.Unlock()
	return nil
}

// Remove implements FS.
func (fs *FaultInjectionFS) Remove(name string) error {
	if err := fs.base.Remove(name); err != nil {
		return err
	}
	fs.mu.Lock()
	delete(fs.files, name)
	fs.mu.Unlock()
	return nil
}

// RemoveAll implements FS.
func (fs *FaultInjectionFS) RemoveAll(path string) error { return fs.base.RemoveAll(path) }

// MkdirAll implements FS.
func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	if fs.writeFails(path) {
		return &os.PathError{Op: "mkdir", Path: path, Err: ErrInjected}
	}
	return fs.base.MkdirAll(path, perm)
}

// Stat implements FS.
func (fs *FaultInjectionFS) Stat(name string) (os.FileInfo, error) { return fs.base.Stat(name) }

// Exists implements FS.
func (fs *FaultInjectionFS) Exists(name string) bool { return fs.base.Exists(name) }

// ListDir implements FS.
func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) { return fs.base.ListDir(path) }

// Link implements FS.
func (fs *FaultInjectionFS) Link(oldname, newname string) error {
	if fs.writeFails(newname) {
		return &os.PathError{Op: "link", Path: newname, Err: ErrInjected}
	}
	return fs.base.Link(oldname, newname)
}

// Lock implements FS.
func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error) { return fs.base.Lock(name) }

// SyncDir implements FS.
func (fs *FaultInjectionFS) SyncDir(path string) error { return fs.base.SyncDir(path) }

// FreeSpace implements FS.
func (fs *FaultInjectionFS) FreeSpace(path string) (uint64, error) {
	fs.mu.RLock()
	override := fs.freeSpace
	fs.mu.RUnlock()
	if override != nil {
		return *override, nil
	}
	return fs.base.FreeSpace(path)
}

type faultWritableFile struct {
	base WritableFile
	fs   *FaultInjectionFS
	path string
}

func (f *faultWritableFile) Write(p []byte) (int, error) {
	if f.fs.writeFails(f.path) {
		return 0, &os.PathError{Op: "write", Path: f.path, Err: ErrInjected}
	}
	n, err := f.base.Write(p)
	f.fs.mu.Lock()
	if st, ok := f.fs.files[f.path]; ok {
		st.pos += int64(n)
	}
	f.fs.mu.Unlock()
	return n, err
}

func (f *faultWritableFile) Sync() error {
	f.fs.mu.RLock()
	fail := f.fs.failSync
	f.fs.mu.RUnlock()
	if fail {
		return &os.PathError{Op: "sync", Path: f.path, Err: ErrInjected}
	}
	if err := f.base.Sync(); err != nil {
		return err
	}
	f.fs.mu.Lock()
	if st, ok := f.fs.files[f.path]; ok {
		st.syncedPos = st.pos
	}
	f.fs.mu.Unlock()
	return nil
}

func (f *faultWritableFile) Close() error { return f.base.Close() }
func (f *faultWritableFile) Size() int64  { return f.base.Size() }

type faultRandomAccessFile struct {
	RandomAccessFile
	fs   *FaultInjectionFS
	path string
}

func (f *faultRandomAccessFile) ReadAt(p []byte, off int64) (int, error) {
	if f.fs.readFails(f.path) {
		return 0, &os.PathError{Op: "read", Path: f.path, Err: ErrInjected}
	}
	return f.RandomAccessFile.ReadAt(p, off)
}
