package logging

import (
	"os"
	"sync"
)

// TruncatingFile is an io.Writer over a log file that empties the file once it
// grows past a size limit. A zero limit never truncates.
type TruncatingFile struct {
	mu    sync.Mutex
	f     *os.File
	size  int64
	limit int64
}

// OpenTruncatingFile opens (or creates) path for appending.
func OpenTruncatingFile(path string, limit int64) (*TruncatingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &TruncatingFile{f: f, size: st.Size(), limit: limit}, nil
}

// Write appends p, truncating the file first when p would push it past the limit.
func (t *TruncatingFile) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return 0, os.ErrClosed
	}
	if t.limit > 0 && t.size+int64(len(p)) > t.limit {
		if err := t.f.Truncate(0); err != nil {
			return 0, err
		}
		t.size = 0
	}
	n, err := t.f.Write(p)
	t.size += int64(n)
	return n, err
}

// Size returns the current file size.
func (t *TruncatingFile) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Close syncs and closes the file.
func (t *TruncatingFile) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	_ = t.f.Sync()
	err := t.f.Close()
	t.f = nil
	return err
}
