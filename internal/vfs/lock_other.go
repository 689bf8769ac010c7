//go:build !unix

package vfs

import (
	"io"
	"math"
	"os"
	"sync"
)

// Without flock, locks are process-local: a set of held lock paths.
var (
	heldMu sync.Mutex
	held   = map[string]bool{}
)

type fileLock struct {
	name string
	f    *os.File
}

func lockFile(name string) (io.Closer, error) {
	heldMu.Lock()
	defer heldMu.Unlock()
	if held[name] {
		return nil, &os.PathError{Op: "lock", Path: name, Err: os.ErrExist}
	}
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	held[name] = true
	return &fileLock{name: name, f: f}, nil
}

func (l *fileLock) Close() error {
	heldMu.Lock()
	delete(held, l.name)
	heldMu.Unlock()
	return l.f.Close()
}

// freeSpace is not measured on these platforms.
func freeSpace(string) (uint64, error) {
	return math.MaxUint64, nil
}
