package wal

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/aalhour/tidekv/internal/logging"
	"github.com/aalhour/tidekv/internal/vfs"
)

// SyncMode controls when appended records reach stable storage.
type SyncMode int

const (
	// SyncNone leaves syncing to the operating system.
	SyncNone SyncMode = iota
	// SyncFull syncs after every append.
	SyncFull
	// SyncInterval syncs dirty logs from a background Syncer.
	SyncInterval
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncFull:
		return "full"
	case SyncInterval:
		return "interval"
	}
	return "unknown"
}

// ErrClosed is returned by Append on a closed log.
var ErrClosed = errors.New("wal: log closed")

// Log is an open, appendable WAL file.
type Log struct {
	id   uint64
	path string
	fs   vfs.FS

	mu     sync.Mutex
	file   vfs.WritableFile
	w      *Writer
	mode   SyncMode
	dirty  bool
	closed bool
}

// Create creates log id in dir.
func Create(fs vfs.FS, dir string, id uint64, mode SyncMode) (*Log, error) {
	path := filepath.Join(dir, FileName(id))
	f, err := fs.Create(path)
	if err != nil {
		return nil, err
	}
	return &Log{id: id, path: path, fs: fs, file: f, w: NewWriter(f), mode: mode}, nil
}

// ID returns the log id.
func (l *Log) ID() uint64 { return l.id }

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// SetSyncMode changes the sync mode of later appends.
func (l *Log) SetSyncMode(mode SyncMode) {
	l.mu.Lock()
	l.mode = mode
	l.mu.Unlock()
}

// Append writes one record, syncing it first in SyncFull mode.
func (l *Log) Append(rec []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, err := l.w.AddRecord(rec); err != nil {
		return err
	}
	if l.mode == SyncFull {
		return l.file.Sync()
	}
	l.dirty = true
	return nil
}

// Sync flushes the log to stable storage if anything was appended since the
// last sync.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.dirty {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.dirty = false
	return nil
}

// Size returns the bytes written.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Size()
}

// Close syncs and closes the log file. It is idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var syncErr error
	if l.dirty && l.mode != SyncNone {
		syncErr = l.file.Sync()
	}
	return errors.Join(syncErr, l.file.Close())
}

// Remove closes and deletes the log file.
func (l *Log) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	return l.fs.Remove(l.path)
}

// midLog reports whether more than a block of data follows offset, which
// a torn final write cannot produce.
func midLog(fs vfs.FS, path string, offset int64) bool {
	info, err := fs.Stat(path)
	return err == nil && info.Size()-offset > BlockSize
}

// Replay reads every intact record of the log at path and passes it to fn.
// A damaged tail ends the replay without error and is reported through
// logger. A checksum failure followed by more than a block of data is
// returned as ErrCorruptedRecord. fn must copy rec if it retains it.
func Replay(fs vfs.FS, path string, logger logging.Logger, fn func(rec []byte) error) (int, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	r := NewReader(f)
	n := 0
	for {
		rec, err := r.ReadRecord()
		switch {
		case errors.Is(err, io.EOF):
			return n, nil
		case errors.Is(err, ErrCorruptedRecord) && midLog(fs, path, r.LastRecordEnd()):
			return n, fmt.Errorf("%s: %w at offset %d followed by intact blocks", path, err, r.LastRecordEnd())
		case errors.Is(err, ErrTruncatedRecord), errors.Is(err, ErrCorruptedRecord):
			logger.Warnf("%s%s: %v after %d records at offset %d, ignoring tail",
				logging.NSWAL, path, err, n, r.LastRecordEnd())
			return n, nil
		case err != nil:
			return n, err
		}
		if err := fn(rec); err != nil {
			return n, err
		}
		n++
	}
}

// Syncer periodically syncs registered logs.
type Syncer struct {
	interval time.Duration
	logger   logging.Logger

	mu   sync.Mutex
	logs map[*Log]struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSyncer starts a syncer goroutine. Stop must be called to release it.
func NewSyncer(interval time.Duration, logger logging.Logger) *Syncer {
	if interval <= 0 {
		interval = 128 * time.Millisecond
	}
	s := &Syncer{
		interval: interval,
		logger:   logging.OrDefault(logger),
		logs:     make(map[*Log]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Register adds l to the sync set.
func (s *Syncer) Register(l *Log) {
	s.mu.Lock()
	s.logs[l] = struct{}{}
	s.mu.Unlock()
}

// Unregister removes l from the sync set.
func (s *Syncer) Unregister(l *Log) {
	s.mu.Lock()
	delete(s.logs, l)
	s.mu.Unlock()
}

// SyncAll syncs every registered log once.
func (s *Syncer) SyncAll() {
	s.mu.Lock()
	logs := make([]*Log, 0, len(s.logs))
	for l := range s.logs {
		logs = append(logs, l)
	}
	s.mu.Unlock()

	for _, l := range logs {
		if err := l.Sync(); err != nil {
			s.logger.Errorf("%ssync %s: %v", logging.NSWAL, l.Path(), err)
		}
	}
}

// Stop performs a final sync and stops the goroutine.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.SyncAll()
	})
}

func (s *Syncer) run() {
	defer close(s.done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.SyncAll()
		}
	}
}
