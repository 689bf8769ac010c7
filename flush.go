package tidekv

// flush.go implements memtable flushing.
//
// Flushes of one column family run one at a time on the engine flush pool,
// oldest immutable memtable first. A flush writes an L0 table, installs it
// with a version edit that advances the log number, retires the memtable
// and deletes its WALs.

import (
	"errors"
	"time"

	"github.com/aalhour/tidekv/internal/flush"
	"github.com/aalhour/tidekv/internal/logging"
	"github.com/aalhour/tidekv/internal/manifest"
)

// FlushMemtable makes the active memtable immutable, if it holds
// anything, and waits until every immutable memtable is flushed.
func (cf *ColumnFamily) FlushMemtable() error {
	const op = "flush memtable"
	if err := cf.checkUsable(op); err != nil {
		return err
	}
	cf.commitMu.Lock()
	var err error
	cf.mu.RLock()
	empty := cf.active.mem.Empty()
	cf.mu.RUnlock()
	if !empty {
		err = cf.rotateLocked()
	}
	cf.commitMu.Unlock()
	if err != nil {
		return wrapErr(op, err)
	}
	cf.scheduleFlush()
	return wrapErr(op, cf.waitFlush())
}

// requestFlush rotates a non-empty active memtable and schedules its
// flush without waiting for it.
func (cf *ColumnFamily) requestFlush() {
	if cf.closed.Load() || cf.dropped.Load() {
		return
	}
	cf.commitMu.Lock()
	cf.mu.RLock()
	empty := cf.active.mem.Empty()
	cf.mu.RUnlock()
	var err error
	if !empty {
		err = cf.rotateLocked()
	}
	cf.commitMu.Unlock()
	if err != nil {
		cf.logger.Errorf("%s%s: rotate memtable: %v", logging.NSFlush, cf.Name(), err)
		return
	}
	cf.scheduleFlush()
}

// activeMemory returns the memory of the active memtable.
func (cf *ColumnFamily) activeMemory() uint64 {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return uint64(cf.active.mem.ApproximateMemoryUsage())
}

// memtableMemory returns the memory of the active and immutable memtables.
func (cf *ColumnFamily) memtableMemory() uint64 {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	total := uint64(cf.active.mem.ApproximateMemoryUsage())
	for _, h := range cf.imm {
		total += uint64(h.mem.ApproximateMemoryUsage())
	}
	return total
}

// IsFlushing reports whether a flush is queued or running.
func (cf *ColumnFamily) IsFlushing() bool {
	cf.flushMu.Lock()
	defer cf.flushMu.Unlock()
	return cf.flushing || cf.numImmutable() > 0
}

func (cf *ColumnFamily) numImmutable() int {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return len(cf.imm)
}

func (cf *ColumnFamily) oldestImmutable() *memHandle {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	if len(cf.imm) == 0 {
		return nil
	}
	return cf.imm[0]
}

// scheduleFlush starts the flush loop unless it is already running.
func (cf *ColumnFamily) scheduleFlush() {
	cf.flushMu.Lock()
	defer cf.flushMu.Unlock()
	if cf.flushing || cf.closed.Load() {
		return
	}
	cf.flushing = true
	cf.flushErr = nil
	cf.tasks.add()
	if !cf.db.flushPool.Submit(cf.flushLoop) {
		cf.flushing = false
		cf.tasks.done()
	}
}

// waitFlush blocks until no immutable memtable remains, returning the
// error of a failed flush.
func (cf *ColumnFamily) waitFlush() error {
	cf.flushMu.Lock()
	defer cf.flushMu.Unlock()
	for cf.numImmutable() > 0 {
		if !cf.flushing {
			if cf.flushErr != nil {
				return cf.flushErr
			}
			return errorf(CodeInvalidDB, "flush memtable", "column family closed")
		}
		cf.flushCond.Wait()
	}
	return nil
}

// waitFlushIdle blocks until no flush is running.
func (cf *ColumnFamily) waitFlushIdle() {
	cf.flushMu.Lock()
	defer cf.flushMu.Unlock()
	for cf.flushing {
		cf.flushCond.Wait()
	}
}

func (cf *ColumnFamily) flushLoop() {
	defer cf.tasks.done()
	for {
		cf.flushMu.Lock()
		h := cf.oldestImmutable()
		if h == nil || cf.closed.Load() {
			cf.flushing = false
			cf.flushCond.Broadcast()
			cf.flushMu.Unlock()
			return
		}
		cf.flushMu.Unlock()

		err := cf.flushOne(h)
		cf.flushMu.Lock()
		if err != nil {
			cf.logger.Errorf("%s%s: flush memtable %d: %v", logging.NSFlush, cf.Name(), h.mem.ID(), err)
			cf.flushErr = wrapErr("flush memtable", err)
			cf.flushing = false
			cf.flushCond.Broadcast()
			cf.flushMu.Unlock()
			return
		}
		cf.flushCond.Broadcast()
		cf.flushMu.Unlock()
	}
}

// flushOne writes h to an L0 table and retires it.
func (cf *ColumnFamily) flushOne(h *memHandle) error {
	start := time.Now()
	cfg := cf.cfg.Load()
	dir := cf.Dir()
	id := cf.vs.NextFileID()
	meta, err := flush.NewJob(h.mem, id, flush.Options{
		FS:           cf.db.fs,
		Dir:          dir,
		Builder:      cf.builderOptions(),
		MinDiskSpace: cfg.MinDiskSpace,
		Logger:       cf.logger,
	}).Run()
	if err != nil && !errors.Is(err, flush.ErrNoOutput) {
		return err
	}

	edit := &manifest.VersionEdit{}
	if meta != nil {
		edit.AddFile(meta)
	}
	cf.mu.RLock()
	next := cf.active
	if len(cf.imm) > 1 {
		next = cf.imm[1]
	}
	cf.mu.RUnlock()
	edit.SetLogNumber(next.firstLog())

	if err := cf.vs.LogAndApply(edit); err != nil {
		if meta != nil {
			cf.onObsolete(meta)
		}
		return err
	}

	cf.mu.Lock()
	if len(cf.imm) > 0 && cf.imm[0] == h {
		cf.imm[0] = nil
		cf.imm = cf.imm[1:]
	}
	cf.mu.Unlock()
	cf.removeLogs(h)
	cf.refreshL0()

	if meta != nil {
		cf.logger.Infof("%s%s: flushed memtable %d to table %d (%d entries, %d bytes) in %v",
			logging.NSFlush, cf.Name(), h.mem.ID(), meta.ID, meta.NumEntries, meta.Size, time.Since(start).Round(time.Millisecond))
	}
	cf.maybeScheduleCompaction()
	return nil
}
