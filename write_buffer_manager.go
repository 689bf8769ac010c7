package tidekv

// write_buffer_manager.go implements the engine-wide memtable memory cap.
//
// Every commit is admitted against Config.MaxMemtableMemory before it takes
// any lock. At 7/8 of the cap the largest active memtable is rotated so its
// flush can start early. A commit that would push usage past the cap waits
// for flushes, and fails with ErrMemoryLimit once MemoryStallTimeout passes
// or when its write-set alone exceeds the cap.

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aalhour/tidekv/internal/logging"
)

// WriteBufferStats reports memtable memory use across column families.
type WriteBufferStats struct {
	Limit    uint64 // configured cap, 0 when disabled
	Usage    uint64 // memory of all active and immutable memtables
	Peak     uint64 // highest usage observed at admission
	Stalls   uint64 // commits that waited for memory
	Rejected uint64 // commits failed with ErrMemoryLimit
}

type writeBufferManager struct {
	db      *DB
	limit   uint64
	timeout time.Duration

	peak     atomic.Uint64
	stalls   atomic.Uint64
	rejected atomic.Uint64
}

func newWriteBufferManager(db *DB) *writeBufferManager {
	return &writeBufferManager{
		db:      db,
		limit:   uint64(db.cfg.MaxMemtableMemory),
		timeout: db.cfg.MemoryStallTimeout,
	}
}

func (m *writeBufferManager) enabled() bool { return m.limit > 0 }

// memoryUsage sums memtable memory over every open column family.
func (m *writeBufferManager) memoryUsage() uint64 {
	var total uint64
	m.db.cfs.Range(func(_ string, cf *ColumnFamily) bool {
		total += cf.memtableMemory()
		return true
	})
	for {
		peak := m.peak.Load()
		if total <= peak || m.peak.CompareAndSwap(peak, total) {
			return total
		}
	}
}

func (m *writeBufferManager) shouldFlush(usage uint64) bool {
	return usage >= m.limit/8*7
}

// admit blocks until a write-set of incoming bytes fits under the cap.
func (m *writeBufferManager) admit(incoming uint64) error {
	const op = "commit"
	if !m.enabled() {
		return nil
	}
	if incoming >= m.limit {
		m.rejected.Add(1)
		return errorf(CodeMemoryLimit, op,
			fmt.Sprintf("write set of %d bytes exceeds the memtable memory cap of %d", incoming, m.limit))
	}
	usage := m.memoryUsage()
	if m.shouldFlush(usage) {
		m.freeMemory()
	}
	if usage+incoming <= m.limit {
		return nil
	}

	m.stalls.Add(1)
	start := time.Now()
	deadline := start.Add(m.timeout)
	delay := minStallDelay
	for usage+incoming > m.limit {
		if m.db.closed.Load() {
			return errorf(CodeInvalidDB, op, "database closed")
		}
		if !time.Now().Before(deadline) {
			m.rejected.Add(1)
			return errorf(CodeMemoryLimit, op,
				fmt.Sprintf("memtables hold %d of %d bytes after waiting %v", usage, m.limit, m.timeout))
		}
		time.Sleep(delay)
		delay = min(2*delay, maxStallDelay)
		m.freeMemory()
		usage = m.memoryUsage()
	}
	m.db.logger.Debugf("%smemtable memory stall for %v", logging.NSDB, time.Since(start).Round(time.Millisecond))
	return nil
}

// freeMemory retries pending flushes and rotates the largest active
// memtable of a column family with nothing queued, so one immutable
// memtable per family at most comes from memory pressure.
func (m *writeBufferManager) freeMemory() {
	var largest *ColumnFamily
	var largestSize uint64
	m.db.cfs.Range(func(_ string, cf *ColumnFamily) bool {
		if cf.numImmutable() > 0 {
			cf.scheduleFlush()
			return true
		}
		if size := cf.activeMemory(); size > largestSize {
			largest, largestSize = cf, size
		}
		return true
	})
	if largest != nil {
		largest.requestFlush()
	}
}

func (m *writeBufferManager) stats() WriteBufferStats {
	return WriteBufferStats{
		Limit:    m.limit,
		Usage:    m.memoryUsage(),
		Peak:     m.peak.Load(),
		Stalls:   m.stalls.Load(),
		Rejected: m.rejected.Load(),
	}
}

// WriteBufferStats returns memtable memory use across column families.
func (db *DB) WriteBufferStats() WriteBufferStats { return db.writeBuffers.stats() }
