package tidekv

// write_controller.go implements write stalling.
//
// When level 0 accumulates tables faster than compaction merges them, or
// immutable memtables queue faster than flushes drain them, commits are
// delayed before they take any lock. The delay doubles from
// minStallDelay to maxStallDelay until the condition clears or the
// column family closes.

import (
	"time"

	"github.com/aalhour/tidekv/internal/logging"
)

const (
	minStallDelay = time.Millisecond
	maxStallDelay = 100 * time.Millisecond
)

// WriteStallCause indicates why writes are being stalled.
type WriteStallCause int

const (
	// WriteStallCauseNone means no stall.
	WriteStallCauseNone WriteStallCause = iota
	// WriteStallCauseMemtableLimit means too many unflushed memtables.
	WriteStallCauseMemtableLimit
	// WriteStallCauseL0FileCountLimit means too many L0 tables.
	WriteStallCauseL0FileCountLimit
)

// String returns a human-readable description of the stall cause.
func (c WriteStallCause) String() string {
	switch c {
	case WriteStallCauseNone:
		return "none"
	case WriteStallCauseMemtableLimit:
		return "memtable_limit"
	case WriteStallCauseL0FileCountLimit:
		return "l0_file_count_limit"
	default:
		return "unknown"
	}
}

// stallCause determines whether commits must wait.
func stallCause(numImmutable, maxImmutable, numL0, l0Stop int) WriteStallCause {
	if numImmutable >= maxImmutable {
		return WriteStallCauseMemtableLimit
	}
	if numL0 >= l0Stop {
		return WriteStallCauseL0FileCountLimit
	}
	return WriteStallCauseNone
}

// refreshL0 caches the level 0 table count of the current version.
func (cf *ColumnFamily) refreshL0() {
	v := cf.vs.Current()
	cf.l0Files.Store(int64(v.NumFiles(0)))
	v.Unref()
}

func (cf *ColumnFamily) currentStallCause() WriteStallCause {
	return stallCause(cf.numImmutable(), 2*cf.db.cfg.NumFlushThreads,
		int(cf.l0Files.Load()), cf.cfg.Load().L0QueueStallThreshold)
}

// maybeStallWrite delays the caller while the column family is overloaded.
func (cf *ColumnFamily) maybeStallWrite() {
	cause := cf.currentStallCause()
	if cause == WriteStallCauseNone {
		return
	}
	cf.stalls.Add(1)
	start := time.Now()
	delay := minStallDelay
	for cause != WriteStallCauseNone {
		if cf.closed.Load() || cf.dropped.Load() || cf.db.closed.Load() {
			return
		}
		switch cause {
		case WriteStallCauseMemtableLimit:
			cf.scheduleFlush()
		case WriteStallCauseL0FileCountLimit:
			cf.maybeScheduleCompaction()
		}
		time.Sleep(delay)
		delay = min(2*delay, maxStallDelay)
		cause = cf.currentStallCause()
	}
	cf.logger.Debugf("%s%s: write stalled for %v", logging.NSFlush, cf.Name(), time.Since(start).Round(time.Millisecond))
}

// WriteStalls returns how many commits were delayed.
func (cf *ColumnFamily) WriteStalls() uint64 { return cf.stalls.Load() }
