package tidekv

// compaction.go schedules and installs compactions.
//
// Compactions of one column family are serialized by compactMu and run on
// the engine compaction pool. They are triggered after flushes, by the
// optional background ticker, and manually through Compact.

import (
	"time"

	"github.com/aalhour/tidekv/internal/compaction"
	"github.com/aalhour/tidekv/internal/logging"
)

// compactionMode selects how runCompactions picks work.
type compactionMode int

const (
	// compactAuto runs while some level scores 1 or more.
	compactAuto compactionMode = iota
	// compactFull additionally merges everything into a single level.
	compactFull
)

func (cf *ColumnFamily) picker() *compaction.Picker {
	cfg := cf.cfg.Load()
	return &compaction.Picker{
		L0Trigger:           cfg.L1FileCountTrigger,
		LevelSizeRatio:      uint64(cfg.LevelSizeRatio),
		BaseLevelBytes:      cfg.WriteBufferSize * uint64(cfg.LevelSizeRatio),
		DividingLevelOffset: cfg.DividingLevelOffset,
		MaxOutputFileSize:   cfg.WriteBufferSize,
	}
}

// IsCompacting reports whether a compaction is running.
func (cf *ColumnFamily) IsCompacting() bool { return cf.compacting.Load() }

// Compact flushes the memtables and compacts until every table sits in a
// single level. Concurrent calls serialize.
func (cf *ColumnFamily) Compact() error {
	const op = "compact"
	if err := cf.checkUsable(op); err != nil {
		return err
	}
	if err := cf.FlushMemtable(); err != nil {
		return err
	}
	return wrapErr(op, cf.runCompactions(compactFull, 0))
}

// maybeScheduleCompaction queues an automatic compaction when a level
// needs one and none is queued.
func (cf *ColumnFamily) maybeScheduleCompaction() {
	v := cf.vs.Current()
	needs := cf.picker().NeedsCompaction(v)
	v.Unref()
	if needs {
		cf.scheduleCompaction(compactAuto, 0)
	}
}

// scheduleCompaction queues runCompactions on the compaction pool unless
// one is already queued.
func (cf *ColumnFamily) scheduleCompaction(mode compactionMode, minTables int) {
	cf.schedMu.Lock()
	defer cf.schedMu.Unlock()
	if cf.closed.Load() || !cf.compactScheduled.CompareAndSwap(false, true) {
		return
	}
	cf.tasks.add()
	ok := cf.db.compactPool.Submit(func() {
		defer cf.tasks.done()
		cf.compactScheduled.Store(false)
		if err := cf.runCompactions(mode, minTables); err != nil {
			cf.logger.Errorf("%s%s: background compaction: %v", logging.NSCompact, cf.Name(), err)
		}
	})
	if !ok {
		cf.compactScheduled.Store(false)
		cf.tasks.done()
	}
}

// runCompactions picks and runs compactions until none is needed. In
// compactFull mode, once no level needs compaction, whole levels keep
// merging downwards while at least minTables tables are live.
func (cf *ColumnFamily) runCompactions(mode compactionMode, minTables int) error {
	cf.compactMu.Lock()
	defer cf.compactMu.Unlock()
	cf.compacting.Store(true)
	defer cf.compacting.Store(false)

	for {
		if cf.closed.Load() || cf.dropped.Load() {
			return nil
		}
		p := cf.picker()
		v := cf.vs.Current()
		c := p.Pick(v)
		if c == nil && mode == compactFull && v.TotalFiles() >= minTables {
			c = p.PickManual(v)
		}
		if c == nil {
			v.Unref()
			return nil
		}
		err := cf.runCompaction(c)
		v.Unref()
		if err != nil {
			return err
		}
	}
}

// runCompaction merges c and installs the result. On failure the version
// is unchanged and no output survives.
func (cf *ColumnFamily) runCompaction(c *compaction.Compaction) error {
	start := time.Now()
	cfg := cf.cfg.Load()
	c.MarkBeingCompacted(true)
	defer c.MarkBeingCompacted(false)

	job := compaction.NewJob(c, compaction.JobOptions{
		FS:           cf.db.fs,
		Dir:          cf.Dir(),
		TableCache:   cf.tc,
		Builder:      cf.builderOptions(),
		NewFileID:    cf.vs.NextFileID,
		Snapshots:    cf.snapshots.sequences(),
		Now:          time.Now().Unix(),
		MinDiskSpace: cfg.MinDiskSpace,
		Logger:       cf.logger,
	})
	edit, err := job.Run()
	if err != nil {
		return err
	}
	if err := cf.vs.LogAndApply(edit); err != nil {
		job.Abort()
		return err
	}
	cf.refreshL0()
	st := job.Stats()
	cf.logger.Infof("%s%s: %s compaction L%d->L%d: %d tables in, %d out (%d bytes) in %v",
		logging.NSCompact, cf.Name(), c.Reason, c.StartLevel(), c.OutputLevel,
		st.InputFiles, st.OutputFiles, st.OutputBytes, time.Since(start).Round(time.Millisecond))
	return nil
}

// StartBackgroundCompaction starts a ticker that compacts every interval
// when a level needs it or at least minTables tables are live. It replaces
// a running ticker.
func (cf *ColumnFamily) StartBackgroundCompaction(interval time.Duration, minTables int) error {
	const op = "start background compaction"
	if err := cf.checkUsable(op); err != nil {
		return err
	}
	if interval <= 0 {
		return errorf(CodeInvalidArgs, op, "interval must be positive")
	}
	if minTables < 1 {
		return errorf(CodeInvalidArgs, op, "min tables must be at least 1")
	}
	cf.stopBackgroundCompaction()

	cf.bgMu.Lock()
	defer cf.bgMu.Unlock()
	stop, done := make(chan struct{}), make(chan struct{})
	cf.bgStop, cf.bgDone = stop, done
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if cf.closed.Load() || cf.dropped.Load() {
					return
				}
				v := cf.vs.Current()
				due := v.TotalFiles() >= minTables || cf.picker().NeedsCompaction(v)
				v.Unref()
				if due {
					cf.scheduleCompaction(compactFull, minTables)
				}
			}
		}
	}()
	cf.logger.Infof("%s%s: background compaction every %v (min %d tables)",
		logging.NSCompact, cf.Name(), interval, minTables)
	return nil
}

// StopBackgroundCompaction stops the background ticker, if any.
func (cf *ColumnFamily) StopBackgroundCompaction() {
	cf.stopBackgroundCompaction()
}

func (cf *ColumnFamily) stopBackgroundCompaction() {
	cf.bgMu.Lock()
	stop, done := cf.bgStop, cf.bgDone
	cf.bgStop, cf.bgDone = nil, nil
	cf.bgMu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}
