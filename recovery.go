package tidekv

// recovery.go opens a column family from its directory: config, MANIFEST,
// orphan cleanup and WAL replay.
//
// Every WAL at or above the MANIFEST log number holds commits not yet in a
// table. They are replayed, in id order, into one memtable that keeps the
// replayed logs alive until it is flushed.

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aalhour/tidekv/internal/batch"
	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/logging"
	"github.com/aalhour/tidekv/internal/manifest"
	"github.com/aalhour/tidekv/internal/memtable"
	"github.com/aalhour/tidekv/internal/table"
	"github.com/aalhour/tidekv/internal/version"
	"github.com/aalhour/tidekv/internal/wal"
)

// openColumnFamily recovers the column family stored in <db>/<name>.
func (db *DB) openColumnFamily(name string) (*ColumnFamily, error) {
	dir := filepath.Join(db.cfg.DBPath, name)
	cfg, err := loadConfigINI(db.fs, filepath.Join(dir, ConfigFileName), name)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cmp, err := db.comparators.get(cfg.ComparatorName)
	if err != nil {
		return nil, err
	}

	cf := &ColumnFamily{
		db:        db,
		id:        db.nextCFID.Add(1),
		cmp:       cmp,
		icmp:      dbformat.NewInternalComparator(cmp),
		logger:    db.logger,
		name:      name,
		dir:       dir,
		conflicts: newConflictTracker(cmp),
		tasks:     newTaskGroup(),
	}
	cf.cfg.Store(&cfg)
	cf.flushCond = sync.NewCond(&cf.flushMu)

	cf.vs, err = version.Open(version.Options{
		Dir:        dir,
		FS:         db.fs,
		Comparator: cmp,
		MinLevels:  cfg.MinLevels,
		Logger:     db.logger,
		OnObsolete: cf.onObsolete,
	})
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	cf.tc = table.NewTableCache(db.fs, table.TableCacheOptions{
		MaxOpenFiles: db.cfg.MaxOpenSSTables,
		CFID:         cf.id,
		BlockCache:   db.blockCache,
		Comparator:   cmp,
	})

	if err := cf.recover(); err != nil {
		_ = cf.vs.Close()
		_ = cf.tc.Close()
		return nil, err
	}
	cf.refreshL0()
	cf.maybeScheduleCompaction()
	return cf, nil
}

// recover removes orphaned files, replays live WALs and installs the
// active memtable.
func (cf *ColumnFamily) recover() error {
	fs := cf.db.fs
	names, err := fs.ListDir(cf.dir)
	if err != nil {
		return err
	}

	live := make(map[uint64]bool)
	v := cf.vs.Current()
	v.AllFiles(func(f *manifest.FileMeta) { live[f.ID] = true })
	v.Unref()

	logNumber := cf.vs.LogNumber()
	var logs []uint64
	for _, n := range names {
		path := filepath.Join(cf.dir, n)
		if strings.HasSuffix(n, ".tmp") {
			_ = fs.Remove(path)
			continue
		}
		if _, id, ok := table.ParseFileName(n); ok {
			cf.vs.MarkFileIDUsed(id)
			if !live[id] {
				cf.logger.Infof("%s%s: removing orphaned table %s", logging.NSRecovery, cf.name, n)
				_ = fs.Remove(path)
			}
			continue
		}
		if id, ok := wal.ParseFileName(n); ok {
			cf.vs.MarkFileIDUsed(id)
			if id < logNumber {
				_ = fs.Remove(path)
				continue
			}
			logs = append(logs, id)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i] < logs[j] })

	cfg := cf.cfg.Load()
	id := cf.vs.NextFileID()
	mem := memtable.New(id, cf.cmp, cf.memtableOptions(cfg))
	var maxSeq uint64
	for _, logID := range logs {
		n, err := wal.Replay(fs, filepath.Join(cf.dir, wal.FileName(logID)), cf.logger, func(rec []byte) error {
			b, err := batch.Decode(rec)
			if err != nil {
				return err
			}
			seq := b.Sequence()
			if uint64(seq) > maxSeq {
				maxSeq = uint64(seq)
			}
			return b.Iterate(func(op batch.Op) error {
				mem.Add(seq, op.Type, op.Key, op.Value, op.TTL)
				return nil
			})
		})
		if err != nil {
			return fmt.Errorf("replay log %d: %w", logID, err)
		}
		cf.logger.Infof("%s%s: replayed %d batches from log %d", logging.NSRecovery, cf.name, n, logID)
	}
	cf.vs.SetLastSequence(maxSeq)

	log, err := wal.Create(fs, cf.dir, id, cfg.SyncMode.wal())
	if err != nil {
		return err
	}
	cf.active = &memHandle{mem: mem, log: log, logIDs: append(logs, id)}
	if mem.Empty() {
		for _, old := range logs {
			_ = fs.Remove(filepath.Join(cf.dir, wal.FileName(old)))
		}
		cf.active.logIDs = []uint64{id}
	}
	cf.startSyncerLocked(log)

	if uint64(mem.ApproximateMemoryUsage()) >= cfg.WriteBufferSize {
		cf.commitMu.Lock()
		err := cf.rotateLocked()
		cf.commitMu.Unlock()
		if err != nil {
			return err
		}
		return cf.waitFlush()
	}
	return nil
}
