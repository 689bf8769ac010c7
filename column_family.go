package tidekv

// column_family.go implements column families.
//
// A column family is an independent LSM tree: its own directory, WALs,
// memtables, MANIFEST, sequence counter and table cache. Commits and
// memtable rotation are serialized by commitMu. Readers take a read state
// (memtables plus a referenced version) under mu and never block writers.

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/tidekv/internal/batch"
	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/logging"
	"github.com/aalhour/tidekv/internal/manifest"
	"github.com/aalhour/tidekv/internal/memtable"
	"github.com/aalhour/tidekv/internal/table"
	"github.com/aalhour/tidekv/internal/version"
	"github.com/aalhour/tidekv/internal/wal"
)

// CommitOp is one operation of a committed batch, passed to commit hooks.
type CommitOp struct {
	Key    []byte
	Value  []byte
	TTL    int64
	Delete bool
}

// CommitHook observes every successful commit to a column family. It runs
// synchronously on the committing goroutine after the commit is visible.
// An error or panic is logged and otherwise ignored.
type CommitHook func(ops []CommitOp, seq uint64) error

// memHandle pairs a memtable with the WALs holding its records. A recovered
// memtable holds the records of every replayed log plus the new one.
type memHandle struct {
	mem    *memtable.Memtable
	log    *wal.Log
	logIDs []uint64
}

func (h *memHandle) firstLog() uint64 { return h.logIDs[0] }

// ColumnFamily is a handle to one column family. Handles stay valid across
// rename. After drop every operation returns ErrNotFound.
type ColumnFamily struct {
	db     *DB
	id     uint32
	cmp    Comparator
	icmp   dbformat.InternalComparator
	logger logging.Logger

	cfg atomic.Pointer[ColumnFamilyConfig]

	// mu guards name, dir, active and imm.
	mu     sync.RWMutex
	name   string
	dir    string
	active *memHandle
	imm    []*memHandle // oldest first

	// commitMu serializes commits, memtable rotation and the syncer.
	commitMu  sync.Mutex
	syncer    *wal.Syncer
	conflicts *conflictTracker

	vs        *version.VersionSet
	tc        *table.TableCache
	snapshots snapshotList

	hook atomic.Pointer[CommitHook]

	flushMu   sync.Mutex
	flushCond *sync.Cond
	flushing  bool
	flushErr  error

	compactMu        sync.Mutex
	compacting       atomic.Bool
	compactScheduled atomic.Bool
	schedMu          sync.Mutex

	bgMu   sync.Mutex
	bgStop chan struct{}
	bgDone chan struct{}

	tasks   *taskGroup
	l0Files atomic.Int64
	stalls  atomic.Uint64
	dropped atomic.Bool
	closed  atomic.Bool
}

// Name returns the current name.
func (cf *ColumnFamily) Name() string {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.name
}

// Dir returns the current directory.
func (cf *ColumnFamily) Dir() string {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.dir
}

// Config returns a copy of the current configuration.
func (cf *ColumnFamily) Config() ColumnFamilyConfig { return *cf.cfg.Load() }

// Comparator returns the user key comparator.
func (cf *ColumnFamily) Comparator() Comparator { return cf.cmp }

// LastSequence returns the sequence of the latest visible commit.
func (cf *ColumnFamily) LastSequence() uint64 { return cf.vs.LastSequence() }

func (cf *ColumnFamily) checkUsable(op string) error {
	if cf.dropped.Load() {
		return errorf(CodeNotFound, op, "column family was dropped")
	}
	if cf.closed.Load() || cf.db.closed.Load() {
		return errorf(CodeInvalidDB, op, "database is closed")
	}
	return nil
}

// SetCommitHook installs fn, replacing any previous hook.
func (cf *ColumnFamily) SetCommitHook(fn CommitHook) error {
	if err := cf.checkUsable("set commit hook"); err != nil {
		return err
	}
	if fn == nil {
		cf.hook.Store(nil)
		return nil
	}
	cf.hook.Store(&fn)
	return nil
}

// ClearCommitHook removes the commit hook.
func (cf *ColumnFamily) ClearCommitHook() error {
	if err := cf.checkUsable("clear commit hook"); err != nil {
		return err
	}
	cf.hook.Store(nil)
	return nil
}

func (cf *ColumnFamily) runHook(ops []CommitOp, seq uint64) {
	p := cf.hook.Load()
	if p == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			cf.logger.Warnf("%s%s: commit hook panicked at seq %d: %v", logging.NSTxn, cf.Name(), seq, r)
		}
	}()
	if err := (*p)(ops, seq); err != nil {
		cf.logger.Warnf("%s%s: commit hook failed at seq %d: %v", logging.NSTxn, cf.Name(), seq, err)
	}
}

// Put commits a single put in its own transaction.
func (cf *ColumnFamily) Put(key, value []byte, ttl int64) error {
	return cf.autoCommit(func(txn *Transaction) error { return txn.Put(cf, key, value, ttl) })
}

// Delete commits a single delete in its own transaction.
func (cf *ColumnFamily) Delete(key []byte) error {
	return cf.autoCommit(func(txn *Transaction) error { return txn.Delete(cf, key) })
}

// Get returns the latest committed value of key.
func (cf *ColumnFamily) Get(key []byte) ([]byte, error) {
	const op = "get"
	if err := cf.checkUsable(op); err != nil {
		return nil, err
	}
	if err := validateKey(op, key); err != nil {
		return nil, err
	}
	v, found, err := cf.get(key, cf.vs.LastSequence())
	if err != nil {
		return nil, wrapErr(op, err)
	}
	if !found {
		return nil, errorf(CodeNotFound, op, "key not found")
	}
	return v, nil
}

func (cf *ColumnFamily) autoCommit(fn func(*Transaction) error) error {
	txn, err := cf.db.BeginWithIsolation(ReadCommitted)
	if err != nil {
		return err
	}
	defer txn.Close()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// readState is a consistent view of a column family's sources.
type readState struct {
	mems    []*memtable.Memtable // active first, then immutables newest first
	version *version.Version
}

func (rs *readState) release() { rs.version.Unref() }

// acquireReadState snapshots the memtables and the current version. The
// version is taken after the memtables: a flush installs its table before
// retiring the memtable, so no entry can be missed in between.
func (cf *ColumnFamily) acquireReadState() *readState {
	cf.mu.RLock()
	mems := make([]*memtable.Memtable, 0, len(cf.imm)+1)
	mems = append(mems, cf.active.mem)
	for i := len(cf.imm) - 1; i >= 0; i-- {
		mems = append(mems, cf.imm[i].mem)
	}
	v := cf.vs.Current()
	cf.mu.RUnlock()
	return &readState{mems: mems, version: v}
}

// get returns the newest value of key visible at seq.
func (cf *ColumnFamily) get(key []byte, seq uint64) ([]byte, bool, error) {
	rs := cf.acquireReadState()
	defer rs.release()
	now := time.Now().Unix()
	s := dbformat.SequenceNumber(seq)

	for _, m := range rs.mems {
		payload, ttl, kind, found, err := m.Get(key, s)
		if err != nil {
			return nil, false, err
		}
		if found {
			return visibleValue(kind, ttl, payload, now)
		}
	}

	v := rs.version
	l0 := v.Files(0)
	for i := len(l0) - 1; i >= 0; i-- {
		f := l0[i]
		if !cf.inRange(f, key) {
			continue
		}
		stored, kind, found, err := cf.tableGet(f, key, s)
		if err != nil {
			return nil, false, err
		}
		if found {
			return visibleStored(kind, stored, now)
		}
	}
	for level := 1; level < v.NumLevels(); level++ {
		f := v.FindFile(level, key)
		if f == nil {
			continue
		}
		stored, kind, found, err := cf.tableGet(f, key, s)
		if err != nil {
			return nil, false, err
		}
		if found {
			return visibleStored(kind, stored, now)
		}
	}
	return nil, false, nil
}

func (cf *ColumnFamily) inRange(f *manifest.FileMeta, key []byte) bool {
	return cf.cmp.Compare(key, dbformat.ExtractUserKey(f.Smallest)) >= 0 &&
		cf.cmp.Compare(key, dbformat.ExtractUserKey(f.Largest)) <= 0
}

func (cf *ColumnFamily) tableGet(f *manifest.FileMeta, key []byte, seq dbformat.SequenceNumber) ([]byte, dbformat.ValueType, bool, error) {
	r, err := cf.openTable(f)
	if err != nil {
		return nil, 0, false, err
	}
	defer func() { _ = r.Unref() }()
	return r.Get(key, seq)
}

// openTable returns a referenced reader for f.
func (cf *ColumnFamily) openTable(f *manifest.FileMeta) (*table.Reader, error) {
	return cf.tc.Get(f.ID, filepath.Join(cf.Dir(), table.FileName(f.Level, f.ID)))
}

func visibleValue(kind dbformat.ValueType, ttl int64, payload []byte, now int64) ([]byte, bool, error) {
	if kind == dbformat.TypeDeletion || dbformat.Expired(ttl, now) {
		return nil, false, nil
	}
	return append([]byte(nil), payload...), true, nil
}

func visibleStored(kind dbformat.ValueType, stored []byte, now int64) ([]byte, bool, error) {
	if kind == dbformat.TypeDeletion {
		return nil, false, nil
	}
	ttl, payload, err := dbformat.DecodeValue(stored)
	if err != nil {
		return nil, false, err
	}
	return visibleValue(kind, ttl, payload, now)
}

// logLocked appends b to the active WAL under the next sequence number and
// returns it. The caller holds commitMu and follows with insertLocked.
func (cf *ColumnFamily) logLocked(b *batch.Batch) (uint64, error) {
	seq := cf.vs.LastSequence() + 1
	b.SetSequence(dbformat.SequenceNumber(seq))

	cf.mu.RLock()
	h := cf.active
	cf.mu.RUnlock()
	if err := h.log.Append(b.Data()); err != nil {
		return 0, err
	}
	return seq, nil
}

// insertLocked applies ops logged at seq to the active memtable and
// rotates it once full. The caller holds commitMu.
func (cf *ColumnFamily) insertLocked(seq uint64, ops []batch.Op) {
	cf.mu.RLock()
	h := cf.active
	cf.mu.RUnlock()
	for _, op := range ops {
		h.mem.Add(dbformat.SequenceNumber(seq), op.Type, op.Key, op.Value, op.TTL)
	}
	cf.vs.SetLastSequence(seq)

	if uint64(h.mem.ApproximateMemoryUsage()) >= cf.cfg.Load().WriteBufferSize {
		if err := cf.rotateLocked(); err != nil {
			cf.logger.Errorf("%s%s: rotate memtable: %v", logging.NSFlush, cf.Name(), err)
		}
	}
}

func (cf *ColumnFamily) memtableOptions(cfg *ColumnFamilyConfig) memtable.Options {
	return memtable.Options{
		Type:        cfg.MemtableType.rep(),
		MaxLevel:    cfg.SkipListMaxLevel,
		Probability: cfg.SkipListProbability,
	}
}

// newMemHandle creates an empty memtable with a fresh WAL.
func (cf *ColumnFamily) newMemHandle(dir string) (*memHandle, error) {
	cfg := cf.cfg.Load()
	id := cf.vs.NextFileID()
	log, err := wal.Create(cf.db.fs, dir, id, cfg.SyncMode.wal())
	if err != nil {
		return nil, err
	}
	return &memHandle{
		mem:    memtable.New(id, cf.cmp, cf.memtableOptions(cfg)),
		log:    log,
		logIDs: []uint64{id},
	}, nil
}

// rotateLocked makes the active memtable immutable, installs an empty one
// and schedules a flush. The caller holds commitMu.
func (cf *ColumnFamily) rotateLocked() error {
	next, err := cf.newMemHandle(cf.Dir())
	if err != nil {
		return err
	}
	cf.mu.Lock()
	prev := cf.active
	cf.imm = append(cf.imm, prev)
	cf.active = next
	cf.mu.Unlock()

	if cf.syncer != nil {
		cf.syncer.Register(next.log)
		cf.syncer.Unregister(prev.log)
	}
	if err := prev.log.Sync(); err != nil {
		cf.logger.Warnf("%s%s: sync log %d: %v", logging.NSWAL, cf.Name(), prev.log.ID(), err)
	}
	cf.logger.Debugf("%s%s: rotated memtable %d (%d entries, %d bytes)",
		logging.NSFlush, cf.Name(), prev.mem.ID(), prev.mem.Count(), prev.mem.ApproximateMemoryUsage())
	cf.scheduleFlush()
	return nil
}

// removeLogs closes h's WAL and deletes every log whose records it holds.
func (cf *ColumnFamily) removeLogs(h *memHandle) {
	if h.log != nil {
		_ = h.log.Close()
	}
	dir := cf.Dir()
	for _, id := range h.logIDs {
		if err := cf.db.fs.Remove(filepath.Join(dir, wal.FileName(id))); err != nil && cf.db.fs.Exists(filepath.Join(dir, wal.FileName(id))) {
			cf.logger.Warnf("%s%s: remove log %d: %v", logging.NSWAL, cf.Name(), id, err)
		}
	}
}

// onObsolete deletes a table no live version references.
func (cf *ColumnFamily) onObsolete(f *manifest.FileMeta) {
	cf.tc.Evict(f.ID)
	path := filepath.Join(cf.Dir(), table.FileName(f.Level, f.ID))
	if err := cf.db.fs.Remove(path); err != nil {
		cf.logger.Warnf("%s%s: remove obsolete table %d: %v", logging.NSCompact, cf.Name(), f.ID, err)
		return
	}
	cf.logger.Debugf("%s%s: removed obsolete table %s", logging.NSCompact, cf.Name(), f)
}

func (cf *ColumnFamily) builderOptions() table.BuilderOptions {
	cfg := cf.cfg.Load()
	format := table.FormatSorted
	if cfg.UseBTree {
		format = table.FormatBTree
	}
	return table.BuilderOptions{
		Comparator:       cf.cmp,
		Format:           format,
		BlockSize:        cfg.BlockSize,
		Compression:      cfg.Compression.codec(),
		ValueThreshold:   cfg.KlogValueThreshold,
		EnableBloom:      cfg.EnableBloomFilter,
		BloomFPR:         cfg.BloomFPR,
		EnableIndex:      cfg.EnableBlockIndexes,
		IndexSampleRatio: cfg.IndexSampleRatio,
		IndexPrefixLen:   cfg.BlockIndexPrefixLen,
	}
}

// UpdateRuntimeConfig applies the runtime-mutable fields of next once
// flushes are quiescent. Any other difference from the current
// configuration is rejected with ErrInvalidArgs. With persist set,
// config.ini is rewritten.
func (cf *ColumnFamily) UpdateRuntimeConfig(next ColumnFamilyConfig, persist bool) error {
	const op = "update runtime config"
	if err := cf.checkUsable(op); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	cur := cf.Config()
	if cur.withRuntime(next) != next {
		return errorf(CodeInvalidArgs, op, "only runtime-mutable fields may change")
	}

	cf.commitMu.Lock()
	defer cf.commitMu.Unlock()
	cf.waitFlushIdle()

	cfg := next
	cf.cfg.Store(&cfg)

	cf.mu.RLock()
	active := cf.active
	cf.mu.RUnlock()
	active.log.SetSyncMode(cfg.SyncMode.wal())
	if cur.SyncMode != cfg.SyncMode || cur.SyncIntervalUs != cfg.SyncIntervalUs {
		if cf.syncer != nil {
			cf.syncer.Stop()
			cf.syncer = nil
		}
		cf.startSyncerLocked(active.log)
	}

	if persist {
		if err := saveConfigINI(cf.db.fs, filepath.Join(cf.Dir(), ConfigFileName), cf.Name(), cfg); err != nil {
			return wrapErr(op, err)
		}
	}
	cf.logger.Infof("%s%s: runtime config updated (write buffer %d, sync %s)",
		logging.NSCF, cf.Name(), cfg.WriteBufferSize, cfg.SyncMode)
	return nil
}

func (cf *ColumnFamily) startSyncerLocked(active *wal.Log) {
	cfg := cf.cfg.Load()
	if cfg.SyncMode != SyncInterval {
		return
	}
	cf.syncer = wal.NewSyncer(time.Duration(cfg.SyncIntervalUs)*time.Microsecond, cf.logger)
	cf.syncer.Register(active)
}

// rename moves the column family directory once flushes and compactions
// are quiescent. The caller holds db.mu.
func (cf *ColumnFamily) rename(name, dir string) error {
	if err := cf.checkUsable("rename"); err != nil {
		return err
	}
	cf.commitMu.Lock()
	defer cf.commitMu.Unlock()
	cf.waitFlushIdle()
	cf.compactMu.Lock()
	defer cf.compactMu.Unlock()

	cf.mu.Lock()
	defer cf.mu.Unlock()
	if err := cf.db.fs.Rename(cf.dir, dir); err != nil {
		return err
	}
	oldName, oldDir := cf.name, cf.dir
	cf.name, cf.dir = name, dir
	if err := saveConfigINI(cf.db.fs, filepath.Join(dir, ConfigFileName), name, *cf.cfg.Load()); err != nil {
		cf.name, cf.dir = oldName, oldDir
		_ = cf.db.fs.Rename(dir, oldDir)
		return err
	}
	return cf.db.fs.SyncDir(filepath.Dir(dir))
}

// close stops background work and releases files. Unflushed memtables
// are recovered from their WALs on the next open.
func (cf *ColumnFamily) close() error {
	cf.flushMu.Lock()
	cf.schedMu.Lock()
	already := cf.closed.Swap(true)
	cf.schedMu.Unlock()
	cf.flushCond.Broadcast()
	cf.flushMu.Unlock()
	if already {
		return nil
	}
	cf.tasks.wait()

	cf.commitMu.Lock()
	defer cf.commitMu.Unlock()
	if cf.syncer != nil {
		cf.syncer.Stop()
		cf.syncer = nil
	}
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	cf.mu.Lock()
	for _, h := range cf.imm {
		keep(h.log.Close())
	}
	keep(cf.active.log.Close())
	cf.mu.Unlock()
	keep(cf.vs.Close())
	keep(cf.tc.Close())
	cf.logger.Debugf("%s%s: closed", logging.NSCF, cf.Name())
	return first
}

func validateKey(op string, key []byte) error {
	switch {
	case len(key) == 0:
		return errorf(CodeInvalidArgs, op, "key must not be empty")
	case len(key) > MaxKeySize:
		return errorf(CodeTooLarge, op, "key exceeds maximum size")
	}
	return nil
}
