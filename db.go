package tidekv

// db.go implements the engine handle: open, close, column family
// management and the engine-wide context shared by every column family.

import (
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"

	"github.com/aalhour/tidekv/internal/cache"
	"github.com/aalhour/tidekv/internal/logging"
	"github.com/aalhour/tidekv/internal/vfs"
)

// Files at the engine root.
const (
	lockFileName     = "LOCK"
	identityFileName = "IDENTITY"
	logFileName      = "LOG"
)

// blockCachePartitions is the shard count of the engine block cache.
const blockCachePartitions = 16

// DB is an open engine. It is the context every column family operation
// runs in: configuration, logger, block cache, worker pools, the comparator
// registry and the column family registry. Nothing is shared between two
// DB values, so several engines may be open in one process.
type DB struct {
	cfg      Config
	fs       vfs.FS
	logger   logging.Logger
	logFile  io.Closer
	lock     io.Closer
	identity string

	comparators *comparatorRegistry
	blockCache  *cache.BlockCache
	flushPool   *workerPool
	compactPool *workerPool
	// writeBuffers caps memtable memory across column families.
	writeBuffers *writeBufferManager

	// mu serializes create, drop, rename and clone.
	mu       sync.Mutex
	cfs      *skipmap.FuncMap[string, *ColumnFamily]
	nextCFID atomic.Uint32

	txns  activeTxns
	stamp atomic.Uint64

	closed atomic.Bool
}

// Open opens the engine rooted at cfg.DBPath, creating it if needed, and
// recovers every column family found there.
func Open(cfg *Config) (*DB, error) {
	if cfg == nil {
		return nil, errorf(CodeInvalidArgs, "open", "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db := &DB{
		cfg:         *cfg,
		fs:          cfg.fs,
		comparators: newComparatorRegistry(),
		cfs:         skipmap.NewFunc[string, *ColumnFamily](func(a, b string) bool { return a < b }),
	}
	if db.fs == nil {
		db.fs = vfs.Default()
	}
	db.txns.init()
	for name, cmp := range cfg.Comparators {
		if err := db.comparators.register(name, cmp); err != nil {
			return nil, err
		}
	}

	path := cfg.DBPath
	if err := db.fs.MkdirAll(path, 0o755); err != nil {
		return nil, newError(CodeIO, "open", err)
	}
	lock, err := db.fs.Lock(filepath.Join(path, lockFileName))
	if err != nil {
		return nil, newError(CodeLocked, "open", err)
	}
	db.lock = lock

	if err := db.openLogger(); err != nil {
		_ = lock.Close()
		return nil, err
	}
	if err := db.loadIdentity(); err != nil {
		db.abortOpen()
		return nil, err
	}

	db.blockCache = cache.NewBlockCache(cfg.BlockCacheSize, blockCachePartitions)
	db.flushPool = newWorkerPool("flush", cfg.NumFlushThreads)
	db.writeBuffers = newWriteBufferManager(db)
	db.compactPool = newWorkerPool("compaction", cfg.NumCompactionThreads)

	names, err := db.fs.ListDir(path)
	if err != nil {
		db.abortOpen()
		return nil, newError(CodeIO, "open", err)
	}
	sort.Strings(names)
	for _, name := range names {
		if !db.fs.Exists(filepath.Join(path, name, ConfigFileName)) {
			continue
		}
		cf, err := db.openColumnFamily(name)
		if err != nil {
			db.abortOpen()
			return nil, wrapErr("open column family "+name, err)
		}
		db.cfs.Store(name, cf)
	}

	db.logger.Infof("%sopened %s (identity %s, %d column families)",
		logging.NSDB, path, db.identity, db.cfs.Len())
	return db, nil
}

func (db *DB) openLogger() error {
	switch {
	case !logging.IsNil(db.cfg.Logger):
		db.logger = db.cfg.Logger
	case db.cfg.LogLevel == LogNone:
		db.logger = logging.Discard
	case db.cfg.LogToFile:
		f, err := logging.OpenTruncatingFile(filepath.Join(db.cfg.DBPath, logFileName), db.cfg.LogTruncationAt)
		if err != nil {
			return newError(CodeIO, "open", err)
		}
		db.logFile = f
		db.logger = logging.NewLogger(f, db.cfg.LogLevel)
	default:
		db.logger = logging.NewDefaultLogger(db.cfg.LogLevel)
	}
	return nil
}

func (db *DB) loadIdentity() error {
	name := filepath.Join(db.cfg.DBPath, identityFileName)
	if db.fs.Exists(name) {
		data, err := vfs.ReadFile(db.fs, name)
		if err != nil {
			return newError(CodeIO, "open", err)
		}
		db.identity = strings.TrimSpace(string(data))
		return nil
	}
	db.identity = uuid.NewString()
	if err := vfs.WriteFileAtomic(db.fs, name, []byte(db.identity+"\n")); err != nil {
		return newError(CodeIO, "open", err)
	}
	return nil
}

// Identity returns the UUID written when the database was created.
func (db *DB) Identity() string { return db.identity }

// Path returns the engine root directory.
func (db *DB) Path() string { return db.cfg.DBPath }

// Close waits for background work, closes every column family and releases
// the directory lock. A second Close returns ErrInvalidDB.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return errorf(CodeInvalidDB, "close", "database already closed")
	}
	err := db.shutdown()
	db.logger.Infof("%sclosed %s", logging.NSDB, db.cfg.DBPath)
	if db.logFile != nil {
		_ = db.logFile.Close()
	}
	return err
}

// shutdown closes the column families, pools and lock. It is shared by
// Close and by a failed Open.
func (db *DB) shutdown() error {
	db.closed.Store(true)
	db.mu.Lock()
	defer db.mu.Unlock()

	var first error
	db.cfs.Range(func(_ string, cf *ColumnFamily) bool {
		cf.stopBackgroundCompaction()
		return true
	})
	db.cfs.Range(func(name string, cf *ColumnFamily) bool {
		if err := cf.close(); err != nil && first == nil {
			first = wrapErr("close column family "+name, err)
		}
		return true
	})
	if db.flushPool != nil {
		db.flushPool.Close()
	}
	if db.compactPool != nil {
		db.compactPool.Close()
	}
	db.releaseResources()
	return first
}

func (db *DB) abortOpen() {
	_ = db.shutdown()
	if db.logFile != nil {
		_ = db.logFile.Close()
	}
}

func (db *DB) releaseResources() {
	if db.lock != nil {
		_ = db.lock.Close()
		db.lock = nil
	}
}

func (db *DB) checkOpen(op string) error {
	if db.closed.Load() {
		return errorf(CodeInvalidDB, op, "database is closed")
	}
	return nil
}

func validateCFName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return errorf(CodeInvalidArgs, "column family", "invalid column family name "+`"`+name+`"`)
	}
	return nil
}

// RegisterComparator makes cmp available to column families created or
// opened afterwards under name. Built-in names cannot be replaced.
func (db *DB) RegisterComparator(name string, cmp Comparator) error {
	if err := db.checkOpen("register comparator"); err != nil {
		return err
	}
	return db.comparators.register(name, cmp)
}

// GetComparator returns the comparator registered under name.
func (db *DB) GetComparator(name string) (Comparator, error) {
	if err := db.checkOpen("get comparator"); err != nil {
		return nil, err
	}
	return db.comparators.get(name)
}

// CreateColumnFamily creates the column family name with cfg.
func (db *DB) CreateColumnFamily(name string, cfg ColumnFamilyConfig) error {
	const op = "create column family"
	if err := db.checkOpen(op); err != nil {
		return err
	}
	if err := validateCFName(name); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := db.comparators.get(cfg.ComparatorName); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.cfs.Load(name); ok {
		return errorf(CodeExists, op, "column family "+name+" already exists")
	}
	dir := filepath.Join(db.cfg.DBPath, name)
	if db.fs.Exists(dir) {
		return errorf(CodeExists, op, "directory "+dir+" already exists")
	}
	if err := db.fs.MkdirAll(dir, 0o755); err != nil {
		return newError(CodeIO, op, err)
	}
	if err := saveConfigINI(db.fs, filepath.Join(dir, ConfigFileName), name, cfg); err != nil {
		_ = db.fs.RemoveAll(dir)
		return wrapErr(op, err)
	}
	cf, err := db.openColumnFamily(name)
	if err != nil {
		_ = db.fs.RemoveAll(dir)
		return wrapErr(op, err)
	}
	db.cfs.Store(name, cf)
	db.logger.Infof("%screated %s (comparator %s, memtable %s, btree %v)",
		logging.NSCF, name, cfg.ComparatorName, cfg.MemtableType, cfg.UseBTree)
	return nil
}

// DropColumnFamily waits for the background work of name, then removes it
// and its directory. Later use of its handle returns ErrNotFound.
func (db *DB) DropColumnFamily(name string) error {
	const op = "drop column family"
	if err := db.checkOpen(op); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	cf, ok := db.cfs.Load(name)
	if !ok {
		return errorf(CodeNotFound, op, "column family "+name+" not found")
	}
	cf.dropped.Store(true)
	cf.stopBackgroundCompaction()
	closeErr := cf.close()
	db.cfs.Delete(name)
	db.blockCache.EraseCF(cf.id)
	if err := db.fs.RemoveAll(cf.Dir()); err != nil {
		return newError(CodeIO, op, err)
	}
	if closeErr != nil {
		db.logger.Warnf("%sdrop %s: close: %v", logging.NSCF, name, closeErr)
	}
	db.logger.Infof("%sdropped %s", logging.NSCF, name)
	return nil
}

// RenameColumnFamily renames oldName to newName once its flushes and
// compactions are quiescent.
func (db *DB) RenameColumnFamily(oldName, newName string) error {
	const op = "rename column family"
	if err := db.checkOpen(op); err != nil {
		return err
	}
	if err := validateCFName(newName); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	cf, ok := db.cfs.Load(oldName)
	if !ok {
		return errorf(CodeNotFound, op, "column family "+oldName+" not found")
	}
	if _, ok := db.cfs.Load(newName); ok {
		return errorf(CodeExists, op, "column family "+newName+" already exists")
	}
	newDir := filepath.Join(db.cfg.DBPath, newName)
	if db.fs.Exists(newDir) {
		return errorf(CodeExists, op, "directory "+newDir+" already exists")
	}
	if err := cf.rename(newName, newDir); err != nil {
		return wrapErr(op, err)
	}
	db.cfs.Delete(oldName)
	db.cfs.Store(newName, cf)
	db.logger.Infof("%srenamed %s to %s", logging.NSCF, oldName, newName)
	return nil
}

// CloneColumnFamily creates dst holding the current contents of src. The
// clone shares no mutable state with src.
func (db *DB) CloneColumnFamily(src, dst string) error {
	const op = "clone column family"
	if err := db.checkOpen(op); err != nil {
		return err
	}
	if err := validateCFName(dst); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	cf, ok := db.cfs.Load(src)
	if !ok {
		return errorf(CodeNotFound, op, "column family "+src+" not found")
	}
	if _, ok := db.cfs.Load(dst); ok {
		return errorf(CodeExists, op, "column family "+dst+" already exists")
	}
	dir := filepath.Join(db.cfg.DBPath, dst)
	if db.fs.Exists(dir) {
		return errorf(CodeExists, op, "directory "+dir+" already exists")
	}
	if err := cf.FlushMemtable(); err != nil {
		return wrapErr(op, err)
	}
	if _, err := cf.exportTo(dir, dst, false); err != nil {
		_ = db.fs.RemoveAll(dir)
		return wrapErr(op, err)
	}
	clone, err := db.openColumnFamily(dst)
	if err != nil {
		_ = db.fs.RemoveAll(dir)
		return wrapErr(op, err)
	}
	db.cfs.Store(dst, clone)
	db.logger.Infof("%scloned %s to %s", logging.NSCF, src, dst)
	return nil
}

// ListColumnFamilies returns the column family names in sorted order.
func (db *DB) ListColumnFamilies() []string {
	out := make([]string, 0, db.cfs.Len())
	db.cfs.Range(func(name string, _ *ColumnFamily) bool {
		out = append(out, name)
		return true
	})
	return out
}

// GetColumnFamily returns the column family name.
func (db *DB) GetColumnFamily(name string) (*ColumnFamily, error) {
	if err := db.checkOpen("get column family"); err != nil {
		return nil, err
	}
	cf, ok := db.cfs.Load(name)
	if !ok {
		return nil, errorf(CodeNotFound, "get column family", "column family "+name+" not found")
	}
	return cf, nil
}

// forEachCF calls fn for every column family in name order.
func (db *DB) forEachCF(fn func(*ColumnFamily) error) error {
	var err error
	db.cfs.Range(func(_ string, cf *ColumnFamily) bool {
		err = fn(cf)
		return err == nil
	})
	return err
}
