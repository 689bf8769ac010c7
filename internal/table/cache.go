package table

import (
	"sync"

	"github.com/aalhour/tidekv/internal/cache"
	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/vfs"
)

// TableCacheOptions configures a TableCache.
type TableCacheOptions struct {
	// MaxOpenFiles bounds the number of open readers kept around.
	MaxOpenFiles int

	CFID       uint32
	BlockCache *cache.BlockCache
	Comparator dbformat.Comparator
}

// TableCache keeps table readers open, keyed by file id. Readers returned
// by Get carry a reference the caller drops with Unref.
type TableCache struct {
	// mu orders lookups with evictions so a cached reader is referenced
	// before it can be dropped.
	mu   sync.Mutex
	fs   vfs.FS
	opts TableCacheOptions
	lru  *cache.LRU[uint64, *Reader]
}

// NewTableCache creates a table cache.
func NewTableCache(fs vfs.FS, opts TableCacheOptions) *TableCache {
	if opts.MaxOpenFiles <= 0 {
		opts.MaxOpenFiles = 1000
	}
	return &TableCache{
		fs:   fs,
		opts: opts,
		lru: cache.NewLRU(int64(opts.MaxOpenFiles), func(_ uint64, r *Reader) {
			_ = r.Unref()
		}),
	}
}

// Get returns a referenced reader for the table at path.
func (tc *TableCache) Get(fileID uint64, path string) (*Reader, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if r, ok := tc.lru.Get(fileID); ok {
		r.Ref()
		return r, nil
	}
	file, err := tc.fs.OpenRandomAccess(path)
	if err != nil {
		return nil, err
	}
	r, err := Open(file, ReaderOptions{
		CFID:       tc.opts.CFID,
		FileID:     fileID,
		Cache:      tc.opts.BlockCache,
		Comparator: tc.opts.Comparator,
	})
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	r.Ref()
	tc.lru.Insert(fileID, r, 1)
	return r, nil
}

// Evict drops a table, typically after its file became obsolete. Blocks of
// the table are dropped from the block cache as well.
func (tc *TableCache) Evict(fileID uint64) {
	tc.mu.Lock()
	tc.lru.Erase(fileID)
	tc.mu.Unlock()
	tc.opts.BlockCache.EraseFile(tc.opts.CFID, fileID)
}

// Len returns the number of open readers.
func (tc *TableCache) Len() int { return tc.lru.Len() }

// Close drops every cached reader. Readers still referenced by callers stay
// open until released.
func (tc *TableCache) Close() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.lru.Clear()
	return nil
}
