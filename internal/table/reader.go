package table

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/aalhour/tidekv/internal/block"
	"github.com/aalhour/tidekv/internal/cache"
	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/encoding"
	"github.com/aalhour/tidekv/internal/filter"
	"github.com/aalhour/tidekv/internal/vfs"
)

// ErrComparatorMismatch is returned when a table was written with a
// different comparator than the reader uses.
var ErrComparatorMismatch = errors.New("table: comparator mismatch")

// ReaderOptions configures a table reader.
type ReaderOptions struct {
	CFID       uint32
	FileID     uint64
	Cache      *cache.BlockCache
	Comparator dbformat.Comparator
}

type indexEntry struct {
	key     []byte
	ordinal int
}

// Reader serves point lookups and iterators over one table file. Readers
// are reference counted; the file closes when the last reference drops.
type Reader struct {
	file vfs.RandomAccessFile
	opts ReaderOptions
	icmp dbformat.InternalComparator

	footer  *footer
	props   *Properties
	filter  *filter.Reader
	index   []indexEntry
	handles []block.Handle
	root    *block.Block

	refs atomic.Int32
}

// Open reads the metadata of a table. On success the reader owns file and
// holds one reference.
func Open(file vfs.RandomAccessFile, opts ReaderOptions) (*Reader, error) {
	if opts.Comparator == nil {
		opts.Comparator = dbformat.Bytewise
	}
	r := &Reader{
		file: file,
		opts: opts,
		icmp: dbformat.NewInternalComparator(opts.Comparator),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	r.refs.Store(1)
	return r, nil
}

func (r *Reader) load() error {
	size := r.file.Size()
	if size < FooterSize {
		return fmt.Errorf("%w: file too short (%d bytes)", ErrCorruptTable, size)
	}
	buf := make([]byte, FooterSize)
	if _, err := r.file.ReadAt(buf, size-FooterSize); err != nil {
		return err
	}
	f, err := decodeFooter(buf)
	if err != nil {
		return err
	}
	r.footer = f

	raw, err := r.readRaw(f.props)
	if err != nil {
		return fmt.Errorf("read properties: %w", err)
	}
	if r.props, err = decodeProperties(raw); err != nil {
		return err
	}
	if r.props.ComparatorName != r.opts.Comparator.Name() {
		return fmt.Errorf("%w: table %q, reader %q", ErrComparatorMismatch, r.props.ComparatorName, r.opts.Comparator.Name())
	}
	if f.filter.Size > 0 {
		if raw, err = r.readRaw(f.filter); err != nil {
			return fmt.Errorf("read filter: %w", err)
		}
		if r.filter, err = filter.NewReader(raw); err != nil {
			return err
		}
	}
	if f.format == FormatBTree {
		if f.height > 0 {
			if raw, err = r.readRaw(f.root); err != nil {
				return fmt.Errorf("read root: %w", err)
			}
			r.root, err = block.NewBlock(raw)
			return err
		}
		return nil
	}
	if f.index.Size > 0 {
		if err := r.loadIndex(); err != nil {
			return err
		}
	}
	return r.loadHandles()
}

func (r *Reader) loadIndex() error {
	raw, err := r.readRaw(r.footer.index)
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	blk, err := block.NewBlock(raw)
	if err != nil {
		return err
	}
	it := blk.NewIterator(r.opts.Comparator.Compare)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		ord, _, err := encoding.DecodeUvarint(it.Value())
		if err != nil {
			return fmt.Errorf("%w: index entry", ErrCorruptTable)
		}
		r.index = append(r.index, indexEntry{key: append([]byte(nil), it.Key()...), ordinal: int(ord)})
	}
	return it.Error()
}

func (r *Reader) loadHandles() error {
	raw, err := r.readRaw(r.footer.handles)
	if err != nil {
		return fmt.Errorf("read handles: %w", err)
	}
	d := encoding.NewDecoder(raw)
	n := d.Uvarint()
	if d.Err() != nil || n > uint64(len(raw)) {
		return fmt.Errorf("%w: handle count", ErrCorruptTable)
	}
	rest := raw[len(raw)-d.Remaining():]
	r.handles = make([]block.Handle, 0, n)
	for i := uint64(0); i < n; i++ {
		var h block.Handle
		if h, rest, err = block.DecodeHandle(rest); err != nil {
			return err
		}
		r.handles = append(r.handles, h)
	}
	return nil
}

// readRaw reads and verifies a stored block without caching.
func (r *Reader) readRaw(h block.Handle) ([]byte, error) {
	if int64(h.End()) > r.file.Size() {
		return nil, fmt.Errorf("%w: handle past end of file", ErrCorruptTable)
	}
	buf := make([]byte, h.Size+block.TrailerSize)
	if _, err := r.file.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, err
	}
	return block.Unseal(buf)
}

func (r *Reader) cacheKey(h block.Handle) cache.Key {
	return cache.Key{CF: r.opts.CFID, File: r.opts.FileID, Offset: h.Offset}
}

// readBlock returns a data or node block, through the block cache.
func (r *Reader) readBlock(h block.Handle) (*block.Block, error) {
	key := r.cacheKey(h)
	if v, ok := r.opts.Cache.Get(key); ok {
		if blk, ok := v.(*block.Block); ok {
			return blk, nil
		}
	}
	raw, err := r.readRaw(h)
	if err != nil {
		return nil, err
	}
	blk, err := block.NewBlock(raw)
	if err != nil {
		return nil, err
	}
	r.opts.Cache.Insert(key, blk, int64(len(raw)))
	return blk, nil
}

// readValue returns the payload of a value record, through the block cache.
func (r *Reader) readValue(h block.Handle) ([]byte, error) {
	key := r.cacheKey(h)
	if v, ok := r.opts.Cache.Get(key); ok {
		if payload, ok := v.([]byte); ok {
			return payload, nil
		}
	}
	payload, err := r.readRaw(h)
	if err != nil {
		return nil, err
	}
	r.opts.Cache.Insert(key, payload, int64(len(payload)))
	return payload, nil
}

// resolve turns a value reference into the stored value it points at.
func (r *Reader) resolve(ref []byte) ([]byte, error) {
	ttl, hb, err := dbformat.DecodeValue(ref)
	if err != nil {
		return nil, err
	}
	h, _, err := block.DecodeHandle(hb)
	if err != nil {
		return nil, err
	}
	payload, err := r.readValue(h)
	if err != nil {
		return nil, err
	}
	return dbformat.EncodeValue(nil, ttl, payload), nil
}

// Properties returns the table properties.
func (r *Reader) Properties() *Properties { return r.props }

// Format returns the table layout.
func (r *Reader) Format() Format { return r.footer.format }

// FileSize returns the size of the table file.
func (r *Reader) FileSize() int64 { return r.file.Size() }

// MayContain consults the bloom filter. Without one it returns true.
func (r *Reader) MayContain(userKey []byte) bool {
	return r.filter == nil || r.filter.MayContain(userKey)
}

// Get returns the newest entry for userKey with sequence at most seq. The
// returned value is a stored value (dbformat.EncodeValue) and is owned by
// the caller.
func (r *Reader) Get(userKey []byte, seq dbformat.SequenceNumber) (value []byte, kind dbformat.ValueType, found bool, err error) {
	if !r.MayContain(userKey) {
		return nil, 0, false, nil
	}
	it := r.NewIterator()
	defer it.Close()
	it.Seek(dbformat.MakeInternalKey(userKey, seq, dbformat.TypeForSeek))
	if !it.Valid() {
		return nil, 0, false, it.Error()
	}
	pk, err := dbformat.ParseInternalKey(it.Key())
	if err != nil {
		return nil, 0, false, err
	}
	if r.icmp.CompareUser(pk.UserKey, userKey) != 0 || pk.Sequence > seq {
		return nil, 0, false, nil
	}
	v := it.Value()
	if err := it.Error(); err != nil {
		return nil, 0, false, err
	}
	return append([]byte(nil), v...), pk.Type, true, nil
}

// indexStart returns the first block ordinal that can hold userKey: the
// block of the last index entry strictly below the (truncated) key, or 0.
// Earlier versions of a user key may sit at the end of the previous block,
// so an equal index key does not qualify.
func (r *Reader) indexStart(userKey []byte) int {
	if len(r.index) == 0 {
		return -1
	}
	target := truncate(userKey, int(r.props.IndexPrefixLen))
	i := sort.Search(len(r.index), func(i int) bool {
		return r.opts.Comparator.Compare(r.index[i].key, target) >= 0
	})
	if i == 0 {
		return 0
	}
	return r.index[i-1].ordinal
}

// searchBlocks binary searches the blocks from ordinal lo for the first
// one whose last key is at or after ikey.
func (r *Reader) searchBlocks(lo int, ikey []byte) (int, error) {
	var err error
	i := lo + sort.Search(len(r.handles)-lo, func(i int) bool {
		if err != nil {
			return true
		}
		blk, e := r.readBlock(r.handles[lo+i])
		if e != nil {
			err = e
			return true
		}
		it := blk.NewIterator(r.icmp.Compare)
		it.SeekToLast()
		return !it.Valid() || r.icmp.Compare(it.Key(), ikey) >= 0
	})
	return i, err
}

// ApproxBlocks estimates the number of data blocks holding user keys in
// [a, b]. It uses only in-memory metadata.
func (r *Reader) ApproxBlocks(a, b []byte) uint64 {
	ucmp := r.opts.Comparator
	if ucmp.Compare(a, b) > 0 {
		a, b = b, a
	}
	smallest := dbformat.ExtractUserKey(r.props.SmallestKey)
	largest := dbformat.ExtractUserKey(r.props.LargestKey)
	if r.props.NumEntries == 0 || ucmp.Compare(b, smallest) < 0 || ucmp.Compare(a, largest) > 0 {
		return 0
	}
	total := r.props.NumDataBlocks
	if len(r.index) == 0 || total == 0 {
		return total
	}
	lo := max(r.indexStart(a), 0)
	hi := int(total)
	upper := truncate(b, int(r.props.IndexPrefixLen))
	for _, e := range r.index {
		if ucmp.Compare(e.key, upper) > 0 {
			hi = e.ordinal
			break
		}
	}
	if hi <= lo {
		return 1
	}
	return uint64(hi - lo)
}

// Ref adds a reference.
func (r *Reader) Ref() { r.refs.Add(1) }

// Unref drops a reference and closes the file at zero.
func (r *Reader) Unref() error {
	if r.refs.Add(-1) == 0 {
		return r.file.Close()
	}
	return nil
}

// Close drops the reference taken by Open.
func (r *Reader) Close() error { return r.Unref() }

// sortedCursor walks the blocks of a sorted-layout table by ordinal.
type sortedCursor struct {
	r   *Reader
	ord int
	err error
}

func (c *sortedCursor) at(ord int) (block.Handle, bool) {
	c.ord = ord
	if ord < 0 || ord >= len(c.r.handles) {
		return block.Handle{}, false
	}
	return c.r.handles[ord], true
}

func (c *sortedCursor) first() (block.Handle, bool) { return c.at(0) }

func (c *sortedCursor) last() (block.Handle, bool) { return c.at(len(c.r.handles) - 1) }

func (c *sortedCursor) next() (block.Handle, bool) { return c.at(c.ord + 1) }

func (c *sortedCursor) prev() (block.Handle, bool) { return c.at(c.ord - 1) }

func (c *sortedCursor) seek(ikey []byte) (block.Handle, bool) {
	ord, err := c.r.searchBlocks(max(c.r.indexStart(dbformat.ExtractUserKey(ikey)), 0), ikey)
	if err != nil {
		c.err = err
		return block.Handle{}, false
	}
	return c.at(ord)
}

func (c *sortedCursor) error() error { return c.err }
