package table

import (
	"errors"
	"io"

	"github.com/aalhour/tidekv/internal/block"
	"github.com/aalhour/tidekv/internal/compression"
	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/encoding"
	"github.com/aalhour/tidekv/internal/filter"
)

// ErrOutOfOrder is returned when keys are not added in increasing order.
var ErrOutOfOrder = errors.New("table: keys added out of order")

// BuilderOptions configures a table builder.
type BuilderOptions struct {
	Comparator      dbformat.Comparator
	Format          Format
	BlockSize       int
	RestartInterval int
	Compression     compression.Type

	// ValueThreshold moves payloads longer than this into value records.
	// Zero or less keeps every value inline.
	ValueThreshold int

	EnableBloom bool
	BloomFPR    float64

	EnableIndex      bool
	IndexSampleRatio int
	IndexPrefixLen   int
}

func (o *BuilderOptions) sanitize() {
	if o.Comparator == nil {
		o.Comparator = dbformat.Bytewise
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.RestartInterval <= 0 {
		o.RestartInterval = block.DefaultRestartInterval
	}
	if o.IndexSampleRatio <= 0 {
		o.IndexSampleRatio = 1
	}
	if o.BloomFPR <= 0 || o.BloomFPR >= 1 {
		o.BloomFPR = 0.01
	}
	// Byte-hashed filters are only sound when equal keys are equal bytes.
	if !dbformat.IsByteEqual(o.Comparator) {
		o.EnableBloom = false
	}
}

// Builder writes a table. Keys are internal keys and values are stored
// values (dbformat.EncodeValue).
type Builder struct {
	w    io.Writer
	opts BuilderOptions
	icmp dbformat.InternalComparator

	data     *block.Builder
	firstKey []byte
	handles  []block.Handle
	lastKeys [][]byte
	index    *block.Builder
	filter   *filter.Builder

	props    Properties
	lastKey  []byte
	offset   uint64
	err      error
	finished bool
}

// NewBuilder creates a builder writing to w.
func NewBuilder(w io.Writer, opts BuilderOptions) *Builder {
	opts.sanitize()
	b := &Builder{
		w:    w,
		opts: opts,
		icmp: dbformat.NewInternalComparator(opts.Comparator),
		data: block.NewBuilder(opts.RestartInterval),
	}
	b.props.Format = opts.Format
	b.props.ComparatorName = opts.Comparator.Name()
	b.props.MinSeq = uint64(dbformat.MaxSequenceNumber)
	if opts.EnableBloom {
		b.filter = filter.NewBuilder(opts.BloomFPR)
	}
	if opts.EnableIndex && opts.Format == FormatSorted {
		b.index = block.NewBuilder(1)
		if opts.IndexPrefixLen > 0 && dbformat.IsPrefixOrdered(opts.Comparator) {
			b.props.IndexPrefixLen = uint64(opts.IndexPrefixLen)
		}
	}
	return b
}

// Add appends one entry.
func (b *Builder) Add(ikey, value []byte) error {
	if b.err != nil {
		return b.err
	}
	if b.finished {
		return errors.New("table: Add after Finish")
	}
	pk, err := dbformat.ParseInternalKey(ikey)
	if err != nil {
		return b.fail(err)
	}
	if b.lastKey != nil && b.icmp.Compare(b.lastKey, ikey) >= 0 {
		return b.fail(ErrOutOfOrder)
	}
	b.lastKey = append(b.lastKey[:0], ikey...)

	b.props.NumEntries++
	b.props.RawKeySize += uint64(len(ikey))
	b.props.RawValueSize += uint64(len(value))
	b.props.MinSeq = min(b.props.MinSeq, uint64(pk.Sequence))
	b.props.MaxSeq = max(b.props.MaxSeq, uint64(pk.Sequence))
	if b.props.SmallestKey == nil {
		b.props.SmallestKey = append([]byte(nil), ikey...)
	}
	switch pk.Type {
	case dbformat.TypeDeletion:
		b.props.NumDeletions++
	case dbformat.TypeValue:
		if ikey, value, err = b.maybeSeparate(pk, ikey, value); err != nil {
			return b.fail(err)
		}
	}

	if b.data.Empty() {
		b.firstKey = append(b.firstKey[:0], ikey...)
	}
	b.data.Add(ikey, value)
	if b.filter != nil {
		b.filter.AddKey(pk.UserKey)
	}
	if b.data.EstimatedSize() >= b.opts.BlockSize {
		if err := b.flushBlock(); err != nil {
			return b.fail(err)
		}
	}
	return nil
}

// maybeSeparate writes a large payload as a value record and returns the
// reference entry that replaces it.
func (b *Builder) maybeSeparate(pk dbformat.ParsedInternalKey, ikey, value []byte) ([]byte, []byte, error) {
	if b.opts.ValueThreshold <= 0 {
		return ikey, value, nil
	}
	ttl, payload, err := dbformat.DecodeValue(value)
	if err != nil {
		return nil, nil, err
	}
	if len(payload) <= b.opts.ValueThreshold {
		return ikey, value, nil
	}
	h, err := b.writeBlock(payload, b.opts.Compression)
	if err != nil {
		return nil, nil, err
	}
	b.props.NumValueRefs++
	ref := dbformat.MakeInternalKey(pk.UserKey, pk.Sequence, dbformat.TypeValueRef)
	return ref, dbformat.EncodeValue(nil, ttl, h.EncodeTo(nil)), nil
}

func (b *Builder) flushBlock() error {
	if b.data.Empty() {
		return nil
	}
	ordinal := len(b.handles)
	h, err := b.writeBlock(b.data.Finish(), b.opts.Compression)
	if err != nil {
		return err
	}
	b.handles = append(b.handles, h)
	b.lastKeys = append(b.lastKeys, append([]byte(nil), b.data.LastKey()...))
	b.props.NumDataBlocks++
	b.props.DataSize += h.Size

	if b.index != nil && ordinal%b.opts.IndexSampleRatio == 0 {
		key := truncate(dbformat.ExtractUserKey(b.firstKey), int(b.props.IndexPrefixLen))
		b.index.Add(key, encoding.AppendUvarint(nil, uint64(ordinal)))
	}
	b.data.Reset()
	return nil
}

// truncate cuts key to n bytes; n == 0 keeps it whole.
func truncate(key []byte, n int) []byte {
	if n > 0 && len(key) > n {
		return key[:n]
	}
	return key
}

func (b *Builder) writeBlock(raw []byte, codec compression.Type) (block.Handle, error) {
	sealed, err := block.Seal(codec, raw)
	if err != nil {
		return block.Handle{}, err
	}
	h := block.Handle{Offset: b.offset, Size: uint64(len(sealed) - block.TrailerSize)}
	n, err := b.w.Write(sealed)
	b.offset += uint64(n)
	if err != nil {
		return block.Handle{}, err
	}
	return h, nil
}

func (b *Builder) fail(err error) error {
	if b.err == nil {
		b.err = err
	}
	return err
}

// NumEntries returns the number of entries added.
func (b *Builder) NumEntries() uint64 { return b.props.NumEntries }

// EstimatedSize returns the bytes written plus the pending block.
func (b *Builder) EstimatedSize() uint64 {
	return b.offset + uint64(b.data.EstimatedSize())
}

// Abandon stops the builder. The caller removes the partial file.
func (b *Builder) Abandon() {
	b.finished = true
}

// Finish writes the meta blocks and footer and returns the table properties.
func (b *Builder) Finish() (*Properties, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.finished {
		return nil, errors.New("table: Finish called twice")
	}
	b.finished = true
	if err := b.flushBlock(); err != nil {
		return nil, b.fail(err)
	}
	if b.props.NumEntries == 0 {
		b.props.MinSeq = 0
	}
	b.props.LargestKey = append([]byte(nil), b.lastKey...)

	var f footer
	f.format = b.opts.Format
	var err error
	if b.opts.Format == FormatBTree {
		if f.root, f.height, err = b.writeTree(); err != nil {
			return nil, b.fail(err)
		}
	}
	if b.filter != nil && b.filter.NumKeys() > 0 {
		data, err := b.filter.Finish()
		if err != nil {
			return nil, b.fail(err)
		}
		if f.filter, err = b.writeBlock(data, compression.None); err != nil {
			return nil, b.fail(err)
		}
	}
	if b.opts.Format == FormatSorted {
		if b.index != nil && !b.index.Empty() {
			if f.index, err = b.writeBlock(b.index.Finish(), compression.None); err != nil {
				return nil, b.fail(err)
			}
		}
		raw := encoding.AppendUvarint(nil, uint64(len(b.handles)))
		for _, h := range b.handles {
			raw = h.EncodeTo(raw)
		}
		if f.handles, err = b.writeBlock(raw, compression.None); err != nil {
			return nil, b.fail(err)
		}
	}
	if f.props, err = b.writeBlock(b.props.encode(), compression.None); err != nil {
		return nil, b.fail(err)
	}
	n, err := b.w.Write(f.encode())
	b.offset += uint64(n)
	if err != nil {
		return nil, b.fail(err)
	}
	props := b.props
	return &props, nil
}

// FileSize returns the bytes written so far.
func (b *Builder) FileSize() uint64 { return b.offset }
