// Package table reads and writes immutable sorted table files.
//
// A table holds internal keys in order. Two layouts share the same data
// blocks (see package block) and differ in how blocks are located:
//
// Sorted-block layout:
//
//	[value record | data block]*   values above the threshold precede the block referencing them
//	[filter block]                 optional bloom filter over user keys
//	[index block]                  optional sampled index: truncated first user key -> block ordinal
//	[handles block]                every data block handle, in order
//	[properties block]
//	[footer]
//
// B+tree layout:
//
//	[value record | leaf block]*
//	[internal node blocks]         separator (last key of child) -> child handle, bottom-up
//	[filter block]
//	[properties block]
//	[footer]
//
// Every block and value record is followed by a 9-byte trailer
// (block.TrailerSize): compression tag and XXH3-64 checksum.
package table

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aalhour/tidekv/internal/block"
	"github.com/aalhour/tidekv/internal/encoding"
)

// Magic terminates every table file.
const Magic uint64 = 0x7469_6465_6b76_7462 // "tidekvtb"

// Format is the block location scheme of a table.
type Format uint32

const (
	// FormatSorted locates blocks through a handle array and sampled index.
	FormatSorted Format = 0
	// FormatBTree locates blocks by descending a B+tree of internal nodes.
	FormatBTree Format = 1
)

func (f Format) String() string {
	if f == FormatBTree {
		return "btree"
	}
	return "sorted"
}

var (
	// ErrBadMagic is returned when a file does not end with Magic.
	ErrBadMagic = errors.New("table: bad magic number")

	// ErrCorruptTable is returned for malformed table metadata.
	ErrCorruptTable = errors.New("table: corrupt table")
)

// FooterSize is the fixed size of the footer.
const FooterSize = 5*16 + 4 + 4 + 8

// footer locates the meta blocks. Null handles have Size 0 and Offset 0.
type footer struct {
	filter  block.Handle
	index   block.Handle
	handles block.Handle
	props   block.Handle
	root    block.Handle
	height  uint32
	format  Format
}

func (f *footer) encode() []byte {
	dst := make([]byte, 0, FooterSize)
	for _, h := range []block.Handle{f.filter, f.index, f.handles, f.props, f.root} {
		dst = encoding.AppendFixed64(dst, h.Offset)
		dst = encoding.AppendFixed64(dst, h.Size)
	}
	dst = encoding.AppendFixed32(dst, f.height)
	dst = encoding.AppendFixed32(dst, uint32(f.format))
	return encoding.AppendFixed64(dst, Magic)
}

func decodeFooter(data []byte) (*footer, error) {
	if len(data) != FooterSize {
		return nil, fmt.Errorf("%w: footer size %d", ErrCorruptTable, len(data))
	}
	d := encoding.NewDecoder(data)
	hs := make([]block.Handle, 5)
	for i := range hs {
		hs[i].Offset = d.Fixed64()
		hs[i].Size = d.Fixed64()
	}
	f := &footer{
		filter:  hs[0],
		index:   hs[1],
		handles: hs[2],
		props:   hs[3],
		root:    hs[4],
		height:  d.Fixed32(),
		format:  Format(d.Fixed32()),
	}
	if d.Fixed64() != Magic {
		return nil, ErrBadMagic
	}
	if f.format > FormatBTree {
		return nil, fmt.Errorf("%w: format %d", ErrCorruptTable, f.format)
	}
	return f, nil
}

const (
	filePrefix = "sstable_"
	fileSuffix = ".sst"
)

// FileName returns the base name of table id at level.
func FileName(level int, id uint64) string {
	return fmt.Sprintf("%s%d_%d%s", filePrefix, level, id, fileSuffix)
}

// ParseFileName extracts level and id from a table base name.
func ParseFileName(name string) (level int, id uint64, ok bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, 0, false
	}
	parts := strings.Split(name[len(filePrefix):len(name)-len(fileSuffix)], "_")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lv, err := strconv.Atoi(parts[0])
	if err != nil || lv < 0 {
		return 0, 0, false
	}
	id, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return lv, id, true
}

// Properties summarizes a table. They are persisted in the properties block.
type Properties struct {
	Format         Format
	ComparatorName string
	NumEntries     uint64
	NumDeletions   uint64
	NumValueRefs   uint64
	NumDataBlocks  uint64
	RawKeySize     uint64
	RawValueSize   uint64
	DataSize       uint64
	SmallestKey    []byte // internal key
	LargestKey     []byte // internal key
	MinSeq         uint64
	MaxSeq         uint64
	BTreeNodes     uint64 // internal nodes
	BTreeHeight    uint64 // levels including leaves
	IndexPrefixLen uint64 // index key truncation, 0 for full keys
}

func (p *Properties) encode() []byte {
	type prop struct {
		name  string
		value []byte
	}
	u := func(v uint64) []byte { return encoding.AppendUvarint(nil, v) }
	props := []prop{
		{"tidekv.btree.height", u(p.BTreeHeight)},
		{"tidekv.btree.nodes", u(p.BTreeNodes)},
		{"tidekv.comparator", []byte(p.ComparatorName)},
		{"tidekv.data.size", u(p.DataSize)},
		{"tidekv.format", u(uint64(p.Format))},
		{"tidekv.index.prefix.len", u(p.IndexPrefixLen)},
		{"tidekv.key.largest", p.LargestKey},
		{"tidekv.key.smallest", p.SmallestKey},
		{"tidekv.num.data.blocks", u(p.NumDataBlocks)},
		{"tidekv.num.deletions", u(p.NumDeletions)},
		{"tidekv.num.entries", u(p.NumEntries)},
		{"tidekv.num.value.refs", u(p.NumValueRefs)},
		{"tidekv.raw.key.size", u(p.RawKeySize)},
		{"tidekv.raw.value.size", u(p.RawValueSize)},
		{"tidekv.seq.max", u(p.MaxSeq)},
		{"tidekv.seq.min", u(p.MinSeq)},
	}
	sort.Slice(props, func(i, j int) bool { return props[i].name < props[j].name })
	b := block.NewBuilder(1)
	for _, pr := range props {
		b.Add([]byte(pr.name), pr.value)
	}
	return b.Finish()
}

func decodeProperties(data []byte) (*Properties, error) {
	blk, err := block.NewBlock(data)
	if err != nil {
		return nil, err
	}
	p := &Properties{}
	it := blk.NewIterator(bytes.Compare)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		v := it.Value()
		var n uint64
		var err error
		uintField := func(dst *uint64) {
			n, _, err = encoding.DecodeUvarint(v)
			*dst = n
		}
		switch string(it.Key()) {
		case "tidekv.btree.height":
			uintField(&p.BTreeHeight)
		case "tidekv.btree.nodes":
			uintField(&p.BTreeNodes)
		case "tidekv.comparator":
			p.ComparatorName = string(v)
		case "tidekv.data.size":
			uintField(&p.DataSize)
		case "tidekv.format":
			var f uint64
			uintField(&f)
			p.Format = Format(f)
		case "tidekv.index.prefix.len":
			uintField(&p.IndexPrefixLen)
		case "tidekv.key.largest":
			p.LargestKey = append([]byte(nil), v...)
		case "tidekv.key.smallest":
			p.SmallestKey = append([]byte(nil), v...)
		case "tidekv.num.data.blocks":
			uintField(&p.NumDataBlocks)
		case "tidekv.num.deletions":
			uintField(&p.NumDeletions)
		case "tidekv.num.entries":
			uintField(&p.NumEntries)
		case "tidekv.num.value.refs":
			uintField(&p.NumValueRefs)
		case "tidekv.raw.key.size":
			uintField(&p.RawKeySize)
		case "tidekv.raw.value.size":
			uintField(&p.RawValueSize)
		case "tidekv.seq.max":
			uintField(&p.MaxSeq)
		case "tidekv.seq.min":
			uintField(&p.MinSeq)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: property %s", ErrCorruptTable, it.Key())
		}
	}
	if it.Error() != nil {
		return nil, it.Error()
	}
	return p, nil
}
