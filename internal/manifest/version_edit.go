package manifest

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/aalhour/tidekv/internal/encoding"
)

// Errors returned while decoding a VersionEdit.
var (
	ErrInvalidTag          = errors.New("manifest: invalid tag")
	ErrInvalidFileMetadata = errors.New("manifest: invalid file metadata")
)

// FileMeta describes one live table. The persisted fields are immutable
// once the table is installed.
type FileMeta struct {
	ID    uint64
	Level int
	Size  uint64

	Smallest []byte // internal key
	Largest  []byte // internal key

	NumEntries   uint64
	NumDeletions uint64
	RawKeySize   uint64
	RawValueSize uint64
	MinSeq       uint64
	MaxSeq       uint64
	BTreeNodes   uint64
	BTreeHeight  uint64

	// BeingCompacted is guarded by the owning column family's mutex.
	BeingCompacted bool

	// refs counts the versions holding this file.
	refs atomic.Int32
}

// Ref adds a version reference.
func (f *FileMeta) Ref() { f.refs.Add(1) }

// Unref drops a version reference and returns the remaining count.
func (f *FileMeta) Unref() int32 { return f.refs.Add(-1) }

// Refs returns the current reference count.
func (f *FileMeta) Refs() int32 { return f.refs.Load() }

func (f *FileMeta) String() string {
	return fmt.Sprintf("L%d#%d(%d bytes, %d entries)", f.Level, f.ID, f.Size, f.NumEntries)
}

// DeletedFileEntry names a table removed by an edit.
type DeletedFileEntry struct {
	Level int
	ID    uint64
}

// VersionEdit is one change to the set of live tables plus counter updates.
type VersionEdit struct {
	Comparator    string
	HasComparator bool

	// LogNumber is the oldest WAL whose contents are not yet in a table.
	LogNumber    uint64
	HasLogNumber bool

	NextFileID    uint64
	HasNextFileID bool

	LastSequence    uint64
	HasLastSequence bool

	NumLevels    int
	HasNumLevels bool

	DeletedFiles []DeletedFileEntry
	NewFiles     []*FileMeta
}

// SetComparatorName records the column family comparator.
func (ve *VersionEdit) SetComparatorName(name string) {
	ve.Comparator = name
	ve.HasComparator = true
}

// SetLogNumber records the oldest live WAL.
func (ve *VersionEdit) SetLogNumber(id uint64) {
	ve.LogNumber = id
	ve.HasLogNumber = true
}

// SetNextFileID records the file id allocator position.
func (ve *VersionEdit) SetNextFileID(id uint64) {
	ve.NextFileID = id
	ve.HasNextFileID = true
}

// SetLastSequence records the last committed sequence.
func (ve *VersionEdit) SetLastSequence(seq uint64) {
	ve.LastSequence = seq
	ve.HasLastSequence = true
}

// SetNumLevels records the number of levels.
func (ve *VersionEdit) SetNumLevels(n int) {
	ve.NumLevels = n
	ve.HasNumLevels = true
}

// DeleteFile adds a file deletion.
func (ve *VersionEdit) DeleteFile(level int, id uint64) {
	ve.DeletedFiles = append(ve.DeletedFiles, DeletedFileEntry{Level: level, ID: id})
}

// AddFile adds a new file. f.Level names the level.
func (ve *VersionEdit) AddFile(f *FileMeta) {
	ve.NewFiles = append(ve.NewFiles, f)
}

// Empty reports whether the edit changes nothing.
func (ve *VersionEdit) Empty() bool {
	return !ve.HasComparator && !ve.HasLogNumber && !ve.HasNextFileID &&
		!ve.HasLastSequence && !ve.HasNumLevels &&
		len(ve.DeletedFiles) == 0 && len(ve.NewFiles) == 0
}

func appendTag(dst []byte, t Tag) []byte {
	return encoding.AppendUvarint(dst, uint64(t))
}

// EncodeTo appends the encoded edit to dst.
func (ve *VersionEdit) EncodeTo(dst []byte) []byte {
	if ve.HasComparator {
		dst = appendTag(dst, TagComparator)
		dst = encoding.AppendLengthPrefixed(dst, []byte(ve.Comparator))
	}
	if ve.HasLogNumber {
		dst = appendTag(dst, TagLogNumber)
		dst = encoding.AppendUvarint(dst, ve.LogNumber)
	}
	if ve.HasNextFileID {
		dst = appendTag(dst, TagNextFileID)
		dst = encoding.AppendUvarint(dst, ve.NextFileID)
	}
	if ve.HasLastSequence {
		dst = appendTag(dst, TagLastSeq)
		dst = encoding.AppendUvarint(dst, ve.LastSequence)
	}
	if ve.HasNumLevels {
		dst = appendTag(dst, TagNumLevels)
		dst = encoding.AppendUvarint(dst, uint64(ve.NumLevels))
	}
	for _, df := range ve.DeletedFiles {
		dst = appendTag(dst, TagDeletedFile)
		dst = encoding.AppendUvarint(dst, uint64(df.Level))
		dst = encoding.AppendUvarint(dst, df.ID)
	}
	for _, f := range ve.NewFiles {
		dst = appendTag(dst, TagNewFile)
		dst = encodeFile(dst, f)
	}
	return dst
}

func encodeFile(dst []byte, f *FileMeta) []byte {
	dst = encoding.AppendUvarint(dst, uint64(f.Level))
	dst = encoding.AppendUvarint(dst, f.ID)
	dst = encoding.AppendUvarint(dst, f.Size)
	dst = encoding.AppendLengthPrefixed(dst, f.Smallest)
	dst = encoding.AppendLengthPrefixed(dst, f.Largest)
	for _, v := range []uint64{
		f.NumEntries, f.NumDeletions, f.RawKeySize, f.RawValueSize,
		f.MinSeq, f.MaxSeq, f.BTreeNodes, f.BTreeHeight,
	} {
		dst = encoding.AppendUvarint(dst, v)
	}
	return dst
}

func decodeFile(d *encoding.Decoder) (*FileMeta, error) {
	f := &FileMeta{
		Level: int(d.Uvarint()),
		ID:    d.Uvarint(),
		Size:  d.Uvarint(),
	}
	f.Smallest = append([]byte(nil), d.LengthPrefixed()...)
	f.Largest = append([]byte(nil), d.LengthPrefixed()...)
	for _, p := range []*uint64{
		&f.NumEntries, &f.NumDeletions, &f.RawKeySize, &f.RawValueSize,
		&f.MinSeq, &f.MaxSeq, &f.BTreeNodes, &f.BTreeHeight,
	} {
		*p = d.Uvarint()
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFileMetadata, err)
	}
	return f, nil
}

// DecodeFrom replaces ve with the edit encoded in data.
func (ve *VersionEdit) DecodeFrom(data []byte) error {
	*ve = VersionEdit{}
	d := encoding.NewDecoder(data)
	for d.Remaining() > 0 {
		tag := Tag(d.Uvarint())
		if err := d.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTag, err)
		}
		switch tag {
		case TagComparator:
			ve.SetComparatorName(string(d.LengthPrefixed()))
		case TagLogNumber:
			ve.SetLogNumber(d.Uvarint())
		case TagNextFileID:
			ve.SetNextFileID(d.Uvarint())
		case TagLastSeq:
			ve.SetLastSequence(d.Uvarint())
		case TagNumLevels:
			ve.SetNumLevels(int(d.Uvarint()))
		case TagDeletedFile:
			level := int(d.Uvarint())
			ve.DeleteFile(level, d.Uvarint())
		case TagNewFile:
			f, err := decodeFile(d)
			if err != nil {
				return err
			}
			ve.AddFile(f)
		default:
			if !tag.IsSafeToIgnore() {
				return fmt.Errorf("%w: %d", ErrInvalidTag, tag)
			}
			d.LengthPrefixed()
		}
		if err := d.Err(); err != nil {
			return fmt.Errorf("%w: tag %d: %v", ErrInvalidTag, tag, err)
		}
	}
	return nil
}
