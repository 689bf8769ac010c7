package wal

import (
	"errors"
	"io"

	"github.com/aalhour/tidekv/internal/checksum"
	"github.com/aalhour/tidekv/internal/encoding"
)

var (
	// ErrCorruptedRecord is returned for a fragment with a bad checksum or an
	// impossible fragment sequence.
	ErrCorruptedRecord = errors.New("wal: corrupted record")

	// ErrTruncatedRecord is returned when the log ends inside a record.
	ErrTruncatedRecord = errors.New("wal: truncated record")
)

// Reader reads logical records.
//
// Reading stops at the first damaged record: later records are never
// returned, so replay applies a clean prefix of the log.
type Reader struct {
	src     io.Reader
	block   []byte
	buf     []byte
	eof     bool
	err     error
	offset  int64
	lastEnd int64

	fragments []byte
}

// NewReader creates a reader over src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src, block: make([]byte, BlockSize)}
}

// ReadRecord returns the next record, io.EOF at a clean end, or
// ErrTruncatedRecord / ErrCorruptedRecord at a damaged tail. The returned
// slice is valid until the next call.
func (r *Reader) ReadRecord() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.fragments = r.fragments[:0]
	inRecord := false
	for {
		t, payload, err := r.readPhysical()
		if err != nil {
			if errors.Is(err, io.EOF) && inRecord {
				err = ErrTruncatedRecord
			}
			r.err = err
			return nil, err
		}
		switch t {
		case FullType:
			if inRecord {
				return nil, r.fail()
			}
			r.lastEnd = r.offset
			return payload, nil
		case FirstType:
			if inRecord {
				return nil, r.fail()
			}
			r.fragments = append(r.fragments, payload...)
			inRecord = true
		case MiddleType:
			if !inRecord {
				return nil, r.fail()
			}
			r.fragments = append(r.fragments, payload...)
		case LastType:
			if !inRecord {
				return nil, r.fail()
			}
			r.fragments = append(r.fragments, payload...)
			r.lastEnd = r.offset
			return r.fragments, nil
		default:
			return nil, r.fail()
		}
	}
}

// LastRecordEnd returns the file offset just past the last good record.
func (r *Reader) LastRecordEnd() int64 {
	return r.lastEnd
}

func (r *Reader) fail() error {
	r.err = ErrCorruptedRecord
	return r.err
}

func (r *Reader) readPhysical() (RecordType, []byte, error) {
	for {
		if len(r.buf) < HeaderSize {
			// The rest of the block is padding.
			r.offset += int64(len(r.buf))
			if r.eof {
				if len(r.buf) > 0 && !allZero(r.buf) {
					r.buf = nil
					return 0, nil, ErrTruncatedRecord
				}
				r.buf = nil
				return 0, nil, io.EOF
			}
			n, err := io.ReadFull(r.src, r.block)
			switch {
			case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
				r.eof = true
			case err != nil:
				return 0, nil, err
			}
			r.buf = r.block[:n]
			if n == 0 {
				return 0, nil, io.EOF
			}
			continue
		}

		length := int(r.buf[4]) | int(r.buf[5])<<8
		t := RecordType(r.buf[6])
		if t == ZeroType && length == 0 {
			// Preallocated or padded space ends the log.
			if allZero(r.buf) {
				r.offset += int64(len(r.buf))
				r.buf = nil
				continue
			}
			return 0, nil, ErrCorruptedRecord
		}
		if HeaderSize+length > len(r.buf) {
			if r.eof {
				return 0, nil, ErrTruncatedRecord
			}
			return 0, nil, ErrCorruptedRecord
		}

		payload := r.buf[HeaderSize : HeaderSize+length]
		want := checksum.Unmask(encoding.DecodeFixed32(r.buf[:4]))
		got := checksum.Extend(checksum.Value([]byte{byte(t)}), payload)
		if want != got {
			return 0, nil, ErrCorruptedRecord
		}
		r.buf = r.buf[HeaderSize+length:]
		r.offset += int64(HeaderSize + length)
		return t, payload, nil
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
