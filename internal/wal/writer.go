package wal

import (
	"io"

	"github.com/aalhour/tidekv/internal/checksum"
	"github.com/aalhour/tidekv/internal/encoding"
)

// Writer fragments records into the block format.
type Writer struct {
	dest        io.Writer
	blockOffset int

	typeCRC   [LastType + 1]uint32
	headerBuf [HeaderSize]byte
}

// NewWriter creates a writer appending to dest, which must be empty or end
// on a record boundary written by a previous Writer at offset 0.
func NewWriter(dest io.Writer) *Writer {
	w := &Writer{dest: dest}
	for i := range w.typeCRC {
		w.typeCRC[i] = checksum.Value([]byte{byte(i)})
	}
	return w
}

// AddRecord writes one logical record and returns the bytes written,
// including headers and padding. An empty record still emits one fragment.
func (w *Writer) AddRecord(data []byte) (int, error) {
	total := 0
	begin := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			if leftover > 0 {
				n, err := w.dest.Write(make([]byte, leftover))
				total += n
				if err != nil {
					return total, err
				}
			}
			w.blockOffset = 0
		}

		avail := BlockSize - w.blockOffset - HeaderSize
		frag := min(len(data), avail)
		end := frag == len(data)

		var t RecordType
		switch {
		case begin && end:
			t = FullType
		case begin:
			t = FirstType
		case end:
			t = LastType
		default:
			t = MiddleType
		}

		n, err := w.emit(t, data[:frag])
		total += n
		if err != nil {
			return total, err
		}
		data = data[frag:]
		begin = false
		if end {
			return total, nil
		}
	}
}

func (w *Writer) emit(t RecordType, payload []byte) (int, error) {
	n := len(payload)
	w.headerBuf[4] = byte(n)
	w.headerBuf[5] = byte(n >> 8)
	w.headerBuf[6] = byte(t)

	crc := checksum.Mask(checksum.Extend(w.typeCRC[t], payload))
	copy(w.headerBuf[:4], encoding.AppendFixed32(nil, crc))

	total, err := w.dest.Write(w.headerBuf[:])
	if err != nil {
		return total, err
	}
	written, err := w.dest.Write(payload)
	total += written
	if err != nil {
		return total, err
	}
	w.blockOffset += HeaderSize + n
	return total, nil
}

// BlockOffset returns the offset within the current block.
func (w *Writer) BlockOffset() int {
	return w.blockOffset
}
