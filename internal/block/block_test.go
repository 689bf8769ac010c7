package block

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/aalhour/tidekv/internal/compression"
)

func buildBlock(t *testing.T, interval, n int) (*Block, []string) {
	t.Helper()
	b := NewBuilder(interval)
	keys := make([]string, n)
	for i := range n {
		keys[i] = fmt.Sprintf("key%04d", i*2)
		b.Add([]byte(keys[i]), []byte("v"+keys[i]))
	}
	blk, err := NewBlock(append([]byte(nil), b.Finish()...))
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	return blk, keys
}

func TestBlock_ForwardAndReverse(t *testing.T) {
	for _, interval := range []int{1, 3, 16} {
		t.Run(fmt.Sprintf("restart=%d", interval), func(t *testing.T) {
			blk, keys := buildBlock(t, interval, 50)
			it := blk.NewIterator(bytes.Compare)

			i := 0
			for it.SeekToFirst(); it.Valid(); it.Next() {
				if string(it.Key()) != keys[i] || string(it.Value()) != "v"+keys[i] {
					t.Fatalf("entry %d = %s/%s", i, it.Key(), it.Value())
				}
				i++
			}
			if i != len(keys) {
				t.Fatalf("forward saw %d entries", i)
			}

			i = len(keys) - 1
			for it.SeekToLast(); it.Valid(); it.Prev() {
				if string(it.Key()) != keys[i] {
					t.Fatalf("reverse entry %d = %s, want %s", i, it.Key(), keys[i])
				}
				i--
			}
			if i != -1 {
				t.Fatalf("reverse stopped at %d", i)
			}
		})
	}
}

func TestBlock_Seek(t *testing.T) {
	blk, _ := buildBlock(t, 4, 20) // key0000, key0002, ..., key0038
	it := blk.NewIterator(bytes.Compare)

	tests := []struct {
		target  string
		seek    string
		forPrev string
	}{
		{"a", "key0000", ""},
		{"key0000", "key0000", "key0000"},
		{"key0005", "key0006", "key0004"},
		{"key0016", "key0016", "key0016"},
		{"key0038", "key0038", "key0038"},
		{"key0039", "", "key0038"},
	}
	for _, tt := range tests {
		it.Seek([]byte(tt.target))
		got := ""
		if it.Valid() {
			got = string(it.Key())
		}
		if got != tt.seek {
			t.Errorf("Seek(%s) = %q, want %q", tt.target, got, tt.seek)
		}
		it.SeekForPrev([]byte(tt.target))
		got = ""
		if it.Valid() {
			got = string(it.Key())
		}
		if got != tt.forPrev {
			t.Errorf("SeekForPrev(%s) = %q, want %q", tt.target, got, tt.forPrev)
		}
	}
}

func TestBlock_EmptyBlock(t *testing.T) {
	blk, err := NewBlock(NewBuilder(16).Finish())
	if err != nil {
		t.Fatal(err)
	}
	it := blk.NewIterator(bytes.Compare)
	it.SeekToFirst()
	if it.Valid() {
		t.Error("empty block iterator is valid")
	}
	it.SeekToLast()
	if it.Valid() {
		t.Error("empty block iterator is valid after SeekToLast")
	}
}

func TestBlock_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"short":         {1, 2},
		"zero restarts": {0, 0, 0, 0},
		"too many":      {0, 0, 0, 0, 9, 0, 0, 0},
	}
	for name, data := range tests {
		if _, err := NewBlock(data); !errors.Is(err, ErrBadBlock) {
			t.Errorf("%s: err = %v", name, err)
		}
	}

	b := NewBuilder(16)
	b.Add([]byte("abc"), []byte("value"))
	data := append([]byte(nil), b.Finish()...)
	data[1] = 50 // unshared length past the end
	blk, err := NewBlock(data)
	if err != nil {
		t.Fatal(err)
	}
	it := blk.NewIterator(bytes.Compare)
	it.SeekToFirst()
	if it.Valid() || !errors.Is(it.Error(), ErrBadBlock) {
		t.Errorf("corrupt entry: valid=%v err=%v", it.Valid(), it.Error())
	}
}

func TestBuilder_ResetAndEstimate(t *testing.T) {
	b := NewBuilder(2)
	if !b.Empty() || b.EstimatedSize() != 8 {
		t.Fatalf("fresh builder: empty=%v size=%d", b.Empty(), b.EstimatedSize())
	}
	b.Add([]byte("k1"), []byte("v1"))
	b.Add([]byte("k2"), []byte("v2"))
	b.Add([]byte("k3"), []byte("v3"))
	if b.Entries() != 3 || string(b.LastKey()) != "k3" {
		t.Errorf("Entries=%d LastKey=%s", b.Entries(), b.LastKey())
	}
	size := b.EstimatedSize()
	if got := len(b.Finish()); got != size {
		t.Errorf("Finish len = %d, estimate %d", got, size)
	}
	b.Reset()
	if !b.Empty() {
		t.Error("Reset did not clear the builder")
	}
	b.Add([]byte("z"), nil)
	if _, err := NewBlock(b.Finish()); err != nil {
		t.Errorf("reused builder: %v", err)
	}
}

func TestSealUnseal(t *testing.T) {
	raw := bytes.Repeat([]byte("compressible block payload "), 100)
	codecs := []compression.Type{
		compression.None, compression.Snappy, compression.LZ4,
		compression.ZSTD, compression.LZ4Fast,
	}
	for _, c := range codecs {
		t.Run(c.String(), func(t *testing.T) {
			stored, err := Seal(c, raw)
			if err != nil {
				t.Fatalf("Seal: %v", err)
			}
			if c != compression.None && len(stored) >= len(raw) {
				t.Errorf("stored %d bytes for %d raw", len(stored), len(raw))
			}
			got, err := Unseal(stored)
			if err != nil || !bytes.Equal(got, raw) {
				t.Fatalf("Unseal: %v", err)
			}

			stored[0] ^= 0xff
			if _, err := Unseal(stored); !errors.Is(err, ErrChecksumMismatch) {
				t.Errorf("flipped byte: err = %v", err)
			}
		})
	}
}

func TestSeal_IncompressibleFallsBackToNone(t *testing.T) {
	raw := []byte{0x01}
	stored, err := Seal(compression.LZ4, raw)
	if err != nil {
		t.Fatal(err)
	}
	if compression.Type(stored[len(stored)-TrailerSize]) != compression.None {
		t.Errorf("tag = %d, want none", stored[len(stored)-TrailerSize])
	}
	if len(stored) != len(raw)+TrailerSize {
		t.Errorf("stored len = %d", len(stored))
	}
}

func TestHandle(t *testing.T) {
	h := Handle{Offset: 1 << 40, Size: 4096}
	enc := h.EncodeTo([]byte("x"))[1:]
	got, rest, err := DecodeHandle(append(enc, 'y'))
	if err != nil || got != h || string(rest) != "y" {
		t.Errorf("DecodeHandle = %+v %q %v", got, rest, err)
	}
	if h.End() != h.Offset+h.Size+TrailerSize {
		t.Errorf("End = %d", h.End())
	}
	if _, _, err := DecodeHandle([]byte{0x80}); !errors.Is(err, ErrBadHandle) {
		t.Errorf("truncated handle: err = %v", err)
	}
}
