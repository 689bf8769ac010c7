package block

import (
	"errors"
	"fmt"

	"github.com/aalhour/tidekv/internal/checksum"
	"github.com/aalhour/tidekv/internal/compression"
	"github.com/aalhour/tidekv/internal/encoding"
)

// TrailerSize is the size of the trailer following every stored block:
// one compression tag byte and an XXH3-64 checksum over payload and tag.
const TrailerSize = 9

// Seal compresses raw with codec and appends the trailer. A codec that
// cannot shrink raw is replaced by None.
func Seal(codec compression.Type, raw []byte) ([]byte, error) {
	payload := raw
	if codec != compression.None {
		c, err := compression.Compress(codec, raw)
		switch {
		case errors.Is(err, compression.ErrIncompressible):
			codec = compression.None
		case err != nil:
			return nil, err
		case len(c) >= len(raw):
			codec = compression.None
		default:
			payload = c
		}
	}
	out := make([]byte, 0, len(payload)+TrailerSize)
	out = append(out, payload...)
	out = append(out, byte(codec))
	return encoding.AppendFixed64(out, checksum.Block(payload, byte(codec))), nil
}

// Unseal verifies the trailer of a stored block (payload plus trailer) and
// returns the decompressed contents.
func Unseal(stored []byte) ([]byte, error) {
	if len(stored) < TrailerSize {
		return nil, ErrBadBlock
	}
	n := len(stored) - TrailerSize
	payload, tag := stored[:n], stored[n]
	want := encoding.DecodeFixed64(stored[n+1:])
	if got := checksum.Block(payload, tag); got != want {
		return nil, fmt.Errorf("%w: got %016x want %016x", ErrChecksumMismatch, got, want)
	}
	raw, err := compression.Decompress(compression.Type(tag), payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBlock, err)
	}
	return raw, nil
}
