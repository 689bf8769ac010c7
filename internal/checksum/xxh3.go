package checksum

// XXH3-64 digests for table blocks and value records.

import "github.com/zeebo/xxh3"

// Block computes the XXH3-64 digest of a block payload followed by its
// one-byte compression tag.
func Block(payload []byte, tag byte) uint64 {
	h := xxh3.New()
	_, _ = h.Write(payload)
	_, _ = h.Write([]byte{tag})
	return h.Sum64()
}

// Hash64 returns the XXH3-64 digest of data.
func Hash64(data []byte) uint64 {
	return xxh3.Hash(data)
}
