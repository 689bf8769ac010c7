// Package checksum provides the checksums used on disk.
//
// WAL records carry a masked CRC32C (Castagnoli). Table blocks carry an
// XXH3-64 digest.
package checksum

import "hash/crc32"

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// maskDelta is added to the rotated CRC by Mask.
const maskDelta = 0xa282ead8

// Value computes the CRC32C of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Extend computes the CRC32C of concat(A, data) where initCRC is the CRC32C of A.
func Extend(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, crc32cTable, data)
}

// Mask returns the stored form of crc. CRCs of data that embeds CRCs are
// weak, so stored CRCs are always masked.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask inverts Mask.
func Unmask(masked uint32) uint32 {
	rot := masked - maskDelta
	return (rot >> 17) | (rot << 15)
}
