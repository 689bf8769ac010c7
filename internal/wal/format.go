// Package wal implements the per-memtable write-ahead log.
//
// A log file is divided into fixed-size blocks (32 KiB). Each logical record
// (one encoded write batch) is split into physical fragments that never
// straddle a block boundary:
//
//	+----------+---------+------+---------+
//	| CRC (4B) | Len(2B) | Type | Payload |
//	+----------+---------+------+---------+
//
// CRC is crc32c over Type + Payload, masked with checksum.Mask. A block tail
// too short for a header is zero-padded.
package wal

import (
	"fmt"
	"strconv"
	"strings"
)

// BlockSize is the size of each block in the log file.
const BlockSize = 32768

// HeaderSize is the size of a physical record header.
const HeaderSize = 7

// MaxRecordPayload is the largest fragment that fits in one block.
const MaxRecordPayload = BlockSize - HeaderSize

// RecordType tags a physical record. Values are persisted.
type RecordType uint8

const (
	// ZeroType marks zero padding.
	ZeroType RecordType = 0
	// FullType is a record stored in one fragment.
	FullType RecordType = 1
	// FirstType starts a fragmented record.
	FirstType RecordType = 2
	// MiddleType continues a fragmented record.
	MiddleType RecordType = 3
	// LastType ends a fragmented record.
	LastType RecordType = 4
)

func (t RecordType) String() string {
	switch t {
	case ZeroType:
		return "zero"
	case FullType:
		return "full"
	case FirstType:
		return "first"
	case MiddleType:
		return "middle"
	case LastType:
		return "last"
	}
	return "unknown"
}

const (
	filePrefix = "wal_"
	fileSuffix = ".log"
)

// FileName returns the base name of log id.
func FileName(id uint64) string {
	return fmt.Sprintf("%s%d%s", filePrefix, id, fileSuffix)
}

// ParseFileName extracts the id from a log file base name.
func ParseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(name[len(filePrefix):len(name)-len(fileSuffix)], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
