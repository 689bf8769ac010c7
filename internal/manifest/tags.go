// Package manifest encodes the version edits recorded in a column family's
// MANIFEST file.
//
// A MANIFEST is a log (see package wal) of edit records. Each record is a
// sequence of tagged fields. Replaying every edit in order reproduces the
// set of live tables and the counters needed by recovery.
package manifest

// Tag identifies a field of an encoded VersionEdit. Tag numbers are written
// to disk and must not change.
type Tag uint32

const (
	TagComparator  Tag = 1
	TagLogNumber   Tag = 2
	TagNextFileID  Tag = 3
	TagLastSeq     Tag = 4
	TagDeletedFile Tag = 6
	TagNewFile     Tag = 7
	TagNumLevels   Tag = 11

	// TagSafeIgnoreMask marks tags an older reader may skip. Such fields are
	// length-prefixed.
	TagSafeIgnoreMask Tag = 1 << 13
)

// IsSafeToIgnore reports whether an unknown tag can be skipped.
func (t Tag) IsSafeToIgnore() bool {
	return t&TagSafeIgnoreMask != 0
}
