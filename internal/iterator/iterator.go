// Package iterator defines the cursor interface shared by memtables, blocks,
// tables and the engine, plus combinators over it.
package iterator

// Iterator is a bidirectional cursor over sorted key/value pairs.
//
// Key and Value are only valid until the next positioning call.
type Iterator interface {
	// Valid reports whether the iterator is positioned at an entry.
	Valid() bool

	Key() []byte
	Value() []byte

	SeekToFirst()
	SeekToLast()

	// Seek positions at the first entry with key >= target.
	Seek(target []byte)

	// SeekForPrev positions at the last entry with key <= target.
	SeekForPrev(target []byte)

	Next()
	Prev()

	// Error returns the first error hit while iterating.
	Error() error

	// Close releases resources held by the iterator.
	Close() error
}

// Empty returns an iterator with no entries, optionally carrying err.
func Empty(err error) Iterator {
	return emptyIterator{err: err}
}

type emptyIterator struct{ err error }

func (emptyIterator) Valid() bool        { return false }
func (emptyIterator) Key() []byte        { return nil }
func (emptyIterator) Value() []byte      { return nil }
func (emptyIterator) SeekToFirst()       {}
func (emptyIterator) SeekToLast()        {}
func (emptyIterator) Seek([]byte)        {}
func (emptyIterator) SeekForPrev([]byte) {}
func (emptyIterator) Next()              {}
func (emptyIterator) Prev()              {}
func (e emptyIterator) Error() error     { return e.err }
func (emptyIterator) Close() error       { return nil }
