// Package dbformat defines the internal key and value encodings shared by
// memtables, WAL replay, blocks and tables.
//
// Internal key layout:
//
//	user_key | fixed64(seq<<8 | type)
//
// Internal keys sort by user key ascending (column family comparator), then by
// the packed trailer descending, so the newest version of a key comes first.
//
// Stored value layout:
//
//	varint(ttl) | payload
//
// ttl is an absolute unix timestamp in seconds; any negative ttl never expires.
package dbformat

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aalhour/tidekv/internal/encoding"
)

// SequenceNumber orders commits within a column family.
type SequenceNumber uint64

// MaxSequenceNumber is the largest sequence that fits in the trailer.
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

// NumInternalBytes is the size of the internal key trailer.
const NumInternalBytes = 8

// NoTTL marks a value that never expires.
const NoTTL int64 = -1

// ValueType tags an internal key.
type ValueType uint8

const (
	// TypeDeletion is a tombstone.
	TypeDeletion ValueType = 0x0
	// TypeValue carries its payload inline.
	TypeValue ValueType = 0x1
	// TypeValueRef carries a handle to a separately stored value record.
	// It only appears inside table files.
	TypeValueRef ValueType = 0x2

	// TypeForSeek is the largest type; seeking to (key, seq, TypeForSeek)
	// lands on the newest version of key visible at seq.
	TypeForSeek = TypeValueRef
)

var (
	// ErrKeyTooSmall is returned for an internal key shorter than its trailer.
	ErrKeyTooSmall = errors.New("dbformat: internal key too small")

	// ErrInvalidValueType is returned for an unknown trailer type.
	ErrInvalidValueType = errors.New("dbformat: invalid value type")

	// ErrCorruptValue is returned when a stored value cannot be decoded.
	ErrCorruptValue = errors.New("dbformat: corrupt stored value")
)

// String implements fmt.Stringer.
func (t ValueType) String() string {
	switch t {
	case TypeDeletion:
		return "del"
	case TypeValue:
		return "put"
	case TypeValueRef:
		return "ref"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// PackSequenceAndType packs seq and t into a trailer.
func PackSequenceAndType(seq SequenceNumber, t ValueType) uint64 {
	return (uint64(seq) << 8) | uint64(t)
}

// UnpackSequenceAndType splits a trailer.
func UnpackSequenceAndType(packed uint64) (SequenceNumber, ValueType) {
	return SequenceNumber(packed >> 8), ValueType(packed & 0xff)
}

// ParsedInternalKey is a decoded internal key. UserKey aliases the input.
type ParsedInternalKey struct {
	UserKey  []byte
	Sequence SequenceNumber
	Type     ValueType
}

func (p ParsedInternalKey) String() string {
	return fmt.Sprintf("%q@%d:%s", p.UserKey, p.Sequence, p.Type)
}

// AppendInternalKey appends the encoding of (userKey, seq, t) to dst.
func AppendInternalKey(dst, userKey []byte, seq SequenceNumber, t ValueType) []byte {
	dst = append(dst, userKey...)
	return encoding.AppendFixed64(dst, PackSequenceAndType(seq, t))
}

// MakeInternalKey returns a fresh internal key.
func MakeInternalKey(userKey []byte, seq SequenceNumber, t ValueType) []byte {
	return AppendInternalKey(make([]byte, 0, len(userKey)+NumInternalBytes), userKey, seq, t)
}

// ParseInternalKey decodes an internal key.
func ParseInternalKey(ikey []byte) (ParsedInternalKey, error) {
	n := len(ikey)
	if n < NumInternalBytes {
		return ParsedInternalKey{}, ErrKeyTooSmall
	}
	seq, t := UnpackSequenceAndType(encoding.DecodeFixed64(ikey[n-NumInternalBytes:]))
	p := ParsedInternalKey{UserKey: ikey[:n-NumInternalBytes], Sequence: seq, Type: t}
	if t > TypeValueRef {
		return p, ErrInvalidValueType
	}
	return p, nil
}

// ExtractUserKey returns the user key portion of an internal key.
func ExtractUserKey(ikey []byte) []byte {
	if len(ikey) < NumInternalBytes {
		return nil
	}
	return ikey[:len(ikey)-NumInternalBytes]
}

// ExtractTrailer returns the packed trailer of an internal key.
func ExtractTrailer(ikey []byte) uint64 {
	if len(ikey) < NumInternalBytes {
		return 0
	}
	return encoding.DecodeFixed64(ikey[len(ikey)-NumInternalBytes:])
}

// EncodeValue appends the stored form of (ttl, payload).
func EncodeValue(dst []byte, ttl int64, payload []byte) []byte {
	dst = encoding.AppendVarint(dst, ttl)
	return append(dst, payload...)
}

// DecodeValue splits a stored value into ttl and payload. payload aliases v.
func DecodeValue(v []byte) (ttl int64, payload []byte, err error) {
	ttl, n, err := encoding.DecodeVarint(v)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrCorruptValue, err)
	}
	return ttl, v[n:], nil
}

// Expired reports whether ttl has passed at unix time now.
func Expired(ttl, now int64) bool {
	return ttl >= 0 && ttl <= now
}

// Comparator orders user keys.
type Comparator interface {
	// Name identifies the ordering. It is persisted in config.ini and in
	// table properties.
	Name() string

	// Compare returns a negative number, zero, or a positive number when
	// a < b, a == b, or a > b.
	Compare(a, b []byte) int
}

// PrefixOrdered is implemented by comparators whose order survives
// truncation: a < b implies Compare(a[:n], b[:n]) <= 0 for every n. Only such
// comparators get prefix-truncated block index keys.
type PrefixOrdered interface {
	PrefixOrdered() bool
}

// ByteEqual is implemented by comparators for which Compare(a, b) == 0 holds
// only when a and b are byte-identical. Only such comparators can use
// byte-hashed bloom filters and hash memtables.
type ByteEqual interface {
	ByteEqual() bool
}

// IsPrefixOrdered reports whether c declares PrefixOrdered.
func IsPrefixOrdered(c Comparator) bool {
	p, ok := c.(PrefixOrdered)
	return ok && p.PrefixOrdered()
}

// IsByteEqual reports whether c declares ByteEqual.
func IsByteEqual(c Comparator) bool {
	p, ok := c.(ByteEqual)
	return ok && p.ByteEqual()
}

type bytewise struct{}

func (bytewise) Name() string            { return "memcmp" }
func (bytewise) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (bytewise) PrefixOrdered() bool     { return true }
func (bytewise) ByteEqual() bool         { return true }

// Bytewise orders keys by memcmp.
var Bytewise Comparator = bytewise{}

// InternalComparator orders internal keys by user key, then trailer descending.
type InternalComparator struct {
	User Comparator
}

// NewInternalComparator wraps a user comparator. A nil comparator means Bytewise.
func NewInternalComparator(user Comparator) InternalComparator {
	if user == nil {
		user = Bytewise
	}
	return InternalComparator{User: user}
}

// Compare orders two internal keys.
func (c InternalComparator) Compare(a, b []byte) int {
	if r := c.User.Compare(ExtractUserKey(a), ExtractUserKey(b)); r != 0 {
		return r
	}
	ta, tb := ExtractTrailer(a), ExtractTrailer(b)
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	}
	return 0
}

// CompareUser orders two user keys.
func (c InternalComparator) CompareUser(a, b []byte) int {
	return c.User.Compare(a, b)
}
