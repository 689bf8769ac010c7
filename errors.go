package tidekv

// errors.go defines the error kinds returned by the public API.
//
// Internal packages return their own sentinel errors. The public API
// translates them into *Error values carrying a Code, so callers can branch
// on the kind with errors.Is against the sentinels below.

import (
	"errors"
	"io/fs"
	"os"

	"github.com/aalhour/tidekv/internal/batch"
	"github.com/aalhour/tidekv/internal/block"
	"github.com/aalhour/tidekv/internal/compression"
	"github.com/aalhour/tidekv/internal/dbformat"
	"github.com/aalhour/tidekv/internal/encoding"
	"github.com/aalhour/tidekv/internal/filter"
	"github.com/aalhour/tidekv/internal/manifest"
	"github.com/aalhour/tidekv/internal/table"
	"github.com/aalhour/tidekv/internal/version"
	"github.com/aalhour/tidekv/internal/vfs"
	"github.com/aalhour/tidekv/internal/wal"
)

// Code is the kind of an error. The values match the native error codes.
type Code int

const (
	CodeSuccess     Code = 0
	CodeMemory      Code = -1
	CodeInvalidArgs Code = -2
	CodeNotFound    Code = -3
	CodeIO          Code = -4
	CodeCorruption  Code = -5
	CodeExists      Code = -6
	CodeConflict    Code = -7
	CodeTooLarge    Code = -8
	CodeMemoryLimit Code = -9
	CodeInvalidDB   Code = -10
	CodeUnknown     Code = -11
	CodeLocked      Code = -12
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeMemory:
		return "memory allocation failed"
	case CodeInvalidArgs:
		return "invalid arguments"
	case CodeNotFound:
		return "not found"
	case CodeIO:
		return "io error"
	case CodeCorruption:
		return "corruption"
	case CodeExists:
		return "already exists"
	case CodeConflict:
		return "transaction conflict"
	case CodeTooLarge:
		return "too large"
	case CodeMemoryLimit:
		return "memory limit exceeded"
	case CodeInvalidDB:
		return "invalid or closed handle"
	case CodeLocked:
		return "locked"
	default:
		return "unknown error"
	}
}

// Error is the error type returned by the public API.
type Error struct {
	Code Code
	// Op names the failed operation, e.g. "put" or "open column family".
	Op string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrMemory      = &Error{Code: CodeMemory}
	ErrInvalidArgs = &Error{Code: CodeInvalidArgs}
	ErrNotFound    = &Error{Code: CodeNotFound}
	ErrIO          = &Error{Code: CodeIO}
	ErrCorruption  = &Error{Code: CodeCorruption}
	ErrExists      = &Error{Code: CodeExists}
	ErrConflict    = &Error{Code: CodeConflict}
	ErrTooLarge    = &Error{Code: CodeTooLarge}
	ErrMemoryLimit = &Error{Code: CodeMemoryLimit}
	ErrInvalidDB   = &Error{Code: CodeInvalidDB}
	ErrUnknown     = &Error{Code: CodeUnknown}
	ErrLocked      = &Error{Code: CodeLocked}
)

// Size limits.
const (
	MaxKeySize   = 64 << 10
	MaxValueSize = 1 << 30
)

// CodeOf returns the Code of err. nil is CodeSuccess and errors that carry
// no Code are CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

func newError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func errorf(code Code, op, msg string) *Error {
	return &Error{Code: code, Op: op, Err: errors.New(msg)}
}

// wrapErr translates an internal error into an *Error tagged with op.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			return &Error{Code: e.Code, Op: op, Err: e.Err}
		}
		return err
	}
	return newError(classify(err), op, err)
}

func classify(err error) Code {
	switch {
	case errors.Is(err, wal.ErrCorruptedRecord),
		errors.Is(err, block.ErrBadBlock),
		errors.Is(err, block.ErrBadHandle),
		errors.Is(err, block.ErrChecksumMismatch),
		errors.Is(err, table.ErrBadMagic),
		errors.Is(err, table.ErrCorruptTable),
		errors.Is(err, compression.ErrCorrupt),
		errors.Is(err, filter.ErrCorruptFilter),
		errors.Is(err, batch.ErrCorrupted),
		errors.Is(err, batch.ErrTooSmall),
		errors.Is(err, manifest.ErrInvalidTag),
		errors.Is(err, manifest.ErrInvalidFileMetadata),
		errors.Is(err, version.ErrCorruption),
		errors.Is(err, dbformat.ErrKeyTooSmall),
		errors.Is(err, dbformat.ErrInvalidValueType),
		errors.Is(err, dbformat.ErrCorruptValue),
		errors.Is(err, encoding.ErrTruncated),
		errors.Is(err, encoding.ErrVarintOverflow):
		return CodeCorruption
	case errors.Is(err, version.ErrComparatorMismatch),
		errors.Is(err, table.ErrComparatorMismatch):
		return CodeInvalidArgs
	case errors.Is(err, vfs.ErrNoSpace),
		errors.Is(err, vfs.ErrInjected),
		errors.Is(err, wal.ErrClosed):
		return CodeIO
	}
	var pe *fs.PathError
	var le *os.LinkError
	var se *os.SyscallError
	if errors.As(err, &pe) || errors.As(err, &le) || errors.As(err, &se) {
		return CodeIO
	}
	return CodeUnknown
}
