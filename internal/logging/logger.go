// Package logging provides the leveled logger used throughout TideKV.
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Example: 2026/10/18 18:45:13 INFO [flush] users: flushed 1204 entries to sstable_0_12.sst
//
// Component prefixes:
//   - [flush]      memtable flushes
//   - [compact]    compactions and stalls
//   - [wal]        write-ahead log writes, syncs and replay
//   - [recovery]   column family recovery on open
//   - [db]         engine lifecycle
//   - [cf]         column family lifecycle
//   - [checkpoint] checkpoints
//   - [backup]     backups
//   - [txn]        transactions and commit hooks
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
)

// FatalHandler is called after a Fatalf message has been written.
// It must be safe for concurrent use and must not call Fatalf.
type FatalHandler func(msg string)

// Level represents the logging level. Higher levels are more verbose.
type Level int

const (
	// LevelNone disables all output, including fatal messages.
	LevelNone Level = iota - 1
	// LevelFatal logs only fatal messages.
	LevelFatal
	// LevelError logs errors.
	LevelError
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything.
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelFatal:
		return "FATAL"
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name as written by String. Matching is case-insensitive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE":
		return LevelNone, nil
	case "FATAL":
		return LevelFatal, nil
	case "ERROR":
		return LevelError, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "INFO":
		return LevelInfo, nil
	case "DEBUG":
		return LevelDebug, nil
	}
	return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}

// Logger defines the interface for engine logging.
//
// Implementations must be safe for concurrent use: flushes, compactions and
// caller goroutines log at the same time.
type Logger interface {
	// Errorf logs a formatted error message.
	Errorf(format string, args ...any)

	// Warnf logs a formatted warning message.
	Warnf(format string, args ...any)

	// Infof logs a formatted informational message.
	Infof(format string, args ...any)

	// Debugf logs a formatted debug message.
	Debugf(format string, args ...any)

	// Fatalf logs a fatal message and runs the fatal handler, if any.
	// It does not exit the process.
	Fatalf(format string, args ...any)
}

// DefaultLogger writes leveled lines through a log.Logger.
// The level is fixed at construction.
type DefaultLogger struct {
	logger       *log.Logger
	level        Level
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewDefaultLogger creates a logger writing to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a logger writing to w.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

// SetFatalHandler sets the handler called by Fatalf.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// Level returns the logging level.
func (l *DefaultLogger) Level() Level {
	return l.level
}

func (l *DefaultLogger) output(min Level, tag, format string, args []any) {
	if l.level < min {
		return
	}
	_ = l.logger.Output(3, tag+" "+fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error message.
func (l *DefaultLogger) Errorf(format string, args ...any) {
	l.output(LevelError, "ERROR", format, args)
}

// Warnf logs a formatted warning message.
func (l *DefaultLogger) Warnf(format string, args ...any) {
	l.output(LevelWarn, "WARN", format, args)
}

// Infof logs a formatted informational message.
func (l *DefaultLogger) Infof(format string, args ...any) {
	l.output(LevelInfo, "INFO", format, args)
}

// Debugf logs a formatted debug message.
func (l *DefaultLogger) Debugf(format string, args ...any) {
	l.output(LevelDebug, "DEBUG", format, args)
}

// Fatalf logs a fatal message unless the level is LevelNone, then calls the
// fatal handler.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l.level >= LevelFatal {
		_ = l.logger.Output(2, "FATAL "+msg)
	}
	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Namespace prefixes for log messages.
const (
	// NSFlush is the namespace for flush operations.
	NSFlush = "[flush] "
	// NSCompact is the namespace for compaction operations.
	NSCompact = "[compact] "
	// NSWAL is the namespace for WAL operations.
	NSWAL = "[wal] "
	// NSRecovery is the namespace for recovery operations.
	NSRecovery = "[recovery] "
	// NSDB is the namespace for engine lifecycle operations.
	NSDB = "[db] "
	// NSCF is the namespace for column family lifecycle operations.
	NSCF = "[cf] "
	// NSCheckpoint is the namespace for checkpoint operations.
	NSCheckpoint = "[checkpoint] "
	// NSBackup is the namespace for backup operations.
	NSBackup = "[backup] "
	// NSTxn is the namespace for transaction operations.
	NSTxn = "[txn] "
	// NSHTTP is the namespace for the tidectl HTTP server.
	NSHTTP = "[http] "
)

// IsNil reports whether l is nil or a typed nil pointer.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l when usable, otherwise a WARN-level stderr logger.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
