package logging

// DiscardLogger drops every message. Used when the log level is NONE and in
// benchmarks.
type DiscardLogger struct{}

// Discard is the shared discard logger.
var Discard Logger = DiscardLogger{}

// Errorf implements Logger.
func (DiscardLogger) Errorf(string, ...any) {}

// Warnf implements Logger.
func (DiscardLogger) Warnf(string, ...any) {}

// Infof implements Logger.
func (DiscardLogger) Infof(string, ...any) {}

// Debugf implements Logger.
func (DiscardLogger) Debugf(string, ...any) {}

// Fatalf implements Logger.
func (DiscardLogger) Fatalf(string, ...any) {}
