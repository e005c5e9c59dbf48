// Package logging provides the logging contract shared by all testforge
// components, plus a zerolog-backed implementation and a no-op logger.
//
// Components accept the Logger interface; only the process entry point
// decides the concrete backend and level.
package logging

// Logger is the structured logging interface used across the engine.
// Messages are short snake_case event names; context travels in
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// With returns a child logger with the given key/value pairs bound
	// to every subsequent message.
	With(keysAndValues ...any) Logger
}

// NopLogger discards all log output. Useful as a default when no logger
// is injected.
type NopLogger struct{}

// NewNop returns a logger that discards everything.
func NewNop() *NopLogger { return &NopLogger{} }

func (n *NopLogger) Debug(msg string, keysAndValues ...any) {}
func (n *NopLogger) Info(msg string, keysAndValues ...any)  {}
func (n *NopLogger) Warn(msg string, keysAndValues ...any)  {}
func (n *NopLogger) Error(msg string, keysAndValues ...any) {}
func (n *NopLogger) With(keysAndValues ...any) Logger       { return n }

// OrNop returns the given logger, or a NopLogger when nil. Components
// call this once in their constructors so call sites never nil-check.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return NewNop()
	}
	return logger
}
