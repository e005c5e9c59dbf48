package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config controls the zerolog-backed logger.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Defaults to info.
	Level string
	// Format is "json" or "console". Defaults to json.
	Format string
	// Output is "stdout" or "stderr". Defaults to stderr.
	Output string
	// Service is bound to every message as the "service" field.
	Service string
}

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	zl zerolog.Logger
}

// New creates a zerolog-backed logger from the given configuration.
func New(cfg Config) *ZerologLogger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	out := outputWriter(cfg.Output)

	var zl zerolog.Logger
	if strings.ToLower(cfg.Format) == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	} else {
		zl = zerolog.New(out)
	}

	zl = zl.Level(level).With().Timestamp().Logger()
	if cfg.Service != "" {
		zl = zl.With().Str("service", cfg.Service).Logger()
	}

	return &ZerologLogger{zl: zl}
}

// NewFromEnv creates a logger configured from LOG_LEVEL, LOG_FORMAT and
// LOG_OUTPUT environment variables.
func NewFromEnv(service string) *ZerologLogger {
	return New(Config{
		Level:   os.Getenv("LOG_LEVEL"),
		Format:  os.Getenv("LOG_FORMAT"),
		Output:  os.Getenv("LOG_OUTPUT"),
		Service: service,
	})
}

func (l *ZerologLogger) Debug(msg string, keysAndValues ...any) {
	l.emit(l.zl.Debug(), msg, keysAndValues)
}

func (l *ZerologLogger) Info(msg string, keysAndValues ...any) {
	l.emit(l.zl.Info(), msg, keysAndValues)
}

func (l *ZerologLogger) Warn(msg string, keysAndValues ...any) {
	l.emit(l.zl.Warn(), msg, keysAndValues)
}

func (l *ZerologLogger) Error(msg string, keysAndValues ...any) {
	l.emit(l.zl.Error(), msg, keysAndValues)
}

// With returns a child logger with the pairs bound to every message.
func (l *ZerologLogger) With(keysAndValues ...any) Logger {
	zc := l.zl.With()
	for k, v := range pairs(keysAndValues) {
		zc = zc.Interface(k, v)
	}
	return &ZerologLogger{zl: zc.Logger()}
}

func (l *ZerologLogger) emit(event *zerolog.Event, msg string, keysAndValues []any) {
	for k, v := range pairs(keysAndValues) {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// pairs folds a flat key/value slice into a map. An odd trailing value is
// preserved under "_extra" instead of being dropped.
func pairs(keysAndValues []any) map[string]any {
	if len(keysAndValues) == 0 {
		return nil
	}
	out := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		out[key] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 == 1 {
		out["_extra"] = keysAndValues[len(keysAndValues)-1]
	}
	return out
}

func outputWriter(output string) *os.File {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout
	default:
		return os.Stderr
	}
}
