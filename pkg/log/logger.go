// Package log provides a structured logging facade for courier components.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Context keys attached by the With* helpers.
const (
	ComponentKey = "component"
	ErrorKey     = "error"
)

// Logger defines the core logging interface for courier components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With adds multiple fields to the logger.
	With(fields ...Field) Logger
	// WithComponent tags logs with a component name.
	WithComponent(component string) Logger
	// WithError attaches err under the "error" key.
	WithError(err error) Logger
}

// LoggerOption configures a logger built by NewLogger.
type LoggerOption func(*logrus.Logger)

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(l *logrus.Logger) { l.SetLevel(level.logrus()) }
}

// WithFormat selects "json" or "text" output.
func WithFormat(format string) LoggerOption {
	return func(l *logrus.Logger) {
		if strings.EqualFold(format, "json") {
			l.SetFormatter(&logrus.JSONFormatter{})
			return
		}
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// WithOutput sets the destination writer.
func WithOutput(w io.Writer) LoggerOption {
	return func(l *logrus.Logger) { l.SetOutput(w) }
}

// NewLogger creates a new logger with the given options. Defaults: info level,
// text format, stderr.
func NewLogger(options ...LoggerOption) Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	for _, option := range options {
		option(base)
	}
	return &entryLogger{entry: logrus.NewEntry(base)}
}

// FromLogrus adapts an existing logrus entry.
func FromLogrus(entry *logrus.Entry) Logger {
	if entry == nil {
		return NewNopLogger()
	}
	return &entryLogger{entry: entry}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &entryLogger{entry: logrus.NewEntry(base)}
}

type entryLogger struct {
	entry *logrus.Entry
}

func (l *entryLogger) Debug(msg string, fields ...Field) {
	l.entry.WithFields(toLogrus(fields)).Debug(msg)
}

func (l *entryLogger) Info(msg string, fields ...Field) {
	l.entry.WithFields(toLogrus(fields)).Info(msg)
}

func (l *entryLogger) Warn(msg string, fields ...Field) {
	l.entry.WithFields(toLogrus(fields)).Warn(msg)
}

func (l *entryLogger) Error(msg string, fields ...Field) {
	l.entry.WithFields(toLogrus(fields)).Error(msg)
}

func (l *entryLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &entryLogger{entry: l.entry.WithFields(toLogrus(fields))}
}

func (l *entryLogger) WithComponent(component string) Logger {
	return &entryLogger{entry: l.entry.WithField(ComponentKey, component)}
}

func (l *entryLogger) WithError(err error) Logger {
	return &entryLogger{entry: l.entry.WithError(err)}
}

func toLogrus(fields []Field) logrus.Fields {
	if len(fields) == 0 {
		return nil
	}
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	return out
}
