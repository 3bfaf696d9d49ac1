// Package logger provides a structured, level-filtered logging interface
// for the queue subsystem. It is shared by every component and supports
// pluggable external logging libraries like zap, logrus, slog, the same
// way the teacher's GORM-style logger interface does, but with two
// queue-domain additions: level ordering ascends with severity (Debug <
// Info < Warn < Error), matching pkg/events.Severity so a Sink and a
// Logger agree on what "more severe" means, and a With method for
// attaching persistent structured fields (e.g. a queue name) to every
// subsequent call instead of repeating them at each call site.
package logger

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
)

// LogLevel represents the minimum severity a Logger will emit. Ordering is
// ascending by severity, not verbosity: a Logger configured at Warn emits
// Warn and Error but suppresses Debug and Info.
type LogLevel int

const (
	// Debug is the least severe level; a Logger at this threshold emits
	// everything.
	Debug LogLevel = iota
	// Info logs routine lifecycle and scaling activity.
	Info
	// Warn logs recoverable pressure and shedding.
	Warn
	// Error logs failures that were swallowed but should be surfaced.
	Error
	// Silent suppresses all log output.
	Silent
)

func (l LogLevel) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "SILENT"
	}
}

// Logger is the interface that wraps the basic logging methods.
// This interface is inspired by GORM's logger design and adapted for
// structured, queue-domain logging.
type Logger interface {
	// LogMode sets the minimum severity and returns a new logger instance.
	LogMode(level LogLevel) Logger
	// Info logs an informational message with structured key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning message with structured key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error message with structured key-value pairs.
	Error(msg string, args ...any)
	// Debug logs a debug message with structured key-value pairs.
	Debug(msg string, args ...any)
	// With returns a Logger that attaches fields to every subsequent call,
	// merged ahead of any fields passed to that call.
	With(fields ...any) Logger
}

// StandardLogger is the default implementation of the Logger interface,
// using the standard log package.
type StandardLogger struct {
	logger *log.Logger
	level  LogLevel
	prefix string
	fields []any
}

// NewStandardLogger creates a new logger with the given writer and
// configuration.
func NewStandardLogger(writer *log.Logger, level LogLevel, prefix string) Logger {
	return &StandardLogger{
		logger: writer,
		level:  level,
		prefix: prefix,
	}
}

// LogMode sets the minimum severity and returns a new logger instance.
func (l *StandardLogger) LogMode(level LogLevel) Logger {
	newLogger := *l
	newLogger.level = level
	return &newLogger
}

// With returns a Logger that carries fields into every subsequent call.
func (l *StandardLogger) With(fields ...any) Logger {
	newLogger := *l
	newLogger.fields = mergeFields(l.fields, fields)
	return &newLogger
}

// Info logs an informational message.
func (l *StandardLogger) Info(msg string, args ...any) {
	l.log(Info, msg, args...)
}

// Warn logs a warning message.
func (l *StandardLogger) Warn(msg string, args ...any) {
	l.log(Warn, msg, args...)
}

// Error logs an error message.
func (l *StandardLogger) Error(msg string, args ...any) {
	l.log(Error, msg, args...)
}

// Debug logs a debug message.
func (l *StandardLogger) Debug(msg string, args ...any) {
	l.log(Debug, msg, args...)
}

func (l *StandardLogger) log(level LogLevel, msg string, args ...any) {
	if l.level > level {
		return
	}
	l.logger.Print(l.formatLog(level, msg, mergeFields(l.fields, args)...))
}

func (l *StandardLogger) formatLog(level LogLevel, msg string, args ...any) string {
	formatted := fmt.Sprintf("%s [%s] %s", l.prefix, level, msg)
	if fieldsStr := renderFields(args); fieldsStr != "" {
		return formatted + " " + fieldsStr
	}
	return formatted
}

// renderFields turns an alternating key/value slice into a deterministic,
// sorted "key=value" string, quoting values that contain whitespace so
// multi-word values survive naive log-line parsing.
func renderFields(args []any) string {
	if len(args) == 0 {
		return ""
	}
	type field struct{ key, value string }
	rendered := make([]field, 0, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprintf("%v", args[i])
		value := "(no value)"
		if i+1 < len(args) {
			value = formatValue(args[i+1])
		}
		rendered = append(rendered, field{key: key, value: value})
	}
	sort.SliceStable(rendered, func(i, j int) bool { return rendered[i].key < rendered[j].key })

	parts := make([]string, len(rendered))
	for i, f := range rendered {
		parts[i] = f.key + "=" + f.value
	}
	return strings.Join(parts, " ")
}

func formatValue(v any) string {
	s := fmt.Sprintf("%v", v)
	if strings.ContainsAny(s, " \t\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// mergeFields concatenates base fields ahead of call-specific ones without
// mutating either slice.
func mergeFields(base, extra []any) []any {
	if len(base) == 0 {
		return extra
	}
	if len(extra) == 0 {
		return base
	}
	merged := make([]any, 0, len(base)+len(extra))
	merged = append(merged, base...)
	merged = append(merged, extra...)
	return merged
}

// discardLogger is a logger that discards all output.
type discardLogger struct{}

// LogMode returns the discard logger itself.
func (d *discardLogger) LogMode(LogLevel) Logger { return d }

// With returns the discard logger itself.
func (d *discardLogger) With(...any) Logger { return d }

// Info does nothing.
func (d *discardLogger) Info(string, ...any) {}

// Warn does nothing.
func (d *discardLogger) Warn(string, ...any) {}

// Error does nothing.
func (d *discardLogger) Error(string, ...any) {}

// Debug does nothing.
func (d *discardLogger) Debug(string, ...any) {}

// Discard is a logger that discards all output.
var Discard Logger = &discardLogger{}

// New returns a default logger that writes to stdout at Warn severity.
func New() Logger {
	return NewStandardLogger(log.New(os.Stdout, "", log.LstdFlags), Warn, "[modqueue]")
}
