// Package events defines the structured event sink that the queue
// subsystem reports scaling and shedding events through (§6, §7 of the
// design: operational errors are logged, never propagated to producers).
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/kart-io/modqueue/pkg/logger"
)

// Severity is the level of a structured event.
type Severity int

const (
	// Debug is the lowest severity, used for fine-grained tracing.
	Debug Severity = iota
	// Info reports routine lifecycle and scaling activity.
	Info
	// Warning reports shedding and recoverable pressure.
	Warning
	// Error reports failures that were swallowed but should be surfaced.
	Error
)

// String returns the textual form of a severity.
func (s Severity) String() string {
	switch s {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Sink receives scaling and shedding events as (severity, key, message,
// fields). Implementations typically render an operator-channel message;
// the core never blocks on a Sink call.
type Sink interface {
	Emit(severity Severity, key, message string, fields map[string]any)
}

// LoggerSink adapts a logger.Logger into a Sink, grounded on the teacher's
// GORM-style logger interface (pkg/logger).
type LoggerSink struct {
	log logger.Logger
}

// NewLoggerSink creates a Sink that forwards events to log.
func NewLoggerSink(log logger.Logger) *LoggerSink {
	if log == nil {
		log = logger.Discard
	}
	return &LoggerSink{log: log}
}

// Emit implements Sink.
func (s *LoggerSink) Emit(severity Severity, key, message string, fields map[string]any) {
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "event_key", key)
	for k, v := range fields {
		args = append(args, k, v)
	}
	switch severity {
	case Debug:
		s.log.Debug(message, args...)
	case Info:
		s.log.Info(message, args...)
	case Warning:
		s.log.Warn(message, args...)
	default:
		s.log.Error(message, args...)
	}
}

// Discard is a Sink that does nothing.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Emit(Severity, string, string, map[string]any) {}

// RateLimited wraps a Sink so that events sharing the same key fire at
// most once per cooldown window (§4.4 "A warning alert is emitted,
// rate-limited to once per configured cooldown per event key").
type RateLimited struct {
	inner    Sink
	cooldown time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewRateLimited wraps inner with a per-key cooldown.
func NewRateLimited(inner Sink, cooldown time.Duration) *RateLimited {
	if inner == nil {
		inner = Discard
	}
	return &RateLimited{inner: inner, cooldown: cooldown, last: make(map[string]time.Time)}
}

// Emit implements Sink, suppressing repeats of the same key within the
// cooldown window.
func (r *RateLimited) Emit(severity Severity, key, message string, fields map[string]any) {
	if r.cooldown <= 0 {
		r.inner.Emit(severity, key, message, fields)
		return
	}
	now := time.Now()
	r.mu.Lock()
	last, seen := r.last[key]
	if seen && now.Sub(last) < r.cooldown {
		r.mu.Unlock()
		return
	}
	r.last[key] = now
	r.mu.Unlock()
	r.inner.Emit(severity, key, message, fields)
}

// Fieldf is a small helper for building a one-off message with a
// consistent "[queue:NAME]" prefix, matching the teacher's log-message
// conventions (see queue/worker coordinator logging style).
func Fieldf(queueName, format string, args ...any) string {
	return fmt.Sprintf("[queue:%s] %s", queueName, fmt.Sprintf(format, args...))
}
