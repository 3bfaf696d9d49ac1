package logger

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func newBufferedLogger(buf *bytes.Buffer, level LogLevel) Logger {
	return NewStandardLogger(log.New(buf, "", 0), level, "[test]")
}

func TestStandardLogger_RendersLevelAndMessage(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf, Debug)

	l.Debug("worker spawned")
	if !strings.Contains(buf.String(), "[test] [DEBUG] worker spawned") {
		t.Errorf("expected level-tagged message, got: %s", buf.String())
	}
}

func TestStandardLogger_FieldsAreSortedAndQuoted(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf, Debug)

	l.Info("task completed", "tenant", "tenant a", "kind", "video")
	output := buf.String()

	// Keys render in sorted order (kind before tenant) regardless of call
	// order, and a value containing whitespace is quoted.
	idxKind := strings.Index(output, "kind=video")
	idxTenant := strings.Index(output, `tenant="tenant a"`)
	if idxKind == -1 || idxTenant == -1 {
		t.Fatalf("expected both fields present, got: %s", output)
	}
	if idxKind > idxTenant {
		t.Errorf("expected kind field before tenant field, got: %s", output)
	}
}

func TestStandardLogger_SeverityThresholdAscendsLikeEventsSink(t *testing.T) {
	var buf bytes.Buffer
	warnLogger := newBufferedLogger(&buf, Warn)

	warnLogger.Debug("debug message")
	warnLogger.Info("info message")
	if buf.Len() > 0 {
		t.Errorf("Debug/Info must be suppressed at Warn threshold, got: %s", buf.String())
	}

	warnLogger.Warn("warn message")
	if !strings.Contains(buf.String(), "[WARN] warn message") {
		t.Errorf("Warn must be emitted at Warn threshold, got: %s", buf.String())
	}

	buf.Reset()
	warnLogger.Error("error message")
	if !strings.Contains(buf.String(), "[ERROR] error message") {
		t.Errorf("Error must be emitted at Warn threshold, got: %s", buf.String())
	}
}

func TestStandardLogger_SilentSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	silent := newBufferedLogger(&buf, Silent)

	silent.Error("should not appear")
	if buf.Len() > 0 {
		t.Errorf("Silent logger must emit nothing, got: %s", buf.String())
	}
}

func TestStandardLogger_WithAttachesPersistentFields(t *testing.T) {
	var buf bytes.Buffer
	base := newBufferedLogger(&buf, Debug)
	scoped := base.With("queue", "free")

	scoped.Warn("backlog shed", "dropped", 3)
	output := buf.String()

	if !strings.Contains(output, "queue=free") {
		t.Errorf("expected persistent field from With, got: %s", output)
	}
	if !strings.Contains(output, "dropped=3") {
		t.Errorf("expected call-site field alongside persistent field, got: %s", output)
	}
}

func TestStandardLogger_WithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	base := newBufferedLogger(&buf, Debug)
	_ = base.With("queue", "free")

	buf.Reset()
	base.Info("unscoped message")
	if strings.Contains(buf.String(), "queue=free") {
		t.Errorf("With must not mutate the logger it was called on, got: %s", buf.String())
	}
}

func TestDiscard_NeverPanics(t *testing.T) {
	d := Discard
	d.With("queue", "free").Info("noop", "k", "v")
	d.Debug("noop")
	d.Warn("noop")
	d.Error("noop")
}
