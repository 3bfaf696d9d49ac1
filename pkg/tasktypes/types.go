// Package tasktypes holds the data types shared across the worker queue,
// instrumentation, snapshot, and router packages (§3 of the design). It
// exists as its own package so those packages can depend on the shapes of
// Task metadata/runtime detail without an import cycle.
package tasktypes

import "time"

// Kind is the task-kind tag carried by every task (§3: image | video | text).
type Kind string

// Recognized task kinds.
const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindText  Kind = "text"
)

// Metadata is captured at enqueue time for diagnostics. Immutable.
type Metadata struct {
	DisplayName string
	Source      string
	TenantID    string
	Kind        Kind
}

// RuntimeDetail is captured at task completion for diagnostics and alerting
// (§3). Immutable; consumed by Instrumentation and the slow-task reporter.
type RuntimeDetail struct {
	Metadata Metadata

	Wait    time.Duration
	Runtime time.Duration

	BacklogAtEnqueue int
	BacklogAtStart   int
	BacklogAtFinish  int
	BusyAtStart      int
	ActiveAtStart    int
	MaxWorkers       int
	AutoscaleMax     int

	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// AsMap renders the detail as a plain map, mirroring
// original_source's `TaskRuntimeDetail.as_mapping()`; Instrumentation's
// metrics payload uses it for the last/longest runtime details.
func (d RuntimeDetail) AsMap() map[string]any {
	return map[string]any{
		"display_name":       d.Metadata.DisplayName,
		"source":             d.Metadata.Source,
		"tenant_id":          d.Metadata.TenantID,
		"kind":               string(d.Metadata.Kind),
		"wait_seconds":       d.Wait.Seconds(),
		"runtime_seconds":    d.Runtime.Seconds(),
		"backlog_at_enqueue": d.BacklogAtEnqueue,
		"backlog_at_start":   d.BacklogAtStart,
		"backlog_at_finish":  d.BacklogAtFinish,
		"busy_workers_start": d.BusyAtStart,
		"active_workers_start": d.ActiveAtStart,
		"max_workers":        d.MaxWorkers,
		"autoscale_max":      d.AutoscaleMax,
	}
}

// IsSingular reports whether the queue that produced this detail had
// exactly one worker (§4.2 "singular" queue definition).
func (d RuntimeDetail) IsSingular() bool {
	return d.MaxWorkers <= 1 && d.AutoscaleMax <= 1
}

// Outcome is delivered on a Task's Result channel when it terminates.
type Outcome struct {
	Value any
	Err   error
	// Shed is true when the task was dropped by backlog shedding rather
	// than executed (§7 task_shed).
	Shed bool
	// TimedOut is true when a router-imposed deadline elapsed before the
	// task completed (§4.6 step 5).
	TimedOut bool
}

// SlowTaskReporter is invoked by Instrumentation when a task on a singular
// queue runs at or beyond the configured runtime threshold (§4.2, §6).
// Implementations typically render an operator-channel message; failures
// must not propagate to the caller.
type SlowTaskReporter func(detail RuntimeDetail, queueName string) error
