// Package snapshot provides an immutable, point-in-time view of a worker
// queue's metrics, deriving the control/alerting signals both the
// AdaptiveController and operators consume (§4.3).
//
// Grounded field-for-field on
// original_source/cogs/aggregated_moderation/queue_snapshot.py.
package snapshot

import "fmt"

// Snapshot is a read-only, cheap-to-copy view of one queue's metrics at a
// moment in time.
type Snapshot struct {
	Name            string
	Backlog         int
	ActiveWorkers   int
	BusyWorkers     int
	MaxWorkers      int
	BaselineWorkers int
	AutoscaleMax    int
	PendingStops    int

	BacklogHigh     *int
	BacklogLow      *int
	BacklogHardLimit *int
	BacklogShedTo   *int

	DroppedTotal   int
	TasksCompleted int

	AvgRuntime     float64
	AvgWait        float64
	EMARuntime     float64
	EMAWait        float64
	LastRuntime    float64
	LastWait       float64
	LongestRuntime float64
	LongestWait    float64

	LastRuntimeDetails     map[string]any
	LongestRuntimeDetails  map[string]any

	ArrivalRatePerMin    float64
	CompletionRatePerMin float64

	CheckInterval   float64
	ScaleDownGrace  float64
}

// FromMetrics builds a Snapshot from a WorkerQueue.Metrics()-shaped map,
// mirroring original_source's QueueSnapshot.from_mapping.
func FromMetrics(metrics map[string]any) Snapshot {
	baseline := intOr(metrics["baseline_workers"], 1)
	if baseline < 1 {
		baseline = 1
	}

	s := Snapshot{
		Name:            stringOr(metrics["name"], "queue"),
		Backlog:         intOr(metrics["backlog"], 0),
		ActiveWorkers:   intOr(metrics["active_workers"], 0),
		MaxWorkers:      intOr(metrics["max_workers"], 1),
		BaselineWorkers: baseline,
		AutoscaleMax:    intOr(metrics["autoscale_max"], 0),
		PendingStops:    intOr(metrics["pending_stops"], 0),

		DroppedTotal:   intOr(metrics["dropped_tasks_total"], 0),
		TasksCompleted: intOr(metrics["tasks_completed"], 0),

		AvgRuntime:     floatOr(metrics["avg_runtime"], 0),
		AvgWait:        floatOr(metrics["avg_wait_time"], 0),
		EMARuntime:     floatOr(metrics["ema_runtime"], 0),
		EMAWait:        floatOr(metrics["ema_wait_time"], 0),
		LastRuntime:    floatOr(metrics["last_runtime"], 0),
		LastWait:       floatOr(metrics["last_wait_time"], 0),
		LongestRuntime: floatOr(metrics["longest_runtime"], 0),
		LongestWait:    floatOr(metrics["longest_wait"], 0),

		ArrivalRatePerMin:    floatOr(metrics["arrival_rate_per_min"], 0),
		CompletionRatePerMin: floatOr(metrics["completion_rate_per_min"], 0),

		CheckInterval:  floatOr(metrics["check_interval"], 0),
		ScaleDownGrace: floatOr(metrics["scale_down_grace"], 0),
	}

	if v, ok := metrics["busy_workers"]; ok {
		s.BusyWorkers = intOr(v, 0)
	} else {
		s.BusyWorkers = s.ActiveWorkers
	}

	s.BacklogHigh = intPtrOr(metrics["backlog_high"])
	s.BacklogLow = intPtrOr(metrics["backlog_low"])
	s.BacklogHardLimit = intPtrOr(metrics["backlog_hard_limit"])
	s.BacklogShedTo = intPtrOr(metrics["backlog_shed_to"])

	if v, ok := metrics["last_runtime_details"].(map[string]any); ok {
		s.LastRuntimeDetails = v
	} else {
		s.LastRuntimeDetails = map[string]any{}
	}
	if v, ok := metrics["longest_runtime_details"].(map[string]any); ok {
		s.LongestRuntimeDetails = v
	} else {
		s.LongestRuntimeDetails = map[string]any{}
	}

	return s
}

// Capacity returns the current usable worker capacity.
func (s Snapshot) Capacity() int {
	if s.MaxWorkers > s.BaselineWorkers {
		return s.MaxWorkers
	}
	return s.BaselineWorkers
}

// BacklogRatio is backlog/backlog_high when the high watermark is set and
// positive, else 0.
func (s Snapshot) BacklogRatio() float64 {
	if s.BacklogHigh == nil || *s.BacklogHigh <= 0 {
		return 0
	}
	return float64(s.Backlog) / float64(*s.BacklogHigh)
}

// BacklogExcess is max(0, backlog-backlog_high), or, absent a high
// watermark, max(0, backlog-capacity).
func (s Snapshot) BacklogExcess() int {
	if s.BacklogHigh != nil && *s.BacklogHigh > 0 {
		return maxInt(0, s.Backlog-*s.BacklogHigh)
	}
	return maxInt(0, s.Backlog-s.Capacity())
}

// RuntimeSignal is the first positive value among
// (avg, ema, last, longest) runtime.
func (s Snapshot) RuntimeSignal() float64 {
	return firstPositive(s.AvgRuntime, s.EMARuntime, s.LastRuntime, s.LongestRuntime)
}

// WaitSignal is the maximum of (avg, ema, last, longest) wait.
func (s Snapshot) WaitSignal() float64 {
	return maxPositive(s.AvgWait, s.EMAWait, s.LastWait, s.LongestWait)
}

// WaitPressure implements §4.3's wait-pressure test.
func (s Snapshot) WaitPressure() bool {
	runtime := s.RuntimeSignal()
	if runtime > 0 {
		if s.AvgWait >= max(5.0, runtime*2.0) {
			return true
		}
		if s.LastWait >= max(10.0, runtime*2.5) {
			return true
		}
		if s.LongestWait >= max(15.0, runtime*3.0) {
			return true
		}
		return false
	}
	return s.WaitSignal() >= 10.0
}

// BacklogRecovered reports whether the backlog has fallen back to
// acceptable bounds.
func (s Snapshot) BacklogRecovered() bool {
	if s.Backlog <= 0 {
		return true
	}
	if s.BacklogLow != nil && s.Backlog <= *s.BacklogLow {
		return true
	}
	return s.Backlog <= s.BaselineWorkers
}

// Merge combines two snapshots of the same queue for a multi-queue
// dashboard view: counters and per-minute arrival/completion rates are
// summed, average runtime and wait are weighted by TasksCompleted, and the
// longest runtime/wait is the larger of the two. This is orthogonal to
// control decisions (§4.3).
func (s Snapshot) Merge(other Snapshot) Snapshot {
	merged := s
	merged.Name = fmt.Sprintf("%s+%s", s.Name, other.Name)
	merged.Backlog += other.Backlog
	merged.ActiveWorkers += other.ActiveWorkers
	merged.BusyWorkers += other.BusyWorkers
	merged.MaxWorkers += other.MaxWorkers
	merged.AutoscaleMax += other.AutoscaleMax
	merged.DroppedTotal += other.DroppedTotal

	totalCompleted := s.TasksCompleted + other.TasksCompleted
	merged.TasksCompleted = totalCompleted
	merged.AvgRuntime = weightedAverage(s.AvgRuntime, s.TasksCompleted, other.AvgRuntime, other.TasksCompleted)
	merged.AvgWait = weightedAverage(s.AvgWait, s.TasksCompleted, other.AvgWait, other.TasksCompleted)
	merged.ArrivalRatePerMin = s.ArrivalRatePerMin + other.ArrivalRatePerMin
	merged.CompletionRatePerMin = s.CompletionRatePerMin + other.CompletionRatePerMin
	if other.LongestRuntime > merged.LongestRuntime {
		merged.LongestRuntime = other.LongestRuntime
		merged.LongestRuntimeDetails = other.LongestRuntimeDetails
	}
	if other.LongestWait > merged.LongestWait {
		merged.LongestWait = other.LongestWait
	}
	return merged
}

// String renders a human-readable multi-line summary, grounded on
// original_source's QueueSnapshot.format_lines (an operator-debug helper,
// not load-bearing for control decisions).
func (s Snapshot) String() string {
	high := "-"
	if s.BacklogHigh != nil {
		high = fmt.Sprintf("%d", *s.BacklogHigh)
	}
	low := "-"
	if s.BacklogLow != nil {
		low = fmt.Sprintf("%d", *s.BacklogLow)
	}
	out := fmt.Sprintf("Backlog: %d\n", s.Backlog)
	out += fmt.Sprintf("Workers: busy=%d/%d, allocated=%d, baseline %d, burst %d\n",
		s.BusyWorkers, s.MaxWorkers, s.ActiveWorkers, s.BaselineWorkers, s.AutoscaleMax)
	out += fmt.Sprintf("Pending stops: %d\n", s.PendingStops)
	out += fmt.Sprintf("Watermarks: high=%s, low=%s\n", high, low)
	if s.BacklogHardLimit != nil {
		limit := fmt.Sprintf("%d", *s.BacklogHardLimit)
		if s.BacklogShedTo != nil {
			limit = fmt.Sprintf("%s -> shed to %d", limit, *s.BacklogShedTo)
		}
		out += fmt.Sprintf("Hard limit: %s\n", limit)
	}
	out += fmt.Sprintf("Dropped total: %d\n", s.DroppedTotal)
	out += fmt.Sprintf("Task timings: avg_run=%.2fs (ema %.2fs), avg_wait=%.2fs (ema %.2fs)\n",
		s.AvgRuntime, s.EMARuntime, s.AvgWait, s.EMAWait)
	out += fmt.Sprintf("Last/peak: last_run=%.2fs, last_wait=%.2fs, longest_run=%.2fs, longest_wait=%.2fs\n",
		s.LastRuntime, s.LastWait, s.LongestRuntime, s.LongestWait)
	out += fmt.Sprintf("Tasks completed: %d", s.TasksCompleted)
	return out
}

func weightedAverage(a float64, aCount int, b float64, bCount int) float64 {
	total := aCount + bCount
	if total == 0 {
		return 0
	}
	return (a*float64(aCount) + b*float64(bCount)) / float64(total)
}

func firstPositive(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func maxPositive(values ...float64) float64 {
	best := 0.0
	for _, v := range values {
		if v > best {
			best = v
		}
	}
	return best
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func intOr(v any, fallback int) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	default:
		return fallback
	}
}

func intPtrOr(v any) *int {
	switch val := v.(type) {
	case int:
		return &val
	case int64:
		i := int(val)
		return &i
	case float64:
		i := int(val)
		return &i
	default:
		return nil
	}
}

func floatOr(v any, fallback float64) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return fallback
	}
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
