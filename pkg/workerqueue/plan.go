package workerqueue

import "strconv"

// Plan describes a desired sizing/watermark configuration pushed into a
// Queue running in adaptive mode (§4.4 update_adaptive_plan, §4.5).
//
// Pointer fields are left nil to mean "leave unchanged", mirroring the
// source's Optional[int] parameters.
type Plan struct {
	TargetWorkers    int
	BaselineWorkers  *int
	BacklogHigh      *int
	BacklogLow       *int
	BacklogHardLimit *int
	BacklogShedTo    *int
}

type planState struct {
	target         int
	baseline       int
	maxWorkers     int
	autoscaleMax   int
	backlogHigh    int
	backlogLow     int
	backlogHard    *int
	backlogShedTo  *int
}

// summarizePlanChanges diffs two applied-plan snapshots and renders only
// the fields that changed, ported from original_source's
// _summarize_plan_changes (SUPPLEMENTED FEATURES #1).
func summarizePlanChanges(before, after planState) []string {
	type field struct {
		label      string
		old, new_  string
	}
	fields := []field{
		{"target", strconv.Itoa(before.target), strconv.Itoa(after.target)},
		{"baseline", strconv.Itoa(before.baseline), strconv.Itoa(after.baseline)},
		{"max", strconv.Itoa(before.maxWorkers), strconv.Itoa(after.maxWorkers)},
		{"ceiling", strconv.Itoa(before.autoscaleMax), strconv.Itoa(after.autoscaleMax)},
		{"backlog_high", strconv.Itoa(before.backlogHigh), strconv.Itoa(after.backlogHigh)},
		{"backlog_low", strconv.Itoa(before.backlogLow), strconv.Itoa(after.backlogLow)},
		{"hard_limit", intPtrString(before.backlogHard), intPtrString(after.backlogHard)},
		{"shed_to", intPtrString(before.backlogShedTo), intPtrString(after.backlogShedTo)},
	}
	var changes []string
	for _, f := range fields {
		if f.old == f.new_ {
			continue
		}
		changes = append(changes, f.label+" "+f.old+"->"+f.new_)
	}
	return changes
}

func intPtrString(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}
