package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func intPtr(v int) *int { return &v }

func TestFromMetrics_Defaults(t *testing.T) {
	s := FromMetrics(map[string]any{})
	assert.Equal(t, "queue", s.Name)
	assert.Equal(t, 1, s.MaxWorkers)
	assert.Equal(t, 1, s.BaselineWorkers)
}

func TestFromMetrics_PopulatesFields(t *testing.T) {
	s := FromMetrics(map[string]any{
		"name":             "image-queue",
		"backlog":          12,
		"active_workers":   3,
		"busy_workers":     2,
		"max_workers":      4,
		"baseline_workers": 2,
		"autoscale_max":    6,
		"backlog_high":     10,
		"backlog_low":      2,
		"avg_runtime":      1.5,
		"avg_wait_time":    0.5,
	})
	assert.Equal(t, "image-queue", s.Name)
	assert.Equal(t, 12, s.Backlog)
	assert.Equal(t, 3, s.ActiveWorkers)
	assert.Equal(t, 2, s.BusyWorkers)
	assert.Equal(t, 4, s.MaxWorkers)
	assert.Equal(t, 2, s.BaselineWorkers)
	assert.Equal(t, 6, s.AutoscaleMax)
	require := *s.BacklogHigh
	assert.Equal(t, 10, require)
}

func TestBacklogRatio_ZeroWithoutHighWatermark(t *testing.T) {
	s := Snapshot{Backlog: 10}
	assert.Equal(t, 0.0, s.BacklogRatio())
}

func TestBacklogRatio_ComputedWithHighWatermark(t *testing.T) {
	s := Snapshot{Backlog: 10, BacklogHigh: intPtr(5)}
	assert.Equal(t, 2.0, s.BacklogRatio())
}

func TestBacklogExcess_UsesHighWatermarkWhenSet(t *testing.T) {
	s := Snapshot{Backlog: 10, BacklogHigh: intPtr(6)}
	assert.Equal(t, 4, s.BacklogExcess())
}

func TestBacklogExcess_FallsBackToCapacity(t *testing.T) {
	s := Snapshot{Backlog: 10, MaxWorkers: 4, BaselineWorkers: 2}
	assert.Equal(t, 6, s.BacklogExcess())
}

func TestBacklogExcess_NeverNegative(t *testing.T) {
	s := Snapshot{Backlog: 1, BacklogHigh: intPtr(10)}
	assert.Equal(t, 0, s.BacklogExcess())
}

func TestRuntimeSignal_PrefersAverageThenEMAThenLastThenLongest(t *testing.T) {
	assert.Equal(t, 1.0, Snapshot{AvgRuntime: 1.0, EMARuntime: 2.0}.RuntimeSignal())
	assert.Equal(t, 2.0, Snapshot{EMARuntime: 2.0, LastRuntime: 3.0}.RuntimeSignal())
	assert.Equal(t, 3.0, Snapshot{LastRuntime: 3.0, LongestRuntime: 4.0}.RuntimeSignal())
	assert.Equal(t, 4.0, Snapshot{LongestRuntime: 4.0}.RuntimeSignal())
	assert.Equal(t, 0.0, Snapshot{}.RuntimeSignal())
}

func TestWaitSignal_TakesTheMaximum(t *testing.T) {
	s := Snapshot{AvgWait: 1, EMAWait: 5, LastWait: 2, LongestWait: 3}
	assert.Equal(t, 5.0, s.WaitSignal())
}

func TestWaitPressure_WithRuntimeSignal(t *testing.T) {
	assert.True(t, Snapshot{AvgRuntime: 2.0, AvgWait: 5.0}.WaitPressure(), "avg_wait >= max(5, 2*runtime)")
	assert.False(t, Snapshot{AvgRuntime: 10.0, AvgWait: 5.0}.WaitPressure())
	assert.True(t, Snapshot{AvgRuntime: 2.0, LastWait: 10.0}.WaitPressure())
	assert.True(t, Snapshot{AvgRuntime: 2.0, LongestWait: 15.0}.WaitPressure())
}

func TestWaitPressure_WithoutRuntimeSignal(t *testing.T) {
	assert.True(t, Snapshot{LastWait: 10.0}.WaitPressure())
	assert.False(t, Snapshot{LastWait: 9.9}.WaitPressure())
}

func TestBacklogRecovered(t *testing.T) {
	assert.True(t, Snapshot{Backlog: 0}.BacklogRecovered())
	assert.True(t, Snapshot{Backlog: 2, BacklogLow: intPtr(2)}.BacklogRecovered())
	assert.False(t, Snapshot{Backlog: 5, BacklogLow: intPtr(2)}.BacklogRecovered())
	assert.True(t, Snapshot{Backlog: 1, BaselineWorkers: 2}.BacklogRecovered())
}

func TestMerge_SumsCountersAndWeightsAverages(t *testing.T) {
	a := Snapshot{Name: "a", Backlog: 2, TasksCompleted: 10, AvgRuntime: 1.0, LongestRuntime: 5.0}
	b := Snapshot{Name: "b", Backlog: 3, TasksCompleted: 30, AvgRuntime: 2.0, LongestRuntime: 9.0}

	merged := a.Merge(b)
	assert.Equal(t, "a+b", merged.Name)
	assert.Equal(t, 5, merged.Backlog)
	assert.EqualValues(t, 40, merged.TasksCompleted)
	assert.InDelta(t, 1.75, merged.AvgRuntime, 0.0001)
	assert.Equal(t, 9.0, merged.LongestRuntime)
}

func TestString_ContainsKeyFields(t *testing.T) {
	s := FromMetrics(map[string]any{
		"backlog":      7,
		"max_workers":  3,
		"backlog_high": 10,
	})
	out := s.String()
	assert.Contains(t, out, "Backlog: 7")
	assert.Contains(t, out, "high=10")
}
