package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/modqueue/pkg/workerqueue"
)

func metricsWith(fields map[string]any) map[string]any {
	base := map[string]any{
		"backlog":                 0,
		"arrival_rate_per_min":    0.0,
		"completion_rate_per_min": 0.0,
		"ema_runtime":             0.0,
		"avg_runtime":             0.0,
		"busy_workers":            0,
		"ema_wait_time":           0.0,
		"avg_wait_time":           0.0,
		"last_wait_time":          0.0,
	}
	for k, v := range fields {
		base[k] = v
	}
	return base
}

func TestBuildPlan_IdleDrainForcesMinWorkers(t *testing.T) {
	policy := Policy{MinWorkers: 2, MaxWorkers: 20, MinRuntime: 1.0, ProvisionBias: 2, RecoveryBias: 3, BacklogTarget: 5}
	plan := BuildPlan(metricsWith(map[string]any{"arrival_rate_per_min": 0.0, "backlog": 2}), policy)
	assert.Equal(t, 2, plan.TargetWorkers)
}

func TestBuildPlan_SustainedArrivalScalesUp(t *testing.T) {
	policy := Policy{MinWorkers: 2, MaxWorkers: 20, MinRuntime: 0.5, ProvisionBias: 2, RecoveryBias: 3}
	plan := BuildPlan(metricsWith(map[string]any{
		"arrival_rate_per_min": 60.0,
		"avg_runtime":          1.0,
	}), policy)
	// per_worker_capacity = 60/1 = 60/min; demand = ceil(60*2/60) = 2
	assert.Equal(t, 2, plan.TargetWorkers)
}

func TestBuildPlan_ClampsToMaxWorkers(t *testing.T) {
	policy := Policy{MinWorkers: 2, MaxWorkers: 20, MinRuntime: 0.5, ProvisionBias: 2, RecoveryBias: 3}
	plan := BuildPlan(metricsWith(map[string]any{
		"arrival_rate_per_min": 600.0,
		"avg_runtime":          1.0,
	}), policy)
	assert.Equal(t, 20, plan.TargetWorkers)
}

func TestBuildPlan_BacklogPressureAddsWorkers(t *testing.T) {
	policy := Policy{MinWorkers: 1, MaxWorkers: 50, MinRuntime: 1.0, ProvisionBias: 1, RecoveryBias: 1, CatchupBatch: 10, BacklogTarget: 0}
	plan := BuildPlan(metricsWith(map[string]any{"backlog": 25}), policy)
	assert.GreaterOrEqual(t, plan.TargetWorkers, 3) // ceil(25/10) == 3
}

func TestBuildPlan_RecoveryBiasAppliesUnderWaitPressure(t *testing.T) {
	base := Policy{MinWorkers: 1, MaxWorkers: 50, MinRuntime: 1.0, ProvisionBias: 1, RecoveryBias: 4, WaitThreshold: 5.0}
	normal := BuildPlan(metricsWith(map[string]any{"arrival_rate_per_min": 30.0, "avg_runtime": 1.0}), base)
	stressed := BuildPlan(metricsWith(map[string]any{"arrival_rate_per_min": 30.0, "avg_runtime": 1.0, "avg_wait_time": 10.0}), base)
	assert.Greater(t, stressed.TargetWorkers, normal.TargetWorkers)
}

func TestController_ApplyPlanIfNeeded_DampensScaleDownWithinCooldown(t *testing.T) {
	queue, err := workerqueue.New(workerqueue.WithName("ctrl-test"), workerqueue.WithMaxWorkers(2), workerqueue.WithAdaptiveMode(true))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, queue.Start(ctx))
	defer queue.Stop(ctx)

	c := New(WithTickInterval(50*time.Millisecond), WithScaleDownCooldown(time.Hour))
	c.Register("q", queue, Policy{MinWorkers: 1, MaxWorkers: 10})

	state := c.states["q"]
	now := time.Now()
	c.applyPlanIfNeeded(ctx, state, Plan{TargetWorkers: 10, BaselineWorkers: 10, BacklogHigh: 5, BacklogHardLimit: 20, BacklogShedTo: 5}, now)
	require.Eventually(t, func() bool { return queue.Metrics()["max_workers"] == 10 }, time.Second, 5*time.Millisecond)

	// A scale-down arrives immediately after: within the cooldown window it
	// must be dampened back to the previous (larger) target.
	c.applyPlanIfNeeded(ctx, state, Plan{TargetWorkers: 2, BaselineWorkers: 2, BacklogHigh: 5, BacklogHardLimit: 20, BacklogShedTo: 5}, now.Add(time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 10, queue.Metrics()["max_workers"], "scale-down within the cooldown window must be damped")
}

func TestController_StartStop_Idempotent(t *testing.T) {
	c := New()
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	c.Stop()
	c.Stop()
}
