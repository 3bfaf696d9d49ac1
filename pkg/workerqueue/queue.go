// Package workerqueue implements the adaptive worker pool at the center of
// this subsystem (§4.4): goroutine workers pull tasks from a bounded
// backlog, shed oldest tasks past a hard limit, and resize themselves
// either via their own internal autoscaler or via plans pushed by an
// external AdaptiveController.
//
// Grounded on the teacher's queue/worker/worker.go and
// queue/worker/coordinator.go for the goroutine-pool shape (mutex-guarded
// state, context.CancelFunc, sync.WaitGroup shutdown) and on
// original_source/modules/worker_queue_pkg/worker_queue/main.py for the
// exact sizing, shedding and autoscaling semantics.
package workerqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/modqueue/pkg/errors"
	"github.com/kart-io/modqueue/pkg/events"
	"github.com/kart-io/modqueue/pkg/instrumentation"
	"github.com/kart-io/modqueue/pkg/logger"
	"github.com/kart-io/modqueue/pkg/ratetracker"
	"github.com/kart-io/modqueue/pkg/tasktypes"
	"github.com/kart-io/modqueue/pkg/tracing"
)

// adaptive ceiling bookkeeping constants, ported from main.py's hard-coded
// instance defaults.
const (
	adaptiveHitThreshold = 4
	adaptiveResetHits    = 12
	adaptiveStep         = 1
	adaptiveBumpCooldown = 30 * time.Second
)

// Queue is an adaptive worker pool executing Tasks in the order they were
// enqueued, subject to backlog shedding and dynamic resizing (§4.4).
type Queue struct {
	cfg *config
	log logger.Logger
	sink events.Sink
	inst *instrumentation.Instrumentation
	tracer *tracing.Tracer

	arrivalTracker    *ratetracker.Tracker
	completionTracker *ratetracker.Tracker

	mu      sync.Mutex
	cond    *sync.Cond
	running bool
	backlog []*Task

	maxWorkers      int
	baselineWorkers int
	autoscaleMax    int
	busyWorkers     int
	activeWorkers   int64 // atomic
	pendingStops    int

	backlogHigh      int
	backlogLow       int
	backlogHardLimit *int
	backlogShedTo    *int
	checkInterval    time.Duration
	scaleDownGrace   time.Duration

	adaptiveMode           bool
	configuredAutoscaleMax int
	adaptiveBacklogHits    int
	adaptiveRecoveryHits   int
	lastAdaptiveBump       time.Time
	adaptiveCeiling        int
	adaptivePlanTarget     int
	adaptivePlanBaseline   int
	lastPlanApplied        time.Time

	workerCtx context.Context
	wg        sync.WaitGroup

	autoscalerCancel context.CancelFunc
	autoscalerWG     sync.WaitGroup
}

// New constructs a Queue. Workers are not started until Start is called.
func New(opts ...Option) (*Queue, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.maxWorkers < 1 {
		cfg.maxWorkers = 1
	}
	if cfg.autoscaleMax < cfg.maxWorkers {
		cfg.autoscaleMax = cfg.maxWorkers
	}

	q := &Queue{
		cfg:                    cfg,
		log:                    cfg.log,
		sink:                   cfg.sink,
		tracer:                 cfg.tracer,
		maxWorkers:             cfg.maxWorkers,
		baselineWorkers:        cfg.maxWorkers,
		autoscaleMax:           cfg.autoscaleMax,
		backlogHigh:            cfg.backlogHighWatermark,
		backlogLow:             cfg.backlogLowWatermark,
		backlogHardLimit:       cfg.backlogHardLimit,
		backlogShedTo:          cfg.backlogShedTo,
		checkInterval:          cfg.autoscaleCheckInterval,
		scaleDownGrace:         cfg.scaleDownGrace,
		adaptiveMode:           cfg.adaptiveMode,
		configuredAutoscaleMax: cfg.autoscaleMax,
		arrivalTracker:         ratetracker.New(cfg.rateTrackingWindow),
		completionTracker:      ratetracker.New(cfg.rateTrackingWindow),
	}
	q.adaptivePlanTarget = q.maxWorkers
	q.adaptivePlanBaseline = q.baselineWorkers
	q.cond = sync.NewCond(&q.mu)
	q.recomputeAdaptiveCeilingLocked()

	instOpts := []instrumentation.Option{
		instrumentation.WithSingularRuntimeThreshold(cfg.singularRuntimeThreshold),
		instrumentation.WithSink(cfg.sink),
		instrumentation.WithLogger(cfg.log),
	}
	if cfg.singularReporter != nil {
		instOpts = append(instOpts, instrumentation.WithReporter(cfg.singularReporter))
	}
	if cfg.meter != nil {
		instOpts = append(instOpts, instrumentation.WithMeter(cfg.meter))
	}
	q.inst = instrumentation.New(cfg.name, instOpts...)

	return q, nil
}

// Name returns the queue's configured name.
func (q *Queue) Name() string { return q.cfg.name }

func (q *Queue) recomputeAdaptiveCeilingLocked() {
	baseExtra := q.baselineWorkers
	if baseExtra < 1 {
		baseExtra = 1
	}
	ceilingA := q.configuredAutoscaleMax + baseExtra
	ceilingB := q.configuredAutoscaleMax + 2
	if ceilingA > ceilingB {
		q.adaptiveCeiling = ceilingA
	} else {
		q.adaptiveCeiling = ceilingB
	}
}

// Start spawns the configured worker goroutines and, unless adaptive mode
// is enabled, the internal autoscaler (§4.4 start()). Idempotent.
func (q *Queue) Start(ctx context.Context) error {
	_, span := q.tracer.StartSpan(ctx, "workerqueue.start", attribute.String("queue.name", q.cfg.name))
	defer span.End()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}
	q.running = true
	q.workerCtx = context.Background()
	for i := 0; i < q.maxWorkers; i++ {
		q.spawnWorkerLocked(q.workerCtx)
	}
	if !q.adaptiveMode && q.autoscaleMax > q.baselineWorkers {
		autoCtx, cancel := context.WithCancel(context.Background())
		q.autoscalerCancel = cancel
		q.autoscalerWG.Add(1)
		go func() {
			defer q.autoscalerWG.Done()
			q.runAutoscaler(autoCtx)
		}()
	}
	return nil
}

// Stop drains in-flight work, cancels the autoscaler, and sheds any tasks
// still waiting in the backlog (§4.4 stop()). Idempotent.
func (q *Queue) Stop(ctx context.Context) error {
	_, span := q.tracer.StartSpan(ctx, "workerqueue.stop", attribute.String("queue.name", q.cfg.name))
	defer span.End()

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	autoscalerCancel := q.autoscalerCancel
	q.autoscalerCancel = nil
	q.pendingStops += q.maxWorkers
	q.cond.Broadcast()
	q.mu.Unlock()

	if autoscalerCancel != nil {
		autoscalerCancel()
		q.autoscalerWG.Wait()
	}
	q.wg.Wait()

	q.mu.Lock()
	remaining := q.backlog
	q.backlog = nil
	q.pendingStops = 0
	q.mu.Unlock()

	for _, task := range remaining {
		q.closeTask(task)
	}
	if len(remaining) > 0 {
		q.inst.RecordDropped(len(remaining))
	}

	q.inst.Wait()
	return nil
}

// IsRunning reports whether the queue currently has active workers.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Enqueue appends task to the backlog, then sheds the backlog if it now
// exceeds the hard limit (§4.4 add_task / enqueue→shed ordering).
func (q *Queue) Enqueue(ctx context.Context, task *Task) error {
	q.arrivalTracker.Record()

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return errors.NewQueueStoppedError(q.cfg.name)
	}
	task.enqueuedAt = time.Now()
	task.backlogAtEnqueue = len(q.backlog)
	q.backlog = append(q.backlog, task)
	q.cond.Broadcast()
	q.mu.Unlock()

	q.shedBacklogIfNeeded("put")
	return nil
}

// Backlog returns the current number of tasks waiting for a worker.
func (q *Queue) Backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

func (q *Queue) activeWorkerCount() int {
	return int(atomic.LoadInt64(&q.activeWorkers))
}

// spawnWorkerLocked must be called with q.mu held.
func (q *Queue) spawnWorkerLocked(ctx context.Context) {
	atomic.AddInt64(&q.activeWorkers, 1)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer atomic.AddInt64(&q.activeWorkers, -1)
		q.workerLoop(ctx)
	}()
}

// workerLoop implements the five-step loop of §4.4: wait for work or a
// stop signal, run the task, record wait/runtime, repeat.
func (q *Queue) workerLoop(ctx context.Context) {
	for {
		q.mu.Lock()
		for len(q.backlog) == 0 && q.pendingStops == 0 {
			q.cond.Wait()
		}
		if len(q.backlog) == 0 && q.pendingStops > 0 {
			q.pendingStops--
			q.mu.Unlock()
			return
		}
		task := q.backlog[0]
		q.backlog = q.backlog[1:]
		q.busyWorkers++
		q.mu.Unlock()

		q.runTask(ctx, task)

		q.mu.Lock()
		if q.busyWorkers > 0 {
			q.busyWorkers--
		}
		q.mu.Unlock()
	}
}

func (q *Queue) runTask(ctx context.Context, task *Task) {
	ctx, span := q.tracer.StartSpan(ctx, "workerqueue.run_task",
		attribute.String("queue.name", q.cfg.name),
		attribute.String("task.kind", string(task.Metadata.Kind)),
		attribute.String("task.tenant_id", task.Metadata.TenantID),
	)

	wait := time.Since(task.enqueuedAt)
	q.inst.RecordWait(wait.Seconds())

	q.mu.Lock()
	backlogAtStart := len(q.backlog)
	busyAtStart := q.busyWorkers
	maxWorkers := q.maxWorkers
	autoscaleMax := q.autoscaleMax
	q.mu.Unlock()
	activeAtStart := q.activeWorkerCount()

	start := time.Now()
	value, err := q.invokeTask(ctx, task)
	runtime := time.Since(start)

	q.mu.Lock()
	backlogAtFinish := len(q.backlog)
	q.mu.Unlock()

	detail := tasktypes.RuntimeDetail{
		Metadata:         task.Metadata,
		Wait:             wait,
		Runtime:          runtime,
		BacklogAtEnqueue: task.backlogAtEnqueue,
		BacklogAtStart:   backlogAtStart,
		BacklogAtFinish:  backlogAtFinish,
		BusyAtStart:      busyAtStart,
		ActiveAtStart:    activeAtStart,
		MaxWorkers:       maxWorkers,
		AutoscaleMax:     autoscaleMax,
		EnqueuedAt:       task.enqueuedAt,
		StartedAt:        start,
		FinishedAt:       start.Add(runtime),
	}
	q.inst.RecordRuntime(detail)
	q.completionTracker.Record()

	outcome := tasktypes.Outcome{Value: value, Err: err}
	if err != nil {
		if errors.GetErrorCode(err) == errors.ErrTaskTimedOut {
			outcome.TimedOut = true
		}
		q.log.Error(events.Fieldf(q.cfg.name, "task failed: %v", err))
		q.sink.Emit(events.Error, "task_failure", events.Fieldf(q.cfg.name, "task failed: %v", err), map[string]any{
			"error": err.Error(),
		})
	}
	tracing.EndWithError(span, err)
	task.deliver(outcome)
}

// invokeTask runs a task's closure, converting a panic into an error so one
// misbehaving task never takes down a worker goroutine (§9 Design Notes:
// "log a single error with the underlying cause").
func (q *Queue) invokeTask(ctx context.Context, task *Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			q.sink.Emit(events.Error, "task_panic", events.Fieldf(q.cfg.name, "task panicked: %v", r), nil)
		}
	}()
	return task.Run(ctx)
}

func (q *Queue) closeTask(task *Task) {
	task.deliver(tasktypes.Outcome{Shed: true, Err: errors.NewTaskShedError(q.cfg.name)})
}

// shedBacklogIfNeeded drops the oldest backlog tasks once the backlog
// exceeds the hard limit, mirroring _shed_backlog_if_needed (§4.4).
func (q *Queue) shedBacklogIfNeeded(trigger string) int {
	q.mu.Lock()
	if q.backlogHardLimit == nil {
		q.mu.Unlock()
		return 0
	}
	qlen := len(q.backlog)
	if qlen <= *q.backlogHardLimit {
		q.mu.Unlock()
		return 0
	}

	target := q.backlogHigh
	if q.backlogShedTo != nil {
		target = *q.backlogShedTo
	}
	if target < 0 {
		target = 0
	}
	dropN := qlen - target
	if dropN <= 0 {
		q.mu.Unlock()
		return 0
	}
	if dropN > qlen {
		dropN = qlen
	}
	dropped := q.backlog[:dropN]
	q.backlog = q.backlog[dropN:]
	hardLimit := *q.backlogHardLimit
	q.mu.Unlock()

	for _, task := range dropped {
		q.closeTask(task)
	}
	n := len(dropped)
	if n > 0 {
		q.inst.RecordDropped(n)
		q.sink.Emit(events.Warning, "backlog_shed",
			events.Fieldf(q.cfg.name, "backlog %d exceeded hard limit %d; dropped %d oldest task(s) (trigger=%s)", qlen, hardLimit, n, trigger),
			map[string]any{"dropped": n, "trigger": trigger})
	}
	return n
}

// Resize changes the queue's worker count, spawning new workers or
// requesting stops from existing ones (§4.4 resize_workers).
func (q *Queue) Resize(ctx context.Context, newMax int, reason string) error {
	q.mu.Lock()
	if newMax == q.maxWorkers {
		q.mu.Unlock()
		return nil
	}
	oldMax := q.maxWorkers

	if newMax > q.maxWorkers {
		q.maxWorkers = newMax
		if q.running {
			need := newMax - q.activeWorkerCount()
			for i := 0; i < need; i++ {
				q.spawnWorkerLocked(q.workerCtx)
			}
		}
		q.mu.Unlock()
		q.sink.Emit(events.Info, "scaled_up", events.Fieldf(q.cfg.name, "scaled up %d -> %d (%s)", oldMax, newMax, reason),
			map[string]any{"old": oldMax, "new": newMax, "reason": reason})
		return nil
	}

	active := q.activeWorkerCount()
	deficit := active - newMax
	if deficit < 0 {
		deficit = 0
	}
	toStop := deficit - q.pendingStops
	if toStop < 0 {
		toStop = 0
	}
	q.pendingStops += toStop
	q.maxWorkers = newMax
	q.cond.Broadcast()
	q.mu.Unlock()

	q.sink.Emit(events.Info, "scaled_down", events.Fieldf(q.cfg.name, "scaled down %d -> %d (%s)", oldMax, newMax, reason),
		map[string]any{"old": oldMax, "new": newMax, "reason": reason})
	return nil
}

// EnsureCapacity raises the autoscale ceiling (and, if necessary, the
// worker count) to at least target, mirroring ensure_capacity (§4.4).
func (q *Queue) EnsureCapacity(ctx context.Context, target int) error {
	if target < 1 {
		target = 1
	}
	q.mu.Lock()
	needsResize := false
	if target > q.autoscaleMax {
		q.autoscaleMax = target
		if q.autoscaleMax > q.configuredAutoscaleMax {
			q.configuredAutoscaleMax = q.autoscaleMax
			q.recomputeAdaptiveCeilingLocked()
		}
	}
	if target > q.maxWorkers {
		needsResize = true
	}
	q.mu.Unlock()

	if needsResize {
		return q.Resize(ctx, target, "ensure_capacity")
	}
	return nil
}

func (q *Queue) planStateLocked() planState {
	return planState{
		target:        q.adaptivePlanTarget,
		baseline:      q.adaptivePlanBaseline,
		maxWorkers:    q.maxWorkers,
		autoscaleMax:  q.autoscaleMax,
		backlogHigh:   q.backlogHigh,
		backlogLow:    q.backlogLow,
		backlogHard:   q.backlogHardLimit,
		backlogShedTo: q.backlogShedTo,
	}
}

// ApplyPlan pushes an externally computed sizing/watermark plan into the
// queue. A no-op unless the queue was constructed with WithAdaptiveMode(true)
// (§4.4 update_adaptive_plan, §4.5).
func (q *Queue) ApplyPlan(ctx context.Context, plan Plan) error {
	if !q.adaptiveMode {
		return nil
	}
	target := plan.TargetWorkers
	if target < 1 {
		target = 1
	}
	baseline := target
	if plan.BaselineWorkers != nil {
		baseline = *plan.BaselineWorkers
	}
	if baseline < 1 {
		baseline = 1
	}
	if baseline > target {
		baseline = target
	}

	q.mu.Lock()
	before := q.planStateLocked()
	q.adaptivePlanTarget = target
	q.adaptivePlanBaseline = baseline
	q.baselineWorkers = baseline
	if plan.BacklogHigh != nil {
		q.backlogHigh = *plan.BacklogHigh
	}
	if plan.BacklogLow != nil {
		q.backlogLow = *plan.BacklogLow
	}
	if plan.BacklogHardLimit != nil {
		v := *plan.BacklogHardLimit
		if v < 0 {
			q.backlogHardLimit = nil
		} else {
			q.backlogHardLimit = &v
		}
	}
	if plan.BacklogShedTo != nil {
		v := *plan.BacklogShedTo
		q.backlogShedTo = &v
	}
	q.configuredAutoscaleMax = target
	q.autoscaleMax = target
	q.recomputeAdaptiveCeilingLocked()
	currentMax := q.maxWorkers
	q.mu.Unlock()

	if currentMax != target {
		if err := q.Resize(ctx, target, "adaptive_plan"); err != nil {
			return err
		}
	}

	q.mu.Lock()
	q.lastPlanApplied = time.Now()
	after := q.planStateLocked()
	q.mu.Unlock()

	changes := summarizePlanChanges(before, after)
	if len(changes) > 0 {
		q.sink.Emit(events.Info, "adaptive_plan_updated",
			events.Fieldf(q.cfg.name, "adaptive plan updated: %v", changes),
			map[string]any{"changes": changes, "target": target, "baseline": baseline})
	}
	return nil
}

// runAutoscaler is the internal autoscaler loop (§4.4 autoscaler_loop),
// active only when the queue was not constructed with WithAdaptiveMode(true)
// and its autoscale ceiling exceeds its baseline.
func (q *Queue) runAutoscaler(ctx context.Context) {
	ticker := time.NewTicker(q.checkInterval)
	defer ticker.Stop()

	var lowSince time.Time
	lowSinceSet := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		q.shedBacklogIfNeeded("autoscaler")

		q.mu.Lock()
		backlog := len(q.backlog)
		active := q.activeWorkerCount()
		autoscaleMax := q.autoscaleMax
		maxWorkers := q.maxWorkers
		backlogHigh := q.backlogHigh
		backlogLow := q.backlogLow
		baseline := q.baselineWorkers
		pendingStops := q.pendingStops
		busy := q.busyWorkers
		adaptiveCeiling := q.adaptiveCeiling
		configuredAutoscaleMax := q.configuredAutoscaleMax
		q.mu.Unlock()

		if backlog >= backlogHigh && active < autoscaleMax {
			_ = q.Resize(ctx, autoscaleMax, "autoscaler_backlog_high")
			lowSinceSet = false
			continue
		}

		waitEMA := q.inst.WaitEMA()
		lastWait := q.inst.LastWait()
		waitSignal := waitEMA
		if lastWait > waitSignal {
			waitSignal = lastWait
		}
		if backlog > 0 && waitSignal >= q.inst.SlowWaitThreshold() && maxWorkers < autoscaleMax {
			_ = q.Resize(ctx, autoscaleMax, "autoscaler_wait_pressure")
			lowSinceSet = false
			continue
		}

		if autoscaleMax < adaptiveCeiling {
			saturated := busy >= maxWorkers
			q.mu.Lock()
			if backlog >= backlogHigh && saturated {
				q.adaptiveBacklogHits++
			} else {
				q.adaptiveBacklogHits = 0
			}
			hits := q.adaptiveBacklogHits
			lastBump := q.lastAdaptiveBump
			q.mu.Unlock()

			if hits >= adaptiveHitThreshold && time.Since(lastBump) >= adaptiveBumpCooldown {
				newLimit := autoscaleMax + adaptiveStep
				if newLimit > adaptiveCeiling {
					newLimit = adaptiveCeiling
				}
				if newLimit > autoscaleMax {
					q.mu.Lock()
					q.autoscaleMax = newLimit
					q.lastAdaptiveBump = time.Now()
					q.adaptiveBacklogHits = 0
					q.adaptiveRecoveryHits = 0
					q.mu.Unlock()
					_ = q.Resize(ctx, newLimit, "autoscaler_adaptive_ceiling")
					continue
				}
			}
		}

		overBaseline := active - baseline - pendingStops
		if overBaseline < 0 {
			overBaseline = 0
		}
		if backlog <= backlogLow && overBaseline > 0 {
			if !lowSinceSet {
				lowSince = time.Now()
				lowSinceSet = true
			} else if time.Since(lowSince) >= q.scaleDownGrace {
				_ = q.Resize(ctx, baseline, "autoscaler_scale_down")
				lowSinceSet = false
			}
		} else {
			lowSinceSet = false
		}

		if autoscaleMax > configuredAutoscaleMax {
			recoveryFloor := backlogLow
			if recoveryFloor < 1 {
				recoveryFloor = 1
			}
			q.mu.Lock()
			if backlog <= recoveryFloor {
				q.adaptiveRecoveryHits++
			} else {
				q.adaptiveRecoveryHits = 0
			}
			recoveryHits := q.adaptiveRecoveryHits
			q.mu.Unlock()

			if recoveryHits >= adaptiveResetHits {
				q.mu.Lock()
				q.autoscaleMax = configuredAutoscaleMax
				q.lastAdaptiveBump = time.Time{}
				q.adaptiveBacklogHits = 0
				q.adaptiveRecoveryHits = 0
				q.recomputeAdaptiveCeilingLocked()
				needResize := q.maxWorkers > q.autoscaleMax
				resetTarget := q.autoscaleMax
				q.mu.Unlock()
				if needResize {
					_ = q.Resize(ctx, resetTarget, "autoscaler_ceiling_reset")
				}
			}
		}
	}
}

// Metrics returns a snapshot-ready metrics map, matching original_source's
// metrics() shape (§4.4, consumed by snapshot.FromMetrics).
func (q *Queue) Metrics() map[string]any {
	q.mu.Lock()
	payload := map[string]any{
		"name":                    q.cfg.name,
		"running":                 q.running,
		"backlog":                 len(q.backlog),
		"active_workers":          q.activeWorkerCount(),
		"busy_workers":            q.busyWorkers,
		"max_workers":             q.maxWorkers,
		"baseline_workers":        q.baselineWorkers,
		"autoscale_max":           q.autoscaleMax,
		"pending_stops":           q.pendingStops,
		"backlog_high":            q.backlogHigh,
		"backlog_low":             q.backlogLow,
		"check_interval":          q.checkInterval.Seconds(),
		"scale_down_grace":        q.scaleDownGrace.Seconds(),
		"backlog_hard_limit":      intPtrValue(q.backlogHardLimit),
		"backlog_shed_to":         intPtrValue(q.backlogShedTo),
		"adaptive_mode":           q.adaptiveMode,
		"adaptive_target_workers": q.adaptivePlanTarget,
		"adaptive_baseline_workers": q.adaptivePlanBaseline,
	}
	q.mu.Unlock()

	payload["arrival_rate_per_min"] = q.arrivalTracker.RatePerMinute()
	payload["completion_rate_per_min"] = q.completionTracker.RatePerMinute()
	for k, v := range q.inst.MetricsPayload() {
		payload[k] = v
	}
	return payload
}

func intPtrValue(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
