// Package controller implements the periodic control loop that computes
// new sizing plans for one or more adaptive-mode queues (§4.5).
//
// Grounded on original_source/cogs/aggregated_moderation/adaptive_controller.py
// for the plan formula and damping/cooldown rule, and on the teacher's
// pkg/notifyhub/async worker-scaler for the Go idiom of a ticking control
// goroutine owned by a context/cancel pair with a sync.WaitGroup.
package controller

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/kart-io/modqueue/pkg/events"
	"github.com/kart-io/modqueue/pkg/logger"
	"github.com/kart-io/modqueue/pkg/tracing"
	"github.com/kart-io/modqueue/pkg/workerqueue"
)

// Option configures a Controller, matching the teacher's functional-options
// idiom.
type Option func(*controllerConfig)

type controllerConfig struct {
	tickInterval      time.Duration
	scaleDownCooldown time.Duration
	sink              events.Sink
	log               logger.Logger
	tracer            *tracing.Tracer
}

func defaultControllerConfig() *controllerConfig {
	return &controllerConfig{
		tickInterval:      2 * time.Second,
		scaleDownCooldown: 15 * time.Second,
		sink:              events.Discard,
		log:               logger.Discard,
		tracer:            tracing.Noop(),
	}
}

// WithTickInterval sets the control loop period (default 2s, §6).
func WithTickInterval(d time.Duration) Option {
	return func(c *controllerConfig) { c.tickInterval = d }
}

// WithScaleDownCooldown sets the minimum time between scale-down plan
// applications per queue (default 15s).
func WithScaleDownCooldown(d time.Duration) Option {
	return func(c *controllerConfig) { c.scaleDownCooldown = d }
}

// WithSink sets the structured event sink for plan-change notifications.
func WithSink(sink events.Sink) Option {
	return func(c *controllerConfig) { c.sink = sink }
}

// WithLogger sets the controller's logger.
func WithLogger(log logger.Logger) Option {
	return func(c *controllerConfig) { c.log = log }
}

// WithTracer attaches an OpenTelemetry tracer, used to emit one span per
// control-loop tick (DESIGN.md, pkg/tracing). Defaults to a no-op
// tracer.
func WithTracer(tracer *tracing.Tracer) Option {
	return func(c *controllerConfig) { c.tracer = tracer }
}

// Plan is the sizing/watermark decision computed for one queue on a tick
// (§4.5 AdaptivePlan).
type Plan struct {
	TargetWorkers    int
	BaselineWorkers  int
	BacklogHigh      int
	BacklogLow       int
	HasBacklogLow    bool
	BacklogHardLimit int
	BacklogShedTo    int
}

func (p Plan) equal(other Plan) bool {
	return p.TargetWorkers == other.TargetWorkers &&
		p.BaselineWorkers == other.BaselineWorkers &&
		p.BacklogHigh == other.BacklogHigh &&
		p.BacklogLow == other.BacklogLow &&
		p.HasBacklogLow == other.HasBacklogLow &&
		p.BacklogHardLimit == other.BacklogHardLimit &&
		p.BacklogShedTo == other.BacklogShedTo
}

type queueState struct {
	name         string
	queue        *workerqueue.Queue
	policy       Policy
	lastPlan     *Plan
	lastChangeAt time.Time
}

// Controller periodically recomputes and applies sizing plans for a set of
// queues running in adaptive mode (§4.5).
type Controller struct {
	cfg *controllerConfig

	mu     sync.Mutex
	states map[string]*queueState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Controller with no queues registered yet; call Register for
// each queue/policy pair before Start.
func New(opts ...Option) *Controller {
	cfg := defaultControllerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Controller{
		cfg:    cfg,
		states: make(map[string]*queueState),
	}
}

// Register adds a (queue, policy) pair the controller will manage (§4.5
// "Supports an arbitrary number of (queue, policy) pairs").
func (c *Controller) Register(name string, queue *workerqueue.Queue, policy Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[name] = &queueState{name: name, queue: queue, policy: policy.normalize()}
}

// Start launches the control loop goroutine. Idempotent.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(loopCtx)
	}()
	return nil
}

// Stop cancels the control loop and waits for it to exit. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.tick(ctx)
	}
}

func (c *Controller) tick(ctx context.Context) {
	ctx, span := c.cfg.tracer.StartSpan(ctx, "controller.tick")
	defer span.End()

	now := time.Now()

	c.mu.Lock()
	states := make([]*queueState, 0, len(c.states))
	for _, s := range c.states {
		states = append(states, s)
	}
	c.mu.Unlock()

	for _, state := range states {
		metrics := state.queue.Metrics()
		plan := BuildPlan(metrics, state.policy)
		c.applyPlanIfNeeded(ctx, state, plan, now)
	}
}

// applyPlanIfNeeded implements the damping/cooldown rule: an unchanged plan
// is skipped entirely, and a scale-down within the cooldown window is
// dampened back to the previous target (keeping the larger baseline) so the
// queue doesn't thrash (§4.5 step 9).
func (c *Controller) applyPlanIfNeeded(ctx context.Context, state *queueState, plan Plan, now time.Time) {
	previous := state.lastPlan
	applied := plan

	if previous != nil {
		if previous.equal(plan) {
			return
		}
		scalingDown := plan.TargetWorkers < previous.TargetWorkers
		if scalingDown && now.Sub(state.lastChangeAt) < c.cfg.scaleDownCooldown {
			applied = plan
			applied.TargetWorkers = previous.TargetWorkers
			if previous.BaselineWorkers > applied.BaselineWorkers {
				applied.BaselineWorkers = previous.BaselineWorkers
			}
		}
	}

	qp := workerqueue.Plan{
		TargetWorkers:   applied.TargetWorkers,
		BaselineWorkers: intPtr(applied.BaselineWorkers),
		BacklogHigh:     intPtr(applied.BacklogHigh),
		BacklogHardLimit: intPtr(applied.BacklogHardLimit),
		BacklogShedTo:    intPtr(applied.BacklogShedTo),
	}
	if applied.HasBacklogLow {
		qp.BacklogLow = intPtr(applied.BacklogLow)
	}

	if err := state.queue.ApplyPlan(ctx, qp); err != nil {
		c.cfg.log.Error(events.Fieldf(state.name, "failed to apply adaptive plan: %v", err))
		return
	}

	appliedCopy := applied
	state.lastPlan = &appliedCopy
	state.lastChangeAt = now
}

func intPtr(v int) *int { return &v }

// BuildPlan computes the sizing/watermark plan for one queue from its
// current metrics, implementing §4.5 steps 1-10 verbatim (ported from
// original_source's _build_plan).
func BuildPlan(metrics map[string]any, policy Policy) Plan {
	policy = policy.normalize()

	backlog := intFrom(metrics["backlog"])
	arrivalRate := floatFrom(metrics["arrival_rate_per_min"])
	completionRate := floatFrom(metrics["completion_rate_per_min"])
	emaRuntime := floatFrom(metrics["ema_runtime"])
	avgRuntime := floatFrom(metrics["avg_runtime"])

	runtime := emaRuntime
	if runtime <= 0 {
		runtime = avgRuntime
	}
	if runtime <= 0 {
		runtime = policy.MinRuntime
	} else if runtime < policy.MinRuntime {
		runtime = policy.MinRuntime
	}

	perWorkerCapacity := 60.0 / policy.MinRuntime
	if runtime > 0 {
		perWorkerCapacity = 60.0 / runtime
	}

	busyWorkers := intFrom(metrics["busy_workers"])
	if busyWorkers < 1 {
		busyWorkers = 1
	}
	if completionRate > 0 {
		observedCapacity := completionRate / float64(busyWorkers)
		if observedCapacity > perWorkerCapacity {
			perWorkerCapacity = observedCapacity
		}
	}

	waitSignal := maxFloat(
		floatFrom(metrics["ema_wait_time"]),
		floatFrom(metrics["avg_wait_time"]),
		floatFrom(metrics["last_wait_time"]),
	)

	// A zero WaitThreshold leaves the wait trigger off, so an unset policy
	// field does not put every tick under recovery bias.
	bias := policy.ProvisionBias
	waitStressed := policy.WaitThreshold > 0 && waitSignal >= policy.WaitThreshold
	if waitStressed || backlog > policy.BacklogSoftLimit {
		if policy.RecoveryBias > bias {
			bias = policy.RecoveryBias
		}
	}

	demandWorkers := 0
	if perWorkerCapacity > 0 {
		demandWorkers = int(math.Ceil((arrivalRate * bias) / perWorkerCapacity))
	}

	backlogSource := backlog
	if policy.MaintainBacklog {
		backlogSource = backlog - policy.BacklogTarget
	}
	backlogExcess := maxInt(0, backlogSource)
	backlogPressure := int(math.Ceil(float64(backlogExcess) / float64(maxInt(1, policy.CatchupBatch))))

	targetWorkers := maxInt(policy.MinWorkers, demandWorkers+backlogPressure)
	if arrivalRate <= 0.1 && backlog <= policy.BacklogTarget {
		targetWorkers = policy.MinWorkers
	}
	targetWorkers = minInt(policy.MaxWorkers, targetWorkers)

	baselineWorkers := maxInt(1, minInt(targetWorkers, policy.MinWorkers))

	dynamicHigh := maxInt(policy.BacklogSoftLimit, maxInt(policy.BacklogTarget, targetWorkers*maxInt(1, policy.CatchupBatch)))
	backlogHigh := dynamicHigh
	if !policy.MaintainBacklog {
		backlogHigh = maxInt(dynamicHigh, policy.CatchupBatch)
	}

	backlogLow := 0
	hasBacklogLow := false
	if policy.BacklogLow > 0 {
		backlogLow = minInt(policy.BacklogLow, maxInt(0, backlogHigh-policy.CatchupBatch))
		hasBacklogLow = true
	} else if !policy.MaintainBacklog {
		backlogLow = 0
		hasBacklogLow = true
	}

	backlogHard := maxInt(backlogHigh*2, backlogHigh+policy.CatchupBatch)
	shedTarget := maxInt(policy.BacklogTarget, backlogHigh)

	return Plan{
		TargetWorkers:    targetWorkers,
		BaselineWorkers:  baselineWorkers,
		BacklogHigh:      backlogHigh,
		BacklogLow:       backlogLow,
		HasBacklogLow:    hasBacklogLow,
		BacklogHardLimit: backlogHard,
		BacklogShedTo:    shedTarget,
	}
}

func intFrom(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	default:
		return 0
	}
}

func floatFrom(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return 0
	}
}

func maxFloat(values ...float64) float64 {
	best := values[0]
	for _, v := range values[1:] {
		if v > best {
			best = v
		}
	}
	return best
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
