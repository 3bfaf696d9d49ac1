// Package router implements the stateless per-call dispatcher that decides
// which queue a task lands on (§4.6): entitlement → bootstrap grace →
// free-queue-overloaded failover → (kind, accelerated) destination table →
// video-task deadline wrapping.
//
// Grounded on original_source/cogs/aggregated_moderation/cog.py
// (_free_queue_overloaded, add_to_queue) and on the teacher's
// pkg/notifyhub/target resolver package for the Go shape of a stateless
// resolver struct with injected collaborators.
package router

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/modqueue/pkg/errors"
	"github.com/kart-io/modqueue/pkg/events"
	"github.com/kart-io/modqueue/pkg/logger"
	"github.com/kart-io/modqueue/pkg/snapshot"
	"github.com/kart-io/modqueue/pkg/tasktypes"
	"github.com/kart-io/modqueue/pkg/tracing"
	"github.com/kart-io/modqueue/pkg/workerqueue"
)

// EntitlementStore resolves whether a tenant is entitled to the accelerated
// tier, and when the tenant joined (for bootstrap grace), per §6.
type EntitlementStore interface {
	IsAccelerated(ctx context.Context, tenantID string) (bool, error)
	JoinedAt(ctx context.Context, tenantID string) (time.Time, bool, error)
}

// StaticEntitlementStore is an in-memory EntitlementStore test double,
// grounded on the teacher's in-memory test mocks (tests/mocks).
type StaticEntitlementStore struct {
	mu          sync.RWMutex
	accelerated map[string]bool
	joinedAt    map[string]time.Time
}

// NewStaticEntitlementStore creates an empty store; entitlements default to
// false and join times are unset unless recorded.
func NewStaticEntitlementStore() *StaticEntitlementStore {
	return &StaticEntitlementStore{
		accelerated: make(map[string]bool),
		joinedAt:    make(map[string]time.Time),
	}
}

// SetAccelerated marks tenantID's accelerated entitlement.
func (s *StaticEntitlementStore) SetAccelerated(tenantID string, accelerated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accelerated[tenantID] = accelerated
}

// SetJoinedAt records when tenantID was onboarded.
func (s *StaticEntitlementStore) SetJoinedAt(tenantID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinedAt[tenantID] = at
}

// IsAccelerated implements EntitlementStore.
func (s *StaticEntitlementStore) IsAccelerated(ctx context.Context, tenantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accelerated[tenantID], nil
}

// JoinedAt implements EntitlementStore.
func (s *StaticEntitlementStore) JoinedAt(ctx context.Context, tenantID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.joinedAt[tenantID]
	return at, ok, nil
}

// Option configures a Router.
type Option func(*Router)

// WithBootstrapGrace sets how long a newly-onboarded tenant is treated as
// accelerated (§4.6 step 2).
func WithBootstrapGrace(d time.Duration) Option {
	return func(r *Router) { r.bootstrapGrace = d }
}

// WithFailoverCooldown sets how long a failover decision stays sticky
// (default 30s, §6).
func WithFailoverCooldown(d time.Duration) Option {
	return func(r *Router) { r.failoverCooldown = d }
}

// WithVideoTaskTimeout sets the deadline applied to accelerated video tasks
// (default clamp(105+30, 90, 240) per §9 Design Notes).
func WithVideoTaskTimeout(d time.Duration) Option {
	return func(r *Router) { r.videoTaskTimeout = d }
}

// WithOverloadMultiplier overrides the 1.25x backlog-pressure multiplier
// used by the free-queue-overloaded heuristic (§4.6, §9 "tuning knobs").
func WithOverloadMultiplier(m float64) Option {
	return func(r *Router) { r.overloadMultiplier = m }
}

// WithQueueForKind routes accelerated tasks of the given kind to a
// dedicated queue (e.g. video_queue, accelerated_text_queue) instead of the
// default accelerated queue (§4.6 step 4, generalized over the source's
// three hard-coded queues).
func WithQueueForKind(kind tasktypes.Kind, queue *workerqueue.Queue) Option {
	return func(r *Router) { r.kindQueues[kind] = queue }
}

// WithSink sets the structured event sink for failover/timeout diagnostics.
func WithSink(sink events.Sink) Option {
	return func(r *Router) { r.sink = sink }
}

// WithLogger sets the router's logger.
func WithLogger(log logger.Logger) Option {
	return func(r *Router) { r.log = log }
}

// WithTracer attaches an OpenTelemetry tracer, used to emit one span per
// Submit call (DESIGN.md, pkg/tracing). Defaults to a no-op tracer.
func WithTracer(tracer *tracing.Tracer) Option {
	return func(r *Router) { r.tracer = tracer }
}

// Router dispatches tasks to a free or accelerated queue tier based on
// tenant entitlement, bootstrap grace, and free-queue overload (§4.6).
type Router struct {
	freeQueue        *workerqueue.Queue
	acceleratedQueue *workerqueue.Queue
	kindQueues       map[tasktypes.Kind]*workerqueue.Queue
	entitlements     EntitlementStore

	bootstrapGrace     time.Duration
	failoverCooldown   time.Duration
	videoTaskTimeout   time.Duration
	overloadMultiplier float64

	sink   events.Sink
	log    logger.Logger
	tracer *tracing.Tracer

	mu             sync.Mutex
	lastFailoverAt time.Time
}

// New creates a Router dispatching between freeQueue and acceleratedQueue.
func New(freeQueue, acceleratedQueue *workerqueue.Queue, entitlements EntitlementStore, opts ...Option) *Router {
	r := &Router{
		freeQueue:          freeQueue,
		acceleratedQueue:   acceleratedQueue,
		kindQueues:         make(map[tasktypes.Kind]*workerqueue.Queue),
		entitlements:       entitlements,
		failoverCooldown:   30 * time.Second,
		videoTaskTimeout:   clampDuration(105*time.Second+30*time.Second, 90*time.Second, 240*time.Second),
		overloadMultiplier: 1.25,
		sink:               events.Discard,
		log:                logger.Discard,
		tracer:             tracing.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// Submit resolves the destination queue for (tenantID, kind), wraps video
// tasks with a deadline, and enqueues the task (§4.6 submit). This is the
// Go-native equivalent of the source's submit(task, tenant_id, kind): since
// video-deadline wrapping must intercept the task's closure, Submit builds
// the Task itself from metadata and a run closure rather than accepting a
// pre-built Task.
func (r *Router) Submit(ctx context.Context, metadata tasktypes.Metadata, tenantID string, kind tasktypes.Kind, run func(ctx context.Context) (any, error)) (*workerqueue.Task, error) {
	ctx, span := r.tracer.StartSpan(ctx, "router.submit",
		attribute.String("task.kind", string(kind)),
		attribute.String("task.tenant_id", tenantID),
	)
	var submitErr error
	defer func() { tracing.EndWithError(span, submitErr) }()

	accelerated, err := r.entitlements.IsAccelerated(ctx, tenantID)
	if err != nil {
		accelerated = false
	}

	if !accelerated {
		if joinedAt, ok, jerr := r.entitlements.JoinedAt(ctx, tenantID); jerr == nil && ok {
			if r.bootstrapGrace > 0 && time.Since(joinedAt) <= r.bootstrapGrace {
				accelerated = true
			}
		}
	}

	if !accelerated && r.freeQueueOverloaded() {
		accelerated = true
	}

	queue := r.selectQueue(kind, accelerated)
	metadata.Kind = kind
	metadata.TenantID = tenantID

	wrapped := run
	if kind == tasktypes.KindVideo && accelerated && r.videoTaskTimeout > 0 {
		wrapped = r.withVideoDeadline(queue.Name(), run)
	}

	task := workerqueue.NewTask(metadata, wrapped)
	if err := queue.Enqueue(ctx, task); err != nil {
		submitErr = err
		return nil, err
	}
	return task, nil
}

// selectQueue implements the (kind, accelerated) dispatch table of §4.6
// step 4.
func (r *Router) selectQueue(kind tasktypes.Kind, accelerated bool) *workerqueue.Queue {
	if !accelerated {
		return r.freeQueue
	}
	if q, ok := r.kindQueues[kind]; ok && q != nil {
		return q
	}
	return r.acceleratedQueue
}

// withVideoDeadline wraps run with a timeout so a hung video task is
// surfaced as a normal task_failed outcome bearing ErrTaskTimedOut, rather
// than leaking a raw context error into the queue (§4.6 step 5).
func (r *Router) withVideoDeadline(queueName string, run func(ctx context.Context) (any, error)) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		ctx, span := r.tracer.StartSpan(ctx, "router.video_deadline",
			attribute.String("queue.name", queueName),
			attribute.Stringer("timeout", r.videoTaskTimeout),
		)
		deadlineCtx, cancel := context.WithTimeout(ctx, r.videoTaskTimeout)
		defer cancel()

		type result struct {
			value any
			err   error
		}
		done := make(chan result, 1)
		go func() {
			v, err := run(deadlineCtx)
			done <- result{value: v, err: err}
		}()

		select {
		case res := <-done:
			tracing.EndWithError(span, res.err)
			return res.value, res.err
		case <-deadlineCtx.Done():
			r.log.Warn(events.Fieldf(queueName, "video task timed out after %s", r.videoTaskTimeout))
			r.sink.Emit(events.Warning, "video_task_timeout",
				events.Fieldf(queueName, "video task timed out after %s", r.videoTaskTimeout), nil)
			timeoutErr := errors.NewTaskTimedOutError(queueName)
			tracing.EndWithError(span, timeoutErr)
			return nil, timeoutErr
		}
	}
}

// freeQueueOverloaded implements §4.6's free-queue-overloaded test, with
// sticky caching for failoverCooldown.
func (r *Router) freeQueueOverloaded() bool {
	r.mu.Lock()
	if !r.lastFailoverAt.IsZero() && time.Since(r.lastFailoverAt) < r.failoverCooldown {
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	if !r.freeQueue.IsRunning() {
		return false
	}

	snap := snapshot.FromMetrics(r.freeQueue.Metrics())

	backlogHigh := snap.BacklogHigh
	defaultHigh := maxInt(snap.BaselineWorkers*3, 12)
	high := defaultHigh
	if backlogHigh != nil && *backlogHigh > 0 {
		high = *backlogHigh
	}

	backlogThreshold := maxInt(int(float64(high)*r.overloadMultiplier), high+snap.MaxWorkers)
	backlogPressure := snap.Backlog >= backlogThreshold

	hardLimitPressure := false
	if snap.BacklogHardLimit != nil {
		floor := maxInt(*snap.BacklogHardLimit-maxInt(5, snap.MaxWorkers), 0)
		hardLimitPressure = snap.Backlog >= floor
	}

	runtimeSignal := snap.RuntimeSignal()
	waitThreshold := 10.0
	if runtimeSignal*3.0 > waitThreshold {
		waitThreshold = runtimeSignal * 3.0
	}
	waitPressure := snap.WaitSignal() >= waitThreshold

	overloaded := backlogPressure || hardLimitPressure || waitPressure
	if overloaded {
		r.mu.Lock()
		r.lastFailoverAt = time.Now()
		r.mu.Unlock()
		r.sink.Emit(events.Warning, "free_queue_failover",
			events.Fieldf(r.freeQueue.Name(), "free queue overloaded; routing to accelerated tier"), map[string]any{
				"backlog":      snap.Backlog,
				"backlog_high": high,
			})
	}
	return overloaded
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
