// Package instrumentation maintains per-queue runtime statistics and fires
// slow-task alerts (§4.2).
//
// Grounded on original_source/modules/worker_queue_pkg/worker_queue/instrumentation.py
// for the EMA/longest-retention/singular-slow-task semantics, and on the
// teacher's pkg/utils/metrics package for the Go idiom of a mutex-guarded
// aggregator exposing a metrics_payload()-shaped map.
package instrumentation

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/kart-io/modqueue/pkg/events"
	"github.com/kart-io/modqueue/pkg/logger"
	"github.com/kart-io/modqueue/pkg/tasktypes"
)

// emaAlpha is the EMA smoothing factor from §4.2: new = 0.8*old + 0.2*sample.
const emaAlpha = 0.2

// Option configures an Instrumentation instance, matching the teacher's
// functional-options idiom (pkg/notifyhub/config.Option).
type Option func(*Instrumentation)

// WithSingularRuntimeThreshold sets the runtime (seconds) at or above which
// a singular queue's slow task fires the reporter. Default 30s (§6).
func WithSingularRuntimeThreshold(seconds float64) Option {
	return func(i *Instrumentation) { i.singularThreshold = seconds }
}

// WithSlowWaitThreshold sets the wait-signal threshold the internal
// autoscaler compares against (§4.4 step 2). Default 15s, grounded on
// original_source's hard-coded slow_wait_threshold=15.0.
func WithSlowWaitThreshold(seconds float64) Option {
	return func(i *Instrumentation) { i.slowWaitThreshold = seconds }
}

// WithReporter sets the singular-slow-task reporter.
func WithReporter(reporter tasktypes.SlowTaskReporter) Option {
	return func(i *Instrumentation) { i.reporter = reporter }
}

// WithSink sets the structured event sink used to report reporter failures.
func WithSink(sink events.Sink) Option {
	return func(i *Instrumentation) { i.sink = sink }
}

// WithLogger sets a logger for task-failure and reporter diagnostics.
func WithLogger(log logger.Logger) Option {
	return func(i *Instrumentation) { i.log = log }
}

// WithMeter attaches an OpenTelemetry meter so wait/runtime samples and
// drop counts are additionally exported as OTel instruments (SPEC_FULL §4.2
// DOMAIN STACK). When unset, a no-op meter is used and behavior is
// otherwise identical.
func WithMeter(meter metric.Meter) Option {
	return func(i *Instrumentation) { i.meter = meter }
}

// Instrumentation records per-task wait/runtime samples for one queue and
// maintains EMAs, extremes, and the retained last/longest runtime detail.
type Instrumentation struct {
	queueName         string
	singularThreshold float64
	slowWaitThreshold float64
	reporter          tasktypes.SlowTaskReporter
	sink              events.Sink
	log               logger.Logger
	meter             metric.Meter

	mu              sync.RWMutex
	dropped         int64
	processed       int64
	totalRuntime    float64
	totalWait       float64
	waitSamples     int64
	runtimeEMA      *float64
	waitEMA         *float64
	lastRuntime     *float64
	lastWait        *float64
	longestRuntime  float64
	longestWait     float64
	lastDetail      *tasktypes.RuntimeDetail
	longestDetail   *tasktypes.RuntimeDetail

	alertWG sync.WaitGroup

	waitHist    metric.Float64Histogram
	runtimeHist metric.Float64Histogram
	droppedCtr  metric.Int64Counter
}

// New creates an Instrumentation for the named queue, applying opts over
// the §6 defaults (singular threshold 30s, slow-wait threshold 15s).
func New(queueName string, opts ...Option) *Instrumentation {
	i := &Instrumentation{
		queueName:         queueName,
		singularThreshold: 30.0,
		slowWaitThreshold: 15.0,
		log:               logger.Discard,
		sink:              events.Discard,
		meter:             noop.Meter{},
	}
	for _, opt := range opts {
		opt(i)
	}
	i.waitHist, _ = i.meter.Float64Histogram(
		"queue.task.wait_seconds",
		metric.WithDescription("observed task wait duration before a worker picked it up"),
	)
	i.runtimeHist, _ = i.meter.Float64Histogram(
		"queue.task.runtime_seconds",
		metric.WithDescription("observed task execution duration"),
	)
	i.droppedCtr, _ = i.meter.Int64Counter(
		"queue.task.dropped_total",
		metric.WithDescription("tasks dropped by backlog shedding"),
	)
	return i
}

// RecordWait records a wait-duration sample (§4.2 record_wait).
func (i *Instrumentation) RecordWait(waitSeconds float64) {
	i.mu.Lock()
	i.lastWait = &waitSeconds
	i.totalWait += waitSeconds
	i.waitSamples++
	if i.waitEMA == nil {
		v := waitSeconds
		i.waitEMA = &v
	} else {
		v := (*i.waitEMA * (1 - emaAlpha)) + (waitSeconds * emaAlpha)
		i.waitEMA = &v
	}
	if waitSeconds > i.longestWait {
		i.longestWait = waitSeconds
	}
	i.mu.Unlock()

	if i.waitHist != nil {
		i.waitHist.Record(context.Background(), waitSeconds)
	}
}

// RecordRuntime records a completed task's runtime detail (§4.2
// record_runtime): updates the completed count, runtime aggregates,
// retains last/longest detail, then evaluates the singular-slow-task
// policy.
func (i *Instrumentation) RecordRuntime(detail tasktypes.RuntimeDetail) {
	runtime := detail.Runtime.Seconds()

	i.mu.Lock()
	i.processed++
	i.lastRuntime = &runtime
	i.totalRuntime += runtime
	if i.runtimeEMA == nil {
		v := runtime
		i.runtimeEMA = &v
	} else {
		v := (*i.runtimeEMA * (1 - emaAlpha)) + (runtime * emaAlpha)
		i.runtimeEMA = &v
	}
	if runtime > i.longestRuntime {
		i.longestRuntime = runtime
	}
	d := detail
	i.lastDetail = &d
	if runtime >= i.longestRuntime {
		i.longestDetail = &d
	}
	i.mu.Unlock()

	if i.runtimeHist != nil {
		i.runtimeHist.Record(context.Background(), runtime)
	}

	i.maybeReportSingularTask(detail)
}

// RecordDropped increments the cumulative drop counter (§4.2 record_dropped).
func (i *Instrumentation) RecordDropped(n int) {
	if n <= 0 {
		return
	}
	i.mu.Lock()
	i.dropped += int64(n)
	i.mu.Unlock()
	if i.droppedCtr != nil {
		i.droppedCtr.Add(context.Background(), int64(n))
	}
}

// WaitEMA returns the current wait-time EMA, or 0 if no samples yet.
func (i *Instrumentation) WaitEMA() float64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.waitEMA == nil {
		return 0
	}
	return *i.waitEMA
}

// LastWait returns the most recent wait sample, or 0 if none yet.
func (i *Instrumentation) LastWait() float64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.lastWait == nil {
		return 0
	}
	return *i.lastWait
}

// SlowWaitThreshold returns the configured wait-pressure threshold used by
// the internal autoscaler (§4.4 step 2).
func (i *Instrumentation) SlowWaitThreshold() float64 {
	return i.slowWaitThreshold
}

// Wait blocks until all in-flight singular-slow-task alert goroutines have
// returned. Called from Queue.Stop (§4.4 stop()).
func (i *Instrumentation) Wait() {
	i.alertWG.Wait()
}

// MetricsPayload returns all numeric aggregates plus the retained details,
// matching original_source's metrics_payload() shape (§4.2).
func (i *Instrumentation) MetricsPayload() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()

	avgRuntime := 0.0
	if i.processed > 0 {
		avgRuntime = i.totalRuntime / float64(i.processed)
	}
	avgWait := 0.0
	if i.waitSamples > 0 {
		avgWait = i.totalWait / float64(i.waitSamples)
	}

	lastRuntimeDetails := map[string]any{}
	if i.lastDetail != nil {
		lastRuntimeDetails = i.lastDetail.AsMap()
	}
	longestRuntimeDetails := map[string]any{}
	if i.longestDetail != nil {
		longestRuntimeDetails = i.longestDetail.AsMap()
	}

	return map[string]any{
		"dropped_tasks_total":     i.dropped,
		"tasks_completed":         i.processed,
		"avg_runtime":             avgRuntime,
		"avg_wait_time":           avgWait,
		"ema_runtime":             derefOr(i.runtimeEMA, 0),
		"ema_wait_time":           derefOr(i.waitEMA, 0),
		"last_runtime":            derefOr(i.lastRuntime, 0),
		"last_wait_time":          derefOr(i.lastWait, 0),
		"longest_runtime":         i.longestRuntime,
		"longest_wait":            i.longestWait,
		"last_runtime_details":    lastRuntimeDetails,
		"longest_runtime_details": longestRuntimeDetails,
	}
}

func derefOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

// maybeReportSingularTask implements §4.2's singular slow task policy:
// when runtime >= threshold AND the queue is singular AND a reporter is
// configured, asynchronously invoke it. Failures are logged, never
// propagated.
func (i *Instrumentation) maybeReportSingularTask(detail tasktypes.RuntimeDetail) {
	if i.reporter == nil {
		return
	}
	if detail.Runtime.Seconds() < i.singularThreshold {
		return
	}
	if !detail.IsSingular() {
		return
	}

	i.alertWG.Add(1)
	go func() {
		defer i.alertWG.Done()
		defer func() {
			if r := recover(); r != nil {
				i.sink.Emit(events.Error, "reporter_panic",
					events.Fieldf(i.queueName, "singular task reporter panicked: %v", r), nil)
			}
		}()
		if err := i.reporter(detail, i.queueName); err != nil {
			i.log.Error(events.Fieldf(i.queueName, "singular task reporter failed: %v", err))
			i.sink.Emit(events.Error, "reporter_failed",
				events.Fieldf(i.queueName, "singular task reporter failed: %v", err), map[string]any{
					"error": err.Error(),
				})
		}
	}()
}
