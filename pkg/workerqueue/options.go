package workerqueue

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kart-io/modqueue/pkg/events"
	"github.com/kart-io/modqueue/pkg/logger"
	"github.com/kart-io/modqueue/pkg/tasktypes"
	"github.com/kart-io/modqueue/pkg/tracing"
)

// Option configures a Queue at construction time, matching the teacher's
// functional-options idiom (pkg/notifyhub.Option == func(*Config) error).
type Option func(*config) error

type config struct {
	name                     string
	maxWorkers               int
	autoscaleMax             int
	backlogHighWatermark     int
	backlogLowWatermark      int
	autoscaleCheckInterval   time.Duration
	scaleDownGrace           time.Duration
	backlogHardLimit         *int
	backlogShedTo            *int
	singularReporter         tasktypes.SlowTaskReporter
	singularRuntimeThreshold float64
	adaptiveMode             bool
	rateTrackingWindow       time.Duration
	sink                     events.Sink
	log                      logger.Logger
	meter                    metric.Meter
	tracer                   *tracing.Tracer
}

func defaultConfig() *config {
	hardLimit := 500
	return &config{
		name:                     "queue",
		maxWorkers:               3,
		backlogHighWatermark:     30,
		backlogLowWatermark:      5,
		autoscaleCheckInterval:   2 * time.Second,
		scaleDownGrace:           5 * time.Second,
		backlogHardLimit:         &hardLimit,
		singularRuntimeThreshold: 30.0,
		rateTrackingWindow:       180 * time.Second,
		sink:                     events.Discard,
		log:                      logger.Discard,
		tracer:                   tracing.Noop(),
	}
}

// WithName sets the queue's name, used in logging and metrics (§6).
func WithName(name string) Option {
	return func(c *config) error {
		c.name = name
		return nil
	}
}

// WithMaxWorkers sets the initial worker count (default 3).
func WithMaxWorkers(n int) Option {
	return func(c *config) error {
		c.maxWorkers = n
		return nil
	}
}

// WithAutoscaleMax sets the internal autoscaler's ceiling. Defaults to
// maxWorkers when unset.
func WithAutoscaleMax(n int) Option {
	return func(c *config) error {
		c.autoscaleMax = n
		return nil
	}
}

// WithBacklogHighWatermark sets the backlog size, at or above which the
// internal autoscaler scales up (default 30).
func WithBacklogHighWatermark(n int) Option {
	return func(c *config) error {
		c.backlogHighWatermark = n
		return nil
	}
}

// WithBacklogLowWatermark sets the backlog size, at or below which the
// internal autoscaler considers scaling down (default 5).
func WithBacklogLowWatermark(n int) Option {
	return func(c *config) error {
		c.backlogLowWatermark = n
		return nil
	}
}

// WithAutoscaleCheckInterval sets the internal autoscaler tick period
// (default 2s).
func WithAutoscaleCheckInterval(d time.Duration) Option {
	return func(c *config) error {
		c.autoscaleCheckInterval = d
		return nil
	}
}

// WithScaleDownGrace sets how long the backlog must stay at/below the low
// watermark before scaling down (default 5s).
func WithScaleDownGrace(d time.Duration) Option {
	return func(c *config) error {
		c.scaleDownGrace = d
		return nil
	}
}

// WithBacklogHardLimit sets the backlog size above which oldest tasks are
// shed (default 500). Pass a negative value to disable shedding.
func WithBacklogHardLimit(n int) Option {
	return func(c *config) error {
		if n < 0 {
			c.backlogHardLimit = nil
			return nil
		}
		c.backlogHardLimit = &n
		return nil
	}
}

// WithBacklogShedTo sets the backlog size shedding reduces to. Defaults to
// the high watermark when unset.
func WithBacklogShedTo(n int) Option {
	return func(c *config) error {
		c.backlogShedTo = &n
		return nil
	}
}

// WithSingularTaskReporter sets the slow-task alert callback used when the
// queue has exactly one worker (§4.2).
func WithSingularTaskReporter(reporter tasktypes.SlowTaskReporter) Option {
	return func(c *config) error {
		c.singularReporter = reporter
		return nil
	}
}

// WithSingularRuntimeThreshold overrides the default 30s singular-task
// runtime alert threshold.
func WithSingularRuntimeThreshold(seconds float64) Option {
	return func(c *config) error {
		c.singularRuntimeThreshold = seconds
		return nil
	}
}

// WithAdaptiveMode disables the queue's internal autoscaler loop so an
// external AdaptiveController can drive sizing via ApplyPlan (§4.4, §4.5).
func WithAdaptiveMode(enabled bool) Option {
	return func(c *config) error {
		c.adaptiveMode = enabled
		return nil
	}
}

// WithRateTrackingWindow sets the arrival/completion RateTracker window
// (default 180s, clamped to a 30s minimum by ratetracker.New).
func WithRateTrackingWindow(d time.Duration) Option {
	return func(c *config) error {
		c.rateTrackingWindow = d
		return nil
	}
}

// WithSink sets the structured event sink for operational diagnostics.
func WithSink(sink events.Sink) Option {
	return func(c *config) error {
		c.sink = sink
		return nil
	}
}

// WithLogger sets the queue's logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) error {
		c.log = log
		return nil
	}
}

// WithMeter attaches an OpenTelemetry meter, forwarded to the queue's
// Instrumentation (SPEC_FULL §4.2 DOMAIN STACK).
func WithMeter(meter metric.Meter) Option {
	return func(c *config) error {
		c.meter = meter
		return nil
	}
}

// WithTracer attaches an OpenTelemetry tracer, used to emit one span per
// task execution (DESIGN.md, pkg/tracing). Defaults to a no-op
// tracer.
func WithTracer(tracer *tracing.Tracer) Option {
	return func(c *config) error {
		c.tracer = tracer
		return nil
	}
}
