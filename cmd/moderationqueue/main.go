// Command moderationqueue wires the free/accelerated worker queues, the
// adaptive controller, and the router into a single running process. It
// exists to exercise every exported package end to end, the way the
// teacher's cmd/register does for its notification pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kart-io/modqueue/pkg/controller"
	modqueueerrors "github.com/kart-io/modqueue/pkg/errors"
	"github.com/kart-io/modqueue/pkg/events"
	"github.com/kart-io/modqueue/pkg/logger"
	"github.com/kart-io/modqueue/pkg/router"
	"github.com/kart-io/modqueue/pkg/tasktypes"
	"github.com/kart-io/modqueue/pkg/tracing"
	"github.com/kart-io/modqueue/pkg/workerqueue"
)

func main() {
	log := logger.New()
	sink := events.NewLoggerSink(log)

	meterProvider := sdkmetric.NewMeterProvider()
	defer func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			log.Error("failed to shut down meter provider", "error", err)
		}
	}()
	meter := meterProvider.Meter("modqueue")

	tracer, shutdownTracer, err := tracing.New(context.Background(), tracing.Config{
		ServiceName:    "modqueue",
		ServiceVersion: "0.1.0",
		Endpoint:       os.Getenv("MODQUEUE_OTLP_ENDPOINT"),
		SampleRatio:    1.0,
	})
	if err != nil {
		fatal(log, "failed to build tracer", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Error("failed to shut down tracer", "error", err)
		}
	}()

	freeQueue, err := workerqueue.New(
		workerqueue.WithName("free"),
		workerqueue.WithMaxWorkers(2),
		workerqueue.WithAutoscaleMax(8),
		workerqueue.WithBacklogHighWatermark(20),
		workerqueue.WithBacklogLowWatermark(4),
		workerqueue.WithBacklogHardLimit(200),
		workerqueue.WithAdaptiveMode(true),
		workerqueue.WithSink(sink),
		workerqueue.WithLogger(log),
		workerqueue.WithMeter(meter),
		workerqueue.WithTracer(tracer),
	)
	if err != nil {
		fatal(log, "failed to build free queue", err)
	}

	acceleratedQueue, err := workerqueue.New(
		workerqueue.WithName("accelerated"),
		workerqueue.WithMaxWorkers(1),
		workerqueue.WithAutoscaleMax(1),
		workerqueue.WithSingularTaskReporter(slowTaskReporter(log)),
		workerqueue.WithSink(sink),
		workerqueue.WithLogger(log),
		workerqueue.WithMeter(meter),
		workerqueue.WithTracer(tracer),
	)
	if err != nil {
		fatal(log, "failed to build accelerated queue", err)
	}

	videoQueue, err := workerqueue.New(
		workerqueue.WithName("video"),
		workerqueue.WithMaxWorkers(2),
		workerqueue.WithAutoscaleMax(4),
		workerqueue.WithBacklogHighWatermark(10),
		workerqueue.WithAdaptiveMode(true),
		workerqueue.WithSink(sink),
		workerqueue.WithLogger(log),
		workerqueue.WithMeter(meter),
		workerqueue.WithTracer(tracer),
	)
	if err != nil {
		fatal(log, "failed to build video queue", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, q := range []*workerqueue.Queue{freeQueue, acceleratedQueue, videoQueue} {
		if err := q.Start(ctx); err != nil {
			fatal(log, "failed to start queue "+q.Name(), err)
		}
	}

	ctrl := controller.New(
		controller.WithTickInterval(2*time.Second),
		controller.WithScaleDownCooldown(15*time.Second),
		controller.WithSink(sink),
		controller.WithLogger(log),
		controller.WithTracer(tracer),
	)
	ctrl.Register("free", freeQueue, controller.Policy{
		MinWorkers:       2,
		MaxWorkers:       8,
		MinRuntime:       0.2,
		ProvisionBias:    1.3,
		RecoveryBias:     2.0,
		WaitThreshold:    5.0,
		BacklogSoftLimit: 15,
		BacklogTarget:    5,
		MaintainBacklog:  true,
		CatchupBatch:     5,
	})
	ctrl.Register("video", videoQueue, controller.Policy{
		MinWorkers:       2,
		MaxWorkers:       4,
		MinRuntime:       1.0,
		ProvisionBias:    1.2,
		RecoveryBias:     2.0,
		WaitThreshold:    10.0,
		BacklogSoftLimit: 8,
		BacklogTarget:    2,
		MaintainBacklog:  true,
		CatchupBatch:     2,
	})
	if err := ctrl.Start(ctx); err != nil {
		fatal(log, "failed to start controller", err)
	}

	entitlements := router.NewStaticEntitlementStore()
	entitlements.SetAccelerated("tenant-premium", true)
	entitlements.SetJoinedAt("tenant-new", time.Now())

	r := router.New(freeQueue, acceleratedQueue, entitlements,
		router.WithBootstrapGrace(10*time.Minute),
		router.WithFailoverCooldown(30*time.Second),
		router.WithVideoTaskTimeout(135*time.Second),
		router.WithQueueForKind(tasktypes.KindVideo, videoQueue),
		router.WithSink(sink),
		router.WithLogger(log),
		router.WithTracer(tracer),
	)

	producerCtx, cancelProducer := context.WithCancel(ctx)
	done := make(chan struct{})
	go produce(producerCtx, log, r, done)

	<-ctx.Done()
	log.Info("shutdown signal received")
	cancelProducer()
	<-done

	ctrl.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, q := range []*workerqueue.Queue{freeQueue, acceleratedQueue, videoQueue} {
		if err := q.Stop(shutdownCtx); err != nil {
			log.Error("queue stop error", "queue", q.Name(), "error", err)
		}
	}
}

// produce simulates a moderation workload of mixed task kinds and tenants,
// exercising every router decision path.
func produce(ctx context.Context, log logger.Logger, r *router.Router, done chan<- struct{}) {
	defer close(done)

	tenants := []string{"tenant-free", "tenant-premium", "tenant-new"}
	kinds := []tasktypes.Kind{tasktypes.KindImage, tasktypes.KindText, tasktypes.KindVideo}

	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tenant := tenants[rand.Intn(len(tenants))]
			kind := kinds[rand.Intn(len(kinds))]
			metadata := tasktypes.Metadata{DisplayName: fmt.Sprintf("%s-task", kind), Source: "synthetic"}

			task, err := r.Submit(ctx, metadata, tenant, kind, simulateWork(kind))
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				var qerr *modqueueerrors.QueueError
				if errors.As(err, &qerr) {
					log.Warn("submit rejected", "tenant", tenant, "kind", string(kind), "code", string(qerr.Code))
					continue
				}
				log.Error("submit failed", "tenant", tenant, "kind", string(kind), "error", err)
				continue
			}
			go awaitOutcome(log, tenant, kind, task)
		}
	}
}

func awaitOutcome(log logger.Logger, tenant string, kind tasktypes.Kind, task *workerqueue.Task) {
	outcome := <-task.Result
	switch {
	case outcome.Shed:
		log.Warn("task shed", "tenant", tenant, "kind", string(kind))
	case outcome.TimedOut:
		log.Warn("task timed out", "tenant", tenant, "kind", string(kind))
	case outcome.Err != nil:
		log.Error("task failed", "tenant", tenant, "kind", string(kind), "error", outcome.Err)
	}
}

func simulateWork(kind tasktypes.Kind) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		var base time.Duration
		switch kind {
		case tasktypes.KindVideo:
			base = 300 * time.Millisecond
		case tasktypes.KindImage:
			base = 40 * time.Millisecond
		default:
			base = 15 * time.Millisecond
		}
		jitter := time.Duration(rand.Int63n(int64(base)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(base + jitter):
		}
		return "processed", nil
	}
}

func slowTaskReporter(log logger.Logger) tasktypes.SlowTaskReporter {
	return func(detail tasktypes.RuntimeDetail, queueName string) error {
		log.Warn("singular queue task ran long", "queue", queueName, "runtime_seconds", detail.Runtime.Seconds())
		return nil
	}
}

func fatal(log logger.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
