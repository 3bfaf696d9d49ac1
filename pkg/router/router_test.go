package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/modqueue/pkg/errors"
	"github.com/kart-io/modqueue/pkg/tasktypes"
	"github.com/kart-io/modqueue/pkg/workerqueue"
)

func newTestQueues(t *testing.T) (*workerqueue.Queue, *workerqueue.Queue) {
	t.Helper()
	free, err := workerqueue.New(
		workerqueue.WithName("free"),
		workerqueue.WithMaxWorkers(1),
		workerqueue.WithBacklogHighWatermark(2),
	)
	require.NoError(t, err)
	accelerated, err := workerqueue.New(
		workerqueue.WithName("accelerated"),
		workerqueue.WithMaxWorkers(1),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, free.Start(ctx))
	require.NoError(t, accelerated.Start(ctx))
	t.Cleanup(func() {
		free.Stop(ctx)
		accelerated.Stop(ctx)
	})
	return free, accelerated
}

func noopRun(ctx context.Context) (any, error) { return "ok", nil }

func TestRouter_NonAcceleratedTenantGoesToFreeQueue(t *testing.T) {
	free, accelerated := newTestQueues(t)
	store := NewStaticEntitlementStore()
	r := New(free, accelerated, store)

	task, err := r.Submit(context.Background(), tasktypes.Metadata{DisplayName: "t1"}, "tenant-a", tasktypes.KindImage, noopRun)
	require.NoError(t, err)

	var outcome tasktypes.Outcome
	require.Eventually(t, func() bool {
		select {
		case outcome = <-task.Result:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, outcome.Err)
	assert.EqualValues(t, 1, free.Metrics()["tasks_completed"])
	assert.EqualValues(t, 0, accelerated.Metrics()["tasks_completed"])
}

func TestRouter_AcceleratedTenantGoesToAcceleratedQueue(t *testing.T) {
	free, accelerated := newTestQueues(t)
	store := NewStaticEntitlementStore()
	store.SetAccelerated("tenant-b", true)
	r := New(free, accelerated, store)

	var seenQueue string
	_, err := r.Submit(context.Background(), tasktypes.Metadata{DisplayName: "t2"}, "tenant-b", tasktypes.KindImage, func(ctx context.Context) (any, error) {
		seenQueue = "ran"
		return nil, nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return seenQueue == "ran" }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return accelerated.Metrics()["tasks_completed"] == int64(1) }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, free.Metrics()["tasks_completed"])
}

func TestRouter_BootstrapGraceOverridesEntitlement(t *testing.T) {
	free, accelerated := newTestQueues(t)
	store := NewStaticEntitlementStore()
	store.SetJoinedAt("tenant-new", time.Now())
	r := New(free, accelerated, store, WithBootstrapGrace(time.Hour))

	ran := make(chan struct{}, 1)
	_, err := r.Submit(context.Background(), tasktypes.Metadata{}, "tenant-new", tasktypes.KindImage, func(ctx context.Context) (any, error) {
		ran <- struct{}{}
		return nil, nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { select { case <-ran: return true; default: return false } }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return accelerated.Metrics()["tasks_completed"] == int64(1) }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, free.Metrics()["tasks_completed"])
}

func TestRouter_FreeQueueOverloadFailsOverAndStaysStickyWithinCooldown(t *testing.T) {
	free, accelerated := newTestQueues(t)
	store := NewStaticEntitlementStore()
	r := New(free, accelerated, store, WithFailoverCooldown(time.Minute))

	// Force free queue backlog high enough to trip the overload heuristic:
	// backlog_high=2, max_workers=1 -> threshold = max(2*1.25, 2+1) = 3.
	release := make(chan struct{})
	blockFree(t, free, release)

	for i := 0; i < 4; i++ {
		_ = free.Enqueue(context.Background(), workerqueue.NewTask(tasktypes.Metadata{}, noopRun))
	}

	require.Eventually(t, func() bool { return free.Backlog() >= 3 }, time.Second, 5*time.Millisecond)

	var destinations []string
	for i := 0; i < 3; i++ {
		ranOn := make(chan string, 1)
		_, err := r.Submit(context.Background(), tasktypes.Metadata{}, "tenant-c", tasktypes.KindImage, func(ctx context.Context) (any, error) {
			ranOn <- "ran"
			return nil, nil
		})
		require.NoError(t, err)
		destinations = append(destinations, <-waitOrTimeout(ranOn))
	}
	close(release)

	for _, d := range destinations {
		assert.Equal(t, "ran", d)
	}
	assert.True(t, r.freeQueueOverloaded(), "overload decision should remain sticky within the cooldown window")
}

func waitOrTimeout(ch chan string) chan string {
	out := make(chan string, 1)
	go func() {
		select {
		case v := <-ch:
			out <- v
		case <-time.After(2 * time.Second):
			out <- "timeout"
		}
	}()
	return out
}

func blockFree(t *testing.T, q *workerqueue.Queue, release <-chan struct{}) {
	t.Helper()
	err := q.Enqueue(context.Background(), workerqueue.NewTask(tasktypes.Metadata{}, func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}))
	require.NoError(t, err)
}

func TestRouter_VideoTaskTimeoutSurfacesAsTimedOutOutcome(t *testing.T) {
	free, accelerated := newTestQueues(t)
	store := NewStaticEntitlementStore()
	store.SetAccelerated("tenant-d", true)
	r := New(free, accelerated, store, WithVideoTaskTimeout(20*time.Millisecond))

	task, err := r.Submit(context.Background(), tasktypes.Metadata{}, "tenant-d", tasktypes.KindVideo, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		<-time.After(time.Second)
		return nil, nil
	})
	require.NoError(t, err)

	var outcome tasktypes.Outcome
	require.Eventually(t, func() bool {
		select {
		case outcome = <-task.Result:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.Error(t, outcome.Err)
	assert.True(t, outcome.TimedOut)
	assert.Equal(t, errors.ErrTaskTimedOut, errors.GetErrorCode(outcome.Err))
}

func TestRouter_QueueForKindOverridesAcceleratedDestination(t *testing.T) {
	free, accelerated := newTestQueues(t)
	videoQueue, err := workerqueue.New(workerqueue.WithName("video"), workerqueue.WithMaxWorkers(1))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, videoQueue.Start(ctx))
	t.Cleanup(func() { videoQueue.Stop(ctx) })

	store := NewStaticEntitlementStore()
	store.SetAccelerated("tenant-e", true)
	r := New(free, accelerated, store, WithQueueForKind(tasktypes.KindVideo, videoQueue))

	ran := make(chan struct{}, 1)
	_, err = r.Submit(ctx, tasktypes.Metadata{}, "tenant-e", tasktypes.KindVideo, func(ctx context.Context) (any, error) {
		ran <- struct{}{}
		return nil, nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { select { case <-ran: return true; default: return false } }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return videoQueue.Metrics()["tasks_completed"] == int64(1) }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, accelerated.Metrics()["tasks_completed"])
}
