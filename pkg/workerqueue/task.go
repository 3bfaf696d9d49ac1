package workerqueue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kart-io/modqueue/pkg/tasktypes"
)

// Task is a unit of deferred work submitted to a Queue (§3).
//
// The queue never inspects Run's closure or its returned value; it only
// sequences execution and reports the Outcome back on Result.
type Task struct {
	ID       uuid.UUID
	Metadata tasktypes.Metadata
	Run      func(ctx context.Context) (any, error)
	Result   chan tasktypes.Outcome

	enqueuedAt       time.Time
	backlogAtEnqueue int
}

// NewTask builds a Task ready for Enqueue. The result channel is buffered
// size 1 so a worker can deliver the outcome without blocking on a reader
// that never arrives.
func NewTask(metadata tasktypes.Metadata, run func(ctx context.Context) (any, error)) *Task {
	return &Task{
		ID:       uuid.New(),
		Metadata: metadata,
		Run:      run,
		Result:   make(chan tasktypes.Outcome, 1),
	}
}

func (t *Task) deliver(outcome tasktypes.Outcome) {
	select {
	case t.Result <- outcome:
	default:
	}
}
