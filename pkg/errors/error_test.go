package errors

import (
	"errors"
	"testing"
	"time"
)

func TestQueueError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *QueueError
		expected string
	}{
		{
			name:     "basic error",
			err:      &QueueError{Code: ErrInternal, Message: "boom"},
			expected: "INTERNAL_ERROR: boom",
		},
		{
			name:     "error with queue",
			err:      &QueueError{Code: ErrQueueStopped, Message: "stopped", Queue: "free"},
			expected: "QUEUE_STOPPED: stopped (queue: free)",
		},
		{
			name:     "error with queue and task",
			err:      &QueueError{Code: ErrTaskShed, Message: "shed", Queue: "free", TaskID: "t-1"},
			expected: "TASK_SHED: shed (queue: free, task: t-1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("QueueError.Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestQueueError_IsRetryable(t *testing.T) {
	if !New(ErrTaskShed, "shed").IsRetryable() {
		t.Error("expected ErrTaskShed to be retryable by default")
	}
	if New(ErrQueueStopped, "stopped").IsRetryable() {
		t.Error("expected ErrQueueStopped to not be retryable by default")
	}
	explicit := New(ErrQueueStopped, "stopped")
	explicit.Retryable = true
	if !explicit.IsRetryable() {
		t.Error("expected explicit Retryable=true to override the code default")
	}
}

func TestNew(t *testing.T) {
	err := New(ErrInternal, "failure")
	if err.Code != ErrInternal {
		t.Errorf("expected code %v, got %v", ErrInternal, err.Code)
	}
	if err.Message != "failure" {
		t.Errorf("expected message 'failure', got %v", err.Message)
	}
	if err.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := Wrap(cause, ErrProcessingFailed, "task failed")
	if wrapped.Unwrap() != cause {
		t.Error("expected Unwrap to return the cause")
	}
	if wrapped.Code != ErrProcessingFailed {
		t.Errorf("expected code %v, got %v", ErrProcessingFailed, wrapped.Code)
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ErrTaskShed, "dropped %d tasks", 7)
	if err.Message != "dropped 7 tasks" {
		t.Errorf("unexpected message: %v", err.Message)
	}
}

func TestWrapf(t *testing.T) {
	cause := errors.New("boom")
	err := Wrapf(cause, ErrInternal, "context %s", "value")
	if err.Message != "context value" {
		t.Errorf("unexpected message: %v", err.Message)
	}
	if err.Cause != cause {
		t.Error("expected cause to be preserved")
	}
}

func TestQueueError_Unwrap(t *testing.T) {
	cause := errors.New("root")
	err := New(ErrInternal, "wrapped").WithCause(cause)
	if err.Unwrap() != cause {
		t.Error("Unwrap did not return cause")
	}
}

func TestQueueError_Is(t *testing.T) {
	a := New(ErrQueueStopped, "a")
	b := New(ErrQueueStopped, "b")
	c := New(ErrTaskShed, "c")
	if !errors.Is(a, b) {
		t.Error("expected errors with the same code to match via errors.Is")
	}
	if errors.Is(a, c) {
		t.Error("expected errors with different codes to not match")
	}
}

func TestQueueError_WithContext(t *testing.T) {
	err := New(ErrInternal, "x").WithContext("during resize")
	if err.Context != "during resize" {
		t.Errorf("unexpected context: %v", err.Context)
	}
}

func TestQueueError_WithMetadata(t *testing.T) {
	err := New(ErrInternal, "x").WithMetadata("attempt", 3)
	if err.Metadata["attempt"] != 3 {
		t.Errorf("unexpected metadata: %v", err.Metadata)
	}
}

func TestQueueError_WithQueueAndTaskID(t *testing.T) {
	err := New(ErrTaskShed, "x").WithQueue("free").WithTaskID("t-9")
	if err.Queue != "free" || err.TaskID != "t-9" {
		t.Errorf("unexpected queue/task: %v/%v", err.Queue, err.TaskID)
	}
}

func TestQueueError_WithRetryAfter(t *testing.T) {
	err := New(ErrInternal, "x").WithRetryAfter(5 * time.Second)
	if err.RetryAfter == nil || *err.RetryAfter != 5*time.Second {
		t.Errorf("unexpected retry-after: %v", err.RetryAfter)
	}
}

func TestNewQueueStoppedError(t *testing.T) {
	err := NewQueueStoppedError("free")
	if err.Code != ErrQueueStopped || err.Queue != "free" {
		t.Errorf("unexpected error: %+v", err)
	}
}

func TestNewTaskShedError(t *testing.T) {
	err := NewTaskShedError("accelerated")
	if err.Code != ErrTaskShed || err.Queue != "accelerated" {
		t.Errorf("unexpected error: %+v", err)
	}
}

func TestNewTaskTimedOutError(t *testing.T) {
	err := NewTaskTimedOutError("video")
	if err.Code != ErrTaskTimedOut || err.Queue != "video" {
		t.Errorf("unexpected error: %+v", err)
	}
}

func TestGetErrorCode(t *testing.T) {
	if GetErrorCode(New(ErrTaskShed, "x")) != ErrTaskShed {
		t.Error("expected matching code")
	}
	if GetErrorCode(errors.New("plain")) != ErrInternal {
		t.Error("expected ErrInternal for a non-QueueError")
	}
}

func TestIsRetryableError(t *testing.T) {
	if !IsRetryableError(New(ErrTaskShed, "x")) {
		t.Error("expected ErrTaskShed to be retryable")
	}
	if IsRetryableError(errors.New("plain")) {
		t.Error("expected plain errors to not be retryable")
	}
}

func TestGetCategory(t *testing.T) {
	if GetCategory(ErrQueueStopped) != "lifecycle" {
		t.Errorf("unexpected category: %v", GetCategory(ErrQueueStopped))
	}
	if GetCategory(ErrorCode("does-not-exist")) != "unknown" {
		t.Error("expected unknown category for undefined code")
	}
}

func TestGetPriority(t *testing.T) {
	if GetPriority(ErrInternal) != PriorityCritical {
		t.Errorf("expected ErrInternal to be critical priority, got %v", GetPriority(ErrInternal))
	}
}

func TestGetAllErrorCodes(t *testing.T) {
	codes := GetAllErrorCodes()
	if len(codes) == 0 {
		t.Error("expected at least one error code")
	}
	found := false
	for _, c := range codes {
		if c == ErrQueueStopped {
			found = true
		}
	}
	if !found {
		t.Error("expected ErrQueueStopped in the full code list")
	}
}

func TestQueueError_MarshalJSON(t *testing.T) {
	err := New(ErrInternal, "boom").WithCause(errors.New("root"))
	data, marshalErr := err.MarshalJSON()
	if marshalErr != nil {
		t.Fatalf("unexpected marshal error: %v", marshalErr)
	}
	if len(data) == 0 {
		t.Error("expected non-empty JSON payload")
	}
}
