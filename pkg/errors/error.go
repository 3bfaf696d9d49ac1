// Package errors provides the structured error type used across the queue
// subsystem.
package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueueError represents a queue-subsystem error with structured context.
type QueueError struct {
	Code     ErrorCode              `json:"code"`
	Message  string                 `json:"message"`
	Queue    string                 `json:"queue,omitempty"`
	TaskID   string                 `json:"task_id,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	Cause   error  `json:"-"`
	Context string `json:"context,omitempty"`

	Retryable  bool           `json:"retryable"`
	RetryAfter *time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *QueueError) Error() string {
	if e.Queue != "" && e.TaskID != "" {
		return fmt.Sprintf("%s: %s (queue: %s, task: %s)", e.Code, e.Message, e.Queue, e.TaskID)
	}
	if e.Queue != "" {
		return fmt.Sprintf("%s: %s (queue: %s)", e.Code, e.Message, e.Queue)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *QueueError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error by code.
func (e *QueueError) Is(target error) bool {
	if targetErr, ok := target.(*QueueError); ok {
		return e.Code == targetErr.Code
	}
	return false
}

// MarshalJSON implements json.Marshaler.
func (e *QueueError) MarshalJSON() ([]byte, error) {
	type Alias QueueError
	return json.Marshal(&struct {
		*Alias
		CauseMessage string `json:"cause_message,omitempty"`
	}{
		Alias:        (*Alias)(e),
		CauseMessage: e.causeMessage(),
	})
}

func (e *QueueError) causeMessage() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return ""
}

// WithCause attaches an underlying cause.
func (e *QueueError) WithCause(cause error) *QueueError {
	e.Cause = cause
	return e
}

// WithContext adds free-form context.
func (e *QueueError) WithContext(context string) *QueueError {
	e.Context = context
	return e
}

// WithMetadata attaches a metadata key/value pair.
func (e *QueueError) WithMetadata(key string, value interface{}) *QueueError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithQueue sets the originating queue name.
func (e *QueueError) WithQueue(queue string) *QueueError {
	e.Queue = queue
	return e
}

// WithTaskID sets the task identifier.
func (e *QueueError) WithTaskID(taskID string) *QueueError {
	e.TaskID = taskID
	return e
}

// WithRetryAfter sets a suggested retry delay.
func (e *QueueError) WithRetryAfter(delay time.Duration) *QueueError {
	e.RetryAfter = &delay
	return e
}

// IsRetryable reports whether the error is retryable.
func (e *QueueError) IsRetryable() bool {
	if e.Retryable {
		return true
	}
	return IsRetryable(e.Code)
}

// New creates a new QueueError.
func New(code ErrorCode, message string) *QueueError {
	return &QueueError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryable(code),
	}
}

// Newf creates a new QueueError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *QueueError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a QueueError.
func Wrap(err error, code ErrorCode, message string) *QueueError {
	return New(code, message).WithCause(err)
}

// Wrapf wraps an existing error with a QueueError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *QueueError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// NewQueueStoppedError reports an enqueue attempt after stop.
func NewQueueStoppedError(queue string) *QueueError {
	return New(ErrQueueStopped, "queue is stopped").WithQueue(queue)
}

// NewTaskShedError reports a task dropped by backlog shedding.
func NewTaskShedError(queue string) *QueueError {
	return New(ErrTaskShed, "task dropped by backlog shedding").WithQueue(queue)
}

// NewTaskTimedOutError reports a router-imposed deadline elapsing.
func NewTaskTimedOutError(queue string) *QueueError {
	return New(ErrTaskTimedOut, "task exceeded its deadline").WithQueue(queue)
}

// GetErrorCode extracts the error code from an error, defaulting to
// ErrInternal for errors that are not a *QueueError.
func GetErrorCode(err error) ErrorCode {
	if qe, ok := err.(*QueueError); ok {
		return qe.Code
	}
	return ErrInternal
}

// IsRetryableError reports whether err is a retryable *QueueError.
func IsRetryableError(err error) bool {
	if qe, ok := err.(*QueueError); ok {
		return qe.IsRetryable()
	}
	return false
}
