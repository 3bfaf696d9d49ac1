// Package errors provides error codes for the queue subsystem.
package errors

// ErrorCode represents a queue subsystem error code.
type ErrorCode string

// Admission / lifecycle error codes.
const (
	// ErrQueueStopped indicates enqueue was called after stop.
	ErrQueueStopped ErrorCode = "QUEUE_STOPPED"

	// ErrTaskShed indicates a task was dropped by backlog shedding.
	ErrTaskShed ErrorCode = "TASK_SHED"

	// ErrTaskTimedOut indicates a router-imposed task deadline elapsed.
	ErrTaskTimedOut ErrorCode = "TASK_TIMED_OUT"

	// ErrQueueFull indicates the queue rejected admission outright.
	ErrQueueFull ErrorCode = "QUEUE_FULL"

	// ErrWorkerUnavailable indicates no workers are available.
	ErrWorkerUnavailable ErrorCode = "WORKER_UNAVAILABLE"
)

// Processing error codes, reused across task failures and reporter failures.
const (
	// ErrProcessingFailed indicates a task's own closure returned an error.
	ErrProcessingFailed ErrorCode = "PROCESSING_FAILED"

	// ErrAsyncOperationFailed indicates a background operation (e.g. the
	// singular-slow-task reporter) failed.
	ErrAsyncOperationFailed ErrorCode = "ASYNC_OPERATION_FAILED"

	// ErrValidationFailed indicates a config/policy value failed validation.
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
)

// System error codes.
const (
	// ErrInternal indicates an internal system error.
	ErrInternal ErrorCode = "INTERNAL_ERROR"

	// ErrResourceExhausted indicates the controller could not satisfy
	// demand at the policy ceiling (capacity_exceeded, §7). Logged only,
	// never returned to a caller.
	ErrResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// ErrDeadlineExceeded indicates a context deadline elapsed.
	ErrDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"

	// ErrCancelled indicates an operation was cancelled.
	ErrCancelled ErrorCode = "CANCELLED"
)

// Priority levels for error codes.
const (
	PriorityLow      = 1
	PriorityNormal   = 2
	PriorityHigh     = 3
	PriorityCritical = 4
)

// ErrorCodeInfo provides information about an error code.
type ErrorCodeInfo struct {
	Code        ErrorCode `json:"code"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"`
	Retryable   bool      `json:"retryable"`
}

// GetErrorCodeInfo returns information about an error code.
func GetErrorCodeInfo(code ErrorCode) ErrorCodeInfo {
	info, exists := errorCodeInfoMap[code]
	if !exists {
		return ErrorCodeInfo{Code: code, Category: "unknown", Description: "unknown error code", Priority: PriorityNormal}
	}
	return info
}

// IsRetryable reports whether an error code is ordinarily safe to retry.
func IsRetryable(code ErrorCode) bool {
	return GetErrorCodeInfo(code).Retryable
}

// GetCategory returns the category of an error code.
func GetCategory(code ErrorCode) string {
	return GetErrorCodeInfo(code).Category
}

// GetPriority returns the priority of an error code.
func GetPriority(code ErrorCode) int {
	return GetErrorCodeInfo(code).Priority
}

var errorCodeInfoMap = map[ErrorCode]ErrorCodeInfo{
	ErrQueueStopped: {
		Code: ErrQueueStopped, Category: "lifecycle", Description: "queue is stopped and no longer admits tasks",
		Priority: PriorityNormal, Retryable: false,
	},
	ErrTaskShed: {
		Code: ErrTaskShed, Category: "admission", Description: "task dropped by backlog shedding",
		Priority: PriorityNormal, Retryable: true,
	},
	ErrTaskTimedOut: {
		Code: ErrTaskTimedOut, Category: "admission", Description: "task exceeded its router-imposed deadline",
		Priority: PriorityNormal, Retryable: true,
	},
	ErrQueueFull: {
		Code: ErrQueueFull, Category: "admission", Description: "queue rejected admission",
		Priority: PriorityHigh, Retryable: true,
	},
	ErrWorkerUnavailable: {
		Code: ErrWorkerUnavailable, Category: "lifecycle", Description: "no workers available to process tasks",
		Priority: PriorityHigh, Retryable: true,
	},
	ErrProcessingFailed: {
		Code: ErrProcessingFailed, Category: "processing", Description: "task closure returned an error",
		Priority: PriorityNormal, Retryable: false,
	},
	ErrAsyncOperationFailed: {
		Code: ErrAsyncOperationFailed, Category: "processing", Description: "background operation failed",
		Priority: PriorityLow, Retryable: false,
	},
	ErrValidationFailed: {
		Code: ErrValidationFailed, Category: "configuration", Description: "configuration or policy value failed validation",
		Priority: PriorityHigh, Retryable: false,
	},
	ErrInternal: {
		Code: ErrInternal, Category: "system", Description: "internal system error",
		Priority: PriorityCritical, Retryable: true,
	},
	ErrResourceExhausted: {
		Code: ErrResourceExhausted, Category: "system", Description: "controller could not satisfy demand at the configured ceiling",
		Priority: PriorityHigh, Retryable: false,
	},
	ErrDeadlineExceeded: {
		Code: ErrDeadlineExceeded, Category: "system", Description: "context deadline exceeded",
		Priority: PriorityNormal, Retryable: true,
	},
	ErrCancelled: {
		Code: ErrCancelled, Category: "system", Description: "operation was cancelled",
		Priority: PriorityLow, Retryable: false,
	},
}

// GetAllErrorCodes returns all defined error codes.
func GetAllErrorCodes() []ErrorCode {
	codes := make([]ErrorCode, 0, len(errorCodeInfoMap))
	for code := range errorCodeInfoMap {
		codes = append(codes, code)
	}
	return codes
}
