package gateway

import (
	"errors"
	"fmt"
)

// Code classifies a gateway failure. Codes are stable strings; callers
// branch on the code, never on error text.
type Code string

const (
	// CodePoolExhausted means the pool was at capacity and queueing was
	// disabled.
	CodePoolExhausted Code = "POOL_EXHAUSTED"

	// CodeAcquisitionTimeout means a connection could not be acquired in
	// time.
	CodeAcquisitionTimeout Code = "ACQUISITION_TIMEOUT"

	// CodeQueueTimeout means the request waited in the fair queue past
	// the ceiling.
	CodeQueueTimeout Code = "QUEUE_TIMEOUT"

	// CodeRateLimited means admission control rejected the request.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeCircuitOpen means the breaker short-circuited the request.
	CodeCircuitOpen Code = "CIRCUIT_OPEN"

	// CodeBackendUnavailable means the warehouse failed transiently.
	CodeBackendUnavailable Code = "BACKEND_UNAVAILABLE"

	// CodeBackendRejected means the warehouse refused the operation.
	CodeBackendRejected Code = "BACKEND_REJECTED"

	// CodeIsolationFailure means session context capture or restore
	// failed.
	CodeIsolationFailure Code = "ISOLATION_FAILURE"

	// CodeShuttingDown means the gateway is draining.
	CodeShuttingDown Code = "SHUTTING_DOWN"

	// CodeCancelled means the caller cancelled the request.
	CodeCancelled Code = "CANCELLED"

	// CodeInternal is the fallback for unclassified failures.
	CodeInternal Code = "INTERNAL"
)

// Retryable reports whether a request failing with this code may be
// retried by the caller. Rejections and isolation failures are final;
// capacity and availability conditions may clear.
func (c Code) Retryable() bool {
	switch c {
	case CodePoolExhausted, CodeAcquisitionTimeout, CodeQueueTimeout,
		CodeRateLimited, CodeCircuitOpen, CodeBackendUnavailable:
		return true
	default:
		return false
	}
}

// Error is a classified gateway failure.
type Error struct {
	// Code is the stable failure classification.
	Code Code

	// Op names the stage that failed.
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified gateway error.
func NewError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the classification from an error, or CodeInternal when
// the error is not a gateway error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternal
}
