// Package errdefs defines the error taxonomy shared across the runtime.
//
// Callers classify failures with errors.As against the typed errors here,
// or use Retryable to decide whether backing off and retrying makes sense.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by registry lookups for unknown graph ids.
var ErrNotFound = errors.New("not found")

// ErrPoolClosed is returned by pool operations after Shutdown.
var ErrPoolClosed = errors.New("connection pool is closed")

// ConnectionError indicates pool exhaustion or a handle-creation failure.
// Exhaustion is transient and safe to retry with backoff.
type ConnectionError struct {
	Key       string
	Exhausted bool
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("connection pool exhausted for %q", e.Key)
	}
	return fmt.Sprintf("failed to open connection for %q: %v", e.Key, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError indicates an engine-level execution failure.
type QueryError struct {
	GraphID string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed on %q: %v", e.GraphID, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// QueryTimeoutError indicates an execution exceeded its deadline. The
// offending handle is discarded by the caller and never reused.
type QueryTimeoutError struct {
	GraphID string
	Timeout time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query on %q exceeded timeout %s", e.GraphID, e.Timeout)
}

// CapacityExceededError indicates the instance is at its database limit.
type CapacityExceededError struct {
	InstanceID string
	Limit      int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("instance %q at database capacity (%d)", e.InstanceID, e.Limit)
}

// InstanceUnavailableError indicates routing exhausted its failover
// candidates. Transient and safe to retry with backoff.
type InstanceUnavailableError struct {
	GraphID string
	Tried   int
}

func (e *InstanceUnavailableError) Error() string {
	return fmt.Sprintf("no healthy instance for %q after %d candidates", e.GraphID, e.Tried)
}

// ValidationError indicates identifier or shape validation failed before
// anything reached the engine. Not retryable.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// AdmissionRejectedError indicates the process is in a critical resource
// state and rejected new work. Not retryable until the state clears.
type AdmissionRejectedError struct {
	CPUPercent    float64
	MemoryPercent float64
}

func (e *AdmissionRejectedError) Error() string {
	return fmt.Sprintf("admission rejected: cpu %.1f%%, memory %.1f%%", e.CPUPercent, e.MemoryPercent)
}

// Retryable reports whether the caller may retry the operation with
// backoff. Pool exhaustion and routing unavailability are transient;
// validation and admission failures are not.
func Retryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Exhausted
	}
	var unavail *InstanceUnavailableError
	return errors.As(err, &unavail)
}
