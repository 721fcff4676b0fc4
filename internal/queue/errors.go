package queue

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrLeaseLost is returned by a store when an outcome is reported with a
	// token that no longer holds the job's lease.
	ErrLeaseLost = errors.New("lease lost")

	ErrJobNotFound = errors.New("job not found")
)

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// EnqueueError is returned to the producer's caller; it is not retried.
type EnqueueError struct {
	Queue string
	Err   error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue to %s: %v", e.Queue, e.Err)
}

func (e *EnqueueError) Unwrap() error { return e.Err }

// ClaimError marks transient store unavailability during a claim.
type ClaimError struct {
	Queue string
	Err   error
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claim from %s: %v", e.Queue, e.Err)
}

func (e *ClaimError) Unwrap() error { return e.Err }

// HandlerError wraps whatever the handler returned, panicked with, or a
// payload that could not be decoded.
type HandlerError struct {
	JobID string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// ScopeSetupError means the execution context for a job could not be opened.
// The job is still reported failed.
type ScopeSetupError struct {
	JobID string
	Err   error
}

func (e *ScopeSetupError) Error() string {
	return fmt.Sprintf("job %s: scope setup: %v", e.JobID, e.Err)
}

func (e *ScopeSetupError) Unwrap() error { return e.Err }
