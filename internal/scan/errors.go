package scan

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors shared across the engine. Callers match them with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrMemoryPressure    = errors.New("memory pressure")
	ErrAcquireTimeout    = errors.New("resource acquire timed out")
	ErrPoolClosed        = errors.New("resource pool closed")
	ErrTimeout           = errors.New("job timed out")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrLeaseLost         = errors.New("lease lost")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrQueuePaused       = errors.New("queue paused")
	ErrNotAccepting      = errors.New("not accepting new jobs")
)

// NewErrNotFound wraps ErrNotFound with the kind of thing that was missing.
func NewErrNotFound(kind string) error {
	return fmt.Errorf("%s %w", kind, ErrNotFound)
}

// ValidationError describes why a payload was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Class groups errors by how the queue must treat them.
type Class string

// Error classes.
const (
	ClassTransient          Class = "transient"
	ClassPermanent          Class = "permanent"
	ClassResourceExhaustion Class = "resource_exhaustion"
	ClassTimeout            Class = "timeout"
	ClassCircuitOpen        Class = "circuit_open"
)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Transient marks err as retryable even if it wraps something that would
// otherwise classify as permanent.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsPermanent reports whether err classifies as permanent.
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}

// Classify maps an execution error onto the engine's taxonomy. Explicit
// markers win over sentinels; anything unrecognized is transient.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var te transientError
	if errors.As(err, &te) {
		return ClassTransient
	}
	var pe permanentError
	if errors.As(err, &pe) {
		return ClassPermanent
	}
	switch {
	case errors.Is(err, ErrValidation):
		return ClassPermanent
	case errors.Is(err, ErrAcquireTimeout), errors.Is(err, ErrMemoryPressure):
		return ClassResourceExhaustion
	case errors.Is(err, ErrTimeout):
		return ClassTimeout
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassTransient
}

// Retryable reports whether the class consumes an attempt but may be retried.
func (c Class) Retryable() bool {
	switch c {
	case ClassTransient, ClassTimeout, ClassCircuitOpen:
		return true
	default:
		return false
	}
}
