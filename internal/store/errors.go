package store

import (
	"errors"
	"fmt"
)

// SinkErrorClass partitions sink failures for retry decisions.
type SinkErrorClass string

const (
	// SinkTransient covers infrastructure failures: connection loss,
	// serialization conflicts, deadlocks. Retryable.
	SinkTransient SinkErrorClass = "transient"
	// SinkConstraintViolation signals a logic defect (integrity-class
	// SQLSTATE). Fatal for the event, surfaced for operator review.
	SinkConstraintViolation SinkErrorClass = "constraint_violation"
)

// SinkError is a classified datastore failure.
type SinkError struct {
	Class SinkErrorClass
	Op    string
	cause error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %s: %v", e.Op, e.Class, e.cause)
}

func (e *SinkError) Unwrap() error {
	return e.cause
}

func (e *SinkError) Retryable() bool {
	return e.Class == SinkTransient
}

func NewSinkError(class SinkErrorClass, op string, cause error) *SinkError {
	return &SinkError{Class: class, Op: op, cause: cause}
}

// AsSinkError unwraps err to a *SinkError if one is in the chain.
func AsSinkError(err error) (*SinkError, bool) {
	var se *SinkError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
