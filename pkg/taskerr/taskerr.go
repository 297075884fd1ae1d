// Package taskerr classifies failures so that retry policy can be decided
// without inspecting error strings.
package taskerr

import (
	"errors"
	"fmt"
)

// Class is the failure classification recorded on task manifests.
type Class string

// Failure classes.
const (
	// Transient failures (timeouts, throttling, preemption) are eligible
	// for automatic retry with backoff.
	Transient Class = "TRANSIENT"
	// Permanent failures (malformed input, missing referenced resource)
	// are surfaced for operator review and never retried automatically.
	Permanent Class = "PERMANENT"
	// Infrastructure failures (external store unavailable) are retried at
	// the calling component's boundary, not via task-level retry.
	Infrastructure Class = "INFRASTRUCTURE"
	// CorruptState is fatal to the affected unit of work.
	CorruptState Class = "CORRUPT_STATE"
)

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	switch c {
	case Transient, Permanent, Infrastructure, CorruptState:
		return true
	}
	return false
}

// Error is a classified error.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Class, e.Err.Error())
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a class and the operation that produced it.
func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(class Class, op string, format string, args ...interface{}) *Error {
	return &Error{Class: class, Op: op, Err: fmt.Errorf(format, args...)}
}

// ClassOf extracts the class from err.
// Unclassified errors default to Permanent: retrying an unknown failure is
// the more expensive mistake.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return Permanent
}

// IsTransient reports whether err is classified Transient.
func IsTransient(err error) bool { return ClassOf(err) == Transient }

// IsInfrastructure reports whether err is classified Infrastructure.
func IsInfrastructure(err error) bool { return ClassOf(err) == Infrastructure }
