// Package scheduler abstracts the external batch scheduler that fans out
// worker array tasks. The core only ever needs two operations: submit an
// array job and poll its status.
package scheduler

import (
	"context"

	"go.drove.dev/drove/pkg/jobdef"
)

// State is the reduced external job state.
type State string

// External job states.
const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// ArraySpec describes one worker array submission.
// Array index i runs the worker entry point for round Round, index i.
type ArraySpec struct {
	JobID     string
	Round     int
	ArraySize int
	Resources jobdef.Resources
}

// Scheduler is the external scheduler contract.
type Scheduler interface {
	// SubmitArrayJob submits an array of ArraySize worker tasks and
	// returns the scheduler's own job ID.
	SubmitArrayJob(ctx context.Context, spec ArraySpec) (string, error)
	// Status reports the reduced state of a previously submitted array.
	Status(ctx context.Context, externalID string) (State, error)
}
