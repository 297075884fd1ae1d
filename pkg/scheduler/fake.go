package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Fake is an in-memory Scheduler for tests. It records submissions and
// reports a configurable state.
type Fake struct {
	mu sync.Mutex
	// SubmitErr, when set, makes every submission fail.
	SubmitErr error
	// NextState is reported for all submitted arrays.
	NextState State

	submissions []ArraySpec
	serial      int
}

// SubmitArrayJob implements Scheduler.
func (f *Fake) SubmitArrayJob(ctx context.Context, spec ArraySpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	if spec.ArraySize <= 0 {
		return "", errors.New("fake scheduler: empty array")
	}
	f.submissions = append(f.submissions, spec)
	f.serial++
	return fmt.Sprintf("fake-%d", f.serial), nil
}

// Status implements Scheduler.
func (f *Fake) Status(ctx context.Context, externalID string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NextState == "" {
		return StateRunning, nil
	}
	return f.NextState, nil
}

// Submissions returns a copy of all recorded submissions.
func (f *Fake) Submissions() []ArraySpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ArraySpec(nil), f.submissions...)
}
