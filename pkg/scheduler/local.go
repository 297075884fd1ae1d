package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Local fans the array out as child processes of the current machine.
// Meant for development and smoke tests, not production workloads.
type Local struct {
	// Required components
	Log *zap.Logger
	// Required config
	Binary     string
	ConfigFile string
	Parallel   int // max concurrent workers, 0 = unbounded

	mu     sync.Mutex
	serial int
	states map[string]State
}

// SubmitArrayJob implements Scheduler.
func (l *Local) SubmitArrayJob(ctx context.Context, spec ArraySpec) (string, error) {
	l.mu.Lock()
	if l.states == nil {
		l.states = make(map[string]State)
	}
	l.serial++
	externalID := "local-" + strconv.Itoa(l.serial)
	l.states[externalID] = StateRunning
	l.mu.Unlock()

	sem := make(chan struct{}, maxParallel(l.Parallel, spec.ArraySize))
	go func() {
		var wg sync.WaitGroup
		failed := false
		var failedMu sync.Mutex
		for index := 0; index < spec.ArraySize; index++ {
			wg.Add(1)
			sem <- struct{}{}
			go func(index int) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := l.runWorker(ctx, spec, index); err != nil {
					l.Log.Error("Local worker failed",
						zap.String("job_id", spec.JobID),
						zap.Int("index", index),
						zap.Error(err))
					failedMu.Lock()
					failed = true
					failedMu.Unlock()
				}
			}(index)
		}
		wg.Wait()
		l.mu.Lock()
		if failed {
			l.states[externalID] = StateFailed
		} else {
			l.states[externalID] = StateDone
		}
		l.mu.Unlock()
	}()
	return externalID, nil
}

func (l *Local) runWorker(ctx context.Context, spec ArraySpec, index int) error {
	args := []string{}
	if l.ConfigFile != "" {
		args = append(args, "--config", l.ConfigFile)
	}
	args = append(args, "worker",
		"--job", spec.JobID,
		"--round", strconv.Itoa(spec.Round),
		"--index", strconv.Itoa(index))
	cmd := exec.CommandContext(ctx, l.Binary, args...)
	return cmd.Run()
}

// Status implements Scheduler.
func (l *Local) Status(ctx context.Context, externalID string) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.states[externalID]
	if !ok {
		return "", fmt.Errorf("unknown scheduler job: %s", externalID)
	}
	return state, nil
}

func maxParallel(limit, size int) int {
	if limit <= 0 || limit > size {
		if size < 1 {
			return 1
		}
		return size
	}
	return limit
}
