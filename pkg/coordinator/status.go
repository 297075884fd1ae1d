package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"go.drove.dev/drove/pkg/job"
	"go.drove.dev/drove/pkg/manifest"
)

// JobStatus is the point-in-time view served by the status operation.
// Batch counts look at the best attempt per batch, so a batch whose retry
// succeeded counts as SUCCESS even though an earlier task of it failed.
type JobStatus struct {
	Job          job.Job
	BatchCounts  map[job.TaskStatus]int
	ErrorClasses map[string]int
	Percent      float64
}

// Status reports the job and the per-batch progress rollup.
func (c *Coordinator) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	var jb job.Job
	if _, err := manifest.GetJSON(ctx, c.Manifests, job.Key(jobID), &jb); err != nil {
		return nil, fmt.Errorf("load job manifest: %w", err)
	}
	tasks, err := c.listTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	states := batchStates(tasks)
	counts := make(map[job.TaskStatus]int)
	for _, s := range states {
		counts[s]++
	}
	classes := make(map[string]int)
	for _, task := range tasks {
		if task.ErrorClass != "" && !taskSuperseded(task, states) {
			classes[task.ErrorClass]++
		}
	}

	st := &JobStatus{
		Job:          jb,
		BatchCounts:  counts,
		ErrorClasses: classes,
	}
	if jb.TaskCount > 0 {
		st.Percent = float64(counts[job.TaskSuccess]) / float64(jb.TaskCount) * 100
	}
	return st, nil
}

// Refresh recomputes the job manifest's batch counters from the task
// manifests and returns the refreshed document.
func (c *Coordinator) Refresh(ctx context.Context, jobID string) (*job.Job, error) {
	for {
		var jb job.Job
		version, err := manifest.GetJSON(ctx, c.Manifests, job.Key(jobID), &jb)
		if err != nil {
			return nil, fmt.Errorf("load job manifest: %w", err)
		}
		tasks, err := c.listTasks(ctx, jobID)
		if err != nil {
			return nil, err
		}
		states := batchStates(tasks)
		completed, failed := 0, 0
		for _, s := range states {
			switch s {
			case job.TaskSuccess:
				completed++
			case job.TaskFailed, job.TaskPermanentlyFailed:
				failed++
			}
		}
		if jb.CompletedTasks == completed && jb.FailedTasks == failed {
			return &jb, nil
		}
		jb.CompletedTasks = completed
		jb.FailedTasks = failed
		err = manifest.UpdateJSON(ctx, c.Manifests, job.Key(jobID), version, &jb)
		if errors.Is(err, manifest.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("refresh job manifest: %w", err)
		}
		c.Log.Debug("Job counters refreshed",
			zap.String("job", jobID),
			zap.Int("completed", completed),
			zap.Int("failed", failed))
		return &jb, nil
	}
}

// batchStates reduces all task attempts to one status per batch. Any
// SUCCESS attempt settles the batch; otherwise the highest attempt wins.
func batchStates(tasks []job.Task) map[string]job.TaskStatus {
	states := make(map[string]job.TaskStatus)
	attempts := make(map[string]int)
	for _, task := range tasks {
		if states[task.BatchID] == job.TaskSuccess {
			continue
		}
		if task.Status == job.TaskSuccess || task.Retries >= attempts[task.BatchID] {
			states[task.BatchID] = task.Status
			attempts[task.BatchID] = task.Retries
		}
	}
	return states
}

// taskSuperseded reports whether the task's batch later succeeded, in
// which case its failure is historical and not counted.
func taskSuperseded(task job.Task, states map[string]job.TaskStatus) bool {
	return states[task.BatchID] == job.TaskSuccess && task.Status != job.TaskSuccess
}

func unmarshalDoc(doc manifest.Document, v interface{}) error {
	if err := json.Unmarshal(doc.Data, v); err != nil {
		return fmt.Errorf("decode manifest %s: %w", doc.Key, err)
	}
	return nil
}
