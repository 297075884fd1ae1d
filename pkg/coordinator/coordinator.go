// Package coordinator owns the job lifecycle: it partitions input into
// batches, persists the job's manifests, submits scheduler rounds, and
// serves the control operations (pause, resume, cancel, status).
//
// Every mutation goes through the manifest store with version checks, so
// the coordinator itself is stateless and re-runnable. A submission that
// died halfway can simply be repeated with the same job ID: every step is
// create-if-absent or a no-op on the second pass.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"go.drove.dev/drove/pkg/blob"
	"go.drove.dev/drove/pkg/handler"
	"go.drove.dev/drove/pkg/job"
	"go.drove.dev/drove/pkg/jobdef"
	"go.drove.dev/drove/pkg/manifest"
	"go.drove.dev/drove/pkg/ratelimit"
	"go.drove.dev/drove/pkg/scheduler"
	"go.drove.dev/drove/pkg/state"
)

// Coordinator drives job submission and control.
type Coordinator struct {
	// Required components
	Log       *zap.Logger
	Manifests manifest.Store
	State     state.Store
	Blobs     blob.Store
	Limiter   *ratelimit.Limiter
	Scheduler scheduler.Scheduler

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Submit creates a new job from a definition and its NDJSON input, and
// submits the first scheduler round.
func (c *Coordinator) Submit(ctx context.Context, def *jobdef.Definition, input []byte) (*job.Job, error) {
	return c.SubmitAs(ctx, def, input, job.NewID(def.Name, c.now()))
}

// SubmitAs is Submit with a caller-chosen job ID. Submitting the same
// definition under the same ID twice is safe: every step either creates a
// missing manifest or leaves the existing one alone, so an interrupted
// submission is finished by repeating it.
func (c *Coordinator) SubmitAs(ctx context.Context, def *jobdef.Definition, input []byte, jobID string) (*job.Job, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job definition: %w", err)
	}
	if !handler.Exists(def.Handler) {
		return nil, fmt.Errorf("unknown handler %q", def.Handler)
	}
	items := job.SplitNDJSON(input)
	if len(items) == 0 {
		return nil, fmt.Errorf("input holds no items")
	}
	batches := partition(items, def.BatchSize)
	log := c.Log.With(zap.String("job", jobID))

	jb := job.Job{
		ID:             jobID,
		Name:           def.Name,
		Description:    def.Description,
		Priority:       job.Priority(def.Priority),
		Handler:        def.Handler,
		InputLocation:  def.InputLocation,
		OutputLocation: def.OutputLocation,
		BatchSize:      def.BatchSize,
		TaskCount:      len(batches),
		Phases:         []string{job.PhaseProcess, job.PhaseAggregate},
		Resources:      def.Resources,
		RetryPolicy:    def.RetryPolicy,
		RateLimit:      def.RateLimit,
		Status:         job.StatusSubmitted,
		CreatedAt:      c.now(),
	}
	err := manifest.CreateJSON(ctx, c.Manifests, job.Key(jobID), &jb)
	switch {
	case errors.Is(err, manifest.ErrAlreadyExists):
		log.Info("Job manifest exists, resuming submission")
		if _, err := manifest.GetJSON(ctx, c.Manifests, job.Key(jobID), &jb); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("create job manifest: %w", err)
	}

	taskIDs := make([]string, len(batches))
	for i, chunk := range batches {
		batchID := job.BatchID(jobID, i)
		objKey := job.BatchObjectKey(jobID, batchID)
		if err := c.Blobs.Put(ctx, objKey, joinNDJSON(chunk)); err != nil {
			return nil, fmt.Errorf("write batch %s: %w", batchID, err)
		}
		batch := job.Batch{
			ID:              batchID,
			JobID:           jobID,
			Index:           i,
			ItemCount:       len(chunk),
			StorageLocation: objKey,
		}
		if err := createUnlessExists(ctx, c.Manifests, job.BatchKey(jobID, batchID), &batch); err != nil {
			return nil, fmt.Errorf("create batch manifest: %w", err)
		}
		taskID := job.TaskID(jobID, i, 0)
		task := job.Task{
			ID:         taskID,
			JobID:      jobID,
			BatchID:    batchID,
			BatchIndex: i,
			Phase:      job.PhaseProcess,
			Role:       job.RoleWorker,
			Status:     job.TaskPending,
		}
		if err := createUnlessExists(ctx, c.Manifests, job.TaskKey(jobID, taskID), &task); err != nil {
			return nil, fmt.Errorf("create task manifest: %w", err)
		}
		taskIDs[i] = taskID
	}

	if err := c.Limiter.Init(ctx, jobID, def.RateLimit.Capacity, def.RateLimit.RefillRate); err != nil {
		return nil, fmt.Errorf("init rate limit: %w", err)
	}

	// Rounds > 0 means a previous submission of this ID already reached
	// the scheduler; the repeat run stops at the manifests.
	if jb.Rounds == 0 {
		if _, err := c.SubmitRound(ctx, jobID, taskIDs); err != nil {
			c.failJob(ctx, jobID, err)
			return nil, err
		}
		jb.Rounds = 1
	}
	log.Info("Job submitted",
		zap.Int("items", len(items)),
		zap.Int("batches", len(batches)),
		zap.String("handler", def.Handler))
	return &jb, nil
}

// SubmitRound persists a round manifest for the given tasks and submits
// the matching scheduler array. A round that already exists with an
// external ID is not resubmitted.
func (c *Coordinator) SubmitRound(ctx context.Context, jobID string, taskIDs []string) (*job.Round, error) {
	if len(taskIDs) == 0 {
		return nil, fmt.Errorf("round needs at least one task")
	}
	var jb job.Job
	jobVersion, err := manifest.GetJSON(ctx, c.Manifests, job.Key(jobID), &jb)
	if err != nil {
		return nil, fmt.Errorf("load job manifest: %w", err)
	}

	number := jb.Rounds
	rnd := job.Round{
		JobID:     jobID,
		Number:    number,
		TaskIDs:   taskIDs,
		CreatedAt: c.now(),
	}
	err = manifest.CreateJSON(ctx, c.Manifests, job.RoundKey(jobID, number), &rnd)
	switch {
	case errors.Is(err, manifest.ErrAlreadyExists):
		// A previous submission attempt got this far; pick up its round.
		if _, err := manifest.GetJSON(ctx, c.Manifests, job.RoundKey(jobID, number), &rnd); err != nil {
			return nil, err
		}
		if rnd.ExternalID != "" {
			// Submitted before a crash; make sure the counter moved on.
			if jb.Rounds <= number {
				jb.Rounds = number + 1
				if err := manifest.UpdateJSON(ctx, c.Manifests, job.Key(jobID), jobVersion, &jb); err != nil {
					return nil, fmt.Errorf("bump round counter: %w", err)
				}
			}
			return &rnd, nil
		}
	case err != nil:
		return nil, fmt.Errorf("create round manifest: %w", err)
	}

	externalID, err := c.Scheduler.SubmitArrayJob(ctx, scheduler.ArraySpec{
		JobID:     jobID,
		Round:     number,
		ArraySize: len(taskIDs),
		Resources: jb.Resources,
	})
	if err != nil {
		return nil, fmt.Errorf("submit round %d: %w", number, err)
	}

	rnd.ExternalID = externalID
	rndVersion, err := manifest.GetJSON(ctx, c.Manifests, job.RoundKey(jobID, number), &job.Round{})
	if err != nil {
		return nil, err
	}
	if err := manifest.UpdateJSON(ctx, c.Manifests, job.RoundKey(jobID, number), rndVersion, &rnd); err != nil {
		return nil, fmt.Errorf("record round external ID: %w", err)
	}

	jb.Rounds = number + 1
	if err := manifest.UpdateJSON(ctx, c.Manifests, job.Key(jobID), jobVersion, &jb); err != nil {
		return nil, fmt.Errorf("bump round counter: %w", err)
	}
	c.Log.Info("Round submitted",
		zap.String("job", jobID),
		zap.Int("round", number),
		zap.Int("tasks", len(taskIDs)),
		zap.String("external_id", externalID))
	return &rnd, nil
}

// Recover finds tasks that are not making progress (still pending, or
// running under an expired lease) and submits them as a fresh round.
// It returns nil when nothing needs recovery.
func (c *Coordinator) Recover(ctx context.Context, jobID string) (*job.Round, error) {
	tasks, err := c.listTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var stuck []string
	for _, task := range tasks {
		switch task.Status {
		case job.TaskPending:
			stuck = append(stuck, task.ID)
		case job.TaskRunning:
			if task.Lease.Expired(now) || task.Lease == nil {
				stuck = append(stuck, task.ID)
			}
		}
	}
	if len(stuck) == 0 {
		return nil, nil
	}
	c.Log.Info("Recovering stuck tasks", zap.String("job", jobID), zap.Int("tasks", len(stuck)))
	return c.SubmitRound(ctx, jobID, stuck)
}

// Pause stops token issuance for the job. Running tasks finish their
// current item and then block on the rate limiter.
func (c *Coordinator) Pause(ctx context.Context, jobID string) error {
	if err := c.Limiter.SetPaused(ctx, jobID, true); err != nil {
		return err
	}
	return c.transition(ctx, jobID, job.StatusPaused, func(s job.Status) bool {
		return s == job.StatusSubmitted || s == job.StatusRunning
	})
}

// Resume reopens the token bucket of a paused job.
func (c *Coordinator) Resume(ctx context.Context, jobID string) error {
	if err := c.Limiter.SetPaused(ctx, jobID, false); err != nil {
		return err
	}
	return c.transition(ctx, jobID, job.StatusRunning, func(s job.Status) bool {
		return s == job.StatusPaused
	})
}

// Cancel raises the job's cancel flag and marks it CANCELLED. Workers see
// the flag between items and stop.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	if err := c.State.SetWithTTL(ctx, job.CancelKey(jobID), "1", 0); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	return c.transition(ctx, jobID, job.StatusCancelled, func(s job.Status) bool {
		return !s.Terminal()
	})
}

// transition moves the job status if the current status passes allowed.
// A version conflict is retried against the fresh document.
func (c *Coordinator) transition(ctx context.Context, jobID string, to job.Status, allowed func(job.Status) bool) error {
	for {
		var jb job.Job
		version, err := manifest.GetJSON(ctx, c.Manifests, job.Key(jobID), &jb)
		if err != nil {
			return fmt.Errorf("load job manifest: %w", err)
		}
		if jb.Status == to {
			return nil
		}
		if !allowed(jb.Status) {
			return fmt.Errorf("job %s is %s, cannot move to %s", jobID, jb.Status, to)
		}
		jb.Status = to
		if to.Terminal() {
			now := c.now()
			jb.CompletedAt = &now
		}
		err = manifest.UpdateJSON(ctx, c.Manifests, job.Key(jobID), version, &jb)
		if errors.Is(err, manifest.ErrVersionConflict) {
			continue
		}
		return err
	}
}

func (c *Coordinator) failJob(ctx context.Context, jobID string, cause error) {
	for {
		var jb job.Job
		version, err := manifest.GetJSON(ctx, c.Manifests, job.Key(jobID), &jb)
		if err != nil {
			c.Log.Error("Failed to load job manifest for failure", zap.Error(err))
			return
		}
		now := c.now()
		jb.Status = job.StatusFailed
		jb.Error = cause.Error()
		jb.CompletedAt = &now
		err = manifest.UpdateJSON(ctx, c.Manifests, job.Key(jobID), version, &jb)
		if errors.Is(err, manifest.ErrVersionConflict) {
			continue
		}
		if err != nil {
			c.Log.Error("Failed to mark job failed", zap.Error(err))
		}
		return
	}
}

func (c *Coordinator) listTasks(ctx context.Context, jobID string) ([]job.Task, error) {
	docs, err := c.Manifests.ListPrefix(ctx, job.TaskPrefix(jobID))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]job.Task, 0, len(docs))
	for _, doc := range docs {
		var task job.Task
		if err := unmarshalDoc(doc, &task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// partition chunks items into groups of at most size, preserving order.
func partition(items [][]byte, size int) [][][]byte {
	var out [][][]byte
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

func joinNDJSON(items [][]byte) []byte {
	var n int
	for _, item := range items {
		n += len(item) + 1
	}
	buf := make([]byte, 0, n)
	for _, item := range items {
		buf = append(buf, item...)
		buf = append(buf, '\n')
	}
	return buf
}

func createUnlessExists(ctx context.Context, s manifest.Store, key string, v interface{}) error {
	err := manifest.CreateJSON(ctx, s, key, v)
	if errors.Is(err, manifest.ErrAlreadyExists) {
		return nil
	}
	return err
}
