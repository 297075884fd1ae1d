// Package worker executes one task of a submission round: it claims the
// task manifest, streams the batch through the job's handler under the
// per-job rate limit, and publishes the output with its completion marker
// before flipping the task to SUCCESS.
//
// The worker is deliberately stateless between items. All progress lives
// in the checkpoint database and the manifest store, so a preempted or
// crashed worker resumes exactly where it stopped.
package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"go.drove.dev/drove/pkg/blob"
	"go.drove.dev/drove/pkg/handler"
	"go.drove.dev/drove/pkg/job"
	"go.drove.dev/drove/pkg/manifest"
	"go.drove.dev/drove/pkg/ratelimit"
	"go.drove.dev/drove/pkg/state"
	"go.drove.dev/drove/pkg/taskerr"
)

// ErrClaimed is returned when another live worker holds the task lease.
var ErrClaimed = errors.New("task already claimed")

// errCancelled aborts the item loop when the job's cancel flag appears.
var errCancelled = errors.New("job cancelled")

// Worker runs tasks assigned through round manifests.
type Worker struct {
	// Required components
	Log       *zap.Logger
	Manifests manifest.Store
	State     state.Store
	Blobs     blob.Store
	Limiter   *ratelimit.Limiter

	// Required config
	WorkerID      string
	CheckpointDir string
	LeaseTTL      time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (w *Worker) now() time.Time {
	if w.Clock != nil {
		return w.Clock()
	}
	return time.Now()
}

// Run executes the task mapped to one array index of a submission round.
//
// A context cancellation (node preemption, time limit) leaves the task
// RUNNING with an expiring lease; progress up to that point is in the
// checkpoint and a later attempt resumes from it. Only handler errors
// fail the task.
func (w *Worker) Run(ctx context.Context, jobID string, round, index int) error {
	var rnd job.Round
	if _, err := manifest.GetJSON(ctx, w.Manifests, job.RoundKey(jobID, round), &rnd); err != nil {
		return fmt.Errorf("load round manifest: %w", err)
	}
	if index < 0 || index >= len(rnd.TaskIDs) {
		return fmt.Errorf("array index %d out of range for round %d (%d tasks)",
			index, round, len(rnd.TaskIDs))
	}
	taskID := rnd.TaskIDs[index]
	log := w.Log.With(zap.String("job", jobID), zap.String("task", taskID))

	var jb job.Job
	jobVersion, err := manifest.GetJSON(ctx, w.Manifests, job.Key(jobID), &jb)
	if err != nil {
		return fmt.Errorf("load job manifest: %w", err)
	}
	var task job.Task
	taskVersion, err := manifest.GetJSON(ctx, w.Manifests, job.TaskKey(jobID, taskID), &task)
	if err != nil {
		return fmt.Errorf("load task manifest: %w", err)
	}
	if task.Status.Terminal() {
		log.Info("Task already terminal, nothing to do", zap.String("status", string(task.Status)))
		return nil
	}
	if cancelled, err := w.cancelRequested(ctx, jobID); err != nil {
		return err
	} else if cancelled {
		return w.finishTask(ctx, log, &task, taskVersion, job.TaskCancelled, "", "")
	}

	now := w.now()
	if task.Status == job.TaskRunning && !task.Lease.Expired(now) {
		return fmt.Errorf("%w: owner %s until %s", ErrClaimed,
			task.Lease.Owner, task.Lease.ExpiresAt.Format(time.RFC3339))
	}

	// Claim through the manifest version: two workers racing for the same
	// task see exactly one Update succeed.
	task.Status = job.TaskRunning
	task.Lease = &job.Lease{Owner: w.WorkerID, ExpiresAt: now.Add(w.LeaseTTL)}
	task.StartedAt = &now
	if err := manifest.UpdateJSON(ctx, w.Manifests, job.TaskKey(jobID, taskID), taskVersion, &task); err != nil {
		if errors.Is(err, manifest.ErrVersionConflict) {
			return fmt.Errorf("%w: lost claim race", ErrClaimed)
		}
		return fmt.Errorf("claim task: %w", err)
	}
	taskVersion++
	log.Info("Task claimed", zap.Int("round", round), zap.Int("index", index))
	w.markJobRunning(ctx, log, &jb, jobVersion)

	res, runErr := w.process(ctx, log, &jb, &task, &taskVersion)
	if runErr != nil {
		if errors.Is(runErr, errCancelled) {
			return w.finishTask(ctx, log, &task, taskVersion, job.TaskCancelled, "", "")
		}
		var terr *taskerr.Error
		if errors.As(runErr, &terr) {
			tasksFailed.WithLabelValues(jobID, string(terr.Class)).Inc()
			if err := w.finishTask(ctx, log, &task, taskVersion, job.TaskFailed,
				string(terr.Class), terr.Error()); err != nil {
				return err
			}
			return runErr
		}
		// Not a classified failure (context cancelled, manifest store down).
		// Leave the task RUNNING so the lease expiry surfaces it.
		return runErr
	}

	if err := w.publish(ctx, log, &jb, &task, res); err != nil {
		return err
	}
	tasksCompleted.WithLabelValues(jobID).Inc()
	return w.finishTask(ctx, log, &task, taskVersion, job.TaskSuccess, "", "")
}

type taskOutput struct {
	data     []byte
	rowCount int
	checksum string
}

// process streams the batch through the handler, one rate-limit token per
// item, checkpointing after every item.
func (w *Worker) process(ctx context.Context, log *zap.Logger, jb *job.Job, task *job.Task, taskVersion *int64) (*taskOutput, error) {
	var batch job.Batch
	if _, err := manifest.GetJSON(ctx, w.Manifests, job.BatchKey(jb.ID, task.BatchID), &batch); err != nil {
		return nil, fmt.Errorf("load batch manifest: %w", err)
	}
	data, err := w.Blobs.Get(ctx, batch.StorageLocation)
	if err != nil {
		return nil, taskerr.New(taskerr.Infrastructure, "read batch input", err)
	}
	items := job.SplitNDJSON(data)
	if len(items) != batch.ItemCount {
		return nil, taskerr.Newf(taskerr.CorruptState, "read batch input",
			"batch %s holds %d items, manifest says %d", batch.ID, len(items), batch.ItemCount)
	}

	h, err := handler.Resolve(jb.Handler)
	if err != nil {
		return nil, taskerr.New(taskerr.Permanent, "resolve handler", err)
	}

	cp, err := OpenCheckpoint(w.CheckpointDir, jb.ID, batch.ID)
	if err != nil {
		return nil, taskerr.New(taskerr.Infrastructure, "open checkpoint", err)
	}
	defer cp.Close()
	prior, err := cp.Rows(ctx)
	if err != nil {
		return nil, taskerr.New(taskerr.Infrastructure, "open checkpoint", err)
	}
	done := make(map[int]struct{}, len(prior))
	for _, row := range prior {
		done[row.Index] = struct{}{}
	}
	if len(done) > 0 {
		log.Info("Resuming from checkpoint", zap.Int("items_done", len(done)))
	}

	renewAt := w.now().Add(w.LeaseTTL / 2)
	for i, item := range items {
		if _, ok := done[i]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cancelled, err := w.cancelRequested(ctx, jb.ID); err != nil {
			return nil, err
		} else if cancelled {
			return nil, errCancelled
		}
		if w.now().After(renewAt) {
			if err := w.renewLease(ctx, jb.ID, task, taskVersion); err != nil {
				return nil, err
			}
			renewAt = w.now().Add(w.LeaseTTL / 2)
		}
		if _, err := w.Limiter.AcquireWait(ctx, jb.ID, w.WorkerID, 1); err != nil {
			return nil, err
		}
		row, perr := h.Process(ctx, item)
		// Consume the token either way. An unreleased lease holds back
		// refill until its TTL, throttling the whole job on the lease
		// clock instead of the refill rate.
		if err := w.Limiter.Release(ctx, jb.ID, w.WorkerID, 1); err != nil {
			log.Warn("Failed to release rate limit token", zap.Error(err))
		}
		if perr != nil {
			return nil, taskerr.New(taskerr.ClassOf(perr), "process item", perr)
		}
		if err := cp.Record(ctx, i, row); err != nil {
			return nil, taskerr.New(taskerr.Infrastructure, "write checkpoint", err)
		}
		itemsProcessed.WithLabelValues(jb.ID).Inc()
	}

	// Assemble the output from the checkpoint so resumed attempts include
	// rows of earlier attempts.
	rows, err := cp.Rows(ctx)
	if err != nil {
		return nil, taskerr.New(taskerr.Infrastructure, "read checkpoint", err)
	}
	var buf bytes.Buffer
	count := 0
	for _, row := range rows {
		if len(row.Output) == 0 {
			continue
		}
		buf.Write(row.Output)
		buf.WriteByte('\n')
		count++
	}
	sum := sha256.Sum256(buf.Bytes())
	return &taskOutput{
		data:     buf.Bytes(),
		rowCount: count,
		checksum: hex.EncodeToString(sum[:]),
	}, nil
}

// publish writes the task output, then its completion marker, then the
// result manifest. The order matters: a marker is only ever present over
// fully written data, and a result manifest only over a marked object.
func (w *Worker) publish(ctx context.Context, log *zap.Logger, jb *job.Job, task *job.Task, out *taskOutput) error {
	outKey := job.ResultObjectKey(jb.ID, task.ID)
	if err := w.retryPublish(ctx, "write output", func() error {
		return w.Blobs.Put(ctx, outKey, out.data)
	}); err != nil {
		return err
	}
	if err := w.retryPublish(ctx, "write output marker", func() error {
		return w.Blobs.PutMarker(ctx, outKey)
	}); err != nil {
		return err
	}
	result := job.Result{
		TaskID:         task.ID,
		JobID:          jb.ID,
		BatchID:        task.BatchID,
		OutputLocation: outKey,
		RowCount:       out.rowCount,
		Checksum:       out.checksum,
		CompletedAt:    w.now(),
	}
	err := w.retryPublish(ctx, "write result manifest", func() error {
		err := manifest.CreateJSON(ctx, w.Manifests, job.ResultKey(jb.ID, task.ID), &result)
		if errors.Is(err, manifest.ErrAlreadyExists) {
			// An earlier attempt of this task already published.
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	log.Info("Task output published",
		zap.String("output", outKey),
		zap.Int("rows", out.rowCount),
		zap.String("checksum", out.checksum))
	return nil
}

// retryPublish wraps a durable write with bounded exponential backoff.
func (w *Worker) retryPublish(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(fn, backoff.WithContext(bo, ctx)); err != nil {
		return taskerr.New(taskerr.Infrastructure, op, err)
	}
	return nil
}

// finishTask moves the task to a terminal status and drops the lease.
func (w *Worker) finishTask(ctx context.Context, log *zap.Logger, task *job.Task, version int64, status job.TaskStatus, errClass, errMsg string) error {
	now := w.now()
	task.Status = status
	task.Lease = nil
	task.CompletedAt = &now
	task.ErrorClass = errClass
	task.ErrorMessage = errMsg
	if err := manifest.UpdateJSON(ctx, w.Manifests, job.TaskKey(task.JobID, task.ID), version, task); err != nil {
		return fmt.Errorf("finish task %s: %w", task.ID, err)
	}
	log.Info("Task finished", zap.String("status", string(status)), zap.String("error_class", errClass))
	return nil
}

// renewLease extends the lease deadline mid-batch so slow batches are not
// mistaken for abandoned ones.
func (w *Worker) renewLease(ctx context.Context, jobID string, task *job.Task, taskVersion *int64) error {
	var cur job.Task
	version, err := manifest.GetJSON(ctx, w.Manifests, job.TaskKey(jobID, task.ID), &cur)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if cur.Lease == nil || cur.Lease.Owner != w.WorkerID {
		return fmt.Errorf("renew lease: task %s no longer owned by %s", task.ID, w.WorkerID)
	}
	cur.Lease.ExpiresAt = w.now().Add(w.LeaseTTL)
	if err := manifest.UpdateJSON(ctx, w.Manifests, job.TaskKey(jobID, task.ID), version, &cur); err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	task.Lease = cur.Lease
	*taskVersion = version + 1
	return nil
}

// markJobRunning flips a freshly submitted job to RUNNING. Racing workers
// all try this; losing the version race means another worker won, which is
// fine.
func (w *Worker) markJobRunning(ctx context.Context, log *zap.Logger, jb *job.Job, version int64) {
	if jb.Status != job.StatusSubmitted {
		return
	}
	now := w.now()
	jb.Status = job.StatusRunning
	jb.StartedAt = &now
	err := manifest.UpdateJSON(ctx, w.Manifests, job.Key(jb.ID), version, jb)
	if err != nil && !errors.Is(err, manifest.ErrVersionConflict) {
		log.Warn("Failed to mark job running", zap.Error(err))
	}
}

func (w *Worker) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	_, ok, err := w.State.Get(ctx, job.CancelKey(jobID))
	if err != nil {
		return false, taskerr.New(taskerr.Infrastructure, "poll cancel flag", err)
	}
	return ok, nil
}
