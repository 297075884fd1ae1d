// Package retryplan turns failed tasks into new attempts. Planning scans a
// job's FAILED tasks, classifies them against the retry policy, and queues
// the retryable ones with exponential backoff. Dispatching drains the due
// queue messages, materializes retry task manifests and submits them as a
// fresh scheduler round.
//
// The two halves are separate operations on purpose. Planning is cheap and
// can run right after a status check; dispatching batches all due retries
// across jobs into as few scheduler submissions as possible.
package retryplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"go.drove.dev/drove/pkg/job"
	"go.drove.dev/drove/pkg/jobdef"
	"go.drove.dev/drove/pkg/manifest"
	"go.drove.dev/drove/pkg/retryqueue"
	"go.drove.dev/drove/pkg/taskerr"
)

// RoundSubmitter submits a set of tasks as one scheduler round. The
// coordinator provides the production implementation.
type RoundSubmitter interface {
	SubmitRound(ctx context.Context, jobID string, taskIDs []string) (*job.Round, error)
}

// Planner queues and dispatches task retries.
type Planner struct {
	// Required components
	Log       *zap.Logger
	Manifests manifest.Store
	Queue     retryqueue.Queue
	Rounds    RoundSubmitter

	// Required config
	Visibility time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (p *Planner) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

// message is the queue payload linking a due retry back to its failed task.
type message struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id"`
}

// PlanReport summarizes one planning pass.
type PlanReport struct {
	Queued    int
	Exhausted int
}

// retryable reports whether the error class allows another attempt.
// Permanent failures and corrupted state never retry.
func retryable(class string) bool {
	switch taskerr.Class(class) {
	case taskerr.Transient, taskerr.Infrastructure:
		return true
	}
	return false
}

// Plan scans the job's failed tasks. Retryable failures within the retry
// budget move to RETRYING and are queued with backoff; everything else
// moves to PERMANENTLY_FAILED. A non-empty classFilter restricts the pass
// to failures of that error class, leaving the rest untouched.
func (p *Planner) Plan(ctx context.Context, jobID, classFilter string) (*PlanReport, error) {
	if classFilter != "" && !taskerr.Class(classFilter).Valid() {
		return nil, fmt.Errorf("retryplan: unknown error class %q", classFilter)
	}
	var jb job.Job
	if _, err := manifest.GetJSON(ctx, p.Manifests, job.Key(jobID), &jb); err != nil {
		return nil, fmt.Errorf("load job manifest: %w", err)
	}
	docs, err := p.Manifests.ListPrefix(ctx, job.TaskPrefix(jobID))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	report := &PlanReport{}
	for _, doc := range docs {
		var task job.Task
		if err := json.Unmarshal(doc.Data, &task); err != nil {
			return nil, fmt.Errorf("decode manifest %s: %w", doc.Key, err)
		}
		if task.Status != job.TaskFailed {
			continue
		}
		if classFilter != "" && task.ErrorClass != classFilter {
			continue
		}
		if retryable(task.ErrorClass) && task.Retries < jb.RetryPolicy.MaxRetries {
			if err := p.queueRetry(ctx, &jb, &task, doc.Version); err != nil {
				return nil, err
			}
			report.Queued++
		} else {
			task.Status = job.TaskPermanentlyFailed
			if err := manifest.UpdateJSON(ctx, p.Manifests, doc.Key, doc.Version, &task); err != nil {
				return nil, fmt.Errorf("mark task exhausted: %w", err)
			}
			p.Log.Info("Task permanently failed",
				zap.String("job", jobID),
				zap.String("task", task.ID),
				zap.String("class", task.ErrorClass),
				zap.Int("retries", task.Retries))
			report.Exhausted++
		}
	}
	return report, nil
}

func (p *Planner) queueRetry(ctx context.Context, jb *job.Job, task *job.Task, version int64) error {
	delay := Backoff(jb.RetryPolicy, task.Retries)
	eligible := p.now().Add(delay)
	task.Status = job.TaskRetrying
	task.NextEligible = &eligible
	if err := manifest.UpdateJSON(ctx, p.Manifests, job.TaskKey(jb.ID, task.ID), version, task); err != nil {
		return fmt.Errorf("mark task retrying: %w", err)
	}
	payload, err := json.Marshal(message{JobID: jb.ID, TaskID: task.ID})
	if err != nil {
		return err
	}
	if err := p.Queue.Enqueue(ctx, string(payload), delay); err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	p.Log.Info("Retry queued",
		zap.String("job", jb.ID),
		zap.String("task", task.ID),
		zap.Duration("delay", delay))
	return nil
}

// Backoff returns the delay before the given attempt's retry: the base
// doubled per prior attempt, capped at the policy maximum.
func Backoff(policy jobdef.RetryPolicy, retries int) time.Duration {
	base := float64(policy.BaseBackoffSeconds)
	max := float64(policy.MaxBackoffSeconds)
	delay := base * math.Pow(2, float64(retries))
	if delay > max {
		delay = max
	}
	return time.Duration(delay * float64(time.Second))
}

// DispatchReport summarizes one dispatch pass.
type DispatchReport struct {
	Tasks  int
	Rounds int
}

// Dispatch drains all due retry messages, creates the retry task manifests
// and submits one new round per affected job. Receipts are acknowledged
// only after the round is submitted, so a crash mid-dispatch redelivers
// instead of losing retries.
func (p *Planner) Dispatch(ctx context.Context) (*DispatchReport, error) {
	perJob := make(map[string][]string)
	var receipts []string
	for {
		payload, receipt, err := p.Queue.Dequeue(ctx, p.Visibility)
		if errors.Is(err, retryqueue.ErrEmpty) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue retry: %w", err)
		}
		var msg message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			// Unparseable message: acknowledge and drop, redelivery
			// cannot fix it.
			p.Log.Error("Dropping malformed retry message", zap.String("payload", payload))
			if err := p.Queue.Delete(ctx, receipt); err != nil {
				return nil, err
			}
			continue
		}
		taskID, err := p.materialize(ctx, msg)
		if err != nil {
			return nil, err
		}
		if taskID != "" {
			perJob[msg.JobID] = append(perJob[msg.JobID], taskID)
		}
		receipts = append(receipts, receipt)
	}

	report := &DispatchReport{}
	for jobID, taskIDs := range perJob {
		if _, err := p.Rounds.SubmitRound(ctx, jobID, taskIDs); err != nil {
			return nil, fmt.Errorf("submit retry round for %s: %w", jobID, err)
		}
		report.Tasks += len(taskIDs)
		report.Rounds++
	}
	for _, receipt := range receipts {
		if err := p.Queue.Delete(ctx, receipt); err != nil {
			return nil, fmt.Errorf("ack retry: %w", err)
		}
	}
	return report, nil
}

// materialize creates the retry attempt's task manifest. It returns an
// empty ID when the retry is obsolete (batch already succeeded, job
// cancelled, or the attempt exists from an earlier delivery).
func (p *Planner) materialize(ctx context.Context, msg message) (string, error) {
	var failed job.Task
	if _, err := manifest.GetJSON(ctx, p.Manifests, job.TaskKey(msg.JobID, msg.TaskID), &failed); err != nil {
		return "", fmt.Errorf("load failed task: %w", err)
	}
	if failed.Status != job.TaskRetrying {
		// Plan's decision was overturned (cancel, manual intervention).
		return "", nil
	}
	var jb job.Job
	if _, err := manifest.GetJSON(ctx, p.Manifests, job.Key(msg.JobID), &jb); err != nil {
		return "", fmt.Errorf("load job manifest: %w", err)
	}
	if jb.Status.Terminal() {
		return "", nil
	}

	retry := job.Task{
		ID:         job.TaskID(msg.JobID, failed.BatchIndex, failed.Retries+1),
		JobID:      msg.JobID,
		BatchID:    failed.BatchID,
		BatchIndex: failed.BatchIndex,
		Phase:      failed.Phase,
		Role:       job.RoleWorker,
		Status:     job.TaskPending,
		Retries:    failed.Retries + 1,
	}
	err := manifest.CreateJSON(ctx, p.Manifests, job.TaskKey(msg.JobID, retry.ID), &retry)
	if err != nil && !errors.Is(err, manifest.ErrAlreadyExists) {
		return "", fmt.Errorf("create retry task: %w", err)
	}
	return retry.ID, nil
}
