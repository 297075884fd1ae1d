package retryplan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.drove.dev/drove/pkg/job"
	"go.drove.dev/drove/pkg/jobdef"
	"go.drove.dev/drove/pkg/manifest"
	"go.drove.dev/drove/pkg/retryqueue"
	"go.drove.dev/drove/pkg/taskerr"
)

type fakeRounds struct {
	rounds []job.Round
	serial int
}

func (f *fakeRounds) SubmitRound(_ context.Context, jobID string, taskIDs []string) (*job.Round, error) {
	rnd := job.Round{JobID: jobID, Number: f.serial, TaskIDs: taskIDs}
	f.serial++
	f.rounds = append(f.rounds, rnd)
	return &rnd, nil
}

type planFixture struct {
	Planner   *Planner
	Manifests manifest.Store
	Queue     *retryqueue.MemoryQueue
	Rounds    *fakeRounds
	Now       time.Time
	JobID     string
}

func newPlanFixture(t *testing.T) *planFixture {
	t.Helper()
	ctx := context.Background()
	manifests := manifest.NewMemoryStore()
	queue := retryqueue.NewMemoryQueue()
	rounds := &fakeRounds{}
	now := time.Date(2026, 5, 2, 13, 37, 0, 0, time.UTC)

	jobID := "plan-test"
	jb := job.Job{
		ID:        jobID,
		Name:      "plan",
		Handler:   "identity",
		TaskCount: 4,
		Status:    job.StatusRunning,
		RetryPolicy: jobdef.RetryPolicy{
			MaxRetries:         3,
			BaseBackoffSeconds: 2,
			MaxBackoffSeconds:  60,
		},
	}
	require.NoError(t, manifest.CreateJSON(ctx, manifests, job.Key(jobID), &jb))

	f := &planFixture{
		Planner: &Planner{
			Log:        zaptest.NewLogger(t),
			Manifests:  manifests,
			Queue:      queue,
			Rounds:     rounds,
			Visibility: time.Minute,
			Clock:      func() time.Time { return now },
		},
		Manifests: manifests,
		Queue:     queue,
		Rounds:    rounds,
		Now:       now,
		JobID:     jobID,
	}
	queue.Clock = func() time.Time { return f.Now }
	f.Planner.Clock = func() time.Time { return f.Now }
	return f
}

func (f *planFixture) addTask(t *testing.T, index int, mutate func(*job.Task)) job.Task {
	t.Helper()
	task := job.Task{
		ID:         job.TaskID(f.JobID, index, 0),
		JobID:      f.JobID,
		BatchID:    job.BatchID(f.JobID, index),
		BatchIndex: index,
		Phase:      job.PhaseProcess,
		Role:       job.RoleWorker,
		Status:     job.TaskPending,
	}
	if mutate != nil {
		mutate(&task)
	}
	require.NoError(t, manifest.CreateJSON(context.Background(), f.Manifests,
		job.TaskKey(f.JobID, task.ID), &task))
	return task
}

func (f *planFixture) getTask(t *testing.T, taskID string) job.Task {
	t.Helper()
	var task job.Task
	_, err := manifest.GetJSON(context.Background(), f.Manifests, job.TaskKey(f.JobID, taskID), &task)
	require.NoError(t, err)
	return task
}

func TestBackoff(t *testing.T) {
	policy := jobdef.RetryPolicy{BaseBackoffSeconds: 2, MaxBackoffSeconds: 60}
	assert.Equal(t, 2*time.Second, Backoff(policy, 0))
	assert.Equal(t, 4*time.Second, Backoff(policy, 1))
	assert.Equal(t, 8*time.Second, Backoff(policy, 2))
	assert.Equal(t, 32*time.Second, Backoff(policy, 4))
	// 2 * 2^5 = 64s, capped at the policy maximum.
	assert.Equal(t, 60*time.Second, Backoff(policy, 5))
}

func TestPlanClassifiesFailures(t *testing.T) {
	f := newPlanFixture(t)
	ctx := context.Background()

	transient := f.addTask(t, 0, func(task *job.Task) {
		task.Status = job.TaskFailed
		task.ErrorClass = string(taskerr.Transient)
	})
	permanent := f.addTask(t, 1, func(task *job.Task) {
		task.Status = job.TaskFailed
		task.ErrorClass = string(taskerr.Permanent)
	})
	exhausted := f.addTask(t, 2, func(task *job.Task) {
		task.Status = job.TaskFailed
		task.ErrorClass = string(taskerr.Transient)
		task.Retries = 3
	})
	ok := f.addTask(t, 3, func(task *job.Task) {
		task.Status = job.TaskSuccess
	})

	report, err := f.Planner.Plan(ctx, f.JobID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Queued)
	assert.Equal(t, 2, report.Exhausted)

	got := f.getTask(t, transient.ID)
	assert.Equal(t, job.TaskRetrying, got.Status)
	require.NotNil(t, got.NextEligible)
	assert.Equal(t, f.Now.Add(2*time.Second), *got.NextEligible)

	assert.Equal(t, job.TaskPermanentlyFailed, f.getTask(t, permanent.ID).Status)
	assert.Equal(t, job.TaskPermanentlyFailed, f.getTask(t, exhausted.ID).Status)
	assert.Equal(t, job.TaskSuccess, f.getTask(t, ok.ID).Status)

	delayed, inflight := f.Queue.Len()
	assert.Equal(t, 1, delayed)
	assert.Zero(t, inflight)
}

func TestPlanRetriesInfrastructureFailures(t *testing.T) {
	f := newPlanFixture(t)
	f.addTask(t, 0, func(task *job.Task) {
		task.Status = job.TaskFailed
		task.ErrorClass = string(taskerr.Infrastructure)
		task.Retries = 1
	})

	report, err := f.Planner.Plan(context.Background(), f.JobID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Queued)
	assert.Zero(t, report.Exhausted)
}

func TestPlanFiltersByClass(t *testing.T) {
	f := newPlanFixture(t)
	ctx := context.Background()

	transient := f.addTask(t, 0, func(task *job.Task) {
		task.Status = job.TaskFailed
		task.ErrorClass = string(taskerr.Transient)
	})
	infra := f.addTask(t, 1, func(task *job.Task) {
		task.Status = job.TaskFailed
		task.ErrorClass = string(taskerr.Infrastructure)
	})

	report, err := f.Planner.Plan(ctx, f.JobID, string(taskerr.Infrastructure))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Queued)
	assert.Zero(t, report.Exhausted)

	// Only the matching class is touched.
	assert.Equal(t, job.TaskRetrying, f.getTask(t, infra.ID).Status)
	assert.Equal(t, job.TaskFailed, f.getTask(t, transient.ID).Status)

	_, err = f.Planner.Plan(ctx, f.JobID, "SOMETIMES")
	assert.Error(t, err)
}

func TestDispatchSubmitsRetryRound(t *testing.T) {
	f := newPlanFixture(t)
	ctx := context.Background()
	failed := f.addTask(t, 0, func(task *job.Task) {
		task.Status = job.TaskFailed
		task.ErrorClass = string(taskerr.Transient)
	})

	_, err := f.Planner.Plan(ctx, f.JobID, "")
	require.NoError(t, err)

	// Nothing is due before the backoff elapses.
	report, err := f.Planner.Dispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Tasks)

	f.Now = f.Now.Add(3 * time.Second)
	report, err = f.Planner.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tasks)
	assert.Equal(t, 1, report.Rounds)

	retryID := job.TaskID(f.JobID, 0, 1)
	retry := f.getTask(t, retryID)
	assert.Equal(t, job.TaskPending, retry.Status)
	assert.Equal(t, 1, retry.Retries)
	assert.Equal(t, failed.BatchID, retry.BatchID)
	assert.Equal(t, job.PhaseProcess, retry.Phase)

	require.Len(t, f.Rounds.rounds, 1)
	assert.Equal(t, []string{retryID}, f.Rounds.rounds[0].TaskIDs)

	// The message is acknowledged; nothing to redeliver.
	delayed, inflight := f.Queue.Len()
	assert.Zero(t, delayed)
	assert.Zero(t, inflight)
}

func TestDispatchSkipsObsoleteRetries(t *testing.T) {
	f := newPlanFixture(t)
	ctx := context.Background()
	queued := f.addTask(t, 0, func(task *job.Task) {
		task.Status = job.TaskFailed
		task.ErrorClass = string(taskerr.Transient)
	})
	_, err := f.Planner.Plan(ctx, f.JobID, "")
	require.NoError(t, err)

	// The task was cancelled between planning and dispatch.
	var task job.Task
	version, err := manifest.GetJSON(ctx, f.Manifests, job.TaskKey(f.JobID, queued.ID), &task)
	require.NoError(t, err)
	task.Status = job.TaskCancelled
	require.NoError(t, manifest.UpdateJSON(ctx, f.Manifests, job.TaskKey(f.JobID, queued.ID), version, &task))

	f.Now = f.Now.Add(time.Minute)
	report, err := f.Planner.Dispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Tasks)
	assert.Empty(t, f.Rounds.rounds)

	delayed, inflight := f.Queue.Len()
	assert.Zero(t, delayed+inflight)
}

func TestDispatchIsIdempotentAcrossRedelivery(t *testing.T) {
	f := newPlanFixture(t)
	ctx := context.Background()
	f.addTask(t, 0, func(task *job.Task) {
		task.Status = job.TaskFailed
		task.ErrorClass = string(taskerr.Transient)
	})
	_, err := f.Planner.Plan(ctx, f.JobID, "")
	require.NoError(t, err)

	// Simulate a dispatch that crashed after creating the retry task but
	// before acknowledging: the retry manifest exists and the message is
	// delivered again.
	retry := job.Task{
		ID:         job.TaskID(f.JobID, 0, 1),
		JobID:      f.JobID,
		BatchID:    job.BatchID(f.JobID, 0),
		BatchIndex: 0,
		Role:       job.RoleWorker,
		Status:     job.TaskPending,
		Retries:    1,
	}
	require.NoError(t, manifest.CreateJSON(ctx, f.Manifests, job.TaskKey(f.JobID, retry.ID), &retry))

	f.Now = f.Now.Add(time.Minute)
	report, err := f.Planner.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tasks)
	require.Len(t, f.Rounds.rounds, 1)
	assert.Equal(t, []string{retry.ID}, f.Rounds.rounds[0].TaskIDs)
}

func TestDispatchDropsMalformedMessages(t *testing.T) {
	f := newPlanFixture(t)
	ctx := context.Background()
	require.NoError(t, f.Queue.Enqueue(ctx, "not-json", 0))

	report, err := f.Planner.Dispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Tasks)
	delayed, inflight := f.Queue.Len()
	assert.Zero(t, delayed+inflight)
}
