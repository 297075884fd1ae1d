package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.drove.dev/drove/pkg/blob"
	"go.drove.dev/drove/pkg/handler"
	"go.drove.dev/drove/pkg/job"
	"go.drove.dev/drove/pkg/manifest"
	"go.drove.dev/drove/pkg/ratelimit"
	"go.drove.dev/drove/pkg/state"
	"go.drove.dev/drove/pkg/taskerr"
)

type fixture struct {
	Worker    *Worker
	Manifests manifest.Store
	State     state.Store
	Blobs     blob.Store

	JobID   string
	BatchID string
	TaskID  string
}

// newFixture seeds a one-batch job with the given NDJSON items and a
// pending task in round 0.
func newFixture(t *testing.T, handlerName string, items []string) *fixture {
	t.Helper()
	ctx := context.Background()
	manifests := manifest.NewMemoryStore()
	st := state.NewMemoryStore()
	blobs := blob.NewMemoryStore()

	jobID := "fix-20260830-120000-deadbeef"
	batchID := job.BatchID(jobID, 0)
	taskID := job.TaskID(jobID, 0, 0)

	input := strings.Join(items, "\n") + "\n"
	inputKey := job.BatchObjectKey(jobID, batchID)
	require.NoError(t, blobs.Put(ctx, inputKey, []byte(input)))

	jb := job.Job{
		ID:        jobID,
		Name:      "fix",
		Handler:   handlerName,
		BatchSize: len(items),
		TaskCount: 1,
		Status:    job.StatusSubmitted,
		CreatedAt: time.Now(),
	}
	require.NoError(t, manifest.CreateJSON(ctx, manifests, job.Key(jobID), &jb))
	batch := job.Batch{
		ID:              batchID,
		JobID:           jobID,
		Index:           0,
		ItemCount:       len(items),
		StorageLocation: inputKey,
	}
	require.NoError(t, manifest.CreateJSON(ctx, manifests, job.BatchKey(jobID, batchID), &batch))
	task := job.Task{
		ID:      taskID,
		JobID:   jobID,
		BatchID: batchID,
		Role:    job.RoleWorker,
		Status:  job.TaskPending,
	}
	require.NoError(t, manifest.CreateJSON(ctx, manifests, job.TaskKey(jobID, taskID), &task))
	rnd := job.Round{
		JobID:     jobID,
		Number:    0,
		TaskIDs:   []string{taskID},
		CreatedAt: time.Now(),
	}
	require.NoError(t, manifest.CreateJSON(ctx, manifests, job.RoundKey(jobID, 0), &rnd))

	limiter := &ratelimit.Limiter{State: st, LeaseTTL: time.Minute, MaxSwapRetries: 8}
	require.NoError(t, limiter.Init(ctx, jobID, 100, 1000))

	return &fixture{
		Worker: &Worker{
			Log:           zaptest.NewLogger(t),
			Manifests:     manifests,
			State:         st,
			Blobs:         blobs,
			Limiter:       limiter,
			WorkerID:      "w0",
			CheckpointDir: t.TempDir(),
			LeaseTTL:      time.Minute,
		},
		Manifests: manifests,
		State:     st,
		Blobs:     blobs,
		JobID:     jobID,
		BatchID:   batchID,
		TaskID:    taskID,
	}
}

func (f *fixture) task(t *testing.T) job.Task {
	t.Helper()
	var task job.Task
	_, err := manifest.GetJSON(context.Background(), f.Manifests, job.TaskKey(f.JobID, f.TaskID), &task)
	require.NoError(t, err)
	return task
}

func TestRunSuccess(t *testing.T) {
	name := "test-" + t.Name()
	handler.Register(name, handler.Func(func(_ context.Context, item []byte) ([]byte, error) {
		return bytes.ToUpper(item), nil
	}))
	f := newFixture(t, name, []string{`{"v":"a"}`, `{"v":"b"}`, `{"v":"c"}`})
	ctx := context.Background()

	require.NoError(t, f.Worker.Run(ctx, f.JobID, 0, 0))

	task := f.task(t)
	assert.Equal(t, job.TaskSuccess, task.Status)
	assert.Nil(t, task.Lease)
	require.NotNil(t, task.CompletedAt)

	outKey := job.ResultObjectKey(f.JobID, f.TaskID)
	out, err := f.Blobs.Get(ctx, outKey)
	require.NoError(t, err)
	assert.Equal(t, "{\"V\":\"A\"}\n{\"V\":\"B\"}\n{\"V\":\"C\"}\n", string(out))
	marked, err := f.Blobs.HasMarker(ctx, outKey)
	require.NoError(t, err)
	assert.True(t, marked)

	var result job.Result
	_, err = manifest.GetJSON(ctx, f.Manifests, job.ResultKey(f.JobID, f.TaskID), &result)
	require.NoError(t, err)
	assert.Equal(t, 3, result.RowCount)
	assert.Equal(t, outKey, result.OutputLocation)
	sum := sha256.Sum256(out)
	assert.Equal(t, hex.EncodeToString(sum[:]), result.Checksum)

	var jb job.Job
	_, err = manifest.GetJSON(ctx, f.Manifests, job.Key(f.JobID), &jb)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, jb.Status)
}

func TestRunConsumesTokensPerItem(t *testing.T) {
	name := "test-" + t.Name()
	handler.Register(name, handler.Func(func(_ context.Context, item []byte) ([]byte, error) {
		return item, nil
	}))
	f := newFixture(t, name, []string{
		`{"v":"a"}`, `{"v":"b"}`, `{"v":"c"}`, `{"v":"d"}`, `{"v":"e"}`, `{"v":"f"}`,
	})
	// A bucket smaller than the batch, refilling fast but with an
	// hour-long lease TTL. The run only finishes inside the deadline if
	// the worker consumes each token; a worker that merely accumulates
	// its lease stalls until the TTL once the bucket is drained.
	limiter := &ratelimit.Limiter{State: state.NewMemoryStore(), LeaseTTL: time.Hour, MaxSwapRetries: 8}
	require.NoError(t, limiter.Init(context.Background(), f.JobID, 2, 500))
	f.Worker.Limiter = limiter

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.Worker.Run(ctx, f.JobID, 0, 0))
	assert.Equal(t, job.TaskSuccess, f.task(t).Status)

	bucket, err := limiter.Snapshot(context.Background(), f.JobID)
	require.NoError(t, err)
	assert.Zero(t, bucket.Outstanding(), "every granted token must be released after its item")
}

func TestRunHandlerFailure(t *testing.T) {
	name := "test-" + t.Name()
	handler.Register(name, handler.Func(func(_ context.Context, item []byte) ([]byte, error) {
		if bytes.Contains(item, []byte("bad")) {
			return nil, taskerr.Newf(taskerr.Transient, "fetch", "upstream 503")
		}
		return item, nil
	}))
	f := newFixture(t, name, []string{`{"v":"ok"}`, `{"v":"bad"}`, `{"v":"never"}`})
	ctx := context.Background()

	err := f.Worker.Run(ctx, f.JobID, 0, 0)
	require.Error(t, err)
	assert.Equal(t, taskerr.Transient, taskerr.ClassOf(err))

	task := f.task(t)
	assert.Equal(t, job.TaskFailed, task.Status)
	assert.Equal(t, string(taskerr.Transient), task.ErrorClass)
	assert.Contains(t, task.ErrorMessage, "upstream 503")

	// No output and no result manifest for a failed task.
	_, err = f.Blobs.Get(ctx, job.ResultObjectKey(f.JobID, f.TaskID))
	assert.ErrorIs(t, err, blob.ErrNotFound)
	_, err = f.Manifests.Get(ctx, job.ResultKey(f.JobID, f.TaskID))
	assert.ErrorIs(t, err, manifest.ErrNotFound)

	// The successful first item is checkpointed for the retry attempt.
	cp, err := OpenCheckpoint(f.Worker.CheckpointDir, f.JobID, f.BatchID)
	require.NoError(t, err)
	defer cp.Close()
	rows, err := cp.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].Index)

	// The failing item's token is consumed too, not left on the lease.
	bucket, err := f.Worker.Limiter.Snapshot(ctx, f.JobID)
	require.NoError(t, err)
	assert.Zero(t, bucket.Outstanding())
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	name := "test-" + t.Name()
	handler.Register(name, handler.Func(func(_ context.Context, item []byte) ([]byte, error) {
		if bytes.Contains(item, []byte("poison")) {
			return nil, taskerr.Newf(taskerr.Permanent, "parse", "poison item")
		}
		return item, nil
	}))
	f := newFixture(t, name, []string{`{"v":"poison"}`, `{"v":"b"}`})
	ctx := context.Background()

	// An earlier attempt processed item 0 before crashing.
	cp, err := OpenCheckpoint(f.Worker.CheckpointDir, f.JobID, f.BatchID)
	require.NoError(t, err)
	require.NoError(t, cp.Record(ctx, 0, []byte(`{"v":"prior"}`)))
	require.NoError(t, cp.Close())

	require.NoError(t, f.Worker.Run(ctx, f.JobID, 0, 0))

	out, err := f.Blobs.Get(ctx, job.ResultObjectKey(f.JobID, f.TaskID))
	require.NoError(t, err)
	assert.Equal(t, "{\"v\":\"prior\"}\n{\"v\":\"b\"}\n", string(out))
}

func TestRunRefusesLiveLease(t *testing.T) {
	f := newFixture(t, "identity", []string{`{"v":"a"}`})
	ctx := context.Background()

	var task job.Task
	version, err := manifest.GetJSON(ctx, f.Manifests, job.TaskKey(f.JobID, f.TaskID), &task)
	require.NoError(t, err)
	task.Status = job.TaskRunning
	task.Lease = &job.Lease{Owner: "other", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, manifest.UpdateJSON(ctx, f.Manifests, job.TaskKey(f.JobID, f.TaskID), version, &task))

	err = f.Worker.Run(ctx, f.JobID, 0, 0)
	assert.ErrorIs(t, err, ErrClaimed)
}

func TestRunReclaimsExpiredLease(t *testing.T) {
	f := newFixture(t, "identity", []string{`{"v":"a"}`})
	ctx := context.Background()

	var task job.Task
	version, err := manifest.GetJSON(ctx, f.Manifests, job.TaskKey(f.JobID, f.TaskID), &task)
	require.NoError(t, err)
	task.Status = job.TaskRunning
	task.Lease = &job.Lease{Owner: "dead", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, manifest.UpdateJSON(ctx, f.Manifests, job.TaskKey(f.JobID, f.TaskID), version, &task))

	require.NoError(t, f.Worker.Run(ctx, f.JobID, 0, 0))
	assert.Equal(t, job.TaskSuccess, f.task(t).Status)
}

func TestRunCancelledJob(t *testing.T) {
	f := newFixture(t, "identity", []string{`{"v":"a"}`})
	ctx := context.Background()
	require.NoError(t, f.State.SetWithTTL(ctx, job.CancelKey(f.JobID), "1", 0))

	require.NoError(t, f.Worker.Run(ctx, f.JobID, 0, 0))

	task := f.task(t)
	assert.Equal(t, job.TaskCancelled, task.Status)
	_, err := f.Blobs.Get(ctx, job.ResultObjectKey(f.JobID, f.TaskID))
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestRunTerminalTaskIsNoop(t *testing.T) {
	f := newFixture(t, "identity", []string{`{"v":"a"}`})
	ctx := context.Background()

	var task job.Task
	version, err := manifest.GetJSON(ctx, f.Manifests, job.TaskKey(f.JobID, f.TaskID), &task)
	require.NoError(t, err)
	task.Status = job.TaskSuccess
	require.NoError(t, manifest.UpdateJSON(ctx, f.Manifests, job.TaskKey(f.JobID, f.TaskID), version, &task))

	require.NoError(t, f.Worker.Run(ctx, f.JobID, 0, 0))
	assert.Equal(t, job.TaskSuccess, f.task(t).Status)
}

func TestRunIndexOutOfRange(t *testing.T) {
	f := newFixture(t, "identity", []string{`{"v":"a"}`})
	err := f.Worker.Run(context.Background(), f.JobID, 0, 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestRunUnknownHandlerFailsPermanently(t *testing.T) {
	f := newFixture(t, "identity", []string{`{"v":"a"}`})
	ctx := context.Background()

	var jb job.Job
	version, err := manifest.GetJSON(ctx, f.Manifests, job.Key(f.JobID), &jb)
	require.NoError(t, err)
	jb.Handler = "no-such-handler"
	require.NoError(t, manifest.UpdateJSON(ctx, f.Manifests, job.Key(f.JobID), version, &jb))

	err = f.Worker.Run(ctx, f.JobID, 0, 0)
	require.Error(t, err)
	assert.Equal(t, taskerr.Permanent, taskerr.ClassOf(err))
	assert.Equal(t, job.TaskFailed, f.task(t).Status)
}

func TestRunItemCountMismatch(t *testing.T) {
	f := newFixture(t, "identity", []string{`{"v":"a"}`, `{"v":"b"}`})
	ctx := context.Background()

	// Truncate the batch object behind the manifest's back.
	var batch job.Batch
	_, err := manifest.GetJSON(ctx, f.Manifests, job.BatchKey(f.JobID, f.BatchID), &batch)
	require.NoError(t, err)
	require.NoError(t, f.Blobs.Put(ctx, batch.StorageLocation, []byte("{\"v\":\"a\"}\n")))

	err = f.Worker.Run(ctx, f.JobID, 0, 0)
	require.Error(t, err)
	assert.Equal(t, taskerr.CorruptState, taskerr.ClassOf(err))
	assert.Equal(t, job.TaskFailed, f.task(t).Status)
}

func TestRepublishIsIdempotent(t *testing.T) {
	f := newFixture(t, "identity", []string{`{"v":"a"}`})
	ctx := context.Background()
	require.NoError(t, f.Worker.Run(ctx, f.JobID, 0, 0))

	// Simulate a crash after publish but before the SUCCESS flip, then a
	// second attempt of the same task.
	var task job.Task
	version, err := manifest.GetJSON(ctx, f.Manifests, job.TaskKey(f.JobID, f.TaskID), &task)
	require.NoError(t, err)
	task.Status = job.TaskPending
	task.Lease = nil
	task.CompletedAt = nil
	require.NoError(t, manifest.UpdateJSON(ctx, f.Manifests, job.TaskKey(f.JobID, f.TaskID), version, &task))

	require.NoError(t, f.Worker.Run(ctx, f.JobID, 0, 0))
	assert.Equal(t, job.TaskSuccess, f.task(t).Status)

	var result job.Result
	_, err = manifest.GetJSON(ctx, f.Manifests, job.ResultKey(f.JobID, f.TaskID), &result)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowCount)
}

func TestCheckpointRecordOverwrites(t *testing.T) {
	ctx := context.Background()
	cp, err := OpenCheckpoint(t.TempDir(), "j", "b")
	require.NoError(t, err)
	defer cp.Close()

	require.NoError(t, cp.Record(ctx, 2, []byte("two")))
	require.NoError(t, cp.Record(ctx, 0, []byte("zero")))
	require.NoError(t, cp.Record(ctx, 2, []byte("two-again")))

	rows, err := cp.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 0, rows[0].Index)
	assert.Equal(t, "two-again", string(rows[1].Output))
}

func TestRunContextCancelledDoesNotFailTask(t *testing.T) {
	name := "test-" + t.Name()
	calls := 0
	ctx, cancel := context.WithCancel(context.Background())
	handler.Register(name, handler.Func(func(_ context.Context, item []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			cancel()
		}
		return item, nil
	}))
	f := newFixture(t, name, []string{`{"v":"a"}`, `{"v":"b"}`})

	err := f.Worker.Run(ctx, f.JobID, 0, 0)
	require.ErrorIs(t, err, context.Canceled)

	// The task stays RUNNING; the lease expiry exposes the abandonment.
	task := f.task(t)
	assert.Equal(t, job.TaskRunning, task.Status)
	require.NotNil(t, task.Lease)
	assert.Equal(t, 1, calls)
}
