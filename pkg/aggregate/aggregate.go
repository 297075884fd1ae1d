// Package aggregate merges the per-task outputs of a finished job into a
// single result object through a hierarchical N-way merge.
//
// Every intermediate merge level is written to the object store under its
// own completion marker before the next level starts, so an aggregation
// that dies halfway resumes by skipping the levels that already carry
// markers. Running the aggregation twice produces the same bytes.
package aggregate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"go.drove.dev/drove/pkg/blob"
	"go.drove.dev/drove/pkg/job"
	"go.drove.dev/drove/pkg/manifest"
	"go.drove.dev/drove/pkg/taskerr"
)

// ErrNotFinished is returned when batches are still being worked on.
var ErrNotFinished = errors.New("job has unfinished batches")

// Aggregator merges task outputs bottom-up.
type Aggregator struct {
	// Required components
	Log       *zap.Logger
	Manifests manifest.Store
	Blobs     blob.Store

	// FanIn is the merge width per level. Defaults to 16.
	FanIn int

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (a *Aggregator) now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now()
}

func (a *Aggregator) fanIn() int {
	if a.FanIn > 1 {
		return a.FanIn
	}
	return 16
}

// Report summarizes one aggregation run.
type Report struct {
	Results        int
	Excluded       int
	FailedBatches  int
	Levels         int
	Rows           int
	OutputLocation string
}

// Run aggregates a job whose batches have all reached a terminal state.
// Batches without a successful result are reported but do not block the
// merge; the job completes with its failure counters set.
func (a *Aggregator) Run(ctx context.Context, jobID string) (*Report, error) {
	var jb job.Job
	jobVersion, err := manifest.GetJSON(ctx, a.Manifests, job.Key(jobID), &jb)
	if err != nil {
		return nil, fmt.Errorf("load job manifest: %w", err)
	}
	if jb.Status == job.StatusCancelled {
		return nil, fmt.Errorf("job %s is cancelled", jobID)
	}
	log := a.Log.With(zap.String("job", jobID))

	succeeded, failed, err := a.batchOutcomes(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if succeeded+failed < jb.TaskCount {
		return nil, fmt.Errorf("%w: %d of %d batches terminal",
			ErrNotFinished, succeeded+failed, jb.TaskCount)
	}

	results, excluded, err := a.collectResults(ctx, log, jobID)
	if err != nil {
		return nil, err
	}
	report := &Report{
		Results:       len(results),
		Excluded:      excluded,
		FailedBatches: failed + excluded,
	}
	if len(results) == 0 {
		a.finishJob(ctx, log, jobID, jobVersion, &jb, job.StatusFailed, succeeded, failed+excluded)
		return report, fmt.Errorf("job %s produced no usable results", jobID)
	}

	expectedRows := 0
	inputs := make([]string, len(results))
	for i, res := range results {
		expectedRows += res.RowCount
		inputs[i] = res.OutputLocation
	}

	// Merge upwards until one object remains.
	level := 0
	for len(inputs) > 1 {
		level++
		var next []string
		for part := 0; part*a.fanIn() < len(inputs); part++ {
			lo := part * a.fanIn()
			hi := lo + a.fanIn()
			if hi > len(inputs) {
				hi = len(inputs)
			}
			outKey := job.AggObjectKey(jobID, level, part)
			if err := a.merge(ctx, log, inputs[lo:hi], outKey); err != nil {
				return nil, err
			}
			next = append(next, outKey)
		}
		inputs = next
	}
	report.Levels = level

	root, err := a.Blobs.Get(ctx, inputs[0])
	if err != nil {
		return nil, taskerr.New(taskerr.Infrastructure, "read merge root", err)
	}
	rows := len(job.SplitNDJSON(root))
	if rows != expectedRows {
		return nil, taskerr.Newf(taskerr.CorruptState, "validate merge root",
			"merged output holds %d rows, results promised %d", rows, expectedRows)
	}
	report.Rows = rows

	finalKey := job.FinalObjectKey(jobID)
	if err := a.writeMarked(ctx, finalKey, root); err != nil {
		return nil, err
	}
	report.OutputLocation = finalKey

	a.finishJob(ctx, log, jobID, jobVersion, &jb, job.StatusCompleted, succeeded, failed+excluded)
	log.Info("Aggregation finished",
		zap.Int("results", report.Results),
		zap.Int("excluded", report.Excluded),
		zap.Int("levels", report.Levels),
		zap.Int("rows", report.Rows),
		zap.String("output", finalKey))
	return report, nil
}

// batchOutcomes counts batches with a successful attempt and batches that
// terminally failed. Batches still pending or running count as neither.
func (a *Aggregator) batchOutcomes(ctx context.Context, jobID string) (succeeded, failed int, err error) {
	docs, err := a.Manifests.ListPrefix(ctx, job.TaskPrefix(jobID))
	if err != nil {
		return 0, 0, fmt.Errorf("list tasks: %w", err)
	}
	best := make(map[string]job.TaskStatus)
	attempts := make(map[string]int)
	for _, doc := range docs {
		var task job.Task
		if err := json.Unmarshal(doc.Data, &task); err != nil {
			return 0, 0, fmt.Errorf("decode manifest %s: %w", doc.Key, err)
		}
		if best[task.BatchID] == job.TaskSuccess {
			continue
		}
		if task.Status == job.TaskSuccess || task.Retries >= attempts[task.BatchID] {
			best[task.BatchID] = task.Status
			attempts[task.BatchID] = task.Retries
		}
	}
	for _, status := range best {
		switch status {
		case job.TaskSuccess:
			succeeded++
		case job.TaskPermanentlyFailed, job.TaskCancelled:
			failed++
		}
	}
	return succeeded, failed, nil
}

// collectResults loads all result manifests, dropping results whose output
// object lacks its completion marker and failing hard on checksum damage.
func (a *Aggregator) collectResults(ctx context.Context, log *zap.Logger, jobID string) ([]job.Result, int, error) {
	docs, err := a.Manifests.ListPrefix(ctx, job.ResultPrefix(jobID))
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}
	var results []job.Result
	excluded := 0
	for _, doc := range docs {
		var res job.Result
		if err := json.Unmarshal(doc.Data, &res); err != nil {
			return nil, 0, fmt.Errorf("decode manifest %s: %w", doc.Key, err)
		}
		marked, err := a.Blobs.HasMarker(ctx, res.OutputLocation)
		if err != nil {
			return nil, 0, taskerr.New(taskerr.Infrastructure, "check result marker", err)
		}
		if !marked {
			log.Warn("Result output has no completion marker, excluding",
				zap.String("task", res.TaskID),
				zap.String("output", res.OutputLocation))
			excluded++
			continue
		}
		data, err := a.Blobs.Get(ctx, res.OutputLocation)
		if err != nil {
			return nil, 0, taskerr.New(taskerr.Infrastructure, "read result output", err)
		}
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != res.Checksum {
			return nil, 0, taskerr.Newf(taskerr.CorruptState, "verify result output",
				"task %s output checksum %s, manifest says %s", res.TaskID, got, res.Checksum)
		}
		results = append(results, res)
	}
	return results, excluded, nil
}

// merge concatenates the inputs into outKey. A marker on outKey means an
// earlier run already produced it; the write is skipped.
func (a *Aggregator) merge(ctx context.Context, log *zap.Logger, inputs []string, outKey string) error {
	marked, err := a.Blobs.HasMarker(ctx, outKey)
	if err != nil {
		return taskerr.New(taskerr.Infrastructure, "check merge marker", err)
	}
	if marked {
		log.Debug("Merge part already done", zap.String("output", outKey))
		return nil
	}
	var buf bytes.Buffer
	for _, in := range inputs {
		data, err := a.Blobs.Get(ctx, in)
		if err != nil {
			return taskerr.New(taskerr.Infrastructure, "read merge input", err)
		}
		buf.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return a.writeMarked(ctx, outKey, buf.Bytes())
}

func (a *Aggregator) writeMarked(ctx context.Context, key string, data []byte) error {
	marked, err := a.Blobs.HasMarker(ctx, key)
	if err != nil {
		return taskerr.New(taskerr.Infrastructure, "check marker", err)
	}
	if marked {
		return nil
	}
	if err := a.Blobs.Put(ctx, key, data); err != nil {
		return taskerr.New(taskerr.Infrastructure, "write object", err)
	}
	if err := a.Blobs.PutMarker(ctx, key); err != nil {
		return taskerr.New(taskerr.Infrastructure, "write marker", err)
	}
	return nil
}

// finishJob writes the terminal status and final counters. Lost version
// races are retried on the fresh document; an already-terminal job is left
// alone.
func (a *Aggregator) finishJob(ctx context.Context, log *zap.Logger, jobID string, version int64, jb *job.Job, status job.Status, completed, failed int) {
	for {
		if jb.Status.Terminal() {
			return
		}
		now := a.now()
		jb.Status = status
		jb.CompletedTasks = completed
		jb.FailedTasks = failed
		jb.CompletedAt = &now
		if failed > 0 && status == job.StatusCompleted {
			jb.Error = fmt.Sprintf("completed with %d failed batches", failed)
		}
		err := manifest.UpdateJSON(ctx, a.Manifests, job.Key(jobID), version, jb)
		if !errors.Is(err, manifest.ErrVersionConflict) {
			if err != nil {
				log.Error("Failed to finish job", zap.Error(err))
			}
			return
		}
		version, err = manifest.GetJSON(ctx, a.Manifests, job.Key(jobID), jb)
		if err != nil {
			log.Error("Failed to reload job manifest", zap.Error(err))
			return
		}
	}
}
