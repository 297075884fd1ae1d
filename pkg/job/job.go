// Package job defines the durable documents shared by all components:
// jobs, batches, tasks, results and submission rounds.
//
// Everything in this package is persisted through the manifest store.
// No component keeps authoritative job state in memory; a crashed process
// recovers by re-reading these documents.
package job

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.drove.dev/drove/pkg/jobdef"
)

// Status is the lifecycle state of a job.
type Status string

// Job states.
const (
	StatusSubmitted Status = "SUBMITTED"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task states.
const (
	TaskPending           TaskStatus = "PENDING"
	TaskRunning           TaskStatus = "RUNNING"
	TaskSuccess           TaskStatus = "SUCCESS"
	TaskFailed            TaskStatus = "FAILED"
	TaskRetrying          TaskStatus = "RETRYING"
	TaskPermanentlyFailed TaskStatus = "PERMANENTLY_FAILED"
	TaskCancelled         TaskStatus = "CANCELLED"
)

// Terminal reports whether the task will never run again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskPermanentlyFailed, TaskCancelled:
		return true
	}
	return false
}

// Pipeline phases. Batch tasks run in the process phase; the aggregate
// phase merges their results after every batch settles.
const (
	PhaseProcess   = "process"
	PhaseAggregate = "aggregate"
)

// Role distinguishes worker tasks from coordination tasks.
type Role string

// Task roles.
const (
	RoleWorker      Role = "worker"
	RoleCoordinator Role = "coordinator"
	RoleAggregator  Role = "aggregator"
)

// Priority of a job, informational.
type Priority string

// Priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Job is the manifest document for one workflow submission.
type Job struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority,omitempty"`

	Handler        string   `json:"handler"`
	InputLocation  string   `json:"input_location"`
	OutputLocation string   `json:"output_location"`
	BatchSize      int      `json:"batch_size"`
	TaskCount      int      `json:"task_count"`
	Phases         []string `json:"phases"`

	// Execution policy, copied from the job definition at submission so
	// later rounds and retry planning need only the manifest.
	Resources   jobdef.Resources   `json:"resources"`
	RetryPolicy jobdef.RetryPolicy `json:"retry_policy"`
	RateLimit   jobdef.RateLimit   `json:"rate_limit"`

	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Task counters, refreshed from task manifests by the coordinator.
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`

	Rounds int `json:"rounds"` // scheduler submission rounds so far
}

// PercentComplete returns completion progress in [0, 100].
func (j *Job) PercentComplete() float64 {
	if j.TaskCount == 0 {
		return 0
	}
	return float64(j.CompletedTasks) / float64(j.TaskCount) * 100
}

// Batch is an immutable partition of input data.
type Batch struct {
	ID              string `json:"id"`
	JobID           string `json:"job_id"`
	Index           int    `json:"index"`
	ItemCount       int    `json:"item_count"`
	StorageLocation string `json:"storage_location"`
}

// Lease marks a running task with an owner and a deadline, so an abandoned
// task is detectable by expiry instead of hanging forever.
type Lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease deadline passed.
func (l *Lease) Expired(now time.Time) bool {
	return l != nil && now.After(l.ExpiresAt)
}

// Task is one attempt (or retry attempt) to process a batch.
type Task struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	BatchID    string     `json:"batch_id"`
	BatchIndex int        `json:"batch_index"`
	Phase      string     `json:"phase"`
	Role       Role       `json:"role"`
	Status     TaskStatus `json:"status"`
	Retries    int        `json:"retries"`

	Lease       *Lease     `json:"lease,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Failure details, set by the worker on FAILED.
	ErrorClass   string `json:"error_class,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// NextEligible delays retry dispatch; set by the retry planner.
	NextEligible *time.Time `json:"next_eligible,omitempty"`
}

// Result records the durable output of a successfully completed task.
// A Result manifest exists if and only if the task reached SUCCESS, and its
// completion marker was written strictly after the output itself.
type Result struct {
	TaskID         string    `json:"task_id"`
	JobID          string    `json:"job_id"`
	BatchID        string    `json:"batch_id"`
	OutputLocation string    `json:"output_location"`
	RowCount       int       `json:"row_count"`
	Checksum       string    `json:"checksum"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Round is the manifest for one scheduler array submission. Workers resolve
// their array index to a task ID through it.
type Round struct {
	JobID      string    `json:"job_id"`
	Number     int       `json:"number"`
	TaskIDs    []string  `json:"task_ids"`
	ExternalID string    `json:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewID derives a deterministic-format job ID from a human-readable name
// and a submission time: <slug>-<timestamp>-<hash8>.
func NewID(name string, now time.Time) string {
	slug := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "-"))
	ts := now.UTC().Format("20060102-150405")
	sum := sha256.Sum256([]byte(slug + "-" + ts))
	return fmt.Sprintf("%s-%s-%s", slug, ts, hex.EncodeToString(sum[:4]))
}

// TaskID returns the task ID for a batch index and retry attempt.
func TaskID(jobID string, batchIndex, attempt int) string {
	if attempt == 0 {
		return fmt.Sprintf("%s-task-%06d", jobID, batchIndex)
	}
	return fmt.Sprintf("%s-task-%06d-r%d", jobID, batchIndex, attempt)
}

// BatchID returns the batch ID for a partition index.
func BatchID(jobID string, index int) string {
	return fmt.Sprintf("%s-batch-%06d", jobID, index)
}

// Manifest store key layout. Prefix listing over these keys drives task
// scanning and result discovery.
func Key(jobID string) string           { return "jobs/" + jobID + "/manifest" }
func BatchKey(jobID, id string) string  { return "jobs/" + jobID + "/batches/" + id }
func TaskKey(jobID, id string) string   { return "jobs/" + jobID + "/tasks/" + id }
func ResultKey(jobID, id string) string { return "jobs/" + jobID + "/results/" + id }
func RoundKey(jobID string, n int) string {
	return fmt.Sprintf("jobs/%s/rounds/%06d", jobID, n)
}
func TaskPrefix(jobID string) string   { return "jobs/" + jobID + "/tasks/" }
func ResultPrefix(jobID string) string { return "jobs/" + jobID + "/results/" }
func BatchPrefix(jobID string) string  { return "jobs/" + jobID + "/batches/" }

// Object store keys. Batch inputs and task outputs live next to each other
// under the job prefix so one List call covers a whole job.
func BatchObjectKey(jobID, batchID string) string {
	return "jobs/" + jobID + "/input/" + batchID + ".ndjson"
}
func ResultObjectKey(jobID, taskID string) string {
	return "jobs/" + jobID + "/results/" + taskID + ".ndjson"
}
func AggObjectKey(jobID string, level, part int) string {
	return fmt.Sprintf("jobs/%s/agg/level-%d/part-%d.ndjson", jobID, level, part)
}
func FinalObjectKey(jobID string) string {
	return "jobs/" + jobID + "/output.ndjson"
}

// CancelKey is the state store key whose presence requests cancellation.
// Workers poll it between items.
func CancelKey(jobID string) string { return "control/" + jobID + "/cancel" }

// SplitNDJSON splits newline-delimited content into one slice per line.
// Blank lines and a trailing newline produce no items.
func SplitNDJSON(data []byte) [][]byte {
	var items [][]byte
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		if len(line) > 0 {
			items = append(items, line)
		}
	}
	return items
}
