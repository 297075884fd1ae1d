package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Slurm submits worker arrays with sbatch and polls them with squeue and
// sacct. Every node of the array invokes the drove binary's worker entry
// point with its array index.
type Slurm struct {
	// Required components
	Log *zap.Logger
	// Required config
	Binary     string // path to the drove binary on the cluster
	ConfigFile string // drove config file passed to workers, may be empty
}

// SubmitArrayJob implements Scheduler.
func (s *Slurm) SubmitArrayJob(ctx context.Context, spec ArraySpec) (string, error) {
	script := s.buildScript(spec)
	args := s.buildArgs(spec)
	cmd := exec.CommandContext(ctx, "sbatch", args...)
	cmd.Stdin = strings.NewReader(script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	s.Log.Info("Submitting array job",
		zap.String("job_id", spec.JobID),
		zap.Int("round", spec.Round),
		zap.Int("array_size", spec.ArraySize))
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("sbatch failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	externalID, err := parseSbatchOutput(stdout.String())
	if err != nil {
		return "", err
	}
	s.Log.Info("Array job submitted", zap.String("external_id", externalID))
	return externalID, nil
}

func (s *Slurm) buildArgs(spec ArraySpec) []string {
	args := []string{
		"--parsable",
		fmt.Sprintf("--array=0-%d", spec.ArraySize-1),
		fmt.Sprintf("--job-name=drove-%s-r%d", spec.JobID, spec.Round),
	}
	res := spec.Resources
	if res.Partition != "" {
		args = append(args, "--partition="+res.Partition)
	}
	if res.CPUs > 0 {
		args = append(args, fmt.Sprintf("--cpus-per-task=%d", res.CPUs))
	}
	if res.MemoryGB > 0 {
		args = append(args, fmt.Sprintf("--mem=%dG", res.MemoryGB))
	}
	if res.TimeLimit != "" {
		args = append(args, "--time="+res.TimeLimit)
	}
	if res.Account != "" {
		args = append(args, "--account="+res.Account)
	}
	return args
}

func (s *Slurm) buildScript(spec ArraySpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString(s.Binary)
	if s.ConfigFile != "" {
		b.WriteString(" --config " + s.ConfigFile)
	}
	fmt.Fprintf(&b, " worker --job %s --round %d --index $SLURM_ARRAY_TASK_ID\n",
		spec.JobID, spec.Round)
	return b.String()
}

// parseSbatchOutput extracts the numeric job ID from sbatch --parsable
// output ("123" or "123;cluster").
func parseSbatchOutput(out string) (string, error) {
	out = strings.TrimSpace(out)
	if i := strings.IndexByte(out, ';'); i >= 0 {
		out = out[:i]
	}
	if _, err := strconv.ParseInt(out, 10, 64); err != nil {
		return "", fmt.Errorf("unexpected sbatch output: %q", out)
	}
	return out, nil
}

// Status implements Scheduler.
func (s *Slurm) Status(ctx context.Context, externalID string) (State, error) {
	// squeue covers pending and running arrays.
	out, err := exec.CommandContext(ctx, "squeue", "-h", "-j", externalID, "-o", "%T").Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		return reduceSlurmStates(string(out)), nil
	}
	// Finished arrays are only visible in accounting.
	out, err = exec.CommandContext(ctx, "sacct", "-n", "-X", "-j", externalID, "-o", "State").Output()
	if err != nil {
		return "", fmt.Errorf("sacct failed: %w", err)
	}
	if strings.TrimSpace(string(out)) == "" {
		return "", fmt.Errorf("unknown scheduler job: %s", externalID)
	}
	return reduceSlurmStates(string(out)), nil
}

// reduceSlurmStates folds the per-array-element states into one State.
// Any running element means RUNNING; any failure means FAILED; all
// completed means DONE.
func reduceSlurmStates(out string) State {
	var pending, running, failed, done int
	for _, line := range strings.Split(out, "\n") {
		raw := strings.TrimSpace(line)
		if raw == "" {
			continue
		}
		// sacct may append a reason, e.g. "CANCELLED by 0".
		switch word := strings.Fields(raw)[0]; word {
		case "PENDING", "CONFIGURING", "REQUEUED", "SUSPENDED":
			pending++
		case "RUNNING", "COMPLETING":
			running++
		case "COMPLETED":
			done++
		default:
			// FAILED, CANCELLED, TIMEOUT, OUT_OF_MEMORY, NODE_FAIL, ...
			failed++
		}
	}
	switch {
	case running > 0:
		return StateRunning
	case pending > 0:
		return StatePending
	case failed > 0:
		return StateFailed
	default:
		return StateDone
	}
}
