package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.drove.dev/drove/pkg/jobdef"
)

func TestParseSbatchOutput(t *testing.T) {
	id, err := parseSbatchOutput("12345\n")
	require.NoError(t, err)
	assert.Equal(t, "12345", id)

	id, err = parseSbatchOutput("12345;cluster0\n")
	require.NoError(t, err)
	assert.Equal(t, "12345", id)

	_, err = parseSbatchOutput("Submitted batch job 12345")
	require.Error(t, err)
}

func TestBuildArgsAndScript(t *testing.T) {
	s := &Slurm{
		Log:        zaptest.NewLogger(t),
		Binary:     "/opt/drove/bin/drove",
		ConfigFile: "/etc/drove.toml",
	}
	spec := ArraySpec{
		JobID:     "demo-20240601-120000-abcd1234",
		Round:     1,
		ArraySize: 20,
		Resources: jobdef.Resources{
			Partition: "short",
			CPUs:      2,
			MemoryGB:  8,
			TimeLimit: "1:00:00",
			Account:   "p32375",
		},
	}
	args := s.buildArgs(spec)
	assert.Contains(t, args, "--parsable")
	assert.Contains(t, args, "--array=0-19")
	assert.Contains(t, args, "--partition=short")
	assert.Contains(t, args, "--cpus-per-task=2")
	assert.Contains(t, args, "--mem=8G")
	assert.Contains(t, args, "--time=1:00:00")
	assert.Contains(t, args, "--account=p32375")

	script := s.buildScript(spec)
	assert.Contains(t, script, "#!/bin/sh\n")
	assert.Contains(t, script, "--config /etc/drove.toml")
	assert.Contains(t, script, "worker --job demo-20240601-120000-abcd1234 --round 1 --index $SLURM_ARRAY_TASK_ID")
}

func TestBuildArgsOmitsEmptyResources(t *testing.T) {
	s := &Slurm{Log: zaptest.NewLogger(t), Binary: "drove"}
	args := s.buildArgs(ArraySpec{JobID: "j", ArraySize: 1})
	assert.Equal(t, []string{"--parsable", "--array=0-0", "--job-name=drove-j-r0"}, args)
}

func TestReduceSlurmStates(t *testing.T) {
	assert.Equal(t, StateRunning, reduceSlurmStates("RUNNING\nCOMPLETED\n"))
	assert.Equal(t, StatePending, reduceSlurmStates("PENDING\nCOMPLETED\n"))
	assert.Equal(t, StateFailed, reduceSlurmStates("COMPLETED\nFAILED\n"))
	assert.Equal(t, StateFailed, reduceSlurmStates("CANCELLED by 0\n"))
	assert.Equal(t, StateDone, reduceSlurmStates("COMPLETED\nCOMPLETED\n"))
}
