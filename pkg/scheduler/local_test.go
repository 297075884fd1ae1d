package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLocalRunsArray(t *testing.T) {
	local := &Local{
		Log:      zaptest.NewLogger(t),
		Binary:   "true",
		Parallel: 2,
	}
	id, err := local.SubmitArrayJob(context.Background(), ArraySpec{
		JobID:     "j",
		Round:     1,
		ArraySize: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "local-1", id)
	assert.Equal(t, StateDone, waitLocal(t, local, id))
}

func TestLocalReportsFailure(t *testing.T) {
	local := &Local{
		Log:    zaptest.NewLogger(t),
		Binary: "false",
	}
	id, err := local.SubmitArrayJob(context.Background(), ArraySpec{
		JobID:     "j",
		Round:     1,
		ArraySize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, waitLocal(t, local, id))
}

func TestLocalStatusUnknown(t *testing.T) {
	local := &Local{Log: zaptest.NewLogger(t), Binary: "true"}
	_, err := local.Status(context.Background(), "local-404")
	assert.Error(t, err)
}

func TestMaxParallel(t *testing.T) {
	assert.Equal(t, 4, maxParallel(0, 4))
	assert.Equal(t, 2, maxParallel(2, 4))
	assert.Equal(t, 4, maxParallel(8, 4))
	assert.Equal(t, 1, maxParallel(0, 0))
}

// waitLocal polls until the array leaves the running state.
func waitLocal(t *testing.T, local *Local, id string) State {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		state, err := local.Status(context.Background(), id)
		require.NoError(t, err)
		if state != StateRunning {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("array did not finish")
	return ""
}
