package providers

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go.drove.dev/drove/pkg/aggregate"
	"go.drove.dev/drove/pkg/blob"
	"go.drove.dev/drove/pkg/coordinator"
	"go.drove.dev/drove/pkg/manifest"
	"go.drove.dev/drove/pkg/ratelimit"
	"go.drove.dev/drove/pkg/retryplan"
	"go.drove.dev/drove/pkg/retryqueue"
	"go.drove.dev/drove/pkg/scheduler"
	"go.drove.dev/drove/pkg/state"
	"go.drove.dev/drove/pkg/worker"
)

// Component config keys.
const (
	ConfWorkerID            = "worker.id"
	ConfWorkerCheckpointDir = "worker.checkpoint_dir"
	ConfWorkerLeaseTTL      = "worker.lease_ttl"

	ConfQueueVisibility = "queue.visibility"

	ConfAggregateFanIn = "aggregate.fan_in"
)

func init() {
	viper.SetDefault(ConfWorkerID, "")
	viper.SetDefault(ConfWorkerCheckpointDir, "")
	viper.SetDefault(ConfWorkerLeaseTTL, 10*time.Minute)

	viper.SetDefault(ConfQueueVisibility, 5*time.Minute)

	viper.SetDefault(ConfAggregateFanIn, 16)
}

// NewCoordinator builds the job lifecycle coordinator.
func NewCoordinator(
	log *zap.Logger,
	manifests manifest.Store,
	st state.Store,
	blobs blob.Store,
	limiter *ratelimit.Limiter,
	sched scheduler.Scheduler,
) *coordinator.Coordinator {
	return &coordinator.Coordinator{
		Log:       log.Named("coordinator"),
		Manifests: manifests,
		State:     st,
		Blobs:     blobs,
		Limiter:   limiter,
		Scheduler: sched,
	}
}

// NewWorker builds the task executor. The worker ID defaults to
// hostname.pid, which is unique enough across a batch cluster.
func NewWorker(
	log *zap.Logger,
	manifests manifest.Store,
	st state.Store,
	blobs blob.Store,
	limiter *ratelimit.Limiter,
) (*worker.Worker, error) {
	workerID := viper.GetString(ConfWorkerID)
	if workerID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve hostname: %w", err)
		}
		workerID = fmt.Sprintf("%s.%d", host, os.Getpid())
	}
	checkpointDir := viper.GetString(ConfWorkerCheckpointDir)
	if checkpointDir == "" {
		return nil, fmt.Errorf("missing " + ConfWorkerCheckpointDir)
	}
	return &worker.Worker{
		Log:           log.Named("worker"),
		Manifests:     manifests,
		State:         st,
		Blobs:         blobs,
		Limiter:       limiter,
		WorkerID:      workerID,
		CheckpointDir: checkpointDir,
		LeaseTTL:      viper.GetDuration(ConfWorkerLeaseTTL),
	}, nil
}

// NewPlanner builds the retry planner.
func NewPlanner(
	log *zap.Logger,
	manifests manifest.Store,
	queue retryqueue.Queue,
	coord *coordinator.Coordinator,
) *retryplan.Planner {
	return &retryplan.Planner{
		Log:        log.Named("retryplan"),
		Manifests:  manifests,
		Queue:      queue,
		Rounds:     coord,
		Visibility: viper.GetDuration(ConfQueueVisibility),
	}
}

// NewAggregator builds the result aggregator.
func NewAggregator(log *zap.Logger, manifests manifest.Store, blobs blob.Store) *aggregate.Aggregator {
	return &aggregate.Aggregator{
		Log:       log.Named("aggregate"),
		Manifests: manifests,
		Blobs:     blobs,
		FanIn:     viper.GetInt(ConfAggregateFanIn),
	}
}
