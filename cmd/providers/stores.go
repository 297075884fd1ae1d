package providers

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go.drove.dev/drove/pkg/blob"
	"go.drove.dev/drove/pkg/manifest"
	"go.drove.dev/drove/pkg/ratelimit"
	"go.drove.dev/drove/pkg/retryqueue"
	"go.drove.dev/drove/pkg/scheduler"
	"go.drove.dev/drove/pkg/state"
)

// Store config keys.
const (
	ConfManifestTable     = "manifest.table"
	ConfManifestCacheSize = "manifest.cache_size"

	ConfStatePrefix = "state.prefix"

	ConfQueuePrefix = "queue.prefix"

	ConfBlobRoot = "blob.root"

	ConfSchedulerBackend    = "scheduler.backend"
	ConfSchedulerBinary     = "scheduler.binary"
	ConfSchedulerConfigFile = "scheduler.config_file"
	ConfSchedulerParallel   = "scheduler.local_parallel"

	ConfRateLimitLeaseTTL    = "ratelimit.lease_ttl"
	ConfRateLimitSwapRetries = "ratelimit.swap_retries"
)

func init() {
	viper.SetDefault(ConfManifestTable, "manifests")
	viper.SetDefault(ConfManifestCacheSize, 4096)

	viper.SetDefault(ConfStatePrefix, "drove:state:")

	viper.SetDefault(ConfQueuePrefix, "drove:retry")

	viper.SetDefault(ConfBlobRoot, "")

	viper.SetDefault(ConfSchedulerBackend, "slurm")
	viper.SetDefault(ConfSchedulerBinary, "")
	viper.SetDefault(ConfSchedulerConfigFile, "")
	viper.SetDefault(ConfSchedulerParallel, 4)

	viper.SetDefault(ConfRateLimitLeaseTTL, 30*time.Second)
	viper.SetDefault(ConfRateLimitSwapRetries, 16)
}

// NewManifestStore builds the SQL manifest store behind a read cache for
// immutable documents.
func NewManifestStore(ctx context.Context, log *zap.Logger, db *sqlx.DB) (manifest.Store, error) {
	base := &manifest.SQLStore{
		DB:        db,
		TableName: viper.GetString(ConfManifestTable),
	}
	if err := base.CreateTable(ctx); err != nil {
		return nil, fmt.Errorf("create manifest table: %w", err)
	}
	cached, err := manifest.NewCached(base, viper.GetInt(ConfManifestCacheSize))
	if err != nil {
		return nil, err
	}
	log.Info("Manifest store ready",
		zap.String(ConfManifestTable, base.TableName),
		zap.Int(ConfManifestCacheSize, viper.GetInt(ConfManifestCacheSize)))
	return cached, nil
}

// NewStateStore builds the Redis compare-and-swap state store.
func NewStateStore(rd *redis.Client) state.Store {
	return &state.RedisStore{
		Redis:  rd,
		Prefix: viper.GetString(ConfStatePrefix),
	}
}

// NewRetryQueue builds the Redis delayed-delivery queue.
func NewRetryQueue(rd *redis.Client) retryqueue.Queue {
	return &retryqueue.RedisQueue{
		Redis: rd,
		Keys:  retryqueue.KeysForPrefix(viper.GetString(ConfQueuePrefix)),
	}
}

// NewBlobStore builds the object store on the shared filesystem.
func NewBlobStore(log *zap.Logger) (blob.Store, error) {
	root := viper.GetString(ConfBlobRoot)
	if root == "" {
		return nil, fmt.Errorf("missing " + ConfBlobRoot)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	log.Info("Using filesystem object store", zap.String(ConfBlobRoot, root))
	return &blob.FSStore{Root: root}, nil
}

// NewScheduler builds the batch scheduler backend from config.
func NewScheduler(log *zap.Logger) (scheduler.Scheduler, error) {
	binary := viper.GetString(ConfSchedulerBinary)
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own binary: %w", err)
		}
		binary = self
	}
	backend := viper.GetString(ConfSchedulerBackend)
	switch backend {
	case "slurm":
		return &scheduler.Slurm{
			Log:        log.Named("slurm"),
			Binary:     binary,
			ConfigFile: viper.GetString(ConfSchedulerConfigFile),
		}, nil
	case "local":
		return &scheduler.Local{
			Log:        log.Named("local"),
			Binary:     binary,
			ConfigFile: viper.GetString(ConfSchedulerConfigFile),
			Parallel:   viper.GetInt(ConfSchedulerParallel),
		}, nil
	}
	return nil, fmt.Errorf("unknown scheduler backend %q", backend)
}

// NewLimiter builds the distributed token bucket limiter.
func NewLimiter(st state.Store) *ratelimit.Limiter {
	return &ratelimit.Limiter{
		State:          st,
		LeaseTTL:       viper.GetDuration(ConfRateLimitLeaseTTL),
		MaxSwapRetries: viper.GetInt(ConfRateLimitSwapRetries),
	}
}
