// Package providers wires the shared components into fx apps backing the
// CLI subcommands. Each subcommand builds its object graph from the same
// Providers list, so two subcommands never disagree on how a store is
// configured.
package providers

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go.drove.dev/drove/pkg/appctx"
	"go.drove.dev/drove/pkg/taskerr"
)

// Log is the global logger, built by the root command before any
// subcommand runs.
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// providers.go
	NewContext,
	// redis.go
	NewRedis,
	// mysql.go
	NewMySQL,
	// stores.go
	NewManifestStore,
	NewStateStore,
	NewRetryQueue,
	NewBlobStore,
	NewScheduler,
	NewLimiter,
	// components.go
	NewCoordinator,
	NewWorker,
	NewPlanner,
	NewAggregator,
}

// NewCmd wraps one-shot invoke functions as a cobra run function. The
// invokes run once with their dependencies injected; the first error
// decides the process exit code.
func NewCmd(invokes ...interface{}) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		app := fx.New(
			fx.Provide(Providers...),
			fx.Supply(cmd),
			fx.Supply(args),
			fx.Supply(Log),
			fx.Logger(zap.NewStdLog(Log)),
			fx.Invoke(invokes...),
		)
		startCtx, cancelStart := context.WithTimeout(context.Background(), app.StartTimeout())
		defer cancelStart()
		if err := app.Start(startCtx); err != nil {
			Log.Error("Command failed", zap.Error(err))
			os.Exit(exitCode(err))
		}
		stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
		defer cancelStop()
		if err := app.Stop(stopCtx); err != nil {
			Log.Error("Shutdown failed", zap.Error(err))
			os.Exit(1)
		}
	}
}

// exitCode maps failure classes to sysexits-style codes, so batch scripts
// can tell a retryable failure from a permanent one.
func exitCode(err error) int {
	var terr *taskerr.Error
	if !errors.As(err, &terr) {
		return 1
	}
	switch terr.Class {
	case taskerr.Transient:
		return 75 // EX_TEMPFAIL
	case taskerr.Infrastructure:
		return 69 // EX_UNAVAILABLE
	case taskerr.CorruptState:
		return 65 // EX_DATAERR
	}
	return 1
}

// NewContext provides a context cancelled on app shutdown or on a
// termination signal, so workers checkpoint inside the scheduler's grace
// period.
func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(appctx.Context())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}
