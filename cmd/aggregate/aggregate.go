// Package aggregate implements the subcommand that merges a finished
// job's task results into the final output object.
package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go.drove.dev/drove/cmd/providers"
	aggpkg "go.drove.dev/drove/pkg/aggregate"
)

// Cmd is the aggregate sub-command.
var Cmd = cobra.Command{
	Use:   "aggregate <job-id>",
	Short: "Merge task results into the job's final output",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(run),
}

func run(
	ctx context.Context,
	args []string,
	log *zap.Logger,
	agg *aggpkg.Aggregator,
) error {
	report, err := agg.Run(ctx, args[0])
	if errors.Is(err, aggpkg.ErrNotFinished) {
		return fmt.Errorf("job %s still has unsettled batches", args[0])
	} else if err != nil {
		return err
	}
	log.Info("Aggregation complete",
		zap.String("job", args[0]),
		zap.Int("results", report.Results),
		zap.Int("excluded", report.Excluded),
		zap.Int("failed_batches", report.FailedBatches),
		zap.Int("levels", report.Levels),
		zap.Int("rows", report.Rows))
	fmt.Printf("merged %d results (%d rows) into %s\n",
		report.Results, report.Rows, report.OutputLocation)
	if report.FailedBatches > 0 {
		fmt.Printf("warning: output excludes %d failed batches\n", report.FailedBatches)
	}
	return nil
}
