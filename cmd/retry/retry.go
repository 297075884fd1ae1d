// Package retry implements the retry planning subcommands, meant to run
// periodically from cron or a scheduler timer.
package retry

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go.drove.dev/drove/cmd/providers"
	"go.drove.dev/drove/pkg/retryplan"
)

// Cmd is the retry sub-command.
var Cmd = cobra.Command{
	Use:   "retry",
	Short: "Plan and dispatch task retries",
}

var planCmd = cobra.Command{
	Use:   "plan <job-id>",
	Short: "Classify a job's failed tasks and queue the retryable ones",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runPlan),
}

var dispatchCmd = cobra.Command{
	Use:   "dispatch",
	Short: "Submit rounds for queued retries that are due",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runDispatch),
}

func init() {
	planCmd.Flags().String("class", "", "Only plan failures of this error class (e.g. TRANSIENT)")
	Cmd.AddCommand(&planCmd, &dispatchCmd)
}

func runPlan(
	ctx context.Context,
	cmd *cobra.Command,
	args []string,
	log *zap.Logger,
	planner *retryplan.Planner,
) error {
	class, err := cmd.Flags().GetString("class")
	if err != nil {
		panic(err)
	}
	report, err := planner.Plan(ctx, args[0], class)
	if err != nil {
		return err
	}
	log.Info("Retry plan complete",
		zap.String("job", args[0]),
		zap.String("class", class),
		zap.Int("queued", report.Queued),
		zap.Int("exhausted", report.Exhausted))
	fmt.Printf("queued %d, exhausted %d\n", report.Queued, report.Exhausted)
	return nil
}

func runDispatch(
	ctx context.Context,
	log *zap.Logger,
	planner *retryplan.Planner,
) error {
	report, err := planner.Dispatch(ctx)
	if err != nil {
		return err
	}
	log.Info("Retry dispatch complete",
		zap.Int("tasks", report.Tasks),
		zap.Int("rounds", report.Rounds))
	fmt.Printf("dispatched %d tasks in %d rounds\n", report.Tasks, report.Rounds)
	return nil
}
