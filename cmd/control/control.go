// Package control implements the job lifecycle subcommands.
package control

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go.drove.dev/drove/cmd/providers"
	"go.drove.dev/drove/pkg/coordinator"
)

// PauseCmd is the pause sub-command.
var PauseCmd = cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause admission of new work for a job",
	Long: "Blocks workers from acquiring rate limiter permits for the job.\n" +
		"Already-running tasks finish their current item and wait.",
	Args: cobra.ExactArgs(1),
	Run:  providers.NewCmd(runPause),
}

// ResumeCmd is the resume sub-command.
var ResumeCmd = cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runResume),
}

// CancelCmd is the cancel sub-command.
var CancelCmd = cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long: "Marks the job cancelled. Workers observe the flag between items\n" +
		"and stop; no further rounds are submitted for the job.",
	Args: cobra.ExactArgs(1),
	Run:  providers.NewCmd(runCancel),
}

// RecoverCmd is the recover sub-command.
var RecoverCmd = cobra.Command{
	Use:   "recover <job-id>",
	Short: "Resubmit tasks stranded without a live worker",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runRecover),
}

func runPause(ctx context.Context, args []string, log *zap.Logger, coord *coordinator.Coordinator) error {
	if err := coord.Pause(ctx, args[0]); err != nil {
		return err
	}
	log.Info("Job paused", zap.String("job", args[0]))
	return nil
}

func runResume(ctx context.Context, args []string, log *zap.Logger, coord *coordinator.Coordinator) error {
	if err := coord.Resume(ctx, args[0]); err != nil {
		return err
	}
	log.Info("Job resumed", zap.String("job", args[0]))
	return nil
}

func runCancel(ctx context.Context, args []string, log *zap.Logger, coord *coordinator.Coordinator) error {
	if err := coord.Cancel(ctx, args[0]); err != nil {
		return err
	}
	log.Info("Job cancelled", zap.String("job", args[0]))
	return nil
}

func runRecover(ctx context.Context, args []string, log *zap.Logger, coord *coordinator.Coordinator) error {
	round, err := coord.Recover(ctx, args[0])
	if err != nil {
		return err
	}
	if round == nil {
		fmt.Println("no stranded tasks")
		return nil
	}
	log.Info("Recovery round submitted",
		zap.String("job", args[0]),
		zap.Int("round", round.Number),
		zap.String("external_id", round.ExternalID),
		zap.Int("tasks", len(round.TaskIDs)))
	fmt.Printf("resubmitted %d tasks in round %d\n", len(round.TaskIDs), round.Number)
	return nil
}
