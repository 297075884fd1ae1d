// Package worker implements the subcommand run by every scheduler array
// element.
package worker

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go.drove.dev/drove/cmd/providers"
	workerpkg "go.drove.dev/drove/pkg/worker"
)

// Cmd is the worker sub-command.
var Cmd = cobra.Command{
	Use:   "worker",
	Short: "Run one task of a submission round",
	Long: "Resolves this array element's task through the round manifest,\n" +
		"claims it and processes its batch. Meant to be launched by the\n" +
		"scheduler, one process per array index.",
	Args: cobra.NoArgs,
	Run:  providers.NewCmd(providers.StartMetrics, run),
}

func init() {
	flags := Cmd.Flags()
	flags.String("job", "", "Job ID")
	flags.Int("round", 0, "Submission round number")
	flags.Int("index", -1, "Array index within the round")
	_ = Cmd.MarkFlagRequired("job")
	_ = Cmd.MarkFlagRequired("index")
}

func run(
	ctx context.Context,
	cmd *cobra.Command,
	log *zap.Logger,
	w *workerpkg.Worker,
) error {
	flags := cmd.Flags()
	jobID, err := flags.GetString("job")
	if err != nil {
		panic(err)
	}
	round, err := flags.GetInt("round")
	if err != nil {
		panic(err)
	}
	index, err := flags.GetInt("index")
	if err != nil {
		panic(err)
	}

	err = w.Run(ctx, jobID, round, index)
	switch {
	case errors.Is(err, workerpkg.ErrClaimed):
		// Another worker owns the task; nothing for this process to do.
		log.Info("Task owned by another worker, exiting", zap.Error(err))
		return nil
	case errors.Is(err, context.Canceled):
		// Preemption. Progress is checkpointed; a later round resumes.
		log.Warn("Interrupted, progress checkpointed")
		return nil
	}
	return err
}
