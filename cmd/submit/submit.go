// Package submit implements the job submission subcommand.
package submit

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go.drove.dev/drove/cmd/providers"
	"go.drove.dev/drove/pkg/coordinator"
	"go.drove.dev/drove/pkg/job"
	"go.drove.dev/drove/pkg/jobdef"
)

// Cmd is the submit sub-command.
var Cmd = cobra.Command{
	Use:   "submit <definition.toml>",
	Short: "Submit a job",
	Long: "Reads a TOML job definition, partitions its input into batches\n" +
		"and submits the first scheduler round. Re-running with --job-id\n" +
		"finishes an interrupted submission instead of starting over.",
	Args: cobra.ExactArgs(1),
	Run:  providers.NewCmd(run),
}

func init() {
	flags := Cmd.Flags()
	flags.String("job-id", "", "Reuse a fixed job ID (idempotent resubmission)")
	flags.String("input", "", "Override the definition's input_location")
}

func run(
	ctx context.Context,
	cmd *cobra.Command,
	args []string,
	log *zap.Logger,
	coord *coordinator.Coordinator,
) error {
	flags := cmd.Flags()
	jobID, err := flags.GetString("job-id")
	if err != nil {
		panic(err)
	}
	inputPath, err := flags.GetString("input")
	if err != nil {
		panic(err)
	}

	def, err := jobdef.Load(args[0])
	if err != nil {
		return err
	}
	if inputPath == "" {
		inputPath = def.InputLocation
	}
	input, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	var jb *job.Job
	if jobID != "" {
		jb, err = coord.SubmitAs(ctx, def, input, jobID)
	} else {
		jb, err = coord.Submit(ctx, def, input)
	}
	if err != nil {
		return err
	}
	log.Info("Submitted", zap.String("job", jb.ID), zap.Int("batches", jb.TaskCount))
	fmt.Println(jb.ID)
	return nil
}
