// Package status implements the job status subcommand.
package status

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"go.drove.dev/drove/cmd/providers"
	"go.drove.dev/drove/pkg/coordinator"
	"go.drove.dev/drove/pkg/job"
)

// Cmd is the status sub-command.
var Cmd = cobra.Command{
	Use:   "status <job-id>",
	Short: "Show job progress",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(run),
}

func init() {
	flags := Cmd.Flags()
	flags.Bool("refresh", false, "Recompute the job's counters from task manifests first")
}

func run(
	ctx context.Context,
	cmd *cobra.Command,
	args []string,
	coord *coordinator.Coordinator,
) error {
	refresh, err := cmd.Flags().GetBool("refresh")
	if err != nil {
		panic(err)
	}
	jobID := args[0]
	if refresh {
		if _, err := coord.Refresh(ctx, jobID); err != nil {
			return err
		}
	}
	st, err := coord.Status(ctx, jobID)
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func printStatus(st *coordinator.JobStatus) {
	jb := st.Job
	fmt.Printf("Job:      %s (%s)\n", jb.ID, jb.Name)
	fmt.Printf("Status:   %s\n", describeStatus(st))
	fmt.Printf("Handler:  %s\n", jb.Handler)
	fmt.Printf("Batches:  %d (%.1f%% complete)\n", jb.TaskCount, st.Percent)
	fmt.Printf("Rounds:   %d\n", jb.Rounds)
	if jb.Error != "" {
		fmt.Printf("Error:    %s\n", jb.Error)
	}

	states := make([]string, 0, len(st.BatchCounts))
	for state := range st.BatchCounts {
		states = append(states, string(state))
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Printf("  %-20s %d\n", state, st.BatchCounts[job.TaskStatus(state)])
	}

	if len(st.ErrorClasses) > 0 {
		fmt.Println("Failures by class:")
		classes := make([]string, 0, len(st.ErrorClasses))
		for class := range st.ErrorClasses {
			classes = append(classes, class)
		}
		sort.Strings(classes)
		for _, class := range classes {
			fmt.Printf("  %-20s %d\n", class, st.ErrorClasses[class])
		}
	}
}

// describeStatus annotates COMPLETED with the failure count, so the
// common "done, but some batches gave up" case is visible at a glance.
func describeStatus(st *coordinator.JobStatus) string {
	if st.Job.Status == job.StatusCompleted && st.Job.FailedTasks > 0 {
		return fmt.Sprintf("%s (with %d failed batches)", st.Job.Status, st.Job.FailedTasks)
	}
	return string(st.Job.Status)
}
