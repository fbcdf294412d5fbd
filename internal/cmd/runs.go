package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codeswarm/rush/internal/state"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List all runs",
	Long:  `List every run recorded under the runs directory, oldest first.`,
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	coord, err := newCoordinator()
	if err != nil {
		return err
	}

	ids, err := coord.Store().List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs")
		return nil
	}

	for _, id := range ids {
		run, err := coord.Store().Load(id)
		if err != nil {
			// A corrupted record is still worth listing; the operator
			// needs to know it exists.
			fmt.Fprintf(cmd.OutOrStdout(), "%s  (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-13s  level %d/%d  %d tasks  %s\n",
			run.ID,
			run.Status,
			run.CurrentLevel+1, len(run.Levels),
			len(run.Tasks),
			run.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		)
		if run.Annotation != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "    note: %s\n", run.Annotation)
		}
	}
	return nil
}

// statusSummary counts tasks by status for compact rendering.
func statusSummary(run *state.Run) map[state.TaskStatus]int {
	counts := make(map[state.TaskStatus]int)
	for _, ts := range run.Tasks {
		counts[ts.Status]++
	}
	return counts
}
