package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <run-id> <task-id>",
	Short: "Reset a task for another attempt",
	Long: `Retry returns a failed or blocked task to the pending pool, unblocks any
tasks that were blocked on it, and moves the run to paused so a single
'rush resume' dispatches everything again. A completed task can be retried
only while its level has not merged it yet.`,
	Args: cobra.ExactArgs(2),
	RunE: runRetry,
}

var gateCmd = &cobra.Command{
	Use:   "gate <run-id>",
	Short: "Re-run the current level's quality gates",
	Long: `Gate re-invokes the quality gate commands against the merged shared
workspace without dispatching any worker. Use it after fixing a gate
failure out of band; on success the run is ready to resume at the next
level.`,
	Args: cobra.ExactArgs(1),
	RunE: runGate,
}

func init() {
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(gateCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	coord, err := newCoordinator()
	if err != nil {
		return err
	}

	if err := coord.RetryTask(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "task %s reset; 'rush resume %s' to dispatch\n", args[1], args[0])
	return nil
}

func runGate(cmd *cobra.Command, args []string) error {
	coord, err := newCoordinator()
	if err != nil {
		return err
	}

	if err := coord.RunGates(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "gates passed for %s\n", args[0])
	return nil
}
