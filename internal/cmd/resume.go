package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused, failed, or crashed run",
	Long: `Resume reloads the run record, reconciles task statuses against the
tracker, returns tasks interrupted mid-flight to the pool, and continues
execution from the current level. Completed and merged work is never redone.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	coord, err := newCoordinator()
	if err != nil {
		return err
	}

	if err := coord.Resume(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), args[0])
	return nil
}
