package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var startGraphPath string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Plan and execute a new run",
	Long: `Start plans the task graph into dependency-ordered levels and executes
them. The command blocks until the run reaches a resting state: completed,
paused, force-stopped, or failed. Use 'rush runs' from another terminal to
find the run ID while it executes, and 'rush status --watch' to observe it.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVarP(&startGraphPath, "graph", "g", "", "path to the task graph file (required)")
	_ = startCmd.MarkFlagRequired("graph")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	coord, err := newCoordinator()
	if err != nil {
		return err
	}

	runID, err := coord.Start(cmd.Context(), startGraphPath)
	if runID != "" {
		fmt.Fprintln(cmd.OutOrStdout(), runID)
	}
	return err
}
