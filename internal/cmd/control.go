package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	pauseNote string
	stopNote  string
)

var pauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Pause a run at its next safe boundary",
	Long: `Pause asks the running orchestrator to stop dispatching new workers.
In-flight workers finish and their results are recorded; the run then rests
in paused status and can be continued with 'rush resume'. The request is
durable: if the orchestrator crashes before observing it, the pause is
honored on resume.`,
	Args: cobra.ExactArgs(1),
	RunE: runPause,
}

var stopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Force-stop a run, killing its workers",
	Long: `Stop terminates a run immediately: in-flight workers are killed and the
run is marked force_stopped, which is terminal. Work from already-merged
levels stays in the shared workspace; sandbox work from killed workers is
discarded.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func init() {
	pauseCmd.Flags().StringVar(&pauseNote, "note", "", "annotation recorded on the run")
	stopCmd.Flags().StringVar(&stopNote, "note", "", "annotation recorded on the run")
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(stopCmd)
}

func runPause(cmd *cobra.Command, args []string) error {
	coord, err := newCoordinator()
	if err != nil {
		return err
	}

	if err := coord.RequestPause(args[0], pauseNote); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pause requested for %s\n", args[0])
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	coord, err := newCoordinator()
	if err != nil {
		return err
	}

	if err := coord.ForceStop(args[0], stopNote); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "force stopped %s\n", args[0])
	return nil
}
