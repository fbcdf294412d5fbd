package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/codeswarm/rush/internal/state"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's levels and tasks",
	Long: `Status renders the run record: overall run state, each level with its
merge and gate progress, and every task with its status, attempts, and
failure reason. With --watch the view refreshes live until the run reaches
a terminal state.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "refresh the view until the run ends")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	coord, err := newCoordinator()
	if err != nil {
		return err
	}

	if statusWatch {
		return watchRun(coord, args[0])
	}

	run, err := coord.Store().Load(args[0])
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), renderRun(run))
	return nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	noteStyle   = lipgloss.NewStyle().Italic(true)

	runStatusColors = map[state.RunStatus]lipgloss.Color{
		state.RunRunning:      lipgloss.Color("12"), // blue
		state.RunPaused:       lipgloss.Color("11"), // yellow
		state.RunCompleted:    lipgloss.Color("10"), // green
		state.RunForceStopped: lipgloss.Color("9"),  // red
		state.RunFailed:       lipgloss.Color("9"),
	}

	taskStatusColors = map[state.TaskStatus]lipgloss.Color{
		state.TaskPending:    lipgloss.Color("8"), // gray
		state.TaskClaimed:    lipgloss.Color("12"),
		state.TaskInProgress: lipgloss.Color("12"),
		state.TaskCompleted:  lipgloss.Color("10"),
		state.TaskFailed:     lipgloss.Color("9"),
		state.TaskBlocked:    lipgloss.Color("11"),
	}
)

func statusDot(ts state.TaskStatus) string {
	color, ok := taskStatusColors[ts]
	if !ok {
		color = lipgloss.Color("8")
	}
	return lipgloss.NewStyle().Foreground(color).Render("●")
}

// renderRun formats the full run record as a level/task tree.
func renderRun(run *state.Run) string {
	var b strings.Builder

	statusStyled := lipgloss.NewStyle().
		Foreground(runStatusColors[run.Status]).
		Bold(true).
		Render(run.Status.String())

	b.WriteString(headerStyle.Render("Run "+run.ID) + "  " + statusStyled + "\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("created %s, updated %s",
		run.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		run.UpdatedAt.Local().Format("15:04:05"))) + "\n")
	if run.Annotation != "" {
		b.WriteString(noteStyle.Render("note: "+run.Annotation) + "\n")
	}
	b.WriteString("\n")

	for i := range run.Levels {
		level := &run.Levels[i]

		marker := " "
		if i == run.CurrentLevel && !run.Status.IsTerminal() {
			marker = ">"
		}
		gate := ""
		if level.GatePassed {
			gate = dimStyle.Render("  gate ✓")
		}
		b.WriteString(fmt.Sprintf("%s level %d  %-13s%s\n", marker, level.Index, level.Status, gate))

		for _, taskID := range level.TaskIDs {
			ts := run.Tasks[taskID]
			if ts == nil {
				continue
			}

			line := fmt.Sprintf("    %s %-20s %-12s", statusDot(ts.Status), taskID, ts.Status)
			if ts.Attempts > 1 {
				line += dimStyle.Render(fmt.Sprintf(" attempts=%d", ts.Attempts))
			}
			if ts.Status == state.TaskCompleted && level.Merged(taskID) {
				line += dimStyle.Render(" merged")
			}
			if ts.BlockedBy != "" {
				line += dimStyle.Render(" blocked_by=" + ts.BlockedBy)
			}
			if ts.FailureReason != "" {
				line += dimStyle.Render(" (" + ts.FailureReason + ")")
			}
			b.WriteString(line + "\n")
		}
	}

	counts := statusSummary(run)
	b.WriteString("\n" + dimStyle.Render(fmt.Sprintf(
		"%d completed / %d failed / %d blocked / %d pending of %d tasks",
		counts[state.TaskCompleted],
		counts[state.TaskFailed],
		counts[state.TaskBlocked],
		counts[state.TaskPending],
		len(run.Tasks))) + "\n")

	return b.String()
}
