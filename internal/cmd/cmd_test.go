package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/codeswarm/rush/internal/state"
)

func TestRootCommandWiring(t *testing.T) {
	if rootCmd == nil {
		t.Fatal("rootCmd is nil")
	}
	if rootCmd.Use != "rush" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "rush")
	}

	expected := []string{"start", "resume", "pause", "stop", "retry", "gate", "status", "runs"}
	registered := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}
	for _, name := range expected {
		if !registered[name] {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestRenderRunShowsLevelsAndFailures(t *testing.T) {
	run := state.NewRun("run-render", "graph.yaml", [][]string{{"a", "b"}, {"c"}})
	for _, step := range []state.TaskStatus{state.TaskClaimed, state.TaskInProgress, state.TaskCompleted} {
		if err := run.SetTaskStatus("a", step); err != nil {
			t.Fatalf("set a %s: %v", step, err)
		}
	}
	for _, step := range []state.TaskStatus{state.TaskClaimed, state.TaskInProgress, state.TaskFailed} {
		if err := run.SetTaskStatus("b", step); err != nil {
			t.Fatalf("set b %s: %v", step, err)
		}
	}
	run.Tasks["b"].FailureReason = "worker exited 1"
	if err := run.SetTaskStatus("c", state.TaskBlocked); err != nil {
		t.Fatalf("set c blocked: %v", err)
	}
	run.Tasks["c"].BlockedBy = "b"
	run.Levels[0].Status = state.LevelFailed
	run.Status = state.RunFailed
	run.Annotation = "needs a retry of b"
	run.CreatedAt = time.Now()
	run.UpdatedAt = time.Now()

	out := renderRun(run)

	for _, want := range []string{
		"run-render",
		"failed",
		"worker exited 1",
		"blocked_by=b",
		"needs a retry of b",
		"level 0",
		"level 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("renderRun output missing %q\n%s", want, out)
		}
	}

	if !strings.Contains(out, "1 completed / 1 failed / 1 blocked / 0 pending of 3 tasks") {
		t.Errorf("renderRun summary line wrong:\n%s", out)
	}
}

func TestStatusSummaryCounts(t *testing.T) {
	run := state.NewRun("run-counts", "graph.yaml", [][]string{{"a", "b", "c"}})
	if err := run.SetTaskStatus("a", state.TaskClaimed); err != nil {
		t.Fatalf("claim a: %v", err)
	}

	counts := statusSummary(run)
	if counts[state.TaskPending] != 2 {
		t.Errorf("pending = %d, want 2", counts[state.TaskPending])
	}
	if counts[state.TaskClaimed] != 1 {
		t.Errorf("claimed = %d, want 1", counts[state.TaskClaimed])
	}
}
