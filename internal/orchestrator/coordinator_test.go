package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codeswarm/rush/internal/config"
	"github.com/codeswarm/rush/internal/control"
	"github.com/codeswarm/rush/internal/errors"
	"github.com/codeswarm/rush/internal/logging"
	"github.com/codeswarm/rush/internal/state"
	"github.com/codeswarm/rush/internal/supervisor"
	"github.com/codeswarm/rush/internal/tracker"
	"github.com/codeswarm/rush/internal/workspace"
)

// diamondGraph has two independent tasks feeding a third:
// level 0 = {a, b}, level 1 = {c}.
const diamondGraph = `
tasks:
  - id: a
    title: Task A
    owned_files: [a.go]
    depends_on: []
  - id: b
    title: Task B
    owned_files: [b.go]
    depends_on: []
  - id: c
    title: Task C
    owned_files: [c.go]
    depends_on: [a, b]
`

func writeGraph(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write graph: %v", err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.WorkspaceDir = t.TempDir()
	cfg.Paths.RunsDir = t.TempDir()
	cfg.Worker.Command = []string{"worker"}
	cfg.Worker.SpawnMaxAttempts = 2
	cfg.Worker.SpawnBackoffMs = 1
	cfg.Worker.SpawnBackoffMaxMs = 5
	cfg.Run.MaxTaskRetries = 0
	cfg.Logging.Enabled = false
	return cfg
}

func newTestCoordinator(t *testing.T, cfg *config.Config, fake *supervisor.FakeLauncher, mem *tracker.Memory) *Coordinator {
	t.Helper()
	store := state.NewStore(cfg.Paths.RunsDir)
	return New(cfg, store, logging.NopLogger(),
		WithLauncher(fake),
		WithTracker(mem),
		WithWorkerTimeout(5*time.Second),
		WithControlPollInterval(20*time.Millisecond),
	)
}

func launchedTasks(fake *supervisor.FakeLauncher) []string {
	var ids []string
	for _, spec := range fake.Launched() {
		ids = append(ids, spec.TaskID)
	}
	return ids
}

func countLaunches(fake *supervisor.FakeLauncher, taskID string) int {
	n := 0
	for _, id := range launchedTasks(fake) {
		if id == taskID {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func eventTypes(t *testing.T, c *Coordinator, runID string) []EventType {
	t.Helper()
	events, err := ReadEvents(c.Store().RunDir(runID))
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func hasEvent(types []EventType, want EventType) bool {
	for _, et := range types {
		if et == want {
			return true
		}
	}
	return false
}

func TestStartRunsAllLevelsToCompletion(t *testing.T) {
	cfg := testConfig(t)
	fake := supervisor.NewFakeLauncher()
	mem := tracker.NewMemory()
	c := newTestCoordinator(t, cfg, fake, mem)

	runID, err := c.Start(context.Background(), writeGraph(t, diamondGraph))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	run, err := c.Store().Load(runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if run.Status != state.RunCompleted {
		t.Fatalf("run status = %s, want %s", run.Status, state.RunCompleted)
	}
	for _, id := range []string{"a", "b", "c"} {
		if got := run.Tasks[id].Status; got != state.TaskCompleted {
			t.Errorf("task %s status = %s, want completed", id, got)
		}
	}
	for i, level := range run.Levels {
		if level.Status != state.LevelGated {
			t.Errorf("level %d status = %s, want gated", i, level.Status)
		}
		if !level.GatePassed {
			t.Errorf("level %d gate_passed = false", i)
		}
	}

	// c must not launch before both level-0 tasks finished.
	launched := launchedTasks(fake)
	if len(launched) != 3 || launched[2] != "c" {
		t.Errorf("launch order = %v, want c last", launched)
	}

	rec, err := mem.GetTask(context.Background(), runID, "c")
	if err != nil {
		t.Fatalf("tracker GetTask: %v", err)
	}
	if rec.Status != string(state.TaskCompleted) {
		t.Errorf("tracker status for c = %s, want completed", rec.Status)
	}

	types := eventTypes(t, c, runID)
	for _, want := range []EventType{EventRunStarted, EventLevelStarted, EventWorkerSpawned,
		EventTaskCompleted, EventLevelMerged, EventGatePassed, EventRunCompleted} {
		if !hasEvent(types, want) {
			t.Errorf("event log missing %s", want)
		}
	}
}

func TestWorkerFailureFailsLevelAndBlocksDependents(t *testing.T) {
	cfg := testConfig(t)
	fake := supervisor.NewFakeLauncher()
	fake.Script("a", supervisor.FakeScript{ExitCode: 1})
	mem := tracker.NewMemory()
	c := newTestCoordinator(t, cfg, fake, mem)

	runID, err := c.Start(context.Background(), writeGraph(t, diamondGraph))
	if err == nil {
		t.Fatal("Start succeeded, want level failure")
	}
	if code := errors.ExitCode(err); code != errors.ExitFailure {
		t.Errorf("exit code = %d, want %d", code, errors.ExitFailure)
	}

	run, err := c.Store().Load(runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if run.Status != state.RunFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if got := run.Tasks["a"].Status; got != state.TaskFailed {
		t.Errorf("task a status = %s, want failed", got)
	}
	if !strings.Contains(run.Tasks["a"].FailureReason, "exited 1") {
		t.Errorf("task a failure reason = %q, want exit code mention", run.Tasks["a"].FailureReason)
	}
	if got := run.Tasks["b"].Status; got != state.TaskCompleted {
		t.Errorf("task b status = %s, want completed", got)
	}
	if got := run.Tasks["c"].Status; got != state.TaskBlocked {
		t.Errorf("task c status = %s, want blocked", got)
	}
	if got := run.Tasks["c"].BlockedBy; got != "a" {
		t.Errorf("task c blocked_by = %q, want a", got)
	}
	if run.Levels[0].Status != state.LevelFailed {
		t.Errorf("level 0 status = %s, want failed", run.Levels[0].Status)
	}

	if n := countLaunches(fake, "c"); n != 0 {
		t.Errorf("task c launched %d times despite blocked dependency", n)
	}

	rec, err := mem.GetTask(context.Background(), runID, "c")
	if err != nil {
		t.Fatalf("tracker GetTask: %v", err)
	}
	if rec.Status != "blocked" || rec.BlockedReason != "a" {
		t.Errorf("tracker record for c = %+v, want blocked by a", rec)
	}
}

func TestTimeoutKillsWorkerAndFailsLevel(t *testing.T) {
	cfg := testConfig(t)
	fake := supervisor.NewFakeLauncher()
	fake.Script("a", supervisor.FakeScript{Hang: true})
	mem := tracker.NewMemory()

	store := state.NewStore(cfg.Paths.RunsDir)
	c := New(cfg, store, logging.NopLogger(),
		WithLauncher(fake),
		WithTracker(mem),
		WithWorkerTimeout(50*time.Millisecond),
		WithControlPollInterval(20*time.Millisecond),
	)

	runID, err := c.Start(context.Background(), writeGraph(t, diamondGraph))
	if err == nil {
		t.Fatal("Start succeeded, want timeout failure")
	}

	run, err := c.Store().Load(runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := run.Tasks["a"].Status; got != state.TaskFailed {
		t.Errorf("task a status = %s, want failed", got)
	}
	if !strings.Contains(run.Tasks["a"].FailureReason, "timed out") {
		t.Errorf("task a failure reason = %q, want timeout mention", run.Tasks["a"].FailureReason)
	}
	if n := countLaunches(fake, "c"); n != 0 {
		t.Errorf("task c launched %d times after a level failure", n)
	}
}

func TestFailedTaskIsRetriedUpToBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.MaxTaskRetries = 2
	fake := supervisor.NewFakeLauncher()
	fake.Script("a", supervisor.FakeScript{ExitCode: 1})
	mem := tracker.NewMemory()
	c := newTestCoordinator(t, cfg, fake, mem)

	runID, err := c.Start(context.Background(), writeGraph(t, diamondGraph))
	if err == nil {
		t.Fatal("Start succeeded, want failure after retries")
	}

	run, err := c.Store().Load(runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := run.Tasks["a"].Attempts; got != 3 {
		t.Errorf("task a attempts = %d, want 3 (initial + 2 retries)", got)
	}
	if n := countLaunches(fake, "a"); n != 3 {
		t.Errorf("task a launched %d times, want 3", n)
	}

	types := eventTypes(t, c, runID)
	if !hasEvent(types, EventTaskRetried) {
		t.Error("event log missing task_retried")
	}
}

func TestSpawnFailureRetriesThenLaunches(t *testing.T) {
	cfg := testConfig(t)
	fake := supervisor.NewFakeLauncher()
	fake.Script("a", supervisor.FakeScript{LaunchFailures: 1})
	mem := tracker.NewMemory()
	c := newTestCoordinator(t, cfg, fake, mem)

	runID, err := c.Start(context.Background(), writeGraph(t, diamondGraph))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	run, err := c.Store().Load(runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if run.Status != state.RunCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
	if n := countLaunches(fake, "a"); n != 2 {
		t.Errorf("task a saw %d launch attempts, want 2 (one failure, one success)", n)
	}
}

func TestForceStopKillsWorkersAndPreservesGatedLevels(t *testing.T) {
	cfg := testConfig(t)
	fake := supervisor.NewFakeLauncher()
	fake.Script("c", supervisor.FakeScript{Hang: true})
	mem := tracker.NewMemory()
	c := newTestCoordinator(t, cfg, fake, mem)

	type result struct {
		runID string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		runID, err := c.Start(context.Background(), writeGraph(t, diamondGraph))
		done <- result{runID, err}
	}()

	// Level 0 completes, then c hangs. Stop the run while c is in flight.
	waitFor(t, 5*time.Second, "task c to launch", func() bool {
		return countLaunches(fake, "c") == 1
	})

	ids, err := c.Store().List()
	if err != nil || len(ids) != 1 {
		t.Fatalf("List = %v, %v; want one run", ids, err)
	}
	if err := control.Write(c.Store().RunDir(ids[0]), control.Request{
		Kind: control.KindStop,
		Note: "abort the experiment",
	}); err != nil {
		t.Fatalf("write stop request: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Start after force stop: %v", res.err)
	}

	run, err := c.Store().Load(res.runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if run.Status != state.RunForceStopped {
		t.Errorf("run status = %s, want force_stopped", run.Status)
	}
	if run.Annotation != "abort the experiment" {
		t.Errorf("annotation = %q, want the stop note", run.Annotation)
	}

	// Work merged before the stop is preserved.
	if run.Levels[0].Status != state.LevelGated {
		t.Errorf("level 0 status = %s, want gated", run.Levels[0].Status)
	}
	for _, id := range []string{"a", "b"} {
		if got := run.Tasks[id].Status; got != state.TaskCompleted {
			t.Errorf("task %s status = %s, want completed", id, got)
		}
	}
	if got := run.Tasks["c"].Status; got == state.TaskCompleted {
		t.Error("task c completed despite force stop")
	}

	if err := c.Resume(context.Background(), res.runID); !errors.Is(err, errors.ErrRunTerminal) {
		t.Errorf("Resume of force-stopped run = %v, want ErrRunTerminal", err)
	}
}

func TestPauseStopsDispatchAndResumeCompletes(t *testing.T) {
	cfg := testConfig(t)
	fake := supervisor.NewFakeLauncher()
	fake.Script("a", supervisor.FakeScript{Duration: 500 * time.Millisecond})
	fake.Script("b", supervisor.FakeScript{Duration: 500 * time.Millisecond})
	mem := tracker.NewMemory()
	c := newTestCoordinator(t, cfg, fake, mem)

	type result struct {
		runID string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		runID, err := c.Start(context.Background(), writeGraph(t, diamondGraph))
		done <- result{runID, err}
	}()

	waitFor(t, 5*time.Second, "level 0 to launch", func() bool {
		return countLaunches(fake, "a") == 1
	})

	ids, err := c.Store().List()
	if err != nil || len(ids) != 1 {
		t.Fatalf("List = %v, %v; want one run", ids, err)
	}
	if err := control.Write(c.Store().RunDir(ids[0]), control.Request{Kind: control.KindPause}); err != nil {
		t.Fatalf("write pause request: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Start after pause: %v", res.err)
	}

	run, err := c.Store().Load(res.runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if run.Status != state.RunPaused {
		t.Fatalf("run status = %s, want paused", run.Status)
	}
	// In-flight level-0 workers finished; no level-1 worker started.
	for _, id := range []string{"a", "b"} {
		if got := run.Tasks[id].Status; got != state.TaskCompleted {
			t.Errorf("task %s status = %s, want completed", id, got)
		}
	}
	if n := countLaunches(fake, "c"); n != 0 {
		t.Errorf("task c launched %d times while paused", n)
	}

	if err := c.Resume(context.Background(), res.runID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	run, err = c.Store().Load(res.runID)
	if err != nil {
		t.Fatalf("Load after resume: %v", err)
	}
	if run.Status != state.RunCompleted {
		t.Errorf("run status after resume = %s, want completed", run.Status)
	}
	if n := countLaunches(fake, "a"); n != 1 {
		t.Errorf("task a launched %d times, want 1 (completed work never redone)", n)
	}
}

func TestResumeRedispatchesInterruptedTasksOnly(t *testing.T) {
	cfg := testConfig(t)
	graphPath := writeGraph(t, diamondGraph)
	fake := supervisor.NewFakeLauncher()
	mem := tracker.NewMemory()
	c := newTestCoordinator(t, cfg, fake, mem)

	// Simulate a crash: a completed, b was in flight when the process died.
	run := state.NewRun("run-crashed", graphPath, [][]string{{"a", "b"}, {"c"}})
	for _, step := range []state.TaskStatus{state.TaskClaimed, state.TaskInProgress, state.TaskCompleted} {
		if err := run.SetTaskStatus("a", step); err != nil {
			t.Fatalf("set a %s: %v", step, err)
		}
	}
	for _, step := range []state.TaskStatus{state.TaskClaimed, state.TaskInProgress} {
		if err := run.SetTaskStatus("b", step); err != nil {
			t.Fatalf("set b %s: %v", step, err)
		}
	}
	run.Levels[0].Status = state.LevelInProgress
	if err := c.Store().Save(run); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// a's sandbox survived the crash on disk; its merge is still pending.
	ws := workspace.NewManager(cfg.Paths.WorkspaceDir,
		filepath.Join(c.Store().RunDir(run.ID), "sandboxes"), logging.NopLogger())
	if _, err := ws.Seed("a"); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	// The tracker saw the same history the record did before the crash.
	for _, id := range []string{"a", "b", "c"} {
		if err := mem.CreateTask(context.Background(), tracker.TaskRecord{
			RunID: run.ID, TaskID: id,
		}); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	if err := mem.UpdateStatus(context.Background(), run.ID, "a", "completed"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := mem.UpdateStatus(context.Background(), run.ID, "b", "in_progress"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := c.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	loaded, err := c.Store().Load(run.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != state.RunCompleted {
		t.Fatalf("run status = %s, want completed", loaded.Status)
	}
	if n := countLaunches(fake, "a"); n != 0 {
		t.Errorf("task a redispatched %d times, want 0", n)
	}
	if n := countLaunches(fake, "b"); n != 1 {
		t.Errorf("task b dispatched %d times, want 1", n)
	}
	// The interrupted attempt counts against b's history.
	if got := loaded.Tasks["b"].Attempts; got != 2 {
		t.Errorf("task b attempts = %d, want 2", got)
	}
}

func TestResumeTrustsTrackerOverLocalRecord(t *testing.T) {
	cfg := testConfig(t)
	graphPath := writeGraph(t, diamondGraph)
	fake := supervisor.NewFakeLauncher()
	mem := tracker.NewMemory()
	c := newTestCoordinator(t, cfg, fake, mem)

	// The crash hit between b's worker finishing and the local save: the
	// tracker already shows completed while the record still says
	// in_progress.
	run := state.NewRun("run-gap", graphPath, [][]string{{"a", "b"}, {"c"}})
	for _, id := range []string{"a", "b"} {
		for _, step := range []state.TaskStatus{state.TaskClaimed, state.TaskInProgress} {
			if err := run.SetTaskStatus(id, step); err != nil {
				t.Fatalf("set %s %s: %v", id, step, err)
			}
		}
	}
	if err := run.SetTaskStatus("a", state.TaskCompleted); err != nil {
		t.Fatalf("set a completed: %v", err)
	}
	run.Levels[0].Status = state.LevelInProgress
	if err := c.Store().Save(run); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Both workers ran to completion before the crash, so both sandboxes
	// are on disk awaiting merge.
	ws := workspace.NewManager(cfg.Paths.WorkspaceDir,
		filepath.Join(c.Store().RunDir(run.ID), "sandboxes"), logging.NopLogger())
	for _, id := range []string{"a", "b"} {
		if _, err := ws.Seed(id); err != nil {
			t.Fatalf("Seed %s: %v", id, err)
		}
	}

	for _, id := range []string{"a", "b", "c"} {
		if err := mem.CreateTask(context.Background(), tracker.TaskRecord{
			RunID: run.ID, TaskID: id,
		}); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	if err := mem.UpdateStatus(context.Background(), run.ID, "a", "completed"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := mem.UpdateStatus(context.Background(), run.ID, "b", "completed"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := c.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	loaded, err := c.Store().Load(run.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != state.RunCompleted {
		t.Fatalf("run status = %s, want completed", loaded.Status)
	}
	// Neither level-0 task is redispatched: the tracker said both finished.
	for _, id := range []string{"a", "b"} {
		if n := countLaunches(fake, id); n != 0 {
			t.Errorf("task %s redispatched %d times, want 0", id, n)
		}
	}
	if n := countLaunches(fake, "c"); n != 1 {
		t.Errorf("task c dispatched %d times, want 1", n)
	}
}

func TestResumeReraisesMergeOwnershipViolation(t *testing.T) {
	cfg := testConfig(t)
	graphPath := writeGraph(t, diamondGraph)
	fake := supervisor.NewFakeLauncher()
	mem := tracker.NewMemory()
	c := newTestCoordinator(t, cfg, fake, mem)

	// Level 0 finished but its merge failed: a wrote a file it never
	// declared. The record rests failed with nothing merged.
	run := state.NewRun("run-spill", graphPath, [][]string{{"a", "b"}, {"c"}})
	for _, id := range []string{"a", "b"} {
		for _, step := range []state.TaskStatus{state.TaskClaimed, state.TaskInProgress, state.TaskCompleted} {
			if err := run.SetTaskStatus(id, step); err != nil {
				t.Fatalf("set %s %s: %v", id, step, err)
			}
		}
	}
	run.Levels[0].Status = state.LevelFailed
	run.Status = state.RunFailed
	if err := c.Store().Save(run); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ws := workspace.NewManager(cfg.Paths.WorkspaceDir,
		filepath.Join(c.Store().RunDir(run.ID), "sandboxes"), logging.NopLogger())
	for _, id := range []string{"a", "b"} {
		if _, err := ws.Seed(id); err != nil {
			t.Fatalf("Seed %s: %v", id, err)
		}
	}
	undeclared := filepath.Join(ws.SandboxDir("a"), "evil.txt")
	if err := os.WriteFile(undeclared, []byte("not owned by a"), 0644); err != nil {
		t.Fatalf("write undeclared file: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if err := mem.CreateTask(context.Background(), tracker.TaskRecord{
			RunID: run.ID, TaskID: id,
		}); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	for _, id := range []string{"a", "b"} {
		if err := mem.UpdateStatus(context.Background(), run.ID, id, "completed"); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
	}

	// Resume must re-attempt the merge and hit the same violation, never
	// gate a level whose work is absent from the shared workspace.
	err := c.Resume(context.Background(), run.ID)
	if !errors.Is(err, errors.ErrOwnershipViolation) {
		t.Fatalf("Resume = %v, want ErrOwnershipViolation", err)
	}

	loaded, err := c.Store().Load(run.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != state.RunFailed {
		t.Errorf("run status = %s, want failed", loaded.Status)
	}
	if got := loaded.Levels[0].Status; got != state.LevelFailed {
		t.Errorf("level 0 status = %s, want failed", got)
	}
	if loaded.Levels[0].GatePassed {
		t.Error("gate_passed = true for a level that never merged")
	}
	if loaded.Levels[0].Merged("a") {
		t.Error("violating task a recorded as merged")
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.WorkspaceDir, "evil.txt")); !os.IsNotExist(err) {
		t.Error("undeclared file reached the shared workspace")
	}
}

func TestGateFailureHaltsAndRunGatesRecovers(t *testing.T) {
	cfg := testConfig(t)
	marker := "gate-ok"
	cfg.Gate.ExtraCommands = []string{"test -f " + marker}
	fake := supervisor.NewFakeLauncher()
	mem := tracker.NewMemory()
	c := newTestCoordinator(t, cfg, fake, mem)

	singleLevel := `
tasks:
  - id: a
    title: Task A
    owned_files: [a.go]
    depends_on: []
`
	runID, err := c.Start(context.Background(), writeGraph(t, singleLevel))
	if err == nil {
		t.Fatal("Start succeeded, want gate failure")
	}
	if !errors.Is(err, errors.ErrGateFailed) {
		t.Errorf("Start error = %v, want ErrGateFailed", err)
	}

	run, err := c.Store().Load(runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if run.Status != state.RunFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if run.Levels[0].Status != state.LevelFailed {
		t.Errorf("level 0 status = %s, want failed", run.Levels[0].Status)
	}
	// Merged work is not lost to a gate failure.
	if !run.Levels[0].Merged("a") {
		t.Error("task a not recorded as merged")
	}
	if got := run.Tasks["a"].Status; got != state.TaskCompleted {
		t.Errorf("task a status = %s, want completed", got)
	}

	// Fix the workspace out of band and re-run the gates alone.
	if err := os.WriteFile(filepath.Join(cfg.Paths.WorkspaceDir, marker), []byte("ok"), 0644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	if err := c.RunGates(context.Background(), runID); err != nil {
		t.Fatalf("RunGates: %v", err)
	}

	run, err = c.Store().Load(runID)
	if err != nil {
		t.Fatalf("Load after gates: %v", err)
	}
	if run.Levels[0].Status != state.LevelGated || !run.Levels[0].GatePassed {
		t.Errorf("level 0 = %s gate_passed=%v, want gated/true",
			run.Levels[0].Status, run.Levels[0].GatePassed)
	}
	if run.Status != state.RunCompleted {
		t.Errorf("run status = %s, want completed (last level gated)", run.Status)
	}
	if n := countLaunches(fake, "a"); n != 1 {
		t.Errorf("task a launched %d times, want 1 (gates never redispatch)", n)
	}
}

func TestRetryTaskUnblocksDependentsAndResumeFinishes(t *testing.T) {
	cfg := testConfig(t)
	fake := supervisor.NewFakeLauncher()
	fake.Script("a", supervisor.FakeScript{ExitCode: 1})
	mem := tracker.NewMemory()
	c := newTestCoordinator(t, cfg, fake, mem)

	runID, err := c.Start(context.Background(), writeGraph(t, diamondGraph))
	if err == nil {
		t.Fatal("Start succeeded, want level failure")
	}

	// The underlying cause is fixed; the next attempt will succeed.
	fake.Script("a", supervisor.FakeScript{})

	if err := c.RetryTask(context.Background(), runID, "a"); err != nil {
		t.Fatalf("RetryTask: %v", err)
	}

	run, err := c.Store().Load(runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if run.Status != state.RunPaused {
		t.Errorf("run status after retry = %s, want paused", run.Status)
	}
	if got := run.Tasks["a"].Status; got != state.TaskPending {
		t.Errorf("task a status = %s, want pending", got)
	}
	if got := run.Tasks["c"].Status; got != state.TaskPending {
		t.Errorf("task c status = %s, want pending (unblocked with its dependency)", got)
	}
	if got := run.Tasks["a"].Attempts; got != 1 {
		t.Errorf("task a attempts = %d, want 1 (retry keeps the count)", got)
	}

	if err := c.Resume(context.Background(), runID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	run, err = c.Store().Load(runID)
	if err != nil {
		t.Fatalf("Load after resume: %v", err)
	}
	if run.Status != state.RunCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
	if got := run.Tasks["a"].Attempts; got != 2 {
		t.Errorf("task a attempts = %d, want 2", got)
	}
}

func TestRetryTaskRejectsTerminalRuns(t *testing.T) {
	cfg := testConfig(t)
	fake := supervisor.NewFakeLauncher()
	mem := tracker.NewMemory()
	c := newTestCoordinator(t, cfg, fake, mem)

	singleLevel := `
tasks:
  - id: a
    title: Task A
    owned_files: [a.go]
    depends_on: []
  - id: b
    title: Task B
    owned_files: [b.go]
    depends_on: [a]
`
	runID, err := c.Start(context.Background(), writeGraph(t, singleLevel))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Completed run: terminal, nothing to retry.
	if err := c.RetryTask(context.Background(), runID, "a"); !errors.Is(err, errors.ErrRunTerminal) {
		t.Errorf("RetryTask on completed run = %v, want ErrRunTerminal", err)
	}

	if err := c.RetryTask(context.Background(), runID, "nope"); !errors.Is(err, errors.ErrRunTerminal) {
		t.Errorf("RetryTask unknown task on terminal run = %v, want ErrRunTerminal", err)
	}
}

func TestStartSurvivesTrackerOutage(t *testing.T) {
	cfg := testConfig(t)
	fake := supervisor.NewFakeLauncher()
	mem := tracker.NewMemory()
	mem.SetAvailable(false)
	c := newTestCoordinator(t, cfg, fake, mem)

	runID, err := c.Start(context.Background(), writeGraph(t, diamondGraph))
	if err != nil {
		t.Fatalf("Start with tracker outage: %v", err)
	}

	run, err := c.Store().Load(runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if run.Status != state.RunCompleted {
		t.Errorf("run status = %s, want completed (outage is not task failure)", run.Status)
	}
}

func TestStartRejectsBadGraphs(t *testing.T) {
	cfg := testConfig(t)
	c := newTestCoordinator(t, cfg, supervisor.NewFakeLauncher(), tracker.NewMemory())

	cyclic := `
tasks:
  - id: a
    title: A
    owned_files: [a.go]
    depends_on: [b]
  - id: b
    title: B
    owned_files: [b.go]
    depends_on: [a]
`
	_, err := c.Start(context.Background(), writeGraph(t, cyclic))
	if !errors.Is(err, errors.ErrCyclicDependency) {
		t.Errorf("Start with cycle = %v, want ErrCyclicDependency", err)
	}
	if code := errors.ExitCode(err); code != errors.ExitUsage {
		t.Errorf("exit code = %d, want %d", code, errors.ExitUsage)
	}

	_, err = c.Start(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("Start with missing graph file succeeded")
	}
}

func TestResumeUnknownRun(t *testing.T) {
	cfg := testConfig(t)
	c := newTestCoordinator(t, cfg, supervisor.NewFakeLauncher(), tracker.NewMemory())

	err := c.Resume(context.Background(), "run-unknown")
	if !errors.Is(err, errors.ErrRunNotFound) {
		t.Errorf("Resume unknown run = %v, want ErrRunNotFound", err)
	}
	if code := errors.ExitCode(err); code != errors.ExitUsage {
		t.Errorf("exit code = %d, want %d", code, errors.ExitUsage)
	}
}

func TestForceStopFreezesDetachedRun(t *testing.T) {
	cfg := testConfig(t)
	graphPath := writeGraph(t, diamondGraph)
	c := newTestCoordinator(t, cfg, supervisor.NewFakeLauncher(), tracker.NewMemory())

	run := state.NewRun("run-paused", graphPath, [][]string{{"a", "b"}, {"c"}})
	run.Status = state.RunPaused
	if err := c.Store().Save(run); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := c.ForceStop(run.ID, "superseded by a new plan"); err != nil {
		t.Fatalf("ForceStop: %v", err)
	}

	loaded, err := c.Store().Load(run.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != state.RunForceStopped {
		t.Errorf("run status = %s, want force_stopped", loaded.Status)
	}
	if loaded.Annotation != "superseded by a new plan" {
		t.Errorf("annotation = %q, want the note", loaded.Annotation)
	}

	if err := c.ForceStop(run.ID, "again"); !errors.Is(err, errors.ErrRunTerminal) {
		t.Errorf("second ForceStop = %v, want ErrRunTerminal", err)
	}
}

func TestWorkerEnvIsAllowlistOnly(t *testing.T) {
	t.Setenv("RUSH_TEST_TOKEN", "sekrit")
	t.Setenv("RUSH_TEST_NOISE", "should-not-cross")

	cfg := testConfig(t)
	cfg.Worker.EnvAllowlist = []string{"RUSH_TEST_TOKEN"}
	fake := supervisor.NewFakeLauncher()
	c := newTestCoordinator(t, cfg, fake, tracker.NewMemory())

	if _, err := c.Start(context.Background(), writeGraph(t, diamondGraph)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	env := fake.EnvFor("a")
	var sawToken, sawNoise bool
	for _, kv := range env {
		if strings.HasPrefix(kv, "RUSH_TEST_TOKEN=") {
			sawToken = true
		}
		if strings.HasPrefix(kv, "RUSH_TEST_NOISE=") {
			sawNoise = true
		}
	}
	if !sawToken {
		t.Error("allow-listed variable missing from worker env")
	}
	if sawNoise {
		t.Error("non-allow-listed variable crossed the spawn boundary")
	}
}
