package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/codeswarm/rush/internal/control"
	"github.com/codeswarm/rush/internal/errors"
	"github.com/codeswarm/rush/internal/gate"
	"github.com/codeswarm/rush/internal/graph"
	"github.com/codeswarm/rush/internal/logging"
	"github.com/codeswarm/rush/internal/state"
	"github.com/codeswarm/rush/internal/supervisor"
	"github.com/codeswarm/rush/internal/tracker"
	"github.com/codeswarm/rush/internal/workspace"
)

// execution bundles the per-run services the level loop and its task
// goroutines share. One execution lives for one Start or Resume invocation.
type execution struct {
	graph  *graph.Graph
	sup    *supervisor.Supervisor
	ws     *workspace.Manager
	gates  *gate.Runner
	events *EventLog
	log    *logging.Logger
	runDir string

	// pause and stop are set by the control watcher goroutine and read at
	// dispatch boundaries. Stop wins when both are set.
	pause atomic.Bool
	stop  atomic.Bool
}

// Start plans a new run from the graph at graphPath and executes it to its
// first resting state: completed, paused, force-stopped, or failed. The run
// ID is returned even when execution ends in an error so the operator can
// inspect and resume the record.
func (c *Coordinator) Start(ctx context.Context, graphPath string) (string, error) {
	g, err := graph.Load(graphPath)
	if err != nil {
		return "", err
	}
	levels, err := graph.PlanLevels(g)
	if err != nil {
		return "", err
	}
	if len(c.cfg.Worker.Command) == 0 {
		return "", errors.Wrap(errors.ErrInvalidInput, "no worker command configured")
	}

	runID := "run-" + uuid.NewString()[:8]
	run := state.NewRun(runID, graphPath, levels)

	log := c.logger.WithRun(runID)
	log.Info("run planned", "graph", graphPath, "tasks", g.TaskCount(), "levels", len(levels))

	// Register every task with the tracker up front. An outage here is not
	// fatal: the local record carries the run and reconciliation catches
	// the tracker up on next contact.
	for _, id := range g.TaskIDs() {
		task := g.TaskByID(id)
		rec := tracker.TaskRecord{
			TaskID: id,
			RunID:  runID,
			Title:  task.Title,
			Status: string(state.TaskPending),
		}
		if err := c.trk.CreateTask(ctx, rec); err != nil {
			log.Warn("tracker task registration failed", "task_id", id, "error", err)
		}
	}

	if err := c.saveLocked(run); err != nil {
		return "", err
	}

	return runID, c.execute(ctx, run, g, false)
}

// Resume reloads a run record, reconciles it against the tracker, resets
// tasks interrupted by a crash, and continues execution from the current
// level. Completed and merged work is never redone.
func (c *Coordinator) Resume(ctx context.Context, runID string) error {
	run, err := c.store.Load(runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return errors.Wrapf(errors.ErrRunTerminal, "run %s is %s", runID, run.Status)
	}

	g, err := graph.Load(run.GraphPath)
	if err != nil {
		return err
	}

	log := c.logger.WithRun(runID)

	// The tracker is authoritative for task status. A crash between a
	// worker finishing and the local save leaves the tracker ahead;
	// reconciliation closes that gap before any dispatch decision.
	records, err := c.trk.ListTasks(ctx, runID)
	if err != nil {
		log.Warn("tracker unreachable, resuming from local record alone", "error", err)
	} else if changed := state.Reconcile(run, records, log); changed > 0 {
		log.Info("reconciled task statuses from tracker", "changed", changed)
	}

	// Tasks caught mid-flight by the crash are returned to the pool. Their
	// workers are gone; the attempt is recorded as an interruption so the
	// retry budget reflects it.
	for id, ts := range run.Tasks {
		switch ts.Status {
		case state.TaskClaimed:
			if err := run.SetTaskStatus(id, state.TaskPending); err != nil {
				return err
			}
			log.Info("claimed task returned to pool", "task_id", id)
		case state.TaskInProgress:
			if err := run.SetTaskStatus(id, state.TaskFailed); err != nil {
				return err
			}
			if err := run.SetTaskStatus(id, state.TaskPending); err != nil {
				return err
			}
			log.Info("interrupted task returned to pool", "task_id", id)
		}
	}

	run.Status = state.RunRunning
	if err := c.saveLocked(run); err != nil {
		return err
	}

	return c.execute(ctx, run, g, true)
}

// execute drives the level loop to the run's next resting state. The caller
// has already persisted the run in status running.
func (c *Coordinator) execute(ctx context.Context, run *state.Run, g *graph.Graph, resumed bool) error {
	runDir := c.store.RunDir(run.ID)

	log := c.logger
	if c.cfg.Logging.Enabled {
		if runLog, err := logging.NewLogger(runDir, c.cfg.Logging.Level); err == nil {
			log = runLog
			defer func() { _ = runLog.Close() }()
		}
	}
	log = log.WithRun(run.ID)

	events, err := OpenEventLog(runDir)
	if err != nil {
		return err
	}
	defer func() { _ = events.Close() }()

	ws := workspace.NewManager(c.cfg.Paths.WorkspaceDir, filepath.Join(runDir, "sandboxes"), log)
	ws.KeepSandboxes(c.cfg.Merge.KeepSandboxes)

	gates := gate.NewRunner(c.cfg.Paths.WorkspaceDir, log)
	gates.RunAll = c.cfg.Gate.RunAll

	sup := supervisor.New(c.launcher, log, supervisor.Options{
		MaxSpawnAttempts: c.cfg.Worker.SpawnMaxAttempts,
		SpawnBackoff:     c.cfg.Worker.SpawnBackoff(),
		MaxSpawnBackoff:  c.cfg.Worker.SpawnBackoffMax(),
		DefaultTimeout:   c.workerTimeout,
	})

	ec := &execution{
		graph:  g,
		sup:    sup,
		ws:     ws,
		gates:  gates,
		events: events,
		log:    log,
		runDir: runDir,
	}

	// A request written before this process started (or moments before a
	// crash) is still pending on disk and must be honored.
	if req, err := control.Check(runDir); err == nil && req != nil {
		ec.apply(*req)
	}

	watcher, err := control.NewWatcher(runDir, c.pollInterval, log)
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		for {
			select {
			case <-watchDone:
				return
			case req := <-watcher.Events():
				ec.apply(req)
			}
		}
	}()

	if resumed {
		events.Append(Event{Type: EventRunResumed, RunID: run.ID, Level: run.CurrentLevel})
		log.Info("run resumed", "level", run.CurrentLevel)
	} else {
		events.Append(Event{Type: EventRunStarted, RunID: run.ID})
		log.Info("run started", "levels", len(run.Levels))
	}

	for idx := run.CurrentLevel; idx < len(run.Levels); idx++ {
		if run.Levels[idx].Status == state.LevelGated {
			continue
		}
		run.CurrentLevel = idx

		if rest, err := c.runLevel(ctx, ec, run, idx); rest || err != nil {
			return err
		}
	}

	run.Status = state.RunCompleted
	run.CurrentLevel = len(run.Levels) - 1
	if err := c.saveLocked(run); err != nil {
		return err
	}
	events.Append(Event{Type: EventRunCompleted, RunID: run.ID})
	log.Info("run completed")
	return nil
}

// runLevel executes one level through dispatch, merge, and gates. It returns
// rest=true when the run reached a resting state (paused or force-stopped)
// and the loop must not continue.
func (c *Coordinator) runLevel(ctx context.Context, ec *execution, run *state.Run, idx int) (rest bool, err error) {
	level := &run.Levels[idx]
	log := ec.log.WithLevel(idx)

	if c.levelNeedsDispatch(run, level) {
		if level.Status == state.LevelNotStarted || level.Status == state.LevelFailed {
			level.Status = state.LevelInProgress
		}
		if err := c.saveLocked(run); err != nil {
			return false, err
		}
		ec.events.Append(Event{Type: EventLevelStarted, RunID: run.ID, Level: idx})
		log.Info("level started", "tasks", len(level.TaskIDs))

		c.dispatch(ctx, ec, run, idx)

		if err := ctx.Err(); err != nil {
			return true, err
		}
	}

	if ec.stop.Load() {
		return true, c.finishForceStop(ec, run)
	}

	if failed := c.failedTasks(run, level); len(failed) > 0 {
		for _, taskID := range failed {
			c.blockDependents(ctx, ec, run, taskID)
		}
		level.Status = state.LevelFailed
		run.Status = state.RunFailed
		if err := c.saveLocked(run); err != nil {
			return true, err
		}
		ec.events.Append(Event{
			Type:    EventLevelFailed,
			RunID:   run.ID,
			Level:   idx,
			Message: fmt.Sprintf("%d task(s) failed", len(failed)),
		})
		log.Error("level failed", "failed_tasks", failed)
		return true, fmt.Errorf("run %s halted at level %d: tasks %v failed", run.ID, idx, failed)
	}

	if ec.pause.Load() {
		run.Status = state.RunPaused
		run.Annotation = pauseNote(ec.runDir)
		if err := c.saveLocked(run); err != nil {
			return true, err
		}
		_ = control.Clear(ec.runDir, control.KindPause)
		ec.events.Append(Event{Type: EventRunPaused, RunID: run.ID, Level: idx})
		log.Info("run paused")
		return true, nil
	}

	if level.Status == state.LevelInProgress {
		level.Status = state.LevelCompleted
		if err := c.saveLocked(run); err != nil {
			return true, err
		}
	}

	return c.mergeAndGate(ctx, ec, run, idx)
}

// mergeAndGate merges a completed level into the shared workspace and runs
// the quality gates. The merge is keyed on unmerged member tasks, not on the
// level status: a resume after a crash re-merges only what is missing, and a
// level that failed its merge re-attempts it, re-raising an ownership
// violation until the offending task is retried. Gates never run against a
// workspace the level's work has not reached.
func (c *Coordinator) mergeAndGate(ctx context.Context, ec *execution, run *state.Run, idx int) (rest bool, err error) {
	level := &run.Levels[idx]
	log := ec.log.WithLevel(idx)

	needsMerge := false
	for _, taskID := range level.TaskIDs {
		if !level.Merged(taskID) {
			needsMerge = true
			break
		}
	}

	if needsMerge {
		save := func() error { return c.saveLocked(run) }
		if err := ec.ws.Merge(run, idx, ec.graph, save); err != nil {
			level.Status = state.LevelFailed
			run.Status = state.RunFailed
			run.Annotation = err.Error()
			if saveErr := c.saveLocked(run); saveErr != nil {
				return true, saveErr
			}
			ec.events.Append(Event{Type: EventLevelFailed, RunID: run.ID, Level: idx, Message: err.Error()})
			log.Error("level merge failed", "error", err)
			return true, err
		}
		if err := c.saveLocked(run); err != nil {
			return true, err
		}
		ec.events.Append(Event{Type: EventLevelMerged, RunID: run.ID, Level: idx})
		log.Info("level merged", "tasks", len(level.MergedTasks))
	}

	commands := make([]string, 0, len(ec.graph.Gates)+len(c.cfg.Gate.ExtraCommands))
	commands = append(commands, ec.graph.Gates...)
	commands = append(commands, c.cfg.Gate.ExtraCommands...)

	if err := ec.gates.Run(ctx, idx, commands); err != nil {
		level.Status = state.LevelFailed
		run.Status = state.RunFailed
		if saveErr := c.saveLocked(run); saveErr != nil {
			return true, saveErr
		}
		ec.events.Append(Event{Type: EventGateFailed, RunID: run.ID, Level: idx, Message: err.Error()})
		log.Error("gate failed", "error", err)
		return true, err
	}

	level.Status = state.LevelGated
	level.GatePassed = true
	if idx+1 < len(run.Levels) {
		run.CurrentLevel = idx + 1
	}
	if err := c.saveLocked(run); err != nil {
		return true, err
	}
	ec.events.Append(Event{Type: EventGatePassed, RunID: run.ID, Level: idx})
	log.Info("level gated")
	return false, nil
}

// levelNeedsDispatch reports whether any member task still needs a worker.
func (c *Coordinator) levelNeedsDispatch(run *state.Run, level *state.Level) bool {
	for _, taskID := range level.TaskIDs {
		if ts := run.Tasks[taskID]; ts != nil && ts.Status == state.TaskPending {
			return true
		}
	}
	return false
}

// failedTasks returns the level's tasks in failed or blocked status, sorted
// by position in the level.
func (c *Coordinator) failedTasks(run *state.Run, level *state.Level) []string {
	var failed []string
	for _, taskID := range level.TaskIDs {
		ts := run.Tasks[taskID]
		if ts != nil && (ts.Status == state.TaskFailed || ts.Status == state.TaskBlocked) {
			failed = append(failed, taskID)
		}
	}
	return failed
}

// dispatch runs every pending task in the level, at most MaxParallel
// concurrently. Pause and stop flags are checked before each launch so no
// new worker starts after a request is observed; in-flight workers finish
// (pause) or are killed afterwards (stop).
func (c *Coordinator) dispatch(ctx context.Context, ec *execution, run *state.Run, idx int) {
	maxParallel := c.cfg.Run.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	level := &run.Levels[idx]
	for _, taskID := range level.TaskIDs {
		c.mu.Lock()
		ts := run.Tasks[taskID]
		pending := ts != nil && ts.Status == state.TaskPending
		c.mu.Unlock()
		if !pending {
			continue
		}
		if ec.stop.Load() || ec.pause.Load() {
			break
		}

		sem <- struct{}{}
		if ec.stop.Load() || ec.pause.Load() {
			<-sem
			break
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			c.runTask(ctx, ec, run, idx, id)
		}(taskID)
	}

	wg.Wait()
}

// runTask drives one task to a terminal status, retrying failed attempts up
// to the configured budget. Each attempt gets a freshly seeded sandbox.
func (c *Coordinator) runTask(ctx context.Context, ec *execution, run *state.Run, idx int, taskID string) {
	log := ec.log.WithLevel(idx).WithTask(taskID)

	task := ec.graph.TaskByID(taskID)
	if task == nil {
		log.Error("task missing from graph, cannot dispatch")
		return
	}
	maxAttempts := c.cfg.Run.MaxTaskRetries + 1

	for {
		if ec.stop.Load() || ec.pause.Load() || ctx.Err() != nil {
			return
		}

		if err := c.transition(run, taskID, state.TaskClaimed); err != nil {
			log.Error("claim failed", "error", err)
			return
		}
		attempt := c.attempts(run, taskID)

		dir, err := ec.ws.Seed(taskID)
		if err != nil {
			log.Error("sandbox seed failed", "error", err)
			if !c.settleFailure(ctx, ec, run, idx, taskID, attempt, maxAttempts,
				"sandbox seed failed: "+err.Error(), log) {
				return
			}
			continue
		}

		spec := supervisor.Spec{
			TaskID:       taskID,
			OwnedFiles:   task.OwnedFiles,
			Instructions: task.Instructions,
			Mode:         supervisor.Mode(c.cfg.Worker.Mode),
			Dir:          dir,
			LogDir:       filepath.Join(ec.runDir, "logs"),
			Command:      c.cfg.Worker.Command,
			Env:          c.workerEnv(),
			Timeout:      c.workerTimeout,
		}

		workerID, err := ec.sup.Spawn(ctx, spec)
		if err != nil {
			log.Error("worker spawn failed", "error", err)
			if !c.settleFailure(ctx, ec, run, idx, taskID, attempt, maxAttempts,
				"worker spawn failed", log) {
				return
			}
			continue
		}

		c.mu.Lock()
		run.Tasks[taskID].WorkerID = workerID
		if err := run.SetTaskStatus(taskID, state.TaskInProgress); err != nil {
			c.mu.Unlock()
			log.Error("start transition failed", "error", err)
			return
		}
		saveErr := c.store.Save(run)
		c.mu.Unlock()
		if saveErr != nil {
			log.Error("persist failed", "error", saveErr)
			return
		}
		c.trackStatus(ctx, run.ID, taskID, state.TaskInProgress, log)
		ec.events.Append(Event{
			Type: EventWorkerSpawned, RunID: run.ID, Level: idx,
			TaskID: taskID, WorkerID: workerID,
		})

		w, err := ec.sup.AwaitTerminal(ctx, workerID, c.workerTimeout)
		if err != nil && !errors.Is(err, errors.ErrWorkerTimeout) {
			// Context cancelled: the worker keeps running and the record
			// keeps in_progress; resume reconciles the outcome.
			log.Warn("wait cancelled, leaving worker running", "worker_id", workerID)
			return
		}

		var reason string
		switch w.Status {
		case supervisor.StatusSucceeded:
			if verr := c.verifyTask(ctx, task, dir, log); verr != nil {
				reason = "verification failed"
			}
		case supervisor.StatusTimedOut:
			reason = fmt.Sprintf("worker timed out after %s", c.workerTimeout)
		case supervisor.StatusKilled:
			reason = "worker killed"
		default:
			reason = fmt.Sprintf("worker exited %d", w.ExitCode)
		}

		if reason == "" {
			c.mu.Lock()
			if err := run.SetTaskStatus(taskID, state.TaskCompleted); err != nil {
				c.mu.Unlock()
				log.Error("complete transition failed", "error", err)
				return
			}
			saveErr := c.store.Save(run)
			c.mu.Unlock()
			if saveErr != nil {
				log.Error("persist failed", "error", saveErr)
				return
			}
			c.trackStatus(ctx, run.ID, taskID, state.TaskCompleted, log)
			ec.events.Append(Event{
				Type: EventTaskCompleted, RunID: run.ID, Level: idx,
				TaskID: taskID, WorkerID: workerID,
			})
			log.Info("task completed", "attempt", attempt)
			return
		}

		if !c.settleFailure(ctx, ec, run, idx, taskID, attempt, maxAttempts, reason, log) {
			return
		}
	}
}

// settleFailure records a failed attempt and decides whether to retry.
// Returns true when the task was reset to pending and the caller should run
// another attempt.
func (c *Coordinator) settleFailure(ctx context.Context, ec *execution, run *state.Run,
	idx int, taskID string, attempt, maxAttempts int, reason string, log *logging.Logger) bool {

	c.mu.Lock()
	if err := run.SetTaskStatus(taskID, state.TaskFailed); err != nil {
		c.mu.Unlock()
		log.Error("fail transition failed", "error", err)
		return false
	}
	run.Tasks[taskID].FailureReason = reason
	saveErr := c.store.Save(run)
	c.mu.Unlock()
	if saveErr != nil {
		log.Error("persist failed", "error", saveErr)
		return false
	}

	c.trackStatus(ctx, run.ID, taskID, state.TaskFailed, log)
	ec.events.Append(Event{
		Type: EventTaskFailed, RunID: run.ID, Level: idx,
		TaskID: taskID, Message: reason,
	})
	log.Warn("task attempt failed", "reason", reason, "attempt", attempt, "max_attempts", maxAttempts)

	if attempt >= maxAttempts || ec.stop.Load() || ec.pause.Load() || ctx.Err() != nil {
		return false
	}

	if err := c.transition(run, taskID, state.TaskPending); err != nil {
		log.Error("retry reset failed", "error", err)
		return false
	}
	c.trackStatus(ctx, run.ID, taskID, state.TaskPending, log)
	ec.events.Append(Event{
		Type: EventTaskRetried, RunID: run.ID, Level: idx,
		TaskID: taskID, Message: reason,
	})
	log.Info("task retrying", "attempt", attempt+1)
	return true
}

// verifyTask runs the task's verification command inside its sandbox.
func (c *Coordinator) verifyTask(ctx context.Context, task *graph.Task, sandboxDir string, log *logging.Logger) error {
	if task.VerifyCommand == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", task.VerifyCommand)
	cmd.Dir = sandboxDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Warn("task verification failed",
			"command", task.VerifyCommand, "output", string(out), "error", err)
		return errors.Wrapf(err, "verify command for %s", task.ID)
	}
	log.Debug("task verification passed", "command", task.VerifyCommand)
	return nil
}

// blockDependents marks every not-yet-run task that transitively depends on
// the failed task as blocked. Completed and already-failed tasks are left
// alone; only pending work becomes unreachable.
func (c *Coordinator) blockDependents(ctx context.Context, ec *execution, run *state.Run, failedTaskID string) {
	log := ec.log.WithTask(failedTaskID)

	// Transitive closure over the dependency relation, rooted at the failed
	// task. The graph is small; a fixpoint pass is simpler than a toposort.
	unreachable := map[string]bool{failedTaskID: true}
	for changed := true; changed; {
		changed = false
		for i := range ec.graph.Tasks {
			task := &ec.graph.Tasks[i]
			if unreachable[task.ID] {
				continue
			}
			for _, dep := range task.DependsOn {
				if unreachable[dep] {
					unreachable[task.ID] = true
					changed = true
					break
				}
			}
		}
	}
	delete(unreachable, failedTaskID)

	for _, taskID := range ec.graph.TaskIDs() {
		if !unreachable[taskID] {
			continue
		}

		c.mu.Lock()
		ts := run.Tasks[taskID]
		if ts == nil || ts.Status != state.TaskPending {
			c.mu.Unlock()
			continue
		}
		if err := run.SetTaskStatus(taskID, state.TaskBlocked); err != nil {
			c.mu.Unlock()
			log.Error("block transition failed", "task_id", taskID, "error", err)
			continue
		}
		ts.BlockedBy = failedTaskID
		_ = c.store.Save(run)
		c.mu.Unlock()

		if err := c.trk.SetBlocked(ctx, run.ID, taskID, failedTaskID); err != nil {
			log.Warn("tracker block update failed", "task_id", taskID, "error", err)
		}
		ec.events.Append(Event{
			Type: EventTaskBlocked, RunID: run.ID,
			TaskID: taskID, Message: "dependency " + failedTaskID + " failed",
		})
		log.Info("task blocked by failed dependency", "task_id", taskID)
	}
}

// finishForceStop kills all live workers and freezes the record.
func (c *Coordinator) finishForceStop(ec *execution, run *state.Run) error {
	ec.sup.KillAll()

	note := "force stopped by operator"
	if req, err := control.Check(ec.runDir); err == nil && req != nil && req.Note != "" {
		note = req.Note
	}

	run.Status = state.RunForceStopped
	run.Annotation = note
	if err := c.saveLocked(run); err != nil {
		return err
	}
	_ = control.Clear(ec.runDir, control.KindStop)
	_ = control.Clear(ec.runDir, control.KindPause)

	ec.events.Append(Event{Type: EventRunForceStopped, RunID: run.ID, Message: note})
	ec.log.Info("run force stopped", "note", note)
	return nil
}

// attempts reads a task's attempt count under the mutex.
func (c *Coordinator) attempts(run *state.Run, taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts := run.Tasks[taskID]; ts != nil {
		return ts.Attempts
	}
	return 0
}

// trackStatus pushes a status change to the tracker, best-effort. Outages
// are logged and absorbed; reconciliation catches the tracker up later.
func (c *Coordinator) trackStatus(ctx context.Context, runID, taskID string, status state.TaskStatus, log *logging.Logger) {
	if err := c.trk.UpdateStatus(ctx, runID, taskID, string(status)); err != nil {
		log.Warn("tracker status update failed", "status", status.String(), "error", err)
	}
}

// apply folds a control request into the execution flags. Stop also kills
// in-flight workers right away; waiting for the dispatch loop to drain would
// mean waiting on the very workers the operator wants dead.
func (e *execution) apply(req control.Request) {
	switch req.Kind {
	case control.KindStop:
		e.stop.Store(true)
		e.sup.KillAll()
	case control.KindPause:
		e.pause.Store(true)
	}
}

// pauseNote reads the pending pause request's note, if any.
func pauseNote(runDir string) string {
	req, err := control.Check(runDir)
	if err != nil || req == nil || req.Kind != control.KindPause {
		return "paused by operator"
	}
	if req.Note != "" {
		return req.Note
	}
	return "paused by operator"
}
