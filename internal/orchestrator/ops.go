package orchestrator

import (
	"context"

	"github.com/codeswarm/rush/internal/control"
	"github.com/codeswarm/rush/internal/errors"
	"github.com/codeswarm/rush/internal/gate"
	"github.com/codeswarm/rush/internal/graph"
	"github.com/codeswarm/rush/internal/state"
)

// RequestPause asks a running orchestrator to pause at its next safe
// boundary. The request is a file in the run directory, so it works across
// processes and survives a crash: a pause written moments before a crash is
// honored on resume.
func (c *Coordinator) RequestPause(runID, note string) error {
	run, err := c.store.Load(runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return errors.Wrapf(errors.ErrRunTerminal, "run %s is %s", runID, run.Status)
	}

	if err := control.Write(c.store.RunDir(runID), control.Request{
		Kind: control.KindPause,
		Note: note,
	}); err != nil {
		return err
	}

	c.logger.WithRun(runID).Info("pause requested")
	return nil
}

// ForceStop terminates a run. The stop request tells a live orchestrator to
// kill its workers; the record is also frozen here so the run reads as
// force_stopped even when no orchestrator is attached (it crashed, or the
// operator stops a paused run).
func (c *Coordinator) ForceStop(runID, note string) error {
	run, err := c.store.Load(runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return errors.Wrapf(errors.ErrRunTerminal, "run %s is %s", runID, run.Status)
	}

	runDir := c.store.RunDir(runID)
	if err := control.Write(runDir, control.Request{
		Kind: control.KindStop,
		Note: note,
	}); err != nil {
		return err
	}

	if note == "" {
		note = "force stopped by operator"
	}
	run.Status = state.RunForceStopped
	run.Annotation = note
	if err := c.saveLocked(run); err != nil {
		return err
	}

	if events, err := OpenEventLog(runDir); err == nil {
		events.Append(Event{Type: EventRunForceStopped, RunID: runID, Message: note})
		_ = events.Close()
	}

	c.logger.WithRun(runID).Info("run force stopped", "note", note)
	return nil
}

// RetryTask resets a task so the next resume dispatches it again. Allowed
// for failed tasks, blocked tasks, and completed tasks whose level has not
// merged them yet (the escape hatch after an ownership violation). Tasks
// blocked by the retried task are unblocked with it, and the run moves to
// paused so a single resume picks everything up.
func (c *Coordinator) RetryTask(ctx context.Context, runID, taskID string) error {
	run, err := c.store.Load(runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return errors.Wrapf(errors.ErrRunTerminal, "run %s is %s", runID, run.Status)
	}
	if run.Status == state.RunRunning {
		// An attached orchestrator holds its own copy of the record;
		// editing it underneath would lose the update. Pause first.
		return errors.Wrapf(errors.ErrInvalidInput,
			"run %s is running; pause it before retrying tasks", runID)
	}

	ts, err := run.Task(taskID)
	if err != nil {
		return err
	}

	switch ts.Status {
	case state.TaskFailed, state.TaskBlocked:
		if err := run.SetTaskStatus(taskID, state.TaskPending); err != nil {
			return err
		}

	case state.TaskCompleted:
		level := taskLevel(run, taskID)
		if level == nil {
			return errors.Wrapf(errors.ErrStateCorrupted, "task %q belongs to no level", taskID)
		}
		if level.Merged(taskID) {
			return errors.Wrapf(errors.ErrInvalidInput,
				"task %q is already merged into the shared workspace", taskID)
		}
		// Completed is terminal in the transition table; an explicit
		// operator retry of unmerged work is the one sanctioned bypass.
		resetTask(ts)

	default:
		return errors.Wrapf(errors.ErrInvalidInput,
			"task %q is %s; only failed, blocked, or unmerged completed tasks can be retried",
			taskID, ts.Status)
	}

	log := c.logger.WithRun(runID).WithTask(taskID)

	// Tasks blocked on this one become runnable again.
	for _, id := range levelOrderedTaskIDs(run) {
		other := run.Tasks[id]
		if other.Status == state.TaskBlocked && other.BlockedBy == taskID {
			if err := run.SetTaskStatus(id, state.TaskPending); err != nil {
				return err
			}
			c.trackStatus(ctx, runID, id, state.TaskPending, log)
			log.Info("dependent task unblocked", "task_id", id)
		}
	}

	if level := taskLevel(run, taskID); level != nil && level.Status == state.LevelFailed {
		level.Status = state.LevelInProgress
	}
	if run.Status == state.RunFailed {
		run.Status = state.RunPaused
	}

	if err := c.saveLocked(run); err != nil {
		return err
	}

	c.trackStatus(ctx, runID, taskID, state.TaskPending, log)
	if events, err := OpenEventLog(c.store.RunDir(runID)); err == nil {
		events.Append(Event{Type: EventTaskRetried, RunID: runID, TaskID: taskID,
			Message: "operator retry"})
		_ = events.Close()
	}

	log.Info("task reset for retry", "attempts_so_far", ts.Attempts)
	return nil
}

// RunGates re-invokes the quality gates for the run's current level without
// re-dispatching any worker. Used after a gate failure is fixed out of band:
// the merged workspace is rechecked, and on success the run is ready to
// resume at the next level.
func (c *Coordinator) RunGates(ctx context.Context, runID string) error {
	run, err := c.store.Load(runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return errors.Wrapf(errors.ErrRunTerminal, "run %s is %s", runID, run.Status)
	}
	if run.Status == state.RunRunning {
		return errors.Wrapf(errors.ErrInvalidInput,
			"run %s is running; the attached orchestrator owns its gates", runID)
	}

	idx := run.CurrentLevel
	level, err := run.Level(idx)
	if err != nil {
		return err
	}

	switch level.Status {
	case state.LevelMergePending:
	case state.LevelFailed:
		for _, taskID := range level.TaskIDs {
			if !level.Merged(taskID) {
				return errors.Wrapf(errors.ErrInvalidInput,
					"level %d is failed with unmerged task %q; gates run against merged work",
					idx, taskID)
			}
		}
	default:
		return errors.Wrapf(errors.ErrInvalidInput,
			"level %d is %s; gates run after a merge", idx, level.Status)
	}

	g, err := graph.Load(run.GraphPath)
	if err != nil {
		return err
	}

	runDir := c.store.RunDir(runID)
	log := c.logger.WithRun(runID).WithLevel(idx)
	events, _ := OpenEventLog(runDir)
	defer func() { _ = events.Close() }()

	runner := gate.NewRunner(c.cfg.Paths.WorkspaceDir, c.logger)
	runner.RunAll = c.cfg.Gate.RunAll

	commands := make([]string, 0, len(g.Gates)+len(c.cfg.Gate.ExtraCommands))
	commands = append(commands, g.Gates...)
	commands = append(commands, c.cfg.Gate.ExtraCommands...)

	if err := runner.Run(ctx, idx, commands); err != nil {
		level.Status = state.LevelFailed
		run.Status = state.RunFailed
		if saveErr := c.saveLocked(run); saveErr != nil {
			return saveErr
		}
		events.Append(Event{Type: EventGateFailed, RunID: runID, Level: idx, Message: err.Error()})
		log.Error("gate failed", "error", err)
		return err
	}

	level.Status = state.LevelGated
	level.GatePassed = true

	if idx+1 < len(run.Levels) {
		run.CurrentLevel = idx + 1
		run.Status = state.RunPaused
	} else {
		run.Status = state.RunCompleted
	}
	if err := c.saveLocked(run); err != nil {
		return err
	}

	events.Append(Event{Type: EventGatePassed, RunID: runID, Level: idx})
	if run.Status == state.RunCompleted {
		events.Append(Event{Type: EventRunCompleted, RunID: runID})
		log.Info("level gated, run completed")
	} else {
		log.Info("level gated, resume to continue")
	}
	return nil
}

// taskLevel finds the level containing a task.
func taskLevel(run *state.Run, taskID string) *state.Level {
	for i := range run.Levels {
		for _, id := range run.Levels[i].TaskIDs {
			if id == taskID {
				return &run.Levels[i]
			}
		}
	}
	return nil
}

// resetTask returns a task to pending outside the transition table, keeping
// the attempt count.
func resetTask(ts *state.TaskState) {
	ts.Status = state.TaskPending
	ts.WorkerID = ""
	ts.BlockedBy = ""
	ts.FailureReason = ""
	ts.ClaimedAt = nil
	ts.StartedAt = nil
	ts.FinishedAt = nil
}

// levelOrderedTaskIDs returns the run's task IDs in level-then-declaration
// order, for deterministic iteration over the task map.
func levelOrderedTaskIDs(run *state.Run) []string {
	ids := make([]string, 0, len(run.Tasks))
	for i := range run.Levels {
		ids = append(ids, run.Levels[i].TaskIDs...)
	}
	return ids
}
