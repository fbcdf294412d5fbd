// Package state holds the durable run record and its persistence.
//
// A run record is the single crash-safe source of local truth for one run:
// the planned levels, per-task runtime status, merge bookkeeping, and the
// run's own lifecycle status. The record is persisted after every meaningful
// transition so that a process crash never loses more than the in-flight
// instant, and resume can reconstruct the run from disk plus the external
// tracker.
package state

import (
	"fmt"
	"time"

	"github.com/codeswarm/rush/internal/errors"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	// RunRunning means levels are being dispatched.
	RunRunning RunStatus = "running"
	// RunPaused means dispatch stopped at a level boundary; in-flight
	// workers were allowed to finish. Resumable.
	RunPaused RunStatus = "paused"
	// RunCompleted means every level merged and gated. Terminal.
	RunCompleted RunStatus = "completed"
	// RunForceStopped means the operator killed the run; workers were
	// terminated. Terminal.
	RunForceStopped RunStatus = "force_stopped"
	// RunFailed means a level halted (task failures or a gate failure).
	// Resumable after the cause is addressed.
	RunFailed RunStatus = "failed"
)

// IsTerminal returns true when no further operations may act on the run.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunForceStopped
}

// String returns the status as a string.
func (s RunStatus) String() string { return string(s) }

// LevelStatus represents the lifecycle state of one execution level.
type LevelStatus string

const (
	// LevelNotStarted means no task in the level has been dispatched.
	LevelNotStarted LevelStatus = "not_started"
	// LevelInProgress means at least one task has been dispatched.
	LevelInProgress LevelStatus = "in_progress"
	// LevelCompleted means every member task completed; merge may begin.
	LevelCompleted LevelStatus = "completed"
	// LevelMergePending means completed work is being (or has been)
	// merged into the shared workspace but gates have not yet passed.
	LevelMergePending LevelStatus = "merge_pending"
	// LevelGated means the level's merge passed all quality gates. The
	// next level may start.
	LevelGated LevelStatus = "gated"
	// LevelFailed means a member task exhausted retries or the gate
	// failed. The run halts at this level.
	LevelFailed LevelStatus = "failed"
)

// String returns the status as a string.
func (s LevelStatus) String() string { return string(s) }

// TaskStatus represents the runtime state of one task within a run.
type TaskStatus string

const (
	// TaskPending means the task has not been claimed by a worker.
	TaskPending TaskStatus = "pending"
	// TaskClaimed means a worker has been assigned but has not started.
	TaskClaimed TaskStatus = "claimed"
	// TaskInProgress means the worker is executing.
	TaskInProgress TaskStatus = "in_progress"
	// TaskCompleted means the worker succeeded and per-task verification
	// (if any) passed. Terminal.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed means the worker failed, timed out, or verification
	// failed, after retries were exhausted. Terminal.
	TaskFailed TaskStatus = "failed"
	// TaskBlocked means a dependency failed so the task can never run in
	// this attempt. Terminal until an explicit retry resets the chain.
	TaskBlocked TaskStatus = "blocked"
)

// IsTerminal returns true when the task will receive no further transitions
// without an explicit retry.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskBlocked
}

// String returns the status as a string.
func (s TaskStatus) String() string { return string(s) }

// taskTransitions is the closed set of legal task status transitions. A
// retry is modeled as an explicit reset (failed|blocked -> pending) so that
// the transition stays visible in the record's history.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskClaimed, TaskBlocked},
	TaskClaimed:    {TaskInProgress, TaskFailed, TaskPending},
	TaskInProgress: {TaskCompleted, TaskFailed},
	TaskFailed:     {TaskPending},
	TaskBlocked:    {TaskPending},
	TaskCompleted:  {},
}

// CanTransition reports whether from -> to is a legal task status change.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskState is the runtime record for one task. The task's definition
// (ownership, dependencies, instructions) lives in the graph document; only
// state that changes during execution is recorded here.
type TaskState struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`

	// WorkerID identifies the most recent worker bound to this task.
	WorkerID string `json:"worker_id,omitempty"`

	// Attempts counts workers dispatched for this task, including retries.
	Attempts int `json:"attempts"`

	// BlockedBy names the failed dependency when Status is blocked.
	BlockedBy string `json:"blocked_by,omitempty"`

	// FailureReason is a short human-readable cause when Status is failed.
	FailureReason string `json:"failure_reason,omitempty"`

	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Level is the runtime record for one execution level.
type Level struct {
	Index   int         `json:"index"`
	TaskIDs []string    `json:"task_ids"`
	Status  LevelStatus `json:"status"`

	// MergedTasks records which member tasks have had their owned changes
	// merged into the shared workspace. Merge is idempotent because of
	// this list: already-merged tasks are skipped on re-merge.
	MergedTasks []string `json:"merged_tasks,omitempty"`

	// GatePassed is set once every gate command for this level succeeded.
	GatePassed bool `json:"gate_passed"`
}

// Merged reports whether the given task's changes are already in the shared
// workspace.
func (l *Level) Merged(taskID string) bool {
	for _, id := range l.MergedTasks {
		if id == taskID {
			return true
		}
	}
	return false
}

// Run is the full durable record for one run.
type Run struct {
	ID        string    `json:"id"`
	GraphPath string    `json:"graph_path"`
	Status    RunStatus `json:"status"`

	// CurrentLevel is the index of the level being executed (or the level
	// execution will resume at).
	CurrentLevel int `json:"current_level"`

	Levels []Level               `json:"levels"`
	Tasks  map[string]*TaskState `json:"tasks"`

	// Annotation is an optional operator note (set by pause/stop/retry).
	Annotation string `json:"annotation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRun builds a fresh run record from planned levels. Every task starts
// pending; every level starts not_started.
func NewRun(id, graphPath string, levels [][]string) *Run {
	run := &Run{
		ID:        id,
		GraphPath: graphPath,
		Status:    RunRunning,
		Tasks:     make(map[string]*TaskState),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	for i, ids := range levels {
		run.Levels = append(run.Levels, Level{
			Index:   i,
			TaskIDs: append([]string(nil), ids...),
			Status:  LevelNotStarted,
		})
		for _, taskID := range ids {
			run.Tasks[taskID] = &TaskState{TaskID: taskID, Status: TaskPending}
		}
	}
	return run
}

// Task returns the runtime state for a task ID, or an error wrapping
// ErrTaskNotFound.
func (r *Run) Task(taskID string) (*TaskState, error) {
	ts, ok := r.Tasks[taskID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrTaskNotFound, "run %s has no task %q", r.ID, taskID)
	}
	return ts, nil
}

// Level returns the level record at index, or an error for out-of-range.
func (r *Run) Level(index int) (*Level, error) {
	if index < 0 || index >= len(r.Levels) {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "run %s has no level %d", r.ID, index)
	}
	return &r.Levels[index], nil
}

// SetTaskStatus applies a task status transition, enforcing the transition
// table. Timestamps are stamped for claim, start, and terminal transitions.
func (r *Run) SetTaskStatus(taskID string, to TaskStatus) error {
	ts, err := r.Task(taskID)
	if err != nil {
		return err
	}
	if !CanTransition(ts.Status, to) {
		return errors.Wrapf(errors.ErrInvalidInput,
			"illegal task transition %s -> %s for %q", ts.Status, to, taskID)
	}

	now := time.Now().UTC()
	switch to {
	case TaskClaimed:
		ts.ClaimedAt = &now
		ts.Attempts++
	case TaskInProgress:
		ts.StartedAt = &now
	case TaskCompleted, TaskFailed, TaskBlocked:
		ts.FinishedAt = &now
	case TaskPending:
		// Retry reset: scrub per-attempt fields, keep the attempt count.
		ts.WorkerID = ""
		ts.BlockedBy = ""
		ts.FailureReason = ""
		ts.ClaimedAt = nil
		ts.StartedAt = nil
		ts.FinishedAt = nil
	}

	ts.Status = to
	r.UpdatedAt = now
	return nil
}

// Validate checks structural consistency of a loaded record: every level
// task must have a state entry, statuses must belong to their closed sets,
// and the current level must be in range. A record that fails validation is
// corrupted and must never be silently reset.
func (r *Run) Validate() error {
	if r.ID == "" {
		return corrupted("record has no run id")
	}
	switch r.Status {
	case RunRunning, RunPaused, RunCompleted, RunForceStopped, RunFailed:
	default:
		return corrupted(fmt.Sprintf("unknown run status %q", r.Status))
	}
	if len(r.Levels) == 0 {
		return corrupted("record has no levels")
	}
	if r.CurrentLevel < 0 || r.CurrentLevel >= len(r.Levels) {
		return corrupted(fmt.Sprintf("current level %d out of range [0,%d)", r.CurrentLevel, len(r.Levels)))
	}

	for i := range r.Levels {
		level := &r.Levels[i]
		switch level.Status {
		case LevelNotStarted, LevelInProgress, LevelCompleted, LevelMergePending, LevelGated, LevelFailed:
		default:
			return corrupted(fmt.Sprintf("level %d has unknown status %q", i, level.Status))
		}
		for _, taskID := range level.TaskIDs {
			ts, ok := r.Tasks[taskID]
			if !ok {
				return corrupted(fmt.Sprintf("level %d task %q has no state entry", i, taskID))
			}
			switch ts.Status {
			case TaskPending, TaskClaimed, TaskInProgress, TaskCompleted, TaskFailed, TaskBlocked:
			default:
				return corrupted(fmt.Sprintf("task %q has unknown status %q", taskID, ts.Status))
			}
		}
	}
	return nil
}

func corrupted(msg string) error {
	return errors.Wrap(errors.ErrStateCorrupted, msg)
}
