// Package tracker defines the seam to the authoritative task-tracking
// service. Task status lives in two places: the external tracker is the
// source of truth, and the local run record (internal/state) is the durable
// cache that keeps a run operable through tracker outages. The Tracker
// interface is intentionally small: create, read, update, block.
//
// Implementations must signal transient outages with
// errors.ErrTrackerUnavailable so callers can fall back to the local record
// and reconcile on next contact instead of failing the run.
package tracker

import (
	"context"
	"time"
)

// TaskRecord is the tracker's view of one task. Status is a plain string in
// the same vocabulary as the run record's task statuses (pending, claimed,
// in_progress, completed, failed, blocked); the tracker does not enforce the
// transition table, it only stores what it is told.
type TaskRecord struct {
	// TaskID is the graph task identifier, shared with the run record.
	TaskID string `json:"task_id"`

	// RunID scopes the record to one run.
	RunID string `json:"run_id"`

	// Title mirrors the graph task title for human consumption.
	Title string `json:"title,omitempty"`

	// Status is the tracker-side task status.
	Status string `json:"status"`

	// BlockedReason is set when the task was marked blocked, naming the
	// failed dependency or the operator note.
	BlockedReason string `json:"blocked_reason,omitempty"`

	// UpdatedAt is the tracker-side timestamp of the last status change.
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker is the external task-tracking service. All methods take a context
// because real implementations cross a process or network boundary.
//
// Any method may return an error wrapping errors.ErrTrackerUnavailable to
// signal a transient outage. Callers must not treat an outage as task
// failure: the local run record carries the run until the tracker returns.
type Tracker interface {
	// CreateTask registers a task with the tracker at run start, in
	// status pending. Creating a task that already exists for the run is
	// an error.
	CreateTask(ctx context.Context, rec TaskRecord) error

	// UpdateStatus records a task status change.
	UpdateStatus(ctx context.Context, runID, taskID, status string) error

	// SetBlocked marks a task blocked with a reason, typically the ID of
	// the dependency that failed.
	SetBlocked(ctx context.Context, runID, taskID, reason string) error

	// GetTask fetches a single task record. Returns an error wrapping
	// errors.ErrTaskNotFound when the tracker has no such task.
	GetTask(ctx context.Context, runID, taskID string) (TaskRecord, error)

	// ListTasks fetches all task records for a run, sorted by task ID.
	ListTasks(ctx context.Context, runID string) ([]TaskRecord, error)
}
