package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codeswarm/rush/internal/errors"
)

// Memory is an in-process Tracker. It is the default when no external
// tracker is configured, and doubles as the test fake: SetAvailable(false)
// makes every method return ErrTrackerUnavailable until toggled back, which
// is how outage behavior is exercised.
//
// Safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	records   map[string]TaskRecord // keyed by runID + "/" + taskID
	available bool
	clock     func() time.Time
}

// NewMemory creates an empty, available in-memory tracker.
func NewMemory() *Memory {
	return &Memory{
		records:   make(map[string]TaskRecord),
		available: true,
		clock:     time.Now,
	}
}

// SetAvailable toggles simulated availability. While unavailable, every
// method returns an error wrapping ErrTrackerUnavailable and mutates nothing.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = ok
}

// SetClock overrides the timestamp source. Test hook.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

func key(runID, taskID string) string {
	return runID + "/" + taskID
}

// CreateTask registers a task in status pending.
func (m *Memory) CreateTask(_ context.Context, rec TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return errors.Wrap(errors.ErrTrackerUnavailable, "create task")
	}
	if rec.RunID == "" || rec.TaskID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "task record needs run_id and task_id")
	}

	k := key(rec.RunID, rec.TaskID)
	if _, exists := m.records[k]; exists {
		return errors.Wrapf(errors.ErrInvalidInput, "task %s already tracked for run %s", rec.TaskID, rec.RunID)
	}

	if rec.Status == "" {
		rec.Status = "pending"
	}
	rec.UpdatedAt = m.clock()
	m.records[k] = rec
	return nil
}

// UpdateStatus records a status change.
func (m *Memory) UpdateStatus(_ context.Context, runID, taskID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return errors.Wrap(errors.ErrTrackerUnavailable, "update status")
	}

	k := key(runID, taskID)
	rec, exists := m.records[k]
	if !exists {
		return errors.Wrapf(errors.ErrTaskNotFound, "run %s task %s", runID, taskID)
	}

	rec.Status = status
	rec.UpdatedAt = m.clock()
	m.records[k] = rec
	return nil
}

// SetBlocked marks a task blocked with a reason.
func (m *Memory) SetBlocked(_ context.Context, runID, taskID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return errors.Wrap(errors.ErrTrackerUnavailable, "set blocked")
	}

	k := key(runID, taskID)
	rec, exists := m.records[k]
	if !exists {
		return errors.Wrapf(errors.ErrTaskNotFound, "run %s task %s", runID, taskID)
	}

	rec.Status = "blocked"
	rec.BlockedReason = reason
	rec.UpdatedAt = m.clock()
	m.records[k] = rec
	return nil
}

// GetTask fetches one task record.
func (m *Memory) GetTask(_ context.Context, runID, taskID string) (TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return TaskRecord{}, errors.Wrap(errors.ErrTrackerUnavailable, "get task")
	}

	rec, exists := m.records[key(runID, taskID)]
	if !exists {
		return TaskRecord{}, errors.Wrapf(errors.ErrTaskNotFound, "run %s task %s", runID, taskID)
	}
	return rec, nil
}

// ListTasks fetches all records for a run, sorted by task ID.
func (m *Memory) ListTasks(_ context.Context, runID string) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return nil, errors.Wrap(errors.ErrTrackerUnavailable, "list tasks")
	}

	prefix := runID + "/"
	var out []TaskRecord
	for k, rec := range m.records {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// String identifies the tracker in logs.
func (m *Memory) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("memory tracker (%d records)", len(m.records))
}

var _ Tracker = (*Memory)(nil)
