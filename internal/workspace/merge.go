package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/codeswarm/rush/internal/errors"
	"github.com/codeswarm/rush/internal/graph"
	"github.com/codeswarm/rush/internal/logging"
	"github.com/codeswarm/rush/internal/state"
)

// Merge applies a completed level's sandbox changes to the shared workspace.
//
// Preconditions: every member task is completed. Tasks merge in ascending
// task-ID order. For each task the sandbox is diffed against its baseline;
// any created, modified, or deleted path outside the task's declared
// ownership aborts the merge with an OwnershipError, which is fatal to the
// level. Ownership disjointness makes the per-task merges conflict-free, so
// an abort part-way leaves earlier tasks merged and recorded, never
// half-applied.
//
// Merge is idempotent: tasks recorded in the level's MergedTasks are
// skipped, so re-invoking after a crash or an ownership failure re-merges
// only what is missing. After each task merges, save (when non-nil) persists
// the run record before that task's sandbox is removed, so a crash between
// tasks never strands work that already reached the shared workspace. On
// success the level moves to merge_pending (gates still outstanding); the
// caller persists that final state.
func (m *Manager) Merge(run *state.Run, levelIndex int, g *graph.Graph, save func() error) error {
	level, err := run.Level(levelIndex)
	if err != nil {
		return err
	}

	for _, taskID := range level.TaskIDs {
		ts, err := run.Task(taskID)
		if err != nil {
			return err
		}
		if ts.Status != state.TaskCompleted {
			return errors.Wrapf(errors.ErrInvalidInput,
				"cannot merge level %d: task %q is %s, not completed",
				levelIndex, taskID, ts.Status)
		}
	}

	order := append([]string(nil), level.TaskIDs...)
	sort.Strings(order)

	log := m.logger.WithRun(run.ID).WithLevel(levelIndex)

	for _, taskID := range order {
		if level.Merged(taskID) {
			log.Debug("task already merged, skipping", "task_id", taskID)
			continue
		}

		task := g.TaskByID(taskID)
		if task == nil {
			return errors.Wrapf(errors.ErrTaskNotFound, "task %q not in graph", taskID)
		}

		if err := m.mergeTask(task, log); err != nil {
			return err
		}

		level.MergedTasks = append(level.MergedTasks, taskID)
		if save != nil {
			if err := save(); err != nil {
				return errors.Wrapf(err, "persist merge of %s", taskID)
			}
		}
		if !m.keepSandboxes {
			if err := m.Cleanup(taskID); err != nil {
				log.Warn("sandbox cleanup failed", "task_id", taskID, "error", err)
			}
		}
	}

	level.Status = state.LevelMergePending
	return nil
}

// mergeTask validates one task's changes against its ownership and applies
// them to the shared workspace. Validation runs over the complete change set
// before anything is copied, so a violating task contributes nothing.
func (m *Manager) mergeTask(task *graph.Task, log *logging.Logger) error {
	changes, err := m.Changes(task.ID)
	if err != nil {
		return err
	}

	owned := make(map[string]bool, len(task.OwnedFiles))
	for _, f := range task.OwnedFiles {
		owned[filepath.Clean(f)] = true
	}

	for _, c := range changes {
		if !owned[filepath.Clean(c.Path)] {
			return errors.NewOwnershipError(
				fmt.Sprintf("task %s file %q outside declared ownership", c.Kind, c.Path),
			).WithTaskID(task.ID).WithFile(c.Path)
		}
	}

	sandbox := m.SandboxDir(task.ID)
	for _, c := range changes {
		target := filepath.Join(m.sharedDir, c.Path)
		switch c.Kind {
		case ChangeDeleted:
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "merge delete %s", c.Path)
			}
		default:
			if err := copyFile(filepath.Join(sandbox, c.Path), target); err != nil {
				return errors.Wrapf(err, "merge copy %s", c.Path)
			}
		}
	}

	log.Info("task merged", "task_id", task.ID, "changes", len(changes))
	return nil
}
