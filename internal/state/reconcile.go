package state

import (
	"time"

	"github.com/codeswarm/rush/internal/logging"
	"github.com/codeswarm/rush/internal/tracker"
)

// Reconcile merges the external tracker's view of task statuses into the
// local run record. The tracker is authoritative for task status: where the
// two disagree, the tracker's status is applied, even when the jump skips
// intermediate states (a crash between a worker finishing and the local save
// produces exactly that gap). The local record is authoritative for
// everything the tracker does not carry: worker IDs, attempt counts, and
// timestamps survive reconciliation untouched.
//
// Every disagreement is logged; nothing is silently dropped. External
// records whose status is outside the closed task-status set are logged and
// skipped rather than corrupting the record. Returns the number of task
// statuses changed.
func Reconcile(run *Run, external []tracker.TaskRecord, logger *logging.Logger) int {
	if logger == nil {
		logger = logging.NopLogger()
	}
	log := logger.WithRun(run.ID)

	changed := 0
	for _, rec := range external {
		ts, ok := run.Tasks[rec.TaskID]
		if !ok {
			log.Warn("tracker reports a task the run record does not contain",
				"task_id", rec.TaskID, "tracker_status", rec.Status)
			continue
		}

		extStatus := TaskStatus(rec.Status)
		switch extStatus {
		case TaskPending, TaskClaimed, TaskInProgress, TaskCompleted, TaskFailed, TaskBlocked:
		default:
			log.Warn("tracker reports an unknown task status, skipping",
				"task_id", rec.TaskID, "tracker_status", rec.Status)
			continue
		}

		if ts.Status == extStatus {
			continue
		}

		log.Info("reconciling task status from tracker",
			"task_id", rec.TaskID,
			"local_status", ts.Status.String(),
			"tracker_status", extStatus.String())

		ts.Status = extStatus
		if extStatus == TaskBlocked && rec.BlockedReason != "" {
			ts.BlockedBy = rec.BlockedReason
		}
		if extStatus.IsTerminal() && ts.FinishedAt == nil {
			// The tracker's timestamp is the closest thing we have to
			// when the transition actually happened.
			when := rec.UpdatedAt
			if when.IsZero() {
				when = time.Now().UTC()
			}
			ts.FinishedAt = &when
		}
		changed++
	}

	if changed > 0 {
		run.UpdatedAt = time.Now().UTC()
	}
	return changed
}
