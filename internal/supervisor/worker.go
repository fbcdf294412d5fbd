// Package supervisor manages worker lifecycles: spawn with retry, status
// polling, timeout enforcement, and idempotent kill.
//
// A worker is one external process (or container) bound to exactly one task.
// The supervisor is deliberately ignorant of what the worker does: it
// injects the task binding at the spawn boundary and watches the exit code.
//
// The spawn boundary is also a security boundary. A worker receives exactly
// the task ID, its owned files, an instructions reference, the execution
// mode, and the configured allow-listed environment values. The
// orchestrator's full environment is never passed through, and credential
// values are never written to logs.
package supervisor

import (
	"time"
)

// Mode selects how workers execute.
type Mode string

const (
	// ModeProcess runs workers as local OS processes.
	ModeProcess Mode = "process"
	// ModeContainer runs workers in containers via the docker CLI.
	ModeContainer Mode = "container"
)

// Valid reports whether the mode is a member of the closed set.
func (m Mode) Valid() bool {
	return m == ModeProcess || m == ModeContainer
}

// String returns the mode as a string.
func (m Mode) String() string { return string(m) }

// Status represents the lifecycle state of a worker.
type Status string

const (
	// StatusStarting means the launch attempt is in flight.
	StatusStarting Status = "starting"
	// StatusRunning means the worker process is alive.
	StatusRunning Status = "running"
	// StatusSucceeded means the worker exited zero.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the worker exited non-zero or the launch gave up.
	StatusFailed Status = "failed"
	// StatusTimedOut means the worker exceeded its deadline and was killed.
	StatusTimedOut Status = "timed_out"
	// StatusKilled means the worker was forcibly terminated on request.
	StatusKilled Status = "killed"
)

// IsTerminal returns true once the worker will change state no further.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusKilled:
		return true
	}
	return false
}

// String returns the status as a string.
func (s Status) String() string { return string(s) }

// Worker is the supervisor's record of one worker. Snapshot semantics: the
// struct returned by Poll is a copy and never mutates under the caller.
type Worker struct {
	// ID uniquely identifies the worker across the run.
	ID string `json:"id"`
	// TaskID is the task this worker is bound to.
	TaskID string `json:"task_id"`
	// Mode is how the worker executes.
	Mode Mode `json:"mode"`
	// Status is the worker's lifecycle state.
	Status Status `json:"status"`
	// ExitCode is the worker's exit code, meaningful once terminal.
	// -1 until the worker exits.
	ExitCode int `json:"exit_code"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Spec describes everything a worker is allowed to know. This struct is the
// complete spawn payload: nothing outside it reaches the worker.
type Spec struct {
	// TaskID binds the worker to one task.
	TaskID string
	// OwnedFiles is the task's declared ownership set, passed so the
	// worker knows which paths it may touch.
	OwnedFiles []string
	// Instructions is an opaque reference (path or identifier) to the
	// worker's instructions. The supervisor does not interpret it.
	Instructions string
	// Mode selects process or container execution.
	Mode Mode
	// Dir is the sandbox directory the worker executes in.
	Dir string
	// LogDir is where the worker's output log is written. Kept outside
	// the sandbox so captured output never shows up as an undeclared
	// sandbox change. Empty means alongside the sandbox (Dir).
	LogDir string
	// Command is the worker program and its arguments.
	Command []string
	// Env carries the allow-listed environment values, already filtered
	// by the caller. Keys only ever appear in logs; values never do.
	Env map[string]string
	// Timeout bounds the worker's wall-clock execution. Zero means the
	// supervisor's configured default.
	Timeout time.Duration
}
