package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeswarm/rush/internal/errors"
)

// EventType identifies a run event.
type EventType string

// Run event types, in rough lifecycle order.
const (
	EventRunStarted      EventType = "run_started"
	EventRunResumed      EventType = "run_resumed"
	EventLevelStarted    EventType = "level_started"
	EventWorkerSpawned   EventType = "worker_spawned"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"
	EventTaskRetried     EventType = "task_retried"
	EventTaskBlocked     EventType = "task_blocked"
	EventLevelMerged     EventType = "level_merged"
	EventGatePassed      EventType = "gate_passed"
	EventGateFailed      EventType = "gate_failed"
	EventLevelFailed     EventType = "level_failed"
	EventRunPaused       EventType = "run_paused"
	EventRunCompleted    EventType = "run_completed"
	EventRunForceStopped EventType = "run_force_stopped"
)

// Event is one line in the run's event log.
type Event struct {
	Time     time.Time `json:"time"`
	Type     EventType `json:"type"`
	RunID    string    `json:"run_id"`
	Level    int       `json:"level,omitempty"`
	TaskID   string    `json:"task_id,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// EventLog appends run events to {runDir}/events.jsonl, one JSON object per
// line. The log is append-only history for post-hoc analysis and the status
// view; losing an event is never fatal to the run, so Append swallows write
// errors after logging would be circular.
type EventLog struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenEventLog opens (creating if needed) the event log in runDir.
func OpenEventLog(runDir string) (*EventLog, error) {
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create run directory")
	}
	f, err := os.OpenFile(filepath.Join(runDir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open event log")
	}
	return &EventLog{file: f, enc: json.NewEncoder(f)}, nil
}

// Append writes one event. Best-effort: a full disk must not take the run
// down with it.
func (l *EventLog) Append(ev Event) {
	if l == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.enc.Encode(ev)
}

// Close closes the underlying file.
func (l *EventLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// ReadEvents loads every event recorded for a run directory, oldest first.
// Used by the status view; a missing log means no events yet.
func ReadEvents(runDir string) ([]Event, error) {
	f, err := os.Open(filepath.Join(runDir, "events.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open event log")
	}
	defer func() { _ = f.Close() }()

	var events []Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			// A torn final line from a crash is expected; keep what
			// decoded cleanly.
			break
		}
		events = append(events, ev)
	}
	return events, nil
}
