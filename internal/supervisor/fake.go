package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/codeswarm/rush/internal/errors"
)

// FakeLauncher is a deterministic in-memory Launcher for tests. Each task ID
// is scripted with an outcome; unscripted tasks succeed immediately.
type FakeLauncher struct {
	mu       sync.Mutex
	scripts  map[string]FakeScript
	launched []Spec
	envSeen  map[string][]string
}

// FakeScript describes what the fake worker for one task should do.
type FakeScript struct {
	// ExitCode is the code the worker exits with.
	ExitCode int
	// Duration is how long the worker "runs" before exiting.
	Duration time.Duration
	// LaunchErr, when set, makes the launch attempt itself fail.
	LaunchErr error
	// LaunchFailures makes the first N launch attempts fail retryably
	// before one succeeds. Exercises spawn retry.
	LaunchFailures int
	// Hang makes the worker never exit until killed. Exercises timeout.
	Hang bool
}

// NewFakeLauncher creates an empty FakeLauncher.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{
		scripts: make(map[string]FakeScript),
		envSeen: make(map[string][]string),
	}
}

// Script sets the outcome for a task ID.
func (f *FakeLauncher) Script(taskID string, s FakeScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[taskID] = s
}

// Launched returns the specs of every launch attempt, in order.
func (f *FakeLauncher) Launched() []Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Spec(nil), f.launched...)
}

// EnvFor returns the full child environment built for the given task's most
// recent launch, so tests can assert the spawn boundary.
func (f *FakeLauncher) EnvFor(taskID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.envSeen[taskID]...)
}

// Launch records the spec and returns a scripted handle.
func (f *FakeLauncher) Launch(_ context.Context, workerID string, spec Spec) (Handle, error) {
	f.mu.Lock()
	f.launched = append(f.launched, spec)
	f.envSeen[spec.TaskID] = buildEnv(workerID, spec)
	script := f.scripts[spec.TaskID]
	if script.LaunchFailures > 0 {
		script.LaunchFailures--
		f.scripts[spec.TaskID] = script
		f.mu.Unlock()
		return nil, errors.NewWorkerError("scripted launch failure", errors.ErrSpawnFailed).
			WithWorkerID(workerID).WithTaskID(spec.TaskID).WithRetryable(true)
	}
	f.mu.Unlock()

	if script.LaunchErr != nil {
		return nil, script.LaunchErr
	}

	h := &fakeHandle{
		exitCode: script.ExitCode,
		duration: script.Duration,
		hang:     script.Hang,
		killed:   make(chan struct{}),
	}
	return h, nil
}

type fakeHandle struct {
	exitCode int
	duration time.Duration
	hang     bool

	killOnce sync.Once
	killed   chan struct{}
}

func (h *fakeHandle) Wait() (int, error) {
	if h.hang {
		<-h.killed
		return -1, nil
	}
	if h.duration > 0 {
		select {
		case <-time.After(h.duration):
		case <-h.killed:
			return -1, nil
		}
	}
	return h.exitCode, nil
}

func (h *fakeHandle) Kill() error {
	h.killOnce.Do(func() { close(h.killed) })
	return nil
}

var _ Launcher = (*FakeLauncher)(nil)
