// Package orchestrator drives runs: it plans levels, dispatches workers,
// merges completed levels, runs quality gates, and keeps the durable run
// record and the external tracker in sync.
//
// The coordinator is a level-ordered state machine. Level N must be merged
// and gated before any level N+1 worker is dispatched; within a level,
// dispatch is bounded by a parallelism semaphore. Every meaningful
// transition is persisted before the loop moves on, so a crash at any point
// resumes without losing completed work.
package orchestrator

import (
	"os"
	"sync"
	"time"

	"github.com/codeswarm/rush/internal/config"
	"github.com/codeswarm/rush/internal/logging"
	"github.com/codeswarm/rush/internal/state"
	"github.com/codeswarm/rush/internal/supervisor"
	"github.com/codeswarm/rush/internal/tracker"
)

// Coordinator composes the store, tracker, supervisor, workspace manager,
// gate runner, and control watcher for run execution.
type Coordinator struct {
	cfg      *config.Config
	store    *state.Store
	trk      tracker.Tracker
	launcher supervisor.Launcher
	logger   *logging.Logger

	workerTimeout time.Duration
	pollInterval  time.Duration

	// mu serializes run record mutation and persistence across the
	// per-task goroutines.
	mu sync.Mutex
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLauncher overrides the launcher derived from config. Tests inject a
// FakeLauncher here.
func WithLauncher(l supervisor.Launcher) Option {
	return func(c *Coordinator) { c.launcher = l }
}

// WithTracker overrides the tracker derived from config.
func WithTracker(t tracker.Tracker) Option {
	return func(c *Coordinator) { c.trk = t }
}

// WithWorkerTimeout overrides the per-worker timeout from config. The
// config expresses it in minutes; tests need milliseconds.
func WithWorkerTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.workerTimeout = d }
}

// WithControlPollInterval overrides the control watcher's poll fallback.
func WithControlPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

// New creates a Coordinator. Panics if cfg or store is nil.
func New(cfg *config.Config, store *state.Store, logger *logging.Logger, opts ...Option) *Coordinator {
	if cfg == nil {
		panic("orchestrator: config is required")
	}
	if store == nil {
		panic("orchestrator: store is required")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	c := &Coordinator{
		cfg:           cfg,
		store:         store,
		logger:        logger,
		workerTimeout: cfg.Worker.Timeout(),
		pollInterval:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.trk == nil {
		// "memory" is the only provider and the default.
		c.trk = tracker.NewMemory()
	}
	if c.launcher == nil {
		switch cfg.Worker.Mode {
		case "container":
			c.launcher = supervisor.NewContainerLauncher(cfg.Worker.Image)
		default:
			c.launcher = supervisor.NewProcessLauncher()
		}
	}
	return c
}

// Store exposes the run record store for the CLI's read paths.
func (c *Coordinator) Store() *state.Store {
	return c.store
}

// workerEnv copies the allow-listed variables from the orchestrator's
// environment. Unset variables are simply absent; workers must cope.
func (c *Coordinator) workerEnv() map[string]string {
	env := make(map[string]string, len(c.cfg.Worker.EnvAllowlist))
	for _, name := range c.cfg.Worker.EnvAllowlist {
		if value, ok := os.LookupEnv(name); ok {
			env[name] = value
		}
	}
	return env
}

// saveLocked persists the run under the coordinator's mutex.
func (c *Coordinator) saveLocked(run *state.Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Save(run)
}

// transition applies a task status change and persists, under the mutex.
func (c *Coordinator) transition(run *state.Run, taskID string, to state.TaskStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := run.SetTaskStatus(taskID, to); err != nil {
		return err
	}
	return c.store.Save(run)
}
