package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeswarm/rush/internal/errors"
	"github.com/codeswarm/rush/internal/logging"
)

// Options tunes spawn retry and timeout behavior.
type Options struct {
	// MaxSpawnAttempts is how many launch attempts are made before the
	// spawn surfaces ErrSpawnFailed.
	MaxSpawnAttempts int
	// SpawnBackoff is the delay before the second attempt; it doubles per
	// attempt up to MaxSpawnBackoff.
	SpawnBackoff time.Duration
	// MaxSpawnBackoff caps the backoff growth.
	MaxSpawnBackoff time.Duration
	// DefaultTimeout bounds workers whose spec does not set one.
	DefaultTimeout time.Duration
}

// DefaultOptions returns the supervisor defaults.
func DefaultOptions() Options {
	return Options{
		MaxSpawnAttempts: 3,
		SpawnBackoff:     500 * time.Millisecond,
		MaxSpawnBackoff:  5 * time.Second,
		DefaultTimeout:   30 * time.Minute,
	}
}

// Supervisor spawns and tracks workers. Safe for concurrent use; each
// worker's exit is observed by a dedicated goroutine so Poll never blocks.
type Supervisor struct {
	launcher Launcher
	logger   *logging.Logger
	opts     Options

	mu      sync.Mutex
	workers map[string]*workerEntry
}

type workerEntry struct {
	mu     sync.Mutex
	worker Worker
	handle Handle
	done   chan struct{}
}

// New creates a Supervisor. Panics if launcher is nil: a supervisor without
// a launcher is a programming error, not a runtime condition.
func New(launcher Launcher, logger *logging.Logger, opts Options) *Supervisor {
	if launcher == nil {
		panic("supervisor: launcher is required")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if opts.MaxSpawnAttempts <= 0 {
		opts.MaxSpawnAttempts = DefaultOptions().MaxSpawnAttempts
	}
	if opts.SpawnBackoff <= 0 {
		opts.SpawnBackoff = DefaultOptions().SpawnBackoff
	}
	if opts.MaxSpawnBackoff <= 0 {
		opts.MaxSpawnBackoff = DefaultOptions().MaxSpawnBackoff
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultOptions().DefaultTimeout
	}
	return &Supervisor{
		launcher: launcher,
		logger:   logger,
		opts:     opts,
		workers:  make(map[string]*workerEntry),
	}
}

// Spawn launches a worker for the spec and returns its ID without waiting
// for the worker to finish. Launch failures are retried with capped
// exponential backoff; when every attempt fails, the returned error wraps
// ErrSpawnFailed.
//
// The worker's environment is built exclusively from the spec. Only the
// names of allow-listed variables are logged, never their values.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (string, error) {
	if spec.TaskID == "" {
		return "", errors.Wrap(errors.ErrInvalidInput, "spawn spec needs a task id")
	}
	if !spec.Mode.Valid() {
		return "", errors.Wrapf(errors.ErrInvalidInput, "unknown worker mode %q", spec.Mode)
	}

	workerID := "w-" + uuid.NewString()[:8]
	log := s.logger.WithWorker(workerID).WithTask(spec.TaskID)

	log.Info("spawning worker",
		"mode", spec.Mode.String(),
		"dir", spec.Dir,
		"owned_files", len(spec.OwnedFiles),
		"env_allowlist", envKeys(spec.Env))

	var handle Handle
	var lastErr error
	backoff := s.opts.SpawnBackoff

	for attempt := 1; attempt <= s.opts.MaxSpawnAttempts; attempt++ {
		if attempt > 1 {
			log.Warn("retrying worker launch", "attempt", attempt, "backoff", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", errors.NewWorkerError("launch cancelled", ctx.Err()).
					WithWorkerID(workerID).WithTaskID(spec.TaskID)
			}
			backoff *= 2
			if backoff > s.opts.MaxSpawnBackoff {
				backoff = s.opts.MaxSpawnBackoff
			}
		}

		h, err := s.launcher.Launch(ctx, workerID, spec)
		if err == nil {
			handle = h
			break
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			break
		}
	}

	if handle == nil {
		log.Error("worker launch gave up", "error", lastErr)
		return "", errors.NewWorkerError("all launch attempts failed", errors.ErrSpawnFailed).
			WithWorkerID(workerID).WithTaskID(spec.TaskID)
	}

	entry := &workerEntry{
		worker: Worker{
			ID:        workerID,
			TaskID:    spec.TaskID,
			Mode:      spec.Mode,
			Status:    StatusRunning,
			ExitCode:  -1,
			StartedAt: time.Now().UTC(),
		},
		handle: handle,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.workers[workerID] = entry
	s.mu.Unlock()

	go s.observe(entry, log)

	return workerID, nil
}

// observe waits for the worker to exit and records its terminal status,
// unless Kill or a timeout got there first.
func (s *Supervisor) observe(entry *workerEntry, log *logging.Logger) {
	code, err := entry.handle.Wait()

	entry.mu.Lock()
	if !entry.worker.Status.IsTerminal() {
		now := time.Now().UTC()
		entry.worker.FinishedAt = &now
		entry.worker.ExitCode = code
		switch {
		case err != nil:
			entry.worker.Status = StatusFailed
		case code == 0:
			entry.worker.Status = StatusSucceeded
		default:
			entry.worker.Status = StatusFailed
		}
	}
	status := entry.worker.Status
	entry.mu.Unlock()

	close(entry.done)
	log.Info("worker exited", "status", status.String(), "exit_code", code)
}

// Poll returns a snapshot of the worker's current state.
func (s *Supervisor) Poll(workerID string) (Worker, error) {
	entry, err := s.entry(workerID)
	if err != nil {
		return Worker{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.worker, nil
}

// AwaitTerminal blocks until the worker reaches a terminal status or the
// timeout elapses. On timeout the worker is killed, marked timed_out, and a
// retryable TimeoutError is returned. Context cancellation returns the
// context error and leaves the worker running.
func (s *Supervisor) AwaitTerminal(ctx context.Context, workerID string, timeout time.Duration) (Worker, error) {
	entry, err := s.entry(workerID)
	if err != nil {
		return Worker{}, err
	}
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-entry.done:
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return entry.worker, nil

	case <-timer.C:
		s.markTerminal(entry, StatusTimedOut)
		_ = entry.handle.Kill()
		<-entry.done

		entry.mu.Lock()
		w := entry.worker
		entry.mu.Unlock()

		s.logger.WithWorker(workerID).WithTask(w.TaskID).
			Warn("worker timed out", "timeout", timeout.String())
		return w, errors.NewTimeoutError("worker "+workerID, timeout)

	case <-ctx.Done():
		return Worker{}, ctx.Err()
	}
}

// Kill forcibly terminates the worker. Idempotent: killing a finished or
// already-killed worker is a no-op.
func (s *Supervisor) Kill(workerID string) error {
	entry, err := s.entry(workerID)
	if err != nil {
		return err
	}
	s.markTerminal(entry, StatusKilled)
	return entry.handle.Kill()
}

// KillAll terminates every worker that is not yet terminal. Used by force
// stop.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Kill(id)
	}
}

// markTerminal sets a terminal status if the worker has not already reached
// one. First terminal status wins: a kill racing a natural exit never
// overwrites succeeded/failed.
func (s *Supervisor) markTerminal(entry *workerEntry, status Status) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.worker.Status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	entry.worker.Status = status
	entry.worker.FinishedAt = &now
}

func (s *Supervisor) entry(workerID string) (*workerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.workers[workerID]
	if !ok {
		return nil, errors.NewWorkerError("unknown worker", errors.ErrInvalidInput).
			WithWorkerID(workerID)
	}
	return entry, nil
}
