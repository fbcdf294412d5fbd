package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/codeswarm/rush/internal/errors"
)

// ProcessLauncher runs workers as local OS processes attached to a
// pseudo-terminal. Worker tools frequently change behavior when stdout is
// not a tty (disabling interactive output or buffering differently), so the
// worker is given a real pty and its output is captured to a per-worker log
// file in the sandbox.
type ProcessLauncher struct{}

// NewProcessLauncher creates a ProcessLauncher.
func NewProcessLauncher() *ProcessLauncher {
	return &ProcessLauncher{}
}

// Launch starts the worker command in spec.Dir under a pty. The child
// environment is built exclusively from the spec: see buildEnv.
func (l *ProcessLauncher) Launch(ctx context.Context, workerID string, spec Spec) (Handle, error) {
	if len(spec.Command) == 0 {
		return nil, errors.NewWorkerError("no worker command configured", errors.ErrSpawnFailed).
			WithWorkerID(workerID).WithTaskID(spec.TaskID)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewWorkerError("launch cancelled", err).
			WithWorkerID(workerID).WithTaskID(spec.TaskID)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(workerID, spec)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, errors.NewWorkerError("start worker process", err).
			WithWorkerID(workerID).WithTaskID(spec.TaskID).WithRetryable(true)
	}

	h := &processHandle{cmd: cmd, ptmx: ptmx}
	h.captureOutput(logPath(workerID, spec))
	return h, nil
}

// processHandle wraps a running OS process and its pty.
type processHandle struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	copied sync.WaitGroup
	killMu sync.Mutex
	killed bool
}

// captureOutput drains the pty into a log file so worker output survives the
// worker. Drain errors are ignored: the pty read fails with EIO when the
// child exits, which is the normal end of stream on Linux.
func (h *processHandle) captureOutput(path string) {
	h.copied.Add(1)
	go func() {
		defer h.copied.Done()
		defer func() { _ = h.ptmx.Close() }()

		out, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			_, _ = io.Copy(io.Discard, h.ptmx)
			return
		}
		defer func() { _ = out.Close() }()
		_, _ = io.Copy(out, h.ptmx)
	}()
}

// Wait blocks until the process exits and returns its exit code.
func (h *processHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	h.copied.Wait()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// Kill terminates the process. Safe to call repeatedly and after exit.
func (h *processHandle) Kill() error {
	h.killMu.Lock()
	defer h.killMu.Unlock()

	if h.killed || h.cmd.Process == nil {
		return nil
	}
	h.killed = true

	if err := h.cmd.Process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	return nil
}

var _ Launcher = (*ProcessLauncher)(nil)
