package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/codeswarm/rush/internal/errors"
)

// containerWorkDir is where the sandbox is mounted inside the container.
const containerWorkDir = "/work"

// ContainerLauncher runs workers in containers via the docker CLI. The
// sandbox directory is bind-mounted at /work and the container runs with an
// explicit environment: only the task binding and the allow-listed values
// cross the boundary, exactly as in process mode.
type ContainerLauncher struct {
	// Image is the container image workers run in.
	Image string
	// Binary is the container engine CLI, "docker" unless overridden
	// (podman speaks the same verbs).
	Binary string
}

// NewContainerLauncher creates a ContainerLauncher for the given image.
func NewContainerLauncher(image string) *ContainerLauncher {
	return &ContainerLauncher{Image: image, Binary: "docker"}
}

// Launch starts `docker run` for the worker. The docker process's exit code
// mirrors the containerized command's exit code, so Wait/Kill work the same
// as process mode from the supervisor's point of view.
func (l *ContainerLauncher) Launch(ctx context.Context, workerID string, spec Spec) (Handle, error) {
	if l.Image == "" {
		return nil, errors.NewWorkerError("no worker image configured", errors.ErrSpawnFailed).
			WithWorkerID(workerID).WithTaskID(spec.TaskID)
	}
	if len(spec.Command) == 0 {
		return nil, errors.NewWorkerError("no worker command configured", errors.ErrSpawnFailed).
			WithWorkerID(workerID).WithTaskID(spec.TaskID)
	}

	name := "rush-worker-" + workerID

	args := []string{
		"run", "--rm",
		"--name", name,
		"--workdir", containerWorkDir,
		"--volume", spec.Dir + ":" + containerWorkDir,
	}
	for _, kv := range buildEnv(workerID, spec) {
		args = append(args, "--env", kv)
	}
	args = append(args, l.Image)
	args = append(args, spec.Command...)

	cmd := exec.Command(l.binary(), args...)
	// The environment here is the docker CLI's own; the container's
	// environment is set purely by the --env flags above.
	cmd.Env = os.Environ()

	out, err := os.OpenFile(logPath(workerID, spec), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err == nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.NewWorkerError("launch cancelled", err).
			WithWorkerID(workerID).WithTaskID(spec.TaskID)
	}
	if err := cmd.Start(); err != nil {
		if out != nil {
			_ = out.Close()
		}
		return nil, errors.NewWorkerError("start worker container", err).
			WithWorkerID(workerID).WithTaskID(spec.TaskID).WithRetryable(true)
	}

	return &containerHandle{
		cmd:    cmd,
		log:    out,
		binary: l.binary(),
		name:   name,
	}, nil
}

func (l *ContainerLauncher) binary() string {
	if l.Binary != "" {
		return l.Binary
	}
	return "docker"
}

// containerHandle wraps a running `docker run` invocation.
type containerHandle struct {
	cmd    *exec.Cmd
	log    *os.File
	binary string
	name   string

	killMu sync.Mutex
	killed bool
}

// Wait blocks until the container exits and returns its exit code.
func (h *containerHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	if h.log != nil {
		_ = h.log.Close()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// Kill terminates the container by name. Idempotent: a second kill, or a
// kill after exit, returns nil even though docker reports the container
// missing.
func (h *containerHandle) Kill() error {
	h.killMu.Lock()
	defer h.killMu.Unlock()

	if h.killed {
		return nil
	}
	h.killed = true

	// docker kill errors when the container already exited; --rm has
	// removed it by then. That is not a failure to kill.
	_ = exec.Command(h.binary, "kill", h.name).Run()
	return nil
}

var _ Launcher = (*ContainerLauncher)(nil)
