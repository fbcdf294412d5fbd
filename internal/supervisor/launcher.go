package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Handle is a live worker process as seen by the supervisor. Implementations
// wrap an OS process, a container, or a test script.
type Handle interface {
	// Wait blocks until the worker exits and returns its exit code. Wait
	// may be called once; the supervisor owns the call.
	Wait() (int, error)

	// Kill forcibly terminates the worker. Idempotent: killing an
	// already-dead worker returns nil.
	Kill() error
}

// Launcher starts workers. Implementations must honor the Spec as the
// complete spawn payload: in particular they must build the child
// environment exclusively from Spec.Env plus the task-binding variables,
// never from the parent process environment.
type Launcher interface {
	// Launch starts one worker. The context bounds the launch attempt
	// only, not the worker's lifetime.
	Launch(ctx context.Context, workerID string, spec Spec) (Handle, error)
}

// Task-binding environment variables injected into every worker. These are
// the only variables a worker receives beyond the allow-listed Spec.Env.
const (
	envTaskID       = "RUSH_TASK_ID"
	envOwnedFiles   = "RUSH_TASK_FILES"
	envInstructions = "RUSH_INSTRUCTIONS"
	envMode         = "RUSH_MODE"
	envWorkerID     = "RUSH_WORKER_ID"
)

// buildEnv assembles the complete child environment: the task binding plus
// the caller's allow-listed values. The parent environment is deliberately
// not consulted.
func buildEnv(workerID string, spec Spec) []string {
	env := []string{
		fmt.Sprintf("%s=%s", envTaskID, spec.TaskID),
		fmt.Sprintf("%s=%s", envOwnedFiles, joinFiles(spec.OwnedFiles)),
		fmt.Sprintf("%s=%s", envInstructions, spec.Instructions),
		fmt.Sprintf("%s=%s", envMode, spec.Mode),
		fmt.Sprintf("%s=%s", envWorkerID, workerID),
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}
	return env
}

func joinFiles(files []string) string {
	out := ""
	for i, f := range files {
		if i > 0 {
			out += string(os.PathListSeparator)
		}
		out += f
	}
	return out
}

// logPath returns where a worker's captured output goes.
func logPath(workerID string, spec Spec) string {
	dir := spec.LogDir
	if dir == "" {
		dir = spec.Dir
	}
	return filepath.Join(dir, "worker-"+workerID+".log")
}

// envKeys returns just the variable names for logging. Values stay out of
// logs because the allow-list may carry credentials.
func envKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
