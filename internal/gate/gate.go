// Package gate runs quality gate commands against the merged workspace.
//
// Gates are the level-advancement check: after a level's merge, every
// configured command must exit zero before the next level may start. A gate
// failure halts the run but loses no merged work; the run stays resumable
// and gates can be re-invoked standalone once the cause is fixed.
package gate

import (
	"context"
	"os/exec"

	"github.com/codeswarm/rush/internal/errors"
	"github.com/codeswarm/rush/internal/logging"
)

// Runner executes gate commands.
type Runner struct {
	// Dir is the directory commands run in, the shared workspace.
	Dir string
	// RunAll, when true, runs every command even after a failure and
	// aggregates the errors. Default is to short-circuit on the first
	// failure.
	RunAll bool

	logger *logging.Logger
}

// NewRunner creates a Runner for the given workspace directory.
func NewRunner(dir string, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Runner{Dir: dir, logger: logger}
}

// Run executes the commands in declared order via `sh -c`. On failure it
// returns a GateError carrying the level, the command, and its combined
// output. With RunAll set, all commands run and failures are joined.
//
// An empty command list passes trivially: a graph without gates gates on
// nothing.
func (r *Runner) Run(ctx context.Context, levelIndex int, commands []string) error {
	log := r.logger.WithLevel(levelIndex)

	var failures []error
	for _, command := range commands {
		log.Info("running gate", "command", command)

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = r.Dir
		out, err := cmd.CombinedOutput()

		if err == nil {
			log.Info("gate passed", "command", command)
			continue
		}

		gateErr := errors.NewGateError("command exited non-zero").
			WithLevel(levelIndex).
			WithCommand(command).
			WithOutput(string(out))
		log.Error("gate failed", "command", command, "error", err)

		if !r.RunAll {
			return gateErr
		}
		failures = append(failures, gateErr)
	}

	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	return nil
}
