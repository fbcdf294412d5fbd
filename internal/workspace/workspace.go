// Package workspace manages the shared workspace, per-task sandboxes, and
// the level merge.
//
// Tasks never write to the shared workspace directly. Each task's worker
// executes in a sandbox seeded from the shared workspace, with a SHA-256
// baseline manifest recorded at seed time. After a level completes, the
// merge coordinator diffs each sandbox against its baseline, rejects any
// change outside the task's declared ownership, and copies owned changes
// into the shared workspace. Ownership sets are pairwise disjoint (enforced
// at graph load), so task merges within a level can never conflict and merge
// order cannot affect the result; tasks still merge in ascending task-ID
// order so runs are reproducible byte for byte.
package workspace

import (
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/codeswarm/rush/internal/errors"
	"github.com/codeswarm/rush/internal/logging"
)

// Manager owns sandbox seeding and merging for one run.
type Manager struct {
	// sharedDir is the shared workspace all levels merge into.
	sharedDir string
	// sandboxRoot holds one sandbox directory and one baseline manifest
	// per task, keyed by task ID.
	sandboxRoot string
	logger      *logging.Logger

	// keepSandboxes skips post-merge cleanup so sandboxes stay around for
	// inspection.
	keepSandboxes bool
}

// KeepSandboxes controls whether merged sandboxes are retained.
func (m *Manager) KeepSandboxes(keep bool) {
	m.keepSandboxes = keep
}

// NewManager creates a Manager. sandboxRoot is typically
// {runDir}/sandboxes. Panics if sharedDir or sandboxRoot is empty.
func NewManager(sharedDir, sandboxRoot string, logger *logging.Logger) *Manager {
	if sharedDir == "" || sandboxRoot == "" {
		panic("workspace: sharedDir and sandboxRoot are required")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		sharedDir:   sharedDir,
		sandboxRoot: sandboxRoot,
		logger:      logger,
	}
}

// SandboxDir returns the sandbox path for a task.
func (m *Manager) SandboxDir(taskID string) string {
	return filepath.Join(m.sandboxRoot, taskID)
}

func (m *Manager) manifestPath(taskID string) string {
	return filepath.Join(m.sandboxRoot, taskID+".manifest.json")
}

// Seed creates (or recreates) a task's sandbox as a copy of the shared
// workspace and records the baseline manifest. Reseeding discards any
// previous sandbox content: a retried task starts from the current shared
// workspace, not from its failed attempt's leftovers.
func (m *Manager) Seed(taskID string) (string, error) {
	if taskID == "" {
		return "", errors.Wrap(errors.ErrInvalidInput, "seed needs a task id")
	}

	dir := m.SandboxDir(taskID)
	if err := os.RemoveAll(dir); err != nil {
		return "", errors.Wrapf(err, "clear sandbox for %s", taskID)
	}
	if err := copyTree(m.sharedDir, dir); err != nil {
		return "", errors.Wrapf(err, "seed sandbox for %s", taskID)
	}

	baseline, err := Snapshot(dir)
	if err != nil {
		return "", errors.Wrapf(err, "baseline manifest for %s", taskID)
	}
	if err := m.writeManifest(taskID, baseline); err != nil {
		return "", err
	}

	m.logger.WithTask(taskID).Debug("sandbox seeded", "dir", dir, "files", len(baseline))
	return dir, nil
}

// Changes diffs a task's sandbox against its seed-time baseline.
func (m *Manager) Changes(taskID string) ([]Change, error) {
	baseline, err := m.readManifest(taskID)
	if err != nil {
		return nil, err
	}
	current, err := Snapshot(m.SandboxDir(taskID))
	if err != nil {
		return nil, err
	}
	return Diff(baseline, current), nil
}

// Cleanup removes a task's sandbox and manifest after a successful merge.
func (m *Manager) Cleanup(taskID string) error {
	if err := os.RemoveAll(m.SandboxDir(taskID)); err != nil {
		return errors.Wrapf(err, "remove sandbox for %s", taskID)
	}
	if err := os.Remove(m.manifestPath(taskID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove manifest for %s", taskID)
	}
	return nil
}

func (m *Manager) writeManifest(taskID string, manifest Manifest) error {
	if err := os.MkdirAll(m.sandboxRoot, 0755); err != nil {
		return errors.Wrap(err, "create sandbox root")
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal manifest for %s", taskID)
	}
	target := m.manifestPath(taskID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "write manifest for %s", taskID)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "rename manifest for %s", taskID)
	}
	return nil
}

func (m *Manager) readManifest(taskID string) (Manifest, error) {
	data, err := os.ReadFile(m.manifestPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			// The record claims this task ran, but its seed-time baseline is
			// gone. There is nothing safe to diff against.
			return nil, errors.Wrapf(errors.ErrStateCorrupted, "task %s has no sandbox manifest", taskID)
		}
		return nil, errors.Wrapf(err, "read manifest for %s", taskID)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errors.Wrapf(errors.ErrStateCorrupted, "manifest for %s: %v", taskID, err)
	}
	return manifest, nil
}

// copyTree copies src into dst recursively, skipping VCS and run
// bookkeeping directories. dst is created.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		if d.IsDir() {
			if skipDirs[d.Name()] && path != src {
				return filepath.SkipDir
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(filepath.Join(dst, rel), info.Mode().Perm())
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

// copyFile copies one regular file, preserving its permission bits.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
