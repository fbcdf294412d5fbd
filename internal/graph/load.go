package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codeswarm/rush/internal/errors"
)

// Load reads and validates a task graph document from disk. YAML and JSON
// are both accepted; the format is chosen by file extension, defaulting to
// YAML. All load-time invariants are enforced here, before any worker can
// be spawned: overlapping ownership and dangling references are input
// defects, never runtime surprises.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "read task graph %s: %v", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	default:
		return Parse(data)
	}
}

// Parse decodes and validates a YAML task graph document.
func Parse(data []byte) (*Graph, error) {
	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "parse task graph: %v", err)
	}
	if err := validate(&g); err != nil {
		return nil, err
	}
	g.index()
	return &g, nil
}

// ParseJSON decodes and validates a JSON task graph document.
func ParseJSON(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "parse task graph: %v", err)
	}
	if err := validate(&g); err != nil {
		return nil, err
	}
	g.index()
	return &g, nil
}

// validate enforces the graph's load-time invariants:
//   - at least one task, all with non-empty unique IDs
//   - no self-dependencies, no dangling dependency references
//   - globally pairwise-disjoint owned-file sets
func validate(g *Graph) error {
	if len(g.Tasks) == 0 {
		return errors.Wrap(errors.ErrInvalidInput, "task graph has no tasks")
	}

	seen := make(map[string]bool, len(g.Tasks))
	for i := range g.Tasks {
		task := &g.Tasks[i]
		if strings.TrimSpace(task.ID) == "" {
			return errors.Wrapf(errors.ErrInvalidInput, "task at index %d has an empty id", i)
		}
		if seen[task.ID] {
			return errors.Wrapf(errors.ErrInvalidInput, "duplicate task id %q", task.ID)
		}
		seen[task.ID] = true
	}

	// Dependency references must resolve within the graph.
	for i := range g.Tasks {
		task := &g.Tasks[i]
		for _, depID := range task.DependsOn {
			if depID == task.ID {
				return errors.NewGraphError(
					fmt.Sprintf("task %q depends on itself", task.ID),
					errors.ErrCyclicDependency,
				).WithTaskID(task.ID).WithCycle([]string{task.ID, task.ID})
			}
			if !seen[depID] {
				return errors.NewGraphError(
					fmt.Sprintf("task %q depends on unknown task %q", task.ID, depID),
					errors.ErrDanglingDependency,
				).WithTaskID(task.ID)
			}
		}
	}

	// Owned-file sets must be pairwise disjoint across the whole graph.
	// This is validated here, at load time, so merge can never conflict.
	owner := make(map[string]string)
	for i := range g.Tasks {
		task := &g.Tasks[i]
		for _, file := range task.OwnedFiles {
			clean := filepath.Clean(file)
			if other, taken := owner[clean]; taken {
				return errors.NewOwnershipError(
					fmt.Sprintf("file %q is owned by both %q and %q", clean, other, task.ID),
				).WithTaskID(task.ID).WithOtherTaskID(other).WithFile(clean)
			}
			owner[clean] = task.ID
		}
	}

	return nil
}
