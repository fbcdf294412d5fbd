// Package graph defines the task graph model consumed by the scheduler.
//
// A task graph is an immutable-per-run description of atomic tasks, the
// files each task exclusively owns, the dependencies between tasks, and the
// verification commands run against merged work. Graphs are produced
// externally (the planning step is out of scope) and validated here at load
// time: duplicate IDs, dangling dependency references, and overlapping
// owned-file sets are all rejected before any worker is spawned.
//
// The package also contains the level planner: a pure function that
// partitions an acyclic graph into dependency-ordered execution levels.
package graph

import "sort"

// Task is an atomic unit of work. Tasks are read-only inputs to the
// scheduler; runtime status lives in the run record (internal/state).
//
// OwnedFiles is the exclusive set of paths this task may modify. Owned sets
// are pairwise disjoint across the whole graph, which is the mechanism that
// makes parallel merge conflict-free.
type Task struct {
	// ID uniquely identifies this task within the graph.
	ID string `yaml:"id" json:"id"`

	// Title is a short, human-readable name for the task.
	Title string `yaml:"title" json:"title"`

	// Level is an optional hint from the graph producer. The scheduler
	// recomputes levels from the dependency relation (PlanLevels), so the
	// hint is informational only and never trusted for ordering.
	Level int `yaml:"level,omitempty" json:"level,omitempty"`

	// OwnedFiles lists the paths this task exclusively owns for the run's
	// duration. Workers may only modify files in this set.
	OwnedFiles []string `yaml:"owned_files" json:"owned_files"`

	// DependsOn lists task IDs that must complete before this task starts.
	DependsOn []string `yaml:"depends_on" json:"depends_on"`

	// VerifyCommand is a shell-executable check run against the task's
	// sandbox after its worker succeeds. Empty means no per-task check.
	VerifyCommand string `yaml:"verify_command,omitempty" json:"verify_command,omitempty"`

	// Instructions is an opaque reference to the worker's instructions.
	// Content and wording are out of scope for the scheduler; it is passed
	// through to the worker unmodified.
	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`

	// Context carries optional planner-provided context, opaque to the core.
	Context string `yaml:"context,omitempty" json:"context,omitempty"`
}

// HasDependencies returns true if this task depends on other tasks.
func (t *Task) HasDependencies() bool {
	return len(t.DependsOn) > 0
}

// OwnsFile returns true if path is in the task's declared ownership set.
func (t *Task) OwnsFile(path string) bool {
	for _, f := range t.OwnedFiles {
		if f == path {
			return true
		}
	}
	return false
}

// Graph is the full task set for one run, plus the level-scoped quality
// gate commands. Immutable once loaded.
type Graph struct {
	// Tasks contains all tasks, in document order.
	Tasks []Task `yaml:"tasks" json:"tasks"`

	// Gates lists the quality gate commands run after each level's merge,
	// in declared order.
	Gates []string `yaml:"gates,omitempty" json:"gates,omitempty"`

	byID map[string]*Task
}

// TaskByID returns the task with the given ID, or nil if not found.
func (g *Graph) TaskByID(id string) *Task {
	if g.byID == nil {
		g.index()
	}
	return g.byID[id]
}

// TaskIDs returns all task IDs in ascending order.
func (g *Graph) TaskIDs() []string {
	ids := make([]string, 0, len(g.Tasks))
	for i := range g.Tasks {
		ids = append(ids, g.Tasks[i].ID)
	}
	sort.Strings(ids)
	return ids
}

// TaskCount returns the total number of tasks in the graph.
func (g *Graph) TaskCount() int {
	return len(g.Tasks)
}

// index builds the ID lookup map.
func (g *Graph) index() {
	g.byID = make(map[string]*Task, len(g.Tasks))
	for i := range g.Tasks {
		g.byID[g.Tasks[i].ID] = &g.Tasks[i]
	}
}
