package graph

import (
	"sort"

	"github.com/codeswarm/rush/internal/errors"
)

// PlanLevels partitions the graph into dependency-ordered execution levels.
//
// Every task's dependencies lie in strictly earlier levels. Within a level
// task IDs are sorted ascending, and the scan order itself is ID-sorted, so
// repeated planning of the same graph is reproducible. PlanLevels is a pure
// function of the graph: no side effects, no state.
//
// Returns ErrCyclicDependency (with the cycle path) when the dependency
// relation contains a cycle. Dangling references are rejected at load time,
// but a defensive check here keeps the planner total over arbitrary graphs.
func PlanLevels(g *Graph) ([][]string, error) {
	if g == nil || len(g.Tasks) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "cannot plan an empty graph")
	}

	ids := g.TaskIDs()

	inDegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}
	for _, id := range ids {
		task := g.TaskByID(id)
		for _, depID := range task.DependsOn {
			if _, ok := inDegree[depID]; !ok {
				return nil, errors.NewGraphError(
					"dependency references unknown task",
					errors.ErrDanglingDependency,
				).WithTaskID(id)
			}
			inDegree[id]++
			dependents[depID] = append(dependents[depID], id)
		}
	}

	// Kahn's algorithm, level by level. Each wave of zero-indegree tasks
	// forms one execution level.
	var levels [][]string
	scheduled := 0

	current := make([]string, 0)
	for _, id := range ids {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		scheduled += len(current)

		var next []string
		for _, id := range current {
			for _, depID := range dependents[id] {
				inDegree[depID]--
				if inDegree[depID] == 0 {
					next = append(next, depID)
				}
			}
		}
		current = next
	}

	if scheduled < len(ids) {
		cycle := findCycle(g)
		return nil, errors.NewGraphError(
			"task graph contains a dependency cycle",
			errors.ErrCyclicDependency,
		).WithCycle(cycle)
	}

	return levels, nil
}

// findCycle locates a dependency cycle via DFS and reconstructs its path
// for the error message. Returns nil if no cycle exists.
func findCycle(g *Graph) []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	parent := make(map[string]string)

	var dfs func(taskID string) []string
	dfs = func(taskID string) []string {
		visited[taskID] = true
		recStack[taskID] = true

		task := g.TaskByID(taskID)
		if task == nil {
			recStack[taskID] = false
			return nil
		}

		// Deterministic traversal order for reproducible cycle reports.
		deps := append([]string(nil), task.DependsOn...)
		sort.Strings(deps)

		for _, depID := range deps {
			if !visited[depID] {
				parent[depID] = taskID
				if cycle := dfs(depID); cycle != nil {
					return cycle
				}
			} else if recStack[depID] {
				// Found a cycle - reconstruct it back from the current task.
				cycle := []string{depID}
				current := taskID
				for current != depID {
					cycle = append([]string{current}, cycle...)
					current = parent[current]
				}
				cycle = append([]string{depID}, cycle...)
				return cycle
			}
		}

		recStack[taskID] = false
		return nil
	}

	for _, id := range g.TaskIDs() {
		if !visited[id] {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
