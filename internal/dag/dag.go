// Package dag builds the task dependency graph (C7): one vertex per
// defined task, one edge from each dependency to its dependent, cycle
// detection, transitive closure, and topological layering into phases.
package dag

import (
	"fmt"
	"sort"

	"github.com/nexus-run/nexus/internal/core"
)

// Graph is the built dependency graph for one Config.
type Graph struct {
	tasks map[string]core.Task
	// deps[t] lists the tasks t directly depends on.
	deps map[string][]string
	// dependents[t] lists the tasks that directly depend on t.
	dependents map[string][]string
}

// CycleError reports the first cycle found while building a Graph. Path
// is the offending cycle, e.g. [a, b, a].
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %v", e.Path)
}

func (e *CycleError) Unwrap() error { return core.ErrCycle }

// UnknownTasksError reports dependency or target names that aren't
// defined in the config.
type UnknownTasksError struct {
	Names []string
}

func (e *UnknownTasksError) Error() string {
	return fmt.Sprintf("unknown tasks: %v", e.Names)
}

func (e *UnknownTasksError) Unwrap() error { return core.ErrUnknownTasks }

// Build constructs a Graph from cfg's tasks. It fails with an
// *UnknownTasksError if any task names a dependency not present in cfg,
// or a *CycleError carrying the first cycle found.
func Build(cfg core.Config) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]core.Task, len(cfg.Tasks)),
		deps:       make(map[string][]string, len(cfg.Tasks)),
		dependents: make(map[string][]string, len(cfg.Tasks)),
	}
	for name, t := range cfg.Tasks {
		g.tasks[name] = t
		g.deps[name] = append([]string(nil), t.Deps...)
	}

	var unknown []string
	for name, deps := range g.deps {
		for _, d := range deps {
			if _, ok := g.tasks[d]; !ok {
				unknown = append(unknown, d)
				continue
			}
			g.dependents[d] = append(g.dependents[d], name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		unknown = dedupe(unknown)
		return nil, &UnknownTasksError{Names: unknown}
	}

	if path := findCycle(g); path != nil {
		return nil, &CycleError{Path: path}
	}

	return g, nil
}

func dedupe(in []string) []string {
	out := in[:0]
	var last string
	first := true
	for _, s := range in {
		if first || s != last {
			out = append(out, s)
			last = s
			first = false
		}
	}
	return out
}

// findCycle runs DFS with a recursion-stack marker, returning the first
// cycle found as a vertex path (e.g. [a, b, a]), or nil if the graph is
// acyclic.
func findCycle(g *Graph) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS stack
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.tasks))
	var stack []string

	names := sortedNames(g.tasks)

	var visit func(n string) []string
	visit = func(n string) []string {
		color[n] = gray
		stack = append(stack, n)
		for _, d := range sortedCopy(g.deps[n]) {
			switch color[d] {
			case white:
				if path := visit(d); path != nil {
					return path
				}
			case gray:
				// Found a back-edge to d: build [d, ..., n, d].
				idx := indexOf(stack, d)
				cyclePath := append([]string(nil), stack[idx:]...)
				cyclePath = append(cyclePath, d)
				return cyclePath
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range names {
		if color[n] == white {
			if path := visit(n); path != nil {
				return path
			}
		}
	}
	return nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func sortedNames(m map[string]core.Task) []string {
	out := make([]string, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Dependencies returns the transitive closure of task's ancestors
// (everything it depends on, directly or indirectly), excluding task
// itself.
func (g *Graph) Dependencies(task string) []string {
	seen := map[string]bool{}
	var walk func(n string)
	walk = func(n string) {
		for _, d := range g.deps[n] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(task)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// RequiredSet returns the union of {t} ∪ Dependencies(t) for every target
// in targets, deduplicated. It fails with *UnknownTasksError if any target
// isn't a defined task.
func (g *Graph) RequiredSet(targets []string) ([]string, error) {
	var unknown []string
	for _, t := range targets {
		if _, ok := g.tasks[t]; !ok {
			unknown = append(unknown, t)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &UnknownTasksError{Names: dedupe(unknown)}
	}

	seen := map[string]bool{}
	for _, t := range targets {
		seen[t] = true
		for _, d := range g.Dependencies(t) {
			seen[d] = true
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// ExecutionPhases partitions the given task set into topological layers:
// layer 0 is every task in the set with no in-set dependency; layer k+1
// is every remaining task whose in-set dependencies are all satisfied by
// layers ≤ k. Tasks within a layer are returned in name order.
func (g *Graph) ExecutionPhases(taskSet []string) [][]string {
	inSet := make(map[string]bool, len(taskSet))
	for _, t := range taskSet {
		inSet[t] = true
	}

	remaining := make(map[string]bool, len(taskSet))
	for t := range inSet {
		remaining[t] = true
	}

	var phases [][]string
	placed := map[string]bool{}

	for len(remaining) > 0 {
		var layer []string
		for t := range remaining {
			ready := true
			for _, d := range g.deps[t] {
				if inSet[d] && !placed[d] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, t)
			}
		}
		if len(layer) == 0 {
			// Build() already rejects cycles, so this should be
			// unreachable; guard against an infinite loop regardless.
			break
		}
		sort.Strings(layer)
		phases = append(phases, layer)
		for _, t := range layer {
			delete(remaining, t)
			placed[t] = true
		}
	}
	return phases
}

// Task returns the task definition for name and whether it exists.
func (g *Graph) Task(name string) (core.Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}
