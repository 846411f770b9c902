// Package coordinator provides the DAG topological sort and wave-based
// execution planning shared by the Boss Controller, walking the kernel's
// Task.Dependencies graph the same way an executor walks a subtask tree
// before firing it, using an explicit stack instead of recursive descent
// so a cycle's full path can be reported rather than just the node where
// recursion would re-enter.
package coordinator

import (
	"fmt"

	"github.com/basket/goclaw-orchestrator/internal/model"
)

// CircularDependencyError reports a dependency cycle. Path is the
// dependency walk from the node where the search started to the node
// that closed the cycle, so it can begin with nodes that lead into the
// cycle without being part of it.
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: %v", e.Path)
}

const (
	stateUnvisited = 0
	stateVisiting  = 1
	stateDone      = 2
)

// TopoSort returns tasks ordered so that every dependency precedes its
// dependents, tie-broken by original input order. Returns
// *CircularDependencyError if the dependency graph is not acyclic.
func TopoSort(tasks []model.Task) ([]model.Task, error) {
	byID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	state := make(map[string]int, len(tasks))
	var sorted []model.Task

	// frame tracks one node's walk through its dependency list; the
	// explicit stack stands in for the call stack a recursive descent
	// would use, so a cycle's full path can be read straight off it
	// instead of being rebuilt from return values.
	type frame struct {
		id     string
		depIdx int
	}

	for _, start := range tasks {
		if state[start.ID] == stateDone {
			continue
		}

		stack := []frame{{id: start.ID}}
		state[start.ID] = stateVisiting

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			task, known := byID[top.id]
			if !known || top.depIdx >= len(task.Dependencies) {
				// Exhausted this node's dependencies (or it isn't part of
				// this batch at all): finalize and pop.
				state[top.id] = stateDone
				if known {
					sorted = append(sorted, task)
				}
				stack = stack[:len(stack)-1]
				continue
			}

			dep := task.Dependencies[top.depIdx]
			top.depIdx++

			switch state[dep] {
			case stateDone:
				continue
			case stateVisiting:
				path := make([]string, 0, len(stack)+1)
				for _, f := range stack {
					path = append(path, f.id)
				}
				path = append(path, dep)
				return nil, &CircularDependencyError{Path: path}
			default:
				state[dep] = stateVisiting
				stack = append(stack, frame{id: dep})
			}
		}
	}
	return sorted, nil
}

// Waves groups tasks into dependency waves: wave 0 contains every task
// with no dependencies inside the batch, wave N contains tasks whose
// dependencies all lie in waves < N. Tasks within a wave can execute in
// parallel; waves must execute in order.
func Waves(tasks []model.Task) ([][]model.Task, error) {
	sorted, err := TopoSort(tasks)
	if err != nil {
		return nil, err
	}

	waveOf := make(map[string]int, len(sorted))
	var waves [][]model.Task

	for _, t := range sorted {
		wave := 0
		for _, dep := range t.Dependencies {
			if w, ok := waveOf[dep]; ok && w+1 > wave {
				wave = w + 1
			}
		}
		waveOf[t.ID] = wave
		for len(waves) <= wave {
			waves = append(waves, nil)
		}
		waves[wave] = append(waves[wave], t)
	}
	return waves, nil
}
