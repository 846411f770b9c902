package coordinator

import (
	"testing"

	"github.com/basket/goclaw-orchestrator/internal/model"
)

func task(id string, deps ...string) model.Task {
	return model.Task{ID: id, Title: id, Description: id, Status: model.TaskPending, Dependencies: deps}
}

func TestTopoSort_OrdersDependenciesFirst(t *testing.T) {
	tasks := []model.Task{
		task("c", "b"),
		task("a"),
		task("b", "a"),
	}
	sorted, err := TopoSort(tasks)
	if err != nil {
		t.Fatalf("TopoSort failed: %v", err)
	}
	pos := make(map[string]int)
	for i, tk := range sorted {
		pos[tk.ID] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Errorf("expected order a, b, c; got positions %v", pos)
	}
}

func TestTopoSort_StableForIndependentTasks(t *testing.T) {
	tasks := []model.Task{task("x"), task("y"), task("z")}
	sorted, err := TopoSort(tasks)
	if err != nil {
		t.Fatalf("TopoSort failed: %v", err)
	}
	for i, id := range []string{"x", "y", "z"} {
		if sorted[i].ID != id {
			t.Errorf("index %d = %s, want %s (stable original order)", i, sorted[i].ID, id)
		}
	}
}

func TestTopoSort_DetectsCycle(t *testing.T) {
	tasks := []model.Task{
		task("a", "b"),
		task("b", "c"),
		task("c", "a"),
	}
	_, err := TopoSort(tasks)
	if err == nil {
		t.Fatal("expected circular dependency error")
	}
	cycleErr, ok := err.(*CircularDependencyError)
	if !ok {
		t.Fatalf("expected *CircularDependencyError, got %T: %v", err, err)
	}
	if len(cycleErr.Path) < 2 {
		t.Errorf("expected a non-trivial cycle path, got %v", cycleErr.Path)
	}
}

func TestWaves_GroupsIndependentTasksTogether(t *testing.T) {
	tasks := []model.Task{
		task("a"),
		task("b"),
		task("c", "a", "b"),
	}
	waves, err := Waves(tasks)
	if err != nil {
		t.Fatalf("Waves failed: %v", err)
	}
	if len(waves) != 2 {
		t.Fatalf("expected 2 waves, got %d", len(waves))
	}
	if len(waves[0]) != 2 {
		t.Errorf("expected wave 0 to contain a and b, got %v", waves[0])
	}
	if len(waves[1]) != 1 || waves[1][0].ID != "c" {
		t.Errorf("expected wave 1 to contain only c, got %v", waves[1])
	}
}
