package boss

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/basket/goclaw-orchestrator/internal/model"
	"github.com/basket/goclaw-orchestrator/internal/multiplex"
	"github.com/basket/goclaw-orchestrator/internal/queue"
	"github.com/basket/goclaw-orchestrator/internal/supervisor"
)

// scriptedChild returns a `sh -c` command that replies to every input
// line with a fixed payload, standing in for the external CLI tool.
func scriptedChild(reply string) (string, []string) {
	script := `while IFS= read -r line; do printf '%s\n' "$1"; done`
	return "sh", []string{"-c", script, "sh", reply}
}

func newTestController(t *testing.T, childReply string) (*Controller, func()) {
	t.Helper()
	command, args := scriptedChild(childReply)
	sup := supervisor.New(command, args, nil, supervisor.DefaultPolicy(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := sup.Start(ctx); err != nil {
		cancel()
		t.Fatalf("supervisor start: %v", err)
	}
	cfg := multiplex.DefaultConfig()
	cfg.DefaultTimeout = 2 * time.Second
	mux := multiplex.New(ctx, sup, cfg, nil)

	mr, err := miniredis.Run()
	if err != nil {
		cancel()
		t.Fatalf("miniredis: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	q := queue.New(client, queue.DefaultConfig(), nil)

	c := New(mux, q, t.TempDir(), nil)
	cleanup := func() {
		mux.Cleanup()
		q.Close()
		mr.Close()
		sup.Stop(context.Background())
		cancel()
	}
	return c, cleanup
}

func TestProcessUserInstruction_ParsesAndValidatesTasks(t *testing.T) {
	reply := `{"tasks":[{"id":"t1","title":"Create class","description":"d","priority":5,"dependencies":[],"status":"pending","createdAt":"2026-01-01T00:00:00Z"}],"dependencies":{},"estimatedDuration":60,"complexity":"low"}`
	c, cleanup := newTestController(t, reply)
	defer cleanup()

	decomposition, err := c.ProcessUserInstruction(context.Background(), "instr-1", "Create a calculator")
	if err != nil {
		t.Fatalf("ProcessUserInstruction failed: %v", err)
	}
	if len(decomposition.Tasks) != 1 || decomposition.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected tasks: %+v", decomposition.Tasks)
	}
	if decomposition.EstimatedDuration != 60*time.Second {
		t.Errorf("EstimatedDuration = %v, want 60s", decomposition.EstimatedDuration)
	}
}

func TestProcessUserInstruction_RejectsEmptyInstruction(t *testing.T) {
	c, cleanup := newTestController(t, `{}`)
	defer cleanup()

	if _, err := c.ProcessUserInstruction(context.Background(), "instr-1", "   "); err == nil {
		t.Fatal("expected validation error for empty instruction")
	}
}

func TestAddTasksToQueue_RejectsCycle(t *testing.T) {
	c, cleanup := newTestController(t, `{}`)
	defer cleanup()

	now := time.Now()
	tasks := []model.Task{
		task("a", now, "b"),
		task("b", now, "a"),
	}

	if _, err := c.AddTasksToQueue(context.Background(), tasks); err == nil {
		t.Fatal("expected circular dependency error")
	}
}

func TestReviewSubordinateWork_RecordsHistory(t *testing.T) {
	reply := `{"approved":true,"feedback":"looks good","score":90,"codeQuality":"clean"}`
	c, cleanup := newTestController(t, reply)
	defer cleanup()

	wr := sampleWorkResult()
	review, err := c.ReviewSubordinateWork(context.Background(), wr)
	if err != nil {
		t.Fatalf("ReviewSubordinateWork failed: %v", err)
	}
	if !review.Approved || review.Score != 90 {
		t.Fatalf("unexpected review: %+v", review)
	}
	if len(c.ReviewHistory()) != 1 {
		t.Fatalf("expected 1 review recorded, got %d", len(c.ReviewHistory()))
	}
}

func TestInitialize_FailsWithoutSentinel(t *testing.T) {
	c, cleanup := newTestController(t, "not ready")
	defer cleanup()

	if err := c.Initialize(context.Background(), nil); err == nil {
		t.Fatal("expected initialize to fail when hello reply lacks the sentinel")
	}
}

func TestInitialize_SucceedsWithSentinel(t *testing.T) {
	c, cleanup := newTestController(t, "ORCHESTRATOR_READY")
	defer cleanup()

	if err := c.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
}

// --- fixtures ---

func task(id string, createdAt time.Time, deps ...string) model.Task {
	return model.Task{
		ID: id, Title: id, Description: id,
		Dependencies: deps, Status: model.TaskPending, CreatedAt: createdAt,
	}
}

func sampleWorkResult() model.WorkResult {
	return model.WorkResult{
		TaskID:         "t1",
		AgentID:        "agent-1",
		CompletionTime: time.Now(),
		TestResults:    model.TestResult{TestType: model.TestUnit, Passed: true, Total: 1, PassedCount: 1},
	}
}
