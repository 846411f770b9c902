// Package boss implements the Boss Controller: decomposes a user
// instruction into a task DAG, topologically orders and enqueues it,
// and reviews and integration-tests the work subordinates submit. It
// composes the coordinator, model, multiplex, queue, and shellexec
// packages around a single controller type, since the kernel runs one
// Boss per process rather than a process-wide registry.
package boss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/goclaw-orchestrator/internal/coordinator"
	"github.com/basket/goclaw-orchestrator/internal/model"
	"github.com/basket/goclaw-orchestrator/internal/multiplex"
	"github.com/basket/goclaw-orchestrator/internal/queue"
	"github.com/basket/goclaw-orchestrator/internal/shellexec"
)

// defaultDependencyDelay is the conservative hint applied to a task's
// availableAt when it has declared dependencies. The queue's own
// dependency gate in GetNextTask is the actual source of truth; this
// delay only avoids a thundering-herd poll against jobs everyone
// already knows aren't ready yet. Kept as a Controller field rather
// than a constant so a config reload can retune it without a restart.
const defaultDependencyDelay = 5 * time.Second

const helloSentinel = "ORCHESTRATOR_READY"

const helloTimeout = 10 * time.Second

// Controller is the Boss Controller.
type Controller struct {
	mux           *multiplex.Multiplexer
	queue         *queue.Queue
	shell         *shellexec.Adapter
	workspacePath string
	logger        *slog.Logger

	mu                sync.Mutex
	decompositionByID map[string]model.Decomposition
	reviewHistory     []model.ReviewResult
	dependencyDelay   time.Duration
}

func New(mux *multiplex.Multiplexer, q *queue.Queue, workspacePath string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		mux:               mux,
		queue:             q,
		shell:             shellexec.New(mux),
		workspacePath:     workspacePath,
		logger:            logger,
		decompositionByID: make(map[string]model.Decomposition),
		dependencyDelay:   defaultDependencyDelay,
	}
}

// SetDependencyDelay retunes the thundering-herd hint applied to
// dependent tasks' availableAt, without needing a restart. Intended to
// be called from a config-reload consumer; a non-positive value is
// ignored.
func (c *Controller) SetDependencyDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.dependencyDelay = d
	c.mu.Unlock()
}

// Initialize confirms the child tool is reachable, ensures the
// workspace directory exists, optionally writes an external-tool
// config file, and sends a hello prompt asserting the known sentinel
// reply.
func (c *Controller) Initialize(ctx context.Context, externalToolConfig []byte) error {
	if err := c.shell.CheckAvailable(ctx, helloTimeout); err != nil {
		return fmt.Errorf("boss: child tool unavailable: %w", err)
	}

	if err := os.MkdirAll(c.workspacePath, 0o755); err != nil {
		return fmt.Errorf("boss: ensure workspace: %w", err)
	}

	if len(externalToolConfig) > 0 {
		configPath := filepath.Join(c.workspacePath, "mcp-config.json")
		if err := os.WriteFile(configPath, externalToolConfig, 0o644); err != nil {
			return fmt.Errorf("boss: write external tool config: %w", err)
		}
	}

	resp, err := c.mux.Send(ctx, "hello", multiplex.SendOptions{Timeout: helloTimeout})
	if err != nil {
		return fmt.Errorf("boss: hello prompt failed: %w", err)
	}
	payload := fmt.Sprintf("%v", resp.Data)
	if resp.Error != "" {
		payload = resp.Error
	}
	if !strings.Contains(payload, helloSentinel) {
		return fmt.Errorf("boss: hello reply missing sentinel %q", helloSentinel)
	}
	return nil
}

type decompositionPayload struct {
	Tasks             []model.Task        `json:"tasks"`
	Dependencies      map[string][]string `json:"dependencies"`
	EstimatedDuration float64             `json:"estimatedDuration"`
	Complexity        string              `json:"complexity"`
}

// ProcessUserInstruction decomposes instruction into a task DAG via a
// structured prompt, validates the returned tasks, and records the
// decomposition under the caller-supplied instructionID.
func (c *Controller) ProcessUserInstruction(ctx context.Context, instructionID, instruction string) (model.Decomposition, error) {
	if err := model.ValidateInstruction(instruction); err != nil {
		return model.Decomposition{}, err
	}

	prompt := buildDecompositionPrompt(instruction)
	payload, err := multiplex.SendExpectingJSON[decompositionPayload](ctx, c.mux, prompt, multiplex.SendOptions{})
	if err != nil {
		return model.Decomposition{}, fmt.Errorf("boss: decompose instruction: %w", err)
	}
	if err := model.ValidateTasks(payload.Tasks); err != nil {
		return model.Decomposition{}, fmt.Errorf("boss: decomposition returned invalid tasks: %w", err)
	}

	decomposition := model.Decomposition{
		Tasks:             payload.Tasks,
		Dependencies:      payload.Dependencies,
		EstimatedDuration: time.Duration(payload.EstimatedDuration * float64(time.Second)),
		Complexity:        payload.Complexity,
	}

	c.mu.Lock()
	c.decompositionByID[instructionID] = decomposition
	c.mu.Unlock()

	return decomposition, nil
}

// EnforceTaskDependencies topologically sorts tasks, rejecting a
// dependency cycle rather than silently breaking it.
func (c *Controller) EnforceTaskDependencies(tasks []model.Task) ([]model.Task, error) {
	sorted, err := coordinator.TopoSort(tasks)
	if err != nil {
		var cycleErr *coordinator.CircularDependencyError
		if errors.As(err, &cycleErr) {
			return nil, fmt.Errorf("boss: circular dependency: %w", cycleErr)
		}
		return nil, err
	}
	return sorted, nil
}

// AddTasksToQueue enqueues tasks in dependency order, applying a
// conservative delay hint to any task that declares dependencies.
func (c *Controller) AddTasksToQueue(ctx context.Context, tasks []model.Task) ([]string, error) {
	ordered, err := c.EnforceTaskDependencies(tasks)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	delay := c.dependencyDelay
	c.mu.Unlock()

	jobIDs := make([]string, 0, len(ordered))
	for _, task := range ordered {
		opts := queue.AddOptions{}
		if len(task.Dependencies) > 0 {
			opts.Delay = delay
		}
		id, err := c.queue.AddTask(ctx, task, opts)
		if err != nil {
			return jobIDs, fmt.Errorf("boss: enqueue task %q: %w", task.ID, err)
		}
		jobIDs = append(jobIDs, id)
	}
	return jobIDs, nil
}

type reviewPayload struct {
	Approved        bool     `json:"approved"`
	Feedback        string   `json:"feedback"`
	Suggestions     []string `json:"suggestions"`
	Issues          []string `json:"issues"`
	Score           int      `json:"score"`
	CodeQuality     string   `json:"codeQuality"`
	Recommendations []string `json:"recommendations"`
}

// ReviewSubordinateWork sends the submitted WorkResult to the child
// for structured review and records the outcome in review history.
func (c *Controller) ReviewSubordinateWork(ctx context.Context, workResult model.WorkResult) (model.ReviewResult, error) {
	prompt := buildReviewPrompt(workResult)
	payload, err := multiplex.SendExpectingJSON[reviewPayload](ctx, c.mux, prompt, multiplex.SendOptions{})
	if err != nil {
		return model.ReviewResult{}, fmt.Errorf("boss: review work result: %w", err)
	}
	if payload.Score < 0 || payload.Score > 100 {
		return model.ReviewResult{}, fmt.Errorf("boss: review score %d out of range [0,100]", payload.Score)
	}

	review := model.ReviewResult{
		Approved:        payload.Approved,
		Feedback:        payload.Feedback,
		Suggestions:     payload.Suggestions,
		Issues:          payload.Issues,
		Score:           payload.Score,
		CodeQuality:     payload.CodeQuality,
		Recommendations: payload.Recommendations,
	}

	c.mu.Lock()
	c.reviewHistory = append(c.reviewHistory, review)
	c.mu.Unlock()

	return review, nil
}

// ReviewHistory returns a snapshot of every review recorded so far.
func (c *Controller) ReviewHistory() []model.ReviewResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ReviewResult, len(c.reviewHistory))
	copy(out, c.reviewHistory)
	return out
}

// IntegrationTestKind distinguishes the three integration-test shapes
// a Boss can run against submitted work.
type IntegrationTestKind string

const (
	IntegrationBackend  IntegrationTestKind = "backend"
	IntegrationFrontend IntegrationTestKind = "frontend"
	IntegrationFull     IntegrationTestKind = "full"
)

type integrationTestPayload struct {
	model.TestResult
	Coverage           float64                      `json:"coverage"`
	PerformanceMetrics map[string]float64           `json:"performanceMetrics"`
	BrowserTestResults []model.BrowserTestOutcome   `json:"browserTestResults"`
}

// RunIntegrationTests asks the child to run the integration suite of
// the given kind for projectPath, via the shell-exec adapter so the
// actual test command (e.g. `go test ./...`, `npm test`) executes in
// the child's own sandboxed shell rather than this process's.
func (c *Controller) RunIntegrationTests(ctx context.Context, projectPath string, kind IntegrationTestKind) (model.IntegrationTestResult, error) {
	cmd := integrationTestCommand(kind)
	result, err := c.shell.Run(ctx, shellexec.Request{WorkspacePath: projectPath, Cmd: cmd, Timeout: 5 * time.Minute})
	if err != nil {
		return model.IntegrationTestResult{}, fmt.Errorf("boss: run integration tests: %w", err)
	}

	var payload integrationTestPayload
	if err := json.Unmarshal([]byte(result.Output), &payload); err != nil {
		return model.IntegrationTestResult{}, fmt.Errorf("boss: parse integration test output: %w", err)
	}
	payload.TestType = model.TestIntegration
	if err := model.ValidateTestResult(payload.TestResult); err != nil {
		return model.IntegrationTestResult{}, fmt.Errorf("boss: invalid integration test result: %w", err)
	}

	return model.IntegrationTestResult{
		TestResult:         payload.TestResult,
		Coverage:           payload.Coverage,
		PerformanceMetrics: payload.PerformanceMetrics,
		BrowserTestResults: payload.BrowserTestResults,
	}, nil
}

// RunBrowserTests runs the named scenarios like RunIntegrationTests,
// but always populates BrowserTestResults even if the child returns
// an empty list for it.
func (c *Controller) RunBrowserTests(ctx context.Context, projectPath string, scenarios []string) (model.IntegrationTestResult, error) {
	cmd := browserTestCommand(scenarios)
	result, err := c.shell.Run(ctx, shellexec.Request{WorkspacePath: projectPath, Cmd: cmd, Timeout: 5 * time.Minute})
	if err != nil {
		return model.IntegrationTestResult{}, fmt.Errorf("boss: run browser tests: %w", err)
	}

	var payload integrationTestPayload
	if err := json.Unmarshal([]byte(result.Output), &payload); err != nil {
		return model.IntegrationTestResult{}, fmt.Errorf("boss: parse browser test output: %w", err)
	}
	payload.TestType = model.TestIntegration
	if err := model.ValidateTestResult(payload.TestResult); err != nil {
		return model.IntegrationTestResult{}, fmt.Errorf("boss: invalid browser test result: %w", err)
	}
	if payload.BrowserTestResults == nil {
		payload.BrowserTestResults = []model.BrowserTestOutcome{}
	}

	return model.IntegrationTestResult{
		TestResult:         payload.TestResult,
		Coverage:           payload.Coverage,
		PerformanceMetrics: payload.PerformanceMetrics,
		BrowserTestResults: payload.BrowserTestResults,
	}, nil
}

func integrationTestCommand(kind IntegrationTestKind) string {
	switch kind {
	case IntegrationFrontend:
		return "npm test -- --coverage --json"
	case IntegrationFull:
		return "go test ./... -json && npm test -- --coverage --json"
	default:
		return "go test ./... -json -cover"
	}
}

func browserTestCommand(scenarios []string) string {
	data, _ := json.Marshal(scenarios)
	return fmt.Sprintf("run-browser-tests --scenarios=%s --json", string(data))
}

func buildDecompositionPrompt(instruction string) string {
	return fmt.Sprintf("Decompose the following instruction into a DAG of development tasks.\nInstruction: %s\nRespond with JSON: {\"tasks\":[{\"id\":...,\"title\":...,\"description\":...,\"priority\":0-10,\"dependencies\":[...],\"status\":\"pending\",\"createdAt\":RFC3339}],\"dependencies\":{taskId: [depIds]},\"estimatedDuration\":seconds,\"complexity\":string}", instruction)
}

func buildReviewPrompt(wr model.WorkResult) string {
	data, _ := json.Marshal(wr)
	return fmt.Sprintf("Review the following work result and respond with JSON: {\"approved\":bool,\"feedback\":string,\"suggestions\":[...],\"issues\":[...],\"score\":0-100,\"codeQuality\":string,\"recommendations\":[...]}\nWorkResult: %s", string(data))
}
