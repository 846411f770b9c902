// Package subordinate implements the Subordinate Controller: a
// single-worker event loop that pulls one task at a time off the
// durable queue, drives the child process through a multiplexer to
// execute it and run its unit tests, and submits the result. It polls,
// claims, runs, and publishes events in a single cooperative loop —
// one worker per process, not a pool.
package subordinate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/goclaw-orchestrator/internal/bus"
	"github.com/basket/goclaw-orchestrator/internal/model"
	"github.com/basket/goclaw-orchestrator/internal/multiplex"
	"github.com/basket/goclaw-orchestrator/internal/queue"
)

// Config configures a Controller's polling behavior.
type Config struct {
	AgentID        string
	PollInterval   time.Duration
	ExecuteTimeout time.Duration
	TestTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 5 * time.Minute
	}
	if c.TestTimeout <= 0 {
		c.TestTimeout = 2 * time.Minute
	}
	return c
}

// Controller is the Subordinate Controller.
type Controller struct {
	mux    *multiplex.Multiplexer
	queue  *queue.Queue
	bus    *bus.Bus
	logger *slog.Logger
	cfg    Config

	pollInterval atomic.Int64 // nanoseconds; read fresh every poll so it can be retuned live

	mu      sync.Mutex
	current *model.Task
}

func New(mux *multiplex.Multiplexer, q *queue.Queue, eventBus *bus.Bus, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	c := &Controller{
		mux:    mux,
		queue:  q,
		bus:    eventBus,
		logger: logger,
		cfg:    cfg,
	}
	c.pollInterval.Store(int64(cfg.PollInterval))
	return c
}

// SetPollInterval retunes how often the controller polls the queue
// between task cycles, without needing a restart. Intended to be
// called from a config-reload consumer; a non-positive value is
// ignored.
func (c *Controller) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.pollInterval.Store(int64(d))
}

// Run polls the queue and drives one task at a time through
// fetchAndExecuteTask until ctx is cancelled. The interval between
// cycles is re-read on every iteration, so SetPollInterval takes
// effect on the next cycle rather than at the next restart.
func (c *Controller) Run(ctx context.Context) {
	for {
		if _, err := c.fetchAndExecuteTask(ctx); err != nil {
			c.logger.Error("subordinate: task cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(c.pollInterval.Load())):
		}
	}
}

// executionPayload is the structured response the child tool returns
// for a code-generation prompt.
type executionPayload struct {
	CodeChanges []model.CodeChange `json:"codeChanges"`
}

// fetchAndExecuteTask pulls at most one task, executes it, runs its
// unit tests, and submits the WorkResult. Returns (nil, nil) when the
// queue has no ready task for this agent.
func (c *Controller) fetchAndExecuteTask(ctx context.Context) (*model.WorkResult, error) {
	task, err := c.queue.GetNextTask(ctx, c.cfg.AgentID)
	if err != nil {
		return nil, fmt.Errorf("subordinate: fetch task: %w", err)
	}
	if task == nil {
		return nil, nil
	}

	c.mu.Lock()
	c.current = task
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}()

	c.bus.Publish(bus.TopicTaskStarted, map[string]string{"taskId": task.ID, "agentId": c.cfg.AgentID})

	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecuteTimeout)
	exec, err := multiplex.SendExpectingJSON[executionPayload](execCtx, c.mux, buildExecutionPrompt(*task), multiplex.SendOptions{Timeout: c.cfg.ExecuteTimeout})
	cancel()
	if err != nil {
		return nil, c.fail(ctx, task.ID, fmt.Errorf("execute task: %w", err))
	}

	testCtx, cancel := context.WithTimeout(ctx, c.cfg.TestTimeout)
	testResult, err := multiplex.SendExpectingJSON[model.TestResult](testCtx, c.mux, buildUnitTestPrompt(exec.CodeChanges), multiplex.SendOptions{Timeout: c.cfg.TestTimeout})
	cancel()
	if err != nil {
		return nil, c.fail(ctx, task.ID, fmt.Errorf("run unit tests: %w", err))
	}
	testResult.TestType = model.TestUnit

	workResult := model.WorkResult{
		TaskID:         task.ID,
		AgentID:        c.cfg.AgentID,
		CompletionTime: time.Now(),
		CodeChanges:    exec.CodeChanges,
		TestResults:    testResult,
	}
	if err := model.ValidateWorkResult(workResult); err != nil {
		return nil, c.fail(ctx, task.ID, fmt.Errorf("assemble work result: %w", err))
	}

	if err := c.queue.CompleteTask(ctx, task.ID, workResult); err != nil {
		return nil, c.fail(ctx, task.ID, fmt.Errorf("submit work result: %w", err))
	}

	c.bus.Publish(bus.TopicTaskCompleted, map[string]any{"taskId": task.ID, "agentId": c.cfg.AgentID, "passed": testResult.Passed})
	return &workResult, nil
}

func (c *Controller) fail(ctx context.Context, taskID string, cause error) error {
	c.bus.Publish(bus.TopicTaskFailed, map[string]string{"taskId": taskID, "agentId": c.cfg.AgentID, "error": cause.Error()})
	if err := c.queue.FailTask(ctx, taskID, cause); err != nil && !errors.Is(err, queue.ErrNotFound) {
		c.logger.Error("subordinate: failTask failed", "taskId", taskID, "error", err)
	}
	return cause
}

// Cleanup interrupts the task currently being executed, if any,
// publishing the interruption rather than treating it as a failure:
// the task remains claimed (or will stall-reclaim) for a future
// attempt instead of being marked terminal by this shutdown.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	task := c.current
	c.current = nil
	c.mu.Unlock()

	if task == nil {
		return
	}
	c.bus.Publish(bus.TopicTaskInterrupted, map[string]string{"taskId": task.ID, "agentId": c.cfg.AgentID})
}

func buildExecutionPrompt(task model.Task) string {
	return fmt.Sprintf("Execute task %q: %s\n\nDescription: %s\nRespond with JSON: {\"codeChanges\":[{\"filePath\":...,\"action\":\"create|update|delete\",\"content\":...,\"diff\":...}]}",
		task.ID, task.Title, task.Description)
}

func buildUnitTestPrompt(changes []model.CodeChange) string {
	data, _ := json.Marshal(changes)
	return fmt.Sprintf("Run unit tests over the following changed files and respond with JSON matching the TestResult schema (testType, passed, total, passedCount, failedCount, executionTime, details[]):\n%s", string(data))
}
