// Package model defines the declarative shape of the orchestration kernel's
// core entities — Task, WorkResult, TestResult, and ProcessInfo — plus the
// field-level validation that is the single source of truth for boundary
// trust. The queue and controllers call Validate* on every ingress and
// egress so nothing downstream has to re-check what already crossed a
// validated boundary.
package model

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// QueuePriority is the coarse priority band the queue schedules on.
// Derived from a Task's numeric Priority field (see PriorityBand).
type QueuePriority string

const (
	PriorityCritical   QueuePriority = "critical"
	PriorityHigh       QueuePriority = "high"
	PriorityNormal     QueuePriority = "normal"
	PriorityLow        QueuePriority = "low"
	PriorityBackground QueuePriority = "background"
)

// PriorityBand maps a task's numeric priority to the queue's priority
// band: >=9 critical, 7-8 high, 5-6 normal, 3-4 low, else background.
func PriorityBand(priority int) QueuePriority {
	switch {
	case priority >= 9:
		return PriorityCritical
	case priority >= 7:
		return PriorityHigh
	case priority >= 5:
		return PriorityNormal
	case priority >= 3:
		return PriorityLow
	default:
		return PriorityBackground
	}
}

// bandWeight gives each QueuePriority an integer ordering for use as a
// Redis sorted-set score component; higher is dispatched first.
var bandWeight = map[QueuePriority]int64{
	PriorityCritical:   4,
	PriorityHigh:       3,
	PriorityNormal:     2,
	PriorityLow:        1,
	PriorityBackground: 0,
}

// BandWeight returns the integer weight used to order queue-priority bands.
func BandWeight(p QueuePriority) int64 {
	return bandWeight[p]
}

// Task is a unit of work. Every field except AssignedTo and Status is
// immutable after creation.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Priority     int        `json:"priority"`
	Dependencies []string   `json:"dependencies"`
	AssignedTo   string     `json:"assignedTo,omitempty"`
	Status       TaskStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

// ChangeAction is the kind of filesystem mutation a code change describes.
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// CodeChange is one filesystem mutation produced by executing a task.
type CodeChange struct {
	FilePath string       `json:"filePath"`
	Action   ChangeAction `json:"action"`
	Content  string       `json:"content,omitempty"`
	Diff     string       `json:"diff,omitempty"`
}

// TestType distinguishes unit from integration test runs.
type TestType string

const (
	TestUnit        TestType = "unit"
	TestIntegration TestType = "integration"
)

// TestDetail is one named assertion or test case within a TestResult.
type TestDetail struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// TestResult is the outcome of a unit or integration test run.
type TestResult struct {
	TestType      TestType      `json:"testType"`
	Passed        bool          `json:"passed"`
	Total         int           `json:"total"`
	PassedCount   int           `json:"passedCount"`
	FailedCount   int           `json:"failedCount"`
	ExecutionTime time.Duration `json:"executionTime"`
	Details       []TestDetail  `json:"details,omitempty"`
}

// WorkResult is the output of one task execution.
type WorkResult struct {
	TaskID         string       `json:"taskId"`
	AgentID        string       `json:"agentId"`
	CompletionTime time.Time    `json:"completionTime"`
	CodeChanges    []CodeChange `json:"codeChanges"`
	TestResults    TestResult   `json:"testResults"`
}

// ProcessStatus is the supervisor's lifecycle state for the child process.
type ProcessStatus string

const (
	ProcessStopped    ProcessStatus = "stopped"
	ProcessStarting   ProcessStatus = "starting"
	ProcessRunning    ProcessStatus = "running"
	ProcessError      ProcessStatus = "error"
	ProcessRestarting ProcessStatus = "restarting"
)

// ProcessInfo is the supervisor's view of the child process.
type ProcessInfo struct {
	Status       ProcessStatus `json:"status"`
	RestartCount int           `json:"restartCount"`
	ErrorCount   int           `json:"errorCount"`
	PID          int           `json:"pid,omitempty"`
	StartTime    time.Time     `json:"startTime,omitempty"`
	LastActivity time.Time     `json:"lastActivity,omitempty"`
}

// IntegrationTestResult extends TestResult with integration-specific metrics.
type IntegrationTestResult struct {
	TestResult
	Coverage             float64               `json:"coverage"`
	PerformanceMetrics   map[string]float64    `json:"performanceMetrics,omitempty"`
	BrowserTestResults   []BrowserTestOutcome  `json:"browserTestResults,omitempty"`
}

// BrowserTestOutcome is one browser scenario's pass/fail outcome.
type BrowserTestOutcome struct {
	Scenario string `json:"scenario"`
	Passed   bool   `json:"passed"`
	Error    string `json:"error,omitempty"`
}

// ReviewResult is the Boss's structured review of a WorkResult.
type ReviewResult struct {
	Approved        bool     `json:"approved"`
	Feedback        string   `json:"feedback"`
	Suggestions     []string `json:"suggestions,omitempty"`
	Issues          []string `json:"issues,omitempty"`
	Score           int      `json:"score"`
	CodeQuality     string   `json:"codeQuality,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Decomposition is the Boss's result for processUserInstruction.
type Decomposition struct {
	Tasks             []Task        `json:"tasks"`
	Dependencies      map[string][]string `json:"dependencies"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
	Complexity        string        `json:"complexity"`
}
