package model

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports a single malformed field at a boundary. Field
// uses a positional path for array elements, e.g. "tasks[3].priority".
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldErr(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func nonEmpty(field, s string) error {
	if strings.TrimSpace(s) == "" {
		return fieldErr(field, "must not be empty")
	}
	return nil
}

func validDate(field string, t time.Time) error {
	if t.IsZero() {
		return fieldErr(field, "must be a valid wall-clock instant")
	}
	// A zero-valued time.Time parses fine; the only other way Go produces
	// an unusable instant is a NaN-like overflow, which cannot occur via
	// the standard time package, so IsZero is the whole check.
	return nil
}

func finiteNonNegativeInt(field string, n int) error {
	if n < 0 {
		return fieldErr(field, "must be >= 0, got %d", n)
	}
	return nil
}

var validTaskStatuses = map[TaskStatus]bool{
	TaskPending: true, TaskInProgress: true, TaskCompleted: true,
	TaskFailed: true, TaskCancelled: true,
}

// ValidateTask validates a single Task's structural invariants. It does not
// check cross-task invariants such as DAG acyclicity — that is
// coordinator.TopoSort's job (called via boss.Controller.EnforceTaskDependencies),
// since it requires the full set of tasks.
func ValidateTask(t Task) error {
	if err := nonEmpty("id", t.ID); err != nil {
		return err
	}
	if err := nonEmpty("title", t.Title); err != nil {
		return err
	}
	if err := nonEmpty("description", t.Description); err != nil {
		return err
	}
	if t.Priority < 0 {
		return fieldErr("priority", "must be a natural number, got %d", t.Priority)
	}
	for i, dep := range t.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return fieldErr(fmt.Sprintf("dependencies[%d]", i), "must not be empty")
		}
		if dep == t.ID {
			return fieldErr(fmt.Sprintf("dependencies[%d]", i), "task cannot depend on itself")
		}
	}
	if !validTaskStatuses[t.Status] {
		return fieldErr("status", "unknown status %q", t.Status)
	}
	if err := validDate("createdAt", t.CreatedAt); err != nil {
		return err
	}
	if t.Deadline != nil && t.Deadline.IsZero() {
		return fieldErr("deadline", "must be a valid wall-clock instant")
	}
	return nil
}

// ValidateTasks validates a slice of tasks, reporting the first failure
// with a positional path (tasks[3].priority) and rejecting duplicate ids.
func ValidateTasks(tasks []Task) error {
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if err := ValidateTask(t); err != nil {
			if ve, ok := err.(*ValidationError); ok {
				return fieldErr(fmt.Sprintf("tasks[%d].%s", i, ve.Field), "%s", ve.Message)
			}
			return err
		}
		if seen[t.ID] {
			return fieldErr(fmt.Sprintf("tasks[%d].id", i), "duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}
	for i, t := range tasks {
		for j, dep := range t.Dependencies {
			if !seen[dep] {
				return fieldErr(fmt.Sprintf("tasks[%d].dependencies[%d]", i, j), "references unknown task id %q", dep)
			}
		}
	}
	return nil
}

var validChangeActions = map[ChangeAction]bool{
	ActionCreate: true, ActionUpdate: true, ActionDelete: true,
}

func validateCodeChange(field string, c CodeChange) error {
	if err := nonEmpty(field+".filePath", c.FilePath); err != nil {
		return err
	}
	if !validChangeActions[c.Action] {
		return fieldErr(field+".action", "unknown action %q", c.Action)
	}
	return nil
}

var validTestTypes = map[TestType]bool{TestUnit: true, TestIntegration: true}

// ValidateTestResult validates a TestResult, including the cross-field rule
// `passed == (failed == 0 && total == passedCount)`, verified only for the
// aggregate counters, not cross-checked against Details.
func ValidateTestResult(tr TestResult) error {
	if !validTestTypes[tr.TestType] {
		return fieldErr("testType", "unknown test type %q", tr.TestType)
	}
	if err := finiteNonNegativeInt("total", tr.Total); err != nil {
		return err
	}
	if err := finiteNonNegativeInt("passedCount", tr.PassedCount); err != nil {
		return err
	}
	if err := finiteNonNegativeInt("failedCount", tr.FailedCount); err != nil {
		return err
	}
	if tr.PassedCount+tr.FailedCount > tr.Total {
		return fieldErr("total", "passedCount(%d) + failedCount(%d) exceeds total(%d)", tr.PassedCount, tr.FailedCount, tr.Total)
	}
	if tr.ExecutionTime < 0 {
		return fieldErr("executionTime", "must be >= 0")
	}
	wantPassed := tr.FailedCount == 0 && tr.Total == tr.PassedCount
	if tr.Passed != wantPassed {
		return fieldErr("passed", "must equal (failedCount == 0 && total == passedCount)")
	}
	for i, d := range tr.Details {
		if err := nonEmpty(fmt.Sprintf("details[%d].name", i), d.Name); err != nil {
			return err
		}
		if d.Duration < 0 {
			return fieldErr(fmt.Sprintf("details[%d].duration", i), "must be >= 0")
		}
	}
	return nil
}

// ValidateWorkResult validates a WorkResult's own fields. It does not
// check the cross-entity invariant that taskId matches a task currently
// in progress and assigned to agentId, since WorkResult alone cannot
// prove it.
func ValidateWorkResult(wr WorkResult) error {
	if err := nonEmpty("taskId", wr.TaskID); err != nil {
		return err
	}
	if err := nonEmpty("agentId", wr.AgentID); err != nil {
		return err
	}
	if err := validDate("completionTime", wr.CompletionTime); err != nil {
		return err
	}
	for i, c := range wr.CodeChanges {
		if err := validateCodeChange(fmt.Sprintf("codeChanges[%d]", i), c); err != nil {
			return err
		}
	}
	if err := ValidateTestResult(wr.TestResults); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			return fieldErr("testResults."+ve.Field, "%s", ve.Message)
		}
		return err
	}
	return nil
}

// ValidateProcessInfo validates a ProcessInfo snapshot.
func ValidateProcessInfo(pi ProcessInfo) error {
	switch pi.Status {
	case ProcessStopped, ProcessStarting, ProcessRunning, ProcessError, ProcessRestarting:
	default:
		return fieldErr("status", "unknown status %q", pi.Status)
	}
	if err := finiteNonNegativeInt("restartCount", pi.RestartCount); err != nil {
		return err
	}
	if err := finiteNonNegativeInt("errorCount", pi.ErrorCount); err != nil {
		return err
	}
	return nil
}

// ValidateInstruction validates the raw user instruction handed to the Boss
// before decomposition. An empty instruction is rejected outright.
func ValidateInstruction(instruction string) error {
	if strings.TrimSpace(instruction) == "" {
		return fieldErr("instruction", "must not be empty")
	}
	return nil
}
