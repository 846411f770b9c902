package model

import (
	"errors"
	"testing"
	"time"
)

func validTask() Task {
	return Task{
		ID:          "t1",
		Title:       "title",
		Description: "description",
		Priority:    5,
		Status:      TaskPending,
		CreatedAt:   time.Now(),
	}
}

func TestValidateTask(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(Task) Task
		wantField string
	}{
		{"valid", func(t Task) Task { return t }, ""},
		{"empty id", func(t Task) Task { t.ID = ""; return t }, "id"},
		{"empty title", func(t Task) Task { t.Title = ""; return t }, "title"},
		{"empty description", func(t Task) Task { t.Description = ""; return t }, "description"},
		{"negative priority", func(t Task) Task { t.Priority = -1; return t }, "priority"},
		{"empty dependency", func(t Task) Task { t.Dependencies = []string{""}; return t }, "dependencies[0]"},
		{"self dependency", func(t Task) Task { t.Dependencies = []string{"t1"}; return t }, "dependencies[0]"},
		{"unknown status", func(t Task) Task { t.Status = TaskStatus("bogus"); return t }, "status"},
		{"zero createdAt", func(t Task) Task { t.CreatedAt = time.Time{}; return t }, "createdAt"},
		{"zero deadline", func(t Task) Task {
			var zero time.Time
			t.Deadline = &zero
			return t
		}, "deadline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTask(tt.mutate(validTask()))
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Fatalf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestValidateTasks_DuplicateID(t *testing.T) {
	a := validTask()
	b := validTask()
	b.ID = a.ID

	err := ValidateTasks([]Task{a, b})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if ve.Field != "tasks[1].id" {
		t.Fatalf("Field = %q, want %q", ve.Field, "tasks[1].id")
	}
}

func TestValidateTasks_UnknownDependency(t *testing.T) {
	a := validTask()
	a.Dependencies = []string{"nonexistent"}

	err := ValidateTasks([]Task{a})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if ve.Field != "tasks[0].dependencies[0]" {
		t.Fatalf("Field = %q, want %q", ve.Field, "tasks[0].dependencies[0]")
	}
}

func TestValidateTasks_NestedFieldPathIsPrefixed(t *testing.T) {
	bad := validTask()
	bad.Title = ""

	err := ValidateTasks([]Task{validTask(), bad})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if ve.Field != "tasks[1].title" {
		t.Fatalf("Field = %q, want %q", ve.Field, "tasks[1].title")
	}
}

func TestValidateTasks_Valid(t *testing.T) {
	a := validTask()
	b := validTask()
	b.ID = "t2"
	b.Dependencies = []string{"t1"}
	if err := ValidateTasks([]Task{a, b}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func validTestResult() TestResult {
	return TestResult{
		TestType:    TestUnit,
		Passed:      true,
		Total:       2,
		PassedCount: 2,
		FailedCount: 0,
	}
}

func TestValidateTestResult(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(TestResult) TestResult
		wantField string
	}{
		{"valid", func(tr TestResult) TestResult { return tr }, ""},
		{"unknown test type", func(tr TestResult) TestResult { tr.TestType = TestType("bogus"); return tr }, "testType"},
		{"negative total", func(tr TestResult) TestResult { tr.Total = -1; return tr }, "total"},
		{"negative passedCount", func(tr TestResult) TestResult { tr.PassedCount = -1; return tr }, "passedCount"},
		{"negative failedCount", func(tr TestResult) TestResult { tr.FailedCount = -1; return tr }, "failedCount"},
		{"counts exceed total", func(tr TestResult) TestResult {
			tr.PassedCount = 2
			tr.FailedCount = 1
			tr.Total = 2
			return tr
		}, "total"},
		{"negative executionTime", func(tr TestResult) TestResult { tr.ExecutionTime = -time.Second; return tr }, "executionTime"},
		{"passed mismatch", func(tr TestResult) TestResult { tr.Passed = false; return tr }, "passed"},
		{"empty detail name", func(tr TestResult) TestResult {
			tr.Details = []TestDetail{{Name: ""}}
			return tr
		}, "details[0].name"},
		{"negative detail duration", func(tr TestResult) TestResult {
			tr.Details = []TestDetail{{Name: "d1", Duration: -time.Second}}
			return tr
		}, "details[0].duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTestResult(tt.mutate(validTestResult()))
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Fatalf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestValidateWorkResult(t *testing.T) {
	valid := WorkResult{
		TaskID:         "t1",
		AgentID:        "a1",
		CompletionTime: time.Now(),
		TestResults:    validTestResult(),
	}
	if err := ValidateWorkResult(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("empty taskId", func(t *testing.T) {
		wr := valid
		wr.TaskID = ""
		var ve *ValidationError
		if err := ValidateWorkResult(wr); !errors.As(err, &ve) || ve.Field != "taskId" {
			t.Fatalf("error = %v, want ValidationError on taskId", err)
		}
	})

	t.Run("bad code change", func(t *testing.T) {
		wr := valid
		wr.CodeChanges = []CodeChange{{FilePath: "", Action: ActionCreate}}
		var ve *ValidationError
		if err := ValidateWorkResult(wr); !errors.As(err, &ve) || ve.Field != "codeChanges[0].filePath" {
			t.Fatalf("error = %v, want ValidationError on codeChanges[0].filePath", err)
		}
	})

	t.Run("nested testResults field path is prefixed", func(t *testing.T) {
		wr := valid
		wr.TestResults.Total = -1
		var ve *ValidationError
		if err := ValidateWorkResult(wr); !errors.As(err, &ve) || ve.Field != "testResults.total" {
			t.Fatalf("error = %v, want ValidationError on testResults.total, got %v", err, ve)
		}
	})
}

func TestValidateProcessInfo(t *testing.T) {
	tests := []struct {
		name      string
		pi        ProcessInfo
		wantField string
	}{
		{"valid", ProcessInfo{Status: ProcessRunning}, ""},
		{"unknown status", ProcessInfo{Status: ProcessStatus("bogus")}, "status"},
		{"negative restartCount", ProcessInfo{Status: ProcessStopped, RestartCount: -1}, "restartCount"},
		{"negative errorCount", ProcessInfo{Status: ProcessStopped, ErrorCount: -1}, "errorCount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProcessInfo(tt.pi)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Fatalf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestValidateInstruction(t *testing.T) {
	if err := ValidateInstruction("do the thing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ve *ValidationError
	if err := ValidateInstruction("   "); !errors.As(err, &ve) || ve.Field != "instruction" {
		t.Fatalf("error = %v, want ValidationError on instruction", err)
	}
}

func TestValidationError_Error(t *testing.T) {
	ve := &ValidationError{Field: "tasks[3].priority", Message: "must be >= 0, got -1"}
	want := "tasks[3].priority: must be >= 0, got -1"
	if got := ve.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
