// Package shellexec is a thin adapter that asks the supervised child
// process to execute a shell command inside a workspace and parses its
// structured reply: a request/response JSON shape (Request/
// Result), output truncation, and secret redaction, but the
// execution itself happens inside the child process reached over the
// multiplexer rather than via a local os/exec.Executor, since the
// kernel's child is opaque and reached only through that channel.
package shellexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/goclaw-orchestrator/internal/multiplex"
	"github.com/basket/goclaw-orchestrator/internal/shared"
)

// Sentinel errors for the adapter's failure modes.
var (
	ErrCliUnavailable = fmt.Errorf("shellexec: child tool is unavailable")
	ErrProtocolError  = fmt.Errorf("shellexec: child returned non-JSON when JSON was required")
	ErrNonZeroExit    = fmt.Errorf("shellexec: command exited non-zero")
)

const maxOutput = 8 * 1024

// Request describes the command the child should execute.
type Request struct {
	WorkspacePath string
	Cmd           string
	Timeout       time.Duration
	AllowedTools  []string
}

// Result is the adapter's parsed view of the child's structured reply.
type Result struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exitCode,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Adapter wraps a Multiplexer and enforces a per-call timeout when
// asking the child to run a shell command.
type Adapter struct {
	mux *multiplex.Multiplexer
}

// New creates a shell-exec Adapter over mux.
func New(mux *multiplex.Multiplexer) *Adapter {
	return &Adapter{mux: mux}
}

// CheckAvailable issues a startup sentinel ping and fails with
// ErrCliUnavailable if the child does not answer in time.
func (a *Adapter) CheckAvailable(ctx context.Context, timeout time.Duration) error {
	resp, err := a.mux.Send(ctx, "[PING] are you ready?", multiplex.SendOptions{Timeout: timeout})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCliUnavailable, err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrCliUnavailable, resp.Error)
	}
	return nil
}

// Run asks the child to execute req.Cmd inside req.WorkspacePath and
// returns its structured result.
func (a *Adapter) Run(ctx context.Context, req Request) (Result, error) {
	prompt := buildPrompt(req)

	resp, err := a.mux.Send(ctx, prompt, multiplex.SendOptions{Timeout: req.Timeout})
	if err != nil {
		return Result{}, fmt.Errorf("shellexec: send: %w", err)
	}

	raw, ok := dataAsJSON(resp.Data)
	if !ok {
		return Result{}, fmt.Errorf("%w: %v", ErrProtocolError, resp.Data)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}

	result.Output = shared.Redact(truncate(result.Output, maxOutput))
	result.Error = shared.Redact(result.Error)

	if !result.Success && result.ExitCode != 0 {
		return result, fmt.Errorf("%w: exit code %d: %s", ErrNonZeroExit, result.ExitCode, result.Error)
	}
	return result, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("[EXEC] Execute the following command and reply with JSON {success, exitCode, output, error}.\n")
	fmt.Fprintf(&b, "workspace: %s\n", req.WorkspacePath)
	fmt.Fprintf(&b, "cmd: %s\n", req.Cmd)
	if len(req.AllowedTools) > 0 {
		fmt.Fprintf(&b, "allowedTools: %s\n", strings.Join(req.AllowedTools, ","))
	}
	return b.String()
}

func dataAsJSON(data any) (json.RawMessage, bool) {
	switch v := data.(type) {
	case json.RawMessage:
		return v, true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil, false
		}
		var js json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &js); err != nil {
			return nil, false
		}
		return js, true
	default:
		return nil, false
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}
