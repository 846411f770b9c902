package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "boss", "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "task_id", "task-1")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "boss.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}

	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "boss" {
		t.Fatalf("expected component=boss, got %#v", entry["component"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLogger_RedactsSensitiveKeysAndValues(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "sub", "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("connected", "api_key", "sk-abcdefghijklmnop1234", "note", "plain text")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "sub.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(raw), "sk-abcdefghijklmnop1234") {
		t.Fatalf("expected api_key value to be redacted, got: %s", raw)
	}
	if !strings.Contains(string(raw), "[REDACTED]") {
		t.Fatalf("expected a redaction marker in log output, got: %s", raw)
	}
	if !strings.Contains(string(raw), "plain text") {
		t.Fatalf("expected unrelated field to survive untouched, got: %s", raw)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]bool{"debug": true, "warn": true, "error": true, "info": true, "": true, "bogus": true}
	for level := range cases {
		_ = parseLevel(level)
	}
}
