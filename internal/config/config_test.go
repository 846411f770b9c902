package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/goclaw-orchestrator/internal/config"
)

func TestLoad_RequiresAgentID(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "missing.yaml"))
	if _, err := config.Load(); err == nil {
		t.Fatal("expected error when agent.id is unset")
	}
}

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "redis:\n  host: redis-1\n  port: 6380\nqueue:\n  concurrency: 8\nagent:\n  id: boss-1\n  workspace_path: /work\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.Host != "redis-1" || cfg.Redis.Port != 6380 {
		t.Errorf("redis = %+v, want host redis-1 port 6380", cfg.Redis)
	}
	if cfg.Queue.Concurrency != 8 {
		t.Errorf("queue.concurrency = %d, want 8", cfg.Queue.Concurrency)
	}
	if cfg.Agent.ID != "boss-1" || cfg.Agent.WorkspacePath != "/work" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "redis:\n  host: file-host\nagent:\n  id: file-agent\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("REDIS_HOST", "env-host")
	t.Setenv("AGENT_ID", "env-agent")
	t.Setenv("QUEUE_CONCURRENCY", "16")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.Host != "env-host" {
		t.Errorf("redis.host = %q, want env-host (env should win over file)", cfg.Redis.Host)
	}
	if cfg.Agent.ID != "env-agent" {
		t.Errorf("agent.id = %q, want env-agent", cfg.Agent.ID)
	}
	if cfg.Queue.Concurrency != 16 {
		t.Errorf("queue.concurrency = %d, want 16", cfg.Queue.Concurrency)
	}
}

func TestLoad_DefaultsWhenFileAbsent(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "does-not-exist.yaml"))
	t.Setenv("AGENT_ID", "sub-1")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.Host != "localhost" || cfg.Redis.Port != 6379 {
		t.Errorf("expected default redis addr, got %+v", cfg.Redis)
	}
	if cfg.Queue.Concurrency != 4 {
		t.Errorf("expected default concurrency 4, got %d", cfg.Queue.Concurrency)
	}
}

func TestRedisConfig_Addr(t *testing.T) {
	r := config.RedisConfig{Host: "db", Port: 6379}
	if got, want := r.Addr(), "db:6379"; got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
