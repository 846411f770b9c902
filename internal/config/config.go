// Package config loads the kernel's runtime configuration from a YAML
// file layered under environment-variable overrides: defaults, then a
// YAML file read if present, then env vars win last. The struct only
// carries what the orchestration kernel itself needs to stand up:
// where its durable queue lives, how many workers to run, and which
// workspace and external CLI tool a given agent process drives.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the kernel's full runtime configuration.
type Config struct {
	Redis    RedisConfig `yaml:"redis"`
	Queue    QueueConfig `yaml:"queue"`
	Agent    AgentConfig `yaml:"agent"`
	LogLevel string      `yaml:"log_level"`
	HomeDir  string      `yaml:"home_dir"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`
	// DependencyDelaySeconds is the Boss's thundering-herd hint applied
	// to a dependent task's availableAt; see boss.Controller.SetDependencyDelay.
	// Hot-reloadable via the config Watcher.
	DependencyDelaySeconds float64 `yaml:"dependency_delay_seconds"`
}

// AgentConfig describes the single agent process (Boss or Subordinate)
// this config instance is bootstrapping.
type AgentConfig struct {
	ID            string `yaml:"id"`
	WorkspacePath string `yaml:"workspace_path"`
	CLICommand    string `yaml:"cli_command"`
	CLIAPIKeyEnv  string `yaml:"cli_api_key_env"`
	// PollIntervalMS is the Subordinate's between-task poll interval;
	// see subordinate.Controller.SetPollInterval. Hot-reloadable via
	// the config Watcher.
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// defaults builds a zero-value Config with sane defaults before the
// YAML file and env vars are layered on top.
func defaults() Config {
	return Config{
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
			DB:   0,
		},
		Queue: QueueConfig{
			Concurrency:            4,
			DependencyDelaySeconds: 5,
		},
		Agent: AgentConfig{
			WorkspacePath:  "./workspace",
			CLICommand:     "claude",
			PollIntervalMS: 500,
		},
		LogLevel: "info",
		HomeDir:  defaultHomeDir(),
	}
}

func defaultHomeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.goclaw-orchestrator"
	}
	return ".goclaw-orchestrator"
}

// Path returns the config file path Load will read: CONFIG_PATH if
// set, otherwise ./config.yaml. Exposed so a caller can point a
// config.Watcher at the same file Load resolves.
func Path() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "config.yaml"
}

// Load reads the config file named by CONFIG_PATH (default
// ./config.yaml, ignored if absent), then applies environment
// variable overrides, and returns the fully resolved Config.
func Load() (Config, error) {
	cfg := defaults()

	path := Path()
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Agent.ID == "" {
		return Config{}, fmt.Errorf("config: agent.id (or AGENT_ID) is required")
	}
	return cfg, nil
}

// applyEnvOverrides lets env vars always win over file and default
// values, each parsed defensively so a malformed override is ignored
// rather than panicking.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = n
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Concurrency = n
		}
	}
	if v := os.Getenv("WORKSPACE_PATH"); v != "" {
		cfg.Agent.WorkspacePath = v
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.Agent.ID = v
	}
	if v := os.Getenv("CLI_COMMAND"); v != "" {
		cfg.Agent.CLICommand = v
	}
	if v := os.Getenv("CLI_API_KEY_ENV"); v != "" {
		cfg.Agent.CLIAPIKeyEnv = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("GOCLAW_HOME"); v != "" {
		cfg.HomeDir = v
	}
}
