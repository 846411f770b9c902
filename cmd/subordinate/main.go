// Command subordinate runs the orchestration kernel's Subordinate
// Controller: it supervises its own copy of the external CLI tool,
// pulls one task at a time off the durable queue, executes and
// unit-tests it, and submits the result — see cmd/boss for the
// matching startup-sequence shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/basket/goclaw-orchestrator/internal/bus"
	"github.com/basket/goclaw-orchestrator/internal/config"
	"github.com/basket/goclaw-orchestrator/internal/multiplex"
	"github.com/basket/goclaw-orchestrator/internal/otelinit"
	"github.com/basket/goclaw-orchestrator/internal/queue"
	"github.com/basket/goclaw-orchestrator/internal/shellexec"
	"github.com/basket/goclaw-orchestrator/internal/subordinate"
	"github.com/basket/goclaw-orchestrator/internal/supervisor"
	"github.com/basket/goclaw-orchestrator/internal/telemetry"
)

const (
	exitOK               = 0
	exitInitFailure      = 1
	exitChildUnavailable = 2
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (overrides CONFIG_PATH)")
	flag.Parse()
	if *configPath != "" {
		os.Setenv("CONFIG_PATH", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "subordinate", cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "agent_id", cfg.Agent.ID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelinit.Init(ctx, otelinit.Config{Enabled: false})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	q := queue.New(redisClient, queue.DefaultConfig(), logger)
	defer q.Close()

	sup := supervisor.New(cfg.Agent.CLICommand, nil, childEnv(cfg), supervisor.DefaultPolicy(), logger)
	if err := sup.Start(ctx); err != nil {
		fatalStartup(logger, "E_SUPERVISOR_START", err)
	}
	defer sup.Stop(context.Background())

	mux := multiplex.New(ctx, sup, multiplex.DefaultConfig(), logger)
	defer mux.Cleanup()

	shell := shellexec.New(mux)
	if err := shell.CheckAvailable(ctx, 10*time.Second); err != nil {
		logger.Error("startup failure", "reason_code", "E_CHILD_UNAVAILABLE", "error", err)
		os.Exit(exitChildUnavailable)
	}
	if err := os.MkdirAll(cfg.Agent.WorkspacePath, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_INIT", err)
	}

	eventBus := bus.New(logger)
	subCfg := subordinate.Config{AgentID: cfg.Agent.ID}
	if cfg.Agent.PollIntervalMS > 0 {
		subCfg.PollInterval = time.Duration(cfg.Agent.PollIntervalMS) * time.Millisecond
	}
	ctrl := subordinate.New(mux, q, eventBus, subCfg, logger)

	confWatcher := config.NewWatcher(config.Path(), logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		go watchConfigReloads(ctx, confWatcher, ctrl, logger)
	}

	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	ctrl.Cleanup()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("subordinate loop did not exit within shutdown grace period")
	}
	os.Exit(exitOK)
}

// watchConfigReloads reloads config.yaml on every change the watcher
// reports and applies the fields the Subordinate can retune live
// without a restart.
func watchConfigReloads(ctx context.Context, w *config.Watcher, ctrl *subordinate.Controller, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Error("config reload failed, keeping previous settings", "path", ev.Path, "error", err)
				continue
			}
			if cfg.Agent.PollIntervalMS > 0 {
				ctrl.SetPollInterval(time.Duration(cfg.Agent.PollIntervalMS) * time.Millisecond)
			}
			logger.Info("config reloaded", "path", ev.Path, "poll_interval_ms", cfg.Agent.PollIntervalMS)
		}
	}
}

func childEnv(cfg config.Config) map[string]string {
	if cfg.Agent.CLIAPIKeyEnv == "" {
		return nil
	}
	if v := os.Getenv(cfg.Agent.CLIAPIKeyEnv); v != "" {
		return map[string]string{cfg.Agent.CLIAPIKeyEnv: v}
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"subordinate","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(exitInitFailure)
}
