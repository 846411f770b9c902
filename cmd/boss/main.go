// Command boss runs the orchestration kernel's Boss Controller: it
// supervises the external CLI tool child process, decomposes and
// enqueues work, and reviews what subordinates submit. The startup
// sequence follows the usual shape (config, logger, telemetry,
// dependent services, signal-driven shutdown) but is trimmed to the
// kernel's own services: supervisor, multiplexer, and queue. Pass
// -tui to run the read-only status dashboard in the foreground
// instead of blocking silently on signals.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	goredis "github.com/redis/go-redis/v9"

	"github.com/basket/goclaw-orchestrator/internal/boss"
	"github.com/basket/goclaw-orchestrator/internal/config"
	"github.com/basket/goclaw-orchestrator/internal/multiplex"
	"github.com/basket/goclaw-orchestrator/internal/otelinit"
	"github.com/basket/goclaw-orchestrator/internal/queue"
	"github.com/basket/goclaw-orchestrator/internal/shellexec"
	"github.com/basket/goclaw-orchestrator/internal/statusui"
	"github.com/basket/goclaw-orchestrator/internal/supervisor"
	"github.com/basket/goclaw-orchestrator/internal/telemetry"
)

// Exit codes: 0 clean shutdown, 1 unrecoverable init failure, 2
// external CLI tool unavailable.
const (
	exitOK               = 0
	exitInitFailure      = 1
	exitChildUnavailable = 2
)

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("BOSS_NO_TUI") == ""
	configPath := flag.String("config", "", "path to config.yaml (overrides CONFIG_PATH)")
	tui := flag.Bool("tui", interactive, "run the read-only status dashboard in the foreground instead of blocking on signals")
	flag.Parse()
	if *configPath != "" {
		os.Setenv("CONFIG_PATH", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "boss", cfg.LogLevel, false)
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
	logger.Info("startup phase", "phase", "queue_ready")

	sup := supervisor.New(cfg.Agent.CLICommand, nil, childEnv(cfg), supervisor.DefaultPolicy(), logger)
	if err := sup.Start(ctx); err != nil {
		fatalStartup(logger, "E_SUPERVISOR_START", err)
	}
	defer sup.Stop(context.Background())

	mux := multiplex.New(ctx, sup, multiplex.DefaultConfig(), logger)
	defer mux.Cleanup()

	ctrl := boss.New(mux, q, cfg.Agent.WorkspacePath, logger)
	ctrl.SetDependencyDelay(time.Duration(cfg.Queue.DependencyDelaySeconds * float64(time.Second)))

	if err := ctrl.Initialize(ctx, nil); err != nil {
		if errors.Is(err, shellexec.ErrCliUnavailable) {
			logger.Error("startup failure", "reason_code", "E_CHILD_UNAVAILABLE", "error", err)
			os.Exit(exitChildUnavailable)
		}
		fatalStartup(logger, "E_BOSS_INIT", err)
	}
	logger.Info("startup phase", "phase", "boss_initialized")

	confWatcher := config.NewWatcher(config.Path(), logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		go watchConfigReloads(ctx, confWatcher, ctrl, logger)
	}

	if *tui {
		provider := func() statusui.Snapshot {
			stats, _ := q.GetStats(ctx)
			info := sup.Info()
			return statusui.Snapshot{
				Stats:         stats,
				ProcessStatus: info.Status,
				RestartCount:  info.RestartCount,
				ErrorCount:    info.ErrorCount,
				LastActivity:  info.LastActivity,
			}
		}
		if err := statusui.Run(ctx, provider, nil); err != nil && ctx.Err() == nil {
			logger.Error("status dashboard exited with error", "error", err)
		}
		logger.Info("shutdown signal received")
		os.Exit(exitOK)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	os.Exit(exitOK)
}

// watchConfigReloads reloads config.yaml on every change the watcher
// reports and applies the fields the Boss can retune live without a
// restart.
func watchConfigReloads(ctx context.Context, w *config.Watcher, ctrl *boss.Controller, logger *slog.Logger) {
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
			ctrl.SetDependencyDelay(time.Duration(cfg.Queue.DependencyDelaySeconds * float64(time.Second)))
			logger.Info("config reloaded", "path", ev.Path, "dependency_delay_seconds", cfg.Queue.DependencyDelaySeconds)
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
			`{"timestamp":"%s","level":"ERROR","component":"boss","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(exitInitFailure)
}
