package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/taskforge/codetaskd/internal/api"
	"github.com/taskforge/codetaskd/internal/cancel"
	"github.com/taskforge/codetaskd/internal/config"
	"github.com/taskforge/codetaskd/internal/dispatch"
	"github.com/taskforge/codetaskd/internal/engine"
	"github.com/taskforge/codetaskd/internal/lock"
	"github.com/taskforge/codetaskd/internal/log"
	"github.com/taskforge/codetaskd/internal/notify"
	"github.com/taskforge/codetaskd/internal/ratelimit"
	"github.com/taskforge/codetaskd/internal/storage"
	"github.com/taskforge/codetaskd/internal/task"
	"github.com/taskforge/codetaskd/internal/worker"
	"github.com/taskforge/codetaskd/internal/zombie"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "version":
		fmt.Printf("codetaskd version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`codetaskd - code-task dispatch and lifecycle engine

Usage:
  codetaskd <command> [flags]

Commands:
  start     Start the service in the foreground
  version   Show version information
  help      Show this help message
`)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("codetaskd starting", "version", version, "config", *configPath)

	workers := worker.ParseSpecs(cfg.Workers.Specs)
	if len(workers) == 0 {
		logger.Error("no valid workers configured", "specs", len(cfg.Workers.Specs))
		return 1
	}
	logger.Info("workers configured", "count", len(workers))

	lockPath := pidLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	creds := worker.GatewayCredentials{
		ClientID:     cfg.Workers.GatewayClientID,
		ClientSecret: cfg.Workers.GatewayClientSecret,
	}

	taskStore := task.New(db)
	healthCache := worker.NewHealthCache(cfg.Workers.HealthCacheTTL)
	prober := worker.NewProber(cfg.Workers.HealthTimeout, creds, healthCache)
	discovery := worker.NewDiscovery(workers, prober, log.WithComponent("discovery"))
	dispatcher := dispatch.New(cfg.Workers.DispatchTimeout, cfg.Workers.DispatchSecret, creds, log.WithComponent("dispatch"))
	notifier := notify.New(cfg.Notify.URL, cfg.Notify.Timeout, log.WithComponent("notify"))

	usage := ratelimit.NewUsageStore(db)
	limiter := ratelimit.New(ratelimit.Limits{
		MaxPromptLength:      cfg.Limits.MaxPromptLength,
		MaxConcurrentTasks:   cfg.Limits.MaxConcurrentTasks,
		MaxTasksPerHour:      cfg.Limits.MaxTasksPerHour,
		EstimatedCostPerTask: cfg.Limits.EstimatedCostPerTask,
		DailyCostCap:         cfg.Limits.DailyCostCap,
		MonthlyCostCap:       cfg.Limits.MonthlyCostCap,
	}, usage, log.WithComponent("ratelimit"))

	eng := engine.New(taskStore, discovery, dispatcher, limiter, notifier,
		cfg.Service.CancelNonceTTL, log.WithComponent("engine"))
	canceller := cancel.NewEngine(taskStore, discovery, dispatcher, limiter, log.WithComponent("cancel"))
	detector := zombie.New(taskStore, cfg.Zombie.StaleAfter, cfg.Zombie.Interval,
		eng.ReconcileStale, log.WithComponent("zombie"))

	apiServer := api.New(api.Config{
		Listen:         cfg.API.Listen,
		APIKey:         cfg.API.Auth.APIKey,
		DispatchSecret: cfg.Workers.DispatchSecret,
		WorkerCount:    len(workers),
	}, eng, canceller, taskStore, log.WithComponent("api"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go func() {
		if err := detector.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("zombie detector: %w", err)
		}
	}()

	go func() {
		if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	logger.Info("codetaskd running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancelCtx()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancelCtx()
		return 1
	}

	logger.Info("codetaskd stopped")
	return 0
}

func pidLockPath(cfg *config.Config) string {
	dbPath := cfg.State.Path
	dbDir := filepath.Dir(dbPath)
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	return filepath.Join(dbDir, dbBase[:len(dbBase)-len(ext)]+".pid")
}
