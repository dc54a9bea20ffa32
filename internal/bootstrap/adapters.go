package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/dwas-scanner/config"
	"github.com/target/dwas-scanner/internal/adapters/jobrunner"
	"github.com/target/dwas-scanner/internal/adapters/reaper"
	"github.com/target/dwas-scanner/internal/core"
	jobdomain "github.com/target/dwas-scanner/internal/domain/job"
	"github.com/target/dwas-scanner/internal/observability/statsd"
	"github.com/target/dwas-scanner/internal/service"
)

// WorkerConfig contains configuration for the scan worker pool.
type WorkerConfig struct {
	Queue    core.TaskQueue
	Waiter   jobdomain.Waiter
	Guard    core.InFlightGuard
	Executor jobrunner.Executor
	Logger   *slog.Logger
	Config   config.WorkerConfig
	Metrics  statsd.Sink
}

// RunWorker starts the worker pool and blocks until ctx is cancelled.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	if cfg.Waiter == nil {
		return errors.New("queue waiter is required")
	}
	notifier, err := jobdomain.NewNotifier(jobdomain.NotifierOptions{
		Waiter:     cfg.Waiter,
		WaitWindow: cfg.Config.NotifyWait,
	})
	if err != nil {
		return fmt.Errorf("create queue notifier: %w", err)
	}
	defer notifier.StopAll()

	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Queue:       cfg.Queue,
		Guard:       cfg.Guard,
		Executor:    cfg.Executor,
		Notifier:    notifier,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
		Lease:       cfg.Config.JobLease,
		Concurrency: cfg.Config.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("create job runner: %w", err)
	}

	return runner.Run(ctx)
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Guard   core.InFlightGuard
	Files   service.FileReleaser
	Events  core.EventPublisher
	Metrics statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Guard:   cfg.Guard,
		Files:   cfg.Files,
		Events:  cfg.Events,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
