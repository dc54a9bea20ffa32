// Package reaper provides adapters for running the job reaper.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/dwas-scanner/config"
	"github.com/target/dwas-scanner/internal/core"
	"github.com/target/dwas-scanner/internal/data"
	"github.com/target/dwas-scanner/internal/observability/statsd"
	"github.com/target/dwas-scanner/internal/service"
)

// Runner constructs the reaper service and runs its cleanup loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.ReaperConfig
	Logger *slog.Logger

	Guard   core.InFlightGuard
	Files   service.FileReleaser
	Events  core.EventPublisher
	Metrics statsd.Sink

	// Optional dependency injection for testing/decoupling
	Repo core.ReaperRepository
	Jobs core.JobRepository
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	reaper, err := wireReaperService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{reaper: reaper, logger: opts.Logger}, nil
}

func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && (opts.Repo == nil || opts.Jobs == nil) {
		return errors.New("database connection is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

func wireReaperService(opts RunnerOptions) (*service.ReaperService, error) {
	repo, jobs := opts.Repo, opts.Jobs
	if repo == nil || jobs == nil {
		jobRepo := data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
		if repo == nil {
			repo = jobRepo
		}
		if jobs == nil {
			jobs = jobRepo
		}
	}

	return service.NewReaperService(service.ReaperServiceOptions{
		Repo:    repo,
		Jobs:    jobs,
		Config:  opts.Config,
		Guard:   opts.Guard,
		Files:   opts.Files,
		Events:  opts.Events,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}

// RunOnce performs a single cleanup pass.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.reaper.RunOnce(ctx)
}
