package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/target/dwas-scanner/internal/adapters/reaper"
	"github.com/target/dwas-scanner/internal/bootstrap"
	"github.com/target/dwas-scanner/internal/core"
	"github.com/target/dwas-scanner/internal/data"
	"github.com/target/dwas-scanner/internal/domain/model"
	"github.com/target/dwas-scanner/internal/intake"
	"github.com/target/dwas-scanner/internal/migrate"
)

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultQueryTimeout     = 30 * time.Second
	defaultPurgeTimeout     = 10 * time.Minute
)

type migrateOptions struct {
	Timeout time.Duration
}

type jobsListOptions struct {
	Status *model.JobStatus
	Limit  int
	Offset int
	JSON   bool
}

type purgeOptions struct {
	OlderThan time.Duration
	BatchSize int
	Yes       bool
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags("migrate", args)
	if err != nil {
		return err
	}
	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("running database migrations")
		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return migrateErr
		}
		cmdCtx.Logger.Info("migrations completed successfully")
		return nil
	})
}

func runMigrationStatus(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags("migrate-status", args)
	if err != nil {
		return err
	}
	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		migrations, statusErr := data.MigrationStatus(ctx, db)
		if statusErr != nil {
			return fmt.Errorf("migration status: %w", statusErr)
		}
		return renderMigrations(cmdCtx.Out, migrations)
	})
}

func runJobsList(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobsListFlags(args)
	if err != nil {
		return err
	}
	return withDatabase(cmdCtx, defaultQueryTimeout, func(ctx context.Context, db *sql.DB) error {
		repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
		jobs, listErr := repo.List(ctx, model.JobListOptions{
			Status: opts.Status,
			Limit:  opts.Limit,
			Offset: opts.Offset,
		})
		if listErr != nil {
			return fmt.Errorf("list jobs: %w", listErr)
		}
		if opts.JSON {
			enc := json.NewEncoder(cmdCtx.Out)
			enc.SetIndent("", "  ")
			return enc.Encode(jobs)
		}
		return renderJobsTable(cmdCtx.Out, jobs)
	})
}

func runJobsStats(cmdCtx *commandContext, _ []string) error {
	return withDatabase(cmdCtx, defaultQueryTimeout, func(ctx context.Context, db *sql.DB) error {
		repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
		stats, statsErr := repo.Stats(ctx)
		if statsErr != nil {
			return fmt.Errorf("job stats: %w", statsErr)
		}
		return renderStats(cmdCtx.Out, stats)
	})
}

func runJobsPurge(cmdCtx *commandContext, args []string) error {
	opts, err := parsePurgeFlags(args, cmdCtx.Config.Reaper.BatchSize)
	if err != nil {
		return err
	}
	if confirmErr := confirmPurge(cmdCtx.Out, os.Stdin, opts); confirmErr != nil {
		return confirmErr
	}

	files, err := newIntake(cmdCtx)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, defaultPurgeTimeout, func(ctx context.Context, db *sql.DB) error {
		repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
		deleted, purgeErr := purgeTerminalJobs(ctx, repo, files, opts)
		if purgeErr != nil {
			return purgeErr
		}
		cmdCtx.Logger.Info("purge complete", "deleted", deleted, "older_than", opts.OlderThan)
		return writef(cmdCtx.Out, "Deleted %d finished jobs older than %s\n", deleted, opts.OlderThan)
	})
}

type terminalJobDeleter interface {
	DeleteTerminalBefore(ctx context.Context, params core.DeleteTerminalJobsParams) ([]*model.Job, error)
}

type pathRemover interface {
	RemovePaths(artifactPath, workDir string) error
}

// purgeTerminalJobs deletes in batches until a short batch signals nothing is left.
// File removal failures are reported but do not stop the purge.
func purgeTerminalJobs(ctx context.Context, repo terminalJobDeleter, files pathRemover, opts purgeOptions) (int, error) {
	total := 0
	var fileErrs []error
	for {
		jobs, err := repo.DeleteTerminalBefore(ctx, core.DeleteTerminalJobsParams{
			MaxAge:    opts.OlderThan,
			BatchSize: opts.BatchSize,
		})
		if err != nil {
			return total, fmt.Errorf("delete finished jobs: %w", err)
		}
		for _, j := range jobs {
			if rmErr := files.RemovePaths(j.ArtifactPath, j.WorkDir); rmErr != nil {
				fileErrs = append(fileErrs, fmt.Errorf("job %s: %w", j.ID, rmErr))
			}
		}
		total += len(jobs)
		if len(jobs) < opts.BatchSize {
			break
		}
	}
	if len(fileErrs) > 0 {
		return total, fmt.Errorf("remove job files: %w", errors.Join(fileErrs...))
	}
	return total, nil
}

func runReapOnce(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags("reap-once", args)
	if err != nil {
		return err
	}

	files, err := newIntake(cmdCtx)
	if err != nil {
		return err
	}

	redisClient, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{
		RedisConfig: cmdCtx.Config.Redis,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if cerr := redisClient.Close(); cerr != nil {
			cmdCtx.Logger.Warn("redis close failed", "error", cerr)
		}
	}()

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		runner, runnerErr := reaper.NewRunner(reaper.RunnerOptions{
			DB:     db,
			Config: cmdCtx.Config.Reaper,
			Logger: cmdCtx.Logger,
			Guard:  data.NewInFlightRepo(redisClient, cmdCtx.Config.Redis.KeyPrefix),
			Files:  files,
		})
		if runnerErr != nil {
			return fmt.Errorf("create reaper runner: %w", runnerErr)
		}
		return runner.RunOnce(ctx)
	})
}

func newIntake(cmdCtx *commandContext) (*intake.Intake, error) {
	scan := cmdCtx.Config.Scan
	in, err := intake.New(intake.Options{
		Dir:                  scan.UploadDir(),
		MaxUploadBytes:       scan.MaxUploadBytes,
		MaxUncompressedBytes: scan.MaxUncompressedBytes,
		MaxEntries:           scan.MaxEntries,
		MaxDepth:             scan.MaxDepth,
		MaxCompressionRatio:  scan.MaxCompressionRatio,
		MaxNestedArchives:    scan.MaxNestedArchives,
		Logger:               cmdCtx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open upload dir: %w", err)
	}
	return in, nil
}

func parseMigrateFlags(name string, args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{}
	fs.DurationVar(&opts.Timeout, "timeout", defaultMigrationTimeout, "Maximum duration to wait for the command to complete")

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}
	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func parseJobsListFlags(args []string) (jobsListOptions, error) {
	fs := flag.NewFlagSet("jobs-list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		opts   jobsListOptions
		status string
	)
	fs.StringVar(&status, "status", "", "Only list jobs in this status (pending, ongoing, completed, failed)")
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum number of jobs to list (0 lists all)")
	fs.IntVar(&opts.Offset, "offset", 0, "Number of jobs to skip")
	fs.BoolVar(&opts.JSON, "json", false, "Print jobs as JSON")

	if err := fs.Parse(args); err != nil {
		return jobsListOptions{}, err
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return jobsListOptions{}, errors.New("--limit and --offset must not be negative")
	}
	if status != "" {
		var st model.JobStatus
		if err := st.UnmarshalText([]byte(status)); err != nil {
			return jobsListOptions{}, fmt.Errorf("--status: %w", err)
		}
		opts.Status = &st
	}
	return opts, nil
}

func parsePurgeFlags(args []string, defaultBatch int) (purgeOptions, error) {
	fs := flag.NewFlagSet("jobs-purge", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	if defaultBatch <= 0 {
		defaultBatch = 500
	}
	opts := purgeOptions{}
	fs.DurationVar(&opts.OlderThan, "older-than", 0, "Delete completed or failed jobs last updated before now minus this duration (required)")
	fs.IntVar(&opts.BatchSize, "batch-size", defaultBatch, "Rows deleted per statement")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip the confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return purgeOptions{}, err
	}
	if opts.OlderThan <= 0 {
		return purgeOptions{}, errors.New("--older-than must be greater than zero")
	}
	if opts.BatchSize <= 0 {
		return purgeOptions{}, errors.New("--batch-size must be greater than zero")
	}
	return opts, nil
}

func confirmPurge(out io.Writer, in io.Reader, opts purgeOptions) error {
	if opts.Yes {
		return nil
	}
	if err := writef(out, "About to delete finished jobs older than %s and their files.\n", opts.OlderThan); err != nil {
		return fmt.Errorf("print confirmation message: %w", err)
	}
	if err := write(out, "Continue? [y/N]: "); err != nil {
		return fmt.Errorf("print confirmation prompt: %w", err)
	}
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	if resp == "y" || resp == "yes" {
		return nil
	}
	return errors.New("aborted by user")
}

func renderJobsTable(w io.Writer, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return writeln(w, "(no jobs)")
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "JOB ID\tSTATUS\tFILENAME\tCREATED\tSUMMARY"); err != nil {
		return fmt.Errorf("write jobs header row: %w", err)
	}
	for _, j := range jobs {
		summary := "-"
		if j.Summary != nil {
			summary = *j.Summary
		}
		if err := writef(tw, "%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Status, j.Filename, j.CreatedAt.UTC().Format(time.RFC3339), summary); err != nil {
			return fmt.Errorf("write job row: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush jobs table: %w", err)
	}
	return nil
}

func renderStats(w io.Writer, stats *model.JobStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		count int
	}{
		{"pending", stats.Pending},
		{"ongoing", stats.Ongoing},
		{"completed", stats.Completed},
		{"failed", stats.Failed},
		{"total", stats.Total()},
	}
	for _, r := range rows {
		if err := writef(tw, "%s\t%d\n", r.label, r.count); err != nil {
			return fmt.Errorf("write stats row: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush stats table: %w", err)
	}
	return nil
}

func renderMigrations(w io.Writer, migrations []migrate.Migration) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "VERSION\tFILE\tAPPLIED"); err != nil {
		return fmt.Errorf("write migrations header row: %w", err)
	}
	for _, m := range migrations {
		applied := "pending"
		if m.Applied() {
			applied = m.AppliedAt.UTC().Format(time.RFC3339)
		}
		if err := writef(tw, "%s\t%s\t%s\n", m.Version, m.File, applied); err != nil {
			return fmt.Errorf("write migration row: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush migrations table: %w", err)
	}
	return nil
}
