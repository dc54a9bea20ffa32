package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/target/dwas-scanner/internal/core"
	"github.com/target/dwas-scanner/internal/data/pgxutil"
	"github.com/target/dwas-scanner/internal/domain/model"
)

// Advisory lock namespace for reaper operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
const (
	advisoryLockReaperMajor  = 1000
	advisoryLockReaperDelete = 2
)

// FindStaleOngoing returns ongoing jobs not updated within OlderThan that have no queued
// or leased task. Their worker is presumed lost.
func (r *JobRepo) FindStaleOngoing(ctx context.Context, params core.FindStaleJobsParams) ([]*model.Job, error) {
	if params.OlderThan <= 0 {
		return nil, errors.New("older than must be greater than zero")
	}
	if params.Limit <= 0 {
		return nil, errors.New("limit must be greater than zero")
	}

	cutoff := r.timeProvider.Now().Add(-params.OlderThan).UTC()

	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs j
			WHERE j.status = 'ongoing'
			  AND j.updated_at < $1
			  AND NOT EXISTS (SELECT 1 FROM scan_tasks t WHERE t.job_id = j.id)
			ORDER BY j.updated_at ASC
			LIMIT $2
		`, cutoff, params.Limit)
		if err != nil {
			return fmt.Errorf("query stale jobs: %w", err)
		}
		jobs, err = collectJobs(rows)
		if err != nil {
			return fmt.Errorf("collect stale jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Requeue enqueues a fresh scan task for an ongoing job. It returns false if the job
// already has a task or is no longer ongoing.
func (r *JobRepo) Requeue(ctx context.Context, jobID string) (bool, error) {
	if !validJobID(jobID) {
		return false, ErrJobNotFound
	}

	var inserted bool
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			now := r.timeProvider.Now().UTC()
			res, err := tx.ExecContext(ctx, `
				INSERT INTO scan_tasks (job_id, available_at, created_at)
				SELECT id, $2, $2 FROM jobs WHERE id = $1 AND status = 'ongoing'
				ON CONFLICT (job_id) DO NOTHING
			`, jobID, now)
			if err != nil {
				return fmt.Errorf("requeue job: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n == 0 {
				return nil
			}
			// Touch the job so it is not picked up as stale again before a worker starts it.
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`, jobID, now); err != nil {
				return fmt.Errorf("touch requeued job: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, taskNotifyChannel, jobID); err != nil {
				return fmt.Errorf("send task notification: %w", err)
			}
			inserted = true
			return nil
		},
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// DeleteTerminalBefore deletes completed and failed jobs that finished more than MaxAge ago.
// Processes up to BatchSize jobs per call and returns the removed rows so their files can be released.
func (r *JobRepo) DeleteTerminalBefore(ctx context.Context, params core.DeleteTerminalJobsParams) ([]*model.Job, error) {
	if params.MaxAge <= 0 {
		return nil, errors.New("max age must be greater than zero")
	}
	if params.BatchSize <= 0 {
		return nil, errors.New("batch size must be greater than zero")
	}

	var jobs []*model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var locked bool
			if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, advisoryLockReaperDelete).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			cutoff := r.timeProvider.Now().Add(-params.MaxAge).UTC()
			rows, err := tx.Query(ctx, `
				DELETE FROM jobs
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status IN ('completed', 'failed')
					  AND completed_at < $1
					ORDER BY completed_at
					LIMIT $2
				)
				RETURNING `+jobColumns, cutoff, params.BatchSize)
			if err != nil {
				return fmt.Errorf("delete old jobs: %w", err)
			}
			jobs, err = collectJobs(rows)
			if err != nil {
				return fmt.Errorf("collect deleted jobs: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

var _ core.ReaperRepository = (*JobRepo)(nil)
var _ core.JobRepository = (*JobRepo)(nil)
var _ core.TaskQueue = (*JobRepo)(nil)
