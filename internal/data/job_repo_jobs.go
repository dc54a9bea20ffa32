package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/target/dwas-scanner/internal/data/pgxutil"
	jobdomain "github.com/target/dwas-scanner/internal/domain/job"
	"github.com/target/dwas-scanner/internal/domain/model"
)

const insertJobSQL = `
  INSERT INTO jobs (id, filename, status, artifact_path, work_dir, created_at, updated_at)
  VALUES ($1, $2, 'pending', $3, $4, $5, $5)
  RETURNING ` + jobColumns

const insertTaskSQL = `
  INSERT INTO scan_tasks (job_id, available_at, created_at)
  VALUES ($1, $2, $2)
  ON CONFLICT (job_id) DO NOTHING`

// Create persists a pending job and enqueues its scan task in the same transaction.
// If the task cannot be enqueued the job is not created.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !validJobID(req.ID) {
		return nil, fmt.Errorf("invalid job id %q", req.ID)
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()

			created, err := scanJobFromRow(tx.QueryRow(ctx, insertJobSQL,
				req.ID, req.Filename, req.ArtifactPath, req.WorkDir, now))
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}

			if _, err := tx.Exec(ctx, insertTaskSQL, created.ID, now); err != nil {
				return fmt.Errorf("enqueue scan task: %w", err)
			}
			if _, err := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, taskNotifyChannel, created.ID); err != nil {
				return fmt.Errorf("send task notification: %w", err)
			}

			job = created
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if !validJobID(id) {
		return nil, ErrJobNotFound
	}

	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs newest first. A zero Limit returns every matching job.
func (r *JobRepo) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	query, args := buildJobListQuery(opts)

	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query jobs: %w", err)
		}
		jobs, err = collectJobs(rows)
		if err != nil {
			return fmt.Errorf("collect jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return jobs, nil
}

func buildJobListQuery(opts model.JobListOptions) (string, []any) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any

	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

// Update applies a partial update under a row lock. Terminal jobs accept summary changes
// but their status and result are never touched here.
func (r *JobRepo) Update(ctx context.Context, id string, upd model.JobUpdate) (*model.Job, error) {
	if !validJobID(id) {
		return nil, ErrJobNotFound
	}
	if upd.Filename != nil && *upd.Filename == "" {
		return nil, errors.New("filename must not be empty")
	}

	var job *model.Job
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked string
			err := tx.QueryRowContext(ctx, `SELECT id::text FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			if err != nil {
				return fmt.Errorf("lock job: %w", err)
			}

			row := tx.QueryRowContext(ctx, `
				UPDATE jobs
				SET filename = COALESCE($2, filename),
				    summary = COALESCE($3, summary),
				    updated_at = GREATEST(updated_at, $4)
				WHERE id = $1
				RETURNING `+jobColumns,
				id, upd.Filename, upd.Summary, r.timeProvider.Now().UTC())
			updated, err := scanJobFromRow(row)
			if err != nil {
				return fmt.Errorf("update job: %w", err)
			}
			job = updated
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// MarkOngoing moves a job to ongoing and counts the attempt. Re-marking an ongoing job is
// how a recovered job restarts.
func (r *JobRepo) MarkOngoing(ctx context.Context, id string) (*model.Job, error) {
	if !validJobID(id) {
		return nil, ErrJobNotFound
	}

	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'ongoing',
		    attempts = attempts + 1,
		    updated_at = GREATEST(updated_at, $2)
		WHERE id = $1 AND status = ANY($3::text[])
		RETURNING `+jobColumns,
		id, r.timeProvider.Now().UTC(), statusStrings(jobdomain.SourcesFor(model.JobStatusOngoing)))

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionError(ctx, id, model.JobStatusOngoing)
	}
	if err != nil {
		return nil, fmt.Errorf("mark job ongoing: %w", err)
	}
	return job, nil
}

// Complete stores the aggregated result and moves the job to completed. Status, result
// and completed_at change in one statement so readers never see a half-written result.
func (r *JobRepo) Complete(ctx context.Context, id string, req model.CompleteJobRequest) (*model.Job, error) {
	if !validJobID(id) {
		return nil, ErrJobNotFound
	}
	if !json.Valid(req.Result) {
		return nil, errors.New("result must be valid JSON")
	}

	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    result = $2::jsonb,
		    summary = $3,
		    last_error = NULL,
		    error_trace = NULL,
		    completed_at = GREATEST(updated_at, $4),
		    updated_at = GREATEST(updated_at, $4)
		WHERE id = $1 AND status = ANY($5::text[])
		RETURNING `+jobColumns,
		id, string(req.Result), req.Summary, r.timeProvider.Now().UTC(),
		statusStrings(jobdomain.SourcesFor(model.JobStatusCompleted)))

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionError(ctx, id, model.JobStatusCompleted)
	}
	if err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	return job, nil
}

// Fail moves a job to failed. The error and trace are stored both as columns and as the
// job result so clients see them through the normal result field.
func (r *JobRepo) Fail(ctx context.Context, id string, jobErr model.JobError) (*model.Job, error) {
	if !validJobID(id) {
		return nil, ErrJobNotFound
	}
	if jobErr.Message == "" {
		jobErr.Message = "scan failed"
	}
	result, err := json.Marshal(jobErr)
	if err != nil {
		return nil, fmt.Errorf("marshal job error: %w", err)
	}

	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    result = $2::jsonb,
		    last_error = $3,
		    error_trace = $4,
		    completed_at = GREATEST(updated_at, $5),
		    updated_at = GREATEST(updated_at, $5)
		WHERE id = $1 AND status = ANY($6::text[])
		RETURNING `+jobColumns,
		id, string(result), jobErr.Message, jobErr.Trace, r.timeProvider.Now().UTC(),
		statusStrings(jobdomain.SourcesFor(model.JobStatusFailed)))

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionError(ctx, id, model.JobStatusFailed)
	}
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	return job, nil
}

// Delete removes a job and its queued task, returning the removed row.
func (r *JobRepo) Delete(ctx context.Context, id string) (*model.Job, error) {
	if !validJobID(id) {
		return nil, ErrJobNotFound
	}

	row := r.DB.QueryRowContext(ctx, `DELETE FROM jobs WHERE id = $1 RETURNING `+jobColumns, id)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete job: %w", err)
	}
	return job, nil
}

// DeleteAll removes every job and returns the removed rows.
func (r *JobRepo) DeleteAll(ctx context.Context) ([]*model.Job, error) {
	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `DELETE FROM jobs RETURNING `+jobColumns)
		if err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		jobs, err = collectJobs(rows)
		if err != nil {
			return fmt.Errorf("collect deleted jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return jobs, nil
}

// Stats returns job counts by status.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'ongoing')   AS ongoing,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed
  FROM jobs
  `).Scan(&s.Pending, &s.Ongoing, &s.Completed, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}
