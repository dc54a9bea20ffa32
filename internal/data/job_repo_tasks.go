package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/target/dwas-scanner/internal/data/pgxutil"
	"github.com/target/dwas-scanner/internal/domain/model"
)

const taskColumns = `t.id::text, t.job_id::text, t.attempts, t.available_at, t.lease_expires_at, t.created_at`

// SQL used by ReserveNext to atomically lease the oldest available task.
const reserveNextTaskSQL = `
  WITH cte AS (
    SELECT id FROM scan_tasks
    WHERE lease_expires_at IS NULL AND available_at <= $1
    ORDER BY available_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE scan_tasks t
  SET lease_expires_at = $2,
      attempts = t.attempts + 1
  FROM cte
  WHERE t.id = cte.id
  RETURNING ` + taskColumns

func scanTask(scanner jobRowScanner) (*model.ScanTask, error) {
	task := &model.ScanTask{}
	var lease sql.NullTime
	if err := scanner.Scan(
		&task.ID,
		&task.JobID,
		&task.Attempts,
		&task.AvailableAt,
		&lease,
		&task.CreatedAt,
	); err != nil {
		return nil, err
	}
	task.LeaseExpiresAt = cloneNullableTime(lease)
	return task, nil
}

// ReserveNext leases the next available scan task. It returns model.ErrNoTasksAvailable
// when the queue is empty.
func (r *JobRepo) ReserveNext(ctx context.Context, lease time.Duration) (*model.ScanTask, error) {
	if lease <= 0 {
		return nil, errors.New("lease must be positive")
	}

	var task *model.ScanTask
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			t, err := scanTask(tx.QueryRow(ctx, reserveNextTaskSQL, now, now.Add(lease)))
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrNoTasksAvailable
			}
			if err != nil {
				return fmt.Errorf("reserve task: %w", err)
			}
			task = t
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ExtendLease pushes a leased task's expiry forward. It returns false when the task is
// gone, for example because its job was deleted mid-scan.
func (r *JobRepo) ExtendLease(ctx context.Context, taskID string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, errors.New("lease must be positive")
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE scan_tasks
		SET lease_expires_at = $2
		WHERE id = $1 AND lease_expires_at IS NOT NULL
	`, taskID, r.timeProvider.Now().UTC().Add(lease))
	if err != nil {
		return false, fmt.Errorf("extend task lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lease rows affected: %w", err)
	}
	return n > 0, nil
}

// Ack removes a finished task from the queue. Acking a task that no longer exists is not an error.
func (r *JobRepo) Ack(ctx context.Context, taskID string) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM scan_tasks WHERE id = $1`, taskID); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

// Advisory lock namespace for queue maintenance, distinct from the reaper's.
const (
	advisoryLockQueueMajor   = 2001
	advisoryLockQueueRequeue = 1
)

// RequeueExpired makes tasks whose lease expired available again and returns how many were released.
func (r *JobRepo) RequeueExpired(ctx context.Context) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockQueueMajor, advisoryLockQueueRequeue).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			now := r.timeProvider.Now().UTC()
			res, err := tx.ExecContext(ctx, `
				UPDATE scan_tasks
				SET lease_expires_at = NULL,
				    available_at = $1
				WHERE lease_expires_at IS NOT NULL
				  AND lease_expires_at < $1
			`, now)
			if err != nil {
				return fmt.Errorf("requeue expired tasks: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			if ra > 0 {
				if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1::text, '')`, taskNotifyChannel); err != nil {
					return fmt.Errorf("send task notification: %w", err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// WaitForNotification blocks until a task is enqueued or ctx ends.
func (r *JobRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			r.logger.DebugContext(ctx, "close listen conn", "error", cerr)
		}
	}()

	quoted := pgx.Identifier{taskNotifyChannel}.Sanitize()
	if _, err := conn.ExecContext(ctx, "LISTEN "+quoted); err != nil {
		return fmt.Errorf("listen %s: %w", taskNotifyChannel, err)
	}
	defer func() {
		// ctx is usually done here; UNLISTEN needs its own deadline.
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(unlistenCtx, "UNLISTEN "+quoted); err != nil {
			r.logger.DebugContext(ctx, "unlisten failed", "error", err)
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}
