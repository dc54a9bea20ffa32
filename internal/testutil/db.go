package testutil

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/google/uuid"
	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/target/dwas-scanner/internal/migrate"
)

// dbSettings locates the integration database. The local default is the
// compose test profile on port 55432; CI sets TEST_DB_PORT=5432.
type dbSettings struct {
	host, port, user, password, name, sslMode string
}

func loadDBSettings() dbSettings {
	return dbSettings{
		host:     envOr("TEST_DB_HOST", "localhost"),
		port:     envOr("TEST_DB_PORT", "55432"),
		user:     envOr("TEST_DB_USER", "dwas"),
		password: envOr("TEST_DB_PASSWORD", "dwas"),
		name:     envOr("TEST_DB_NAME", "dwas"),
		sslMode:  envOr("DB_SSL_MODE", "disable"),
	}
}

// dsn renders a pgx URL, scoped to schema when one is given.
func (s dbSettings) dsn(schema string) string {
	q := url.Values{}
	q.Set("sslmode", s.sslMode)
	if schema != "" {
		q.Set("search_path", schema+",public")
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(s.user, s.password),
		Host:     net.JoinHostPort(s.host, s.port),
		Path:     "/" + s.name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func openPinged(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// SkipIfNoTestDB skips t when the integration database cannot be reached,
// or fails it when TEST_REQUIRE_DB or TEST_REQUIRE_INFRA is set.
func SkipIfNoTestDB(t TestingTB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	db, err := openPinged(ctx, loadDBSettings().dsn(""))
	if err != nil {
		skipOrFail(t, "db", err)
		return
	}
	_ = db.Close()
}

// WithAutoDB hands fn a migrated database with no jobs in it. With
// TEST_DB_EPHEMERAL set, each test gets its own schema, dropped afterwards;
// otherwise the shared schema is wiped before and after fn.
func WithAutoDB(t TestingTB, fn func(*sql.DB)) {
	t.Helper()
	if envTrue("TEST_DB_EPHEMERAL") {
		fn(ephemeralDB(t))
		return
	}

	db := migratedDB(t, "")
	defer func() {
		wipeJobs(t, db)
		if err := db.Close(); err != nil {
			t.Logf("close test db: %v", err)
		}
	}()
	wipeJobs(t, db)
	fn(db)
}

func migratedDB(t TestingTB, schema string) *sql.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := openPinged(ctx, loadDBSettings().dsn(schema))
	if err != nil {
		skipOrFail(t, "db", err)
		return nil
	}
	if err := migrate.Run(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func ephemeralDB(t TestingTB) *sql.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	admin, err := openPinged(ctx, loadDBSettings().dsn(""))
	if err != nil {
		skipOrFail(t, "db", err)
		return nil
	}
	schema := "dwas_t" + uuid.NewString()[:8]
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		_ = admin.Close()
		t.Fatalf("create schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dropCancel()
		if _, err := admin.ExecContext(dropCtx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		_ = admin.Close()
	})

	db := migratedDB(t, schema)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// wipeJobs removes every job; their scan tasks go with them through the FK cascade.
func wipeJobs(t TestingTB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DELETE FROM jobs"); err != nil {
		t.Fatalf("wipe jobs: %v", err)
	}
}

// TaskState is the queue row backing a job's dispatch.
type TaskState struct {
	ID             string
	Attempts       int
	AvailableAt    time.Time
	LeaseExpiresAt *time.Time
}

// Leased reports whether a worker currently holds the task.
func (s *TaskState) Leased() bool {
	return s != nil && s.LeaseExpiresAt != nil
}

// ReadTask returns the scan task queued for jobID, or nil when the job has none.
func ReadTask(t TestingTB, db *sql.DB, jobID string) *TaskState {
	t.Helper()
	var (
		st    TaskState
		lease sql.NullTime
	)
	err := db.QueryRowContext(context.Background(), `
		SELECT id, attempts, available_at, lease_expires_at
		FROM scan_tasks
		WHERE job_id = $1
	`, jobID).Scan(&st.ID, &st.Attempts, &st.AvailableAt, &lease)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		t.Fatalf("read scan task for job %s: %v", jobID, err)
	}
	if lease.Valid {
		ts := lease.Time
		st.LeaseExpiresAt = &ts
	}
	return &st
}
