// Package migrate applies the embedded SQL schema for the job store and dispatch queue.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration describes one embedded migration file and whether it has been applied.
type Migration struct {
	Version   string
	File      string
	AppliedAt *time.Time
}

// Applied reports whether the migration has been recorded in schema_migrations.
func (m Migration) Applied() bool {
	return m.AppliedAt != nil
}

// Run applies all pending migrations in version order. It is safe to call multiple times.
func Run(ctx context.Context, db *sql.DB) error {
	migrations, err := Status(ctx, db)
	if err != nil {
		return err
	}

	logger := slog.Default().With("component", "migrations")
	for _, m := range migrations {
		if m.Applied() {
			continue
		}
		logger.InfoContext(ctx, "applying migration", "version", m.Version)
		if err := apply(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

// Status lists every embedded migration with its applied timestamp, creating the
// bookkeeping table when it does not exist yet.
func Status(ctx context.Context, db *sql.DB) ([]Migration, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations table: %w", err)
	}

	files, err := embeddedFiles()
	if err != nil {
		return nil, err
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(files))
	for _, f := range files {
		m := Migration{Version: strings.TrimSuffix(f, ".sql"), File: f}
		if at, ok := applied[m.Version]; ok {
			m.AppliedAt = &at
		}
		out = append(out, m)
	}
	return out, nil
}

func embeddedFiles() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = at.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

func apply(ctx context.Context, db *sql.DB, m Migration) (err error) {
	body, err := migrationsFS.ReadFile("migrations/" + m.File)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", m.File, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback migration %s: %w", m.File, rbErr))
		}
	}()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("exec migration %s: %w", m.File, err)
	}
	// ON CONFLICT covers two processes racing through startup migrations.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`,
		m.Version,
	); err != nil {
		return fmt.Errorf("record migration %s: %w", m.File, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.File, err)
	}
	return nil
}
