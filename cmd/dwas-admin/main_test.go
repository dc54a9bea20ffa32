package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/dwas-scanner/internal/core"
	"github.com/target/dwas-scanner/internal/domain/model"
	"github.com/target/dwas-scanner/internal/migrate"
)

func TestPrintUsageListsCommandsSorted(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printUsage(&buf))

	out := buf.String()
	require.Contains(t, out, "Usage: dwas-admin <command> [flags]")
	assert.Less(t, strings.Index(out, "jobs-list"), strings.Index(out, "migrate"))
	assert.Less(t, strings.Index(out, "migrate-status"), strings.Index(out, "reap-once"))
}

func TestParseJobsListFlags(t *testing.T) {
	opts, err := parseJobsListFlags([]string{"--status", "completed", "--limit", "5", "--offset", "10", "--json"})
	require.NoError(t, err)
	require.NotNil(t, opts.Status)
	assert.Equal(t, model.JobStatusCompleted, *opts.Status)
	assert.Equal(t, 5, opts.Limit)
	assert.Equal(t, 10, opts.Offset)
	assert.True(t, opts.JSON)

	_, err = parseJobsListFlags([]string{"--status", "running"})
	require.Error(t, err)

	_, err = parseJobsListFlags([]string{"--limit", "-1"})
	require.Error(t, err)
}

func TestParsePurgeFlags(t *testing.T) {
	opts, err := parsePurgeFlags([]string{"--older-than", "720h", "--yes"}, 200)
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, opts.OlderThan)
	assert.Equal(t, 200, opts.BatchSize)
	assert.True(t, opts.Yes)

	_, err = parsePurgeFlags(nil, 200)
	require.ErrorContains(t, err, "--older-than")
}

func TestParseMigrateFlagsRejectsZeroTimeout(t *testing.T) {
	_, err := parseMigrateFlags("migrate", []string{"--timeout", "0s"})
	require.Error(t, err)
}

func TestConfirmPurge(t *testing.T) {
	opts := purgeOptions{OlderThan: time.Hour}

	var out bytes.Buffer
	require.NoError(t, confirmPurge(&out, strings.NewReader("yes\n"), opts))
	assert.Contains(t, out.String(), "Continue? [y/N]")

	require.EqualError(t, confirmPurge(&out, strings.NewReader("\n"), opts), "aborted by user")
	require.EqualError(t, confirmPurge(&out, strings.NewReader(""), opts), "aborted by user")

	opts.Yes = true
	require.NoError(t, confirmPurge(&out, strings.NewReader(""), opts))
}

type fakeDeleter struct {
	batches [][]*model.Job
	calls   int
}

func (f *fakeDeleter) DeleteTerminalBefore(_ context.Context, _ core.DeleteTerminalJobsParams) ([]*model.Job, error) {
	if f.calls >= len(f.batches) {
		f.calls++
		return nil, nil
	}
	b := f.batches[f.calls]
	f.calls++
	return b, nil
}

type fakeRemover struct {
	removed []string
	failFor string
}

func (f *fakeRemover) RemovePaths(artifactPath, _ string) error {
	if artifactPath == f.failFor {
		return errors.New("permission denied")
	}
	f.removed = append(f.removed, artifactPath)
	return nil
}

func TestPurgeTerminalJobs_StopsOnShortBatch(t *testing.T) {
	repo := &fakeDeleter{batches: [][]*model.Job{
		{{ID: "a", ArtifactPath: "a.zip"}, {ID: "b", ArtifactPath: "b.zip"}},
		{{ID: "c", ArtifactPath: "c.zip"}},
	}}
	files := &fakeRemover{}

	n, err := purgeTerminalJobs(context.Background(), repo, files, purgeOptions{OlderThan: time.Hour, BatchSize: 2})

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, repo.calls)
	assert.Equal(t, []string{"a.zip", "b.zip", "c.zip"}, files.removed)
}

func TestPurgeTerminalJobs_ReportsFileErrorsAfterPurging(t *testing.T) {
	repo := &fakeDeleter{batches: [][]*model.Job{{{ID: "a", ArtifactPath: "a.zip"}, {ID: "b", ArtifactPath: "b.zip"}}}}
	files := &fakeRemover{failFor: "a.zip"}

	n, err := purgeTerminalJobs(context.Background(), repo, files, purgeOptions{OlderThan: time.Hour, BatchSize: 10})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "job a")
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"b.zip"}, files.removed)
}

func TestRenderJobsTable(t *testing.T) {
	summary := "Found 2 issues (code: 1, dependency: 1, quality: 0)"
	jobs := []*model.Job{
		{
			ID:        "job-1",
			Filename:  "app.zip",
			Status:    model.JobStatusCompleted,
			Summary:   &summary,
			CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		{ID: "job-2", Filename: "lib.zip", Status: model.JobStatusPending},
	}

	var buf bytes.Buffer
	require.NoError(t, renderJobsTable(&buf, jobs))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "JOB ID")
	assert.Contains(t, lines[1], "2025-01-02T03:04:05Z")
	assert.Contains(t, lines[1], summary)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "-"))

	buf.Reset()
	require.NoError(t, renderJobsTable(&buf, nil))
	assert.Equal(t, "(no jobs)\n", buf.String())
}

func TestRenderStats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderStats(&buf, &model.JobStats{Pending: 1, Ongoing: 2, Completed: 3, Failed: 4}))

	out := buf.String()
	assert.Contains(t, out, "completed  3")
	assert.Contains(t, out, "total      10")
}

func TestRenderMigrations(t *testing.T) {
	applied := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, renderMigrations(&buf, []migrate.Migration{
		{Version: "001", File: "001_jobs.sql", AppliedAt: &applied},
		{Version: "002", File: "002_tasks.sql"},
	}))

	out := buf.String()
	assert.Contains(t, out, "2025-05-06T07:08:09Z")
	assert.Contains(t, out, "pending")
}
