package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/dwas-scanner/internal/domain/scan"
)

type fakeRunner struct {
	result CommandResult
	err    error
	block  bool
	calls  []Command
}

func (f *fakeRunner) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	f.calls = append(f.calls, cmd)
	if f.block {
		<-ctx.Done()
		return CommandResult{}, ctx.Err()
	}
	return f.result, f.err
}

func testSpec() ToolSpec {
	return ToolSpec{
		Name:        "bandit",
		Category:    scan.CategoryCode,
		Command:     "bandit",
		Args:        []string{"-r", DirPlaceholder, "-f", "json"},
		OkExitCodes: []int{0, 1},
		Timeout:     time.Second,
		IssuesExpr:  "length(results)",
	}
}

func newAdapter(t *testing.T, spec ToolSpec, r CommandRunner) *ToolAdapter {
	t.Helper()
	a, err := NewToolAdapter(spec, ToolAdapterOptions{Runner: r})
	require.NoError(t, err)
	return a
}

func TestToolAdapter_Analyze(t *testing.T) {
	tests := []struct {
		name       string
		runner     *fakeRunner
		wantKind   scan.FailureKind
		wantIssues int
	}{
		{
			name:       "clean run",
			runner:     &fakeRunner{result: CommandResult{Stdout: []byte(`{"results":[]}`)}},
			wantIssues: 0,
		},
		{
			name:       "findings with exit 1",
			runner:     &fakeRunner{result: CommandResult{ExitCode: 1, Stdout: []byte(`{"results":[{"a":1},{"b":2}]}`)}},
			wantIssues: 2,
		},
		{
			name:     "unexpected exit",
			runner:   &fakeRunner{result: CommandResult{ExitCode: 2, Stderr: []byte("boom")}},
			wantKind: scan.FailureExit,
		},
		{
			name:     "not json",
			runner:   &fakeRunner{result: CommandResult{Stdout: []byte("Traceback (most recent call last)")}},
			wantKind: scan.FailureParse,
		},
		{
			name:     "truncated output",
			runner:   &fakeRunner{result: CommandResult{Stdout: []byte(`{"results":[`), Truncated: true}},
			wantKind: scan.FailureParse,
		},
		{
			name:     "binary missing",
			runner:   &fakeRunner{err: fmt.Errorf("start bandit: %w", exec.ErrNotFound)},
			wantKind: scan.FailureUnavailable,
		},
		{
			name:     "timeout",
			runner:   &fakeRunner{block: true},
			wantKind: scan.FailureTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testSpec()
			spec.Timeout = 50 * time.Millisecond
			a := newAdapter(t, spec, tt.runner)

			out := a.Analyze(context.Background(), "/work/job")

			assert.Equal(t, "bandit", out.Tool)
			assert.Equal(t, scan.CategoryCode, out.Category)
			if tt.wantKind != "" {
				require.True(t, out.Failed())
				assert.Equal(t, tt.wantKind, out.Failure.Kind)
				return
			}
			require.False(t, out.Failed(), "unexpected failure: %v", out.Failure)
			assert.Equal(t, tt.wantIssues, out.Issues)
			assert.True(t, json.Valid(out.Payload))
		})
	}
}

func TestToolAdapter_SubstitutesDir(t *testing.T) {
	r := &fakeRunner{result: CommandResult{Stdout: []byte(`{"results":[]}`)}}
	a := newAdapter(t, testSpec(), r)

	a.Analyze(context.Background(), "/work/job")

	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"-r", "/work/job", "-f", "json"}, r.calls[0].Args)
	assert.Equal(t, "/work/job", r.calls[0].Dir)
}

func TestToolAdapter_ExitDetailIncludesStderr(t *testing.T) {
	r := &fakeRunner{result: CommandResult{ExitCode: 2, Stderr: []byte("  config error: bad rule\n")}}
	out := newAdapter(t, testSpec(), r).Analyze(context.Background(), t.TempDir())

	require.True(t, out.Failed())
	assert.Equal(t, "exit status 2: config error: bad rule", out.Failure.Detail)
}

func TestToolAdapter_ParentCancelIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := newAdapter(t, testSpec(), &fakeRunner{block: true}).Analyze(ctx, t.TempDir())

	require.True(t, out.Failed())
	assert.Equal(t, scan.FailureInternal, out.Failure.Kind)
}

func TestToolAdapter_RequireFile(t *testing.T) {
	spec := testSpec()
	spec.Name = "pip_audit"
	spec.Category = scan.CategoryDependency
	spec.RequireFile = "requirements.txt"
	spec.IssuesExpr = "sum(map(&length(vulns || `[]`), dependencies || `[]`))"

	t.Run("missing file skips", func(t *testing.T) {
		r := &fakeRunner{}
		out := newAdapter(t, spec, r).Analyze(context.Background(), t.TempDir())

		require.False(t, out.Failed())
		assert.Empty(t, r.calls)
		assert.Equal(t, 0, out.Issues)
		assert.JSONEq(t, `{"skipped":"requirements.txt not found","dependencies":[]}`, string(out.Payload))
	})

	t.Run("present file runs", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("flask==0.12\n"), 0o600))
		r := &fakeRunner{result: CommandResult{ExitCode: 1, Stdout: []byte(`{
			"dependencies": [
				{"name": "flask", "version": "0.12", "vulns": [{"id": "PYSEC-1"}, {"id": "PYSEC-2"}]},
				{"name": "jinja2", "version": "3.1.4", "vulns": []},
				{"name": "local-pkg", "skip_reason": "not on PyPI"}
			],
			"fixes": []
		}`)}}

		out := newAdapter(t, spec, r).Analyze(context.Background(), dir)

		require.False(t, out.Failed(), "unexpected failure: %v", out.Failure)
		assert.Len(t, r.calls, 1)
		assert.Equal(t, 2, out.Issues)
	})
}

func TestToolAdapter_FilePattern(t *testing.T) {
	spec := testSpec()
	spec.Name = "pylint"
	spec.Category = scan.CategoryQuality
	spec.Args = []string{"--output-format=json"}
	spec.OkExitCodes = []int{0}
	spec.FilePattern = "*.py"
	spec.IssuesExpr = "length(@)"

	t.Run("no matching files", func(t *testing.T) {
		r := &fakeRunner{}
		out := newAdapter(t, spec, r).Analyze(context.Background(), t.TempDir())

		require.False(t, out.Failed())
		assert.Empty(t, r.calls)
		assert.JSONEq(t, `[]`, string(out.Payload))
	})

	t.Run("matching files are appended", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o750))
		for _, name := range []string{"main.py", "pkg/util.py", "README.md"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x = 1\n"), 0o600))
		}
		r := &fakeRunner{result: CommandResult{Stdout: []byte(`[{"type":"convention"}]`)}}

		out := newAdapter(t, spec, r).Analyze(context.Background(), dir)

		require.False(t, out.Failed())
		require.Len(t, r.calls, 1)
		assert.Equal(t, []string{"--output-format=json", "main.py", filepath.Join("pkg", "util.py")}, r.calls[0].Args)
		assert.Equal(t, 1, out.Issues)
	})
}

func TestCountIssues(t *testing.T) {
	var doc any
	require.NoError(t, json.Unmarshal([]byte(`{"results":[1,2,3],"name":"x"}`), &doc))

	n, err := countIssues("length(results)", doc)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = countIssues("", doc)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = countIssues("name", doc)
	require.Error(t, err)
}

func TestBuild(t *testing.T) {
	analyzers, err := Build(DefaultSpecs(Timeouts{Code: time.Minute, Dependency: time.Minute, Quality: time.Minute}), ToolAdapterOptions{})
	require.NoError(t, err)

	names := make([]string, 0, len(analyzers))
	for _, a := range analyzers {
		names = append(names, a.Name())
	}
	assert.Equal(t, []string{"bandit", "semgrep", "pip_audit", "pylint"}, names)

	spec := testSpec()
	_, err = Build([]ToolSpec{spec, spec}, ToolAdapterOptions{})
	require.Error(t, err)
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := ExecRunner{MaxOutputBytes: 8}

	t.Run("exit code and output", func(t *testing.T) {
		res, err := r.Run(context.Background(), Command{Path: "sh", Args: []string{"-c", "printf '{}'; echo oops >&2; exit 3"}})
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "{}", string(res.Stdout))
		assert.Equal(t, "oops", strings.TrimSpace(string(res.Stderr)))
		assert.False(t, res.Truncated)
	})

	t.Run("output cap", func(t *testing.T) {
		res, err := r.Run(context.Background(), Command{Path: "sh", Args: []string{"-c", "printf '0123456789abcdef'"}})
		require.NoError(t, err)
		assert.Equal(t, "01234567", string(res.Stdout))
		assert.True(t, res.Truncated)
	})

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := r.Run(ctx, Command{Path: "sh", Args: []string{"-c", "sleep 5"}})
		require.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := r.Run(context.Background(), Command{Path: "definitely-not-a-real-analyzer"})
		require.ErrorIs(t, err, exec.ErrNotFound)
	})
}

func TestToolAdapter_NulEscapeIsKeptStorable(t *testing.T) {
	r := &fakeRunner{result: CommandResult{ExitCode: 1, Stdout: []byte(`{"results":[{"code":"x = '\u0000'"}]}`)}}
	a := newAdapter(t, testSpec(), r)

	out := a.Analyze(context.Background(), "/work/job")
	require.False(t, out.Failed(), "unexpected failure: %v", out.Failure)
	assert.Equal(t, 1, out.Issues)

	res := scan.Aggregate([]scan.Outcome{out})
	entry := res.Category(scan.CategoryCode)["bandit"]
	assert.NotContains(t, string(entry), `\u0000`)
	assert.JSONEq(t, `{"results":[{"code":"x = '�'"}]}`, string(entry))
}
