package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/target/dwas-scanner/internal/core"
	"github.com/target/dwas-scanner/internal/domain/scan"
)

const stderrDetailBytes = 2048

var pathMatch = filepath.Match

// ToolAdapter runs one ToolSpec through a CommandRunner.
type ToolAdapter struct {
	spec   ToolSpec
	runner CommandRunner
	logger *slog.Logger
}

// ToolAdapterOptions groups dependencies for NewToolAdapter.
type ToolAdapterOptions struct {
	Runner CommandRunner
	Logger *slog.Logger
}

// NewToolAdapter validates spec and returns an adapter for it.
func NewToolAdapter(spec ToolSpec, opts ToolAdapterOptions) (*ToolAdapter, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolAdapter{
		spec:   spec,
		runner: runner,
		logger: logger.With("component", "analyzer", "tool", spec.Name),
	}, nil
}

// Build creates an adapter per spec.
func Build(specs []ToolSpec, opts ToolAdapterOptions) ([]core.Analyzer, error) {
	out := make([]core.Analyzer, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate analyzer %q", s.Name)
		}
		seen[s.Name] = true
		a, err := NewToolAdapter(s, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Name implements core.Analyzer.
func (a *ToolAdapter) Name() string { return a.spec.Name }

// Category implements core.Analyzer.
func (a *ToolAdapter) Category() scan.Category { return a.spec.Category }

// Timeout returns the execution budget for one run.
func (a *ToolAdapter) Timeout() time.Duration { return a.spec.Timeout }

// Analyze implements core.Analyzer.
func (a *ToolAdapter) Analyze(ctx context.Context, dir string) scan.Outcome {
	start := time.Now()
	out := a.analyze(ctx, dir)
	out = out.WithDuration(time.Since(start))

	if out.Failed() {
		a.logger.WarnContext(ctx, "analyzer failed",
			"kind", out.Failure.Kind,
			"detail", out.Failure.Detail,
			"duration", out.Duration,
		)
	} else {
		a.logger.DebugContext(ctx, "analyzer finished", "issues", out.Issues, "duration", out.Duration)
	}
	return out
}

func (a *ToolAdapter) analyze(ctx context.Context, dir string) scan.Outcome {
	if a.spec.RequireFile != "" {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(a.spec.RequireFile))); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return a.skipped(fmt.Sprintf("%s not found", a.spec.RequireFile))
			}
			return a.fail(scan.FailureInternal, fmt.Sprintf("stat %s: %v", a.spec.RequireFile, err))
		}
	}

	args := expandArgs(a.spec.Args, dir)
	if a.spec.FilePattern != "" {
		files, err := matchFiles(dir, a.spec.FilePattern)
		if err != nil {
			return a.fail(scan.FailureInternal, fmt.Sprintf("list files: %v", err))
		}
		if len(files) == 0 {
			return scan.Ok(a.spec.Category, a.spec.Name, json.RawMessage(`[]`), 0)
		}
		args = append(args, files...)
	}

	runCtx, cancel := context.WithTimeout(ctx, a.spec.Timeout)
	defer cancel()

	res, err := a.runner.Run(runCtx, Command{Path: a.spec.Command, Args: args, Dir: dir})
	if err != nil {
		return a.runError(ctx, runCtx, err)
	}
	if !slices.Contains(a.spec.OkExitCodes, res.ExitCode) {
		return a.fail(scan.FailureExit, exitDetail(res))
	}
	if res.Truncated {
		return a.fail(scan.FailureParse, "output exceeded capture limit")
	}

	payload := json.RawMessage(strings.TrimSpace(string(res.Stdout)))
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return a.fail(scan.FailureParse, fmt.Sprintf("output is not JSON: %v", err))
	}

	issues, err := countIssues(a.spec.IssuesExpr, doc)
	if err != nil {
		// The output itself is fine, so keep it and report zero issues.
		a.logger.WarnContext(ctx, "issue count failed", "error", err)
	}
	return scan.Ok(a.spec.Category, a.spec.Name, payload, issues)
}

func (a *ToolAdapter) runError(parent, runCtx context.Context, err error) scan.Outcome {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return a.fail(scan.FailureUnavailable, err.Error())
	case parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return a.fail(scan.FailureTimeout, fmt.Sprintf("exceeded %s", a.spec.Timeout))
	case parent.Err() != nil:
		return a.fail(scan.FailureInternal, fmt.Sprintf("scan stopped: %v", parent.Err()))
	default:
		return a.fail(scan.FailureInternal, err.Error())
	}
}

func (a *ToolAdapter) fail(kind scan.FailureKind, detail string) scan.Outcome {
	return scan.Fail(a.spec.Category, a.spec.Name, kind, detail)
}

func (a *ToolAdapter) skipped(reason string) scan.Outcome {
	payload, _ := json.Marshal(map[string]any{"skipped": reason, "dependencies": []any{}})
	return scan.Ok(a.spec.Category, a.spec.Name, payload, 0)
}

func expandArgs(args []string, dir string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = strings.ReplaceAll(arg, DirPlaceholder, dir)
	}
	return out
}

// matchFiles returns paths relative to dir, in lexical order, whose base name matches pattern.
func matchFiles(dir, pattern string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		ok, err := pathMatch(pattern, d.Name())
		if err != nil || !ok {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}

func exitDetail(res CommandResult) string {
	stderr := strings.TrimSpace(string(res.Stderr))
	if len(stderr) > stderrDetailBytes {
		stderr = stderr[len(stderr)-stderrDetailBytes:]
		for !utf8.ValidString(stderr) && stderr != "" {
			stderr = stderr[1:]
		}
	}
	if stderr == "" {
		return fmt.Sprintf("exit status %d", res.ExitCode)
	}
	return fmt.Sprintf("exit status %d: %s", res.ExitCode, stderr)
}

func countIssues(expr string, doc any) (int, error) {
	if expr == "" {
		return 0, nil
	}
	v, err := jmespath.Search(expr, doc)
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	switch n := v.(type) {
	case float64:
		if n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("expression %q produced %v", expr, n)
		}
		return int(n), nil
	case int:
		return n, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("expression %q produced %T, want number", expr, v)
	}
}

var _ core.Analyzer = (*ToolAdapter)(nil)
