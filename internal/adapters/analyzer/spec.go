// Package analyzer runs command-line analysis tools against a job's working tree and turns
// their output into scan outcomes.
package analyzer

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"gopkg.in/yaml.v3"

	"github.com/target/dwas-scanner/internal/domain/scan"
)

// DirPlaceholder in Args is replaced with the working tree path.
const DirPlaceholder = "{dir}"

// ToolSpec describes how to invoke one analysis tool.
type ToolSpec struct {
	Name     string        `yaml:"name"`
	Category scan.Category `yaml:"category"`
	Command  string        `yaml:"command"`
	Args     []string      `yaml:"args"`
	// OkExitCodes lists exit statuses that still carry a usable report. Many linters
	// exit 1 when they find issues.
	OkExitCodes []int         `yaml:"ok_exit_codes"`
	Timeout     time.Duration `yaml:"timeout"`
	// RequireFile is a path relative to the working tree. When it is missing the tool
	// is skipped and reports nothing.
	RequireFile string `yaml:"require_file"`
	// FilePattern selects files (matched against the base name, recursively) that are
	// appended to Args.
	FilePattern string `yaml:"file_pattern"`
	// IssuesExpr is a JMESPath expression evaluated against the tool output that yields
	// the number of issues found.
	IssuesExpr string `yaml:"issues_expr"`
	Disabled   bool   `yaml:"disabled"`
}

// Validate checks that the spec can be run.
func (s ToolSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("analyzer name is required")
	}
	if !s.Category.Valid() {
		return fmt.Errorf("analyzer %s: invalid category %q", s.Name, s.Category)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("analyzer %s: command is required", s.Name)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("analyzer %s: timeout must be positive", s.Name)
	}
	if len(s.OkExitCodes) == 0 {
		return fmt.Errorf("analyzer %s: at least one ok exit code is required", s.Name)
	}
	if s.FilePattern != "" {
		if _, err := pathMatch(s.FilePattern, "x"); err != nil {
			return fmt.Errorf("analyzer %s: invalid file pattern: %w", s.Name, err)
		}
	}
	if s.IssuesExpr != "" {
		if _, err := jmespath.Compile(s.IssuesExpr); err != nil {
			return fmt.Errorf("analyzer %s: invalid issues expression: %w", s.Name, err)
		}
	}
	return nil
}

// Timeouts carries the per-category execution budgets.
type Timeouts struct {
	Code       time.Duration
	Dependency time.Duration
	Quality    time.Duration
}

func (t Timeouts) forCategory(c scan.Category) time.Duration {
	switch c {
	case scan.CategoryDependency:
		return t.Dependency
	case scan.CategoryQuality:
		return t.Quality
	default:
		return t.Code
	}
}

// DefaultSpecs returns the built-in tool set: bandit and semgrep for code, pip-audit for
// dependencies and pylint for coding standards.
func DefaultSpecs(t Timeouts) []ToolSpec {
	return []ToolSpec{
		{
			Name:        "bandit",
			Category:    scan.CategoryCode,
			Command:     "bandit",
			Args:        []string{"-r", DirPlaceholder, "-f", "json", "-q"},
			OkExitCodes: []int{0, 1},
			Timeout:     t.Code,
			IssuesExpr:  "length(results || `[]`)",
		},
		{
			Name:        "semgrep",
			Category:    scan.CategoryCode,
			Command:     "semgrep",
			Args:        []string{"--config", "auto", "--json", "--quiet", DirPlaceholder},
			OkExitCodes: []int{0, 1},
			Timeout:     t.Code,
			IssuesExpr:  "length(results || `[]`)",
		},
		{
			Name:        "pip_audit",
			Category:    scan.CategoryDependency,
			Command:     "pip-audit",
			Args:        []string{"-r", DirPlaceholder + "/requirements.txt", "-f", "json"},
			OkExitCodes: []int{0, 1},
			Timeout:     t.Dependency,
			RequireFile: "requirements.txt",
			IssuesExpr:  "sum(map(&length(vulns || `[]`), dependencies || `[]`))",
		},
		{
			Name:        "pylint",
			Category:    scan.CategoryQuality,
			Command:     "pylint",
			Args:        []string{"--output-format=json", "--exit-zero"},
			OkExitCodes: []int{0},
			Timeout:     t.Quality,
			FilePattern: "*.py",
			IssuesExpr:  "length(@)",
		},
	}
}

type overrideFile struct {
	Analyzers []ToolSpec `yaml:"analyzers"`
}

// LoadSpecs returns the default specs merged with the overrides in path. An empty path
// returns the defaults unchanged.
//
// An override whose name matches a default replaces the fields it sets. Other entries
// are added as new tools and must be complete. Entries with disabled: true remove the tool.
func LoadSpecs(path string, t Timeouts) ([]ToolSpec, error) {
	specs := DefaultSpecs(t)
	if path == "" {
		return specs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read analyzers file: %w", err)
	}
	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse analyzers file: %w", err)
	}
	return mergeSpecs(specs, file.Analyzers, t)
}

func mergeSpecs(base, overrides []ToolSpec, t Timeouts) ([]ToolSpec, error) {
	index := make(map[string]int, len(base))
	for i, s := range base {
		index[s.Name] = i
	}

	for _, o := range overrides {
		if strings.TrimSpace(o.Name) == "" {
			return nil, errors.New("analyzer override without a name")
		}
		i, ok := index[o.Name]
		if !ok {
			if o.Timeout == 0 {
				o.Timeout = t.forCategory(o.Category)
			}
			index[o.Name] = len(base)
			base = append(base, o)
			continue
		}
		base[i] = overlay(base[i], o)
	}

	out := make([]ToolSpec, 0, len(base))
	for _, s := range base {
		if s.Disabled {
			continue
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func overlay(dst, src ToolSpec) ToolSpec {
	if src.Category != "" {
		dst.Category = src.Category
	}
	if src.Command != "" {
		dst.Command = src.Command
	}
	if src.Args != nil {
		dst.Args = src.Args
	}
	if src.OkExitCodes != nil {
		dst.OkExitCodes = src.OkExitCodes
	}
	if src.Timeout > 0 {
		dst.Timeout = src.Timeout
	}
	if src.RequireFile != "" {
		dst.RequireFile = src.RequireFile
	}
	if src.FilePattern != "" {
		dst.FilePattern = src.FilePattern
	}
	if src.IssuesExpr != "" {
		dst.IssuesExpr = src.IssuesExpr
	}
	dst.Disabled = src.Disabled
	return dst
}
