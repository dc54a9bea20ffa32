package service

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmespath-community/go-jmespath"

	"github.com/target/dwas-scanner/internal/domain/model"
	"github.com/target/dwas-scanner/internal/domain/scan"
	apperrors "github.com/target/dwas-scanner/internal/errors"
)

//go:embed templates/security_report.html.tmpl
var reportTemplates embed.FS

// ErrReportNotReady is returned while a job has not reached a terminal state.
var ErrReportNotReady = apperrors.NotReady("report is not available until the scan finishes")

const (
	maxReportIssues       = 20
	maxReportDependencies = 10
)

// Report is a rendered download.
type Report struct {
	Filename    string
	ContentType string
	Body        []byte
}

// JobReader loads a job by id. JobService satisfies it.
type JobReader interface {
	Get(ctx context.Context, id string) (*model.Job, error)
}

// ReportServiceOptions groups dependencies for ReportService.
type ReportServiceOptions struct {
	Jobs   JobReader    // Required: job lookup
	Logger *slog.Logger // Optional: structured logger
	Now    func() time.Time
}

// ReportService renders finished jobs as structured and human-readable downloads.
type ReportService struct {
	jobs   JobReader
	logger *slog.Logger
	now    func() time.Time
	tmpl   *template.Template
}

// NewReportService constructs a new ReportService.
func NewReportService(opts ReportServiceOptions) (*ReportService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobReader is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	tmpl, err := template.New("security_report.html.tmpl").
		Funcs(template.FuncMap{"lower": strings.ToLower}).
		ParseFS(reportTemplates, "templates/security_report.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse report template: %w", err)
	}

	return &ReportService{
		jobs:   opts.Jobs,
		logger: logger.With("component", "report_service"),
		now:    now,
		tmpl:   tmpl,
	}, nil
}

// MustNewReportService constructs a new ReportService and panics on error.
func MustNewReportService(opts ReportServiceOptions) *ReportService {
	svc, err := NewReportService(opts)
	if err != nil {
		panic(fmt.Errorf("failed to create ReportService: %w", err))
	}
	return svc
}

// Structured returns the stored result document byte for byte.
func (s *ReportService) Structured(ctx context.Context, id string) (*Report, error) {
	job, err := s.finishedJob(ctx, id)
	if err != nil {
		return nil, err
	}
	body := []byte(job.Result)
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	return &Report{
		Filename:    ReportFilename(job.Filename, "json"),
		ContentType: "application/json",
		Body:        body,
	}, nil
}

// Readable renders the job as a standalone HTML document.
func (s *ReportService) Readable(ctx context.Context, id string) (*Report, error) {
	job, err := s.finishedJob(ctx, id)
	if err != nil {
		return nil, err
	}

	view, err := s.buildView(job)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, view); err != nil {
		s.logger.ErrorContext(ctx, "render report", "job_id", job.ID, "error", err)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not render report")
	}

	return &Report{
		Filename:    ReportFilename(job.Filename, "html"),
		ContentType: "text/html; charset=utf-8",
		Body:        buf.Bytes(),
	}, nil
}

func (s *ReportService) finishedJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, ErrReportNotReady
	}
	return job, nil
}

// ReportFilename derives the download name from the uploaded archive name.
func ReportFilename(uploaded, ext string) string {
	stem := strings.TrimSuffix(uploaded, filepath.Ext(uploaded))
	if stem == "" {
		stem = "scan"
	}
	return stem + "_security_report." + ext
}

// reportIssue is one finding normalized across tools.
type reportIssue struct {
	Title    string `json:"title"`
	Severity string `json:"severity"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Detail   string `json:"detail"`
}

type reportVuln struct {
	ID          string   `json:"id"`
	FixVersions []string `json:"fix_versions"`
	Description string   `json:"description"`
}

type reportDependency struct {
	Name    string       `json:"name"`
	Version string       `json:"version"`
	Vulns   []reportVuln `json:"vulns"`
}

// Projections that normalize each known tool's native output.
var issueProjections = map[string]string{
	"bandit":  "results[].{title: issue_text, severity: issue_severity, file: filename, line: line_number, detail: test_id}",
	"semgrep": "results[].{title: extra.message, severity: extra.severity, file: path, line: start.line, detail: check_id}",
	"pylint":  "[].{title: message, severity: type, file: path, line: line, detail: symbol}",
}

const vulnerableDependencyProjection = "(dependencies || `[]`)[?length(vulns || `[]`) > `0`].{name: name, version: version, vulns: vulns}"

type toolSection struct {
	Tool       string
	Failure    *scan.AdapterFailure
	Skipped    string
	Known      bool
	Total      int
	Issues     []reportIssue
	Vulnerable []reportDependency
	More       int

	all []reportIssue
}

type categorySection struct {
	Title string
	Tools []toolSection
}

type reportScore struct {
	Value    float64
	Class    string
	Total    int
	Critical int
	High     int
}

type reportView struct {
	Job             *model.Job
	GeneratedAt     time.Time
	Score           *reportScore
	Categories      []categorySection
	Failure         *model.JobError
	Recommendations []string
}

var recommendations = []string{
	"Address all critical and high severity issues immediately",
	"Update vulnerable dependencies to their latest secure versions",
	"Implement regular security scanning in your CI/CD pipeline",
	"Review and fix medium and low severity issues when possible",
	"Consider implementing additional security measures based on the findings",
}

var categoryTitles = map[scan.Category]string{
	scan.CategoryCode:       "Static Code Analysis",
	scan.CategoryDependency: "Dependency Vulnerabilities",
	scan.CategoryQuality:    "Coding Standards",
}

func (s *ReportService) buildView(job *model.Job) (*reportView, error) {
	view := &reportView{
		Job:             job,
		GeneratedAt:     s.now().UTC(),
		Recommendations: recommendations,
	}

	if job.Status == model.JobStatusFailed {
		view.Failure = job.Error
		if view.Failure == nil {
			var stored model.JobError
			if err := json.Unmarshal(job.Result, &stored); err == nil {
				view.Failure = &stored
			}
		}
		if view.Failure == nil {
			view.Failure = &model.JobError{Message: "scan failed"}
		}
		return view, nil
	}

	result, err := scan.Decode(job.Result)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "stored result is not readable")
	}

	score := &reportScore{}
	for _, cat := range scan.Categories() {
		section := categorySection{Title: categoryTitles[cat]}
		entries := result.Category(cat)
		for _, tool := range sortedTools(entries) {
			ts := buildToolSection(cat, tool, entries[tool])
			section.Tools = append(section.Tools, ts)
			if ts.Failure == nil {
				tallyScore(score, cat, tool, ts)
			}
		}
		view.Categories = append(view.Categories, section)
	}
	score.Value = computeScore(score.Total, score.Critical, score.High)
	score.Class = scoreClass(score.Value)
	view.Score = score
	return view, nil
}

func sortedTools(entries scan.CategoryResult) []string {
	tools := make([]string, 0, len(entries))
	for tool := range entries {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	return tools
}

func buildToolSection(cat scan.Category, tool string, entry json.RawMessage) toolSection {
	ts := toolSection{Tool: tool}
	if failure, ok := scan.FailureOf(entry); ok {
		ts.Failure = failure
		return ts
	}

	var doc any
	if err := json.Unmarshal(entry, &doc); err != nil {
		ts.Failure = &scan.AdapterFailure{Kind: scan.FailureParse, Detail: "stored output is not valid JSON"}
		return ts
	}

	if cat == scan.CategoryDependency {
		if obj, ok := doc.(map[string]any); ok {
			if skipped, ok := obj["skipped"].(string); ok {
				ts.Skipped = skipped
			}
		}
		var deps []reportDependency
		if err := project(vulnerableDependencyProjection, doc, &deps); err != nil {
			return ts
		}
		ts.Known = true
		for _, d := range deps {
			ts.Total += len(d.Vulns)
		}
		ts.Vulnerable, ts.More = capSlice(deps, maxReportDependencies)
		return ts
	}

	expr, ok := issueProjections[tool]
	if !ok {
		return ts
	}
	var issues []reportIssue
	if err := project(expr, doc, &issues); err != nil {
		return ts
	}
	ts.Known = true
	ts.Total = len(issues)
	ts.all = issues
	ts.Issues, ts.More = capSlice(issues, maxReportIssues)
	return ts
}

// project evaluates a JMESPath expression and decodes the result into out.
func project(expr string, doc any, out any) error {
	v, err := jmespath.Search(expr, doc)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func capSlice[T any](items []T, limit int) ([]T, int) {
	if len(items) <= limit {
		return items, 0
	}
	return items[:limit], len(items) - limit
}

// tallyScore counts code findings and dependency vulnerabilities. Coding-standard
// findings do not affect the score.
func tallyScore(score *reportScore, cat scan.Category, tool string, ts toolSection) {
	switch cat {
	case scan.CategoryDependency:
		score.Total += ts.Total
	case scan.CategoryCode:
		score.Total += ts.Total
		for _, issue := range ts.all {
			sev := strings.ToUpper(issue.Severity)
			switch {
			case tool == "bandit" && sev == "HIGH":
				score.Critical++
			case tool == "bandit" && sev == "MEDIUM", tool == "semgrep" && sev == "ERROR":
				score.High++
			}
		}
	}
}

func computeScore(total, critical, high int) float64 {
	other := total - critical - high
	if other < 0 {
		other = 0
	}
	score := 10 - 3*float64(critical) - float64(high) - 0.5*float64(other)
	switch {
	case score < 0:
		return 0
	case score > 10:
		return 10
	default:
		return score
	}
}

func scoreClass(score float64) string {
	switch {
	case score >= 8:
		return "good"
	case score >= 6:
		return "warn"
	default:
		return "bad"
	}
}
