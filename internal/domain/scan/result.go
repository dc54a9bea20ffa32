package scan

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CategoryResult maps a tool name to its raw output or error marker.
type CategoryResult map[string]json.RawMessage

// Result is the aggregated output of every analyzer for one job.
// Every category key is always present, even when empty.
type Result struct {
	Code       CategoryResult `json:"static_code_analysis"`
	Dependency CategoryResult `json:"dependency_scan"`
	Quality    CategoryResult `json:"coding_standards"`
}

// Category returns the tool map stored under c.
func (r *Result) Category(c Category) CategoryResult {
	switch c {
	case CategoryCode:
		return r.Code
	case CategoryDependency:
		return r.Dependency
	case CategoryQuality:
		return r.Quality
	default:
		return nil
	}
}

func (r *Result) set(c Category, tool string, entry json.RawMessage) {
	var target CategoryResult
	switch c {
	case CategoryCode:
		target = r.Code
	case CategoryDependency:
		target = r.Dependency
	case CategoryQuality:
		target = r.Quality
	default:
		return
	}
	if _, exists := target[tool]; exists {
		return
	}
	target[tool] = entry
}

func newResult() Result {
	return Result{
		Code:       CategoryResult{},
		Dependency: CategoryResult{},
		Quality:    CategoryResult{},
	}
}

// Aggregate folds analyzer outcomes into a Result. It is total: any set of outcomes produces
// a Result with all category keys. Outcomes are ordered by category, tool and success before
// folding, so the same set of outcomes always yields the same document. When the same tool
// reports twice only the first in that order is kept. Outcomes with an unknown category are ignored.
func Aggregate(outcomes []Outcome) Result {
	sorted := make([]Outcome, len(outcomes))
	copy(sorted, outcomes)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Tool != b.Tool {
			return a.Tool < b.Tool
		}
		return !a.Failed() && b.Failed()
	})

	res := newResult()
	for _, o := range sorted {
		res.set(o.Category, o.Tool, o.entry())
	}
	return res
}

// Marshal renders the result document.
func (r Result) Marshal() (json.RawMessage, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal scan result: %w", err)
	}
	return raw, nil
}

// Decode parses a stored result document. Missing categories decode as empty maps.
func Decode(raw json.RawMessage) (Result, error) {
	res := newResult()
	if len(raw) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, fmt.Errorf("decode scan result: %w", err)
	}
	if res.Code == nil {
		res.Code = CategoryResult{}
	}
	if res.Dependency == nil {
		res.Dependency = CategoryResult{}
	}
	if res.Quality == nil {
		res.Quality = CategoryResult{}
	}
	return res, nil
}

// FailureOf returns the AdapterFailure recorded for a tool entry, if the entry is an error marker.
func FailureOf(entry json.RawMessage) (*AdapterFailure, bool) {
	var marker errorMarker
	if err := json.Unmarshal(entry, &marker); err != nil || marker.Error == nil || marker.Error.Kind == "" {
		return nil, false
	}
	return marker.Error, true
}

// Summary counts issues across outcomes.
type Summary struct {
	Total       int
	ByCategory  map[Category]int
	FailedTools []string
}

// Summarize computes issue totals from outcomes. Failed outcomes, and those whose payload
// Aggregate replaces with a parse marker, contribute no issues.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{ByCategory: make(map[Category]int, len(Categories()))}
	for _, c := range Categories() {
		s.ByCategory[c] = 0
	}
	for _, o := range outcomes {
		if o.Failed() || !o.storable() {
			s.FailedTools = append(s.FailedTools, o.Tool)
			continue
		}
		if !o.Category.Valid() {
			continue
		}
		s.Total += o.Issues
		s.ByCategory[o.Category] += o.Issues
	}
	sort.Strings(s.FailedTools)
	return s
}

// String renders the short human-readable job summary.
func (s Summary) String() string {
	var b strings.Builder
	b.WriteString("Found ")
	b.WriteString(strconv.Itoa(s.Total))
	if s.Total == 1 {
		b.WriteString(" issue (")
	} else {
		b.WriteString(" issues (")
	}
	for i, c := range Categories() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Label())
		b.WriteString(": ")
		b.WriteString(strconv.Itoa(s.ByCategory[c]))
	}
	b.WriteString(")")
	if n := len(s.FailedTools); n > 0 {
		b.WriteString("; ")
		b.WriteString(strconv.Itoa(n))
		if n == 1 {
			b.WriteString(" analyzer failed: ")
		} else {
			b.WriteString(" analyzers failed: ")
		}
		b.WriteString(strings.Join(s.FailedTools, ", "))
	}
	return b.String()
}
