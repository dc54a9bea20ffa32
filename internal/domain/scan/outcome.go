// Package scan defines analyzer outcomes and the aggregated per-category scan result.
package scan

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category identifies an analysis capability. Values double as the stable result keys.
type Category string

const (
	// CategoryCode groups code-vulnerability analyzers.
	CategoryCode Category = "static_code_analysis"
	// CategoryDependency groups dependency-vulnerability analyzers.
	CategoryDependency Category = "dependency_scan"
	// CategoryQuality groups style and quality analyzers.
	CategoryQuality Category = "coding_standards"
)

// Categories returns every category in result order.
func Categories() []Category {
	return []Category{CategoryCode, CategoryDependency, CategoryQuality}
}

// Valid returns true if the category is known.
func (c Category) Valid() bool {
	return c == CategoryCode || c == CategoryDependency || c == CategoryQuality
}

// Label returns the short name used in summaries.
func (c Category) Label() string {
	switch c {
	case CategoryCode:
		return "code"
	case CategoryDependency:
		return "dependency"
	case CategoryQuality:
		return "quality"
	default:
		return string(c)
	}
}

// UnmarshalText accepts both result keys and short labels.
func (c *Category) UnmarshalText(text []byte) error {
	v := string(text)
	for _, cat := range Categories() {
		if v == string(cat) || v == cat.Label() {
			*c = cat
			return nil
		}
	}
	return fmt.Errorf("invalid category: %q", v)
}

// FailureKind classifies why an analyzer produced no usable output.
type FailureKind string

const (
	// FailureTimeout means the analyzer exceeded its execution budget.
	FailureTimeout FailureKind = "timeout"
	// FailureExit means the analyzer exited with an unexpected status.
	FailureExit FailureKind = "exit"
	// FailureParse means the analyzer output could not be decoded.
	FailureParse FailureKind = "parse"
	// FailureUnavailable means the analyzer binary could not be started.
	FailureUnavailable FailureKind = "unavailable"
	// FailureInternal covers adapter bugs such as recovered panics.
	FailureInternal FailureKind = "internal"
)

// AdapterFailure is the typed failure half of an Outcome.
type AdapterFailure struct {
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (f *AdapterFailure) Error() string {
	if f == nil {
		return ""
	}
	return string(f.Kind) + ": " + f.Detail
}

// Outcome is the result of running one analyzer: either Ok with a payload or an AdapterFailure.
// "No issues found" is an Ok outcome with Issues == 0, never a failure.
type Outcome struct {
	Tool     string
	Category Category
	Payload  json.RawMessage
	Issues   int
	Failure  *AdapterFailure
	Duration time.Duration
}

// Ok builds a successful outcome.
func Ok(category Category, tool string, payload json.RawMessage, issues int) Outcome {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return Outcome{Tool: tool, Category: category, Payload: payload, Issues: issues}
}

// Fail builds a failed outcome.
func Fail(category Category, tool string, kind FailureKind, detail string) Outcome {
	return Outcome{
		Tool:     tool,
		Category: category,
		Failure:  &AdapterFailure{Kind: kind, Detail: detail},
	}
}

// Failed reports whether the outcome carries an AdapterFailure.
func (o Outcome) Failed() bool {
	return o.Failure != nil
}

// WithDuration returns a copy of o stamped with the time the analyzer took.
func (o Outcome) WithDuration(d time.Duration) Outcome {
	o.Duration = d
	return o
}

type errorMarker struct {
	Error *AdapterFailure `json:"error"`
}

// entry renders the value stored under the tool key in the aggregated result.
func (o Outcome) entry() json.RawMessage {
	if o.Failure != nil {
		raw, err := json.Marshal(errorMarker{Error: o.Failure})
		if err != nil {
			return json.RawMessage(`{"error":{"kind":"internal","detail":"marshal failure"}}`)
		}
		return StripNUL(raw)
	}
	if !o.storable() {
		raw, _ := json.Marshal(errorMarker{Error: &AdapterFailure{Kind: FailureParse, Detail: "invalid JSON payload"}})
		return raw
	}
	return StripNUL(o.Payload)
}

// storable reports whether a successful outcome's payload can be kept in the result.
func (o Outcome) storable() bool {
	return json.Valid(o.Payload)
}
