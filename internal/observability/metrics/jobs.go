// Package metrics emits the scan pipeline's StatsD metrics.
package metrics

import (
	"time"

	obserrors "github.com/target/dwas-scanner/internal/observability/errors"
	"github.com/target/dwas-scanner/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures one job state transition.
type JobMetric struct {
	Transition string
	Result     string
	Attempt    int
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Attempt > 1 {
		tags["retried"] = "true"
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// AnalyzerMetric captures a single analyzer run.
type AnalyzerMetric struct {
	Tool     string
	Category string
	// FailureKind is empty for successful runs.
	FailureKind string
	Issues      int
	Duration    time.Duration
}

// EmitAnalyzer records an analyzer run and the issues it reported.
func EmitAnalyzer(sink statsd.Sink, in AnalyzerMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"tool":     in.Tool,
		"category": in.Category,
		"result":   ResultSuccess,
	}
	if in.FailureKind != "" {
		tags["result"] = ResultError
		tags["failure_kind"] = in.FailureKind
	}

	sink.Count("analyzer.run", 1, tags)
	if in.Duration > 0 {
		sink.Timing("analyzer.duration", in.Duration, CloneTags(tags))
	}
	if in.FailureKind == "" && in.Issues > 0 {
		sink.Count("analyzer.issues", int64(in.Issues), map[string]string{"tool": in.Tool, "category": in.Category})
	}
}

// EmitQueueDepth reports job counts by status as gauges.
func EmitQueueDepth(sink statsd.Sink, counts map[string]int) {
	if sink == nil {
		return
	}
	for status, n := range counts {
		sink.Gauge("jobs.by_status", float64(n), map[string]string{"status": status})
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
