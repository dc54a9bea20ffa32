package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/dwas-scanner/internal/observability/statsd"
)

func TestEmitJobLifecycle(t *testing.T) {
	rec := &statsd.Recorder{}

	EmitJobLifecycle(rec, JobMetric{
		Transition: "failed",
		Result:     ResultError,
		Attempt:    2,
		Duration:   1500 * time.Millisecond,
		Err:        errors.New("boom"),
	})

	counts := rec.Named("job.transition")
	require.Len(t, counts, 1)
	assert.Equal(t, "failed", counts[0].Tags["transition"])
	assert.Equal(t, "true", counts[0].Tags["retried"])
	assert.NotEmpty(t, counts[0].Tags["error_class"])

	timings := rec.Named("job.duration")
	require.Len(t, timings, 1)
	assert.InDelta(t, 1500, timings[0].Value, 0.001)
}

func TestEmitAnalyzer(t *testing.T) {
	rec := &statsd.Recorder{}

	EmitAnalyzer(rec, AnalyzerMetric{Tool: "bandit", Category: "static_code_analysis", Issues: 3, Duration: time.Second})
	EmitAnalyzer(rec, AnalyzerMetric{Tool: "semgrep", Category: "static_code_analysis", FailureKind: "timeout", Issues: 9})

	runs := rec.Named("analyzer.run")
	require.Len(t, runs, 2)
	assert.Equal(t, ResultSuccess, runs[0].Tags["result"])
	assert.Equal(t, "timeout", runs[1].Tags["failure_kind"])

	issues := rec.Named("analyzer.issues")
	require.Len(t, issues, 1, "failed runs report no issues")
	assert.InDelta(t, 3, issues[0].Value, 0)
}

func TestEmitNilSink(t *testing.T) {
	assert.NotPanics(t, func() {
		EmitJobLifecycle(nil, JobMetric{Transition: "completed"})
		EmitAnalyzer(nil, AnalyzerMetric{Tool: "x"})
		EmitQueueDepth(nil, map[string]int{"pending": 1})
	})
}
