package analyzer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/dwas-scanner/internal/domain/scan"
)

var testTimeouts = Timeouts{Code: 5 * time.Minute, Dependency: 3 * time.Minute, Quality: 4 * time.Minute}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "analyzers.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaultSpecs(t *testing.T) {
	specs := DefaultSpecs(testTimeouts)
	require.Len(t, specs, 4)
	for _, s := range specs {
		require.NoError(t, s.Validate(), s.Name)
		assert.Equal(t, testTimeouts.forCategory(s.Category), s.Timeout, s.Name)
	}
}

func TestLoadSpecs_NoFile(t *testing.T) {
	specs, err := LoadSpecs("", testTimeouts)
	require.NoError(t, err)
	assert.Equal(t, DefaultSpecs(testTimeouts), specs)
}

func TestLoadSpecs_Overrides(t *testing.T) {
	path := writeFile(t, `
analyzers:
  - name: bandit
    command: /opt/venv/bin/bandit
    timeout: 90s
  - name: semgrep
    disabled: true
  - name: ruff
    category: quality
    command: ruff
    args: ["check", "--output-format=json", "{dir}"]
    ok_exit_codes: [0, 1]
    issues_expr: length(@)
`)

	specs, err := LoadSpecs(path, testTimeouts)
	require.NoError(t, err)

	byName := map[string]ToolSpec{}
	for _, s := range specs {
		byName[s.Name] = s
	}
	require.Len(t, specs, 4)
	assert.NotContains(t, byName, "semgrep")

	bandit := byName["bandit"]
	assert.Equal(t, "/opt/venv/bin/bandit", bandit.Command)
	assert.Equal(t, 90*time.Second, bandit.Timeout)
	assert.Equal(t, []int{0, 1}, bandit.OkExitCodes, "unset fields keep defaults")

	ruff := byName["ruff"]
	assert.Equal(t, scan.CategoryQuality, ruff.Category)
	assert.Equal(t, testTimeouts.Quality, ruff.Timeout, "new tools inherit the category timeout")
}

func TestLoadSpecs_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad yaml", body: "analyzers: [\n"},
		{name: "missing name", body: "analyzers:\n  - command: x\n"},
		{name: "incomplete new tool", body: "analyzers:\n  - name: gosec\n    category: code\n"},
		{name: "bad category", body: "analyzers:\n  - name: bandit\n    category: network\n"},
		{name: "bad expression", body: "analyzers:\n  - name: bandit\n    issues_expr: 'length('\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSpecs(writeFile(t, tt.body), testTimeouts)
			require.Error(t, err)
		})
	}

	_, err := LoadSpecs(filepath.Join(t.TempDir(), "missing.yaml"), testTimeouts)
	require.Error(t, err)
}
