package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/target/dwas-scanner/internal/domain/scan"
)

// ScanConfig contains intake limits and analyzer execution settings.
type ScanConfig struct {
	// DataDir holds uploaded artifacts and extracted working trees.
	DataDir string `env:"SCAN_DATA_DIR" envDefault:"./data" validate:"required"`

	// MaxUploadBytes caps the raw archive size (default 100 MiB).
	MaxUploadBytes int64 `env:"SCAN_MAX_UPLOAD_BYTES" envDefault:"104857600" validate:"gt=0"`

	// MaxUncompressedBytes caps the total extracted size (default 512 MiB).
	MaxUncompressedBytes int64 `env:"SCAN_MAX_UNCOMPRESSED_BYTES" envDefault:"536870912" validate:"gtefield=MaxUploadBytes"`

	// MaxEntries caps the number of files and directories in an archive.
	MaxEntries int `env:"SCAN_MAX_ENTRIES" envDefault:"20000" validate:"gt=0"`

	// MaxDepth caps the directory nesting depth of archive entries.
	MaxDepth int `env:"SCAN_MAX_DEPTH" envDefault:"32" validate:"gt=0"`

	// MaxCompressionRatio rejects entries whose uncompressed/compressed ratio exceeds it.
	MaxCompressionRatio int `env:"SCAN_MAX_COMPRESSION_RATIO" envDefault:"200" validate:"gt=0"`

	// MaxNestedArchives caps archives embedded inside the upload.
	MaxNestedArchives int `env:"SCAN_MAX_NESTED_ARCHIVES" envDefault:"16" validate:"gte=0"`

	// AnalyzersFile optionally points at a YAML file overriding analyzer commands.
	AnalyzersFile string `env:"ANALYZERS_FILE"`

	CodeTimeout       time.Duration `env:"SCAN_CODE_TIMEOUT"       envDefault:"5m"`
	DependencyTimeout time.Duration `env:"SCAN_DEPENDENCY_TIMEOUT" envDefault:"3m"`
	QualityTimeout    time.Duration `env:"SCAN_QUALITY_TIMEOUT"    envDefault:"5m"`

	// AdapterConcurrency bounds analyzers running at once for a single job.
	AdapterConcurrency int `env:"SCAN_ADAPTER_CONCURRENCY" envDefault:"4" validate:"gt=0"`

	// PruneWorkDir removes the working tree once a job is terminal.
	PruneWorkDir bool `env:"SCAN_PRUNE_WORKDIR" envDefault:"false"`
}

// Sanitize applies guardrails to scan configuration values.
func (s *ScanConfig) Sanitize() {
	s.DataDir = strings.TrimSpace(s.DataDir)
	s.AnalyzersFile = strings.TrimSpace(s.AnalyzersFile)
	s.CodeTimeout = clampTimeout(s.CodeTimeout)
	s.DependencyTimeout = clampTimeout(s.DependencyTimeout)
	s.QualityTimeout = clampTimeout(s.QualityTimeout)
	if s.AdapterConcurrency < 1 {
		s.AdapterConcurrency = 1
	}
}

func clampTimeout(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	if d > time.Hour {
		return time.Hour
	}
	return d
}

// UploadDir is where artifacts and working trees live.
func (s *ScanConfig) UploadDir() string {
	return filepath.Join(s.DataDir, "uploads")
}

// TimeoutFor returns the analyzer timeout configured for a category.
func (s *ScanConfig) TimeoutFor(c scan.Category) time.Duration {
	switch c {
	case scan.CategoryCode:
		return s.CodeTimeout
	case scan.CategoryDependency:
		return s.DependencyTimeout
	case scan.CategoryQuality:
		return s.QualityTimeout
	default:
		return s.CodeTimeout
	}
}

// MaxAnalyzerTimeout returns the longest per-category timeout.
func (s *ScanConfig) MaxAnalyzerTimeout() time.Duration {
	longest := s.CodeTimeout
	for _, d := range []time.Duration{s.DependencyTimeout, s.QualityTimeout} {
		if d > longest {
			longest = d
		}
	}
	return longest
}
