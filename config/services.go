package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the scan worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs stale-job recovery and retention cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: http, worker, reaper)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}
	return services, nil
}

// WorkerConfig contains scan worker pool configuration.
type WorkerConfig struct {
	// Concurrency is the number of jobs scanned at once by this process.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// JobLease is how long a reserved task and its in-flight token survive without a heartbeat.
	JobLease time.Duration `env:"WORKER_JOB_LEASE" envDefault:"90s"`

	// NotifyWait bounds a single LISTEN wait before workers re-poll the queue.
	NotifyWait time.Duration `env:"WORKER_NOTIFY_WAIT" envDefault:"30s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.Concurrency > 64 {
		w.Concurrency = 64
	}
	if w.JobLease < 15*time.Second {
		w.JobLease = 15 * time.Second
	}
	if w.NotifyWait < time.Second {
		w.NotifyWait = time.Second
	}
}

// ReaperConfig contains stale-job recovery and retention configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// StaleAfter is how long an ongoing job may go without an update before it is recovered.
	StaleAfter time.Duration `env:"REAPER_STALE_AFTER" envDefault:"30m"`

	// MaxAttempts is how many coordinator starts a job gets before recovery fails it instead.
	MaxAttempts int `env:"REAPER_MAX_ATTEMPTS" envDefault:"3"`

	// Retention deletes terminal jobs older than this. Zero keeps jobs until a client deletes them.
	Retention time.Duration `env:"REAPER_RETENTION" envDefault:"0"`

	// BatchSize is the maximum number of rows touched per cleanup step.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 10*time.Second {
		r.Interval = 10 * time.Second
	}
	if r.StaleAfter < time.Minute {
		r.StaleAfter = time.Minute
	}
	if r.MaxAttempts < 1 {
		r.MaxAttempts = 1
	}
	if r.Retention < 0 {
		r.Retention = 0
	}
	if r.Retention > 0 && r.Retention < time.Hour {
		r.Retention = time.Hour
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
