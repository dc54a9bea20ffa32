// Package config holds the environment-driven configuration for the scanner service.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// AppConfig composes the domain-specific configuration structs.
//
// Values are loaded from environment variables with github.com/caarlos0/env:
//   - database.go: Postgres and Redis
//   - http.go: HTTP server, upload rate limit, CORS
//   - scan.go: intake limits, analyzer timeouts, working directories
//   - services.go: service modes, worker pool, reaper
//   - events.go: Kafka lifecycle events
//   - observability.go: metrics and logging
type AppConfig struct {
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	HTTP HTTPConfig

	// Services is a comma-delimited list of service modes to run in this process.
	Services string `env:"SERVICES" envDefault:"http,worker,reaper"`

	Scan   ScanConfig
	Worker WorkerConfig
	Reaper ReaperConfig
	Events EventsConfig

	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Scan.Sanitize()
	c.Worker.Sanitize()
	c.Reaper.Sanitize()
	c.Events.Sanitize()
	c.Observability.Sanitize()
}

// Validate checks struct-tag constraints and cross-field rules. Call after Sanitize.
func (c *AppConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid configuration: %s", describeValidation(verrs))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.GetEnabledServices(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func describeValidation(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled returns true if the HTTP API is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.serviceEnabled(ServiceModeHTTP)
}

// IsWorkerEnabled returns true if the scan worker pool is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	return c.serviceEnabled(ServiceModeWorker)
}

// IsReaperEnabled returns true if the reaper is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	return c.serviceEnabled(ServiceModeReaper)
}
