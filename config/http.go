package config

import (
	"strings"
	"time"
)

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080" validate:"required"`

	// ReadHeaderTimeout bounds slow clients; uploads themselves are bounded by SCAN_MAX_UPLOAD_BYTES.
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"10s"`

	// UploadRateLimit is the sustained number of uploads per second accepted across all clients.
	// Zero disables rate limiting.
	UploadRateLimit float64 `env:"HTTP_UPLOAD_RATE_LIMIT" envDefault:"2"`

	// UploadBurst is the number of uploads allowed at once above the sustained rate.
	UploadBurst int `env:"HTTP_UPLOAD_BURST" envDefault:"5"`

	// CORSAllowedOrigins lists origins allowed to call the API from a browser. "*" allows any.
	CORSAllowedOrigins []string `env:"HTTP_CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.ReadHeaderTimeout <= 0 {
		h.ReadHeaderTimeout = 10 * time.Second
	}
	if h.UploadRateLimit < 0 {
		h.UploadRateLimit = 0
	}
	if h.UploadBurst < 1 {
		h.UploadBurst = 1
	}

	origins := h.CORSAllowedOrigins[:0]
	for _, o := range h.CORSAllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	h.CORSAllowedOrigins = origins
}
