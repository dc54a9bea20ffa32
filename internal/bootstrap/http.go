package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/target/dwas-scanner/config"
	httpx "github.com/target/dwas-scanner/internal/http"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
	// ErrCh receives the listener error if the server stops unexpectedly.
	ErrCh chan<- error
}

// StartHTTPServer creates and starts the HTTP server.
// Returns the server instance for graceful shutdown.
func StartHTTPServer(cfg *HTTPServerConfig) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	handler := buildHTTPHandler(httpHandlerConfig{
		Logger:   logger,
		Services: cfg.Services,
		HTTP:     appCfg.HTTP,
	})

	return startServer(serverConfig{
		logger:            logger,
		handler:           handler,
		addr:              appCfg.HTTP.Addr,
		readHeaderTimeout: appCfg.HTTP.ReadHeaderTimeout,
		errCh:             cfg.ErrCh,
	})
}

type httpHandlerConfig struct {
	Logger   *slog.Logger
	Services ServiceContainer
	HTTP     config.HTTPConfig
}

// newUploadLimiter returns nil when rate limiting is disabled.
func newUploadLimiter(cfg config.HTTPConfig) *rate.Limiter {
	if cfg.UploadRateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.UploadRateLimit), cfg.UploadBurst)
}

func buildHTTPHandler(cfg httpHandlerConfig) http.Handler {
	limiter := newUploadLimiter(cfg.HTTP)
	if limiter != nil {
		cfg.Logger.Info("upload rate limit enabled", "rate", cfg.HTTP.UploadRateLimit, "burst", cfg.HTTP.UploadBurst)
	}

	return httpx.NewRouter(httpx.RouterServices{
		Jobs:               cfg.Services.Jobs,
		Reports:            cfg.Services.Reports,
		Logs:               cfg.Services.Observability.Logs,
		UploadLimiter:      limiter,
		CORSAllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		Logger:             cfg.Logger,
	})
}

type serverConfig struct {
	logger            *slog.Logger
	handler           http.Handler
	addr              string
	readHeaderTimeout time.Duration
	errCh             chan<- error
}

func startServer(cfg serverConfig) *http.Server {
	// Guard against empty addr to avoid listening on Go default
	addr := cfg.addr
	if addr == "" {
		addr = ":8080"
	}
	readHeaderTimeout := cfg.readHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}

	// No WriteTimeout: report downloads and large uploads are bounded by size, not time.
	server := &http.Server{
		Addr:              addr,
		Handler:           cfg.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		cfg.logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cfg.logger.Error("HTTP server failed", "error", err)
			if cfg.errCh != nil {
				select {
				case cfg.errCh <- fmt.Errorf("http server: %w", err):
				default:
				}
			}
		}
	}()

	return server
}

// ShutdownConfig contains dependencies for HTTP server shutdown.
type ShutdownConfig struct {
	Context context.Context
	Server  *http.Server
	Logger  *slog.Logger
}

// ShutdownHTTPServer gracefully shuts down the HTTP server.
func ShutdownHTTPServer(cfg ShutdownConfig) error {
	if cfg.Server == nil {
		return nil
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("shutting down HTTP server")
	}

	shutdownCtx, cancel := context.WithTimeout(cfg.Context, 10*time.Second)
	defer cancel()

	if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("HTTP server stopped")
	}

	return nil
}
