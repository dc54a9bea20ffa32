package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/dwas-scanner/config"
	"github.com/target/dwas-scanner/internal/adapters/analyzer"
	"github.com/target/dwas-scanner/internal/adapters/kafka"
	"github.com/target/dwas-scanner/internal/core"
	"github.com/target/dwas-scanner/internal/data"
	"github.com/target/dwas-scanner/internal/intake"
	"github.com/target/dwas-scanner/internal/observability/logbuffer"
	"github.com/target/dwas-scanner/internal/observability/statsd"
	"github.com/target/dwas-scanner/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs    *service.JobService
	Reports *service.ReportService
	// Coordinator is nil unless the worker service is enabled.
	Coordinator *service.ScanCoordinator
	Intake      *intake.Intake
	JobRepo     *data.JobRepo
	// Guard is nil when no Redis client was supplied.
	Guard         core.InFlightGuard
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	// MetricsSink is nil when metrics are disabled.
	MetricsSink   statsd.Sink
	MetricsConfig config.ObservabilityMetricsConfig
	Events        core.EventPublisher
	Logs          *logbuffer.Buffer

	metricsClient *statsd.Client
}

// Close flushes and releases observability clients.
func (o ObservabilityContainer) Close() error {
	var errs []error
	if o.Events != nil {
		if err := o.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event publisher: %w", err))
		}
	}
	if o.metricsClient != nil {
		if err := o.metricsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close statsd client: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	Logs        *logbuffer.Buffer
}

// buildObservability configures metrics and the lifecycle event publisher.
func buildObservability(ctx context.Context, deps *ServiceDeps) (ObservabilityContainer, error) {
	logger := deps.Logger
	cfg := deps.Config.Observability

	obs := ObservabilityContainer{
		MetricsConfig: cfg.Metrics,
		Events:        core.NopPublisher{},
		Logs:          deps.Logs,
	}

	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  logger,
		})
		if err != nil {
			logger.Error("failed to initialise statsd client", "error", err)
		} else {
			obs.metricsClient = client
			obs.MetricsSink = client
		}
	}

	if deps.Config.Events.Enabled {
		publisher, err := kafka.Connect(ctx, deps.Config.Events, logger, obs.MetricsSink)
		if err != nil {
			return obs, fmt.Errorf("connect event publisher: %w", err)
		}
		obs.Events = publisher
		logger.Info("publishing job events", "topic", deps.Config.Events.Topic)
	}

	return obs, nil
}

func newIntake(cfg config.ScanConfig, logger *slog.Logger) (*intake.Intake, error) {
	return intake.New(intake.Options{
		Dir:                  cfg.UploadDir(),
		MaxUploadBytes:       cfg.MaxUploadBytes,
		MaxUncompressedBytes: cfg.MaxUncompressedBytes,
		MaxEntries:           cfg.MaxEntries,
		MaxDepth:             cfg.MaxDepth,
		MaxCompressionRatio:  cfg.MaxCompressionRatio,
		MaxNestedArchives:    cfg.MaxNestedArchives,
		Logger:               logger,
	})
}

func newAnalyzers(cfg config.ScanConfig, logger *slog.Logger) ([]core.Analyzer, error) {
	specs, err := analyzer.LoadSpecs(cfg.AnalyzersFile, analyzer.Timeouts{
		Code:       cfg.CodeTimeout,
		Dependency: cfg.DependencyTimeout,
		Quality:    cfg.QualityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("load analyzer specs: %w", err)
	}
	return analyzer.Build(specs, analyzer.ToolAdapterOptions{
		Runner: analyzer.ExecRunner{},
		Logger: logger,
	})
}

func newScanCoordinator(deps *ServiceDeps, repo *data.JobRepo, in *intake.Intake, obs ObservabilityContainer) (*service.ScanCoordinator, error) {
	analyzers, err := newAnalyzers(deps.Config.Scan, deps.Logger)
	if err != nil {
		return nil, err
	}
	for _, a := range analyzers {
		deps.Logger.Info("analyzer registered", "analyzer", a.Name(), "category", a.Category())
	}

	opts := service.ScanCoordinatorOptions{
		Repo:        repo,
		Analyzers:   analyzers,
		Events:      obs.Events,
		Logger:      deps.Logger,
		Metrics:     obs.MetricsSink,
		Concurrency: deps.Config.Scan.AdapterConcurrency,
		MaxAttempts: deps.Config.Reaper.MaxAttempts,
	}
	if deps.Config.Scan.PruneWorkDir {
		opts.Pruner = in
	}
	return service.NewScanCoordinator(opts)
}

// NewServices wires repositories, intake, analyzers, and services.
func NewServices(ctx context.Context, deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg := deps.Config

	obs, err := buildObservability(ctx, deps)
	if err != nil {
		return ServiceContainer{}, err
	}

	in, err := newIntake(cfg.Scan, deps.Logger)
	if err != nil {
		return ServiceContainer{}, errors.Join(fmt.Errorf("create intake: %w", err), obs.Close())
	}

	repo := data.NewJobRepo(deps.DB, data.RepoConfig{Logger: deps.Logger})

	container := ServiceContainer{
		Intake:        in,
		JobRepo:       repo,
		Observability: obs,
	}
	if deps.RedisClient != nil {
		container.Guard = data.NewInFlightRepo(deps.RedisClient, cfg.Redis.KeyPrefix)
	}

	container.Jobs = service.MustNewJobService(service.JobServiceOptions{
		Repo:      repo,
		Artifacts: in,
		Events:    obs.Events,
		Logger:    deps.Logger,
	})
	container.Reports = service.MustNewReportService(service.ReportServiceOptions{
		Jobs:   container.Jobs,
		Logger: deps.Logger,
	})

	if cfg.IsWorkerEnabled() {
		coordinator, err := newScanCoordinator(deps, repo, in, obs)
		if err != nil {
			return ServiceContainer{}, errors.Join(fmt.Errorf("create scan coordinator: %w", err), obs.Close())
		}
		container.Coordinator = coordinator
	}

	return container, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	DB       *sql.DB
	Logger   *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		Logger:   deps.logger,
		ErrCh:    deps.errCh,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "worker",
		start: func(ctx context.Context) error {
			svc := deps.cfg.Services
			if svc.Coordinator == nil {
				return errors.New("scan coordinator is not configured")
			}
			if svc.Guard == nil {
				return errors.New("worker requires redis for in-flight tokens")
			}
			return RunWorker(ctx, WorkerConfig{
				Queue:    svc.JobRepo,
				Waiter:   svc.JobRepo,
				Guard:    svc.Guard,
				Executor: svc.Coordinator,
				Logger:   deps.logger,
				Config:   deps.cfg.Config.Worker,
				Metrics:  svc.Observability.MetricsSink,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			svc := deps.cfg.Services
			return RunReaper(ctx, ReaperConfig{
				DB:      deps.cfg.DB,
				Logger:  deps.logger,
				Config:  deps.cfg.Config.Reaper,
				Guard:   svc.Guard,
				Files:   svc.Intake,
				Events:  svc.Observability.Events,
				Metrics: svc.Observability.MetricsSink,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	return waitForShutdown(shutdownConfig{
		ctx:           serviceCtx,
		cancel:        cancel,
		errCh:         errCh,
		httpServer:    result.HTTPServer,
		observability: cfg.Services.Observability,
		logger:        logger,
		backgrounds:   result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx           context.Context
	cancel        context.CancelFunc
	errCh         <-chan error
	httpServer    *http.Server
	observability ObservabilityContainer
	logger        *slog.Logger
	backgrounds   []backgroundServiceHandle
	// signals overrides the OS signal channel in tests.
	signals <-chan os.Signal
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := cfg.signals
	if quit == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		quit = ch
	}

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop attempts to gracefully stop all services.
func gracefulStop(cfg shutdownConfig) error {
	var errs []error

	if cfg.httpServer != nil {
		// The service context is already cancelled, so shutdown gets a fresh deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()

		if err := ShutdownHTTPServer(ShutdownConfig{
			Context: shutdownCtx,
			Server:  cfg.httpServer,
			Logger:  cfg.logger,
		}); err != nil {
			errs = append(errs, err)
		}
	}

	// Wait for background services to finish
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	if err := cfg.observability.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
