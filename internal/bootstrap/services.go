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

	"github.com/assessly/assess-api/config"
	"github.com/assessly/assess-api/internal/ai"
	"github.com/assessly/assess-api/internal/data"
	"github.com/assessly/assess-api/internal/notify"
	"github.com/assessly/assess-api/internal/observability/statsd"
	"github.com/assessly/assess-api/internal/queue"
	"github.com/assessly/assess-api/internal/service"
)

// ServiceContainer holds all application services. Services for disabled
// modes are nil.
type ServiceContainer struct {
	Submitter     *service.SubmitterService
	Query         *service.JobQueryService
	Worker        *service.WorkerService
	Reconciler    *service.ReconcilerService
	Hub           *notify.Hub
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	JobRepo    *data.JobRepo
	ResultRepo *data.ResultRepo
}

// buildObservability configures the metrics sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "assessd",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, logger *slog.Logger) *serviceRepositories {
	return &serviceRepositories{
		JobRepo:    data.NewJobRepo(db, data.RepoConfig{Logger: logger}),
		ResultRepo: data.NewResultRepo(db, logger),
	}
}

// consumerName identifies this process in the consumer group so pending
// entries can be traced back to their claimant.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "assessd"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// BuildServices wires repositories, the queue, the model client, and the
// notification hub into the enabled services.
func BuildServices(ctx context.Context, deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service dependencies are required")
	}

	cfg := deps.Config
	enabled, err := cfg.GetEnabledServices()
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("determine enabled services: %w", err)
	}

	observability := buildObservability(deps.Logger, cfg.Observability)
	repos := buildRepositories(deps.DB, deps.Logger)

	producer, err := queue.NewProducer(queue.ProducerOptions{
		Client: deps.RedisClient,
		Stream: cfg.Queue.Stream,
		MaxLen: cfg.Queue.MaxLen,
		Logger: deps.Logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create task producer: %w", err)
	}

	hub := notify.NewHub(notify.HubOptions{
		Logger:          deps.Logger,
		EventsPerSecond: cfg.Notify.EventsPerSecond,
		Burst:           cfg.Notify.Burst,
	})

	container := ServiceContainer{
		Hub:           hub,
		Observability: observability,
	}

	container.Submitter, err = service.NewSubmitterService(service.SubmitterServiceOptions{
		Repo:     repos.JobRepo,
		Producer: producer,
		Logger:   deps.Logger,
		Metrics:  observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create submitter service: %w", err)
	}

	container.Query, err = service.NewJobQueryService(service.JobQueryServiceOptions{
		Jobs:     repos.JobRepo,
		Results:  repos.ResultRepo,
		Notifier: hub,
		Logger:   deps.Logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create query service: %w", err)
	}

	if enabled[config.ServiceModeWorker] {
		container.Worker, err = buildWorkerService(ctx, deps, repos, hub, observability)
		if err != nil {
			return ServiceContainer{}, err
		}
	}

	if enabled[config.ServiceModeReconciler] {
		container.Reconciler, err = buildReconcilerService(deps, repos, observability)
		if err != nil {
			return ServiceContainer{}, err
		}
	}

	return container, nil
}

func buildWorkerService(
	ctx context.Context,
	deps *ServiceDeps,
	repos *serviceRepositories,
	hub *notify.Hub,
	observability ObservabilityContainer,
) (*service.WorkerService, error) {
	cfg := deps.Config

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerOptions{
		Client:       deps.RedisClient,
		Stream:       cfg.Queue.Stream,
		Group:        cfg.Queue.Group,
		Consumer:     consumerName(),
		DLQStream:    cfg.Queue.DLQStream,
		Block:        cfg.Queue.Block,
		ClaimMinIdle: cfg.Queue.ClaimMinIdle,
		Logger:       deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create task consumer: %w", err)
	}

	inference, err := ai.NewClient(ai.ClientOptions{
		APIKey:         cfg.AI.APIKey,
		Model:          cfg.AI.Model,
		MaxTokens:      cfg.AI.MaxTokens,
		RequestTimeout: cfg.AI.RequestTimeout,
		Logger:         deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create inference client: %w", err)
	}

	worker, err := service.NewWorkerService(service.WorkerServiceOptions{
		Jobs:     repos.JobRepo,
		Consumer: consumer,
		AI:       inference,
		Notifier: hub,
		Config:   cfg.Worker,
		Queue:    cfg.Queue,
		Logger:   deps.Logger,
		Metrics:  observability.MetricsSink,
	})
	if err != nil {
		return nil, fmt.Errorf("create worker service: %w", err)
	}
	return worker, nil
}

func buildReconcilerService(
	deps *ServiceDeps,
	repos *serviceRepositories,
	observability ObservabilityContainer,
) (*service.ReconcilerService, error) {
	cfg := deps.Config

	dlq, err := queue.NewDLQ(deps.RedisClient, cfg.Queue.DLQStream, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("create dead letter queue: %w", err)
	}

	reconciler, err := service.NewReconcilerService(service.ReconcilerServiceOptions{
		Repo:    repos.JobRepo,
		DLQ:     dlq,
		Config:  cfg.Reconciler,
		Logger:  deps.Logger,
		Metrics: observability.MetricsSink,
	})
	if err != nil {
		return nil, fmt.Errorf("create reconciler service: %w", err)
	}
	return reconciler, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
const shutdownWaitTimeout = 15 * time.Second

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
				if deps.logger != nil {
					deps.logger.WarnContext(ctx, "dropping background service error",
						"service", descriptor.name,
						"error", errMsg,
					)
				}
			}
		}
	}()

	if deps.logger != nil {
		deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	}

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
			if deps == nil || deps.cfg == nil || deps.cfg.Services.Worker == nil {
				return errors.New("worker service is not built")
			}
			return deps.cfg.Services.Worker.Run(ctx)
		},
	}
}

func newReconcilerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReconciler,
		name: "reconciler",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Services.Reconciler == nil {
				return errors.New("reconciler service is not built")
			}
			return deps.cfg.Services.Reconciler.Run(ctx)
		},
	}
}

func newNotifierBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeNotifier,
		name: "notifier",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Services.Hub == nil {
				return errors.New("notification hub is not built")
			}
			return runNotifierServer(ctx, deps.cfg.Config.Notify, deps.cfg.Services.Hub, deps.logger)
		},
	}
}

// runNotifierServer serves the websocket endpoint until the context is
// cancelled, then shuts the listener down gracefully.
func runNotifierServer(ctx context.Context, cfg config.NotifyConfig, hub *notify.Hub, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", notify.Handler(hub, logger))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	if logger != nil {
		logger.InfoContext(ctx, "notifier listening", "addr", cfg.Addr)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown notifier server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newReconcilerBackgroundService(deps),
		newNotifierBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	// Start all enabled services
	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	backgrounds := startBackgroundServices(deps, buildBackgroundServices(deps))

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		logger:      logger,
		backgrounds: backgrounds,
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
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to finish.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
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
