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

	"github.com/peopleflow/importd/config"
	"github.com/peopleflow/importd/internal/adapters/importrunner"
	"github.com/peopleflow/importd/internal/csvsource"
	"github.com/peopleflow/importd/internal/data"
	"github.com/peopleflow/importd/internal/service"
	"github.com/redis/go-redis/v9"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Imports  *service.ImportService
	Pipeline *service.Pipeline
	Progress *service.ProgressTracker
	Tasks    *data.TaskRepo
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient *redis.Client
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	JobRepo      *data.ImportJobRepo
	RowRepo      *data.ImportRowRepo
	ErrorRepo    *data.ImportErrorRepo
	EmployeeRepo *data.EmployeeRepo
	TaskRepo     *data.TaskRepo
	ProgressRepo *data.RedisProgressRepo
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(deps *ServiceDeps) *serviceRepositories {
	tp := &data.RealTimeProvider{}
	return &serviceRepositories{
		JobRepo:      data.NewImportJobRepo(deps.DB, tp, deps.Logger),
		RowRepo:      data.NewImportRowRepo(deps.DB, tp),
		ErrorRepo:    data.NewImportErrorRepo(deps.DB, tp),
		EmployeeRepo: data.NewEmployeeRepo(deps.DB),
		TaskRepo: data.NewTaskRepo(deps.DB, data.TaskRepoConfig{
			RetryDelay:   deps.Config.Worker.RetryDelay,
			Logger:       deps.Logger,
			TimeProvider: tp,
		}),
		ProgressRepo: data.NewRedisProgressRepo(deps.RedisClient, deps.Config.Imports.SnapshotTTL),
	}
}

// NewServices wires repositories into the application services.
func NewServices(deps *ServiceDeps) ServiceContainer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	repos := buildRepositories(deps)
	importCfg := deps.Config.Imports

	progress := service.NewProgressTracker(repos.ProgressRepo, repos.JobRepo, logger)
	parser := csvsource.NewParser(importCfg.MaxFileSize)
	validator := service.NewRowValidator(importCfg.AllowedEmailDomains)

	pipeline := service.NewPipeline(service.PipelineOptions{
		Jobs:      repos.JobRepo,
		Rows:      repos.RowRepo,
		Errors:    repos.ErrorRepo,
		Employees: repos.EmployeeRepo,
		Progress:  progress,
		Validator: validator,
		Parser:    parser,
		Config:    importCfg,
		Logger:    logger,
	})

	imports := service.NewImportService(service.ImportServiceOptions{
		Jobs:     repos.JobRepo,
		Rows:     repos.RowRepo,
		Errors:   repos.ErrorRepo,
		Tasks:    repos.TaskRepo,
		Progress: progress,
		Parser:   parser,
		Logger:   logger,
	})

	return ServiceContainer{
		Imports:  imports,
		Pipeline: pipeline,
		Progress: progress,
		Tasks:    repos.TaskRepo,
	}
}

// ImportWorkerConfig contains configuration for the import worker service.
type ImportWorkerConfig struct {
	Services ServiceContainer
	Worker   config.WorkerConfig
	Logger   *slog.Logger
}

// RunImportWorker starts the import task worker. It blocks until the
// context is cancelled or a worker fails.
func RunImportWorker(ctx context.Context, cfg ImportWorkerConfig) error {
	runner, err := importrunner.NewRunner(importrunner.RunnerOptions{
		Tasks:       cfg.Services.Tasks,
		Pipeline:    cfg.Services.Pipeline,
		Logger:      cfg.Logger,
		Lease:       cfg.Worker.Lease,
		Concurrency: cfg.Worker.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("create import runner: %w", err)
	}

	return runner.Run(ctx)
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient *redis.Client
	Logger      *slog.Logger
}

// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
const shutdownWaitTimeout = 15 * time.Second

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
	errCh := make(chan error, len(enabledServices)+1)

	var httpServer *http.Server
	if enabledServices[config.ServiceModeHTTP] {
		httpServer = StartHTTPServer(&HTTPServerConfig{
			Config:   cfg.Config,
			Services: cfg.Services,
			Logger:   logger,
		})
	}

	var workerDone <-chan struct{}
	if enabledServices[config.ServiceModeImportWorker] {
		done := make(chan struct{})
		go func() {
			defer close(done)
			if runErr := RunImportWorker(serviceCtx, ImportWorkerConfig{
				Services: cfg.Services,
				Worker:   cfg.Config.Worker,
				Logger:   logger,
			}); runErr != nil {
				select {
				case errCh <- fmt.Errorf("import worker failed: %w", runErr):
				case <-serviceCtx.Done():
				}
			}
		}()
		workerDone = done
		logger.Info("background service started", "service", "import worker")
	}

	return waitForShutdown(shutdownConfig{
		ctx:        serviceCtx,
		cancel:     cancel,
		errCh:      errCh,
		httpServer: httpServer,
		workerDone: workerDone,
		logger:     logger,
	})
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx        context.Context
	cancel     context.CancelFunc
	errCh      <-chan error
	httpServer *http.Server
	workerDone <-chan struct{}
	logger     *slog.Logger
}

// waitForShutdown waits for a shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop attempts to gracefully stop all services.
func gracefulStop(cfg shutdownConfig) error {
	if cfg.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()

		if err := ShutdownHTTPServer(ShutdownConfig{
			Context: shutdownCtx,
			Server:  cfg.httpServer,
			Logger:  cfg.logger,
		}); err != nil {
			return err
		}
	}

	if cfg.workerDone != nil {
		select {
		case <-cfg.workerDone:
			cfg.logger.Info("import worker stopped")
		case <-time.After(shutdownWaitTimeout):
			cfg.logger.Warn("timeout waiting for import worker to stop")
		}
	}

	return nil
}
