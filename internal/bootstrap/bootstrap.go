package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/cardmint-ocr/internal/config"
	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/core/ports"
	"github.com/kirillkom/cardmint-ocr/internal/core/usecase"
	"github.com/kirillkom/cardmint-ocr/internal/infrastructure/imaging"
	"github.com/kirillkom/cardmint-ocr/internal/infrastructure/ocr/engine"
	"github.com/kirillkom/cardmint-ocr/internal/infrastructure/ocr/tesseract"
	"github.com/kirillkom/cardmint-ocr/internal/infrastructure/parser/cardfields"
	"github.com/kirillkom/cardmint-ocr/internal/infrastructure/queue/nats"
	"github.com/kirillkom/cardmint-ocr/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/cardmint-ocr/internal/infrastructure/resilience"
	"github.com/kirillkom/cardmint-ocr/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/cardmint-ocr/internal/infrastructure/vision/opencv"
	"github.com/kirillkom/cardmint-ocr/internal/observability/metrics"
)

// App owns the process-wide recognition pipeline: the pipeline configuration
// loaded at startup, the engine registry with its lazily loaded model, and the
// use cases built on top of them.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Pipeline domain.PipelineConfig
	Registry *engine.Registry
	Runner   ports.OCRRunner

	// PipelineErr is set when the default pipeline configuration is invalid.
	// Runs still start and report config_error.
	PipelineErr error

	closers []func() error
}

// New wires the pipeline. registerer may be nil when metrics are not exported.
func New(cfg config.Config, logger *slog.Logger, registerer prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loader := config.NewPipelineLoader(cfg.OCRConfigPath, cfg.Overrides())
	pipeCfg, pipeErr := loader.Load("")
	if pipeErr != nil {
		logger.Warn("pipeline_config_invalid", "path", cfg.OCRConfigPath, "error", pipeErr)
	}

	threads := config.ApplyThreadDefaults(pipeCfg.WorkerThreads, cfg.OCRWorkers)
	logger.Info("thread_defaults", "env", threads, "overrides", cfg.Overrides().String())

	var (
		observer     ports.PipelineObserver
		fallbackHook func(from, to domain.BackendKind)
	)
	if registerer != nil {
		pm := metrics.NewPipelineMetrics("ocr", registerer)
		observer = pm
		fallbackHook = pm.ObserveFallback
	}

	registryOpts := []engine.RegistryOption{engine.WithLogger(logger)}
	if fallbackHook != nil {
		registryOpts = append(registryOpts, engine.WithFallbackHook(fallbackHook))
	}
	registry := engine.NewRegistry(engine.GuardPolicy{
		ForceNative: cfg.OCRForceNative,
		Strict:      cfg.OCRNativeStrict,
	}, registryOpts...)
	registry.Register(domain.BackendNative, tesseract.Factory(tesseract.Options{
		Language:       pipeCfg.Language,
		TessdataPrefix: pipeCfg.TessdataPrefix,
	}))

	runner := usecase.NewRecognitionUseCase(
		loader,
		imaging.NewLoader(),
		imaging.NewPreprocessor(),
		engine.NewRecognizer(registry),
		opencv.NewSkewEstimator(),
		imaging.NewRotator(),
		cardfields.NewParser(),
		observer,
		logger,
	)

	return &App{
		Config:      cfg,
		Logger:      logger,
		Pipeline:    pipeCfg,
		Registry:    registry,
		Runner:      runner,
		PipelineErr: pipeErr,
		closers:     []func() error{registry.Close},
	}, nil
}

// BackendType is the backend that serves the default configuration.
func (a *App) BackendType() string {
	if a.PipelineErr != nil {
		return "unknown"
	}
	kind, err := a.Registry.Resolve(a.Pipeline.Backend)
	if err != nil {
		return string(a.Pipeline.Backend)
	}
	return string(kind)
}

// Warm loads the backend model for the default configuration.
func (a *App) Warm() error {
	if a.PipelineErr != nil {
		return a.PipelineErr
	}
	kind, err := a.Registry.Resolve(a.Pipeline.Backend)
	if err != nil {
		return err
	}
	return a.Registry.Warm(kind)
}

// CacheStats reports per-backend model cache counters.
func (a *App) CacheStats() any {
	return a.Registry.Stats()
}

// Versions reports the native library versions linked into the binary.
func (a *App) Versions() map[string]string {
	gocvVersion, opencvVersion := opencv.Versions()
	return map[string]string{
		"tesseract": tesseract.Version(),
		"gocv":      gocvVersion,
		"opencv":    opencvVersion,
	}
}

// NewUploads stores uploads under cfg.UploadPath and runs them through runner.
func (a *App) NewUploads(runner ports.OCRRunner) (ports.UploadRecognizer, error) {
	store, err := localfs.New(a.Config.UploadPath)
	if err != nil {
		return nil, fmt.Errorf("init upload storage: %w", err)
	}
	return usecase.NewUploadRecognitionUseCase(store, runner), nil
}

func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("shutdown_errors", "error", err)
	}
}

// Worker holds the scan pipeline: NATS in, Postgres and NATS out.
type Worker struct {
	Queue     ports.ScanQueue
	Scans     ports.ScanReader
	ProcessUC ports.ScanProcessor
}

// NewWorker connects Postgres and NATS. Their lifetimes are bound to the app.
func NewWorker(ctx context.Context, app *App, observer resilience.Observer) (*Worker, error) {
	cfg := app.Config
	executorOpts := []resilience.ExecutorOption{resilience.WithLogger(app.Logger)}
	if observer != nil {
		executorOpts = append(executorOpts, resilience.WithObserver(observer))
	}
	executor := resilience.NewExecutor(resilienceConfig(cfg), executorOpts...)
	policy := executor.Config()
	app.Logger.Info("resilience_policy",
		"retry_max_attempts", policy.Retry.MaxAttempts,
		"retry_total_backoff_ms", policy.Retry.TotalBackoff().Milliseconds(),
		"breaker_enabled", policy.Breaker.Enabled,
		"breaker_open_timeout_ms", policy.Breaker.OpenTimeout.Milliseconds(),
	)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewScanRepository(db, postgres.WithExecutor(executor))
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, cfg.NATSResultSubject, nats.Options{
		ResilienceExecutor: executor,
		Logger:             app.Logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	app.closers = append(app.closers, db.Close, func() error {
		queue.Close()
		return nil
	})

	return &Worker{
		Queue:     queue,
		Scans:     repo,
		ProcessUC: usecase.NewProcessScanUseCase(app.Runner, repo, queue),
	}, nil
}

// resilienceConfig maps the RESILIENCE_* settings onto the executor policy.
// Zero or negative values fall back to the executor defaults.
func resilienceConfig(cfg config.Config) resilience.Config {
	return resilience.Config{
		Retry: resilience.RetryPolicy{
			MaxAttempts:    cfg.ResilienceRetryMaxAttempts,
			InitialBackoff: cfg.ResilienceRetryInitialBackoff,
			MaxBackoff:     cfg.ResilienceRetryMaxBackoff,
			Multiplier:     2.0,
		},
		Breaker: resilience.BreakerPolicy{
			Enabled:          cfg.ResilienceBreakerEnabled,
			MinRequests:      uint32(max(cfg.ResilienceBreakerMinRequests, 0)),
			FailureRatio:     cfg.ResilienceBreakerFailureRatio,
			OpenTimeout:      cfg.ResilienceBreakerOpenTimeout,
			HalfOpenMaxCalls: 1,
		},
	}
}
