package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	httpadapter "github.com/kirillkom/cardmint-ocr/internal/adapters/http"
	"github.com/kirillkom/cardmint-ocr/internal/bootstrap"
	"github.com/kirillkom/cardmint-ocr/internal/config"
	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/observability/logging"
	"github.com/kirillkom/cardmint-ocr/internal/observability/metrics"
)

const serviceName = "ocr-worker"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger, logCloser := logging.NewJSONLoggerWithFile(serviceName, cfg.LogLevel, logging.FileOptions{Path: cfg.LogFile})
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	httpMetrics := metrics.NewHTTPServerMetrics(serviceName)
	app, err := bootstrap.New(cfg, logger, workerMetrics.Registry())
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	worker, err := bootstrap.NewWorker(ctx, app, workerMetrics)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	if err := app.Warm(); err != nil {
		logger.Warn("engine_warm_failed", "error", err)
	}

	server := &http.Server{
		Addr: ":" + cfg.WorkerMetricsPort,
		Handler: httpadapter.NewRouter(cfg, nil,
			httpadapter.WithScans(worker.Scans),
			httpadapter.WithMetrics(serviceName, httpMetrics, metrics.Handler(httpMetrics.Registry(), workerMetrics.Registry())),
			httpadapter.WithVersions(app.Versions()),
		).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_http_error", "error", err)
		}
	}()

	logger.Info("worker_subscribed", "subject", cfg.NATSSubject, "result_subject", cfg.NATSResultSubject)
	err = worker.Queue.SubscribeScans(ctx, func(handlerCtx context.Context, event domain.ScanEvent) error {
		workerMetrics.ObserveQueueLag(serviceName, time.Since(event.SubmittedAt))
		workerMetrics.StartScan()
		start := time.Now()

		record, err := worker.ProcessUC.ProcessScan(handlerCtx, event)

		status := "success"
		switch {
		case err != nil:
			status = "error"
		case record != nil && record.Status == domain.ScanFailed:
			status = "ocr_failed"
		}
		workerMetrics.FinishScan(serviceName, status, time.Since(start))
		return err
	})
	if err != nil {
		logger.Error("worker_subscribe_error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
