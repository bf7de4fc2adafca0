package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/net/netutil"

	httpadapter "github.com/kirillkom/cardmint-ocr/internal/adapters/http"
	"github.com/kirillkom/cardmint-ocr/internal/bootstrap"
	"github.com/kirillkom/cardmint-ocr/internal/config"
	"github.com/kirillkom/cardmint-ocr/internal/observability/logging"
	"github.com/kirillkom/cardmint-ocr/internal/observability/metrics"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger, logCloser := logging.NewJSONLoggerWithFile("ocr-daemon", cfg.LogLevel, logging.FileOptions{Path: cfg.LogFile})
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := metrics.NewHTTPServerMetrics("ocr-daemon")
	app, err := bootstrap.New(cfg, logger, httpMetrics.Registry())
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	daemon := httpadapter.NewDaemon(app.Runner, httpadapter.DaemonOptions{
		ConfigPath:  cfg.OCRConfigPath,
		BackendType: app.BackendType(),
		CacheStats:  app.CacheStats,
		Logger:      logger,
		OnQueue:     httpMetrics.SetQueueDepth,
	})
	defer daemon.Stop()

	uploads, err := app.NewUploads(daemon)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}

	warmup := daemon.Warmup(ctx, cfg.DaemonWarmupImage)
	logger.Info("daemon_ready", "warmup_fail_reason", warmup.FailReason, "backend", app.BackendType())

	router := httpadapter.NewRouter(cfg, daemon,
		httpadapter.WithUploads(uploads),
		httpadapter.WithMetrics("ocr-daemon", httpMetrics),
		httpadapter.WithVersions(app.Versions()),
	).Handler()

	addr := net.JoinHostPort(cfg.DaemonHost, cfg.DaemonPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("listen_failed", "addr", addr, "error", err)
		os.Exit(1)
	}
	if cfg.DaemonMaxConns > 0 {
		listener = netutil.LimitListener(listener, cfg.DaemonMaxConns)
	}

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("daemon_listening", "addr", addr, "config", cfg.OCRConfigPath)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("daemon_server_error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("daemon_shutdown_error", "error", err)
	}
}
