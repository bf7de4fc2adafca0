package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kirillkom/cardmint-ocr/internal/bootstrap"
	"github.com/kirillkom/cardmint-ocr/internal/config"
	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/observability/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) (code int) {
	imagePath, configPath, err := parseArgs(args, stderr)
	if err != nil {
		return 2
	}

	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.NewJSONLoggerTo(stderr, "ocr-cli", cfg.LogLevel)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("cli_panic", "panic", fmt.Sprint(rec))
			msg := "internal error"
			writeResult(stdout, domain.PipelineResult{
				FailReason:   domain.FailOCR,
				ErrorContext: &msg,
				Lines:        []string{},
				Confidences:  []float64{},
				QualityFlags: []string{},
			})
			code = 1
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(cfg, logger, nil)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		return 1
	}
	defer app.Close()

	result := app.Runner.Run(ctx, imagePath, configPath)
	if err := writeResult(stdout, result); err != nil {
		logger.Error("write_result_failed", "error", err)
		return 1
	}
	return 0
}

// parseArgs accepts flags before or after the image path.
func parseArgs(args []string, stderr io.Writer) (imagePath, configPath string, err error) {
	fs := flag.NewFlagSet("cardmint-ocr", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configPath, "config", "", "path to ocr.yaml")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: cardmint-ocr <image> [--config path]")
		fs.PrintDefaults()
	}

	var positional []string
	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return "", "", err
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		rest = fs.Args()[1:]
	}
	if len(positional) != 1 {
		fs.Usage()
		return "", "", fmt.Errorf("expected exactly one image path, got %d", len(positional))
	}
	return positional[0], configPath, nil
}

func writeResult(w io.Writer, result domain.PipelineResult) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(result)
}
