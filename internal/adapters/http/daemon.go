package httpadapter

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/core/policy"
	"github.com/kirillkom/cardmint-ocr/internal/core/ports"
)

const latencyWindow = 200

var errDaemonStopped = errors.New("daemon is stopped")

// DaemonOptions describes the process the daemon reports about in /status.
type DaemonOptions struct {
	ConfigPath  string
	BackendType string
	CacheStats  func() any
	Logger      *slog.Logger
	OnQueue     func(depth int)
	Now         func() time.Time
}

type job struct {
	ctx        context.Context
	imagePath  string
	configPath string
	reply      chan jobResult
}

type jobResult struct {
	result  domain.PipelineResult
	elapsed time.Duration
}

// Daemon runs pipeline requests one at a time in arrival order on a single goroutine.
// It implements ports.OCRRunner so other inbound paths share the same queue.
type Daemon struct {
	runner ports.OCRRunner
	opts   DaemonOptions
	logger *slog.Logger

	jobs    chan job
	stopped chan struct{}
	done    chan struct{}
	once    sync.Once

	startedAt time.Time
	requests  atomic.Int64
	queued    atomic.Int64

	mu        sync.Mutex
	latencies []float64
}

func NewDaemon(runner ports.OCRRunner, opts DaemonOptions) *Daemon {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		runner:    runner,
		opts:      opts,
		logger:    logger,
		jobs:      make(chan job),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
		startedAt: opts.Now(),
	}
	go d.loop()
	return d
}

func (d *Daemon) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.stopped:
			return
		case j := <-d.jobs:
			start := d.opts.Now()
			result := d.runner.Run(j.ctx, j.imagePath, j.configPath)
			j.reply <- jobResult{result: result, elapsed: d.opts.Now().Sub(start)}
		}
	}
}

// Process queues one request and waits for its result. elapsedMs is the time
// spent inside the pipeline, rounded to 0.1 ms.
func (d *Daemon) Process(ctx context.Context, imagePath string) (domain.PipelineResult, float64, error) {
	res, err := d.submit(ctx, imagePath, d.opts.ConfigPath)
	if err != nil {
		return domain.PipelineResult{}, 0, err
	}

	elapsedMs := math.Round(domain.Millis(res.elapsed)*10) / 10
	count := d.requests.Add(1)
	p50, p95 := d.recordLatency(elapsedMs)
	d.logger.Info("request_done",
		"lat_ms", elapsedMs,
		"p50_ms", p50,
		"p95_ms", p95,
		"line_count", res.result.LineCount,
		"fail_reason", res.result.FailReason,
		"backend", d.opts.BackendType,
		"requests_processed", count,
	)
	return res.result, elapsedMs, nil
}

// Run satisfies ports.OCRRunner.
func (d *Daemon) Run(ctx context.Context, imagePath, configPath string) domain.PipelineResult {
	if configPath == "" {
		configPath = d.opts.ConfigPath
	}
	res, err := d.submit(ctx, imagePath, configPath)
	if err != nil {
		msg := "request was not processed"
		return domain.PipelineResult{
			FailReason:   domain.FailOCR,
			ErrorContext: &msg,
			Lines:        []string{},
			Confidences:  []float64{},
			QualityFlags: []string{},
		}
	}
	elapsedMs := math.Round(domain.Millis(res.elapsed)*10) / 10
	d.requests.Add(1)
	d.recordLatency(elapsedMs)
	return res.result
}

func (d *Daemon) submit(ctx context.Context, imagePath, configPath string) (jobResult, error) {
	depth := d.queued.Add(1)
	d.reportQueue(depth)
	defer func() { d.reportQueue(d.queued.Add(-1)) }()

	j := job{
		ctx:        context.WithoutCancel(ctx),
		imagePath:  imagePath,
		configPath: configPath,
		reply:      make(chan jobResult, 1),
	}
	select {
	case d.jobs <- j:
	case <-ctx.Done():
		return jobResult{}, ctx.Err()
	case <-d.stopped:
		return jobResult{}, errDaemonStopped
	}

	// A started run is always allowed to finish; its own budget bounds it.
	return <-j.reply, nil
}

func (d *Daemon) reportQueue(depth int64) {
	if d.opts.OnQueue != nil {
		d.opts.OnQueue(int(depth))
	}
}

func (d *Daemon) recordLatency(ms float64) (float64, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latencies = append(d.latencies, ms)
	if len(d.latencies) > latencyWindow {
		d.latencies = d.latencies[len(d.latencies)-latencyWindow:]
	}
	return roundTenth(policy.Percentile(d.latencies, 50)), roundTenth(policy.Percentile(d.latencies, 95))
}

// Warmup runs one inference so the backend model is loaded before the first request.
// An empty imagePath uses a generated blank card.
func (d *Daemon) Warmup(ctx context.Context, imagePath string) domain.PipelineResult {
	start := d.opts.Now()
	if imagePath == "" {
		path, cleanup, err := writeBlankImage()
		if err != nil {
			d.logger.Warn("daemon_warmup_failed", "error", err)
			return domain.PipelineResult{FailReason: domain.FailFileRead}
		}
		defer cleanup()
		imagePath = path
	}

	res, err := d.submit(ctx, imagePath, d.opts.ConfigPath)
	if err != nil {
		d.logger.Warn("daemon_warmup_failed", "error", err)
		return domain.PipelineResult{FailReason: domain.FailOCR}
	}
	d.logger.Info("daemon_warmup_done",
		"duration_ms", domain.Millis(d.opts.Now().Sub(start)),
		"fail_reason", res.result.FailReason,
	)
	return res.result
}

// Stop ends the run loop after the in-flight job. Queued callers get errDaemonStopped.
func (d *Daemon) Stop() {
	d.once.Do(func() { close(d.stopped) })
	<-d.done
}

type DaemonStatus struct {
	Status               string  `json:"status"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
	RequestsProcessed    int64   `json:"requests_processed"`
	ConfigPath           string  `json:"config_path"`
	BackendType          string  `json:"backend_type"`
	AvgRequestsPerMinute float64 `json:"avg_requests_per_minute"`
	P50Ms                float64 `json:"p50_ms"`
	P95Ms                float64 `json:"p95_ms"`
	QueueDepth           int64   `json:"queue_depth"`
	OCRCache             any     `json:"ocr_cache"`
}

func (d *Daemon) Status() DaemonStatus {
	uptime := d.opts.Now().Sub(d.startedAt).Seconds()
	requests := d.requests.Load()

	d.mu.Lock()
	p50 := roundTenth(policy.Percentile(d.latencies, 50))
	p95 := roundTenth(policy.Percentile(d.latencies, 95))
	d.mu.Unlock()

	perMinute := 0.0
	if uptime > 0 {
		perMinute = roundTenth(float64(requests) / uptime * 60)
	}
	configPath := d.opts.ConfigPath
	if configPath == "" {
		configPath = "default"
	}
	backend := d.opts.BackendType
	if backend == "" {
		backend = "unknown"
	}
	var cache any = []any{}
	if d.opts.CacheStats != nil {
		cache = d.opts.CacheStats()
	}

	return DaemonStatus{
		Status:               "healthy",
		UptimeSeconds:        roundTenth(uptime),
		RequestsProcessed:    requests,
		ConfigPath:           configPath,
		BackendType:          backend,
		AvgRequestsPerMinute: perMinute,
		P50Ms:                p50,
		P95Ms:                p95,
		QueueDepth:           d.queued.Load(),
		OCRCache:             cache,
	}
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

func writeBlankImage() (string, func(), error) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 50))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	dir, err := os.MkdirTemp("", "cardmint-warmup-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	path := filepath.Join(dir, "warmup.png")
	f, err := os.Create(path)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}
