package httpadapter

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

type runnerFake struct {
	mu       sync.Mutex
	paths    []string
	configs  []string
	active   atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	onRun    func(imagePath string)
	failWith domain.FailReason
}

func (f *runnerFake) Run(_ context.Context, imagePath, configPath string) domain.PipelineResult {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.onRun != nil {
		f.onRun(imagePath)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.paths = append(f.paths, imagePath)
	f.configs = append(f.configs, configPath)
	f.mu.Unlock()

	reason := f.failWith
	if reason == "" {
		reason = domain.FailNone
	}
	return domain.PipelineResult{
		Success:      reason == domain.FailNone,
		FailReason:   reason,
		Lines:        []string{"Pikachu"},
		Confidences:  []float64{0.97},
		LineCount:    1,
		QualityFlags: []string{domain.FlagHighConfidence},
	}
}

func TestDaemonSerializesConcurrentRequests(t *testing.T) {
	runner := &runnerFake{delay: 5 * time.Millisecond}
	daemon := NewDaemon(runner, DaemonOptions{ConfigPath: "configs/ocr.yaml"})
	defer daemon.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := daemon.Process(context.Background(), "/scans/card.png"); err != nil {
				t.Errorf("process: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := runner.maxSeen.Load(); got != 1 {
		t.Fatalf("expected at most one concurrent run, got %d", got)
	}
	status := daemon.Status()
	if status.RequestsProcessed != 8 {
		t.Fatalf("expected 8 processed requests, got %d", status.RequestsProcessed)
	}
	if status.P50Ms <= 0 || status.P95Ms < status.P50Ms {
		t.Fatalf("unexpected latency percentiles: p50=%v p95=%v", status.P50Ms, status.P95Ms)
	}
	if status.QueueDepth != 0 {
		t.Fatalf("expected empty queue, got %d", status.QueueDepth)
	}
}

func TestDaemonProcessReturnsRoundedElapsed(t *testing.T) {
	var mu sync.Mutex
	clock := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(12340 * time.Microsecond)
		return clock
	}

	runner := &runnerFake{}
	daemon := NewDaemon(runner, DaemonOptions{Now: now})
	defer daemon.Stop()

	result, elapsedMs, err := daemon.Process(context.Background(), "/scans/a.png")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success result, got %+v", result)
	}
	if elapsedMs != 12.3 {
		t.Fatalf("expected 12.3ms, got %v", elapsedMs)
	}
}

func TestDaemonRunUsesDefaultConfigPath(t *testing.T) {
	runner := &runnerFake{}
	daemon := NewDaemon(runner, DaemonOptions{ConfigPath: "configs/ocr.yaml"})
	defer daemon.Stop()

	daemon.Run(context.Background(), "/scans/a.png", "")
	daemon.Run(context.Background(), "/scans/b.png", "custom.yaml")

	if runner.configs[0] != "configs/ocr.yaml" || runner.configs[1] != "custom.yaml" {
		t.Fatalf("unexpected config paths: %v", runner.configs)
	}
}

func TestDaemonStoppedRejectsRequests(t *testing.T) {
	daemon := NewDaemon(&runnerFake{}, DaemonOptions{})
	daemon.Stop()

	_, _, err := daemon.Process(context.Background(), "/scans/a.png")
	if !errors.Is(err, errDaemonStopped) {
		t.Fatalf("expected errDaemonStopped, got %v", err)
	}

	result := daemon.Run(context.Background(), "/scans/a.png", "")
	if result.FailReason != domain.FailOCR || result.ErrorContext == nil {
		t.Fatalf("expected ocr_error with context, got %+v", result)
	}
}

func TestDaemonWarmupUsesGeneratedImage(t *testing.T) {
	var existed bool
	runner := &runnerFake{onRun: func(path string) {
		_, err := os.Stat(path)
		existed = err == nil
	}}
	daemon := NewDaemon(runner, DaemonOptions{})
	defer daemon.Stop()

	daemon.Warmup(context.Background(), "")

	if !existed {
		t.Fatalf("expected warm-up image to exist during the run")
	}
	if _, err := os.Stat(runner.paths[0]); !os.IsNotExist(err) {
		t.Fatalf("expected warm-up image to be removed, got %v", err)
	}
	if got := daemon.Status().RequestsProcessed; got != 0 {
		t.Fatalf("expected warm-up not to count as a request, got %d", got)
	}
}

func TestDaemonLatencyWindowKeepsLastEntries(t *testing.T) {
	daemon := NewDaemon(&runnerFake{}, DaemonOptions{})
	defer daemon.Stop()

	for i := 0; i < latencyWindow; i++ {
		daemon.recordLatency(1000)
	}
	for i := 0; i < latencyWindow; i++ {
		daemon.recordLatency(10)
	}
	p50, p95 := daemon.recordLatency(10)
	if p50 != 10 || p95 != 10 {
		t.Fatalf("expected old latencies to be evicted, got p50=%v p95=%v", p50, p95)
	}
	if len(daemon.latencies) != latencyWindow {
		t.Fatalf("expected window of %d, got %d", latencyWindow, len(daemon.latencies))
	}
}

func TestDaemonStatusDefaults(t *testing.T) {
	daemon := NewDaemon(&runnerFake{}, DaemonOptions{})
	defer daemon.Stop()

	status := daemon.Status()
	if status.ConfigPath != "default" || status.BackendType != "unknown" {
		t.Fatalf("unexpected defaults: %+v", status)
	}
	if status.P50Ms != 0 || status.P95Ms != 0 {
		t.Fatalf("expected zero latencies before any request, got %+v", status)
	}
}
