package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ocr.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestPipelineLoaderDefaultsWhenDefaultFileMissing(t *testing.T) {
	loader := NewPipelineLoader(filepath.Join(t.TempDir(), "absent.yaml"), Overrides{})

	cfg, err := loader.Load("")
	if err != nil {
		t.Fatalf("expected defaults, got %v", err)
	}
	if cfg.MaxImageWidthPx != 1600 || !cfg.GrayscaleEnabled {
		t.Fatalf("unexpected preprocessing defaults: %+v", cfg)
	}
	if cfg.Backend != domain.BackendNative || cfg.WorkerThreads != 4 {
		t.Fatalf("unexpected backend defaults: %s/%d", cfg.Backend, cfg.WorkerThreads)
	}
	if cfg.AcceptThreshold != 0.94 || cfg.LowThreshold != 0.70 || cfg.DeskewTriggerThreshold != 0.80 {
		t.Fatalf("unexpected thresholds: %+v", cfg)
	}
	if cfg.SoftTimeoutSeconds != 2 || cfg.DropScoreThreshold != 0.4 {
		t.Fatalf("unexpected timeout/drop defaults: %+v", cfg)
	}
	if cfg.Flavor != "mobile" {
		t.Fatalf("expected mobile flavor, got %q", cfg.Flavor)
	}
}

func TestPipelineLoaderExplicitMissingFileIsConfigError(t *testing.T) {
	loader := NewPipelineLoader("", Overrides{})

	_, err := loader.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !domain.IsKind(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestPipelineLoaderMergesPartialSections(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  max_width: 1200
  grayscale: false
thresholds:
  tau_low: 0.6
`)
	cfg, err := NewPipelineLoader("", Overrides{}).Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxImageWidthPx != 1200 || cfg.GrayscaleEnabled {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if cfg.LowThreshold != 0.6 || cfg.AcceptThreshold != 0.94 {
		t.Fatalf("expected merged thresholds, got low=%v accept=%v", cfg.LowThreshold, cfg.AcceptThreshold)
	}
	if !cfg.DetectionEnabled || cfg.SoftTimeoutSeconds != 2 {
		t.Fatalf("expected untouched defaults, got %+v", cfg)
	}
}

func TestPipelineLoaderRejectsInvertedThresholds(t *testing.T) {
	path := writeConfig(t, `
thresholds:
  tau_accept: 0.6
  tau_low: 0.8
`)
	_, err := NewPipelineLoader("", Overrides{}).Load(path)
	if !domain.IsKind(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestPipelineLoaderRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "pipeline: [unterminated")
	_, err := NewPipelineLoader("", Overrides{}).Load(path)
	if !domain.IsKind(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestPipelineLoaderAppliesOverrides(t *testing.T) {
	path := writeConfig(t, `
backend:
  type: native
`)
	loader := NewPipelineLoader("", Overrides{
		BackendOverride: "PaddleX_OpenVINO",
		LowThresholds:   true,
		MaxBoxes:        50,
	})
	cfg, err := loader.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != domain.BackendPaddleXOpenVINO {
		t.Fatalf("expected backend override, got %q", cfg.Backend)
	}
	if cfg.DropScoreThreshold != 0.15 || cfg.Detection.Thresh != 0.15 {
		t.Fatalf("expected lowered drop/det thresholds, got %v/%v", cfg.DropScoreThreshold, cfg.Detection.Thresh)
	}
	if cfg.Detection.BoxThresh != 0.35 || cfg.Detection.UnclipRatio != 1.8 {
		t.Fatalf("expected lowered box thresh and raised unclip, got %+v", cfg.Detection)
	}
	if cfg.MaxBoxes != 50 {
		t.Fatalf("expected max boxes 50, got %d", cfg.MaxBoxes)
	}
}

func TestApplyThreadDefaultsKeepsExistingValues(t *testing.T) {
	t.Setenv("OMP_NUM_THREADS", "7")
	t.Setenv("OMP_THREAD_LIMIT", "")
	t.Setenv("MKL_NUM_THREADS", "")

	applied := ApplyThreadDefaults(4, 2)
	if applied["OMP_NUM_THREADS"] != "7" {
		t.Fatalf("expected existing value kept, got %q", applied["OMP_NUM_THREADS"])
	}
	if os.Getenv("OMP_THREAD_LIMIT") != "2" {
		t.Fatalf("expected per-worker split 2, got %q", os.Getenv("OMP_THREAD_LIMIT"))
	}
}
