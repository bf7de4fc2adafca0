package domain

import (
	"fmt"
	"image"
	"math"
	"time"
)

// HardTimeoutCeiling bounds every inference pass regardless of configuration.
const HardTimeoutCeiling = 30 * time.Second

type BackendKind string

const (
	BackendNative          BackendKind = "native"
	BackendPaddleXOpenVINO BackendKind = "paddlex_openvino"
	BackendONNXRuntime     BackendKind = "onnxruntime"
)

func (k BackendKind) IsNative() bool { return k == BackendNative }

// DetectionParams tune the text detector.
type DetectionParams struct {
	Thresh      float64 `json:"det_db_thresh"`
	BoxThresh   float64 `json:"det_db_box_thresh"`
	UnclipRatio float64 `json:"det_db_unclip_ratio"`
}

// PipelineConfig is resolved once per request and never mutated afterwards.
type PipelineConfig struct {
	Flavor string

	DetectionEnabled             bool
	RecognitionEnabled           bool
	OrientationCorrectionEnabled bool
	UnwarpEnabled                bool
	MaxImageWidthPx              int
	GrayscaleEnabled             bool

	Backend       BackendKind
	WorkerThreads int

	AcceptThreshold        float64
	LowThreshold           float64
	DeskewTriggerThreshold float64
	SoftTimeoutSeconds     float64
	DropScoreThreshold     float64

	Detection      DetectionParams
	Language       string
	TessdataPrefix string
	MaxBoxes       int
}

// EffectiveTimeout is the per-pass inference budget: min(soft, ceiling).
// Comparing in seconds keeps huge or NaN values from overflowing the Duration.
func (c PipelineConfig) EffectiveTimeout() time.Duration {
	soft := c.SoftTimeoutSeconds
	if math.IsNaN(soft) || soft <= 0 || soft >= HardTimeoutCeiling.Seconds() {
		return HardTimeoutCeiling
	}
	return time.Duration(soft * float64(time.Second))
}

func (c PipelineConfig) Validate() error {
	if !c.RecognitionEnabled {
		return fmt.Errorf("recognition must be enabled")
	}
	if c.MaxImageWidthPx <= 0 {
		return fmt.Errorf("max_width must be positive, got %d", c.MaxImageWidthPx)
	}
	if c.WorkerThreads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", c.WorkerThreads)
	}
	if c.SoftTimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive, got %v", c.SoftTimeoutSeconds)
	}
	for name, v := range map[string]float64{
		"tau_accept":       c.AcceptThreshold,
		"tau_low":          c.LowThreshold,
		"deskew_threshold": c.DeskewTriggerThreshold,
		"drop_score":       c.DropScoreThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if c.LowThreshold > c.AcceptThreshold {
		return fmt.Errorf("tau_low (%v) must not exceed tau_accept (%v)", c.LowThreshold, c.AcceptThreshold)
	}
	if c.Backend == "" {
		return fmt.Errorf("backend type is required")
	}
	return nil
}

// Point is a centroid in image coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DetectedLine is one recognized text line. Text is never empty after trimming.
type DetectedLine struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Centroid   Point   `json:"centroid"`
}

// SourceImage is a decoded input image plus its EXIF orientation (0 when unknown).
type SourceImage struct {
	Image       image.Image
	Format      string
	Orientation int
}
