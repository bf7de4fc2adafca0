package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

const DefaultPipelineConfigPath = "configs/ocr.yaml"

// Overrides are process-wide adjustments applied on top of the YAML file.
type Overrides struct {
	BackendOverride string
	LowThresholds   bool
	ForceNative     bool
	NativeStrict    bool
	MaxBoxes        int
}

type pipelineFile struct {
	Models struct {
		Flavor         string `yaml:"flavor"`
		Language       string `yaml:"language"`
		TessdataPrefix string `yaml:"tessdata_prefix"`
	} `yaml:"models"`
	Pipeline struct {
		EnableDetection   bool    `yaml:"enable_detection"`
		EnableRecognition bool    `yaml:"enable_recognition"`
		EnableOrientation bool    `yaml:"enable_orientation"`
		EnableUnwarp      bool    `yaml:"enable_unwarp"`
		MaxWidth          int     `yaml:"max_width"`
		Grayscale         bool    `yaml:"grayscale"`
		DeskewThreshold   float64 `yaml:"deskew_threshold"`
		TimeoutSeconds    float64 `yaml:"timeout_seconds"`
		DropScore         float64 `yaml:"drop_score"`
		DetDBThresh       float64 `yaml:"det_db_thresh"`
		DetDBBoxThresh    float64 `yaml:"det_db_box_thresh"`
		DetDBUnclipRatio  float64 `yaml:"det_db_unclip_ratio"`
	} `yaml:"pipeline"`
	Backend struct {
		Type    string `yaml:"type"`
		Threads int    `yaml:"threads"`
	} `yaml:"backend"`
	Thresholds struct {
		TauAccept float64 `yaml:"tau_accept"`
		TauLow    float64 `yaml:"tau_low"`
	} `yaml:"thresholds"`
}

func defaultPipelineFile() pipelineFile {
	var f pipelineFile
	f.Models.Flavor = "mobile"
	f.Models.Language = "eng"
	f.Pipeline.EnableDetection = true
	f.Pipeline.EnableRecognition = true
	f.Pipeline.EnableOrientation = true
	f.Pipeline.EnableUnwarp = false
	f.Pipeline.MaxWidth = 1600
	f.Pipeline.Grayscale = true
	f.Pipeline.DeskewThreshold = 0.80
	f.Pipeline.TimeoutSeconds = 2
	f.Pipeline.DropScore = 0.4
	f.Pipeline.DetDBThresh = 0.3
	f.Pipeline.DetDBBoxThresh = 0.6
	f.Pipeline.DetDBUnclipRatio = 1.5
	f.Backend.Type = string(domain.BackendNative)
	f.Backend.Threads = 4
	f.Thresholds.TauAccept = 0.94
	f.Thresholds.TauLow = 0.70
	return f
}

// PipelineLoader reads the YAML pipeline configuration. Every section and key is
// optional; missing values keep their defaults.
type PipelineLoader struct {
	defaultPath string
	overrides   Overrides
}

func NewPipelineLoader(defaultPath string, overrides Overrides) *PipelineLoader {
	if strings.TrimSpace(defaultPath) == "" {
		defaultPath = DefaultPipelineConfigPath
	}
	return &PipelineLoader{defaultPath: defaultPath, overrides: overrides}
}

// Load resolves the configuration at path. An empty path falls back to the
// loader's default file, which may be absent. An explicit path must exist.
func (l *PipelineLoader) Load(path string) (domain.PipelineConfig, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = l.defaultPath
	}

	file := defaultPipelineFile()
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return domain.PipelineConfig{}, domain.WrapError(domain.ErrConfig, "parse pipeline config", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return domain.PipelineConfig{}, domain.WrapError(domain.ErrConfig, "read pipeline config", err)
	}

	cfg := file.toDomain()
	cfg = l.overrides.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return domain.PipelineConfig{}, domain.WrapError(domain.ErrConfig, "validate pipeline config", err)
	}
	return cfg, nil
}

func (f pipelineFile) toDomain() domain.PipelineConfig {
	return domain.PipelineConfig{
		Flavor:                       f.Models.Flavor,
		DetectionEnabled:             f.Pipeline.EnableDetection,
		RecognitionEnabled:           f.Pipeline.EnableRecognition,
		OrientationCorrectionEnabled: f.Pipeline.EnableOrientation,
		UnwarpEnabled:                f.Pipeline.EnableUnwarp,
		MaxImageWidthPx:              f.Pipeline.MaxWidth,
		GrayscaleEnabled:             f.Pipeline.Grayscale,
		Backend:                      domain.BackendKind(strings.ToLower(strings.TrimSpace(f.Backend.Type))),
		WorkerThreads:                f.Backend.Threads,
		AcceptThreshold:              f.Thresholds.TauAccept,
		LowThreshold:                 f.Thresholds.TauLow,
		DeskewTriggerThreshold:       f.Pipeline.DeskewThreshold,
		SoftTimeoutSeconds:           f.Pipeline.TimeoutSeconds,
		DropScoreThreshold:           f.Pipeline.DropScore,
		Detection: domain.DetectionParams{
			Thresh:      f.Pipeline.DetDBThresh,
			BoxThresh:   f.Pipeline.DetDBBoxThresh,
			UnclipRatio: f.Pipeline.DetDBUnclipRatio,
		},
		Language:       f.Models.Language,
		TessdataPrefix: f.Models.TessdataPrefix,
	}
}

func (o Overrides) apply(cfg domain.PipelineConfig) domain.PipelineConfig {
	if kind := strings.ToLower(strings.TrimSpace(o.BackendOverride)); kind != "" {
		cfg.Backend = domain.BackendKind(kind)
	}
	if o.LowThresholds {
		cfg.DropScoreThreshold = math.Min(cfg.DropScoreThreshold, 0.15)
		cfg.Detection.Thresh = math.Min(cfg.Detection.Thresh, 0.15)
		cfg.Detection.BoxThresh = math.Min(cfg.Detection.BoxThresh, 0.35)
		cfg.Detection.UnclipRatio = math.Max(cfg.Detection.UnclipRatio, 1.8)
	}
	if o.MaxBoxes > 0 {
		cfg.MaxBoxes = o.MaxBoxes
	}
	return cfg
}

func (o Overrides) String() string {
	return fmt.Sprintf("backend_override=%q low_thresholds=%t force_native=%t native_strict=%t max_boxes=%d",
		o.BackendOverride, o.LowThresholds, o.ForceNative, o.NativeStrict, o.MaxBoxes)
}
