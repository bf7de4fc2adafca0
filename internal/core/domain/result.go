package domain

import "time"

type FailReason string

const (
	FailNone               FailReason = "none"
	FailConfig             FailReason = "config_error"
	FailFileRead           FailReason = "file_read_error"
	FailUnsupportedBackend FailReason = "unsupported_backend"
	FailTimeout            FailReason = "timeout"
	FailOCR                FailReason = "ocr_error"
	FailNoText             FailReason = "no_text"
)

const (
	FlagLowConfidence    = "low_confidence"
	FlagHighConfidence   = "high_confidence"
	FlagUnevenConfidence = "uneven_confidence"
)

// StageTimings holds elapsed milliseconds per stage. Stages that did not run stay zero.
type StageTimings struct {
	Preprocess float64 `json:"preprocess"`
	Detect     float64 `json:"detect"`
	Recognize  float64 `json:"recognize"`
	Parse      float64 `json:"parse"`
	Deskew     float64 `json:"deskew"`
	Total      float64 `json:"total"`
}

// CardFields are the structured fields extracted from recognized lines.
type CardFields struct {
	Name        *string `json:"name"`
	SetName     *string `json:"set_name"`
	CardNumber  *string `json:"card_number"`
	RarityText  *string `json:"rarity_text"`
	VariantText *string `json:"variant_text"`
}

type PipelineResult struct {
	Success           bool         `json:"success"`
	FailReason        FailReason   `json:"fail_reason"`
	ErrorContext      *string      `json:"error_context"`
	Lines             []string     `json:"lines"`
	Confidences       []float64    `json:"confidences"`
	ParsedFields      CardFields   `json:"parsed_fields"`
	OverallConfidence float64      `json:"overall_confidence"`
	P50Confidence     float64      `json:"p50_confidence"`
	P95Confidence     float64      `json:"p95_confidence"`
	LineCount         int          `json:"line_count"`
	QualityFlags      []string     `json:"quality_flags"`
	DeskewApplied     bool         `json:"deskew_applied"`
	StageTimingsMs    StageTimings `json:"stage_timings_ms"`
}

func Millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
