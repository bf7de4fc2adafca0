package usecase

import (
	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/core/policy"
)

var errorContexts = map[domain.FailReason]string{
	domain.FailConfig:             "pipeline configuration could not be resolved",
	domain.FailFileRead:           "image could not be read or decoded",
	domain.FailUnsupportedBackend: "configured backend is not supported",
	domain.FailTimeout:            "inference exceeded its time budget",
	domain.FailOCR:                "recognition backend failed",
	domain.FailNoText:             "no text detected",
}

// assembleSuccess recomputes statistics from the accepted lines.
func assembleSuccess(
	lines []domain.DetectedLine,
	fields domain.CardFields,
	cfg domain.PipelineConfig,
	deskewApplied bool,
	timings domain.StageTimings,
) domain.PipelineResult {
	confidences := confidencesOf(lines)
	decision := policy.Decide(confidences, cfg)

	return domain.PipelineResult{
		Success:           true,
		FailReason:        domain.FailNone,
		Lines:             textsOf(lines),
		Confidences:       confidences,
		ParsedFields:      fields,
		OverallConfidence: policy.Round3(decision.Overall),
		P50Confidence:     policy.Round3(decision.P50),
		P95Confidence:     policy.Round3(decision.P95),
		LineCount:         len(lines),
		QualityFlags:      decision.QualityFlags,
		DeskewApplied:     deskewApplied,
		StageTimingsMs:    timings,
	}
}

// assembleFailure builds a payload with the same shape as a success. Only the
// timings of stages that ran are kept.
func assembleFailure(reason domain.FailReason, timings domain.StageTimings) domain.PipelineResult {
	errorContext := errorContexts[reason]
	return domain.PipelineResult{
		Success:        false,
		FailReason:     reason,
		ErrorContext:   &errorContext,
		Lines:          []string{},
		Confidences:    []float64{},
		QualityFlags:   []string{},
		StageTimingsMs: timings,
	}
}
