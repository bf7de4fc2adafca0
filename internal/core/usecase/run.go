package usecase

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/core/policy"
	"github.com/kirillkom/cardmint-ocr/internal/core/ports"
)

// RecognitionUseCase runs one image through preprocessing, recognition, the
// optional deskew retry and field parsing. It never returns an error; every
// failure becomes a fail reason on the result.
type RecognitionUseCase struct {
	configs      ports.PipelineConfigLoader
	images       ports.ImageLoader
	preprocessor ports.ImagePreprocessor
	recognizer   ports.TextRecognizer
	skew         ports.SkewEstimator
	rotator      ports.ImageRotator
	parser       ports.FieldParser
	observer     ports.PipelineObserver
	logger       *slog.Logger
	now          func() time.Time
}

func NewRecognitionUseCase(
	configs ports.PipelineConfigLoader,
	images ports.ImageLoader,
	preprocessor ports.ImagePreprocessor,
	recognizer ports.TextRecognizer,
	skew ports.SkewEstimator,
	rotator ports.ImageRotator,
	parser ports.FieldParser,
	observer ports.PipelineObserver,
	logger *slog.Logger,
) *RecognitionUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecognitionUseCase{
		configs:      configs,
		images:       images,
		preprocessor: preprocessor,
		recognizer:   recognizer,
		skew:         skew,
		rotator:      rotator,
		parser:       parser,
		observer:     observer,
		logger:       logger,
		now:          time.Now,
	}
}

type runState struct {
	start   time.Time
	timings domain.StageTimings
	deskew  ports.DeskewOutcome
	angle   float64
}

func (uc *RecognitionUseCase) Run(ctx context.Context, imagePath, configPath string) (result domain.PipelineResult) {
	st := &runState{start: uc.now(), deskew: ports.DeskewNotAttempted}

	defer func() {
		if rec := recover(); rec != nil {
			result = uc.fail(st, domain.FailOCR, "run", fmt.Errorf("panic: %v", rec))
		}
		uc.finish(imagePath, st, result)
	}()

	cfg, err := uc.configs.Load(configPath)
	if err != nil {
		return uc.fail(st, domain.FailConfig, "load config", err)
	}
	kind, err := uc.recognizer.Resolve(cfg.Backend)
	if err != nil {
		return uc.fail(st, domain.FailReasonFor(err), "resolve backend", err)
	}
	cfg.Backend = kind

	t := uc.now()
	src, err := uc.images.Load(ctx, imagePath)
	if err != nil {
		return uc.fail(st, domain.FailFileRead, "load image", err)
	}
	img, err := uc.preprocessor.Preprocess(src, cfg)
	st.timings.Preprocess = domain.Millis(uc.now().Sub(t))
	if err != nil {
		return uc.fail(st, domain.FailReasonFor(err), "preprocess", err)
	}

	t = uc.now()
	lines, err := uc.recognizer.Recognize(ctx, img, cfg, cfg.EffectiveTimeout())
	elapsed := domain.Millis(uc.now().Sub(t))
	// the native engine detects and recognizes in one call
	st.timings.Detect, st.timings.Recognize = elapsed, elapsed
	if err != nil {
		return uc.fail(st, domain.FailReasonFor(err), "recognize", err)
	}
	if len(lines) == 0 {
		return uc.fail(st, domain.FailNoText, "recognize", fmt.Errorf("no text lines detected"))
	}

	decision := policy.Decide(confidencesOf(lines), cfg)
	deskewApplied := false
	if decision.ShouldDeskewRetry {
		t = uc.now()
		lines, deskewApplied = uc.retryDeskewed(ctx, st, img, cfg, lines, decision)
		st.timings.Deskew = domain.Millis(uc.now().Sub(t))
	}

	t = uc.now()
	fields := uc.parser.Parse(textsOf(lines))
	st.timings.Parse = domain.Millis(uc.now().Sub(t))

	result = assembleSuccess(lines, fields, cfg, deskewApplied, st.timings)
	result.StageTimingsMs.Total = domain.Millis(uc.now().Sub(st.start))
	return result
}

// retryDeskewed rotates the preprocessed image by the estimated skew and runs a
// second pass with a fresh budget. The first pass is kept unless the second one
// improves overall confidence by more than the retry margin.
func (uc *RecognitionUseCase) retryDeskewed(
	ctx context.Context,
	st *runState,
	img image.Image,
	cfg domain.PipelineConfig,
	first []domain.DetectedLine,
	firstDecision policy.Decision,
) ([]domain.DetectedLine, bool) {
	angle, err := uc.skew.EstimateSkew(img)
	if err != nil {
		uc.logger.Warn("deskew_retry", "stage", "estimate", "error", err)
		st.deskew = ports.DeskewError
		return first, false
	}
	st.angle = angle
	if policy.IsNegligibleSkew(angle) {
		st.deskew = ports.DeskewNegligible
		return first, false
	}

	rotated, err := uc.rotator.Rotate(img, angle)
	if err != nil {
		uc.logger.Warn("deskew_retry", "stage", "rotate", "angle", angle, "error", err)
		st.deskew = ports.DeskewError
		return first, false
	}

	retry, err := uc.recognizer.Recognize(ctx, rotated, cfg, cfg.EffectiveTimeout())
	if err != nil {
		st.deskew = ports.DeskewError
		if domain.IsKind(err, domain.ErrTimeout) {
			st.deskew = ports.DeskewTimeout
		}
		uc.logger.Warn("deskew_retry", "stage", "recognize", "angle", angle, "error", err)
		return first, false
	}

	retryDecision := policy.Decide(confidencesOf(retry), cfg)
	if len(retry) == 0 || !policy.AcceptRetry(firstDecision.Overall, retryDecision.Overall) {
		st.deskew = ports.DeskewRejected
		return first, false
	}
	st.deskew = ports.DeskewAccepted
	return retry, true
}

func (uc *RecognitionUseCase) fail(st *runState, reason domain.FailReason, op string, err error) domain.PipelineResult {
	uc.logger.Warn("pipeline_stage_failed", "stage", op, "fail_reason", string(reason), "error", err)
	result := assembleFailure(reason, st.timings)
	result.StageTimingsMs.Total = domain.Millis(uc.now().Sub(st.start))
	return result
}

func (uc *RecognitionUseCase) finish(imagePath string, st *runState, result domain.PipelineResult) {
	uc.logger.Info("pipeline_run",
		"image_path", imagePath,
		"success", result.Success,
		"fail_reason", string(result.FailReason),
		"line_count", result.LineCount,
		"overall_confidence", result.OverallConfidence,
		"deskew", string(st.deskew),
		"skew_angle", st.angle,
		"total_ms", result.StageTimingsMs.Total,
	)
	if uc.observer != nil {
		uc.observer.ObservePipeline(result, st.deskew)
	}
}

func confidencesOf(lines []domain.DetectedLine) []float64 {
	out := make([]float64, len(lines))
	for i, l := range lines {
		out[i] = l.Confidence
	}
	return out
}

func textsOf(lines []domain.DetectedLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}
