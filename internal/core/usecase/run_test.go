package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"reflect"
	"testing"
	"time"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/core/ports"
)

type configLoaderFake struct {
	cfg domain.PipelineConfig
	err error
}

func (f *configLoaderFake) Load(string) (domain.PipelineConfig, error) {
	return f.cfg, f.err
}

type imageLoaderFake struct {
	err   error
	calls int
}

func (f *imageLoaderFake) Load(context.Context, string) (domain.SourceImage, error) {
	f.calls++
	if f.err != nil {
		return domain.SourceImage{}, f.err
	}
	return domain.SourceImage{Image: image.NewGray(image.Rect(0, 0, 40, 20)), Format: "png"}, nil
}

type preprocessorFake struct{}

func (preprocessorFake) Preprocess(src domain.SourceImage, _ domain.PipelineConfig) (image.Image, error) {
	return src.Image, nil
}

type recognizeCall struct {
	lines []domain.DetectedLine
	err   error
}

type recognizerFake struct {
	resolved   domain.BackendKind
	resolveErr error
	calls      []recognizeCall
	seen       []domain.BackendKind
	images     []image.Image
	timeouts   []time.Duration
}

func (f *recognizerFake) Resolve(kind domain.BackendKind) (domain.BackendKind, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	if f.resolved != "" {
		return f.resolved, nil
	}
	return kind, nil
}

func (f *recognizerFake) Recognize(_ context.Context, img image.Image, cfg domain.PipelineConfig, timeout time.Duration) ([]domain.DetectedLine, error) {
	n := len(f.seen)
	f.seen = append(f.seen, cfg.Backend)
	f.images = append(f.images, img)
	f.timeouts = append(f.timeouts, timeout)
	if n >= len(f.calls) {
		return nil, errors.New("unexpected recognize call")
	}
	return f.calls[n].lines, f.calls[n].err
}

type skewFake struct {
	angle float64
	err   error
	calls int
}

func (f *skewFake) EstimateSkew(image.Image) (float64, error) {
	f.calls++
	return f.angle, f.err
}

type rotatorFake struct {
	angles []float64
}

func (f *rotatorFake) Rotate(img image.Image, angle float64) (image.Image, error) {
	f.angles = append(f.angles, angle)
	return image.NewGray(image.Rect(0, 0, 45, 30)), nil
}

type parserFake struct {
	panics bool
	seen   []string
}

func (f *parserFake) Parse(lines []string) domain.CardFields {
	if f.panics {
		panic("parser exploded")
	}
	f.seen = lines
	name := lines[0]
	return domain.CardFields{Name: &name}
}

type observerFake struct {
	results  []domain.PipelineResult
	outcomes []ports.DeskewOutcome
}

func (f *observerFake) ObservePipeline(result domain.PipelineResult, outcome ports.DeskewOutcome) {
	f.results = append(f.results, result)
	f.outcomes = append(f.outcomes, outcome)
}

type pipelineFixture struct {
	configs    *configLoaderFake
	images     *imageLoaderFake
	recognizer *recognizerFake
	skew       *skewFake
	rotator    *rotatorFake
	parser     *parserFake
	observer   *observerFake
}

func newFixture(calls ...recognizeCall) *pipelineFixture {
	return &pipelineFixture{
		configs: &configLoaderFake{cfg: domain.PipelineConfig{
			Backend:                domain.BackendNative,
			AcceptThreshold:        0.94,
			LowThreshold:           0.70,
			DeskewTriggerThreshold: 0.80,
			SoftTimeoutSeconds:     2,
		}},
		images:     &imageLoaderFake{},
		recognizer: &recognizerFake{calls: calls},
		skew:       &skewFake{angle: 5},
		rotator:    &rotatorFake{},
		parser:     &parserFake{},
		observer:   &observerFake{},
	}
}

func (f *pipelineFixture) useCase() *RecognitionUseCase {
	uc := NewRecognitionUseCase(f.configs, f.images, preprocessorFake{}, f.recognizer, f.skew, f.rotator, f.parser, f.observer, nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	uc.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	return uc
}

func detected(confidences ...float64) []domain.DetectedLine {
	texts := []string{"Pikachu", "Thunder Jolt", "58/102", "Common", "Base Set"}
	out := make([]domain.DetectedLine, len(confidences))
	for i, c := range confidences {
		out[i] = domain.DetectedLine{Text: texts[i%len(texts)], Confidence: c, Centroid: domain.Point{Y: float64(i * 10)}}
	}
	return out
}

func TestRunCleanScanSkipsDeskew(t *testing.T) {
	fx := newFixture(recognizeCall{lines: detected(0.96, 0.97, 0.95)})

	res := fx.useCase().Run(context.Background(), "card.jpg", "")
	if !res.Success || res.FailReason != domain.FailNone {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.ErrorContext != nil {
		t.Fatalf("expected nil error context, got %q", *res.ErrorContext)
	}
	if res.LineCount != 3 || len(res.Lines) != 3 || len(res.Confidences) != 3 {
		t.Fatalf("inconsistent line counts: %+v", res)
	}
	if res.OverallConfidence != 0.96 || res.P50Confidence != 0.96 {
		t.Fatalf("unexpected statistics: overall=%v p50=%v", res.OverallConfidence, res.P50Confidence)
	}
	if !reflect.DeepEqual(res.QualityFlags, []string{domain.FlagHighConfidence}) {
		t.Fatalf("expected high_confidence flag, got %v", res.QualityFlags)
	}
	if res.DeskewApplied || fx.skew.calls != 0 || len(fx.recognizer.seen) != 1 {
		t.Fatalf("deskew retry must not run for a clean scan")
	}
	if res.ParsedFields.Name == nil || *res.ParsedFields.Name != "Pikachu" {
		t.Fatalf("expected parsed name from first line")
	}
	if fx.observer.outcomes[0] != ports.DeskewNotAttempted {
		t.Fatalf("expected not_attempted outcome, got %q", fx.observer.outcomes[0])
	}
}

func TestRunRetryImprovesConfidence(t *testing.T) {
	fx := newFixture(
		recognizeCall{lines: detected(0.6, 0.65, 0.7)},
		recognizeCall{lines: detected(0.8, 0.85, 0.81, 0.82)},
	)

	res := fx.useCase().Run(context.Background(), "card.jpg", "")
	if !res.Success || !res.DeskewApplied {
		t.Fatalf("expected accepted deskew retry, got %+v", res)
	}
	if res.LineCount != 4 || res.OverallConfidence != 0.82 {
		t.Fatalf("expected statistics from retry pass, got count=%d overall=%v", res.LineCount, res.OverallConfidence)
	}
	if !reflect.DeepEqual(fx.rotator.angles, []float64{5}) {
		t.Fatalf("expected rotation by estimated angle, got %v", fx.rotator.angles)
	}
	if fx.recognizer.images[1].Bounds().Dx() != 45 {
		t.Fatalf("second pass must use the rotated image")
	}
	if fx.recognizer.timeouts[1] != 2*time.Second {
		t.Fatalf("retry must get a fresh full budget, got %s", fx.recognizer.timeouts[1])
	}
	if res.StageTimingsMs.Deskew <= 0 {
		t.Fatalf("expected deskew timing")
	}
	if fx.observer.outcomes[0] != ports.DeskewAccepted {
		t.Fatalf("expected accepted outcome, got %q", fx.observer.outcomes[0])
	}
}

func TestRunCapsLongSoftTimeoutAtCeiling(t *testing.T) {
	fx := newFixture(
		recognizeCall{lines: detected(0.6, 0.65, 0.7)},
		recognizeCall{lines: detected(0.8, 0.85, 0.81, 0.82)},
	)
	fx.configs.cfg.SoftTimeoutSeconds = 300

	res := fx.useCase().Run(context.Background(), "card.jpg", "")
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(fx.recognizer.timeouts) != 2 {
		t.Fatalf("expected two passes, got %d", len(fx.recognizer.timeouts))
	}
	for i, timeout := range fx.recognizer.timeouts {
		if timeout != 30*time.Second {
			t.Fatalf("pass %d: expected 30s ceiling, got %s", i+1, timeout)
		}
	}
}

func TestRunRetryInsufficientKeepsFirstPass(t *testing.T) {
	fx := newFixture(
		recognizeCall{lines: detected(0.6, 0.65, 0.7)},
		recognizeCall{lines: detected(0.68, 0.68, 0.68)},
	)

	res := fx.useCase().Run(context.Background(), "card.jpg", "")
	if !res.Success || res.DeskewApplied {
		t.Fatalf("expected first pass to be kept, got %+v", res)
	}
	if !reflect.DeepEqual(res.Confidences, []float64{0.6, 0.65, 0.7}) {
		t.Fatalf("expected first pass confidences, got %v", res.Confidences)
	}
	if fx.observer.outcomes[0] != ports.DeskewRejected {
		t.Fatalf("expected rejected outcome, got %q", fx.observer.outcomes[0])
	}
}

func TestRunRetryAtExactMarginIsRejected(t *testing.T) {
	fx := newFixture(
		recognizeCall{lines: detected(0.70, 0.70)},
		recognizeCall{lines: detected(0.75, 0.75)},
	)

	res := fx.useCase().Run(context.Background(), "card.jpg", "")
	if res.DeskewApplied {
		t.Fatalf("a gain of exactly 0.05 must not replace the first pass")
	}
	if res.OverallConfidence != 0.70 {
		t.Fatalf("expected first pass overall, got %v", res.OverallConfidence)
	}
}

func TestRunNegligibleSkewSkipsSecondPass(t *testing.T) {
	fx := newFixture(recognizeCall{lines: detected(0.6, 0.65)})
	fx.skew.angle = 0.8

	res := fx.useCase().Run(context.Background(), "card.jpg", "")
	if !res.Success || res.DeskewApplied {
		t.Fatalf("expected success without deskew, got %+v", res)
	}
	if len(fx.rotator.angles) != 0 || len(fx.recognizer.seen) != 1 {
		t.Fatalf("negligible skew must not rotate or re-run inference")
	}
	if fx.observer.outcomes[0] != ports.DeskewNegligible {
		t.Fatalf("expected negligible outcome, got %q", fx.observer.outcomes[0])
	}
}

func TestRunRetryTimeoutKeepsFirstPass(t *testing.T) {
	fx := newFixture(
		recognizeCall{lines: detected(0.6, 0.65)},
		recognizeCall{err: domain.WrapError(domain.ErrTimeout, "detect", context.DeadlineExceeded)},
	)

	res := fx.useCase().Run(context.Background(), "card.jpg", "")
	if !res.Success || res.DeskewApplied || res.LineCount != 2 {
		t.Fatalf("expected first pass result after retry timeout, got %+v", res)
	}
	if fx.observer.outcomes[0] != ports.DeskewTimeout {
		t.Fatalf("expected timeout outcome, got %q", fx.observer.outcomes[0])
	}
}

func TestRunSkewEstimationErrorKeepsFirstPass(t *testing.T) {
	fx := newFixture(recognizeCall{lines: detected(0.6, 0.65)})
	fx.skew.err = errors.New("opencv failure")

	res := fx.useCase().Run(context.Background(), "card.jpg", "")
	if !res.Success || res.DeskewApplied {
		t.Fatalf("expected first pass result, got %+v", res)
	}
	if fx.observer.outcomes[0] != ports.DeskewError {
		t.Fatalf("expected error outcome, got %q", fx.observer.outcomes[0])
	}
}

func TestRunEmptyDetectionIsNoText(t *testing.T) {
	fx := newFixture(recognizeCall{lines: []domain.DetectedLine{}})

	res := fx.useCase().Run(context.Background(), "blank.jpg", "")
	if res.Success || res.FailReason != domain.FailNoText {
		t.Fatalf("expected no_text failure, got %+v", res)
	}
	if fx.skew.calls != 0 || len(fx.recognizer.seen) != 1 {
		t.Fatalf("no_text must not trigger the deskew retry")
	}
	if res.StageTimingsMs.Detect <= 0 || res.StageTimingsMs.Preprocess <= 0 {
		t.Fatalf("expected timings of stages that ran, got %+v", res.StageTimingsMs)
	}
	if res.StageTimingsMs.Parse != 0 || res.StageTimingsMs.Deskew != 0 {
		t.Fatalf("expected zero timings for stages that did not run, got %+v", res.StageTimingsMs)
	}
}

func TestRunUnreadableFile(t *testing.T) {
	fx := newFixture()
	fx.images.err = domain.WrapError(domain.ErrFileRead, "decode image", errors.New("unknown format"))

	res := fx.useCase().Run(context.Background(), "broken.jpg", "")
	if res.FailReason != domain.FailFileRead {
		t.Fatalf("expected file_read_error, got %q", res.FailReason)
	}
	if len(fx.recognizer.seen) != 0 {
		t.Fatalf("backend must not be invoked for unreadable input")
	}
	tm := res.StageTimingsMs
	if tm.Detect != 0 || tm.Recognize != 0 || tm.Parse != 0 || tm.Deskew != 0 {
		t.Fatalf("expected zero stage timings, got %+v", tm)
	}
	if tm.Total <= 0 {
		t.Fatalf("expected total timing, got %v", tm.Total)
	}
	if res.ErrorContext == nil || *res.ErrorContext != "image could not be read or decoded" {
		t.Fatalf("expected fixed error context, got %v", res.ErrorContext)
	}
}

func TestRunMapsStageFailures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*pipelineFixture)
		want  domain.FailReason
	}{
		{"config", func(f *pipelineFixture) {
			f.configs.err = domain.WrapError(domain.ErrConfig, "read", errors.New("missing"))
		}, domain.FailConfig},
		{"unsupported backend", func(f *pipelineFixture) {
			f.recognizer.resolveErr = domain.WrapError(domain.ErrUnsupportedBackend, "resolve", errors.New("tensorrt"))
		}, domain.FailUnsupportedBackend},
		{"force native violation", func(f *pipelineFixture) {
			f.recognizer.resolveErr = domain.WrapError(domain.ErrConfig, "resolve", errors.New("native-only"))
		}, domain.FailConfig},
		{"timeout", func(f *pipelineFixture) {
			f.recognizer.calls = []recognizeCall{{err: domain.WrapError(domain.ErrTimeout, "detect", context.DeadlineExceeded)}}
		}, domain.FailTimeout},
		{"inference", func(f *pipelineFixture) {
			f.recognizer.calls = []recognizeCall{{err: domain.WrapError(domain.ErrInference, "detect", errors.New("crash"))}}
		}, domain.FailOCR},
		{"backend unavailable", func(f *pipelineFixture) {
			f.recognizer.calls = []recognizeCall{{err: domain.WrapError(domain.ErrBackendUnavailable, "load", errors.New("no model"))}}
		}, domain.FailOCR},
		{"parser panic", func(f *pipelineFixture) {
			f.recognizer.calls = []recognizeCall{{lines: detected(0.99)}}
			f.parser.panics = true
		}, domain.FailOCR},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture()
			tc.setup(fx)
			res := fx.useCase().Run(context.Background(), "card.jpg", "")
			if res.Success || res.FailReason != tc.want {
				t.Fatalf("expected %q, got success=%v reason=%q", tc.want, res.Success, res.FailReason)
			}
			if len(fx.observer.results) != 1 {
				t.Fatalf("expected observer call, got %d", len(fx.observer.results))
			}
		})
	}
}

func TestRunUsesResolvedBackend(t *testing.T) {
	fx := newFixture(recognizeCall{lines: detected(0.99)})
	fx.configs.cfg.Backend = domain.BackendONNXRuntime
	fx.recognizer.resolved = domain.BackendNative

	fx.useCase().Run(context.Background(), "card.jpg", "")
	if fx.recognizer.seen[0] != domain.BackendNative {
		t.Fatalf("expected recognition on resolved backend, got %q", fx.recognizer.seen[0])
	}
}

func TestRunIsDeterministic(t *testing.T) {
	run := func() domain.PipelineResult {
		fx := newFixture(
			recognizeCall{lines: detected(0.6, 0.65, 0.7)},
			recognizeCall{lines: detected(0.8, 0.85, 0.81)},
		)
		res := fx.useCase().Run(context.Background(), "card.jpg", "")
		res.StageTimingsMs = domain.StageTimings{}
		return res
	}
	if a, b := run(), run(); !reflect.DeepEqual(a, b) {
		t.Fatalf("expected identical results:\n%+v\n%+v", a, b)
	}
}

func TestFailurePayloadHasCompleteSchema(t *testing.T) {
	fx := newFixture()
	fx.images.err = domain.WrapError(domain.ErrFileRead, "read image", errors.New("missing"))

	raw, err := json.Marshal(fx.useCase().Run(context.Background(), "missing.jpg", ""))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{
		"success", "fail_reason", "error_context", "lines", "confidences", "parsed_fields",
		"overall_confidence", "p50_confidence", "p95_confidence", "line_count",
		"quality_flags", "deskew_applied", "stage_timings_ms",
	} {
		if _, ok := payload[key]; !ok {
			t.Fatalf("missing key %q in %s", key, raw)
		}
	}
	if lines, ok := payload["lines"].([]any); !ok || len(lines) != 0 {
		t.Fatalf("expected empty lines array, got %v", payload["lines"])
	}
	fields := payload["parsed_fields"].(map[string]any)
	for _, key := range []string{"name", "set_name", "card_number", "rarity_text", "variant_text"} {
		if v, ok := fields[key]; !ok || v != nil {
			t.Fatalf("expected null %q, got %v", key, v)
		}
	}
	timings := payload["stage_timings_ms"].(map[string]any)
	for _, key := range []string{"preprocess", "detect", "recognize", "parse", "deskew", "total"} {
		if _, ok := timings[key]; !ok {
			t.Fatalf("missing timing %q", key)
		}
	}
}
