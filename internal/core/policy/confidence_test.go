package policy

import (
	"math"
	"slices"
	"testing"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

func testConfig() domain.PipelineConfig {
	return domain.PipelineConfig{
		AcceptThreshold:        0.94,
		LowThreshold:           0.70,
		DeskewTriggerThreshold: 0.80,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPercentileInterpolatesLinearly(t *testing.T) {
	values := []float64{0.9, 0.5, 0.95, 0.7, 0.6}

	if got := Percentile(values, 50); !almostEqual(got, 0.7) {
		t.Fatalf("expected p50=0.7, got %v", got)
	}
	if got := Percentile(values, 95); !almostEqual(got, 0.94) {
		t.Fatalf("expected p95=0.94, got %v", got)
	}
}

func TestPercentileEdgeCases(t *testing.T) {
	if got := Percentile(nil, 50); got != 0 {
		t.Fatalf("expected 0 for empty input, got %v", got)
	}
	if got := Percentile([]float64{0.42}, 95); got != 0.42 {
		t.Fatalf("expected single value, got %v", got)
	}
}

func TestPercentileDoesNotReorderInput(t *testing.T) {
	values := []float64{0.9, 0.1, 0.5}
	_ = Percentile(values, 50)
	if !slices.Equal(values, []float64{0.9, 0.1, 0.5}) {
		t.Fatalf("input mutated: %v", values)
	}
}

func TestDecideHighConfidence(t *testing.T) {
	d := Decide([]float64{0.96, 0.97, 0.95}, testConfig())
	if !slices.Equal(d.QualityFlags, []string{domain.FlagHighConfidence}) {
		t.Fatalf("expected high_confidence only, got %v", d.QualityFlags)
	}
	if d.ShouldDeskewRetry {
		t.Fatalf("expected no deskew retry")
	}
}

func TestDecideLowAndUnevenConfidence(t *testing.T) {
	d := Decide([]float64{0.1, 0.2, 0.3, 0.95, 0.99}, testConfig())
	if !slices.Equal(d.QualityFlags, []string{domain.FlagLowConfidence, domain.FlagUnevenConfidence}) {
		t.Fatalf("unexpected flags: %v", d.QualityFlags)
	}
	if !d.ShouldDeskewRetry {
		t.Fatalf("expected deskew retry below trigger")
	}
}

func TestDecideMidConfidenceHasNoFlags(t *testing.T) {
	d := Decide([]float64{0.85, 0.86}, testConfig())
	if len(d.QualityFlags) != 0 {
		t.Fatalf("expected no flags, got %v", d.QualityFlags)
	}
	if d.ShouldDeskewRetry {
		t.Fatalf("0.855 is above the 0.80 trigger")
	}
}

func TestDecideEmptyNeverRetries(t *testing.T) {
	d := Decide(nil, testConfig())
	if d.ShouldDeskewRetry {
		t.Fatalf("empty detection must not trigger deskew retry")
	}
	if d.QualityFlags == nil || len(d.QualityFlags) != 0 {
		t.Fatalf("expected empty non-nil flags, got %#v", d.QualityFlags)
	}
}

func TestAcceptRetryRequiresStrictMargin(t *testing.T) {
	cases := []struct {
		first, retry float64
		want         bool
	}{
		{0.70, 0.75, false},
		{0.70, 0.751, true},
		{0.65, 0.82, true},
		{0.70, 0.73, false},
		{0.70, 0.60, false},
	}
	for _, tc := range cases {
		if got := AcceptRetry(tc.first, tc.retry); got != tc.want {
			t.Fatalf("AcceptRetry(%v, %v): expected %v, got %v", tc.first, tc.retry, tc.want, got)
		}
	}
}
