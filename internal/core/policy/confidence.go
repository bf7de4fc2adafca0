// Package policy holds the pure decision rules of the recognition pipeline.
package policy

import (
	"math"
	"sort"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

const (
	// UnevenSpread is the p95-p50 gap above which a result is flagged uneven.
	UnevenSpread = 0.3
	// RetryMargin is the minimum overall-confidence gain a deskewed pass must show.
	RetryMargin = 0.05

	floatTolerance = 1e-9
)

type Decision struct {
	Overall           float64
	P50               float64
	P95               float64
	QualityFlags      []string
	ShouldDeskewRetry bool
}

// Decide derives summary statistics and the retry decision for a set of confidences.
func Decide(confidences []float64, cfg domain.PipelineConfig) Decision {
	d := Decision{
		Overall:      Mean(confidences),
		P50:          Percentile(confidences, 50),
		P95:          Percentile(confidences, 95),
		QualityFlags: []string{},
	}
	if len(confidences) == 0 {
		return d
	}

	switch {
	case d.Overall < cfg.LowThreshold:
		d.QualityFlags = append(d.QualityFlags, domain.FlagLowConfidence)
	case d.Overall >= cfg.AcceptThreshold:
		d.QualityFlags = append(d.QualityFlags, domain.FlagHighConfidence)
	}
	if d.P95-d.P50 > UnevenSpread+floatTolerance {
		d.QualityFlags = append(d.QualityFlags, domain.FlagUnevenConfidence)
	}
	d.ShouldDeskewRetry = d.Overall < cfg.DeskewTriggerThreshold
	return d
}

// AcceptRetry reports whether the deskewed pass beats the first pass by more than RetryMargin.
func AcceptRetry(firstOverall, retryOverall float64) bool {
	return Round3(retryOverall)-Round3(firstOverall) > RetryMargin+floatTolerance
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Percentile uses linear interpolation between closest ranks.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
