package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/core/ports"
)

// PipelineMetrics records per-run outcomes. It implements ports.PipelineObserver.
type PipelineMetrics struct {
	service string

	runsTotal         *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	overallConfidence prometheus.Histogram
	linesRecognized   prometheus.Histogram
	deskewTotal       *prometheus.CounterVec
	fallbackTotal     *prometheus.CounterVec
}

func NewPipelineMetrics(service string, registerer prometheus.Registerer) *PipelineMetrics {
	runsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by fail reason.",
		},
		[]string{"service", "fail_reason"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"service", "stage"},
	)
	overallConfidence := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "pipeline",
			Name:        "overall_confidence",
			Help:        "Mean line confidence of successful runs.",
			Buckets:     []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1},
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	linesRecognized := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "pipeline",
			Name:        "lines_recognized",
			Help:        "Recognized lines per successful run.",
			Buckets:     []float64{1, 2, 4, 8, 16, 32, 64, 128, 300},
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	deskewTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "deskew_total",
			Help:      "Deskew retry outcomes.",
		},
		[]string{"service", "outcome"},
	)
	fallbackTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "backend_fallback_total",
			Help:      "Runs served by a different backend than configured.",
		},
		[]string{"service", "from", "to"},
	)

	registerer.MustRegister(runsTotal, stageDuration, overallConfidence, linesRecognized, deskewTotal, fallbackTotal)

	return &PipelineMetrics{
		service:           service,
		runsTotal:         runsTotal,
		stageDuration:     stageDuration,
		overallConfidence: overallConfidence,
		linesRecognized:   linesRecognized,
		deskewTotal:       deskewTotal,
		fallbackTotal:     fallbackTotal,
	}
}

func (m *PipelineMetrics) ObservePipeline(result domain.PipelineResult, deskew ports.DeskewOutcome) {
	reason := string(result.FailReason)
	if reason == "" {
		reason = string(domain.FailNone)
	}
	m.runsTotal.WithLabelValues(m.service, reason).Inc()

	t := result.StageTimingsMs
	for stage, ms := range map[string]float64{
		"preprocess": t.Preprocess,
		"recognize":  t.Recognize,
		"parse":      t.Parse,
		"deskew":     t.Deskew,
		"total":      t.Total,
	} {
		if ms > 0 {
			m.stageDuration.WithLabelValues(m.service, stage).Observe(ms / 1000.0)
		}
	}

	if deskew != "" && deskew != ports.DeskewNotAttempted {
		m.deskewTotal.WithLabelValues(m.service, string(deskew)).Inc()
	}
	if result.Success {
		m.overallConfidence.Observe(result.OverallConfidence)
		m.linesRecognized.Observe(float64(result.LineCount))
	}
}

// ObserveFallback matches the hook signature of the engine registry.
func (m *PipelineMetrics) ObserveFallback(from, to domain.BackendKind) {
	m.fallbackTotal.WithLabelValues(m.service, string(from), string(to)).Inc()
}
