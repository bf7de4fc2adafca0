package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

// Recognizer runs a registered engine under a hard deadline and normalizes its output.
type Recognizer struct {
	registry *Registry
}

func NewRecognizer(registry *Registry) *Recognizer {
	return &Recognizer{registry: registry}
}

func (r *Recognizer) Resolve(kind domain.BackendKind) (domain.BackendKind, error) {
	return r.registry.Resolve(kind)
}

type detectResult struct {
	lines []domain.DetectedLine
	err   error
}

// Recognize returns lines sorted by centroid (y, x). When the deadline expires
// first, the engine's eventual output is discarded.
func (r *Recognizer) Recognize(
	ctx context.Context,
	img image.Image,
	cfg domain.PipelineConfig,
	timeout time.Duration,
) ([]domain.DetectedLine, error) {
	h, err := r.registry.handle(cfg.Backend)
	if err != nil {
		return nil, err
	}
	eng, err := h.Get()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 || timeout > domain.HardTimeoutCeiling {
		timeout = domain.HardTimeoutCeiling
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan detectResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- detectResult{err: domain.WrapError(domain.ErrInference, "detect", fmt.Errorf("engine panic: %v", rec))}
			}
		}()
		lines, err := eng.Detect(runCtx, img, cfg)
		done <- detectResult{lines: lines, err: err}
	}()

	select {
	case <-runCtx.Done():
		return nil, domain.WrapError(domain.ErrTimeout, "detect", fmt.Errorf("no result within %s: %w", timeout, runCtx.Err()))
	case res := <-done:
		if res.err != nil {
			return nil, classifyEngineError(res.err)
		}
		return Normalize(res.lines, cfg.DropScoreThreshold, cfg.MaxBoxes), nil
	}
}

func classifyEngineError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.WrapError(domain.ErrTimeout, "detect", err)
	case domain.IsKind(err, domain.ErrTimeout),
		domain.IsKind(err, domain.ErrInference),
		domain.IsKind(err, domain.ErrBackendUnavailable):
		return err
	default:
		return domain.WrapError(domain.ErrInference, "detect", err)
	}
}

// Normalize trims text, drops empty and low-score lines, rounds confidences to
// three decimals, orders by centroid and caps the result at maxBoxes.
func Normalize(lines []domain.DetectedLine, dropScore float64, maxBoxes int) []domain.DetectedLine {
	out := make([]domain.DetectedLine, 0, len(lines))
	for _, line := range lines {
		text := strings.TrimSpace(line.Text)
		if text == "" {
			continue
		}
		conf := math.Min(math.Max(line.Confidence, 0), 1)
		if conf < dropScore {
			continue
		}
		out = append(out, domain.DetectedLine{
			Text:       text,
			Confidence: math.Round(conf*1000) / 1000,
			Centroid:   line.Centroid,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Centroid.Y != out[j].Centroid.Y {
			return out[i].Centroid.Y < out[j].Centroid.Y
		}
		return out[i].Centroid.X < out[j].Centroid.X
	})
	if maxBoxes > 0 && len(out) > maxBoxes {
		out = out[:maxBoxes]
	}
	return out
}
