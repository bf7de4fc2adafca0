// Package tesseract provides the native recognition engine backed by gosseract.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/infrastructure/ocr/engine"
)

// Engine keeps one tesseract client for the life of the process. The client is
// not safe for concurrent use, so calls are serialized.
type Engine struct {
	mu     sync.Mutex
	client *gosseract.Client
}

type Options struct {
	Language       string
	TessdataPrefix string
}

func New(opts Options) (*Engine, error) {
	client := gosseract.NewClient()
	if opts.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(opts.TessdataPrefix); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	lang := opts.Language
	if lang == "" {
		lang = "eng"
	}
	if err := client.SetLanguage(strings.Split(lang, "+")...); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("set language: %w", err)
	}
	return &Engine{client: client}, nil
}

// Factory adapts New to the engine registry.
func Factory(opts Options) engine.Factory {
	return func() (engine.Engine, error) {
		return New(opts)
	}
}

func (e *Engine) Detect(ctx context.Context, img image.Image, cfg domain.PipelineConfig) ([]domain.DetectedLine, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := e.client.SetPageSegMode(pageSegMode(cfg)); err != nil {
		return nil, fmt.Errorf("set page segmentation mode: %w", err)
	}
	if err := e.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("recognize lines: %w", err)
	}

	lines := make([]domain.DetectedLine, 0, len(boxes))
	for _, b := range boxes {
		lines = append(lines, domain.DetectedLine{
			Text:       b.Word,
			Confidence: b.Confidence / 100.0,
			Centroid: domain.Point{
				X: float64(b.Box.Min.X+b.Box.Max.X) / 2,
				Y: float64(b.Box.Min.Y+b.Box.Max.Y) / 2,
			},
		})
	}
	return lines, nil
}

func pageSegMode(cfg domain.PipelineConfig) gosseract.PageSegMode {
	switch {
	case !cfg.DetectionEnabled:
		return gosseract.PSM_SINGLE_BLOCK
	case cfg.OrientationCorrectionEnabled:
		return gosseract.PSM_AUTO_OSD
	default:
		return gosseract.PSM_AUTO
	}
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client.Close()
}

// Version reports the linked tesseract library version.
func Version() string {
	client := gosseract.NewClient()
	defer client.Close()
	return client.Version()
}
