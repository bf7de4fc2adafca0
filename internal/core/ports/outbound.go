package ports

import (
	"context"
	"image"
	"io"
	"time"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

// PipelineConfigLoader resolves the per-request pipeline configuration.
type PipelineConfigLoader interface {
	Load(path string) (domain.PipelineConfig, error)
}

// ImageLoader reads and decodes an image file.
type ImageLoader interface {
	Load(ctx context.Context, path string) (domain.SourceImage, error)
}

// ImagePreprocessor normalizes an image for recognition. It must not mutate src.
type ImagePreprocessor interface {
	Preprocess(src domain.SourceImage, cfg domain.PipelineConfig) (image.Image, error)
}

// TextRecognizer runs detection and recognition with an interruptible deadline.
// Resolve checks a configured backend kind against the available engines and
// returns the kind that will actually serve requests.
type TextRecognizer interface {
	Resolve(kind domain.BackendKind) (domain.BackendKind, error)
	Recognize(ctx context.Context, img image.Image, cfg domain.PipelineConfig, timeout time.Duration) ([]domain.DetectedLine, error)
}

// SkewEstimator returns the dominant skew angle in degrees, or 0 when none is found.
type SkewEstimator interface {
	EstimateSkew(img image.Image) (float64, error)
}

// ImageRotator rotates an image counter-clockwise by angle degrees.
type ImageRotator interface {
	Rotate(img image.Image, angle float64) (image.Image, error)
}

// FieldParser extracts card fields from ordered recognized lines.
type FieldParser interface {
	Parse(lines []string) domain.CardFields
}

// PipelineObserver receives a summary of every finished run.
type PipelineObserver interface {
	ObservePipeline(result domain.PipelineResult, deskew DeskewOutcome)
}

// DeskewOutcome describes what happened to the deskew retry of a run.
type DeskewOutcome string

const (
	DeskewNotAttempted DeskewOutcome = "not_attempted"
	DeskewNegligible   DeskewOutcome = "negligible_angle"
	DeskewAccepted     DeskewOutcome = "accepted"
	DeskewRejected     DeskewOutcome = "rejected"
	DeskewTimeout      DeskewOutcome = "timeout"
	DeskewError        DeskewOutcome = "error"
)

// ScanRepository persists scan outcomes.
type ScanRepository interface {
	Create(ctx context.Context, record *domain.ScanRecord) error
	GetByID(ctx context.Context, id string) (*domain.ScanRecord, error)
	Complete(ctx context.Context, id string, result domain.PipelineResult) error
	UpdateStatus(ctx context.Context, id string, status domain.ScanStatus, reason domain.FailReason) error
}

// ScanPublisher announces finished scans.
type ScanPublisher interface {
	PublishCompleted(ctx context.Context, event domain.ScanCompletedEvent) error
}

// ScanQueue consumes scan events and publishes completion events.
type ScanQueue interface {
	ScanPublisher
	SubscribeScans(ctx context.Context, handler func(context.Context, domain.ScanEvent) error) error
}

// ImageStore keeps uploaded images on disk so the pipeline can read them by path.
type ImageStore interface {
	Save(ctx context.Context, key string, data io.Reader) (string, error)
	Remove(ctx context.Context, key string) error
	Resolve(key string) (string, error)
}
