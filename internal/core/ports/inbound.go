package ports

import (
	"context"
	"io"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

// OCRRunner is the inbound contract of the recognition pipeline. It never returns
// an error: every failure is reported through PipelineResult.FailReason.
type OCRRunner interface {
	Run(ctx context.Context, imagePath, configPath string) domain.PipelineResult
}

// ScanProcessor handles one scan event end to end.
type ScanProcessor interface {
	ProcessScan(ctx context.Context, event domain.ScanEvent) (*domain.ScanRecord, error)
}

// ScanReader is the read model for persisted scan outcomes.
type ScanReader interface {
	GetByID(ctx context.Context, id string) (*domain.ScanRecord, error)
}

// UploadRecognizer recognizes an image sent in a request body.
type UploadRecognizer interface {
	RecognizeUpload(ctx context.Context, filename string, body io.Reader, configPath string) (domain.PipelineResult, error)
}
