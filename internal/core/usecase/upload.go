package usecase

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/core/ports"
)

// UploadRecognitionUseCase stores an uploaded image, recognizes it and removes it again.
type UploadRecognitionUseCase struct {
	store  ports.ImageStore
	runner ports.OCRRunner
}

func NewUploadRecognitionUseCase(store ports.ImageStore, runner ports.OCRRunner) *UploadRecognitionUseCase {
	return &UploadRecognitionUseCase{store: store, runner: runner}
}

func (uc *UploadRecognitionUseCase) RecognizeUpload(
	ctx context.Context,
	filename string,
	body io.Reader,
	configPath string,
) (domain.PipelineResult, error) {
	key := fmt.Sprintf("%s_%s", uuid.NewString(), sanitizeFilename(filename))

	path, err := uc.store.Save(ctx, key, body)
	if err != nil {
		return domain.PipelineResult{}, fmt.Errorf("save upload: %w", err)
	}
	defer func() {
		_ = uc.store.Remove(context.WithoutCancel(ctx), key)
	}()

	return uc.runner.Run(ctx, path, configPath), nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "upload.img"
	}
	return base
}
