package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/core/ports"
)

// ProcessScanUseCase recognizes a captured scan, stores the outcome and announces it.
type ProcessScanUseCase struct {
	runner ports.OCRRunner
	repo   ports.ScanRepository
	queue  ports.ScanPublisher
}

func NewProcessScanUseCase(runner ports.OCRRunner, repo ports.ScanRepository, queue ports.ScanPublisher) *ProcessScanUseCase {
	return &ProcessScanUseCase{runner: runner, repo: repo, queue: queue}
}

func (uc *ProcessScanUseCase) ProcessScan(ctx context.Context, event domain.ScanEvent) (*domain.ScanRecord, error) {
	if strings.TrimSpace(event.ScanID) == "" || strings.TrimSpace(event.ImagePath) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "process scan", errors.New("scan_id and image_path are required"))
	}

	now := time.Now().UTC()
	record := &domain.ScanRecord{
		ID:        uuid.NewString(),
		ScanID:    event.ScanID,
		ImagePath: event.ImagePath,
		Status:    domain.ScanProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := uc.repo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("create scan record: %w", err)
	}

	result := uc.runner.Run(ctx, event.ImagePath, event.ConfigPath)
	if err := uc.repo.Complete(ctx, record.ID, result); err != nil {
		if failErr := uc.repo.UpdateStatus(ctx, record.ID, domain.ScanFailed, result.FailReason); failErr != nil {
			return nil, fmt.Errorf("save scan result: %w; mark failed status: %v", err, failErr)
		}
		return nil, fmt.Errorf("save scan result: %w", err)
	}

	record.Result = &result
	record.FailReason = result.FailReason
	record.Status = domain.ScanCompleted
	if !result.Success {
		record.Status = domain.ScanFailed
	}
	record.UpdatedAt = time.Now().UTC()

	if err := uc.queue.PublishCompleted(ctx, completedEvent(record, result)); err != nil {
		return record, fmt.Errorf("publish completion event: %w", err)
	}
	return record, nil
}

func completedEvent(record *domain.ScanRecord, result domain.PipelineResult) domain.ScanCompletedEvent {
	return domain.ScanCompletedEvent{
		ScanID:            record.ScanID,
		RecordID:          record.ID,
		Success:           result.Success,
		FailReason:        result.FailReason,
		OverallConfidence: result.OverallConfidence,
		CardName:          result.ParsedFields.Name,
		CardNumber:        result.ParsedFields.CardNumber,
		DeskewApplied:     result.DeskewApplied,
	}
}
