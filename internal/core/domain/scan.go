package domain

import "time"

type ScanStatus string

const (
	ScanProcessing ScanStatus = "processing"
	ScanCompleted  ScanStatus = "completed"
	ScanFailed     ScanStatus = "failed"
)

// ScanEvent is published by the capture station once an image lands on disk.
type ScanEvent struct {
	ScanID      string    `json:"scan_id"`
	ImagePath   string    `json:"image_path"`
	ConfigPath  string    `json:"config_path,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ScanRecord is the persisted outcome of one scan.
type ScanRecord struct {
	ID         string          `json:"id"`
	ScanID     string          `json:"scan_id"`
	ImagePath  string          `json:"image_path"`
	Status     ScanStatus      `json:"status"`
	Result     *PipelineResult `json:"result,omitempty"`
	FailReason FailReason      `json:"fail_reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ScanCompletedEvent is the compact event emitted after a scan has been recognized.
type ScanCompletedEvent struct {
	ScanID            string     `json:"scan_id"`
	RecordID          string     `json:"record_id"`
	Success           bool       `json:"success"`
	FailReason        FailReason `json:"fail_reason"`
	OverallConfidence float64    `json:"overall_confidence"`
	CardName          *string    `json:"card_name"`
	CardNumber        *string    `json:"card_number"`
	DeskewApplied     bool       `json:"deskew_applied"`
}
