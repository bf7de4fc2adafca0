package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/infrastructure/resilience"
)

type ScanRepository struct {
	db       *sql.DB
	executor *resilience.Executor
}

type RepositoryOption func(*ScanRepository)

// WithExecutor retries result writes on transient database errors.
func WithExecutor(executor *resilience.Executor) RepositoryOption {
	return func(r *ScanRepository) { r.executor = executor }
}

func NewScanRepository(db *sql.DB, opts ...RepositoryOption) *ScanRepository {
	r := &ScanRepository{db: db}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ScanRepository) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if r.executor == nil {
		return fn(ctx)
	}
	return r.executor.Execute(ctx, operation, fn, classifyPostgresError)
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *ScanRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS ocr_results (
	id TEXT PRIMARY KEY,
	scan_id TEXT NOT NULL,
	image_path TEXT NOT NULL,
	status TEXT NOT NULL,
	fail_reason TEXT NOT NULL DEFAULT '',
	overall_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	line_count INTEGER NOT NULL DEFAULT 0,
	deskew_applied BOOLEAN NOT NULL DEFAULT FALSE,
	result JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ocr_results_scan_id ON ocr_results(scan_id);
CREATE INDEX IF NOT EXISTS idx_ocr_results_status ON ocr_results(status);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *ScanRepository) Create(ctx context.Context, record *domain.ScanRecord) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO ocr_results (id, scan_id, image_path, status, fail_reason, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, record.ID, record.ScanID, record.ImagePath, string(record.Status), string(record.FailReason), record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert scan record: %w", err)
	}
	return nil
}

func (r *ScanRepository) GetByID(ctx context.Context, id string) (*domain.ScanRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, scan_id, image_path, status, fail_reason, result, created_at, updated_at
FROM ocr_results
WHERE id = $1
`, id)

	var rec domain.ScanRecord
	var status, failReason string
	var resultRaw []byte
	err := row.Scan(&rec.ID, &rec.ScanID, &rec.ImagePath, &status, &failReason, &resultRaw, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get scan record", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}

	rec.Status = domain.ScanStatus(status)
	rec.FailReason = domain.FailReason(failReason)
	if len(resultRaw) > 0 {
		var result domain.PipelineResult
		if err := json.Unmarshal(resultRaw, &result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		rec.Result = &result
	}
	return &rec, nil
}

// Complete stores the pipeline result and moves the record to its final status.
func (r *ScanRepository) Complete(ctx context.Context, id string, result domain.PipelineResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	status := domain.ScanCompleted
	if !result.Success {
		status = domain.ScanFailed
	}

	return r.execute(ctx, "postgres.complete", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, `
UPDATE ocr_results
SET status = $2, fail_reason = $3, overall_confidence = $4, line_count = $5, deskew_applied = $6, result = $7, updated_at = $8
WHERE id = $1
`, id, string(status), string(result.FailReason), result.OverallConfidence, result.LineCount, result.DeskewApplied, raw, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("complete scan record: %w", err)
		}
		return requireAffected(res, "complete scan record", id)
	})
}

func (r *ScanRepository) UpdateStatus(ctx context.Context, id string, status domain.ScanStatus, reason domain.FailReason) error {
	return r.execute(ctx, "postgres.update_status", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, `
UPDATE ocr_results
SET status = $2, fail_reason = $3, updated_at = $4
WHERE id = $1
`, id, string(status), string(reason), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("update scan status: %w", err)
		}
		return requireAffected(res, "update scan status", id)
	})
}

func requireAffected(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return domain.WrapError(domain.ErrNotFound, op, fmt.Errorf("id=%s", id))
	}
	return nil
}
