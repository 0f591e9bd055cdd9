package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService removes terminal jobs, their artifacts, and emptied batches
// past the retention window.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than the retention period in one
// transaction. Only terminal jobs are touched; in-flight work is never
// deleted regardless of age.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	artTag, err := tx.Exec(ctx, `
		DELETE FROM artifacts
		WHERE job_id IN (
			SELECT id FROM jobs
			WHERE status IN ('completed','failed','cancelled') AND completed_at < $1
		)`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup artifacts: %w", err)
	}

	jobTag, err := tx.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed','failed','cancelled') AND completed_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup jobs: %w", err)
	}

	batchTag, err := tx.Exec(ctx, `
		DELETE FROM batch_jobs b
		WHERE b.created_at < $1
		AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.batch_id = b.id)`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup batches: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", jobTag.RowsAffected()),
		slog.Int64("deleted_artifacts", artTag.RowsAffected()),
		slog.Int64("deleted_batches", batchTag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup loop until the context is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
