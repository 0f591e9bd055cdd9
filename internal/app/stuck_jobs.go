package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
	"github.com/fairyhunter13/ai-apply-gateway/internal/usecase"
)

// StuckJobSweeper fails jobs whose worker went silent: anything still in
// processing past the configured age is terminally failed and its batch
// aggregate and SSE watchers are told, so clients do not hang on a stream
// that will never finish.
type StuckJobSweeper struct {
	jobs             domain.JobRepository
	batches          domain.BatchRepository
	events           usecase.Broadcaster
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewStuckJobSweeper constructs a sweeper; zero durations select defaults.
func NewStuckJobSweeper(jobs domain.JobRepository, batches domain.BatchRepository, events usecase.Broadcaster, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StuckJobSweeper{
		jobs:             jobs,
		batches:          batches,
		events:           events,
		maxProcessingAge: maxProcessingAge,
		interval:         interval,
	}
}

// Run sweeps once immediately, then on every tick until the context ends.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.maxProcessingAge)
	span.SetAttributes(attribute.Float64("jobs.max_processing_age_seconds", s.maxProcessingAge.Seconds()))

	stuck, err := s.jobs.FindStuckProcessing(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
		return
	}

	failed := 0
	reason := fmt.Sprintf("stuck_timeout: processing exceeded %v", s.maxProcessingAge)
	for _, j := range stuck {
		// CAS from processing; a worker callback landing mid-sweep wins.
		if err := s.jobs.Transition(ctx, j.ID, domain.JobProcessing, domain.JobFailed, &reason); err != nil {
			slog.Warn("stuck job not failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		failed++
		observability.FinishJob(string(domain.JobFailed))
		if j.BatchID != nil && s.batches != nil {
			if _, err := s.batches.ApplyChildTerminal(ctx, *j.BatchID, true); err != nil {
				slog.Error("stuck sweep batch aggregate update failed",
					slog.String("batch_id", *j.BatchID), slog.Any("error", err))
			}
		}
		if s.events != nil {
			_ = s.events.Broadcast(ctx, j.ID, domain.StatusEvent{
				Status:    string(domain.JobFailed),
				Message:   reason,
				Timestamp: time.Now().UTC(),
			})
		}
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", len(stuck)),
		attribute.Int("jobs.total_marked_failed", failed),
	)
	if failed > 0 {
		slog.Warn("stuck jobs failed by sweeper", slog.Int("count", failed))
	}
}
