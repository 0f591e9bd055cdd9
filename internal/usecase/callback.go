package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/ai-apply-gateway/internal/observability"
)

// CallbackService ingests worker status reports. Transitions are validated
// against the job state machine and applied with compare-and-set; the
// persisted state is the ordering authority, and bus events go out only for
// accepted writes. Duplicate terminal reports deduplicate to success.
type CallbackService struct {
	Jobs      domain.JobRepository
	Batches   domain.BatchRepository
	Artifacts domain.ArtifactRepository
	Events    Broadcaster
}

// NewCallbackService constructs a CallbackService with its dependencies.
func NewCallbackService(
	jobs domain.JobRepository,
	batches domain.BatchRepository,
	artifacts domain.ArtifactRepository,
	events Broadcaster,
) CallbackService {
	return CallbackService{Jobs: jobs, Batches: batches, Artifacts: artifacts, Events: events}
}

// ArtifactInput is the optional payload of a COMPLETED callback.
type ArtifactInput struct {
	GeneratedText   string
	WordCount       int
	ExtractedSkills []string
	JobTitle        string
	CompanyName     string
}

// CallbackInput is one worker status report for a job.
type CallbackInput struct {
	Status   string
	Message  string
	Progress *float64
	Artifact *ArtifactInput
}

// Ingest applies one callback. A nil return means 200 to the worker, which
// covers accepted transitions, deduplicated terminal repeats, progress
// updates, and reports for already-cancelled jobs.
func (s CallbackService) Ingest(ctx domain.Context, jobID string, in CallbackInput) error {
	target, err := parseCallbackStatus(in.Status)
	if err != nil {
		return err
	}

	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	// Workers race cancellation; their report is dropped, not rejected.
	if job.Status == domain.JobCancelled {
		s.log(ctx).Info("cancelled_noop: dropping callback for cancelled job",
			slog.String("job_id", jobID),
			slog.String("status", in.Status))
		return nil
	}

	if job.Status == target {
		if target.IsTerminal() {
			// First terminal write won; repeats deduplicate silently.
			return nil
		}
		// Same-status processing reports are progress updates, not transitions.
		s.broadcast(ctx, jobID, statusEvent(target, in, nil))
		return nil
	}

	if !domain.CanTransition(job.Status, target) {
		return fmt.Errorf("op=callback.ingest %s->%s: %w", job.Status, target, domain.ErrConflict)
	}

	var artifact *domain.Artifact
	if target == domain.JobCompleted && in.Artifact != nil {
		artifact = &domain.Artifact{
			JobID:           jobID,
			GeneratedText:   in.Artifact.GeneratedText,
			WordCount:       in.Artifact.WordCount,
			ExtractedSkills: in.Artifact.ExtractedSkills,
			JobTitle:        in.Artifact.JobTitle,
			CompanyName:     in.Artifact.CompanyName,
		}
		// Upsert before the transition so a completed job never lacks its
		// artifact; the write is idempotent if the transition then loses.
		if err := s.Artifacts.Upsert(ctx, *artifact); err != nil {
			return fmt.Errorf("op=callback.ingest: %w", err)
		}
	}

	var failureReason *string
	if target == domain.JobFailed {
		reason := in.Message
		if reason == "" {
			reason = "worker reported failure"
		}
		failureReason = &reason
	}

	if err := s.Jobs.Transition(ctx, jobID, job.Status, target, failureReason); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			refreshed, getErr := s.Jobs.Get(ctx, jobID)
			if getErr == nil {
				if refreshed.Status == target && target.IsTerminal() {
					return nil // lost the race to an identical terminal write
				}
				if refreshed.Status == domain.JobCancelled {
					s.log(ctx).Info("cancelled_noop: job cancelled mid-callback",
						slog.String("job_id", jobID))
					return nil
				}
			}
		}
		return err
	}

	if target.IsTerminal() {
		observability.FinishJob(string(target))
		if job.BatchID != nil {
			if _, err := s.Batches.ApplyChildTerminal(ctx, *job.BatchID, target == domain.JobFailed); err != nil {
				s.log(ctx).Error("batch aggregate update failed",
					slog.String("batch_id", *job.BatchID),
					slog.String("job_id", jobID),
					slog.Any("error", err))
			}
		}
	}

	s.broadcast(ctx, jobID, statusEvent(target, in, artifact))
	return nil
}

func parseCallbackStatus(raw string) (domain.JobStatus, error) {
	switch domain.JobStatus(raw) {
	case domain.JobProcessing, domain.JobCompleted, domain.JobFailed:
		return domain.JobStatus(raw), nil
	default:
		return "", fmt.Errorf("op=callback.ingest status=%q: %w", raw, domain.ErrInvalidArgument)
	}
}

func statusEvent(status domain.JobStatus, in CallbackInput, artifact *domain.Artifact) domain.StatusEvent {
	ev := domain.StatusEvent{
		Status:    string(status),
		Message:   in.Message,
		Progress:  in.Progress,
		Timestamp: time.Now().UTC(),
	}
	if artifact != nil {
		ev.GeneratedText = artifact.GeneratedText
	}
	return ev
}

func (s CallbackService) broadcast(ctx domain.Context, jobID string, ev domain.StatusEvent) {
	if s.Events == nil {
		return
	}
	ev.RequestID = obsctx.RequestIDFromContext(ctx)
	// The worker's HTTP response does not depend on fan-out; state is already
	// persisted and a missed push is recovered by reconnect or polling.
	_ = s.Events.Broadcast(ctx, jobID, ev)
}

func (s CallbackService) log(ctx domain.Context) *slog.Logger {
	return obsctx.LoggerFromContext(ctx)
}
