// Package usecase contains the application services of the gateway: admission
// (dispatch), worker callback ingestion, and read-side views.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
	"github.com/fairyhunter13/ai-apply-gateway/internal/service/ratelimiter"
)

// Broadcaster publishes job status events for SSE delivery. Satisfied by
// *sse.Manager.
type Broadcaster interface {
	Broadcast(ctx domain.Context, jobID string, ev domain.StatusEvent) error
}

const maxJDURLLen = 2000

// DispatchService admits single and batch submissions: rate limit, quota
// reservation, persistence, then publish. Any failure aborts the later steps;
// a publish failure after persistence compensates in reverse (release the
// reservation, fail the job) so the client always observes a terminal state.
type DispatchService struct {
	Jobs    domain.JobRepository
	Batches domain.BatchRepository
	Quota   domain.QuotaStore
	Queue   domain.Queue
	Limiter ratelimiter.Limiter
	Events  Broadcaster
	// Timeout bounds one admission end to end; zero disables.
	Timeout time.Duration
}

// NewDispatchService constructs a DispatchService with its dependencies.
func NewDispatchService(
	jobs domain.JobRepository,
	batches domain.BatchRepository,
	quota domain.QuotaStore,
	queue domain.Queue,
	limiter ratelimiter.Limiter,
	events Broadcaster,
	timeout time.Duration,
) DispatchService {
	return DispatchService{
		Jobs:    jobs,
		Batches: batches,
		Quota:   quota,
		Queue:   queue,
		Limiter: limiter,
		Events:  events,
		Timeout: timeout,
	}
}

// SubmitJobInput is one single-job submission.
type SubmitJobInput struct {
	JDURL         string
	ResumeURI     string
	ModelProvider string
	ModelName     string
}

// SubmitJobResult is returned on 202.
type SubmitJobResult struct {
	JobID          string
	StreamEndpoint string
}

// SubmitJob admits one job for the owner.
func (s DispatchService) SubmitJob(ctx domain.Context, ownerID string, in SubmitJobInput) (SubmitJobResult, error) {
	ctx, cancel := s.budget(ctx)
	defer cancel()
	start := time.Now()

	if err := validateJDURL(in.JDURL); err != nil {
		return SubmitJobResult{}, err
	}
	if err := validateResumeURI(in.ResumeURI); err != nil {
		return SubmitJobResult{}, err
	}

	if _, err := s.admit(ctx, ownerID, in.ModelName); err != nil {
		return SubmitJobResult{}, err
	}

	reservation, err := s.Quota.Reserve(ctx, ownerID, 1)
	if err != nil {
		if isQuotaDenial(err) {
			observability.QuotaDenialsTotal.Inc()
		}
		return SubmitJobResult{}, err
	}

	job := domain.Job{
		OwnerID:       ownerID,
		JDURL:         in.JDURL,
		ResumeURI:     in.ResumeURI,
		Status:        domain.JobPending,
		ModelProvider: in.ModelProvider,
		ModelName:     in.ModelName,
	}
	jobID, err := s.Jobs.Create(ctx, job)
	if err != nil {
		s.release(ctx, reservation)
		return SubmitJobResult{}, fmt.Errorf("op=dispatch.submit_job: %w", err)
	}

	if err := s.publish(ctx, jobID, job); err != nil {
		s.release(ctx, reservation)
		if failErr := s.Jobs.MarkDispatchFailed(ctx, jobID); failErr != nil {
			slog.Error("failed to mark job dispatch-failed",
				slog.String("job_id", jobID), slog.Any("error", failErr))
		}
		observability.FinishJob(string(domain.JobFailed))
		return SubmitJobResult{}, fmt.Errorf("op=dispatch.submit_job job_id=%s: %w", jobID, domain.ErrUpstreamUnavail)
	}

	observability.SubmitJob("single")
	observability.DispatchDuration.Observe(time.Since(start).Seconds())
	return SubmitJobResult{
		JobID:          jobID,
		StreamEndpoint: fmt.Sprintf("/v1/applications/%s/stream", jobID),
	}, nil
}

// SubmitBatchInput is one batch submission.
type SubmitBatchInput struct {
	JobURLs       []string
	ResumeURI     string
	ModelProvider string
	ModelName     string
	AutoStart     bool
}

// SubmitBatch admits a batch: one atomic reservation for all children, batch
// plus children in one transaction, then best-effort per-child publish when
// auto-start is requested. A child whose publish fails is marked failed and
// counted into the aggregate; the remaining children still go out.
func (s DispatchService) SubmitBatch(ctx domain.Context, ownerID string, in SubmitBatchInput) (string, error) {
	ctx, cancel := s.budget(ctx)
	defer cancel()

	n := len(in.JobURLs)
	if n == 0 {
		return "", fmt.Errorf("op=dispatch.submit_batch: at least one url required: %w", domain.ErrInvalidArgument)
	}
	for _, u := range in.JobURLs {
		if err := validateJDURL(u); err != nil {
			return "", err
		}
	}
	if err := validateResumeURI(in.ResumeURI); err != nil {
		return "", err
	}

	plan, err := s.admit(ctx, ownerID, in.ModelName)
	if err != nil {
		return "", err
	}
	if plan.BatchJobsLimit > 0 && n > plan.BatchJobsLimit {
		return "", fmt.Errorf("op=dispatch.submit_batch: batch of %d exceeds plan limit %d: %w",
			n, plan.BatchJobsLimit, domain.ErrInvalidArgument)
	}

	reservation, err := s.Quota.Reserve(ctx, ownerID, n)
	if err != nil {
		if isQuotaDenial(err) {
			observability.QuotaDenialsTotal.Inc()
		}
		return "", err
	}

	batch := domain.BatchJob{
		OwnerID:       ownerID,
		Total:         n,
		Status:        domain.BatchPending,
		ModelProvider: in.ModelProvider,
		ModelName:     in.ModelName,
	}
	children := make([]domain.Job, n)
	for i, u := range in.JobURLs {
		children[i] = domain.Job{
			OwnerID:       ownerID,
			JDURL:         u,
			ResumeURI:     in.ResumeURI,
			Status:        domain.JobPending,
			ModelProvider: in.ModelProvider,
			ModelName:     in.ModelName,
		}
	}
	batchID, jobIDs, err := s.Batches.CreateWithJobs(ctx, batch, children)
	if err != nil {
		s.release(ctx, reservation)
		return "", fmt.Errorf("op=dispatch.submit_batch: %w", err)
	}

	observability.SubmitJob("batch")

	if in.AutoStart {
		s.startBatch(ctx, batchID, jobIDs, children)
	}
	return batchID, nil
}

// startBatch publishes every child serially. Children keep their reserved
// quota slot even when the publish fails; the failed child is terminal and
// counted, which is the batch analogue of a consumed attempt.
func (s DispatchService) startBatch(ctx domain.Context, batchID string, jobIDs []string, children []domain.Job) {
	// Advance to processing before the first publish. ApplyChildTerminal
	// derives the aggregate status from the counts, so a later write here
	// would clobber a batch that already went terminal during the loop.
	if err := s.Batches.SetStatus(ctx, batchID, domain.BatchProcessing); err != nil {
		slog.Warn("batch status not advanced to processing",
			slog.String("batch_id", batchID), slog.Any("error", err))
	}
	for i, jobID := range jobIDs {
		if err := s.publish(ctx, jobID, children[i]); err != nil {
			slog.Error("batch child dispatch failed",
				slog.String("batch_id", batchID),
				slog.String("job_id", jobID),
				slog.Any("error", err))
			if failErr := s.Jobs.MarkDispatchFailed(ctx, jobID); failErr != nil {
				slog.Error("failed to mark batch child dispatch-failed",
					slog.String("job_id", jobID), slog.Any("error", failErr))
				continue
			}
			observability.FinishJob(string(domain.JobFailed))
			if _, aggErr := s.Batches.ApplyChildTerminal(ctx, batchID, true); aggErr != nil {
				slog.Error("failed to count dispatch-failed child into batch",
					slog.String("batch_id", batchID), slog.Any("error", aggErr))
			}
		}
	}
}

// CancelJob cancels a pending or processing job and emits the terminal event.
func (s DispatchService) CancelJob(ctx domain.Context, ownerID, jobID string) error {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.OwnerID != ownerID {
		return fmt.Errorf("op=dispatch.cancel_job: %w", domain.ErrForbidden)
	}
	if err := s.cancelOne(ctx, job); err != nil {
		return err
	}
	return nil
}

// CancelBatch cancels every non-terminal child, then the batch itself.
func (s DispatchService) CancelBatch(ctx domain.Context, ownerID, batchID string) error {
	batch, err := s.Batches.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.OwnerID != ownerID {
		return fmt.Errorf("op=dispatch.cancel_batch: %w", domain.ErrForbidden)
	}
	switch batch.Status {
	case domain.BatchCompleted, domain.BatchPartial, domain.BatchCancelled:
		return fmt.Errorf("op=dispatch.cancel_batch: batch %s is %s: %w", batchID, batch.Status, domain.ErrConflict)
	}

	children, err := s.Jobs.ListByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("op=dispatch.cancel_batch: %w", err)
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		if err := s.cancelOne(ctx, child); err != nil {
			slog.Warn("batch child not cancelled",
				slog.String("batch_id", batchID),
				slog.String("job_id", child.ID),
				slog.Any("error", err))
		}
	}
	if err := s.Batches.SetStatus(ctx, batchID, domain.BatchCancelled); err != nil {
		return fmt.Errorf("op=dispatch.cancel_batch: %w", err)
	}
	return nil
}

// cancelOne performs the CAS cancellation, retrying once when the job moved
// between the read and the write, and broadcasts the terminal event.
func (s DispatchService) cancelOne(ctx domain.Context, job domain.Job) error {
	from := job.Status
	for attempt := 0; attempt < 2; attempt++ {
		if from.IsTerminal() {
			return fmt.Errorf("op=dispatch.cancel job_id=%s is %s: %w", job.ID, from, domain.ErrConflict)
		}
		err := s.Jobs.Transition(ctx, job.ID, from, domain.JobCancelled, nil)
		if err == nil {
			observability.FinishJob(string(domain.JobCancelled))
			s.broadcast(ctx, job.ID, domain.StatusEvent{
				Status:  string(domain.JobCancelled),
				Message: "cancelled by user",
			})
			return nil
		}
		if attempt == 0 {
			refreshed, getErr := s.Jobs.Get(ctx, job.ID)
			if getErr == nil && refreshed.Status != from {
				from = refreshed.Status
				continue
			}
		}
		return err
	}
	return fmt.Errorf("op=dispatch.cancel job_id=%s: %w", job.ID, domain.ErrConflict)
}

// admit runs the per-request checks shared by both submit paths.
func (s DispatchService) admit(ctx domain.Context, ownerID, modelName string) (domain.Plan, error) {
	decision, err := s.Limiter.Allow(ctx, ownerID)
	if err != nil {
		return domain.Plan{}, err
	}
	if !decision.Allowed {
		return domain.Plan{}, fmt.Errorf("op=dispatch.admit window=%s retry_after=%s: %w",
			decision.Window, decision.RetryAfter, domain.ErrRateLimited)
	}

	plan, err := s.Quota.PlanFor(ctx, ownerID)
	if err != nil {
		return domain.Plan{}, err
	}
	if modelName != "" && !plan.AllowsModel(modelName) {
		return domain.Plan{}, fmt.Errorf("op=dispatch.admit model=%s: %w", modelName, domain.ErrModelNotAllowed)
	}
	return plan, nil
}

func (s DispatchService) publish(ctx domain.Context, jobID string, job domain.Job) error {
	return s.Queue.PublishWork(ctx, domain.WorkMessage{
		JobID:         jobID,
		JDURL:         job.JDURL,
		ResumeURI:     job.ResumeURI,
		ModelProvider: job.ModelProvider,
		ModelName:     job.ModelName,
		OwnerID:       job.OwnerID,
	})
}

func (s DispatchService) release(ctx domain.Context, r domain.Reservation) {
	if err := s.Quota.Release(ctx, r); err != nil {
		slog.Error("quota release failed",
			slog.String("subscription_id", r.SubscriptionID),
			slog.Int("n", r.N),
			slog.Any("error", err))
	}
}

func (s DispatchService) broadcast(ctx domain.Context, jobID string, ev domain.StatusEvent) {
	if s.Events == nil {
		return
	}
	// Publish failures are already logged and counted by the broadcaster.
	_ = s.Events.Broadcast(ctx, jobID, ev)
}

func (s DispatchService) budget(ctx domain.Context) (domain.Context, func()) {
	if s.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.Timeout)
}

func validateJDURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("op=dispatch.validate: jd_url required: %w", domain.ErrInvalidArgument)
	}
	if len(raw) > maxJDURLLen {
		return fmt.Errorf("op=dispatch.validate: jd_url exceeds %d chars: %w", maxJDURLLen, domain.ErrInvalidArgument)
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("op=dispatch.validate: jd_url must be an absolute http(s) url: %w", domain.ErrInvalidArgument)
	}
	return nil
}

func validateResumeURI(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("op=dispatch.validate: resume_uri must carry a scheme: %w", domain.ErrInvalidArgument)
	}
	switch u.Scheme {
	case "s3", "gs", "https":
		return nil
	default:
		return fmt.Errorf("op=dispatch.validate: resume_uri scheme %q not supported: %w", u.Scheme, domain.ErrInvalidArgument)
	}
}

func isQuotaDenial(err error) bool {
	return errors.Is(err, domain.ErrQuotaExceeded)
}
