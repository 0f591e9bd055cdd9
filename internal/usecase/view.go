package usecase

import (
	"fmt"

	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

// ViewService serves the read side: job, batch, and artifact lookups with
// ownership enforcement.
type ViewService struct {
	Jobs      domain.JobRepository
	Batches   domain.BatchRepository
	Artifacts domain.ArtifactRepository
}

// NewViewService constructs a ViewService with its dependencies.
func NewViewService(jobs domain.JobRepository, batches domain.BatchRepository, artifacts domain.ArtifactRepository) ViewService {
	return ViewService{Jobs: jobs, Batches: batches, Artifacts: artifacts}
}

// GetJob loads a job the owner may see.
func (s ViewService) GetJob(ctx domain.Context, ownerID, jobID string) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.OwnerID != ownerID {
		return domain.Job{}, fmt.Errorf("op=view.get_job: %w", domain.ErrForbidden)
	}
	return job, nil
}

// GetArtifact loads the artifact of a completed job.
func (s ViewService) GetArtifact(ctx domain.Context, ownerID, jobID string) (domain.Artifact, error) {
	if _, err := s.GetJob(ctx, ownerID, jobID); err != nil {
		return domain.Artifact{}, err
	}
	return s.Artifacts.GetByJobID(ctx, jobID)
}

// GetBatch loads a batch and its children.
func (s ViewService) GetBatch(ctx domain.Context, ownerID, batchID string) (domain.BatchJob, []domain.Job, error) {
	batch, err := s.Batches.Get(ctx, batchID)
	if err != nil {
		return domain.BatchJob{}, nil, err
	}
	if batch.OwnerID != ownerID {
		return domain.BatchJob{}, nil, fmt.Errorf("op=view.get_batch: %w", domain.ErrForbidden)
	}
	children, err := s.Jobs.ListByBatch(ctx, batchID)
	if err != nil {
		return domain.BatchJob{}, nil, err
	}
	return batch, children, nil
}
