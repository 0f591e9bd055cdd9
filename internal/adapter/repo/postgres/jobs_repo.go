package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, owner_id, jd_url, COALESCE(resume_uri,''), status, model_provider, model_name, batch_id, COALESCE(failure_reason,''), created_at, updated_at, started_at, completed_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.OwnerID, &j.JDURL, &j.ResumeURI, &j.Status, &j.ModelProvider,
		&j.ModelName, &j.BatchID, &j.FailureReason, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	return j, err
}

// Create inserts a new pending job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, owner_id, jd_url, resume_uri, status, model_provider, model_name, batch_id, created_at, updated_at)
	      VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$9)`
	_, err := r.Pool.Exec(ctx, q, id, j.OwnerID, j.JDURL, j.ResumeURI, j.Status, j.ModelProvider, j.ModelName, j.BatchID, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// Transition moves a job from one status to another with a compare-and-set on
// the previous status; started_at and completed_at are stamped by the target
// status. Concurrent writers lose with ErrConflict; the persisted sequence of
// statuses therefore always follows the state machine.
func (r *JobRepo) Transition(ctx domain.Context, id string, from, to domain.JobStatus, failureReason *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Transition")
	defer span.End()
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("op=job.transition %s->%s: %w", from, to, domain.ErrConflict)
	}
	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$3, updated_at=$4,
	        failure_reason = COALESCE($5, failure_reason),
	        started_at = CASE WHEN $3 <> 'pending' AND started_at IS NULL THEN $4 ELSE started_at END,
	        completed_at = CASE WHEN $3 IN ('completed','failed','cancelled') THEN $4 ELSE completed_at END
	      WHERE id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, id, from, to, now, failureReason)
	if err != nil {
		return fmt.Errorf("op=job.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Row missing or already moved on; resolve which.
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return fmt.Errorf("op=job.transition: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.transition %s->%s: %w", from, to, domain.ErrConflict)
	}
	return nil
}

// MarkDispatchFailed fails a pending job whose publish to the work queue did
// not go through. Compare-and-set on status=pending keeps it from clobbering a
// job a worker already picked up.
func (r *JobRepo) MarkDispatchFailed(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkDispatchFailed")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET status='failed', failure_reason=$2, updated_at=$3, completed_at=$3
	      WHERE id=$1 AND status='pending'`
	tag, err := r.Pool.Exec(ctx, q, id, domain.DispatchFailedReason, now)
	if err != nil {
		return fmt.Errorf("op=job.mark_dispatch_failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return fmt.Errorf("op=job.mark_dispatch_failed: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.mark_dispatch_failed: %w", domain.ErrConflict)
	}
	return nil
}

// ListByBatch returns all child jobs of a batch.
func (r *JobRepo) ListByBatch(ctx domain.Context, batchID string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByBatch")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE batch_id=$1 ORDER BY created_at`, batchID)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_batch: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_by_batch: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_by_batch: %w", err)
	}
	return out, nil
}

// FindStuckProcessing returns jobs processing since before the cutoff.
func (r *JobRepo) FindStuckProcessing(ctx domain.Context, cutoff time.Time) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindStuckProcessing")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status='processing' AND updated_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=job.find_stuck: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.find_stuck: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.find_stuck: %w", err)
	}
	return out, nil
}
