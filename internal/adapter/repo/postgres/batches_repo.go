package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

// BatchRepo persists batch jobs and maintains their aggregate counters.
type BatchRepo struct{ Pool PgxPool }

// NewBatchRepo constructs a BatchRepo with the given pool.
func NewBatchRepo(p PgxPool) *BatchRepo { return &BatchRepo{Pool: p} }

const batchColumns = `id, owner_id, total, completed_count, failed_count, status, model_provider, model_name, created_at, updated_at`

func scanBatch(row pgx.Row) (domain.BatchJob, error) {
	var b domain.BatchJob
	err := row.Scan(&b.ID, &b.OwnerID, &b.Total, &b.CompletedCount, &b.FailedCount,
		&b.Status, &b.ModelProvider, &b.ModelName, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// CreateWithJobs inserts the batch row and every child job in one transaction.
func (r *BatchRepo) CreateWithJobs(ctx domain.Context, b domain.BatchJob, jobs []domain.Job) (string, []string, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.CreateWithJobs")
	defer span.End()

	batchID := b.ID
	if batchID == "" {
		batchID = uuid.New().String()
	}
	now := time.Now().UTC()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("op=batch.create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO batch_jobs (id, owner_id, total, completed_count, failed_count, status, model_provider, model_name, created_at, updated_at)
		 VALUES ($1,$2,$3,0,0,$4,$5,$6,$7,$7)`,
		batchID, b.OwnerID, len(jobs), domain.BatchPending, b.ModelProvider, b.ModelName, now)
	if err != nil {
		return "", nil, fmt.Errorf("op=batch.create: %w", err)
	}

	jobIDs := make([]string, 0, len(jobs))
	for _, j := range jobs {
		id := j.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO jobs (id, owner_id, jd_url, resume_uri, status, model_provider, model_name, batch_id, created_at, updated_at)
			 VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$9)`,
			id, j.OwnerID, j.JDURL, j.ResumeURI, domain.JobPending, j.ModelProvider, j.ModelName, batchID, now)
		if err != nil {
			return "", nil, fmt.Errorf("op=batch.create_child: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", nil, fmt.Errorf("op=batch.create: %w", err)
	}
	return batchID, jobIDs, nil
}

// Get loads a batch by id.
func (r *BatchRepo) Get(ctx domain.Context, id string) (domain.BatchJob, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batch_jobs WHERE id=$1`, id)
	b, err := scanBatch(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.BatchJob{}, fmt.Errorf("op=batch.get: %w", domain.ErrNotFound)
		}
		return domain.BatchJob{}, fmt.Errorf("op=batch.get: %w", err)
	}
	return b, nil
}

// ApplyChildTerminal bumps the aggregate counters for one terminal child and
// derives the batch status: completed iff all terminal and no failures,
// partial iff all terminal with failures, processing otherwise. The counter
// update and status derivation run in a single statement so two concurrent
// callbacks cannot double-derive.
func (r *BatchRepo) ApplyChildTerminal(ctx domain.Context, batchID string, failed bool) (domain.BatchJob, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.ApplyChildTerminal")
	defer span.End()
	q := `UPDATE batch_jobs SET
	        completed_count = completed_count + CASE WHEN $2 THEN 0 ELSE 1 END,
	        failed_count    = failed_count    + CASE WHEN $2 THEN 1 ELSE 0 END,
	        updated_at = now(),
	        status = CASE
	          WHEN status = 'cancelled' THEN status
	          WHEN completed_count + failed_count + 1 >= total AND failed_count + CASE WHEN $2 THEN 1 ELSE 0 END = 0 THEN 'completed'
	          WHEN completed_count + failed_count + 1 >= total THEN 'partial'
	          ELSE 'processing'
	        END
	      WHERE id=$1
	      RETURNING ` + batchColumns
	b, err := scanBatch(r.Pool.QueryRow(ctx, q, batchID, failed))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.BatchJob{}, fmt.Errorf("op=batch.apply_child: %w", domain.ErrNotFound)
		}
		return domain.BatchJob{}, fmt.Errorf("op=batch.apply_child: %w", err)
	}
	return b, nil
}

// SetStatus overwrites the batch status; used for cancel and auto-start.
func (r *BatchRepo) SetStatus(ctx domain.Context, id string, status domain.BatchStatus) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.SetStatus")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE batch_jobs SET status=$2, updated_at=now() WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("op=batch.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=batch.set_status: %w", domain.ErrNotFound)
	}
	return nil
}
