package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

// ArtifactRepo stores generated outputs, 1:1 with completed jobs.
type ArtifactRepo struct{ Pool PgxPool }

// NewArtifactRepo constructs an ArtifactRepo with the given pool.
func NewArtifactRepo(p PgxPool) *ArtifactRepo { return &ArtifactRepo{Pool: p} }

// Upsert writes the artifact; repeated terminal callbacks overwrite with the
// same content, keeping the operation idempotent.
func (r *ArtifactRepo) Upsert(ctx domain.Context, a domain.Artifact) error {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Upsert")
	defer span.End()
	q := `INSERT INTO artifacts (job_id, generated_text, word_count, extracted_skills, job_title, company_name, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)
	      ON CONFLICT (job_id) DO UPDATE SET
	        generated_text = EXCLUDED.generated_text,
	        word_count = EXCLUDED.word_count,
	        extracted_skills = EXCLUDED.extracted_skills,
	        job_title = EXCLUDED.job_title,
	        company_name = EXCLUDED.company_name`
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx, q, a.JobID, a.GeneratedText, a.WordCount, a.ExtractedSkills, a.JobTitle, a.CompanyName, created)
	if err != nil {
		return fmt.Errorf("op=artifact.upsert: %w", err)
	}
	return nil
}

// GetByJobID loads the artifact for a job.
func (r *ArtifactRepo) GetByJobID(ctx domain.Context, jobID string) (domain.Artifact, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.GetByJobID")
	defer span.End()
	q := `SELECT job_id, generated_text, word_count, extracted_skills, COALESCE(job_title,''), COALESCE(company_name,''), created_at
	      FROM artifacts WHERE job_id=$1`
	var a domain.Artifact
	err := r.Pool.QueryRow(ctx, q, jobID).Scan(&a.JobID, &a.GeneratedText, &a.WordCount, &a.ExtractedSkills, &a.JobTitle, &a.CompanyName, &a.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Artifact{}, fmt.Errorf("op=artifact.get: %w", domain.ErrNotFound)
		}
		return domain.Artifact{}, fmt.Errorf("op=artifact.get: %w", err)
	}
	return a, nil
}
