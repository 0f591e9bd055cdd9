package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

// SubscriptionRepo implements domain.QuotaStore on top of the subscriptions
// and plans tables. Quota consumption is a single conditional UPDATE so two
// concurrent submissions can never both take the last slot.
type SubscriptionRepo struct {
	Pool PgxPool
	// PeriodInterval is the SQL interval applied on lazy rollover, e.g.
	// "1 month" or "1 year".
	PeriodInterval string
}

// NewSubscriptionRepo constructs a SubscriptionRepo.
func NewSubscriptionRepo(p PgxPool, periodInterval string) *SubscriptionRepo {
	if periodInterval == "" {
		periodInterval = "1 month"
	}
	return &SubscriptionRepo{Pool: p, PeriodInterval: periodInterval}
}

// PlanFor returns the plan attached to the owner's active subscription.
func (r *SubscriptionRepo) PlanFor(ctx domain.Context, ownerID string) (domain.Plan, error) {
	tracer := otel.Tracer("repo.subscriptions")
	ctx, span := tracer.Start(ctx, "subscriptions.PlanFor")
	defer span.End()
	q := `SELECT p.id, p.jobs_per_period, p.templates_limit, p.batch_jobs_limit, p.allowed_models, p.priority
	      FROM subscriptions s JOIN plans p ON p.id = s.plan_id
	      WHERE s.user_id=$1 AND s.status IN ('active','trialing')`
	var pl domain.Plan
	err := r.Pool.QueryRow(ctx, q, ownerID).Scan(&pl.ID, &pl.JobsPerPeriod, &pl.TemplatesLimit, &pl.BatchJobsLimit, &pl.AllowedModels, &pl.Priority)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Plan{}, fmt.Errorf("op=quota.plan_for: no active subscription: %w", domain.ErrForbidden)
		}
		return domain.Plan{}, fmt.Errorf("op=quota.plan_for: %w", err)
	}
	return pl, nil
}

// Reserve consumes n job slots atomically. When the period has lapsed the
// usage counter is reset and the period advanced first, inside the same
// transaction, so rollover and reservation are one linearizable step.
func (r *SubscriptionRepo) Reserve(ctx domain.Context, ownerID string, n int) (domain.Reservation, error) {
	tracer := otel.Tracer("repo.subscriptions")
	ctx, span := tracer.Start(ctx, "subscriptions.Reserve")
	defer span.End()
	if n <= 0 {
		return domain.Reservation{}, fmt.Errorf("op=quota.reserve: n=%d: %w", n, domain.ErrInvalidArgument)
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("op=quota.reserve: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lazy period rollover.
	_, err = tx.Exec(ctx,
		`UPDATE subscriptions
		 SET jobs_used_in_period = 0,
		     period_start = period_end,
		     period_end = period_end + $2::interval,
		     updated_at = now()
		 WHERE user_id=$1 AND status IN ('active','trialing') AND now() >= period_end`,
		ownerID, r.PeriodInterval)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("op=quota.rollover: %w", err)
	}

	// Compare-and-increment against the plan ceiling.
	var subID string
	err = tx.QueryRow(ctx,
		`UPDATE subscriptions s
		 SET jobs_used_in_period = s.jobs_used_in_period + $2, updated_at = now()
		 FROM plans p
		 WHERE p.id = s.plan_id
		   AND s.user_id = $1
		   AND s.status IN ('active','trialing')
		   AND s.jobs_used_in_period + $2 <= p.jobs_per_period
		 RETURNING s.id`,
		ownerID, n).Scan(&subID)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Either no usable subscription, or not enough slots left.
			var exists bool
			if chkErr := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE user_id=$1 AND status IN ('active','trialing'))`,
				ownerID).Scan(&exists); chkErr == nil && !exists {
				return domain.Reservation{}, fmt.Errorf("op=quota.reserve: no active subscription: %w", domain.ErrForbidden)
			}
			return domain.Reservation{}, fmt.Errorf("op=quota.reserve: %w", domain.ErrQuotaExceeded)
		}
		return domain.Reservation{}, fmt.Errorf("op=quota.reserve: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Reservation{}, fmt.Errorf("op=quota.reserve: %w", err)
	}
	return domain.Reservation{SubscriptionID: subID, N: n}, nil
}

// Release returns a reservation's slots; the floor at zero protects against a
// release racing a period rollover.
func (r *SubscriptionRepo) Release(ctx domain.Context, res domain.Reservation) error {
	tracer := otel.Tracer("repo.subscriptions")
	ctx, span := tracer.Start(ctx, "subscriptions.Release")
	defer span.End()
	_, err := r.Pool.Exec(ctx,
		`UPDATE subscriptions SET jobs_used_in_period = GREATEST(jobs_used_in_period - $2, 0), updated_at = now() WHERE id=$1`,
		res.SubscriptionID, res.N)
	if err != nil {
		return fmt.Errorf("op=quota.release: %w", err)
	}
	return nil
}
