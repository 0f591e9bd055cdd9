package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrRateLimited        = errors.New("rate limited")
	ErrModelNotAllowed    = errors.New("model not allowed")
	ErrTooManyConnections = errors.New("too many connections")
	ErrUpstreamUnavail    = errors.New("upstream unavailable")
	ErrInternal           = errors.New("internal error")
)

//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=BatchRepository --with-expecter --filename=batch_repository_mock.go
//go:generate mockery --name=ArtifactRepository --with-expecter --filename=artifact_repository_mock.go
//go:generate mockery --name=QuotaStore --with-expecter --filename=quota_store_mock.go
//go:generate mockery --name=Queue --with-expecter --filename=queue_mock.go
//go:generate mockery --name=EventBus --with-expecter --filename=event_bus_mock.go

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition is the single authority for the job state machine:
//
//	pending ──▶ processing ──▶ completed | failed
//	pending | processing ──▶ cancelled
//
// Direct pending→completed is illegal; workers must report processing first.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobPending:
		return to == JobProcessing || to == JobCancelled
	case JobProcessing:
		return to == JobCompleted || to == JobFailed || to == JobCancelled
	default:
		return false
	}
}

// DispatchFailedReason marks jobs whose WorkMessage publish failed after persistence.
const DispatchFailedReason = "DISPATCH_FAILED"

type Job struct {
	ID            string
	OwnerID       string
	JDURL         string
	ResumeURI     string
	Status        JobStatus
	ModelProvider string
	ModelName     string
	BatchID       *string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchPartial    BatchStatus = "partial"
	BatchCancelled  BatchStatus = "cancelled"
)

// BatchJob aggregates a set of jobs submitted together.
// Invariants: status=completed iff all children terminal and FailedCount==0;
// status=partial iff all children terminal and FailedCount>0.
type BatchJob struct {
	ID             string
	OwnerID        string
	Total          int
	CompletedCount int
	FailedCount    int
	Status         BatchStatus
	ModelProvider  string
	ModelName      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Progress returns the terminal fraction of the batch in [0,1].
func (b BatchJob) Progress() float64 {
	if b.Total == 0 {
		return 0
	}
	return float64(b.CompletedCount+b.FailedCount) / float64(b.Total)
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionTrialing  SubscriptionStatus = "trialing"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Subscription is read-mostly; JobsUsedInPeriod mutates only through QuotaStore.
type Subscription struct {
	ID                string
	UserID            string
	PlanID            string
	Status            SubscriptionStatus
	PeriodStart       time.Time
	PeriodEnd         time.Time
	JobsUsedInPeriod  int
	CancelAtPeriodEnd bool
}

// Plan limits are immutable per plan id. An empty AllowedModels set means all
// models are permitted.
type Plan struct {
	ID             string
	JobsPerPeriod  int
	TemplatesLimit int
	BatchJobsLimit int
	AllowedModels  []string
	Priority       bool
}

// AllowsModel reports whether the plan permits the given model name.
func (p Plan) AllowsModel(name string) bool {
	if len(p.AllowedModels) == 0 {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == name {
			return true
		}
	}
	return false
}

// Artifact holds the generated output, 1:1 with a completed job.
type Artifact struct {
	JobID           string
	GeneratedText   string
	WordCount       int
	ExtractedSkills []string
	JobTitle        string
	CompanyName     string
	CreatedAt       time.Time
}

// WorkMessage is the durable payload enqueued for an external worker.
type WorkMessage struct {
	JobID         string `json:"job_id"`
	JDURL         string `json:"jd_url"`
	ResumeURI     string `json:"resume_uri,omitempty"`
	ModelProvider string `json:"model_provider"`
	ModelName     string `json:"model_name"`
	OwnerID       string `json:"owner_id"`
}

// Reservation is the token returned by QuotaStore.Reserve; Release undoes it.
type Reservation struct {
	SubscriptionID string
	N              int
}

// Repositories (ports)

type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	// Transition performs a compare-and-set status update; it returns
	// ErrConflict when the row is no longer in the from status.
	Transition(ctx Context, id string, from, to JobStatus, failureReason *string) error
	// MarkDispatchFailed administratively fails a pending job whose
	// WorkMessage never reached the queue. This is the one path outside the
	// worker state machine; callbacks can never produce pending -> failed.
	MarkDispatchFailed(ctx Context, id string) error
	ListByBatch(ctx Context, batchID string) ([]Job, error)
	// FindStuckProcessing returns jobs processing since before the cutoff.
	FindStuckProcessing(ctx Context, cutoff time.Time) ([]Job, error)
}

type BatchRepository interface {
	// CreateWithJobs persists the batch and all child jobs in one transaction;
	// partial creation never happens.
	CreateWithJobs(ctx Context, b BatchJob, jobs []Job) (batchID string, jobIDs []string, err error)
	Get(ctx Context, id string) (BatchJob, error)
	// ApplyChildTerminal bumps completed/failed counters for one terminal
	// child and derives the batch status from the new counts.
	ApplyChildTerminal(ctx Context, batchID string, failed bool) (BatchJob, error)
	SetStatus(ctx Context, id string, status BatchStatus) error
}

type ArtifactRepository interface {
	Upsert(ctx Context, a Artifact) error
	GetByJobID(ctx Context, jobID string) (Artifact, error)
}

// QuotaStore (port) — atomic per-period job-slot accounting.

type QuotaStore interface {
	// PlanFor returns the plan attached to the owner's active subscription.
	PlanFor(ctx Context, ownerID string) (Plan, error)
	// Reserve consumes n job slots iff the subscription is active/trialing
	// and n slots remain; partial reservation never happens.
	Reserve(ctx Context, ownerID string, n int) (Reservation, error)
	// Release returns the reservation's slots; used only on dispatch rollback.
	Release(ctx Context, r Reservation) error
}

// Queue (port) — producer side of the work queue.

type Queue interface {
	PublishWork(ctx Context, msg WorkMessage) error
}

// EventBus (port) — cross-replica pub/sub for SSE fan-out.

type EventBus interface {
	Publish(ctx Context, topic string, ev StatusEvent) error
	Subscribe(ctx Context, topic string) (BusSubscription, error)
}

// BusSubscription is a handle to one topic subscription. Events is closed when
// the subscription ends, whether by Close or by a broken bus connection.
type BusSubscription interface {
	Events() <-chan StatusEvent
	Close() error
}

// TokenVerifier (port) — the IdentityProvider collaborator boundary.
type TokenVerifier interface {
	Verify(ctx Context, token string) (userID string, err error)
}

// Context is an alias to keep domain signatures uniform with the rest of the
// codebase; adapters and usecases pass context.Context through.
type Context = context.Context
