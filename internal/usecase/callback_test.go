package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
	"github.com/fairyhunter13/ai-apply-gateway/internal/domain/mocks"
)

type callbackFixture struct {
	jobs      *mocks.MockJobRepository
	batches   *mocks.MockBatchRepository
	artifacts *mocks.MockArtifactRepository
	events    *recordingBroadcaster
	svc       CallbackService
}

func newCallbackFixture() *callbackFixture {
	f := &callbackFixture{
		jobs:      &mocks.MockJobRepository{},
		batches:   &mocks.MockBatchRepository{},
		artifacts: &mocks.MockArtifactRepository{},
		events:    &recordingBroadcaster{},
	}
	f.svc = NewCallbackService(f.jobs, f.batches, f.artifacts, f.events)
	return f
}

func TestIngest_ProcessingAccepted(t *testing.T) {
	f := newCallbackFixture()
	f.jobs.On("Get", mock.Anything, "job-1").
		Return(domain.Job{ID: "job-1", Status: domain.JobPending}, nil)
	f.jobs.On("Transition", mock.Anything, "job-1", domain.JobPending, domain.JobProcessing, (*string)(nil)).Return(nil)

	err := f.svc.Ingest(context.Background(), "job-1", CallbackInput{Status: "processing", Message: "started"})
	require.NoError(t, err)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, "processing", f.events.events[0].Status)
}

func TestIngest_ProgressUpdateWithoutTransition(t *testing.T) {
	f := newCallbackFixture()
	progress := 0.4
	f.jobs.On("Get", mock.Anything, "job-1").
		Return(domain.Job{ID: "job-1", Status: domain.JobProcessing}, nil)

	err := f.svc.Ingest(context.Background(), "job-1", CallbackInput{
		Status:   "processing",
		Progress: &progress,
	})
	require.NoError(t, err)
	f.jobs.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	require.Len(t, f.events.events, 1)
	require.NotNil(t, f.events.events[0].Progress)
	assert.InDelta(t, progress, *f.events.events[0].Progress, 1e-9)
}

func TestIngest_CompletedPersistsArtifact(t *testing.T) {
	f := newCallbackFixture()
	f.jobs.On("Get", mock.Anything, "job-1").
		Return(domain.Job{ID: "job-1", Status: domain.JobProcessing}, nil)
	f.artifacts.On("Upsert", mock.Anything, mock.MatchedBy(func(a domain.Artifact) bool {
		return a.JobID == "job-1" && a.WordCount == 287 && a.GeneratedText == "dear hiring manager"
	})).Return(nil)
	f.jobs.On("Transition", mock.Anything, "job-1", domain.JobProcessing, domain.JobCompleted, (*string)(nil)).Return(nil)

	err := f.svc.Ingest(context.Background(), "job-1", CallbackInput{
		Status: "completed",
		Artifact: &ArtifactInput{
			GeneratedText:   "dear hiring manager",
			WordCount:       287,
			ExtractedSkills: []string{"go", "sql"},
			JobTitle:        "backend engineer",
			CompanyName:     "ex corp",
		},
	})
	require.NoError(t, err)
	f.artifacts.AssertExpectations(t)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, "completed", f.events.events[0].Status)
	assert.Equal(t, "dear hiring manager", f.events.events[0].GeneratedText)
}

func TestIngest_DuplicateTerminalDeduplicates(t *testing.T) {
	f := newCallbackFixture()
	f.jobs.On("Get", mock.Anything, "job-1").
		Return(domain.Job{ID: "job-1", Status: domain.JobCompleted}, nil)

	err := f.svc.Ingest(context.Background(), "job-1", CallbackInput{Status: "completed"})
	require.NoError(t, err)
	f.jobs.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.events.events, "dedup publishes nothing")
}

func TestIngest_PendingToCompletedIllegal(t *testing.T) {
	f := newCallbackFixture()
	f.jobs.On("Get", mock.Anything, "job-1").
		Return(domain.Job{ID: "job-1", Status: domain.JobPending}, nil)

	err := f.svc.Ingest(context.Background(), "job-1", CallbackInput{Status: "completed"})
	assert.ErrorIs(t, err, domain.ErrConflict)
	f.jobs.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.events.events)
}

func TestIngest_CancelledJobNoop(t *testing.T) {
	f := newCallbackFixture()
	f.jobs.On("Get", mock.Anything, "job-1").
		Return(domain.Job{ID: "job-1", Status: domain.JobCancelled}, nil)

	err := f.svc.Ingest(context.Background(), "job-1", CallbackInput{Status: "completed"})
	require.NoError(t, err, "cancelled jobs drop callbacks with success")
	f.jobs.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.events.events)
}

func TestIngest_FailedCapturesReason(t *testing.T) {
	f := newCallbackFixture()
	f.jobs.On("Get", mock.Anything, "job-1").
		Return(domain.Job{ID: "job-1", Status: domain.JobProcessing}, nil)
	f.jobs.On("Transition", mock.Anything, "job-1", domain.JobProcessing, domain.JobFailed,
		mock.MatchedBy(func(reason *string) bool {
			return reason != nil && *reason == "model refused"
		})).Return(nil)

	err := f.svc.Ingest(context.Background(), "job-1", CallbackInput{Status: "failed", Message: "model refused"})
	require.NoError(t, err)
	f.jobs.AssertExpectations(t)
}

func TestIngest_BatchChildUpdatesAggregate(t *testing.T) {
	f := newCallbackFixture()
	batchID := "batch-1"
	f.jobs.On("Get", mock.Anything, "job-1").
		Return(domain.Job{ID: "job-1", Status: domain.JobProcessing, BatchID: &batchID}, nil)
	f.jobs.On("Transition", mock.Anything, "job-1", domain.JobProcessing, domain.JobFailed, mock.Anything).Return(nil)
	f.batches.On("ApplyChildTerminal", mock.Anything, "batch-1", true).Return(domain.BatchJob{}, nil)

	err := f.svc.Ingest(context.Background(), "job-1", CallbackInput{Status: "failed", Message: "boom"})
	require.NoError(t, err)
	f.batches.AssertExpectations(t)
}

func TestIngest_UnknownStatusRejected(t *testing.T) {
	f := newCallbackFixture()
	err := f.svc.Ingest(context.Background(), "job-1", CallbackInput{Status: "queued"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	f.jobs.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestIngest_UnknownJob(t *testing.T) {
	f := newCallbackFixture()
	f.jobs.On("Get", mock.Anything, "nope").Return(domain.Job{}, domain.ErrNotFound)

	err := f.svc.Ingest(context.Background(), "nope", CallbackInput{Status: "processing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIngest_TransitionRaceDeduplicates(t *testing.T) {
	f := newCallbackFixture()
	f.jobs.On("Get", mock.Anything, "job-1").
		Return(domain.Job{ID: "job-1", Status: domain.JobProcessing}, nil).Once()
	f.jobs.On("Transition", mock.Anything, "job-1", domain.JobProcessing, domain.JobCompleted, (*string)(nil)).
		Return(domain.ErrConflict)
	f.jobs.On("Get", mock.Anything, "job-1").
		Return(domain.Job{ID: "job-1", Status: domain.JobCompleted}, nil).Once()

	err := f.svc.Ingest(context.Background(), "job-1", CallbackInput{Status: "completed"})
	require.NoError(t, err, "losing the race to an identical terminal write is a dedup")
}

func TestGetJob_OwnershipEnforced(t *testing.T) {
	jobs := &mocks.MockJobRepository{}
	svc := NewViewService(jobs, &mocks.MockBatchRepository{}, &mocks.MockArtifactRepository{})
	jobs.On("Get", mock.Anything, "job-1").
		Return(domain.Job{ID: "job-1", OwnerID: "owner-a"}, nil)

	_, err := svc.GetJob(context.Background(), "owner-b", "job-1")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	j, err := svc.GetJob(context.Background(), "owner-a", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.ID)
}
