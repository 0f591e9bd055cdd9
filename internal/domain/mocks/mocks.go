// Package mocks provides testify mocks for the domain ports.
package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

// MockJobRepository mocks domain.JobRepository.
type MockJobRepository struct{ mock.Mock }

func (m *MockJobRepository) Create(ctx domain.Context, j domain.Job) (string, error) {
	args := m.Called(ctx, j)
	return args.String(0), args.Error(1)
}

func (m *MockJobRepository) Get(ctx domain.Context, id string) (domain.Job, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Job), args.Error(1)
}

func (m *MockJobRepository) Transition(ctx domain.Context, id string, from, to domain.JobStatus, failureReason *string) error {
	args := m.Called(ctx, id, from, to, failureReason)
	return args.Error(0)
}

func (m *MockJobRepository) MarkDispatchFailed(ctx domain.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockJobRepository) ListByBatch(ctx domain.Context, batchID string) ([]domain.Job, error) {
	args := m.Called(ctx, batchID)
	if v := args.Get(0); v != nil {
		return v.([]domain.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJobRepository) FindStuckProcessing(ctx domain.Context, cutoff time.Time) ([]domain.Job, error) {
	args := m.Called(ctx, cutoff)
	if v := args.Get(0); v != nil {
		return v.([]domain.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockBatchRepository mocks domain.BatchRepository.
type MockBatchRepository struct{ mock.Mock }

func (m *MockBatchRepository) CreateWithJobs(ctx domain.Context, b domain.BatchJob, jobs []domain.Job) (string, []string, error) {
	args := m.Called(ctx, b, jobs)
	var ids []string
	if v := args.Get(1); v != nil {
		ids = v.([]string)
	}
	return args.String(0), ids, args.Error(2)
}

func (m *MockBatchRepository) Get(ctx domain.Context, id string) (domain.BatchJob, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.BatchJob), args.Error(1)
}

func (m *MockBatchRepository) ApplyChildTerminal(ctx domain.Context, batchID string, failed bool) (domain.BatchJob, error) {
	args := m.Called(ctx, batchID, failed)
	return args.Get(0).(domain.BatchJob), args.Error(1)
}

func (m *MockBatchRepository) SetStatus(ctx domain.Context, id string, status domain.BatchStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

// MockArtifactRepository mocks domain.ArtifactRepository.
type MockArtifactRepository struct{ mock.Mock }

func (m *MockArtifactRepository) Upsert(ctx domain.Context, a domain.Artifact) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *MockArtifactRepository) GetByJobID(ctx domain.Context, jobID string) (domain.Artifact, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(domain.Artifact), args.Error(1)
}

// MockQuotaStore mocks domain.QuotaStore.
type MockQuotaStore struct{ mock.Mock }

func (m *MockQuotaStore) PlanFor(ctx domain.Context, ownerID string) (domain.Plan, error) {
	args := m.Called(ctx, ownerID)
	return args.Get(0).(domain.Plan), args.Error(1)
}

func (m *MockQuotaStore) Reserve(ctx domain.Context, ownerID string, n int) (domain.Reservation, error) {
	args := m.Called(ctx, ownerID, n)
	return args.Get(0).(domain.Reservation), args.Error(1)
}

func (m *MockQuotaStore) Release(ctx domain.Context, r domain.Reservation) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

// MockQueue mocks domain.Queue.
type MockQueue struct{ mock.Mock }

func (m *MockQueue) PublishWork(ctx domain.Context, msg domain.WorkMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// MockEventBus mocks domain.EventBus.
type MockEventBus struct{ mock.Mock }

func (m *MockEventBus) Publish(ctx domain.Context, topic string, ev domain.StatusEvent) error {
	args := m.Called(ctx, topic, ev)
	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx domain.Context, topic string) (domain.BusSubscription, error) {
	args := m.Called(ctx, topic)
	if v := args.Get(0); v != nil {
		return v.(domain.BusSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockBusSubscription mocks domain.BusSubscription with a plain channel.
type MockBusSubscription struct {
	Ch     chan domain.StatusEvent
	Closed bool
}

func NewMockBusSubscription(buf int) *MockBusSubscription {
	return &MockBusSubscription{Ch: make(chan domain.StatusEvent, buf)}
}

func (s *MockBusSubscription) Events() <-chan domain.StatusEvent { return s.Ch }

func (s *MockBusSubscription) Close() error {
	if !s.Closed {
		s.Closed = true
		close(s.Ch)
	}
	return nil
}
