package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

func TestCanTransition_LegalPaths(t *testing.T) {
	t.Parallel()
	legal := []struct{ from, to domain.JobStatus }{
		{domain.JobPending, domain.JobProcessing},
		{domain.JobPending, domain.JobCancelled},
		{domain.JobProcessing, domain.JobCompleted},
		{domain.JobProcessing, domain.JobFailed},
		{domain.JobProcessing, domain.JobCancelled},
	}
	for _, c := range legal {
		assert.True(t, domain.CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestCanTransition_IllegalPaths(t *testing.T) {
	t.Parallel()
	illegal := []struct{ from, to domain.JobStatus }{
		// pending must pass through processing first
		{domain.JobPending, domain.JobCompleted},
		{domain.JobPending, domain.JobFailed},
		{domain.JobCompleted, domain.JobProcessing},
		{domain.JobCompleted, domain.JobFailed},
		{domain.JobFailed, domain.JobCompleted},
		{domain.JobCancelled, domain.JobProcessing},
		{domain.JobProcessing, domain.JobPending},
	}
	for _, c := range illegal {
		assert.False(t, domain.CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	t.Parallel()
	assert.False(t, domain.JobPending.IsTerminal())
	assert.False(t, domain.JobProcessing.IsTerminal())
	assert.True(t, domain.JobCompleted.IsTerminal())
	assert.True(t, domain.JobFailed.IsTerminal())
	assert.True(t, domain.JobCancelled.IsTerminal())
}

func TestBatchJob_Progress(t *testing.T) {
	t.Parallel()
	b := domain.BatchJob{Total: 4, CompletedCount: 1, FailedCount: 1}
	assert.InDelta(t, 0.5, b.Progress(), 1e-9)
	assert.Zero(t, domain.BatchJob{}.Progress())
}

func TestPlan_AllowsModel(t *testing.T) {
	t.Parallel()
	open := domain.Plan{}
	assert.True(t, open.AllowsModel("any-model"))

	restricted := domain.Plan{AllowedModels: []string{"gpt-4o-mini", "claude-haiku"}}
	assert.True(t, restricted.AllowsModel("gpt-4o-mini"))
	assert.False(t, restricted.AllowsModel("gpt-4o"))
}

func TestStatusEvent_IsTerminal(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	assert.False(t, domain.StatusEvent{Status: string(domain.JobProcessing), Timestamp: now}.IsTerminal())
	assert.True(t, domain.StatusEvent{Status: string(domain.JobCompleted), Timestamp: now}.IsTerminal())
	assert.True(t, domain.StatusEvent{Status: domain.EventTerminated, Timestamp: now}.IsTerminal())
	assert.True(t, domain.StatusEvent{Status: domain.EventTimeout, Timestamp: now}.IsTerminal())
	assert.False(t, domain.StatusEvent{Status: domain.EventLagged, Timestamp: now}.IsTerminal())
}

func TestJobTopic(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "sse:job:abc", domain.JobTopic("abc"))
}
