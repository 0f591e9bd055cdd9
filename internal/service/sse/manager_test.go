package sse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

// fakeBus is an in-process EventBus with real pub/sub semantics.
type fakeBus struct {
	mu     sync.Mutex
	topics map[string]map[*fakeSub]struct{}
	broken bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{topics: make(map[string]map[*fakeSub]struct{})}
}

func (b *fakeBus) Publish(_ domain.Context, topic string, ev domain.StatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return domain.ErrUpstreamUnavail
	}
	for sub := range b.topics[topic] {
		sub.ch <- ev
	}
	return nil
}

func (b *fakeBus) Subscribe(_ domain.Context, topic string) (domain.BusSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return nil, domain.ErrUpstreamUnavail
	}
	sub := &fakeSub{bus: b, topic: topic, ch: make(chan domain.StatusEvent, 64)}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*fakeSub]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	return sub, nil
}

func (b *fakeBus) subscriptions(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

type fakeSub struct {
	bus    *fakeBus
	topic  string
	ch     chan domain.StatusEvent
	closed bool
}

func (s *fakeSub) Events() <-chan domain.StatusEvent { return s.ch }

func (s *fakeSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.bus.topics[s.topic], s)
	close(s.ch)
	return nil
}

func newTestManager(t *testing.T, bus domain.EventBus, maxConn int) *Manager {
	t.Helper()
	m := NewManager(bus, Options{MaxConnectionsPerJob: maxConn, ReaperInterval: time.Hour})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func recvEvent(t *testing.T, sub *Subscriber) domain.StatusEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "events channel closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.StatusEvent{}
	}
}

func TestManager_BroadcastReachesLocalSubscriber(t *testing.T) {
	bus := newFakeBus()
	m := newTestManager(t, bus, 10)
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	require.NoError(t, m.Broadcast(ctx, "job-1", domain.StatusEvent{
		Status:  string(domain.JobProcessing),
		Message: "working",
	}))

	ev := recvEvent(t, sub)
	assert.Equal(t, string(domain.JobProcessing), ev.Status)
	assert.Equal(t, "working", ev.Message)
	assert.False(t, ev.Timestamp.IsZero(), "broadcast stamps missing timestamps")
}

func TestManager_TerminalEventIsLastAndClosesStream(t *testing.T) {
	bus := newFakeBus()
	m := newTestManager(t, bus, 10)
	ctx := context.Background()

	a, err := m.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	b, err := m.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	require.NoError(t, m.Broadcast(ctx, "job-1", domain.StatusEvent{Status: string(domain.JobCompleted)}))

	for _, sub := range []*Subscriber{a, b} {
		ev := recvEvent(t, sub)
		assert.Equal(t, string(domain.JobCompleted), ev.Status)
		select {
		case _, ok := <-sub.Events():
			assert.False(t, ok, "no events after terminal")
		case <-time.After(2 * time.Second):
			t.Fatal("events channel not closed after terminal event")
		}
	}

	assert.Eventually(t, func() bool {
		return bus.subscriptions(domain.JobTopic("job-1")) == 0
	}, 2*time.Second, 10*time.Millisecond, "bus subscription released after terminal")
}

func TestManager_ConnectionCap(t *testing.T) {
	bus := newFakeBus()
	m := newTestManager(t, bus, 2)
	ctx := context.Background()

	_, err := m.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	_, err = m.Subscribe(ctx, "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTooManyConnections)

	// The cap is per job.
	_, err = m.Subscribe(ctx, "job-2")
	assert.NoError(t, err)
}

func TestManager_LazyBusSubscription(t *testing.T) {
	bus := newFakeBus()
	m := newTestManager(t, bus, 10)
	ctx := context.Background()
	topic := domain.JobTopic("job-1")

	assert.Equal(t, 0, bus.subscriptions(topic))

	a, err := m.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.subscriptions(topic))

	b, err := m.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.subscriptions(topic), "one bus subscription per job")

	m.Unsubscribe(a, CloseDisconnect)
	assert.Equal(t, 1, bus.subscriptions(topic))

	m.Unsubscribe(b, CloseDisconnect)
	assert.Equal(t, 0, bus.subscriptions(topic), "released when last local subscriber leaves")
}

func TestManager_UnsubscribeClosesEventsChannel(t *testing.T) {
	bus := newFakeBus()
	m := newTestManager(t, bus, 10)

	sub, err := m.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)
	m.Unsubscribe(sub, CloseDisconnect)

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Double unsubscribe is a no-op.
	m.Unsubscribe(sub, CloseDisconnect)
}

func TestManager_SlowSubscriberLagsThenDisconnects(t *testing.T) {
	bus := newFakeBus()
	m := newTestManager(t, bus, 10)
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	// Nobody drains the subscriber, so the buffer overflows, a LAGGED marker
	// is injected, and the third strike disconnects.
	for i := 0; i < subscriberBuffer+maxLagStrikes+5; i++ {
		require.NoError(t, m.Broadcast(ctx, "job-1", domain.StatusEvent{
			Status:  string(domain.JobProcessing),
			Message: "tick",
		}))
	}

	sawLagged := false
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				assert.True(t, sawLagged, "expected a LAGGED marker before disconnect")
				return
			}
			if ev.Status == domain.EventLagged {
				sawLagged = true
			}
		case <-deadline:
			t.Fatal("subscriber never disconnected")
		}
	}
}

func TestManager_ShutdownEmitsTerminated(t *testing.T) {
	bus := newFakeBus()
	m := NewManager(bus, Options{MaxConnectionsPerJob: 10, ReaperInterval: time.Hour})

	sub, err := m.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	ev := recvEvent(t, sub)
	assert.Equal(t, domain.EventTerminated, ev.Status)
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Subscribing after shutdown fails.
	_, err = m.Subscribe(context.Background(), "job-2")
	assert.Error(t, err)
}

func TestManager_BroadcastFailureSurfaced(t *testing.T) {
	bus := newFakeBus()
	m := newTestManager(t, bus, 10)

	bus.mu.Lock()
	bus.broken = true
	bus.mu.Unlock()

	err := m.Broadcast(context.Background(), "job-1", domain.StatusEvent{Status: string(domain.JobProcessing)})
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavail)
}

func TestManager_ReaperRemovesStrays(t *testing.T) {
	bus := newFakeBus()
	m := NewManager(bus, Options{MaxConnectionsPerJob: 10, ReaperInterval: 20 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	// Manufacture a stray: a stream whose subscriber set is empty but which
	// still sits in the registry.
	sub, err := m.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)
	m.mu.Lock()
	if st, ok := m.streams["job-1"]; ok {
		delete(st.subs, sub)
	}
	m.mu.Unlock()

	assert.Eventually(t, func() bool {
		m.mu.Lock()
		_, ok := m.streams["job-1"]
		m.mu.Unlock()
		return !ok && bus.subscriptions(domain.JobTopic("job-1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
