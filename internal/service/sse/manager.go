// Package sse fans job status events out to local SSE subscribers.
//
// Each replica keeps its own registry of per-job streams. A stream holds one
// EventBus subscription and exists exactly while the job has at least one
// local subscriber, so a replica with no watchers for a job carries no bus
// subscription for it. Broadcasts always go through the bus; the publishing
// replica receives its own publication back, which keeps local and remote
// subscribers on one delivery path.
package sse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

// Close reasons recorded in metrics.
const (
	CloseTerminal   = "terminal"
	CloseTimeout    = "timeout"
	CloseDisconnect = "disconnect"
	CloseLagged     = "lagged"
	CloseShutdown   = "shutdown"
	CloseError      = "error"
)

const (
	// subscriberBuffer bounds each subscriber's event channel.
	subscriberBuffer = 16
	// maxLagStrikes disconnects a subscriber that keeps falling behind.
	maxLagStrikes = 3
	// maxResubscribeTime caps the backoff spent re-establishing a dropped
	// bus subscription before the stream gives up.
	maxResubscribeTime = 30 * time.Second
)

// Options tunes the manager; zero values select the defaults.
type Options struct {
	MaxConnectionsPerJob int
	ReaperInterval       time.Duration
}

// Manager owns the per-job stream registry.
type Manager struct {
	bus     domain.EventBus
	maxConn int

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager constructs a Manager and starts its reaper.
func NewManager(bus domain.EventBus, opts Options) *Manager {
	if opts.MaxConnectionsPerJob <= 0 {
		opts.MaxConnectionsPerJob = 10
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = 5 * time.Minute
	}
	m := &Manager{
		bus:     bus,
		maxConn: opts.MaxConnectionsPerJob,
		streams: make(map[string]*stream),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.reap(opts.ReaperInterval)
	return m
}

// Subscriber is one local SSE client attached to a job stream.
type Subscriber struct {
	jobID string

	mu         sync.Mutex
	ch         chan domain.StatusEvent
	closed     bool
	lagStrikes int
}

// Events yields this subscriber's events. The channel is closed when the
// subscriber is detached for any reason; a terminal event, when one arrives,
// is always the last event before close.
func (s *Subscriber) Events() <-chan domain.StatusEvent { return s.ch }

// JobID reports the job the subscriber watches.
func (s *Subscriber) JobID() string { return s.jobID }

// Subscribe attaches a local subscriber to the job's stream, creating the
// stream and its bus subscription on the first attach.
func (m *Manager) Subscribe(ctx domain.Context, jobID string) (*Subscriber, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("op=sse.subscribe: %w", domain.ErrInternal)
	}
	st, ok := m.streams[jobID]
	if ok {
		if len(st.subs) >= m.maxConn {
			m.mu.Unlock()
			return nil, fmt.Errorf("op=sse.subscribe job_id=%s: %w", jobID, domain.ErrTooManyConnections)
		}
		sub := newSubscriber(jobID)
		st.subs[sub] = struct{}{}
		m.mu.Unlock()
		observability.StreamOpened()
		return sub, nil
	}
	m.mu.Unlock()

	// First local subscriber for this job. The bus subscription is opened
	// outside the registry lock; a racing Subscribe may have created the
	// stream meanwhile, in which case ours is redundant and closed again.
	busSub, err := m.bus.Subscribe(ctx, domain.JobTopic(jobID))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = busSub.Close()
		return nil, fmt.Errorf("op=sse.subscribe: %w", domain.ErrInternal)
	}
	if st, ok = m.streams[jobID]; ok {
		_ = busSub.Close()
		if len(st.subs) >= m.maxConn {
			m.mu.Unlock()
			return nil, fmt.Errorf("op=sse.subscribe job_id=%s: %w", jobID, domain.ErrTooManyConnections)
		}
		sub := newSubscriber(jobID)
		st.subs[sub] = struct{}{}
		m.mu.Unlock()
		observability.StreamOpened()
		return sub, nil
	}

	st = &stream{
		jobID:  jobID,
		busSub: busSub,
		subs:   make(map[*Subscriber]struct{}),
	}
	sub := newSubscriber(jobID)
	st.subs[sub] = struct{}{}
	m.streams[jobID] = st
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pump(st)
	observability.StreamOpened()
	return sub, nil
}

// Unsubscribe detaches the subscriber; reason feeds the close metric. The
// stream and its bus subscription are torn down when the last subscriber
// leaves.
func (m *Manager) Unsubscribe(sub *Subscriber, reason string) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	st, ok := m.streams[sub.jobID]
	if ok {
		if _, attached := st.subs[sub]; !attached {
			ok = false
		} else {
			delete(st.subs, sub)
			if len(st.subs) == 0 {
				delete(m.streams, sub.jobID)
				st.detached = true
			} else {
				st = nil
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	observability.StreamClosed(reason)
	if st != nil {
		_ = st.busSub.Close()
	}
}

// Broadcast publishes the event to the job's bus topic. Local subscribers on
// this replica receive it through the bus like everyone else. Failures are
// logged and counted, never retried.
func (m *Manager) Broadcast(ctx domain.Context, jobID string, ev domain.StatusEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := m.bus.Publish(ctx, domain.JobTopic(jobID), ev); err != nil {
		observability.BusPublishErrorsTotal.Inc()
		slog.Error("sse broadcast failed",
			slog.String("job_id", jobID),
			slog.String("status", ev.Status),
			slog.Any("error", err))
		return err
	}
	return nil
}

// Shutdown emits TERMINATED to every subscriber, closes all streams, and
// waits for the pumps and reaper to exit.
func (m *Manager) Shutdown(ctx domain.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	streams := make([]*stream, 0, len(m.streams))
	for id, st := range m.streams {
		delete(m.streams, id)
		st.detached = true
		streams = append(streams, st)
	}
	close(m.done)
	m.mu.Unlock()

	terminated := domain.StatusEvent{
		Status:    domain.EventTerminated,
		Message:   "server shutting down",
		Timestamp: time.Now().UTC(),
	}
	for _, st := range streams {
		for sub := range st.subs {
			sub.offer(terminated)
			sub.close()
			observability.StreamClosed(CloseShutdown)
		}
		_ = st.busSub.Close()
	}

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stream struct {
	jobID  string
	busSub domain.BusSubscription
	// subs and detached are guarded by the manager's mutex.
	subs     map[*Subscriber]struct{}
	detached bool
}

// pump moves bus events to local subscribers until the stream detaches or a
// terminal event arrives. It never holds the registry lock across a channel
// send.
func (m *Manager) pump(st *stream) {
	defer m.wg.Done()
	busSub := st.busSub
	for {
		ev, ok := <-busSub.Events()
		if !ok {
			replacement, err := m.resubscribe(st)
			if err != nil {
				m.failStream(st, err)
				return
			}
			if replacement == nil {
				return // stream already detached
			}
			busSub = replacement
			continue
		}

		subs := m.snapshot(st)
		if subs == nil {
			return
		}
		for _, sub := range subs {
			if !sub.offer(ev) {
				m.Unsubscribe(sub, CloseLagged)
			}
		}

		if ev.IsTerminal() {
			m.closeStream(st, CloseTerminal)
			return
		}
	}
}

// snapshot copies the subscriber set, or returns nil if the stream detached.
func (m *Manager) snapshot(st *stream) []*Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.detached {
		return nil
	}
	subs := make([]*Subscriber, 0, len(st.subs))
	for sub := range st.subs {
		subs = append(subs, sub)
	}
	return subs
}

// resubscribe re-establishes the bus subscription after a drop. Returns nil
// with no error when the stream detached while retrying.
func (m *Manager) resubscribe(st *stream) (domain.BusSubscription, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = maxResubscribeTime

	var busSub domain.BusSubscription
	op := func() error {
		m.mu.Lock()
		detached := st.detached
		m.mu.Unlock()
		if detached {
			return nil
		}
		select {
		case <-m.done:
			return nil
		default:
		}
		var err error
		busSub, err = m.bus.Subscribe(context.Background(), domain.JobTopic(st.jobID))
		return err
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	if busSub == nil {
		return nil, nil
	}
	slog.Info("sse stream resubscribed to bus", slog.String("job_id", st.jobID))
	m.mu.Lock()
	st.busSub = busSub
	detached := st.detached
	m.mu.Unlock()
	if detached {
		_ = busSub.Close()
		return nil, nil
	}
	return busSub, nil
}

// failStream emits ERROR to every subscriber and tears the stream down.
func (m *Manager) failStream(st *stream, err error) {
	slog.Error("sse stream lost its bus subscription",
		slog.String("job_id", st.jobID),
		slog.Any("error", err))
	ev := domain.StatusEvent{
		Status:    domain.EventError,
		Message:   "event stream interrupted",
		Timestamp: time.Now().UTC(),
	}
	m.mu.Lock()
	if st.detached {
		m.mu.Unlock()
		return
	}
	delete(m.streams, st.jobID)
	st.detached = true
	subs := make([]*Subscriber, 0, len(st.subs))
	for sub := range st.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.offer(ev)
		sub.close()
		observability.StreamClosed(CloseError)
	}
	_ = st.busSub.Close()
}

// closeStream detaches every subscriber after a terminal event was delivered.
func (m *Manager) closeStream(st *stream, reason string) {
	m.mu.Lock()
	if st.detached {
		m.mu.Unlock()
		return
	}
	delete(m.streams, st.jobID)
	st.detached = true
	subs := make([]*Subscriber, 0, len(st.subs))
	for sub := range st.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.close()
		observability.StreamClosed(reason)
	}
	_ = st.busSub.Close()
}

// reap removes zero-subscriber strays left by races between detach paths.
func (m *Manager) reap(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		var strays []*stream
		for id, st := range m.streams {
			if len(st.subs) == 0 {
				delete(m.streams, id)
				st.detached = true
				strays = append(strays, st)
			}
		}
		m.mu.Unlock()

		for _, st := range strays {
			slog.Warn("reaped stray sse stream", slog.String("job_id", st.jobID))
			_ = st.busSub.Close()
		}
	}
}

func newSubscriber(jobID string) *Subscriber {
	return &Subscriber{
		jobID: jobID,
		ch:    make(chan domain.StatusEvent, subscriberBuffer),
	}
}

// offer delivers without blocking. On a full buffer it drops the oldest event
// and injects a LAGGED marker; three strikes and the subscriber reports
// itself undeliverable (false) so the caller disconnects it.
func (s *Subscriber) offer(ev domain.StatusEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
	}

	s.lagStrikes++
	if s.lagStrikes >= maxLagStrikes {
		return false
	}
	// Make room for the lag marker plus the event itself.
	for i := 0; i < 2; i++ {
		select {
		case <-s.ch:
		default:
		}
	}
	s.ch <- domain.StatusEvent{
		Status:    domain.EventLagged,
		Message:   "events dropped, client too slow",
		Timestamp: time.Now().UTC(),
	}
	s.ch <- ev
	return true
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
