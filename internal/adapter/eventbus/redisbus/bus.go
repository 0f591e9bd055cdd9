// Package redisbus implements the EventBus port on Redis pub/sub.
//
// Every gateway replica publishes job status events to the topic
// sse:job:{job_id}; each replica with local SSE subscribers holds one Redis
// subscription per job and fans events out in-process. The publishing replica
// receives its own publication back through Redis so that local and remote
// delivery share one code path.
package redisbus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

// Bus implements domain.EventBus on a Redis client.
type Bus struct {
	rdb *redis.Client
	// buffer bounds the per-subscription event channel.
	buffer int
}

// New constructs a Bus. A zero buffer defaults to 64 events per subscription.
func New(rdb *redis.Client, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{rdb: rdb, buffer: buffer}
}

// NewClient parses a Redis URL into a client.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisbus.NewClient: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Publish sends the JSON-encoded envelope to the topic. Failures are the
// caller's to log and count; the bus never retries.
func (b *Bus) Publish(ctx domain.Context, topic string, ev domain.StatusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=redisbus.publish: %w", err)
	}
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("op=redisbus.publish: %w", err)
	}
	return nil
}

// Subscribe opens a Redis subscription on the topic and pumps decoded events
// into a bounded channel until Close is called or the subscription breaks.
// The returned subscription's Events channel is closed on either path.
func (b *Bus) Subscribe(ctx domain.Context, topic string) (domain.BusSubscription, error) {
	pubsub := b.rdb.Subscribe(ctx, topic)
	// Receive forces the SUBSCRIBE round-trip so a broken bus surfaces here
	// instead of as a silent dead channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("op=redisbus.subscribe: %w", domain.ErrUpstreamUnavail)
	}

	sub := &subscription{
		pubsub: pubsub,
		events: make(chan domain.StatusEvent, b.buffer),
	}
	go sub.pump(topic)
	return sub, nil
}

type subscription struct {
	pubsub *redis.PubSub
	events chan domain.StatusEvent
}

func (s *subscription) Events() <-chan domain.StatusEvent { return s.events }

func (s *subscription) Close() error {
	// Closing the PubSub closes its Channel, which ends pump and closes events.
	return s.pubsub.Close()
}

func (s *subscription) pump(topic string) {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		var ev domain.StatusEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			observability.BusDeliveryErrorsTotal.Inc()
			slog.Warn("dropping undecodable bus event",
				slog.String("topic", topic),
				slog.Any("error", err))
			continue
		}
		select {
		case s.events <- ev:
		default:
			// The SSE manager drains promptly; a full channel means the local
			// consumer stalled. Dropping here keeps the bus reader healthy.
			observability.BusDeliveryErrorsTotal.Inc()
			slog.Warn("dropping bus event, subscription buffer full", slog.String("topic", topic))
		}
	}
}
