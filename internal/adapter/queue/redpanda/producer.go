// Package redpanda provides the producer side of the Redpanda/Kafka work queue.
//
// The gateway only publishes; external workers consume WorkMessages, perform
// the generation, and report back through the callback endpoint. Delivery is
// at-least-once; callbacks are idempotent.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/queue/compress"
	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/ai-apply-gateway/internal/observability"
)

const (
	// TopicGenerate is the work topic consumed by generation workers.
	TopicGenerate = "generate-jobs"
	// TopicGenerateDLQ receives messages that exhaust the worker-side retry budget.
	TopicGenerateDLQ = "generate-jobs-dlq"
)

// Producer wraps a transactional Kafka producer and implements domain.Queue.
type Producer struct {
	client *kgo.Client
	codec  *compress.Codec
	// transactionChan serializes transactions; franz-go allows a single
	// in-flight transaction per transactional client.
	transactionChan chan struct{}
}

// NewProducer constructs a Producer with a durable, transactional client and
// ensures the work and dead-letter topics exist.
func NewProducer(brokers []string, codec *compress.Codec) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, codec, "ai-apply-gateway-producer")
}

// NewProducerWithTransactionalID constructs a Producer with a custom
// transactional ID; tests use unique IDs to avoid conflicts.
func NewProducerWithTransactionalID(brokers []string, codec *compress.Codec, transactionalID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if codec == nil {
		codec, _ = compress.New(compress.None, 0)
	}

	kt := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer()))
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.WithHooks(kt.Hooks()...),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ctx := context.Background()
	for _, topic := range []string{TopicGenerate, TopicGenerateDLQ} {
		if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", topic),
				slog.Any("error", err))
		}
	}

	slog.Info("redpanda producer created",
		slog.Any("brokers", brokers),
		slog.String("transactional_id", transactionalID),
		slog.String("compression", codec.Algorithm()))
	return &Producer{
		client:          client,
		codec:           codec,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// PublishWork publishes a durable WorkMessage keyed and correlated by job id.
func (p *Producer) PublishWork(ctx domain.Context, msg domain.WorkMessage) error {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal work message: %w", err)
	}
	originalSize := len(body)
	encoded, err := p.codec.Encode(body)
	if err != nil {
		return fmt.Errorf("encode work message: %w", err)
	}

	headers := []kgo.RecordHeader{
		{Key: "job_id", Value: []byte(msg.JobID)},
		{Key: "correlation_id", Value: []byte(msg.JobID)},
	}
	if rid := obsctx.RequestIDFromContext(ctx); rid != "" {
		headers = append(headers, kgo.RecordHeader{Key: "request_id", Value: []byte(rid)})
	}
	if p.codec.Algorithm() != compress.None {
		headers = append(headers,
			kgo.RecordHeader{Key: compress.HeaderCompression, Value: []byte(p.codec.Algorithm())},
			kgo.RecordHeader{Key: compress.HeaderOriginalSize, Value: []byte(strconv.Itoa(originalSize))},
		)
	}

	record := &kgo.Record{
		Topic:   TopicGenerate,
		Key:     []byte(msg.JobID), // ordering per job
		Value:   encoded,
		Headers: headers,
	}

	if err := p.client.BeginTransaction(); err != nil {
		observability.QueuePublishErrorsTotal.Inc()
		return fmt.Errorf("begin transaction: %w", err)
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		observability.QueuePublishErrorsTotal.Inc()
		return fmt.Errorf("produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		observability.QueuePublishErrorsTotal.Inc()
		return fmt.Errorf("commit transaction: %w", err)
	}

	observability.DispatchJob()
	slog.Debug("work message published",
		slog.String("topic", TopicGenerate),
		slog.String("job_id", msg.JobID),
		slog.Int("payload_size", len(encoded)))
	return nil
}

// Ping checks broker reachability; used by the readiness probe.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
