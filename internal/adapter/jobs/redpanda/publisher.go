// Package redpanda publishes post-insertion jobs to Redpanda/Kafka.
//
// After a successful back-fill insertion the pipeline emits a "past-data
// inserted" job so downstream recomputation (daily aggregates, monthly
// records) can be scheduled.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/meteologic/meteodata-collector/internal/domain"
)

// TopicPastData is the topic carrying past-data-inserted jobs.
const TopicPastData = "meteodata-past-data"

// Publisher wraps a Kafka producer and implements domain.JobPublisher.
// It is safe for concurrent use; kgo serializes produce internally.
type Publisher struct {
	client *kgo.Client
}

// NewPublisher constructs a Publisher against the given brokers.
func NewPublisher(brokers []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=jobs.publisher: no seed brokers provided")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.publisher: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, TopicPastData, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", TopicPastData),
			slog.Any("error", err))
	}
	return &Publisher{client: client}, nil
}

// PublishPastData emits one job. Keyed by station so one station's jobs stay
// ordered within a partition.
func (p *Publisher) PublishPastData(ctx context.Context, job domain.PastDataJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=jobs.publish: %w", err)
	}
	record := &kgo.Record{
		Topic: TopicPastData,
		Key:   []byte(job.Station.String()),
		Value: b,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=jobs.publish: %w", err)
	}
	return nil
}

// Close flushes and releases the producer.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}

var _ domain.JobPublisher = (*Publisher)(nil)
