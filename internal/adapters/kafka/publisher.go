// Package kafka publishes job lifecycle events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"

	"github.com/target/dwas-scanner/config"
	"github.com/target/dwas-scanner/internal/core"
	"github.com/target/dwas-scanner/internal/domain/model"
	"github.com/target/dwas-scanner/internal/observability/statsd"
)

var _ core.EventPublisher = (*Publisher)(nil)

// NewProducerConfig returns the sarama configuration used for event publishing.
func NewProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Retry.Max = 3
	cfg.Version = sarama.V3_6_0_0
	return cfg
}

// Connect dials the brokers with exponential backoff and returns a ready publisher.
func Connect(ctx context.Context, cfg config.EventsConfig, logger *slog.Logger, metrics statsd.Sink) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxElapsedTime = time.Minute

	var producer sarama.SyncProducer
	operation := func() error {
		p, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		producer = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.WarnContext(ctx, "kafka not reachable; retrying", "brokers", cfg.Brokers, "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}

	return NewPublisher(PublisherOptions{
		Producer: producer,
		Topic:    cfg.Topic,
		Logger:   logger,
		Metrics:  metrics,
	})
}

// PublisherOptions groups dependencies for Publisher.
type PublisherOptions struct {
	Producer sarama.SyncProducer // Required
	Topic    string              // Required
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// Publisher writes JobEvents as JSON, keyed by job id so a job's events stay ordered.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewPublisher wraps an existing producer.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Producer == nil {
		return nil, errors.New("producer is required")
	}
	if opts.Topic == "" {
		return nil, errors.New("topic is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		producer: opts.Producer,
		topic:    opts.Topic,
		logger:   logger.With("component", "kafka_publisher"),
		metrics:  opts.Metrics,
	}, nil
}

// Publish sends one event synchronously.
func (p *Publisher) Publish(ctx context.Context, evt model.JobEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", evt.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.JobID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(evt.Type)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.count("error", evt.Type)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", p.topic, err)
	}
	p.count("success", evt.Type)
	p.logger.DebugContext(ctx, "event published",
		"type", evt.Type,
		"job_id", evt.JobID,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

func (p *Publisher) count(result string, t model.JobEventType) {
	if p.metrics == nil {
		return
	}
	p.metrics.Count("events.published", 1, map[string]string{"result": result, "type": string(t)})
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
