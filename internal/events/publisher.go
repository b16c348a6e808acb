package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Topic names the publisher writes Message envelopes to. Consumers decode
// generically by Message.Type within a topic rather than relying on a
// one-topic-per-type scheme.
type Topic string

const (
	TopicJobs       Topic = "jobs"
	TopicEvents     Topic = "events"
	TopicEnrichment Topic = "enrichment"

	// TopicCommands carries externally-submitted scrape task requests,
	// decoded by CommandConsumer and handed to the orchestrator alongside admin
	// API submissions.
	TopicCommands Topic = "scraping-tasks"
)

// Publisher is the C9 capability set the orchestrator fans out to. key is
// the Kafka record key: callers publishing to the jobs topic MUST pass
// "job_<id>" per §4.9/§6 so per-job ordering and compaction key on the
// record's identity rather than the envelope's random message id.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, key string, msg Message) error
	Close() error
}

// JobKey formats the jobs-topic record key for a job record id, per §4.9's
// "publish to the event bus with key job_<id>".
func JobKey(jobID string) string {
	return "job_" + jobID
}

// KafkaPublisher publishes Message envelopes to a Kafka/Redpanda cluster
// with at-least-once delivery: each publish gets up to 3 attempts in all,
// waiting 100ms and then 400ms between them (exponential backoff capped at
// 1600ms), before the error is surfaced to the caller.
type KafkaPublisher struct {
	client *kgo.Client
	logger *slog.Logger
}

// NewKafkaPublisher dials brokers (a comma-separated endpoint list) and
// returns a ready Publisher.
func NewKafkaPublisher(endpoint, clientID string, logger *slog.Logger) (*KafkaPublisher, error) {
	brokers := splitBrokers(endpoint)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("event bus endpoint is empty")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &KafkaPublisher{client: client, logger: logger.With("component", "event_publisher")}, nil
}

func splitBrokers(endpoint string) []string {
	var out []string
	for _, b := range strings.Split(endpoint, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

// publishBackoff builds the three-attempt retry schedule: waits of 100ms
// then 400ms, on an exponential schedule capped at 1600ms.
func publishBackoff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.Multiplier = 4
	expo.MaxInterval = 1600 * time.Millisecond
	expo.RandomizationFactor = 0
	return backoff.WithContext(backoff.WithMaxRetries(expo, 2), ctx)
}

// Publish serializes msg and produces it onto topic keyed by key, retrying
// transient failures per publishBackoff before giving up. If key is empty,
// the envelope's message id is used (events/enrichment topics, where no
// compaction key is specified).
func (p *KafkaPublisher) Publish(ctx context.Context, topic Topic, key string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event message: %w", err)
	}

	if key == "" {
		key = msg.MessageID
	}

	record := &kgo.Record{
		Topic: string(topic),
		Key:   []byte(key),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(msg.Type)},
			{Key: "source", Value: []byte(msg.Source)},
		},
	}

	attempt := 0
	op := func() error {
		attempt++
		result := p.client.ProduceSync(ctx, record)
		if err := result.FirstErr(); err != nil {
			p.logger.Warn("publish attempt failed", "topic", topic, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, publishBackoff(ctx)); err != nil {
		return fmt.Errorf("publish to %s after %d attempts: %w", topic, attempt, err)
	}
	return nil
}

// Close releases the underlying client.
func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}

// NoopPublisher discards every message; used when the event bus is
// unconfigured (tests, single-shot CLI runs).
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Topic, string, Message) error { return nil }
func (NoopPublisher) Close() error                                         { return nil }
