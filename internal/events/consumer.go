package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/nullvector/scrapectl/internal/types"
)

// TaskSubmitter accepts an externally-submitted scrape task. The
// orchestrator implements this to receive commands ingested from
// TopicCommands alongside admin-API submissions.
type TaskSubmitter interface {
	Submit(task *types.Task) error
}

// CommandConsumer reads scrape task submissions off TopicCommands and hands
// each decoded Task to a TaskSubmitter. One consumer group member per
// orchestrator process; partition assignment provides the fan-out.
type CommandConsumer struct {
	client   *kgo.Client
	logger   *slog.Logger
	submitter TaskSubmitter
}

// NewCommandConsumer joins groupID against TopicCommands on the given
// brokers.
func NewCommandConsumer(endpoint, groupID string, submitter TaskSubmitter, logger *slog.Logger) (*CommandConsumer, error) {
	brokers := splitBrokers(endpoint)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("event bus endpoint is empty")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing consumer group id")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(string(TopicCommands)),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("create command consumer: %w", err)
	}

	return &CommandConsumer{
		client:    client,
		logger:    logger.With("component", "command_consumer"),
		submitter: submitter,
	}, nil
}

// Run polls TopicCommands until ctx is canceled, decoding each record as a
// Message wrapping a types.Task and submitting it. Malformed records are
// logged and skipped rather than blocking the partition.
func (c *CommandConsumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warn("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			var msg Message
			if err := json.Unmarshal(rec.Value, &msg); err != nil {
				c.logger.Warn("dropping malformed command record", "error", err)
				return
			}

			task, err := decodeTask(msg)
			if err != nil {
				c.logger.Warn("dropping command with undecodable task payload", "error", err, "message_id", msg.MessageID)
				return
			}

			if err := c.submitter.Submit(task); err != nil {
				c.logger.Warn("task submission failed", "error", err, "task_id", task.ID)
			}
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.logger.Warn("commit offsets failed", "error", err)
		}
	}
}

func decodeTask(msg Message) (*types.Task, error) {
	raw, err := json.Marshal(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("re-marshal command payload: %w", err)
	}
	var task types.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

// Close releases the underlying client.
func (c *CommandConsumer) Close() error {
	c.client.Close()
	return nil
}
