package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	dErrors "vouch/pkg/domain-errors"
)

const pollBackoff = 2 * time.Second

// Consumer reads the progress topic as part of a consumer group and feeds
// the dispatcher. Offsets commit only after a poll is fully handled, so a
// crash mid-batch redelivers instead of losing events.
type Consumer struct {
	client     *kgo.Client
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewConsumer connects to the brokers and joins the consumer group on the
// given topic.
func NewConsumer(brokers []string, topic, group string, dispatcher *Dispatcher, logger *slog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "connect kafka consumer")
	}
	return &Consumer{client: client, dispatcher: dispatcher, logger: logger}, nil
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}

		fetchErr := false
		fetches.EachError(func(topic string, partition int32, err error) {
			fetchErr = true
			c.logger.Error("kafka fetch error", "topic", topic, "partition", partition, "error", err)
		})
		if fetchErr {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollBackoff):
			}
			continue
		}

		retry := false
		fetches.EachRecord(func(rec *kgo.Record) {
			if retry {
				return
			}
			if err := c.handle(ctx, rec); err != nil {
				retry = true
			}
		})
		if retry {
			// Skip the commit so the group redelivers from the last
			// committed offset. The ledger absorbs the replays.
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollBackoff):
			}
			continue
		}

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.logger.Error("kafka offset commit failed", "error", err)
		}
	}
}

// handle decodes and dispatches one record. Undecodable or invalid events
// are logged and dropped; only transient dispatch failures propagate.
func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) error {
	var env Envelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		c.logger.Error("undecodable event dropped",
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"error", err,
		)
		return nil
	}

	if err := c.dispatcher.Dispatch(ctx, &env); err != nil {
		if dErrors.HasCode(err, dErrors.CodeValidation) {
			c.logger.Warn("invalid event dropped",
				"event_id", env.EventID,
				"kind", env.Kind,
				"error", err,
			)
			return nil
		}
		c.logger.Error("event dispatch failed, will redeliver",
			"event_id", env.EventID,
			"kind", env.Kind,
			"error", err,
		)
		return err
	}
	return nil
}

// Close leaves the consumer group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
