package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/garudex-labs/caracal/pkg/canonical"
	"github.com/garudex-labs/caracal/pkg/retry"
)

// Handler processes one message. The transaction also carries the offset
// commit: returning nil commits both together, returning an error rolls the
// whole attempt back. Handlers must do their durable work through tx.
type Handler func(ctx context.Context, tx *sql.Tx, msg *Message) error

const (
	defaultBatchSize    = 100
	defaultPollInterval = 200 * time.Millisecond
)

// DLQEnvelope wraps a message that exhausted its retry budget.
type DLQEnvelope struct {
	OriginalTopic string `json:"original_topic"`
	Partition     int    `json:"partition"`
	Offset        int64  `json:"offset"`
	Key           string `json:"key"`
	ValueBytes    []byte `json:"value_bytes"`
	ErrorType     string `json:"error_type"`
	ErrorMessage  string `json:"error_message"`
	RetryCount    int    `json:"retry_count"`
	FailedAt      string `json:"failed_at"`
	ConsumerGroup string `json:"consumer_group"`
}

// ConsumerGroup reads its topics partition by partition in offset order.
// Progress is durable in bus_offsets, so restarts resume where the last
// committed handler transaction left off.
type ConsumerGroup struct {
	bus          *Bus
	group        string
	topics       []string
	policy       retry.BackoffPolicy
	batchSize    int
	pollInterval time.Duration
	logger       *slog.Logger
}

// Consumer returns a consumer group over the given topics. A group that has
// never committed starts from the earliest retained message.
func (b *Bus) Consumer(group string, topics ...string) *ConsumerGroup {
	return &ConsumerGroup{
		bus:          b,
		group:        group,
		topics:       topics,
		policy:       retry.DefaultPolicy(),
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
		logger: b.logger.With(
			slog.String("component", "bus_consumer"),
			slog.String("group", group)),
	}
}

// WithPollInterval overrides the idle wait between polls.
func (c *ConsumerGroup) WithPollInterval(d time.Duration) *ConsumerGroup {
	if d > 0 {
		c.pollInterval = d
	}
	return c
}

// WithBatchSize overrides how many messages one partition drain may take.
func (c *ConsumerGroup) WithBatchSize(n int) *ConsumerGroup {
	if n > 0 {
		c.batchSize = n
	}
	return c
}

// WithRetryPolicy overrides the per-message retry schedule.
func (c *ConsumerGroup) WithRetryPolicy(policy retry.BackoffPolicy) *ConsumerGroup {
	c.policy = policy
	return c
}

// Run consumes until the context ends, sleeping pollInterval between empty
// polls and draining continuously while messages flow. Handler failures are
// retried per message and dead-lettered on exhaustion; ErrBackpressure
// pauses the group without consuming a retry attempt.
func (c *ConsumerGroup) Run(ctx context.Context, handler Handler) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		n, err := c.Poll(ctx, handler)
		switch {
		case err == nil:
		case errors.Is(err, ErrBackpressure):
			c.logger.Debug("consumer paused", slog.Any("cause", err))
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			c.logger.Warn("poll failed", slog.Any("error", err))
		}

		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll drains each owned partition once, in topic then partition order, and
// returns how many messages were settled (committed or dead-lettered).
func (c *ConsumerGroup) Poll(ctx context.Context, handler Handler) (int, error) {
	total := 0
	for _, topic := range c.topics {
		for partition := 0; partition < c.bus.partitions; partition++ {
			n, err := c.drainPartition(ctx, topic, partition, handler)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (c *ConsumerGroup) drainPartition(ctx context.Context, topic string, partition int, handler Handler) (int, error) {
	next, err := c.bus.committedOffset(ctx, c.group, topic, partition)
	if err != nil {
		return 0, err
	}
	msgs, err := c.bus.readFrom(ctx, topic, partition, next, c.batchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if err := c.handleMessage(ctx, msg, handler); err != nil {
			return settled, err
		}
		settled++
	}
	return settled, nil
}

// handleMessage runs the handler with the offset commit in the same
// transaction, retrying per the policy. On exhaustion the message is
// dead-lettered and progress commits past it.
func (c *ConsumerGroup) handleMessage(ctx context.Context, msg *Message, handler Handler) error {
	var lastErr error
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := retry.Backoff(retry.BackoffParams{
				Topic:        msg.Topic,
				Partition:    msg.Partition,
				Offset:       msg.Offset,
				Group:        c.group,
				AttemptIndex: attempt,
			}, c.policy)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := c.bus.db.WithTx(ctx, func(tx *sql.Tx) error {
			if err := handler(ctx, tx, msg); err != nil {
				return err
			}
			return c.bus.commitOffsetTx(ctx, tx, c.group, msg.Topic, msg.Partition, msg.Offset+1, c.bus.clock().UTC())
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBackpressure) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		c.logger.Warn("handler attempt failed",
			slog.String("topic", msg.Topic),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	return c.deadLetter(ctx, msg, lastErr)
}

// deadLetter writes the failure envelope to the DLQ topic and commits
// progress past the poisoned message, atomically.
func (c *ConsumerGroup) deadLetter(ctx context.Context, msg *Message, cause error) error {
	envelope := DLQEnvelope{
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           msg.Key,
		ValueBytes:    msg.Value,
		ErrorType:     errorType(cause),
		ErrorMessage:  cause.Error(),
		RetryCount:    c.policy.MaxAttempts,
		FailedAt:      canonical.Timestamp(c.bus.clock()),
		ConsumerGroup: c.group,
	}
	value, err := canonical.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal dlq envelope: %w", err)
	}

	err = c.bus.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := c.bus.appendTx(ctx, tx, TopicDLQ, msg.Key, value, nil, c.bus.clock().UTC()); err != nil {
			return err
		}
		return c.bus.commitOffsetTx(ctx, tx, c.group, msg.Topic, msg.Partition, msg.Offset+1, c.bus.clock().UTC())
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s/%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}

	c.logger.Error("message dead-lettered",
		slog.String("topic", msg.Topic),
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
		slog.Int("retry_count", c.policy.MaxAttempts),
		slog.Any("error", cause))
	return nil
}

// errorType names the innermost error's Go type, mirroring how handler
// failures are classified in the DLQ envelope.
func errorType(err error) string {
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return fmt.Sprintf("%T", root)
}
