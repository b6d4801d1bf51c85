package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/garudex-labs/caracal/pkg/retry"
)

const (
	// maxInflightPerPartition bounds concurrent sends into one partition so a
	// slow storage backend queues publishers instead of stacking transactions.
	maxInflightPerPartition = 5

	// DefaultSendTimeout applies when the caller's context carries no
	// deadline of its own.
	DefaultSendTimeout = 10 * time.Second
)

// Producer appends messages to the log, retrying transient storage failures
// until the context deadline.
type Producer struct {
	bus      *Bus
	policy   retry.BackoffPolicy
	inflight []chan struct{}
	timeout  time.Duration
	logger   *slog.Logger
}

// Producer returns a producer bound to this bus.
func (b *Bus) Producer() *Producer {
	inflight := make([]chan struct{}, b.partitions)
	for i := range inflight {
		inflight[i] = make(chan struct{}, maxInflightPerPartition)
	}
	return &Producer{
		bus:      b,
		policy:   retry.DefaultPolicy(),
		inflight: inflight,
		timeout:  DefaultSendTimeout,
		logger:   b.logger.With(slog.String("component", "bus_producer")),
	}
}

// WithSendTimeout overrides the fallback deadline for sends whose context
// has none.
func (p *Producer) WithSendTimeout(d time.Duration) *Producer {
	if d > 0 {
		p.timeout = d
	}
	return p
}

// Send appends one message, keyed for partition assignment. Delivery is
// acknowledged once the insert transaction commits. A message carrying an
// event-id header that the topic has already seen is dropped silently, so
// redelivered publishes stay idempotent. Sends that cannot commit before
// the deadline return ErrTransientPublish.
func (p *Producer) Send(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if !ValidTopic(topic) {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	partition := PartitionFor(key, p.bus.partitions)
	select {
	case p.inflight[partition] <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTransientPublish, ctx.Err())
	}
	defer func() { <-p.inflight[partition] }()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := retry.Backoff(retry.BackoffParams{
				Topic:        topic,
				Partition:    partition,
				Group:        "producer",
				AttemptIndex: attempt,
			}, p.policy)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %v", ErrTransientPublish, ctx.Err())
			case <-timer.C:
			}
		}

		err := p.bus.db.WithTx(ctx, func(tx *sql.Tx) error {
			_, _, err := p.bus.appendTx(ctx, tx, topic, key, value, headers, p.bus.clock().UTC())
			return err
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrTransientPublish, ctx.Err())
		}
		p.logger.Warn("publish attempt failed",
			slog.String("topic", topic),
			slog.Int("partition", partition),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
	}
}

// Publish sends without explicit headers, lifting a JSON event_id field
// from the payload into the dedup header when one is present. It satisfies
// the Publisher interfaces of the domain packages.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	var probe struct {
		EventID string `json:"event_id"`
	}
	var headers map[string]string
	if err := json.Unmarshal(value, &probe); err == nil && probe.EventID != "" {
		headers = map[string]string{HeaderEventID: probe.EventID}
	}
	return p.Send(ctx, topic, key, value, headers)
}
