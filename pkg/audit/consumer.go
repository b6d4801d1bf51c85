package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/garudex-labs/caracal/pkg/bus"
)

// ConsumerGroupName is the group the audit consumer commits under.
const ConsumerGroupName = "audit-logger"

// UnknownEventType marks entries whose payload did not declare what it
// was. The message is still audited; the trail must not lose traffic
// just because a producer was sloppy about its envelope.
const UnknownEventType = "unknown"

// auditTopics is every topic worth a trail entry. The dead-letter queue
// is excluded: its messages are copies of originals already audited here,
// wrapped in a failure envelope.
func auditTopics() []string {
	return []string{
		bus.TopicAuthorityEvents,
		bus.TopicMeteringEvents,
		bus.TopicPolicyChanges,
		bus.TopicAgentLifecycle,
	}
}

// wireEvent is the union of the envelope fields the business topics
// carry. Authority and metering events declare kind; policy.changes
// carries change_type and agent.lifecycle carries lifecycle, which the
// consumer qualifies with the subject so "created" stays unambiguous
// across topics.
type wireEvent struct {
	EventID       string `json:"event_id"`
	Kind          string `json:"kind"`
	ChangeType    string `json:"change_type"`
	Lifecycle     string `json:"lifecycle"`
	Timestamp     string `json:"timestamp"`
	PrincipalID   string `json:"principal_id"`
	CorrelationID string `json:"correlation_id"`
}

func (w *wireEvent) eventType() string {
	switch {
	case w.Kind != "":
		return w.Kind
	case w.ChangeType != "":
		return "policy_" + w.ChangeType
	case w.Lifecycle != "":
		return "agent_" + w.Lifecycle
	}
	return UnknownEventType
}

// Consumer copies every business-topic message into the audit store
// inside the delivery transaction, so the trail entry and the offset
// commit land together.
type Consumer struct {
	store  *Store
	group  *bus.ConsumerGroup
	logger *slog.Logger
}

func NewConsumer(b *bus.Bus, store *Store, logger *slog.Logger) *Consumer {
	return &Consumer{
		store:  store,
		group:  b.Consumer(ConsumerGroupName, auditTopics()...),
		logger: logger.With(slog.String("component", "audit_consumer")),
	}
}

// Handler returns the bus handler. Only a payload that does not decode
// as an event envelope is refused, which fails its retries and lands it
// in the dead-letter queue; a decodable envelope with missing fields is
// audited with fallbacks instead, because a half-formed event is exactly
// the kind of traffic an investigation wants to see.
func (c *Consumer) Handler() bus.Handler {
	return func(ctx context.Context, tx *sql.Tx, msg *bus.Message) error {
		var envelope wireEvent
		if err := json.Unmarshal(msg.Value, &envelope); err != nil {
			return fmt.Errorf("audit: decode event on %s: %w", msg.Topic, err)
		}

		correlationID := envelope.CorrelationID
		if correlationID == "" {
			correlationID = msg.Headers[bus.HeaderCorrelationID]
		}
		eventTimestamp := msg.PublishedAt
		if envelope.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339, envelope.Timestamp); err == nil {
				eventTimestamp = ts
			}
		}

		entry := &Entry{
			EventID:        envelope.EventID,
			EventType:      envelope.eventType(),
			Topic:          msg.Topic,
			Partition:      msg.Partition,
			Offset:         msg.Offset,
			EventTimestamp: eventTimestamp,
			PrincipalID:    envelope.PrincipalID,
			CorrelationID:  correlationID,
			EventData:      json.RawMessage(msg.Value),
		}
		if err := c.store.AppendTx(ctx, tx, entry); err != nil {
			return err
		}

		c.logger.Debug("audit entry appended",
			slog.String("event_id", entry.EventID),
			slog.String("event_type", entry.EventType),
			slog.String("topic", entry.Topic),
			slog.Int64("offset", entry.Offset))
		return nil
	}
}

// Poll drains pending messages once.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	return c.group.Poll(ctx, c.Handler())
}

// Run consumes until the context ends.
func (c *Consumer) Run(ctx context.Context) error {
	return c.group.Run(ctx, c.Handler())
}
