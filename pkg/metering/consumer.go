package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garudex-labs/caracal/pkg/bus"
	"github.com/garudex-labs/caracal/pkg/ledger"
)

// ConsumerGroupName is the shared group the metering consumer commits
// under. One instance owns the whole topic; the store insert is keyed by
// event id, so a second instance would only burn polls, not double-count.
const ConsumerGroupName = "metering-store"

// Consumer copies metering events from the bus into the queryable store
// and releases the provisional charge a final event points at, all inside
// the delivery transaction.
type Consumer struct {
	store  *Store
	group  *bus.ConsumerGroup
	logger *slog.Logger
}

func NewConsumer(b *bus.Bus, store *Store, logger *slog.Logger) *Consumer {
	return &Consumer{
		store:  store,
		group:  b.Consumer(ConsumerGroupName, bus.TopicMeteringEvents),
		logger: logger.With(slog.String("component", "metering_consumer")),
	}
}

// Handler returns the bus handler. Undecodable or invalid payloads fail
// every retry and land in the dead-letter queue; the ledger writer consumes
// the same topic under its own group, so a row rejected here still reaches
// the ledger schema check independently.
func (c *Consumer) Handler() bus.Handler {
	return func(ctx context.Context, tx *sql.Tx, msg *bus.Message) error {
		var envelope ledger.Event
		if err := json.Unmarshal(msg.Value, &envelope); err != nil {
			return fmt.Errorf("metering: decode event: %w", err)
		}

		var usage Usage
		if len(envelope.Payload) > 0 {
			if err := json.Unmarshal(envelope.Payload, &usage); err != nil {
				return fmt.Errorf("metering: decode usage payload: %w", err)
			}
		}
		if err := usage.Validate(); err != nil {
			return err
		}
		if envelope.EventID == "" || envelope.PrincipalID == "" {
			return errors.New("metering: event missing id or principal")
		}
		recordedAt, err := time.Parse(time.RFC3339, envelope.Timestamp)
		if err != nil {
			return fmt.Errorf("metering: parse event timestamp: %w", err)
		}

		quantity, _ := decimal.NewFromString(usage.Quantity)
		cost, _ := decimal.NewFromString(usage.Cost)
		event := &Event{
			EventID:             envelope.EventID,
			PrincipalID:         envelope.PrincipalID,
			MandateID:           envelope.MandateID,
			ResourceType:        usage.ResourceType,
			Quantity:            quantity,
			Cost:                cost,
			Currency:            usage.Currency,
			ProvisionalChargeID: usage.ProvisionalChargeID,
			CorrelationID:       envelope.CorrelationID,
			RecordedAt:          recordedAt,
		}

		inserted, err := c.store.RecordTx(ctx, tx, event)
		if err != nil {
			return err
		}
		if !inserted {
			c.logger.Debug("duplicate metering event skipped",
				slog.String("event_id", event.EventID))
			return nil
		}

		if usage.ProvisionalChargeID != "" {
			_, err := c.store.FinalizeTx(ctx, tx, usage.ProvisionalChargeID, event.EventID)
			switch {
			case errors.Is(err, ErrChargeNotFound), errors.Is(err, ErrChargeReleased):
				// The hold was swept or never existed here. The recorded
				// event is still the truth about the cost.
				c.logger.Warn("final event references unsettleable charge",
					slog.String("event_id", event.EventID),
					slog.String("charge_id", usage.ProvisionalChargeID),
					slog.Any("cause", err))
			case err != nil:
				return err
			}
		}
		return nil
	}
}

// Poll drains pending metering events once.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	return c.group.Poll(ctx, c.Handler())
}

// Run consumes until the context ends.
func (c *Consumer) Run(ctx context.Context) error {
	return c.group.Run(ctx, c.Handler())
}
