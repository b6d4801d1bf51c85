package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/garudex-labs/caracal/pkg/bus"
)

// Writer turns bus messages into ledger rows. Each message is validated
// against the schema for its topic, deduplicated by producer event id, and
// appended inside the consumer's transaction so the append and the offset
// commit land together.
type Writer struct {
	store   *Store
	batcher *Batcher
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

func NewWriter(store *Store, batcher *Batcher, logger *slog.Logger) (*Writer, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Writer{
		store:   store,
		batcher: batcher,
		schemas: schemas,
		logger:  logger.With(slog.String("component", "ledger_writer")),
	}, nil
}

func (w *Writer) schemaForTopic(topic string) *jsonschema.Schema {
	if topic == bus.TopicMeteringEvents {
		return w.schemas[schemaMetering]
	}
	return w.schemas[schemaAuthority]
}

// Handler returns the consumer handler for authority.events and
// metering.events. Schema-invalid messages fail every retry and land in the
// dead-letter queue; a full batch backlog surfaces as backpressure so the
// append rolls back and the message is redelivered once signing catches up.
func (w *Writer) Handler() bus.Handler {
	return func(ctx context.Context, tx *sql.Tx, msg *bus.Message) error {
		var decoded any
		if err := json.Unmarshal(msg.Value, &decoded); err != nil {
			return fmt.Errorf("ledger: malformed event payload: %w", err)
		}
		if err := w.schemaForTopic(msg.Topic).Validate(decoded); err != nil {
			return fmt.Errorf("ledger: event rejected by schema: %w", err)
		}

		var e Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			return fmt.Errorf("ledger: decode event: %w", err)
		}

		seen, err := w.store.HasSourceTx(ctx, tx, e.EventID)
		if err != nil {
			return err
		}
		if seen {
			w.logger.Debug("duplicate event skipped",
				slog.String("source_event_id", e.EventID),
				slog.String("topic", msg.Topic))
			return nil
		}

		row := NewRow(&e)
		if err := w.store.AppendTx(ctx, tx, row); err != nil {
			return err
		}
		if err := w.batcher.Add(row.EventID, row.LeafHash); err != nil {
			if errors.Is(err, ErrBacklogFull) {
				return fmt.Errorf("%w: %v", bus.ErrBackpressure, err)
			}
			return err
		}
		return nil
	}
}
