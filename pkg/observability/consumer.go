package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/garudex-labs/caracal/pkg/bus"
	"github.com/garudex-labs/caracal/pkg/ledger"
	"github.com/garudex-labs/caracal/pkg/metering"
)

// MetricsGroupName is the consumer group the aggregator commits under.
const MetricsGroupName = "metrics-aggregator"

// MetricsConsumer mirrors metering traffic into OpenTelemetry instruments:
// processed-event and cost counters keyed by principal and resource type,
// plus a lag gauge observed from the bus on every metric collection. It
// keeps no state of its own; the instruments are the product.
//
// Counter updates are not part of the delivery transaction, so a
// redelivered message counts again. The metering store consumer owns data
// quality on this topic; payloads it would reject are skipped here with a
// log line instead of a second dead-letter entry.
type MetricsConsumer struct {
	bus    *bus.Bus
	group  *bus.ConsumerGroup
	logger *slog.Logger

	events       metric.Int64Counter
	cost         metric.Float64Counter
	lag          metric.Int64ObservableGauge
	registration metric.Registration
}

// NewMetricsConsumer builds the aggregator on the provider's meter. With
// telemetry disabled the instruments are no-ops and consumption still
// advances the group's offsets.
func NewMetricsConsumer(b *bus.Bus, provider *Provider, logger *slog.Logger) (*MetricsConsumer, error) {
	meter := provider.Meter()
	c := &MetricsConsumer{
		bus:    b,
		group:  b.Consumer(MetricsGroupName, bus.TopicMeteringEvents),
		logger: logger.With(slog.String("component", "metrics_aggregator")),
	}

	var err error
	c.events, err = meter.Int64Counter("caracal.metering.events.processed",
		metric.WithDescription("Metering events processed by principal and resource type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create event counter: %w", err)
	}

	c.cost, err = meter.Float64Counter("caracal.metering.cost",
		metric.WithDescription("Recorded cost by principal, resource type, and currency"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cost counter: %w", err)
	}

	c.lag, err = meter.Int64ObservableGauge("caracal.consumer.lag",
		metric.WithDescription("Messages between the committed offset and the partition head"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create lag gauge: %w", err)
	}

	c.registration, err = meter.RegisterCallback(c.observeLag, c.lag)
	if err != nil {
		return nil, fmt.Errorf("register lag callback: %w", err)
	}
	return c, nil
}

func (c *MetricsConsumer) observeLag(ctx context.Context, o metric.Observer) error {
	lags, err := c.bus.Lag(ctx, MetricsGroupName, bus.TopicMeteringEvents)
	if err != nil {
		return err
	}
	for _, l := range lags {
		o.ObserveInt64(c.lag, l.Lag, metric.WithAttributes(
			attribute.String("consumer_group", MetricsGroupName),
			attribute.String("topic", l.Topic),
			attribute.Int("partition", l.Partition),
		))
	}
	return nil
}

// Handler returns the bus handler. Undecodable envelopes dead-letter;
// decodable events missing a principal or resource type are skipped.
func (c *MetricsConsumer) Handler() bus.Handler {
	return func(ctx context.Context, _ *sql.Tx, msg *bus.Message) error {
		var envelope ledger.Event
		if err := json.Unmarshal(msg.Value, &envelope); err != nil {
			return fmt.Errorf("metrics: decode event: %w", err)
		}

		var usage metering.Usage
		if len(envelope.Payload) > 0 {
			if err := json.Unmarshal(envelope.Payload, &usage); err != nil {
				return fmt.Errorf("metrics: decode usage payload: %w", err)
			}
		}
		if envelope.PrincipalID == "" || usage.ResourceType == "" {
			c.logger.Warn("metering event missing principal or resource type",
				slog.String("event_id", envelope.EventID))
			return nil
		}

		c.events.Add(ctx, 1, metric.WithAttributes(
			attribute.String("principal_id", envelope.PrincipalID),
			attribute.String("resource_type", usage.ResourceType),
		))

		if cost, err := decimal.NewFromString(usage.Cost); err == nil && cost.IsPositive() {
			c.cost.Add(ctx, cost.InexactFloat64(), metric.WithAttributes(
				attribute.String("principal_id", envelope.PrincipalID),
				attribute.String("resource_type", usage.ResourceType),
				attribute.String("currency", usage.Currency),
			))
		}
		return nil
	}
}

// Poll drains pending metering events once.
func (c *MetricsConsumer) Poll(ctx context.Context) (int, error) {
	return c.group.Poll(ctx, c.Handler())
}

// Run consumes until the context ends.
func (c *MetricsConsumer) Run(ctx context.Context) error {
	return c.group.Run(ctx, c.Handler())
}

// Close unregisters the lag callback.
func (c *MetricsConsumer) Close() error {
	if c.registration != nil {
		return c.registration.Unregister()
	}
	return nil
}
