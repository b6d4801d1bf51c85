package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/garudex-labs/caracal/pkg/bus"
	"github.com/garudex-labs/caracal/pkg/policy"
)

// InvalidationConsumer drops cache entries when their policy changes, so a
// cached policy lags by the poll interval instead of the full TTL. Every
// gateway instance passes its own group name; the policy.changes topic
// must fan out to all of them.
type InvalidationConsumer struct {
	cache  *PolicyCache
	group  *bus.ConsumerGroup
	logger *slog.Logger
}

func NewInvalidationConsumer(b *bus.Bus, cache *PolicyCache, group string, logger *slog.Logger) *InvalidationConsumer {
	return &InvalidationConsumer{
		cache:  cache,
		group:  b.Consumer(group, bus.TopicPolicyChanges),
		logger: logger.With(slog.String("component", "cache_invalidator")),
	}
}

// Handler decodes a policy change and invalidates the principal's entry.
func (ic *InvalidationConsumer) Handler() bus.Handler {
	return func(_ context.Context, _ *sql.Tx, msg *bus.Message) error {
		var change policy.ChangeEvent
		if err := json.Unmarshal(msg.Value, &change); err != nil {
			return fmt.Errorf("cache: decode policy change: %w", err)
		}
		if change.PrincipalID == "" {
			return nil
		}
		if ic.cache.Invalidate(change.PrincipalID) {
			ic.logger.Info("cached policy invalidated",
				slog.String("principal_id", change.PrincipalID),
				slog.String("change_type", string(change.ChangeType)))
		}
		return nil
	}
}

// Poll drains pending changes once.
func (ic *InvalidationConsumer) Poll(ctx context.Context) (int, error) {
	return ic.group.Poll(ctx, ic.Handler())
}

// Run consumes until the context ends.
func (ic *InvalidationConsumer) Run(ctx context.Context) error {
	return ic.group.Run(ctx, ic.Handler())
}
