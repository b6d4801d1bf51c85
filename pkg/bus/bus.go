// Package bus is the partitioned, ordered event log connecting Caracal's
// producers to its consumers. It runs in-process over the shared SQL
// backend: messages append to bus_events with a per-(topic,partition)
// offset allocated inside the insert transaction, and consumer groups
// commit their progress to bus_offsets in the same transaction as the
// handler's effects, giving exactly-once delivery at the effect boundary.
//
// Partition assignment is stable: fnv32a(key) mod the partition count, so
// every event for one principal lands on one partition and stays ordered.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/garudex-labs/caracal/pkg/database"
)

// Topic names are fixed. Producers may not invent new ones; a typo in a
// topic name would otherwise strand events where no consumer looks.
const (
	TopicAuthorityEvents = "authority.events"
	TopicMeteringEvents  = "metering.events"
	TopicPolicyChanges   = "policy.changes"
	TopicAgentLifecycle  = "agent.lifecycle"
	TopicDLQ             = "dlq"
)

// Message headers recognized by the bus.
const (
	// HeaderEventID deduplicates publishes: a second append with the same
	// event-id on the same topic is dropped.
	HeaderEventID = "event-id"
	// HeaderCorrelationID threads a request id through every event it caused.
	HeaderCorrelationID = "correlation-id"
)

// DefaultPartitions is the partition count per topic.
const DefaultPartitions = 8

var (
	// ErrUnknownTopic rejects publishes to topics outside the fixed set.
	ErrUnknownTopic = fmt.Errorf("bus: unknown topic")

	// ErrTransientPublish reports that a publish could not be acknowledged
	// before the context deadline. The caller may retry with a fresh deadline.
	ErrTransientPublish = fmt.Errorf("bus: transient publish failure")

	// ErrBackpressure is returned by handlers that cannot accept more work
	// right now. The consumer leaves the message uncommitted and retries on
	// the next poll without counting an attempt or dead-lettering.
	ErrBackpressure = fmt.Errorf("bus: consumer backpressure")

	// ErrNotFound reports a missing replay run.
	ErrNotFound = fmt.Errorf("bus: not found")
)

// Topics returns every fixed topic, DLQ included.
func Topics() []string {
	return []string{
		TopicAuthorityEvents,
		TopicMeteringEvents,
		TopicPolicyChanges,
		TopicAgentLifecycle,
		TopicDLQ,
	}
}

// ValidTopic reports whether name is one of the fixed topics.
func ValidTopic(name string) bool {
	for _, t := range Topics() {
		if t == name {
			return true
		}
	}
	return false
}

// PartitionFor maps a message key to its partition.
func PartitionFor(key string, partitions int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions)) //nolint:gosec // partitions is a small positive count
}

// Message is one entry in the log. Value is canonical JSON bytes; the bus
// never inspects it beyond optional header lifting.
type Message struct {
	Topic       string            `json:"topic"`
	Partition   int               `json:"partition"`
	Offset      int64             `json:"offset"`
	Key         string            `json:"key"`
	Value       []byte            `json:"value"`
	Headers     map[string]string `json:"headers,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
}

// Bus owns the log tables and hands out producers and consumer groups that
// share its database, clock, and partition count.
type Bus struct {
	db         *database.DB
	logger     *slog.Logger
	partitions int
	clock      func() time.Time
}

// Open creates the bus schema and returns a Bus with the default partition
// count.
func Open(db *database.DB, logger *slog.Logger) (*Bus, error) {
	b := &Bus{
		db:         db,
		logger:     logger.With(slog.String("component", "bus")),
		partitions: DefaultPartitions,
		clock:      time.Now,
	}
	if err := b.createSchema(); err != nil {
		return nil, fmt.Errorf("create bus schema: %w", err)
	}
	return b, nil
}

// WithPartitions overrides the partition count. Changing it on a log that
// already holds messages re-shards keys, so set it once at first open.
func (b *Bus) WithPartitions(n int) *Bus {
	if n > 0 {
		b.partitions = n
	}
	return b
}

// WithClock substitutes the time source, for tests.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Partitions returns the partition count per topic.
func (b *Bus) Partitions() int { return b.partitions }

// DB exposes the underlying database for handlers that need to read bus
// tables inside their own transactions.
func (b *Bus) DB() *database.DB { return b.db }

func (b *Bus) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS bus_events (
			topic TEXT NOT NULL,
			partition_id INTEGER NOT NULL,
			msg_offset INTEGER NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			headers TEXT NOT NULL DEFAULT '{}',
			event_id TEXT,
			published_at TEXT NOT NULL,
			published_at_unix INTEGER NOT NULL,
			PRIMARY KEY (topic, partition_id, msg_offset)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bus_events_dedup
			ON bus_events(topic, event_id) WHERE event_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_bus_events_window
			ON bus_events(topic, partition_id, published_at_unix)`,
		`CREATE TABLE IF NOT EXISTS bus_offsets (
			consumer_group TEXT NOT NULL,
			topic TEXT NOT NULL,
			partition_id INTEGER NOT NULL,
			next_offset INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (consumer_group, topic, partition_id)
		)`,
		`CREATE TABLE IF NOT EXISTS replay_runs (
			replay_id TEXT PRIMARY KEY,
			consumer_group TEXT NOT NULL,
			topics TEXT NOT NULL,
			replay_from TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			events_processed INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT
		)`,
	}
	for _, stmt := range statements {
		if _, err := b.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// appendTx appends one message inside tx, allocating the next offset for
// its partition. The second result is false when the event-id header marked
// the message a duplicate and nothing was written.
func (b *Bus) appendTx(ctx context.Context, tx *sql.Tx, topic, key string, value []byte, headers map[string]string, now time.Time) (*Message, bool, error) {
	partition := PartitionFor(key, b.partitions)

	eventID := headers[HeaderEventID]
	if eventID != "" {
		var n int
		err := tx.QueryRowContext(ctx, b.db.Rebind(
			`SELECT COUNT(*) FROM bus_events WHERE topic = ? AND event_id = ?`),
			topic, eventID).Scan(&n)
		if err != nil {
			return nil, false, fmt.Errorf("check event id: %w", err)
		}
		if n > 0 {
			return nil, false, nil
		}
	}

	var next int64
	err := tx.QueryRowContext(ctx, b.db.Rebind(
		`SELECT COALESCE(MAX(msg_offset)+1, 0) FROM bus_events WHERE topic = ? AND partition_id = ?`),
		topic, partition).Scan(&next)
	if err != nil {
		return nil, false, fmt.Errorf("allocate offset: %w", err)
	}

	headerJSON := []byte("{}")
	if len(headers) > 0 {
		headerJSON, err = json.Marshal(headers)
		if err != nil {
			return nil, false, fmt.Errorf("marshal headers: %w", err)
		}
	}

	var eventIDValue any
	if eventID != "" {
		eventIDValue = eventID
	}

	_, err = tx.ExecContext(ctx, b.db.Rebind(
		`INSERT INTO bus_events
			(topic, partition_id, msg_offset, key, value, headers, event_id, published_at, published_at_unix)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		topic, partition, next, key, string(value), string(headerJSON), eventIDValue,
		now.Format(time.RFC3339Nano), now.Unix())
	if err != nil {
		return nil, false, fmt.Errorf("append to %s/%d: %w", topic, partition, err)
	}

	return &Message{
		Topic:       topic,
		Partition:   partition,
		Offset:      next,
		Key:         key,
		Value:       value,
		Headers:     headers,
		PublishedAt: now,
	}, true, nil
}

// readFrom loads up to limit messages of one partition starting at offset
// from, in offset order.
func (b *Bus) readFrom(ctx context.Context, topic string, partition int, from int64, limit int) ([]*Message, error) {
	rows, err := b.db.QueryContext(ctx, b.db.Rebind(
		`SELECT msg_offset, key, value, headers, published_at
			FROM bus_events
			WHERE topic = ? AND partition_id = ? AND msg_offset >= ?
			ORDER BY msg_offset ASC
			LIMIT ?`),
		topic, partition, from, limit)
	if err != nil {
		return nil, fmt.Errorf("read %s/%d: %w", topic, partition, err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var (
			m           = &Message{Topic: topic, Partition: partition}
			value       string
			headerJSON  string
			publishedAt string
		)
		if err := rows.Scan(&m.Offset, &m.Key, &value, &headerJSON, &publishedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Value = []byte(value)
		if headerJSON != "" && headerJSON != "{}" {
			if err := json.Unmarshal([]byte(headerJSON), &m.Headers); err != nil {
				return nil, fmt.Errorf("unmarshal headers at %s/%d/%d: %w", topic, partition, m.Offset, err)
			}
		}
		if m.PublishedAt, err = time.Parse(time.RFC3339Nano, publishedAt); err != nil {
			return nil, fmt.Errorf("parse publish time at %s/%d/%d: %w", topic, partition, m.Offset, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// committedOffset returns the group's next offset for a partition. Groups
// that have never committed start from the earliest message.
func (b *Bus) committedOffset(ctx context.Context, group, topic string, partition int) (int64, error) {
	var next int64
	err := b.db.QueryRowContext(ctx, b.db.Rebind(
		`SELECT next_offset FROM bus_offsets
			WHERE consumer_group = ? AND topic = ? AND partition_id = ?`),
		group, topic, partition).Scan(&next)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read committed offset: %w", err)
	}
	return next, nil
}

// commitOffsetTx records the group's next offset for a partition inside tx.
func (b *Bus) commitOffsetTx(ctx context.Context, tx *sql.Tx, group, topic string, partition int, next int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, b.db.Rebind(
		`INSERT INTO bus_offsets (consumer_group, topic, partition_id, next_offset, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (consumer_group, topic, partition_id)
			DO UPDATE SET next_offset = excluded.next_offset, updated_at = excluded.updated_at`),
		group, topic, partition, next, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("commit offset %s %s/%d: %w", group, topic, partition, err)
	}
	return nil
}

// headOffset returns the next offset a new message would receive, i.e. the
// high-water mark of one partition.
func (b *Bus) headOffset(ctx context.Context, topic string, partition int) (int64, error) {
	var head int64
	err := b.db.QueryRowContext(ctx, b.db.Rebind(
		`SELECT COALESCE(MAX(msg_offset)+1, 0) FROM bus_events WHERE topic = ? AND partition_id = ?`),
		topic, partition).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("read head offset: %w", err)
	}
	return head, nil
}

// PartitionLag is one partition's consumption state for a group.
type PartitionLag struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Committed int64  `json:"committed"`
	Head      int64  `json:"head"`
	Lag       int64  `json:"lag"`
}

// Lag reports per-partition lag for a consumer group. With no topics given
// it covers every fixed topic.
func (b *Bus) Lag(ctx context.Context, group string, topics ...string) ([]PartitionLag, error) {
	if len(topics) == 0 {
		topics = Topics()
	}

	var out []PartitionLag
	for _, topic := range topics {
		heads := make(map[int]int64)
		rows, err := b.db.QueryContext(ctx, b.db.Rebind(
			`SELECT partition_id, MAX(msg_offset)+1 FROM bus_events WHERE topic = ? GROUP BY partition_id`),
			topic)
		if err != nil {
			return nil, fmt.Errorf("read heads for %s: %w", topic, err)
		}
		for rows.Next() {
			var partition int
			var head int64
			if err := rows.Scan(&partition, &head); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan head: %w", err)
			}
			heads[partition] = head
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		committed := make(map[int]int64)
		rows, err = b.db.QueryContext(ctx, b.db.Rebind(
			`SELECT partition_id, next_offset FROM bus_offsets WHERE consumer_group = ? AND topic = ?`),
			group, topic)
		if err != nil {
			return nil, fmt.Errorf("read offsets for %s: %w", topic, err)
		}
		for rows.Next() {
			var partition int
			var next int64
			if err := rows.Scan(&partition, &next); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan offset: %w", err)
			}
			committed[partition] = next
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		for partition := 0; partition < b.partitions; partition++ {
			lag := heads[partition] - committed[partition]
			if lag < 0 {
				lag = 0
			}
			out = append(out, PartitionLag{
				Topic:     topic,
				Partition: partition,
				Committed: committed[partition],
				Head:      heads[partition],
				Lag:       lag,
			})
		}
	}
	return out, nil
}
