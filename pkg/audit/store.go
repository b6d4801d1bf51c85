// Package audit keeps the append-only trail of everything that crossed
// the bus. A consumer subscribes to every business topic and copies each
// message into audit_logs together with its topic coordinates, so the
// trail records what was published even when a downstream consumer
// rejected or reinterpreted the event. Rows are never updated or
// deleted; the only way out of the table is an export.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/garudex-labs/caracal/pkg/database"
)

const (
	// DefaultQueryLimit applies when a filter does not set one.
	DefaultQueryLimit = 1000
	// MaxQueryLimit caps a single query page.
	MaxQueryLimit = 10000
)

// ErrInvalidTimeRange is returned when a filter's Since is after its Until.
var ErrInvalidTimeRange = errors.New("audit: since must not be after until")

// Entry is one audited bus message. Partition and Offset locate the
// message on its topic, which is what lets an investigator walk from an
// audit row back to the surrounding traffic.
type Entry struct {
	LogID          int64           `json:"log_id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Topic          string          `json:"topic"`
	Partition      int             `json:"partition"`
	Offset         int64           `json:"offset"`
	EventTimestamp time.Time       `json:"event_timestamp"`
	LoggedAt       time.Time       `json:"logged_at"`
	PrincipalID    string          `json:"principal_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	EventData      json.RawMessage `json:"event_data"`
}

// Filter narrows Query. The zero value returns the oldest page of the
// whole trail. Pages walk forward by log id: pass the last LogID of one
// page as AfterLogID of the next.
type Filter struct {
	PrincipalID   string
	EventType     string
	Topic         string
	CorrelationID string
	// Since and Until bound the event timestamp, inclusive on both ends.
	Since time.Time
	Until time.Time
	// AfterLogID is the keyset cursor; only rows with a larger log id
	// are returned.
	AfterLogID int64
	Limit      int
}

// Store persists audit entries. Writes arrive through the consumer inside
// its delivery transaction; everything else is read-only.
type Store struct {
	db     *database.DB
	logger *slog.Logger
	clock  func() time.Time
}

// NewStore creates the audit store and its schema.
func NewStore(db *database.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: logger.With(slog.String("component", "audit_store")),
		clock:  time.Now,
	}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return s, nil
}

// WithClock overrides clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) createSchema() error {
	statements := []string{
		// No unique key on event_id: the offset commit shares the insert
		// transaction, so a message can never be appended twice, and one
		// producer event legitimately appears once per topic it reached.
		`CREATE TABLE IF NOT EXISTS audit_logs (
			log_id ` + s.db.AutoIncrementPK() + `,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			topic TEXT NOT NULL,
			partition_id INTEGER NOT NULL,
			msg_offset INTEGER NOT NULL,
			event_timestamp TEXT NOT NULL,
			event_timestamp_unix INTEGER NOT NULL,
			principal_id TEXT,
			correlation_id TEXT,
			event_data TEXT NOT NULL,
			logged_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_principal
			ON audit_logs(principal_id, log_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_correlation
			ON audit_logs(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_time
			ON audit_logs(event_timestamp_unix)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendTx inserts one entry inside the caller's transaction. LoggedAt is
// assigned here; the caller's LogID is ignored and allocated by the table.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	ts := e.EventTimestamp.UTC()
	loggedAt := s.clock().UTC()
	_, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO audit_logs
		(event_id, event_type, topic, partition_id, msg_offset,
		 event_timestamp, event_timestamp_unix, principal_id, correlation_id,
		 event_data, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.EventID, e.EventType, e.Topic, e.Partition, e.Offset,
		ts.Format(time.RFC3339Nano), ts.Unix(),
		nullable(e.PrincipalID), nullable(e.CorrelationID),
		string(e.EventData), loggedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append audit entry for %s: %w", e.EventID, err)
	}
	return nil
}

// Query returns one page of entries matching the filter, oldest first.
func (s *Store) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	if !filter.Since.IsZero() && !filter.Until.IsZero() && filter.Since.After(filter.Until) {
		return nil, ErrInvalidTimeRange
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	query := `SELECT ` + entryColumns + ` FROM audit_logs WHERE log_id > ?`
	args := []any{filter.AfterLogID}

	if filter.PrincipalID != "" {
		query += " AND principal_id = ?"
		args = append(args, filter.PrincipalID)
	}
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, filter.EventType)
	}
	if filter.Topic != "" {
		query += " AND topic = ?"
		args = append(args, filter.Topic)
	}
	if filter.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, filter.CorrelationID)
	}
	if !filter.Since.IsZero() {
		query += " AND event_timestamp_unix >= ?"
		args = append(args, filter.Since.UTC().Unix())
	}
	if !filter.Until.IsZero() {
		query += " AND event_timestamp_unix <= ?"
		args = append(args, filter.Until.UTC().Unix())
	}
	query += " ORDER BY log_id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// Count returns the number of entries in the trail.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit logs: %w", err)
	}
	return n, nil
}

const entryColumns = `log_id, event_id, event_type, topic, partition_id,
	msg_offset, event_timestamp, principal_id, correlation_id, event_data,
	logged_at`

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		var e Entry
		var principalID, correlationID sql.NullString
		var eventTS, loggedAt, data string
		if err := rows.Scan(&e.LogID, &e.EventID, &e.EventType, &e.Topic,
			&e.Partition, &e.Offset, &eventTS, &principalID, &correlationID,
			&data, &loggedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		var err error
		if e.EventTimestamp, err = time.Parse(time.RFC3339Nano, eventTS); err != nil {
			return nil, fmt.Errorf("parse event_timestamp: %w", err)
		}
		if e.LoggedAt, err = time.Parse(time.RFC3339Nano, loggedAt); err != nil {
			return nil, fmt.Errorf("parse logged_at: %w", err)
		}
		e.PrincipalID = principalID.String
		e.CorrelationID = correlationID.String
		e.EventData = json.RawMessage(data)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
