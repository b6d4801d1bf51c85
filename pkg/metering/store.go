package metering

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garudex-labs/caracal/pkg/database"
)

// ErrEventNotFound is returned when no metering event has the id.
var ErrEventNotFound = errors.New("metering: event not found")

// Store persists recorded metering events and answers spending queries.
// Rows arrive through the consumer inside its bus transaction; the one
// other writer is the v0.1 migration.
type Store struct {
	db     *database.DB
	logger *slog.Logger
	clock  func() time.Time
}

// NewStore creates the metering store and its schema.
func NewStore(db *database.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: logger.With(slog.String("component", "metering_store")),
		clock:  time.Now,
	}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("create metering schema: %w", err)
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
		// No foreign key on principal_id: replayed metering events can
		// land before the identity store is repopulated.
		`CREATE TABLE IF NOT EXISTS metering_events (
			event_id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			mandate_id TEXT,
			resource_type TEXT NOT NULL,
			quantity TEXT NOT NULL,
			cost TEXT NOT NULL,
			currency TEXT NOT NULL,
			provisional_charge_id TEXT,
			correlation_id TEXT,
			recorded_at TEXT NOT NULL,
			recorded_at_unix INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metering_principal_time
			ON metering_events(principal_id, recorded_at_unix)`,
		`CREATE TABLE IF NOT EXISTS provisional_charges (
			charge_id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL REFERENCES principals(principal_id),
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			expires_at_unix INTEGER NOT NULL,
			released BOOLEAN NOT NULL DEFAULT FALSE,
			final_event_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_charges_active
			ON provisional_charges(principal_id, released, expires_at_unix)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordTx inserts one metering event inside the caller's transaction and
// reports whether the row is new. A redelivered event id inserts nothing,
// which is how the consumer stays idempotent under at-least-once delivery.
func (s *Store) RecordTx(ctx context.Context, tx *sql.Tx, e *Event) (bool, error) {
	recordedAt := e.RecordedAt.UTC()
	res, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO metering_events
		(event_id, principal_id, mandate_id, resource_type, quantity, cost,
		 currency, provisional_charge_id, correlation_id, recorded_at, recorded_at_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`),
		e.EventID, e.PrincipalID, nullable(e.MandateID), e.ResourceType,
		e.Quantity.String(), e.Cost.String(), e.Currency,
		nullable(e.ProvisionalChargeID), nullable(e.CorrelationID),
		recordedAt.Format(time.RFC3339Nano), recordedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("record metering event %s: %w", e.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record metering event %s: %w", e.EventID, err)
	}
	return n > 0, nil
}

// Record inserts one metering event in its own transaction.
func (s *Store) Record(ctx context.Context, e *Event) (bool, error) {
	var inserted bool
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = s.RecordTx(ctx, tx, e)
		return err
	})
	return inserted, err
}

// ImportEvents inserts a batch of events in one transaction and reports
// how many were new. Duplicate ids insert nothing, same as RecordTx; the
// v0.1 migration leans on that for idempotent re-runs.
func (s *Store) ImportEvents(ctx context.Context, events []*Event) (int, error) {
	inserted := 0
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			ok, err := s.RecordTx(ctx, tx, e)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Spending sums a principal's recorded costs in the given currency over
// the three window buckets ending now.
func (s *Store) Spending(ctx context.Context, principalID, currency string) (Windows, error) {
	now := s.clock().UTC()
	hourStart, dayStart, weekStart := WindowStarts(now)

	// The week bucket contains the other two, so one scan from its start
	// covers all three. The unix bound is exact: bucket starts are whole
	// seconds, and flooring a timestamp cannot move it across one.
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT cost, recorded_at
		FROM metering_events
		WHERE principal_id = ? AND currency = ? AND recorded_at_unix >= ?`),
		principalID, currency, weekStart.Unix())
	if err != nil {
		return Windows{}, fmt.Errorf("query spending for %s: %w", principalID, err)
	}
	defer rows.Close()

	var w Windows
	for rows.Next() {
		var costStr, recordedStr string
		if err := rows.Scan(&costStr, &recordedStr); err != nil {
			return Windows{}, fmt.Errorf("scan spending row: %w", err)
		}
		cost, err := decimal.NewFromString(costStr)
		if err != nil {
			return Windows{}, fmt.Errorf("parse recorded cost %q: %w", costStr, err)
		}
		recordedAt, err := time.Parse(time.RFC3339Nano, recordedStr)
		if err != nil {
			return Windows{}, fmt.Errorf("parse recorded_at: %w", err)
		}
		if recordedAt.After(now) {
			continue
		}
		w.Week = w.Week.Add(cost)
		if !recordedAt.Before(dayStart) {
			w.Day = w.Day.Add(cost)
		}
		if !recordedAt.Before(hourStart) {
			w.Hour = w.Hour.Add(cost)
		}
	}
	return w, rows.Err()
}

// Get returns one recorded event by id.
func (s *Store) Get(ctx context.Context, eventID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+eventColumns+`
		FROM metering_events WHERE event_id = ?`), eventID)
	e, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan metering event: %w", err)
	}
	return e, nil
}

// ByCorrelation returns recorded events carrying the correlation id,
// oldest first.
func (s *Store) ByCorrelation(ctx context.Context, correlationID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT `+eventColumns+`
		FROM metering_events WHERE correlation_id = ?
		ORDER BY recorded_at_unix ASC, event_id ASC`), correlationID)
	if err != nil {
		return nil, fmt.Errorf("query metering events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

const eventColumns = `event_id, principal_id, mandate_id, resource_type, quantity,
	cost, currency, provisional_charge_id, correlation_id, recorded_at`

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan metering event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(scan func(...any) error) (*Event, error) {
	var e Event
	var mandateID, chargeID, correlationID sql.NullString
	var quantity, cost, recordedAt string
	if err := scan(&e.EventID, &e.PrincipalID, &mandateID, &e.ResourceType,
		&quantity, &cost, &e.Currency, &chargeID, &correlationID, &recordedAt); err != nil {
		return nil, err
	}
	var err error
	if e.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	if e.Cost, err = decimal.NewFromString(cost); err != nil {
		return nil, fmt.Errorf("parse cost: %w", err)
	}
	if e.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
		return nil, fmt.Errorf("parse recorded_at: %w", err)
	}
	e.MandateID = mandateID.String
	e.ProvisionalChargeID = chargeID.String
	e.CorrelationID = correlationID.String
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
