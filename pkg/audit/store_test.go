package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/garudex-labs/caracal/pkg/database"
)

type auditFixture struct {
	db    *database.DB
	store *Store
	now   time.Time
}

func newAuditFixture(t *testing.T) *auditFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &auditFixture{db: db, now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.store, err = NewStore(db, logger)
	if err != nil {
		t.Fatalf("audit store: %v", err)
	}
	f.store.WithClock(func() time.Time { return f.now })
	return f
}

func (f *auditFixture) append(t *testing.T, e *Entry) {
	t.Helper()
	err := f.db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return f.store.AppendTx(context.Background(), tx, e)
	})
	if err != nil {
		t.Fatalf("append %s: %v", e.EventID, err)
	}
}

func (f *auditFixture) entry(id, eventType, principalID, correlationID string, at time.Time) *Entry {
	return &Entry{
		EventID:        id,
		EventType:      eventType,
		Topic:          "authority.events",
		Partition:      0,
		Offset:         0,
		EventTimestamp: at,
		PrincipalID:    principalID,
		CorrelationID:  correlationID,
		EventData:      json.RawMessage(`{"event_id":"` + id + `"}`),
	}
}

func TestAppendAssignsLogIDs(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()

	f.append(t, f.entry("evt-1", "authority_decision", "agent-1", "", f.now))
	f.append(t, f.entry("evt-2", "metering", "agent-1", "", f.now))

	entries, err := f.store.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].LogID <= 0 || entries[1].LogID <= entries[0].LogID {
		t.Errorf("log ids not ascending: %d then %d", entries[0].LogID, entries[1].LogID)
	}
	if !entries[0].LoggedAt.Equal(f.now) {
		t.Errorf("logged_at = %s, want %s", entries[0].LoggedAt, f.now)
	}
	if entries[0].EventID != "evt-1" || entries[1].EventID != "evt-2" {
		t.Errorf("entries out of append order: %s, %s", entries[0].EventID, entries[1].EventID)
	}
}

func TestQueryFiltersByPrincipal(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()

	f.append(t, f.entry("evt-1", "authority_decision", "agent-1", "", f.now))
	f.append(t, f.entry("evt-2", "authority_decision", "agent-2", "", f.now))
	f.append(t, f.entry("evt-3", "metering", "agent-1", "", f.now))

	entries, err := f.store.Query(ctx, Filter{PrincipalID: "agent-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries for agent-1, want 2", len(entries))
	}
	for _, e := range entries {
		if e.PrincipalID != "agent-1" {
			t.Errorf("entry %s has principal %q", e.EventID, e.PrincipalID)
		}
	}
}

func TestQueryFiltersByTypeAndTopic(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()

	f.append(t, f.entry("evt-1", "authority_decision", "agent-1", "", f.now))
	meter := f.entry("evt-2", "metering", "agent-1", "", f.now)
	meter.Topic = "metering.events"
	f.append(t, meter)

	byType, err := f.store.Query(ctx, Filter{EventType: "metering"})
	if err != nil {
		t.Fatalf("query by type: %v", err)
	}
	if len(byType) != 1 || byType[0].EventID != "evt-2" {
		t.Fatalf("type filter returned %d entries", len(byType))
	}

	byTopic, err := f.store.Query(ctx, Filter{Topic: "authority.events"})
	if err != nil {
		t.Fatalf("query by topic: %v", err)
	}
	if len(byTopic) != 1 || byTopic[0].EventID != "evt-1" {
		t.Fatalf("topic filter returned %d entries", len(byTopic))
	}
}

func TestQueryFiltersByCorrelation(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()

	f.append(t, f.entry("evt-1", "authority_decision", "agent-1", "req-9", f.now))
	f.append(t, f.entry("evt-2", "metering", "agent-1", "req-9", f.now))
	f.append(t, f.entry("evt-3", "authority_decision", "agent-1", "req-10", f.now))

	entries, err := f.store.Query(ctx, Filter{CorrelationID: "req-9"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries for req-9, want 2", len(entries))
	}
}

func TestQueryTimeRangeInclusive(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()

	f.append(t, f.entry("evt-early", "authority_decision", "agent-1", "", f.now))
	f.append(t, f.entry("evt-mid", "authority_decision", "agent-1", "", f.now.Add(30*time.Minute)))
	f.append(t, f.entry("evt-late", "authority_decision", "agent-1", "", f.now.Add(time.Hour)))

	entries, err := f.store.Query(ctx, Filter{
		Since: f.now.Add(30 * time.Minute),
		Until: f.now.Add(45 * time.Minute),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 || entries[0].EventID != "evt-mid" {
		t.Fatalf("range returned %d entries, want just evt-mid", len(entries))
	}
}

func TestQueryRejectsInvertedTimeRange(t *testing.T) {
	f := newAuditFixture(t)

	_, err := f.store.Query(context.Background(), Filter{
		Since: f.now.Add(time.Hour),
		Until: f.now,
	})
	if !errors.Is(err, ErrInvalidTimeRange) {
		t.Fatalf("expected ErrInvalidTimeRange, got %v", err)
	}
}

func TestQueryKeysetPagination(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()

	ids := []string{"evt-1", "evt-2", "evt-3", "evt-4", "evt-5"}
	for _, id := range ids {
		f.append(t, f.entry(id, "authority_decision", "agent-1", "", f.now))
	}

	var seen []string
	cursor := int64(0)
	pages := 0
	for {
		page, err := f.store.Query(ctx, Filter{AfterLogID: cursor, Limit: 2})
		if err != nil {
			t.Fatalf("query page after %d: %v", cursor, err)
		}
		if len(page) == 0 {
			break
		}
		pages++
		for _, e := range page {
			if e.LogID <= cursor {
				t.Fatalf("entry %s log id %d not past cursor %d", e.EventID, e.LogID, cursor)
			}
			seen = append(seen, e.EventID)
		}
		cursor = page[len(page)-1].LogID
	}

	if pages != 3 {
		t.Errorf("walked %d pages, want 3", pages)
	}
	if len(seen) != len(ids) {
		t.Fatalf("pagination returned %d entries, want %d", len(seen), len(ids))
	}
	for i, id := range ids {
		if seen[i] != id {
			t.Errorf("position %d = %s, want %s", i, seen[i], id)
		}
	}
}

func TestCount(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()

	n, err := f.store.Count(ctx)
	if err != nil {
		t.Fatalf("count empty: %v", err)
	}
	if n != 0 {
		t.Fatalf("empty trail count = %d", n)
	}

	f.append(t, f.entry("evt-1", "authority_decision", "agent-1", "", f.now))
	f.append(t, f.entry("evt-2", "metering", "agent-1", "", f.now))

	n, err = f.store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}
