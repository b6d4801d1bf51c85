package metering

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garudex-labs/caracal/pkg/database"
	"github.com/garudex-labs/caracal/pkg/identity"
)

type meterFixture struct {
	db         *database.DB
	store      *Store
	principals *identity.Store
	now        time.Time
}

func newMeterFixture(t *testing.T) *meterFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &meterFixture{db: db, now: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.principals, err = identity.NewStore(db, logger)
	if err != nil {
		t.Fatalf("identity store: %v", err)
	}
	f.principals.WithClock(clock)

	f.store, err = NewStore(db, logger)
	if err != nil {
		t.Fatalf("metering store: %v", err)
	}
	f.store.WithClock(clock)
	return f
}

func (f *meterFixture) registerAgent(t *testing.T, name string) *identity.Principal {
	t.Helper()
	p, err := f.principals.Register(context.Background(), name, "ops@example.com", identity.TypeAgent, "")
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return p
}

func (f *meterFixture) record(t *testing.T, id, principalID, cost string, at time.Time) {
	t.Helper()
	inserted, err := f.store.Record(context.Background(), &Event{
		EventID:      id,
		PrincipalID:  principalID,
		ResourceType: ResourceAPICall,
		Quantity:     decimal.NewFromInt(1),
		Cost:         decimal.RequireFromString(cost),
		Currency:     "USD",
		RecordedAt:   at,
	})
	if err != nil {
		t.Fatalf("record %s: %v", id, err)
	}
	if !inserted {
		t.Fatalf("record %s: expected insert", id)
	}
}

func money(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func TestUsageValidate(t *testing.T) {
	valid := Usage{ResourceType: "llm_tokens", Quantity: "1500", Cost: "0.0045", Currency: "USD"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid usage rejected: %v", err)
	}

	cases := []struct {
		name string
		u    Usage
		want error
	}{
		{"empty resource", Usage{Quantity: "1", Cost: "0", Currency: "USD"}, ErrEmptyResourceType},
		{"missing quantity", Usage{ResourceType: "x", Cost: "0", Currency: "USD"}, ErrBadQuantity},
		{"negative quantity", Usage{ResourceType: "x", Quantity: "-1", Cost: "0", Currency: "USD"}, ErrBadQuantity},
		{"unparseable cost", Usage{ResourceType: "x", Quantity: "1", Cost: "1,50", Currency: "USD"}, ErrBadCost},
		{"lowercase currency", Usage{ResourceType: "x", Quantity: "1", Cost: "0", Currency: "usd"}, ErrBadCurrency},
		{"long currency", Usage{ResourceType: "x", Quantity: "1", Cost: "0", Currency: "DOLLARS"}, ErrBadCurrency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.u.Validate(); err != tc.want {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSpendingWindowBuckets(t *testing.T) {
	f := newMeterFixture(t)
	agent := f.registerAgent(t, "metered-agent")
	other := f.registerAgent(t, "other-agent")

	// Now is Sunday 12:30 UTC. The hour bucket opens at 12:00, the day at
	// Sunday midnight, the week at Monday 02-23 midnight.
	f.record(t, "evt-hour", agent.PrincipalID, "0.50", time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC))
	f.record(t, "evt-day", agent.PrincipalID, "1.25", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	f.record(t, "evt-week", agent.PrincipalID, "10.00", time.Date(2026, 2, 25, 8, 0, 0, 0, time.UTC))
	f.record(t, "evt-stale", agent.PrincipalID, "100.00", time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC))
	f.record(t, "evt-other", other.PrincipalID, "5.00", time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC))

	w, err := f.store.Spending(context.Background(), agent.PrincipalID, "USD")
	if err != nil {
		t.Fatalf("spending: %v", err)
	}
	if !w.Hour.Equal(money(t, "0.50")) {
		t.Errorf("hour window = %s, want 0.50", w.Hour)
	}
	if !w.Day.Equal(money(t, "1.75")) {
		t.Errorf("day window = %s, want 1.75", w.Day)
	}
	if !w.Week.Equal(money(t, "11.75")) {
		t.Errorf("week window = %s, want 11.75", w.Week)
	}
}

func TestSpendingFiltersCurrency(t *testing.T) {
	f := newMeterFixture(t)
	agent := f.registerAgent(t, "metered-agent")

	f.record(t, "evt-usd", agent.PrincipalID, "2.00", f.now.Add(-time.Minute))
	inserted, err := f.store.Record(context.Background(), &Event{
		EventID:      "evt-eur",
		PrincipalID:  agent.PrincipalID,
		ResourceType: ResourceAPICall,
		Quantity:     decimal.NewFromInt(1),
		Cost:         money(t, "7.00"),
		Currency:     "EUR",
		RecordedAt:   f.now.Add(-time.Minute),
	})
	if err != nil || !inserted {
		t.Fatalf("record eur event: inserted=%v err=%v", inserted, err)
	}

	w, err := f.store.Spending(context.Background(), agent.PrincipalID, "USD")
	if err != nil {
		t.Fatalf("spending: %v", err)
	}
	if !w.Week.Equal(money(t, "2.00")) {
		t.Errorf("week window = %s, want 2.00 (EUR row must not count)", w.Week)
	}
}

func TestRecordDeduplicatesByEventID(t *testing.T) {
	f := newMeterFixture(t)
	agent := f.registerAgent(t, "metered-agent")

	e := &Event{
		EventID:      "evt-1",
		PrincipalID:  agent.PrincipalID,
		ResourceType: ResourceLLMTokens,
		Quantity:     decimal.NewFromInt(1500),
		Cost:         money(t, "0.0045"),
		Currency:     "USD",
		RecordedAt:   f.now.Add(-time.Minute),
	}
	inserted, err := f.store.Record(context.Background(), e)
	if err != nil || !inserted {
		t.Fatalf("first record: inserted=%v err=%v", inserted, err)
	}
	inserted, err = f.store.Record(context.Background(), e)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if inserted {
		t.Fatal("second record with the same event id must not insert")
	}

	w, err := f.store.Spending(context.Background(), agent.PrincipalID, "USD")
	if err != nil {
		t.Fatalf("spending: %v", err)
	}
	if !w.Hour.Equal(money(t, "0.0045")) {
		t.Errorf("hour window = %s, want the cost counted once", w.Hour)
	}
}

func TestByCorrelation(t *testing.T) {
	f := newMeterFixture(t)
	agent := f.registerAgent(t, "metered-agent")

	for i, id := range []string{"evt-a", "evt-b"} {
		inserted, err := f.store.Record(context.Background(), &Event{
			EventID:       id,
			PrincipalID:   agent.PrincipalID,
			ResourceType:  ResourceAPICall,
			Quantity:      decimal.NewFromInt(1),
			Cost:          money(t, "0.10"),
			Currency:      "USD",
			CorrelationID: "corr-42",
			RecordedAt:    f.now.Add(time.Duration(i-5) * time.Minute),
		})
		if err != nil || !inserted {
			t.Fatalf("record %s: inserted=%v err=%v", id, inserted, err)
		}
	}

	events, err := f.store.ByCorrelation(context.Background(), "corr-42")
	if err != nil {
		t.Fatalf("by correlation: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].EventID != "evt-a" || events[1].EventID != "evt-b" {
		t.Errorf("events out of order: %s, %s", events[0].EventID, events[1].EventID)
	}
	if events[0].CorrelationID != "corr-42" {
		t.Errorf("correlation id = %q", events[0].CorrelationID)
	}
}
