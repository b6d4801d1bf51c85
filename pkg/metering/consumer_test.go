package metering

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/garudex-labs/caracal/pkg/bus"
	"github.com/garudex-labs/caracal/pkg/canonical"
	"github.com/garudex-labs/caracal/pkg/ledger"
)

func publishUsage(t *testing.T, b *bus.Bus, eventID, principalID string, usage Usage, at time.Time) {
	t.Helper()
	payload, err := canonical.Marshal(usage)
	if err != nil {
		t.Fatalf("marshal usage: %v", err)
	}
	value, err := canonical.Marshal(ledger.Event{
		EventID:     eventID,
		Kind:        ledger.KindMetering,
		Timestamp:   canonical.Timestamp(at),
		PrincipalID: principalID,
		Payload:     payload,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := b.Producer().Publish(context.Background(), bus.TopicMeteringEvents, principalID, value); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestConsumerRecordsAndSettles(t *testing.T) {
	f := newMeterFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, err := bus.Open(f.db, logger)
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	agent := f.registerAgent(t, "spender")
	consumer := NewConsumer(b, f.store, logger)

	hold, err := f.store.CreateProvisional(ctx, agent.PrincipalID, money(t, "0.30"), "USD", time.Hour)
	if err != nil {
		t.Fatalf("create provisional: %v", err)
	}

	publishUsage(t, b, "evt-settle", agent.PrincipalID, Usage{
		ResourceType:        ResourceLLMTokens,
		Quantity:            "1200",
		Cost:                "0.24",
		Currency:            "USD",
		ProvisionalChargeID: hold.ChargeID,
	}, f.now)

	n, err := consumer.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("settled %d messages, want 1", n)
	}

	w, err := f.store.Spending(ctx, agent.PrincipalID, "USD")
	if err != nil {
		t.Fatalf("spending: %v", err)
	}
	if !w.Hour.Equal(money(t, "0.24")) {
		t.Errorf("hour spending = %s, want 0.24", w.Hour)
	}

	settled, err := f.store.GetCharge(ctx, hold.ChargeID)
	if err != nil {
		t.Fatalf("get charge: %v", err)
	}
	if !settled.Released || settled.FinalEventID != "evt-settle" {
		t.Errorf("charge = released=%v final=%q, want settled by evt-settle", settled.Released, settled.FinalEventID)
	}

	active, err := f.store.ActiveHold(ctx, agent.PrincipalID, "USD")
	if err != nil {
		t.Fatalf("active hold: %v", err)
	}
	if !active.IsZero() {
		t.Errorf("hold after settle = %s, want 0", active)
	}
}

func TestConsumerSurvivesMissingCharge(t *testing.T) {
	f := newMeterFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, err := bus.Open(f.db, logger)
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	agent := f.registerAgent(t, "spender")
	consumer := NewConsumer(b, f.store, logger)

	// The referenced hold was already swept on another instance. The event
	// must still be recorded rather than dead-lettered.
	publishUsage(t, b, "evt-orphan", agent.PrincipalID, Usage{
		ResourceType:        ResourceAPICall,
		Quantity:            "1",
		Cost:                "0.05",
		Currency:            "USD",
		ProvisionalChargeID: "charge-gone",
	}, f.now)

	n, err := consumer.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("settled %d messages, want 1", n)
	}

	w, err := f.store.Spending(ctx, agent.PrincipalID, "USD")
	if err != nil {
		t.Fatalf("spending: %v", err)
	}
	if !w.Hour.Equal(money(t, "0.05")) {
		t.Errorf("hour spending = %s, want 0.05", w.Hour)
	}
}

func TestConsumerIgnoresDuplicateDelivery(t *testing.T) {
	f := newMeterFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, err := bus.Open(f.db, logger)
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	agent := f.registerAgent(t, "spender")
	consumer := NewConsumer(b, f.store, logger)

	// The same producer event appended twice without the dedup header, as a
	// foreign producer might send it. The store's event-id key is the second
	// line of defense: both messages settle but only one row lands.
	payload, err := canonical.Marshal(Usage{
		ResourceType: ResourceAPICall,
		Quantity:     "1",
		Cost:         "1.00",
		Currency:     "USD",
	})
	if err != nil {
		t.Fatalf("marshal usage: %v", err)
	}
	value, err := canonical.Marshal(ledger.Event{
		EventID:     "evt-dup",
		Kind:        ledger.KindMetering,
		Timestamp:   canonical.Timestamp(f.now),
		PrincipalID: agent.PrincipalID,
		Payload:     payload,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	producer := b.Producer()
	for i := 0; i < 2; i++ {
		if err := producer.Send(ctx, bus.TopicMeteringEvents, agent.PrincipalID, value, nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	n, err := consumer.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 2 {
		t.Fatalf("settled %d messages, want 2", n)
	}

	w, err := f.store.Spending(ctx, agent.PrincipalID, "USD")
	if err != nil {
		t.Fatalf("spending: %v", err)
	}
	if !w.Hour.Equal(money(t, "1.00")) {
		t.Errorf("hour spending = %s, want 1.00 counted once", w.Hour)
	}
}
