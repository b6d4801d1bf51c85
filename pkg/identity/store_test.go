package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/garudex-labs/caracal/pkg/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	keys   []string
	values [][]byte
}

func (c *capturePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.keys = append(c.keys, key)
	c.values = append(c.values, value)
	return nil
}

func TestRegisterAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.Register(ctx, "billing-agent", "ops@example.com", TypeAgent, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.PrincipalID == "" {
		t.Fatal("expected generated principal id")
	}
	if !p.Active {
		t.Error("new principal should be active")
	}

	got, err := s.Get(ctx, p.PrincipalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "billing-agent" || got.Type != TypeAgent || got.Owner != "ops@example.com" {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	byName, err := s.GetByName(ctx, "billing-agent")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if byName.PrincipalID != p.PrincipalID {
		t.Error("get by name returned different principal")
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Register(ctx, "agent-1", "owner", TypeAgent, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := s.Register(ctx, "agent-1", "other", TypeService, "")
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestRegisterNormalizesUnicodeNames(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Composed e-acute vs decomposed e + combining acute. NFC folds both
	// to the same name, so the second registration must collide.
	if _, err := s.Register(ctx, "café", "owner", TypeUser, ""); err != nil {
		t.Fatalf("register composed: %v", err)
	}
	_, err := s.Register(ctx, "café", "owner", TypeUser, "")
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName for NFC-equivalent name, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Register(ctx, "   ", "owner", TypeUser, ""); !errors.Is(err, ErrEmptyName) {
		t.Errorf("expected ErrEmptyName, got %v", err)
	}
	if _, err := s.Register(ctx, "x", "owner", PrincipalType("robot"), ""); !errors.Is(err, ErrInvalidType) {
		t.Errorf("expected ErrInvalidType, got %v", err)
	}
	if _, err := s.Register(ctx, "x", "owner", TypeAgent, "no-such-parent"); !errors.Is(err, ErrParentNotFound) {
		t.Errorf("expected ErrParentNotFound, got %v", err)
	}
}

func TestParentChainAndDescendants(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	root, err := s.Register(ctx, "root", "owner", TypeUser, "")
	if err != nil {
		t.Fatalf("register root: %v", err)
	}
	child, err := s.Register(ctx, "child", "owner", TypeAgent, root.PrincipalID)
	if err != nil {
		t.Fatalf("register child: %v", err)
	}
	grandchild, err := s.Register(ctx, "grandchild", "owner", TypeAgent, child.PrincipalID)
	if err != nil {
		t.Fatalf("register grandchild: %v", err)
	}

	desc, err := s.Descendants(ctx, root.PrincipalID)
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	if len(desc) != 2 {
		t.Fatalf("expected 2 descendants, got %d: %v", len(desc), desc)
	}
	found := map[string]bool{}
	for _, id := range desc {
		found[id] = true
	}
	if !found[child.PrincipalID] || !found[grandchild.PrincipalID] {
		t.Errorf("descendants missing expected ids: %v", desc)
	}
}

func TestDeactivate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.Register(ctx, "temp", "owner", TypeService, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := s.Deactivate(ctx, p.PrincipalID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, err := s.Get(ctx, p.PrincipalID)
	if err != nil {
		t.Fatalf("get after deactivate: %v", err)
	}
	if got.Active {
		t.Error("principal should be inactive")
	}

	// Idempotent second call.
	if err := s.Deactivate(ctx, p.PrincipalID); err != nil {
		t.Errorf("second deactivate: %v", err)
	}

	if err := s.Deactivate(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a, _ := s.Register(ctx, "a", "alice", TypeAgent, "")
	s.Register(ctx, "b", "alice", TypeUser, "")
	s.Register(ctx, "c", "bob", TypeAgent, "")
	s.Deactivate(ctx, a.PrincipalID)

	agents, err := s.List(ctx, Filter{Type: TypeAgent})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 2 {
		t.Errorf("expected 2 agents, got %d", len(agents))
	}

	activeAlice, err := s.List(ctx, Filter{Owner: "alice", ActiveOnly: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(activeAlice) != 1 || activeAlice[0].Name != "b" {
		t.Errorf("expected only active alice principal b, got %+v", activeAlice)
	}

	limited, err := s.List(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected limit 1, got %d", len(limited))
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	s := testStore(t)
	pub := &capturePublisher{}
	s.WithPublisher(pub).WithClock(func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	})
	ctx := context.Background()

	p, err := s.Register(ctx, "lifecycle", "owner", TypeAgent, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.SetPublicKey(ctx, p.PrincipalID, "-----BEGIN PUBLIC KEY-----"); err != nil {
		t.Fatalf("set public key: %v", err)
	}
	if err := s.Deactivate(ctx, p.PrincipalID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if len(pub.topics) != 3 {
		t.Fatalf("expected 3 lifecycle events, got %d", len(pub.topics))
	}
	for i, topic := range pub.topics {
		if topic != "agent.lifecycle" {
			t.Errorf("event %d topic = %q, want agent.lifecycle", i, topic)
		}
		if pub.keys[i] != p.PrincipalID {
			t.Errorf("event %d key = %q, want principal id", i, pub.keys[i])
		}
	}
	for i, want := range []string{LifecycleCreated, LifecycleUpdated, LifecycleDeactivated} {
		if got := string(pub.values[i]); !strings.Contains(got, `"lifecycle":"`+want+`"`) {
			t.Errorf("event %d payload %s missing lifecycle %q", i, got, want)
		}
	}
}
