package mandate

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
	"github.com/garudex-labs/caracal/pkg/identity"
)

func testStore(t *testing.T) (*database.DB, *identity.Store, *Store) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ids, err := identity.NewStore(db, logger)
	if err != nil {
		t.Fatalf("identity store: %v", err)
	}
	ms, err := NewStore(db, logger)
	if err != nil {
		t.Fatalf("mandate store: %v", err)
	}
	return db, ids, ms
}

func registerPrincipal(t *testing.T, ids *identity.Store, name string) *identity.Principal {
	t.Helper()
	p, err := ids.Register(context.Background(), name+"-"+t.Name(), "owner", identity.TypeAgent, "")
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return p
}

func sampleMandate(issuerID, subjectID string) *Mandate {
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &Mandate{
		MandateID:     "m-" + subjectID,
		IssuerID:      issuerID,
		SubjectID:     subjectID,
		ResourceScope: []string{"api:openai:*"},
		ActionScope:   []string{"api_call"},
		ValidFrom:     from,
		ValidUntil:    from.Add(time.Hour),
		Signature:     "deadbeef",
		SignerKeyID:   "caracal-p256-test",
	}
}

func TestInsertAndGet(t *testing.T) {
	_, ids, ms := testStore(t)
	ctx := context.Background()
	issuer := registerPrincipal(t, ids, "issuer")
	subject := registerPrincipal(t, ids, "subject")

	m := sampleMandate(issuer.PrincipalID, subject.PrincipalID)
	m.Intent = json.RawMessage(`{"task":"summarize inbox"}`)
	if err := ms.Insert(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := ms.Get(ctx, m.MandateID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IssuerID != m.IssuerID || got.SubjectID != m.SubjectID {
		t.Errorf("principal mismatch: %+v", got)
	}
	if len(got.ResourceScope) != 1 || got.ResourceScope[0] != "api:openai:*" {
		t.Errorf("resource scope mismatch: %v", got.ResourceScope)
	}
	if !got.ValidFrom.Equal(m.ValidFrom) || !got.ValidUntil.Equal(m.ValidUntil) {
		t.Errorf("window mismatch: %v..%v", got.ValidFrom, got.ValidUntil)
	}
	if string(got.Intent) != `{"task":"summarize inbox"}` {
		t.Errorf("intent not carried as-is: %s", got.Intent)
	}
	if got.Revoked || got.RevokedAt != nil {
		t.Errorf("fresh mandate reports revoked: %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	_, _, ms := testStore(t)
	_, err := ms.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	db, ids, ms := testStore(t)
	ctx := context.Background()
	issuer := registerPrincipal(t, ids, "issuer")
	a := registerPrincipal(t, ids, "agent-a")
	b := registerPrincipal(t, ids, "agent-b")

	ma := sampleMandate(issuer.PrincipalID, a.PrincipalID)
	mb := sampleMandate(issuer.PrincipalID, b.PrincipalID)
	for _, m := range []*Mandate{ma, mb} {
		if err := ms.Insert(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := ms.markRevoked(ctx, tx, mb.MandateID, "admin", "cleanup", time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}

	bySubject, err := ms.List(ctx, Filter{SubjectID: a.PrincipalID})
	if err != nil {
		t.Fatalf("list by subject: %v", err)
	}
	if len(bySubject) != 1 || bySubject[0].MandateID != ma.MandateID {
		t.Errorf("subject filter returned %d mandates", len(bySubject))
	}

	unrevoked, err := ms.List(ctx, Filter{IssuerID: issuer.PrincipalID})
	if err != nil {
		t.Fatalf("list unrevoked: %v", err)
	}
	if len(unrevoked) != 1 {
		t.Errorf("expected revoked mandate excluded, got %d", len(unrevoked))
	}

	all, err := ms.List(ctx, Filter{IssuerID: issuer.PrincipalID, IncludeRevoked: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 mandates, got %d", len(all))
	}
}

func TestDescendantsWalksTree(t *testing.T) {
	_, ids, ms := testStore(t)
	ctx := context.Background()
	issuer := registerPrincipal(t, ids, "issuer")
	agent := registerPrincipal(t, ids, "agent")

	root := sampleMandate(issuer.PrincipalID, agent.PrincipalID)
	root.MandateID = "root"
	child := sampleMandate(agent.PrincipalID, agent.PrincipalID)
	child.MandateID = "child"
	child.ParentMandateID = "root"
	child.DelegationDepth = 1
	grandchild := sampleMandate(agent.PrincipalID, agent.PrincipalID)
	grandchild.MandateID = "grandchild"
	grandchild.ParentMandateID = "child"
	grandchild.DelegationDepth = 2

	for _, m := range []*Mandate{root, child, grandchild} {
		if err := ms.Insert(ctx, m); err != nil {
			t.Fatalf("insert %s: %v", m.MandateID, err)
		}
	}

	children, err := ms.Children(ctx, "root")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 1 || children[0].MandateID != "child" {
		t.Errorf("unexpected children: %v", children)
	}

	descendants, err := ms.Descendants(ctx, "root")
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	if len(descendants) != 2 {
		t.Fatalf("expected 2 descendants, got %d", len(descendants))
	}
	if descendants[0].MandateID != "child" || descendants[1].MandateID != "grandchild" {
		t.Errorf("breadth-first order broken: %s, %s", descendants[0].MandateID, descendants[1].MandateID)
	}
}

func TestMarkRevokedIdempotent(t *testing.T) {
	db, ids, ms := testStore(t)
	ctx := context.Background()
	issuer := registerPrincipal(t, ids, "issuer")
	agent := registerPrincipal(t, ids, "agent")

	m := sampleMandate(issuer.PrincipalID, agent.PrincipalID)
	if err := ms.Insert(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	var first, second bool
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		first, err = ms.markRevoked(ctx, tx, m.MandateID, "admin", "compromised", at)
		if err != nil {
			return err
		}
		second, err = ms.markRevoked(ctx, tx, m.MandateID, "admin", "again", at.Add(time.Minute))
		return err
	})
	if err != nil {
		t.Fatalf("revoke tx: %v", err)
	}
	if !first || second {
		t.Fatalf("markRevoked idempotence: first=%v second=%v", first, second)
	}

	got, err := ms.Get(ctx, m.MandateID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Revoked || got.RevocationReason != "compromised" || got.RevokedBy != "admin" {
		t.Errorf("revocation state: %+v", got)
	}
	if got.RevokedAt == nil || !got.RevokedAt.Equal(at) {
		t.Errorf("revoked_at = %v, want %v", got.RevokedAt, at)
	}
}

func TestLiveExcludesRevokedAndExpired(t *testing.T) {
	db, ids, ms := testStore(t)
	ctx := context.Background()
	issuer := registerPrincipal(t, ids, "issuer")
	agent := registerPrincipal(t, ids, "agent")

	live := sampleMandate(issuer.PrincipalID, agent.PrincipalID)
	live.MandateID = "live"
	expired := sampleMandate(issuer.PrincipalID, agent.PrincipalID)
	expired.MandateID = "expired"
	expired.ValidUntil = expired.ValidFrom.Add(time.Minute)
	revoked := sampleMandate(issuer.PrincipalID, agent.PrincipalID)
	revoked.MandateID = "revoked"

	for _, m := range []*Mandate{live, expired, revoked} {
		if err := ms.Insert(ctx, m); err != nil {
			t.Fatalf("insert %s: %v", m.MandateID, err)
		}
	}
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := ms.markRevoked(ctx, tx, "revoked", "admin", "cleanup", time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}

	now := live.ValidFrom.Add(30 * time.Minute)
	got, err := ms.Live(ctx, now)
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if len(got) != 1 || got[0].MandateID != "live" {
		t.Fatalf("live set = %v", got)
	}
}
