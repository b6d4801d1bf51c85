package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/garudex-labs/caracal/pkg/archive"
	"github.com/garudex-labs/caracal/pkg/canonical"
	"github.com/garudex-labs/caracal/pkg/crypto"
	"github.com/garudex-labs/caracal/pkg/database"
	"github.com/garudex-labs/caracal/pkg/identity"
	"github.com/garudex-labs/caracal/pkg/ledger"
	"github.com/garudex-labs/caracal/pkg/mandate"
	"github.com/garudex-labs/caracal/pkg/policy"
)

type snapshotFixture struct {
	db      *database.DB
	stores  Stores
	objects *archive.FSStore
	signer  crypto.Signer
	snap    *Snapshotter
	now     time.Time
}

// newSnapshotFixture builds a snapshotter over a fresh database. Fixtures
// sharing dir and signer can restore each other's snapshots.
func newSnapshotFixture(t *testing.T, dir string, signer crypto.Signer) *snapshotFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &snapshotFixture{db: db, signer: signer, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	principals, err := identity.NewStore(db, logger)
	if err != nil {
		t.Fatalf("identity store: %v", err)
	}
	principals.WithClock(clock)
	policies, err := policy.NewStore(db, logger)
	if err != nil {
		t.Fatalf("policy store: %v", err)
	}
	policies.WithClock(clock)
	mandates, err := mandate.NewStore(db, logger)
	if err != nil {
		t.Fatalf("mandate store: %v", err)
	}
	events, err := ledger.NewStore(db, logger)
	if err != nil {
		t.Fatalf("ledger store: %v", err)
	}
	events.WithClock(clock)
	catalog, err := NewStore(db, logger)
	if err != nil {
		t.Fatalf("catalog store: %v", err)
	}
	objects, err := archive.NewFSStore(dir)
	if err != nil {
		t.Fatalf("archive store: %v", err)
	}

	f.stores = Stores{
		Principals: principals,
		Policies:   policies,
		Mandates:   mandates,
		Ledger:     events,
		Catalog:    catalog,
	}
	f.objects = objects
	f.snap = NewSnapshotter(f.stores, objects, signer, nil, logger).WithClock(clock)
	return f
}

// seedAuthorityState registers a user with an agent child, grants the agent
// an active policy, and inserts three mandates of which only one is live.
func (f *snapshotFixture) seedAuthorityState(t *testing.T) (parent, agent *identity.Principal) {
	t.Helper()
	ctx := context.Background()

	parent, err := f.stores.Principals.Register(ctx, "ops-lead", "ops@example.com", identity.TypeUser, "")
	if err != nil {
		t.Fatalf("register parent: %v", err)
	}
	f.now = f.now.Add(time.Second)
	agent, err = f.stores.Principals.Register(ctx, "billing-agent", "ops@example.com", identity.TypeAgent, parent.PrincipalID)
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	_, err = f.stores.Policies.Create(ctx, agent.PrincipalID, policy.Spec{
		AllowedResourcePatterns: []string{"vendor:*"},
		AllowedActions:          []string{"payment.execute"},
		MaxValiditySeconds:      3600,
	}, "ops-lead", "initial grant")
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}

	live := &mandate.Mandate{
		MandateID:     "mnd-live",
		IssuerID:      parent.PrincipalID,
		SubjectID:     agent.PrincipalID,
		ResourceScope: []string{"vendor:acme"},
		ActionScope:   []string{"payment.execute"},
		ValidFrom:     f.now.Add(-time.Hour),
		ValidUntil:    f.now.Add(time.Hour),
		SignerKeyID:   f.signer.KeyID(),
		Signature:     "aa",
	}
	expired := &mandate.Mandate{
		MandateID:     "mnd-expired",
		IssuerID:      parent.PrincipalID,
		SubjectID:     agent.PrincipalID,
		ResourceScope: []string{"vendor:acme"},
		ActionScope:   []string{"payment.execute"},
		ValidFrom:     f.now.Add(-2 * time.Hour),
		ValidUntil:    f.now.Add(-time.Hour),
		SignerKeyID:   f.signer.KeyID(),
		Signature:     "bb",
	}
	revokedAt := f.now.Add(-time.Minute)
	revoked := &mandate.Mandate{
		MandateID:        "mnd-revoked",
		IssuerID:         parent.PrincipalID,
		SubjectID:        agent.PrincipalID,
		ResourceScope:    []string{"vendor:acme"},
		ActionScope:      []string{"payment.execute"},
		ValidFrom:        f.now.Add(-time.Hour),
		ValidUntil:       f.now.Add(time.Hour),
		SignerKeyID:      f.signer.KeyID(),
		Signature:        "cc",
		Revoked:          true,
		RevokedAt:        &revokedAt,
		RevokedBy:        parent.PrincipalID,
		RevocationReason: "key rotation",
	}
	// Import keeps the seeded revocation state; Insert only writes fresh
	// mandates.
	if err := f.stores.Mandates.Import(ctx, []*mandate.Mandate{live, expired, revoked}); err != nil {
		t.Fatalf("import mandates: %v", err)
	}

	for i := 1; i <= 2; i++ {
		row := ledger.NewRow(&ledger.Event{
			EventID:   fmt.Sprintf("src-%d", i),
			Kind:      ledger.KindAuthorityDecision,
			Timestamp: canonical.Timestamp(f.now),
			Decision:  ledger.DecisionAllowed,
		})
		err := f.db.WithTx(ctx, func(tx *sql.Tx) error {
			return f.stores.Ledger.AppendTx(ctx, tx, row)
		})
		if err != nil {
			t.Fatalf("append ledger event %d: %v", i, err)
		}
	}
	return parent, agent
}

func TestCreateCapturesState(t *testing.T) {
	f := newSnapshotFixture(t, t.TempDir(), newTestSigner(t))
	_, agent := f.seedAuthorityState(t)
	ctx := context.Background()

	meta, err := f.snap.Create(ctx)
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if meta.PrincipalCount != 2 || meta.PolicyCount != 1 || meta.MandateCount != 1 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/1", meta.PrincipalCount, meta.PolicyCount, meta.MandateCount)
	}
	if meta.LastIncludedEventID != 2 {
		t.Fatalf("last included event id = %d, want 2", meta.LastIncludedEventID)
	}
	if meta.FormatVersion != FormatVersion {
		t.Fatalf("format version = %q", meta.FormatVersion)
	}

	body, err := f.objects.Get(ctx, meta.ArchiveKey)
	if err != nil {
		t.Fatalf("fetch document: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.SnapshotID != meta.SnapshotID {
		t.Fatalf("document id %q, meta id %q", doc.SnapshotID, meta.SnapshotID)
	}
	if doc.CreatedAt != "2026-03-01T12:00:01Z" {
		t.Fatalf("created_at = %q", doc.CreatedAt)
	}
	if len(doc.LiveMandates) != 1 || doc.LiveMandates[0].MandateID != "mnd-live" {
		t.Fatalf("live mandates = %+v, want only mnd-live", doc.LiveMandates)
	}
	if len(doc.ActivePolicies) != 1 || doc.ActivePolicies[0].PrincipalID != agent.PrincipalID {
		t.Fatalf("active policies = %+v", doc.ActivePolicies)
	}
	// Oldest first, so a restore meets parents before children.
	if len(doc.Principals) != 2 || doc.Principals[0].Name != "ops-lead" {
		t.Fatalf("principals = %+v", doc.Principals)
	}
}

func TestCreateSignsDocument(t *testing.T) {
	f := newSnapshotFixture(t, t.TempDir(), newTestSigner(t))
	f.seedAuthorityState(t)
	ctx := context.Background()

	meta, err := f.snap.Create(ctx)
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	body, err := f.objects.Get(ctx, meta.ArchiveKey)
	if err != nil {
		t.Fatalf("fetch document: %v", err)
	}
	sigBody, err := f.objects.Get(ctx, meta.SignatureKey)
	if err != nil {
		t.Fatalf("fetch signature: %v", err)
	}
	var env signatureEnvelope
	if err := json.Unmarshal(sigBody, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Algorithm != signatureAlgorithm || env.KeyID != f.signer.KeyID() {
		t.Fatalf("envelope = %+v", env)
	}
	ok, err := crypto.Verify(f.signer.PublicKeyPEM(), env.Signature, body)
	if err != nil || !ok {
		t.Fatalf("signature over document bytes invalid: ok=%v err=%v", ok, err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	f := newSnapshotFixture(t, t.TempDir(), newTestSigner(t))
	f.seedAuthorityState(t)
	ctx := context.Background()

	meta, err := f.snap.Create(ctx)
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	res, err := f.snap.Verify(ctx, meta.SnapshotID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.ValidSignature {
		t.Fatal("fresh snapshot should verify")
	}
	if res.SignerKeyID != f.signer.KeyID() {
		t.Fatalf("signer key id = %q", res.SignerKeyID)
	}

	body, err := f.objects.Get(ctx, meta.ArchiveKey)
	if err != nil {
		t.Fatalf("fetch document: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	doc.LastIncludedEventID = 9000
	tampered, err := canonical.Marshal(&doc)
	if err != nil {
		t.Fatalf("marshal tampered document: %v", err)
	}
	if err := f.objects.Put(ctx, meta.ArchiveKey, tampered); err != nil {
		t.Fatalf("replace document: %v", err)
	}

	res, err = f.snap.Verify(ctx, meta.SnapshotID)
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if res.ValidSignature {
		t.Fatal("tampered document must not verify")
	}
}

func TestVerifyMissingSnapshot(t *testing.T) {
	f := newSnapshotFixture(t, t.TempDir(), newTestSigner(t))

	_, err := f.snap.Verify(context.Background(), "no-such-id")
	if !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("err = %v, want archive.ErrNotFound", err)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	signer := newTestSigner(t)
	source := newSnapshotFixture(t, dir, signer)
	parent, agent := source.seedAuthorityState(t)
	ctx := context.Background()

	meta, err := source.snap.Create(ctx)
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	target := newSnapshotFixture(t, dir, signer)
	res, err := target.snap.Restore(ctx, meta.SnapshotID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.PrincipalsRestored != 2 || res.PoliciesRestored != 1 || res.MandatesRestored != 1 {
		t.Fatalf("restored %d/%d/%d, want 2/1/1", res.PrincipalsRestored, res.PoliciesRestored, res.MandatesRestored)
	}
	if res.LastIncludedEventID != 2 {
		t.Fatalf("last included event id = %d", res.LastIncludedEventID)
	}
	if want := time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC); !res.ReplayFrom.Equal(want) {
		t.Fatalf("replay from = %v, want %v", res.ReplayFrom, want)
	}

	got, err := target.stores.Principals.Get(ctx, agent.PrincipalID)
	if err != nil {
		t.Fatalf("restored agent missing: %v", err)
	}
	if got.ParentID != parent.PrincipalID {
		t.Fatalf("restored agent parent = %q, want %q", got.ParentID, parent.PrincipalID)
	}
	pol, err := target.stores.Policies.Active(ctx, agent.PrincipalID)
	if err != nil {
		t.Fatalf("restored policy missing: %v", err)
	}
	if pol.AllowedActions[0] != "payment.execute" {
		t.Fatalf("restored policy actions = %v", pol.AllowedActions)
	}
	live, err := target.stores.Mandates.Live(ctx, target.now)
	if err != nil {
		t.Fatalf("live mandates: %v", err)
	}
	if len(live) != 1 || live[0].MandateID != "mnd-live" {
		t.Fatalf("restored live mandates = %+v", live)
	}

	// Upsert imports make a second restore a no-op rather than a conflict.
	if _, err := target.snap.Restore(ctx, meta.SnapshotID); err != nil {
		t.Fatalf("second restore: %v", err)
	}
}

func TestRestoreRejectsBadSignature(t *testing.T) {
	f := newSnapshotFixture(t, t.TempDir(), newTestSigner(t))
	f.seedAuthorityState(t)
	ctx := context.Background()

	meta, err := f.snap.Create(ctx)
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	body, err := f.objects.Get(ctx, meta.ArchiveKey)
	if err != nil {
		t.Fatalf("fetch document: %v", err)
	}
	if err := f.objects.Put(ctx, meta.ArchiveKey, append(body, '\n')); err != nil {
		t.Fatalf("replace document: %v", err)
	}

	_, err = f.snap.Restore(ctx, meta.SnapshotID)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestRestoreRejectsFutureFormat(t *testing.T) {
	f := newSnapshotFixture(t, t.TempDir(), newTestSigner(t))
	ctx := context.Background()

	doc := &Document{
		SnapshotID:    "future-snap",
		FormatVersion: "2.0.0",
		CreatedAt:     canonical.Timestamp(f.now),
		Principals:    []*identity.Principal{},
	}
	body, err := canonical.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal document: %v", err)
	}
	sig, err := f.signer.Sign(body)
	if err != nil {
		t.Fatalf("sign document: %v", err)
	}
	sigBody, err := canonical.Marshal(signatureEnvelope{
		Algorithm: signatureAlgorithm,
		KeyID:     f.signer.KeyID(),
		Signature: sig,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := f.objects.Put(ctx, objectKey(doc.SnapshotID), body); err != nil {
		t.Fatalf("put document: %v", err)
	}
	if err := f.objects.Put(ctx, signatureKey(doc.SnapshotID), sigBody); err != nil {
		t.Fatalf("put signature: %v", err)
	}

	_, err = f.snap.Restore(ctx, doc.SnapshotID)
	if !errors.Is(err, ErrIncompatibleFormat) {
		t.Fatalf("err = %v, want ErrIncompatibleFormat", err)
	}
}

func TestRotationPrunesOldest(t *testing.T) {
	f := newSnapshotFixture(t, t.TempDir(), newTestSigner(t))
	f.seedAuthorityState(t)
	f.snap.WithKeep(2)
	ctx := context.Background()

	var metas []*Meta
	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Minute)
		m, err := f.snap.Create(ctx)
		if err != nil {
			t.Fatalf("create snapshot %d: %v", i, err)
		}
		metas = append(metas, m)
	}

	listed, err := f.snap.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("catalog holds %d snapshots, want 2", len(listed))
	}
	if listed[0].SnapshotID != metas[2].SnapshotID || listed[1].SnapshotID != metas[1].SnapshotID {
		t.Fatalf("list order = %s, %s", listed[0].SnapshotID, listed[1].SnapshotID)
	}

	if _, err := f.stores.Catalog.Get(ctx, metas[0].SnapshotID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pruned catalog row err = %v, want ErrNotFound", err)
	}
	for _, key := range []string{metas[0].ArchiveKey, metas[0].SignatureKey} {
		exists, err := f.objects.Exists(ctx, key)
		if err != nil {
			t.Fatalf("exists %s: %v", key, err)
		}
		if exists {
			t.Fatalf("pruned object %s still archived", key)
		}
	}
	for _, key := range []string{metas[1].ArchiveKey, metas[2].ArchiveKey} {
		exists, err := f.objects.Exists(ctx, key)
		if err != nil || !exists {
			t.Fatalf("kept object %s missing: exists=%v err=%v", key, exists, err)
		}
	}
}

func newTestSigner(t *testing.T) crypto.Signer {
	t.Helper()
	signer, err := crypto.NewSoftwareSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}
