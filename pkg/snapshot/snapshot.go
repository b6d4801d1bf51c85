// Package snapshot captures point-in-time copies of authority state and
// restores them. A document holds every principal, the active policies,
// and the live mandates, plus the id of the last ledger event it reflects.
// Recovery loads a document and replays the bus from the snapshot's
// creation time to catch up; pkg/bus owns the replay half.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/garudex-labs/caracal/pkg/archive"
	"github.com/garudex-labs/caracal/pkg/canonical"
	"github.com/garudex-labs/caracal/pkg/crypto"
	"github.com/garudex-labs/caracal/pkg/identity"
	"github.com/garudex-labs/caracal/pkg/ledger"
	"github.com/garudex-labs/caracal/pkg/mandate"
	"github.com/garudex-labs/caracal/pkg/policy"
)

// FormatVersion stamps new documents. Restore accepts any 1.x document;
// bumping the major retires everything shipped before it.
const FormatVersion = "1.0.0"

const formatConstraint = "^1"

const signatureAlgorithm = "ecdsa-p256-sha256"

// DefaultKeep is how many snapshots rotation retains.
const DefaultKeep = 5

var (
	ErrNotFound           = errors.New("snapshot not found")
	ErrBadSignature       = errors.New("snapshot signature verification failed")
	ErrIncompatibleFormat = errors.New("snapshot format version not supported")
)

// Document is the archived snapshot file. The detached signature covers
// its exact stored bytes, so the file is never re-marshaled to verify.
type Document struct {
	SnapshotID          string                `json:"snapshot_id"`
	FormatVersion       string                `json:"format_version"`
	CreatedAt           string                `json:"created_at"`
	LastIncludedEventID int64                 `json:"last_included_event_id"`
	Principals          []*identity.Principal `json:"principals"`
	ActivePolicies      []*policy.Policy      `json:"active_policies"`
	LiveMandates        []*mandate.Mandate    `json:"live_mandates"`
}

// signatureEnvelope is the detached .sig object stored beside a document.
type signatureEnvelope struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"`
}

// Meta is the catalog row kept per shipped snapshot.
type Meta struct {
	SnapshotID          string    `json:"snapshot_id"`
	FormatVersion       string    `json:"format_version"`
	CreatedAt           time.Time `json:"created_at"`
	LastIncludedEventID int64     `json:"last_included_event_id"`
	PrincipalCount      int       `json:"principal_count"`
	PolicyCount         int       `json:"policy_count"`
	MandateCount        int       `json:"mandate_count"`
	ArchiveKey          string    `json:"archive_key"`
	SignatureKey        string    `json:"signature_key"`
	SignerKeyID         string    `json:"signer_key_id"`
}

// RestoreResult reports what a restore loaded and where replay resumes.
type RestoreResult struct {
	SnapshotID          string    `json:"snapshot_id"`
	LastIncludedEventID int64     `json:"last_included_event_id"`
	ReplayFrom          time.Time `json:"replay_from"`
	PrincipalsRestored  int       `json:"principals_restored"`
	PoliciesRestored    int       `json:"policies_restored"`
	MandatesRestored    int       `json:"mandates_restored"`
}

// VerifyResult is the outcome of a standalone document check.
type VerifyResult struct {
	SnapshotID          string `json:"snapshot_id"`
	FormatVersion       string `json:"format_version"`
	SignerKeyID         string `json:"signed_by_key_id,omitempty"`
	ValidSignature      bool   `json:"valid_signature"`
	LastIncludedEventID int64  `json:"last_included_event_id"`
}

// Stores bundles the persistence surfaces a snapshot touches.
type Stores struct {
	Principals *identity.Store
	Policies   *policy.Store
	Mandates   *mandate.Store
	Ledger     *ledger.Store
	Catalog    *Store
}

// Snapshotter creates, verifies, and restores snapshots.
type Snapshotter struct {
	stores  Stores
	objects archive.Store
	signer  crypto.Signer
	keys    crypto.KeyLookup
	logger  *slog.Logger
	clock   func() time.Time

	keep     int
	interval time.Duration
}

// NewSnapshotter wires the snapshot pipeline. A nil keys lookup trusts
// only the signer's own key, which suits single-key deployments.
func NewSnapshotter(stores Stores, objects archive.Store, signer crypto.Signer, keys crypto.KeyLookup, logger *slog.Logger) *Snapshotter {
	if keys == nil {
		keys = crypto.StaticKeys(map[string]string{signer.KeyID(): signer.PublicKeyPEM()})
	}
	return &Snapshotter{
		stores:  stores,
		objects: objects,
		signer:  signer,
		keys:    keys,
		logger:  logger.With(slog.String("component", "snapshotter")),
		clock:   time.Now,
		keep:    DefaultKeep,
	}
}

// WithKeep overrides the rotation count. Zero or negative disables pruning.
func (s *Snapshotter) WithKeep(n int) *Snapshotter {
	s.keep = n
	return s
}

// WithInterval enables scheduled snapshots in Run.
func (s *Snapshotter) WithInterval(d time.Duration) *Snapshotter {
	s.interval = d
	return s
}

// WithClock overrides clock for testing.
func (s *Snapshotter) WithClock(clock func() time.Time) *Snapshotter {
	s.clock = clock
	return s
}

func objectKey(snapshotID string) string {
	return "snapshots/" + snapshotID + ".json"
}

func signatureKey(snapshotID string) string {
	return "snapshots/" + snapshotID + ".sig"
}

// Create captures the current authority state, signs it, and ships it to
// the archive. The event bound is read before the entity tables: anything
// committed in between ends up both in the document and in the replayed
// events, which the upsert imports tolerate. The reverse order could lose
// writes.
func (s *Snapshotter) Create(ctx context.Context) (*Meta, error) {
	now := s.clock().UTC()

	lastID, err := s.stores.Ledger.MaxEventID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger head: %w", err)
	}
	principals, err := s.stores.Principals.List(ctx, identity.Filter{})
	if err != nil {
		return nil, fmt.Errorf("read principals: %w", err)
	}
	policies, err := s.stores.Policies.AllActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("read active policies: %w", err)
	}
	mandates, err := s.stores.Mandates.Live(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("read live mandates: %w", err)
	}

	doc := &Document{
		SnapshotID:          uuid.NewString(),
		FormatVersion:       FormatVersion,
		CreatedAt:           canonical.Timestamp(now),
		LastIncludedEventID: lastID,
		Principals:          principals,
		ActivePolicies:      policies,
		LiveMandates:        mandates,
	}
	// Empty sections stay arrays in the file, not null.
	if doc.Principals == nil {
		doc.Principals = []*identity.Principal{}
	}
	if doc.ActivePolicies == nil {
		doc.ActivePolicies = []*policy.Policy{}
	}
	if doc.LiveMandates == nil {
		doc.LiveMandates = []*mandate.Mandate{}
	}

	body, err := canonical.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	sig, err := s.signer.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("sign snapshot: %w", err)
	}
	sigBody, err := canonical.Marshal(signatureEnvelope{
		Algorithm: signatureAlgorithm,
		KeyID:     s.signer.KeyID(),
		Signature: sig,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal signature envelope: %w", err)
	}

	if err := s.objects.Put(ctx, objectKey(doc.SnapshotID), body); err != nil {
		return nil, fmt.Errorf("ship snapshot: %w", err)
	}
	if err := s.objects.Put(ctx, signatureKey(doc.SnapshotID), sigBody); err != nil {
		return nil, fmt.Errorf("ship snapshot signature: %w", err)
	}

	meta := &Meta{
		SnapshotID:          doc.SnapshotID,
		FormatVersion:       doc.FormatVersion,
		CreatedAt:           now,
		LastIncludedEventID: lastID,
		PrincipalCount:      len(doc.Principals),
		PolicyCount:         len(doc.ActivePolicies),
		MandateCount:        len(doc.LiveMandates),
		ArchiveKey:          objectKey(doc.SnapshotID),
		SignatureKey:        signatureKey(doc.SnapshotID),
		SignerKeyID:         s.signer.KeyID(),
	}
	if err := s.stores.Catalog.insert(ctx, meta); err != nil {
		return nil, err
	}
	s.logger.Info("snapshot created",
		slog.String("snapshot_id", meta.SnapshotID),
		slog.Int64("last_included_event_id", lastID),
		slog.Int("principals", meta.PrincipalCount),
		slog.Int("policies", meta.PolicyCount),
		slog.Int("mandates", meta.MandateCount))

	if err := s.rotate(ctx); err != nil {
		// A failed prune leaves extra snapshots behind; nothing is lost.
		s.logger.Warn("snapshot rotation failed", slog.Any("error", err))
	}
	return meta, nil
}

// rotate prunes snapshots beyond the retention count, oldest first.
func (s *Snapshotter) rotate(ctx context.Context) error {
	if s.keep <= 0 {
		return nil
	}
	metas, err := s.stores.Catalog.List(ctx)
	if err != nil {
		return err
	}
	if len(metas) <= s.keep {
		return nil
	}
	for _, m := range metas[s.keep:] {
		if err := s.objects.Delete(ctx, m.ArchiveKey); err != nil {
			return fmt.Errorf("prune snapshot %s: %w", m.SnapshotID, err)
		}
		if err := s.objects.Delete(ctx, m.SignatureKey); err != nil {
			return fmt.Errorf("prune snapshot %s signature: %w", m.SnapshotID, err)
		}
		if err := s.stores.Catalog.delete(ctx, m.SnapshotID); err != nil {
			return err
		}
		s.logger.Info("snapshot pruned", slog.String("snapshot_id", m.SnapshotID))
	}
	return nil
}

// fetch loads a document and checks its detached signature. A failed key
// lookup or bad signature reports ValidSignature false without an error;
// missing objects surface as archive.ErrNotFound.
func (s *Snapshotter) fetch(ctx context.Context, snapshotID string) (*Document, *VerifyResult, error) {
	body, err := s.objects.Get(ctx, objectKey(snapshotID))
	if err != nil {
		return nil, nil, fmt.Errorf("fetch snapshot %s: %w", snapshotID, err)
	}
	sigBody, err := s.objects.Get(ctx, signatureKey(snapshotID))
	if err != nil {
		return nil, nil, fmt.Errorf("fetch snapshot %s signature: %w", snapshotID, err)
	}
	var env signatureEnvelope
	if err := json.Unmarshal(sigBody, &env); err != nil {
		return nil, nil, fmt.Errorf("decode signature envelope for %s: %w", snapshotID, err)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode snapshot %s: %w", snapshotID, err)
	}

	result := &VerifyResult{
		SnapshotID:          doc.SnapshotID,
		FormatVersion:       doc.FormatVersion,
		SignerKeyID:         env.KeyID,
		LastIncludedEventID: doc.LastIncludedEventID,
	}
	if pem, err := s.keys(ctx, env.KeyID); err == nil {
		ok, err := crypto.Verify(pem, env.Signature, body)
		result.ValidSignature = err == nil && ok
	}
	return &doc, result, nil
}

// Verify checks a stored snapshot without loading it anywhere.
func (s *Snapshotter) Verify(ctx context.Context, snapshotID string) (*VerifyResult, error) {
	_, result, err := s.fetch(ctx, snapshotID)
	return result, err
}

// Restore verifies a snapshot and loads it into the stores, replacing rows
// that share ids with the document. It does not touch the bus; the caller
// replays from the returned bound to catch up.
func (s *Snapshotter) Restore(ctx context.Context, snapshotID string) (*RestoreResult, error) {
	doc, check, err := s.fetch(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if !check.ValidSignature {
		return nil, fmt.Errorf("%w: snapshot %s signed by %q", ErrBadSignature, snapshotID, check.SignerKeyID)
	}

	constraint, err := semver.NewConstraint(formatConstraint)
	if err != nil {
		return nil, fmt.Errorf("parse format constraint: %w", err)
	}
	version, err := semver.NewVersion(doc.FormatVersion)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s format version %q: %w", snapshotID, doc.FormatVersion, err)
	}
	if !constraint.Check(version) {
		return nil, fmt.Errorf("%w: %s", ErrIncompatibleFormat, doc.FormatVersion)
	}

	createdAt, err := time.Parse(time.RFC3339, doc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s created_at: %w", snapshotID, err)
	}

	// Principals first: policies and mandates reference them.
	if err := s.stores.Principals.Import(ctx, doc.Principals); err != nil {
		return nil, fmt.Errorf("restore principals: %w", err)
	}
	if err := s.stores.Policies.Import(ctx, doc.ActivePolicies); err != nil {
		return nil, fmt.Errorf("restore policies: %w", err)
	}
	if err := s.stores.Mandates.Import(ctx, doc.LiveMandates); err != nil {
		return nil, fmt.Errorf("restore mandates: %w", err)
	}

	result := &RestoreResult{
		SnapshotID:          doc.SnapshotID,
		LastIncludedEventID: doc.LastIncludedEventID,
		ReplayFrom:          createdAt,
		PrincipalsRestored:  len(doc.Principals),
		PoliciesRestored:    len(doc.ActivePolicies),
		MandatesRestored:    len(doc.LiveMandates),
	}
	s.logger.Info("snapshot restored",
		slog.String("snapshot_id", snapshotID),
		slog.Int64("last_included_event_id", result.LastIncludedEventID),
		slog.Int("principals", result.PrincipalsRestored),
		slog.Int("policies", result.PoliciesRestored),
		slog.Int("mandates", result.MandatesRestored))
	return result, nil
}

// List returns catalog entries, newest first.
func (s *Snapshotter) List(ctx context.Context) ([]*Meta, error) {
	return s.stores.Catalog.List(ctx)
}

// Run creates snapshots on the configured interval until ctx ends. With
// no interval set it blocks until cancellation so run groups can treat it
// like any other worker.
func (s *Snapshotter) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Create(ctx); err != nil {
				s.logger.Error("scheduled snapshot failed", slog.Any("error", err))
			}
		}
	}
}
