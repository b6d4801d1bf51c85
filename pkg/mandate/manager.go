package mandate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/garudex-labs/caracal/pkg/canonical"
	"github.com/garudex-labs/caracal/pkg/crypto"
	"github.com/garudex-labs/caracal/pkg/identity"
	"github.com/garudex-labs/caracal/pkg/ledger"
	"github.com/garudex-labs/caracal/pkg/policy"
)

// maxChainDepth bounds parent chain walks against corrupted data.
const maxChainDepth = 64

// Publisher emits authority events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Manager issues, delegates, and revokes execution mandates. Every grant is
// checked against its governing policy and the issuance guard before it is
// signed and stored; mutations that pass emit one authority event each.
type Manager struct {
	store      *Store
	principals *identity.Store
	policies   *policy.Store
	guard      *policy.Guard
	signer     crypto.Signer
	keys       KeyResolver
	publisher  Publisher
	logger     *slog.Logger
	clock      func() time.Time
}

// NewManager wires the mandate manager. A nil guard skips draft rule checks;
// production wiring always passes one.
func NewManager(store *Store, principals *identity.Store, policies *policy.Store, guard *policy.Guard, signer crypto.Signer, logger *slog.Logger) *Manager {
	return &Manager{
		store:      store,
		principals: principals,
		policies:   policies,
		guard:      guard,
		signer:     signer,
		logger:     logger.With(slog.String("component", "mandate_manager")),
		clock:      time.Now,
	}
}

// WithClock overrides clock for testing.
func (mgr *Manager) WithClock(clock func() time.Time) *Manager {
	mgr.clock = clock
	return mgr
}

// WithPublisher attaches the bus producer for authority events.
func (mgr *Manager) WithPublisher(p Publisher) *Manager {
	mgr.publisher = p
	return mgr
}

// WithKeyResolver enables parent signature verification on delegation.
func (mgr *Manager) WithKeyResolver(r KeyResolver) *Manager {
	mgr.keys = r
	return mgr
}

// IssueRequest describes a root mandate grant.
type IssueRequest struct {
	IssuerID        string
	SubjectID       string
	ResourceScope   []string
	ActionScope     []string
	ValiditySeconds int64
	Intent          json.RawMessage
}

// Issue grants a new root mandate from issuer to subject, bounded by the
// issuer's active policy.
func (mgr *Manager) Issue(ctx context.Context, req IssueRequest) (*Mandate, error) {
	if _, err := mgr.activePrincipal(ctx, req.IssuerID); err != nil {
		return nil, err
	}
	if _, err := mgr.activePrincipal(ctx, req.SubjectID); err != nil {
		return nil, err
	}

	pol, err := mgr.policies.Active(ctx, req.IssuerID)
	if errors.Is(err, policy.ErrNoActivePolicy) {
		return nil, invalid(KindPolicyNotFound, "issuer %s has no active policy", req.IssuerID)
	}
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	if v, outside := CompileScope(pol.AllowedResourcePatterns).FirstOutside(req.ResourceScope); outside {
		return nil, invalid(KindResourceOutOfScope, "resource %q not allowed by policy %s", v, pol.PolicyID)
	}
	if v, outside := CompileScope(pol.AllowedActions).FirstOutside(req.ActionScope); outside {
		return nil, invalid(KindActionOutOfScope, "action %q not allowed by policy %s", v, pol.PolicyID)
	}
	if req.ValiditySeconds > pol.MaxValiditySeconds {
		return nil, invalid(KindValidityExceedsPolicy, "validity %ds exceeds policy maximum %ds",
			req.ValiditySeconds, pol.MaxValiditySeconds)
	}

	now := mgr.clock().UTC().Truncate(time.Second)
	m := &Mandate{
		MandateID:     uuid.New().String(),
		IssuerID:      req.IssuerID,
		SubjectID:     req.SubjectID,
		ResourceScope: req.ResourceScope,
		ActionScope:   req.ActionScope,
		ValidFrom:     now,
		ValidUntil:    now.Add(time.Duration(req.ValiditySeconds) * time.Second),
		Intent:        req.Intent,
	}

	if err := mgr.checkGuard(m, pol, now); err != nil {
		return nil, err
	}
	if err := m.Sign(mgr.signer); err != nil {
		return nil, err
	}
	if err := mgr.store.Insert(ctx, m); err != nil {
		return nil, err
	}

	mgr.publishEvent(ctx, ledger.KindMandateIssued, m)
	mgr.logger.Info("mandate issued",
		slog.String("mandate_id", m.MandateID),
		slog.String("issuer_id", m.IssuerID),
		slog.String("subject_id", m.SubjectID))
	return m, nil
}

// DelegateRequest describes a sub-grant carved out of an existing mandate.
type DelegateRequest struct {
	ParentMandateID string
	SubjectID       string
	ResourceScope   []string
	ActionScope     []string
	ValiditySeconds int64
	Intent          json.RawMessage
}

// Delegate issues a child mandate under a parent. The child's scope and
// window must fit inside the parent's; delegation rights and depth come
// from the policy that governed the chain root.
func (mgr *Manager) Delegate(ctx context.Context, req DelegateRequest) (*Mandate, error) {
	parent, err := mgr.store.Get(ctx, req.ParentMandateID)
	if errors.Is(err, ErrNotFound) {
		return nil, invalid(KindMandateNotFound, "parent mandate %s not found", req.ParentMandateID)
	}
	if err != nil {
		return nil, err
	}

	now := mgr.clock().UTC().Truncate(time.Second)
	if parent.Revoked {
		return nil, invalid(KindRevoked, "parent mandate %s is revoked", parent.MandateID)
	}
	if parent.Expired(now) {
		return nil, invalid(KindExpired, "parent mandate %s expired at %s",
			parent.MandateID, canonical.Timestamp(parent.ValidUntil))
	}
	if err := mgr.verifyParent(ctx, parent); err != nil {
		return nil, err
	}

	// The parent's subject becomes the child's issuer.
	if _, err := mgr.activePrincipal(ctx, parent.SubjectID); err != nil {
		return nil, err
	}
	if _, err := mgr.activePrincipal(ctx, req.SubjectID); err != nil {
		return nil, err
	}

	pol, err := mgr.rootPolicy(ctx, parent)
	if err != nil {
		return nil, err
	}
	if !pol.AllowDelegation {
		return nil, invalid(KindDelegationNotAllowed, "policy %s does not allow delegation", pol.PolicyID)
	}
	depth := parent.DelegationDepth + 1
	if depth > pol.MaxDelegationDepth {
		return nil, invalid(KindDelegationDepthExceeded, "depth %d exceeds policy maximum %d",
			depth, pol.MaxDelegationDepth)
	}

	if v, outside := CompileScope(parent.ResourceScope).FirstOutside(req.ResourceScope); outside {
		return nil, invalid(KindScopeEscalation, "resource %q escalates beyond parent scope", v)
	}
	if v, outside := CompileScope(parent.ActionScope).FirstOutside(req.ActionScope); outside {
		return nil, invalid(KindScopeEscalation, "action %q escalates beyond parent scope", v)
	}

	validUntil := now.Add(time.Duration(req.ValiditySeconds) * time.Second)
	if validUntil.After(parent.ValidUntil) {
		return nil, invalid(KindValidityExceedsParent, "valid_until %s outlives parent bound %s",
			canonical.Timestamp(validUntil), canonical.Timestamp(parent.ValidUntil))
	}

	m := &Mandate{
		MandateID:       uuid.New().String(),
		IssuerID:        parent.SubjectID,
		SubjectID:       req.SubjectID,
		ResourceScope:   req.ResourceScope,
		ActionScope:     req.ActionScope,
		ValidFrom:       now,
		ValidUntil:      validUntil,
		ParentMandateID: parent.MandateID,
		DelegationDepth: depth,
		Intent:          req.Intent,
	}

	if err := mgr.checkGuard(m, pol, now); err != nil {
		return nil, err
	}
	if err := m.Sign(mgr.signer); err != nil {
		return nil, err
	}
	// The parent's revoked flag is re-read under the insert transaction:
	// a cascade that committed after the checks above must see this child
	// or reject it, never miss it.
	err = mgr.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		revoked, err := mgr.store.lockRevoked(ctx, tx, parent.MandateID)
		if err != nil {
			return err
		}
		if revoked {
			return invalid(KindRevoked, "parent mandate %s is revoked", parent.MandateID)
		}
		return mgr.store.insert(ctx, tx, m)
	})
	if err != nil {
		return nil, err
	}

	mgr.publishEvent(ctx, ledger.KindMandateDelegated, m)
	mgr.logger.Info("mandate delegated",
		slog.String("mandate_id", m.MandateID),
		slog.String("parent_mandate_id", parent.MandateID),
		slog.String("subject_id", m.SubjectID),
		slog.Int("depth", depth))
	return m, nil
}

// Revoke marks a mandate revoked. With cascade, every mandate transitively
// delegated from it is revoked in the same transaction. Returns the ids
// actually revoked; revoking an already revoked mandate is a no-op.
func (mgr *Manager) Revoke(ctx context.Context, mandateID, revokedBy, reason string, cascade bool) ([]string, error) {
	root, err := mgr.store.Get(ctx, mandateID)
	if errors.Is(err, ErrNotFound) {
		return nil, invalid(KindMandateNotFound, "mandate %s not found", mandateID)
	}
	if err != nil {
		return nil, err
	}
	if root.Revoked {
		return nil, nil
	}

	now := mgr.clock().UTC()
	cascadeReason := reason + "; cascade from " + root.MandateID
	var revoked []*Mandate
	err = mgr.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		revoked = revoked[:0]

		// The root is marked first: on PostgreSQL that update blocks any
		// delegation holding the parent's row lock, so the descendant
		// read below sees every child a racing delegation could commit.
		hit, err := mgr.store.markRevoked(ctx, tx, root.MandateID, revokedBy, reason, now)
		if err != nil {
			return err
		}
		if !hit {
			return nil
		}
		at := now
		root.Revoked = true
		root.RevokedAt = &at
		root.RevokedBy = revokedBy
		root.RevocationReason = reason
		revoked = append(revoked, root)

		if !cascade {
			return nil
		}
		// Mark-then-expand: a node's children are read only after the
		// node itself is marked, so a delegation racing the cascade
		// either loses the parent's lock and is rejected, or commits
		// first and is found here.
		frontier := []string{root.MandateID}
		seen := map[string]bool{root.MandateID: true}
		for len(frontier) > 0 {
			current := frontier[0]
			frontier = frontier[1:]

			children, err := mgr.store.children(ctx, tx, current)
			if err != nil {
				return err
			}
			for _, v := range children {
				if seen[v.MandateID] {
					continue
				}
				seen[v.MandateID] = true
				frontier = append(frontier, v.MandateID)

				hit, err := mgr.store.markRevoked(ctx, tx, v.MandateID, revokedBy, cascadeReason, now)
				if err != nil {
					return err
				}
				if hit {
					at := now
					v.Revoked = true
					v.RevokedAt = &at
					v.RevokedBy = revokedBy
					v.RevocationReason = cascadeReason
					revoked = append(revoked, v)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(revoked))
	for _, v := range revoked {
		mgr.publishEvent(ctx, ledger.KindMandateRevoked, v)
		ids = append(ids, v.MandateID)
	}
	mgr.logger.Info("mandate revoked",
		slog.String("mandate_id", root.MandateID),
		slog.String("revoked_by", revokedBy),
		slog.Int("cascade_count", len(ids)-1))
	return ids, nil
}

func (mgr *Manager) activePrincipal(ctx context.Context, principalID string) (*identity.Principal, error) {
	p, err := mgr.principals.Get(ctx, principalID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, invalid(KindPrincipalNotFound, "principal %s not registered", principalID)
	}
	if err != nil {
		return nil, fmt.Errorf("load principal %s: %w", principalID, err)
	}
	if !p.Active {
		return nil, invalid(KindPrincipalInactive, "principal %s is deactivated", principalID)
	}
	return p, nil
}

// rootPolicy walks to the chain root and loads the active policy of its
// issuer: the policy that originally authorized the delegation chain.
func (mgr *Manager) rootPolicy(ctx context.Context, parent *Mandate) (*policy.Policy, error) {
	root := parent
	for hops := 0; root.ParentMandateID != ""; hops++ {
		if hops >= maxChainDepth {
			return nil, invalid(KindScopeEscalation, "delegation chain exceeds %d links", maxChainDepth)
		}
		next, err := mgr.store.Get(ctx, root.ParentMandateID)
		if err != nil {
			return nil, fmt.Errorf("walk delegation chain: %w", err)
		}
		root = next
	}

	pol, err := mgr.policies.Active(ctx, root.IssuerID)
	if errors.Is(err, policy.ErrNoActivePolicy) {
		return nil, invalid(KindPolicyNotFound, "chain root issuer %s has no active policy", root.IssuerID)
	}
	if err != nil {
		return nil, fmt.Errorf("load chain policy: %w", err)
	}
	return pol, nil
}

// verifyParent re-checks the parent's signature when a key resolver is
// wired. Rows are service-written, so this guards against key rotation gaps
// and direct database tampering.
func (mgr *Manager) verifyParent(ctx context.Context, parent *Mandate) error {
	if mgr.keys == nil {
		return nil
	}
	pubPEM, err := mgr.keys(ctx, parent)
	if err != nil {
		return fmt.Errorf("resolve parent key: %w", err)
	}
	ok, err := parent.VerifySignature(pubPEM)
	if err != nil {
		return &ValidationError{Kind: KindInvalidSignature,
			Detail: fmt.Sprintf("parent mandate %s: %v", parent.MandateID, err), err: err}
	}
	if !ok {
		return invalid(KindInvalidSignature, "parent mandate %s signature does not verify", parent.MandateID)
	}
	return nil
}

func (mgr *Manager) checkGuard(m *Mandate, pol *policy.Policy, now time.Time) error {
	if mgr.guard == nil {
		return nil
	}
	err := mgr.guard.Check(guardMandate(m), guardPolicy(pol), now)
	if err == nil {
		return nil
	}
	return &ValidationError{Kind: KindGuardRejected, Detail: err.Error(), err: err}
}

func guardMandate(m *Mandate) map[string]any {
	return map[string]any{
		"mandate_id":        m.MandateID,
		"issuer_id":         m.IssuerID,
		"subject_id":        m.SubjectID,
		"resource_scope":    m.ResourceScope,
		"action_scope":      m.ActionScope,
		"valid_from":        m.ValidFrom.Unix(),
		"valid_until":       m.ValidUntil.Unix(),
		"parent_mandate_id": m.ParentMandateID,
		"delegation_depth":  m.DelegationDepth,
	}
}

func guardPolicy(p *policy.Policy) map[string]any {
	return map[string]any{
		"policy_id":                 p.PolicyID,
		"principal_id":              p.PrincipalID,
		"allowed_resource_patterns": p.AllowedResourcePatterns,
		"allowed_actions":           p.AllowedActions,
		"max_validity_seconds":      p.MaxValiditySeconds,
		"allow_delegation":          p.AllowDelegation,
		"max_delegation_depth":      p.MaxDelegationDepth,
	}
}

func (mgr *Manager) publishEvent(ctx context.Context, kind string, m *Mandate) {
	if mgr.publisher == nil {
		return
	}
	payload, err := canonical.Marshal(m)
	if err != nil {
		mgr.logger.Error("marshal mandate payload", slog.String("error", err.Error()))
		return
	}
	value, err := canonical.Marshal(ledger.Event{
		EventID:     uuid.New().String(),
		Kind:        kind,
		Timestamp:   canonical.Timestamp(mgr.clock()),
		PrincipalID: m.SubjectID,
		MandateID:   m.MandateID,
		Payload:     payload,
	})
	if err != nil {
		mgr.logger.Error("marshal authority event", slog.String("error", err.Error()))
		return
	}
	if err := mgr.publisher.Publish(ctx, "authority.events", m.SubjectID, value); err != nil {
		mgr.logger.Warn("publish authority event failed",
			slog.String("kind", kind),
			slog.String("mandate_id", m.MandateID),
			slog.String("error", err.Error()))
	}
}
