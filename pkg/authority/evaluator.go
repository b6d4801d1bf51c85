// Package authority decides whether a mandate covers a requested action on
// a resource. The evaluator is pure and fail-closed: it holds no mutable
// state, reaches the world only through injected resolvers, and converts
// every internal failure into a denial.
package authority

import (
	"context"
	"fmt"
	"time"

	"github.com/garudex-labs/caracal/pkg/canonical"
	"github.com/garudex-labs/caracal/pkg/mandate"
)

// maxChainDepth bounds parent recursion against corrupted chains.
const maxChainDepth = 64

// Kind classifies a denial. The order of the checks in Decide is part of
// the contract: the first failing rule names the kind.
type Kind string

const (
	KindPolicyNotFound     Kind = "POLICY_NOT_FOUND"
	KindInvalidSignature   Kind = "INVALID_SIGNATURE"
	KindRevoked            Kind = "REVOKED"
	KindNotYetValid        Kind = "NOT_YET_VALID"
	KindExpired            Kind = "EXPIRED"
	KindActionOutOfScope   Kind = "ACTION_OUT_OF_SCOPE"
	KindResourceOutOfScope Kind = "RESOURCE_OUT_OF_SCOPE"
	KindScopeEscalation    Kind = "SCOPE_ESCALATION"
)

// Decision is the evaluator's verdict. DenialKind is empty when allowed,
// and also for internal failures, which deny with a reason only.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	DenialKind Kind   `json:"denial_kind,omitempty"`
}

// Resolver loads a mandate by id, used for parent chain walks.
type Resolver func(ctx context.Context, mandateID string) (*mandate.Mandate, error)

// Evaluator applies the decision rules. Construct one at process start and
// share it freely; it is safe for concurrent use.
type Evaluator struct {
	parents Resolver
	keys    mandate.KeyResolver
}

// NewEvaluator wires the evaluator's two capabilities: parent lookup and
// verification key resolution.
func NewEvaluator(parents Resolver, keys mandate.KeyResolver) *Evaluator {
	return &Evaluator{parents: parents, keys: keys}
}

// Decide reports whether m covers action on resource at time now. Rules
// run in contract order and short-circuit on the first failure:
// missing mandate, signature, revocation, window, action scope, resource
// scope, then the parent chain. A panic anywhere yields a denial.
func (e *Evaluator) Decide(ctx context.Context, m *mandate.Mandate, action, resource string, now time.Time) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = Decision{Reason: fmt.Sprintf("internal evaluation failure: %v", r)}
		}
	}()
	return e.decide(ctx, m, action, resource, now, 0)
}

func (e *Evaluator) decide(ctx context.Context, m *mandate.Mandate, action, resource string, now time.Time, depth int) Decision {
	if m == nil {
		return denied(KindPolicyNotFound, "no mandate presented")
	}
	if depth > maxChainDepth {
		return denied(KindScopeEscalation, "delegation chain exceeds %d links", maxChainDepth)
	}

	pubKeyPEM, err := e.keys(ctx, m)
	if err != nil {
		return denied(KindInvalidSignature, "mandate %s: resolve verification key: %v", m.MandateID, err)
	}
	ok, err := m.VerifySignature(pubKeyPEM)
	if err != nil {
		return denied(KindInvalidSignature, "mandate %s: %v", m.MandateID, err)
	}
	if !ok {
		return denied(KindInvalidSignature, "mandate %s signature does not verify", m.MandateID)
	}

	if m.Revoked {
		reason := m.RevocationReason
		if reason == "" {
			reason = "no reason recorded"
		}
		return denied(KindRevoked, "mandate %s revoked by %s: %s", m.MandateID, m.RevokedBy, reason)
	}
	if m.NotYetValid(now) {
		return denied(KindNotYetValid, "mandate %s not valid until %s", m.MandateID, canonical.Timestamp(m.ValidFrom))
	}
	if m.Expired(now) {
		return denied(KindExpired, "mandate %s expired at %s", m.MandateID, canonical.Timestamp(m.ValidUntil))
	}

	if !mandate.CompileScope(m.ActionScope).Matches(action) {
		return denied(KindActionOutOfScope, "action %q not in mandate action scope", action)
	}
	if !mandate.CompileScope(m.ResourceScope).Matches(resource) {
		return denied(KindResourceOutOfScope, "resource %q matches no mandate resource pattern", resource)
	}

	if m.ParentMandateID != "" {
		if e.parents == nil {
			return denied(KindScopeEscalation, "mandate %s: parent resolution unavailable", m.MandateID)
		}
		parent, err := e.parents(ctx, m.ParentMandateID)
		if err != nil {
			return denied(KindScopeEscalation, "mandate %s: load parent %s: %v", m.MandateID, m.ParentMandateID, err)
		}
		if pd := e.decide(ctx, parent, action, resource, now, depth+1); !pd.Allowed {
			return denied(KindScopeEscalation, "parent mandate denies request: %s", pd.Reason)
		}
	}

	return Decision{Allowed: true, Reason: "mandate covers request"}
}

func denied(kind Kind, format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...), DenialKind: kind}
}
