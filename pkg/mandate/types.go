// Package mandate implements execution mandates: signed, delegable grants
// of authority from one principal to another. It holds the mandate record
// and its canonical signing payload, the SQL store, the JWS wire form, and
// the manager that issues, delegates, and revokes under policy control.
package mandate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/garudex-labs/caracal/pkg/canonical"
	"github.com/garudex-labs/caracal/pkg/crypto"
)

var (
	ErrNotFound       = errors.New("mandate not found")
	ErrMalformedToken = errors.New("malformed mandate token")
	ErrTokenSignature = errors.New("mandate token signature invalid")
)

// Validation failure kinds surfaced by the manager. The evaluator reuses
// the overlapping names for its denial kinds so operators see one
// vocabulary across issuance and decision logs.
const (
	KindPolicyNotFound          = "POLICY_NOT_FOUND"
	KindPrincipalNotFound       = "PRINCIPAL_NOT_FOUND"
	KindPrincipalInactive       = "PRINCIPAL_INACTIVE"
	KindMandateNotFound         = "MANDATE_NOT_FOUND"
	KindActionOutOfScope        = "ACTION_OUT_OF_SCOPE"
	KindResourceOutOfScope      = "RESOURCE_OUT_OF_SCOPE"
	KindScopeEscalation         = "SCOPE_ESCALATION"
	KindValidityExceedsPolicy   = "VALIDITY_EXCEEDS_POLICY"
	KindValidityExceedsParent   = "VALIDITY_EXCEEDS_PARENT"
	KindDelegationNotAllowed    = "DELEGATION_NOT_ALLOWED"
	KindDelegationDepthExceeded = "DELEGATION_DEPTH_EXCEEDED"
	KindRevoked                 = "REVOKED"
	KindExpired                 = "EXPIRED"
	KindInvalidSignature        = "INVALID_SIGNATURE"
	KindGuardRejected           = "GUARD_REJECTED"
)

// ValidationError is a typed rejection from issue, delegate, or revoke.
// Kind is one of the Kind* constants; Detail is operator-readable.
type ValidationError struct {
	Kind   string
	Detail string
	err    error
}

func (e *ValidationError) Error() string {
	return e.Kind + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error { return e.err }

func invalid(kind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Mandate is a signed capability: issuer grants subject the right to perform
// the actions in ActionScope against resources matching ResourceScope, inside
// the validity window. The signature covers every field except revocation
// state, which mutates after signing.
type Mandate struct {
	MandateID       string          `json:"mandate_id"`
	IssuerID        string          `json:"issuer_id"`
	SubjectID       string          `json:"subject_id"`
	ResourceScope   []string        `json:"resource_scope"`
	ActionScope     []string        `json:"action_scope"`
	ValidFrom       time.Time       `json:"valid_from"`
	ValidUntil      time.Time       `json:"valid_until"`
	ParentMandateID string          `json:"parent_mandate_id,omitempty"`
	DelegationDepth int             `json:"delegation_depth"`
	Intent          json.RawMessage `json:"intent,omitempty"`
	SignerKeyID     string          `json:"signer_key_id,omitempty"`
	Signature       string          `json:"signature,omitempty"`

	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        string     `json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// signingPayload is the canonical form put under the signature: every
// mandate field except the signature itself and revocation state.
// Timestamps are RFC 3339 UTC at second precision, so mandates are stamped
// on whole seconds at issuance.
type signingPayload struct {
	MandateID       string          `json:"mandate_id"`
	IssuerID        string          `json:"issuer_id"`
	SubjectID       string          `json:"subject_id"`
	ResourceScope   []string        `json:"resource_scope"`
	ActionScope     []string        `json:"action_scope"`
	ValidFrom       string          `json:"valid_from"`
	ValidUntil      string          `json:"valid_until"`
	ParentMandateID string          `json:"parent_mandate_id,omitempty"`
	DelegationDepth int             `json:"delegation_depth"`
	Intent          json.RawMessage `json:"intent,omitempty"`
	SignerKeyID     string          `json:"signer_key_id,omitempty"`
}

// SigningPayload returns the canonical bytes the signature covers.
func (m *Mandate) SigningPayload() ([]byte, error) {
	return canonical.Marshal(signingPayload{
		MandateID:       m.MandateID,
		IssuerID:        m.IssuerID,
		SubjectID:       m.SubjectID,
		ResourceScope:   m.ResourceScope,
		ActionScope:     m.ActionScope,
		ValidFrom:       canonical.Timestamp(m.ValidFrom),
		ValidUntil:      canonical.Timestamp(m.ValidUntil),
		ParentMandateID: m.ParentMandateID,
		DelegationDepth: m.DelegationDepth,
		Intent:          m.Intent,
		SignerKeyID:     m.SignerKeyID,
	})
}

// Sign attaches the signer's key id and signature over the canonical payload.
func (m *Mandate) Sign(signer crypto.Signer) error {
	m.SignerKeyID = signer.KeyID()
	payload, err := m.SigningPayload()
	if err != nil {
		return fmt.Errorf("mandate %s: signing payload: %w", m.MandateID, err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("mandate %s: sign: %w", m.MandateID, err)
	}
	m.Signature = sig
	return nil
}

// VerifySignature checks the stored signature against a SPKI PEM public key.
// A structurally valid but wrong signature returns (false, nil).
func (m *Mandate) VerifySignature(pubKeyPEM string) (bool, error) {
	payload, err := m.SigningPayload()
	if err != nil {
		return false, err
	}
	return crypto.Verify(pubKeyPEM, m.Signature, payload)
}

// NotYetValid reports whether t is before the validity window opens.
func (m *Mandate) NotYetValid(t time.Time) bool { return t.Before(m.ValidFrom) }

// Expired reports whether t is past the validity window. The boundary
// instant itself is still valid.
func (m *Mandate) Expired(t time.Time) bool { return t.After(m.ValidUntil) }

// KeyResolver returns the SPKI PEM public key that verifies a mandate's
// signature. Deployments resolve the signer key id against the service
// keystore first, then fall back to the issuer's registered key for
// externally signed mandates.
type KeyResolver func(ctx context.Context, m *Mandate) (string, error)

// Filter narrows a mandate listing. Zero value lists everything.
type Filter struct {
	SubjectID      string
	IssuerID       string
	IncludeRevoked bool
	Limit          int
}
