package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/garudex-labs/caracal/pkg/canonical"
	"github.com/garudex-labs/caracal/pkg/merkle"
)

// GenesisPrevHash anchors the hash chain: the first ledger row links to it
// instead of a predecessor.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Row is one appended ledger event. EventID is the ledger's own monotonic
// id; SourceEventID keeps the producer's id for deduplication. PrevHash
// links to the predecessor's leaf hash, so rewriting any row breaks both
// its own leaf and the next row's link.
//
// LeafHash and AppendedAt are derived and operational; they stay outside
// the canonical bytes the leaf hash covers.
type Row struct {
	EventID           int64           `json:"event_id"`
	SourceEventID     string          `json:"source_event_id,omitempty"`
	Kind              string          `json:"kind"`
	Timestamp         string          `json:"timestamp"`
	PrincipalID       string          `json:"principal_id,omitempty"`
	MandateID         string          `json:"mandate_id,omitempty"`
	Decision          string          `json:"decision,omitempty"`
	DenialKind        string          `json:"denial_kind,omitempty"`
	DenialReason      string          `json:"denial_reason,omitempty"`
	RequestedAction   string          `json:"requested_action,omitempty"`
	RequestedResource string          `json:"requested_resource,omitempty"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	PrevHash          string          `json:"prev_hash"`

	LeafHash   string    `json:"-"`
	AppendedAt time.Time `json:"-"`
}

// NewRow carries a wire event into an unassigned ledger row. EventID,
// PrevHash, and LeafHash are filled at append time.
func NewRow(e *Event) *Row {
	return &Row{
		SourceEventID:     e.EventID,
		Kind:              e.Kind,
		Timestamp:         e.Timestamp,
		PrincipalID:       e.PrincipalID,
		MandateID:         e.MandateID,
		Decision:          e.Decision,
		DenialKind:        e.DenialKind,
		DenialReason:      e.DenialReason,
		RequestedAction:   e.RequestedAction,
		RequestedResource: e.RequestedResource,
		CorrelationID:     e.CorrelationID,
		Payload:           e.Payload,
	}
}

// CanonicalBytes returns the bytes the row's Merkle leaf hashes over.
func (r *Row) CanonicalBytes() ([]byte, error) {
	b, err := canonical.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("canonicalize ledger row %d: %w", r.EventID, err)
	}
	return b, nil
}

// ComputeLeafHash derives LeafHash from the canonical bytes. EventID and
// PrevHash must already be assigned.
func (r *Row) ComputeLeafHash() error {
	b, err := r.CanonicalBytes()
	if err != nil {
		return err
	}
	r.LeafHash = merkle.LeafHash(b)
	return nil
}
