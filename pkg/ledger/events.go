package ledger

import "encoding/json"

// Event kinds recorded in the authority ledger.
const (
	KindMandateIssued     = "mandate_issued"
	KindMandateDelegated  = "mandate_delegated"
	KindMandateRevoked    = "mandate_revoked"
	KindAuthorityDecision = "authority_decision"
	KindMetering          = "metering"
)

// Decision outcomes carried on authority_decision events.
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
)

// Event is the wire form every producer publishes on authority.events.
// EventID is assigned by the producer; the ledger writer assigns its own
// monotonic id on append and keeps the producer id as source_event_id for
// deduplication under at-least-once delivery.
type Event struct {
	EventID           string          `json:"event_id"`
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
}
