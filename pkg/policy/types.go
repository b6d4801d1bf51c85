// Package policy stores authority policies: the per-principal rules that
// constrain what execution mandates may be issued. Every policy transition
// writes an immutable version row and publishes a policy.changes event.
package policy

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("policy not found")
	ErrNoActivePolicy     = errors.New("no active policy for principal")
	ErrActivePolicyExists = errors.New("principal already has an active policy")
	ErrPrincipalNotFound  = errors.New("principal not found")
	ErrAlreadyDeactivated = errors.New("policy already deactivated")
	ErrVersionNotFound    = errors.New("policy version not found")
	ErrInvalidSpec        = errors.New("invalid policy spec")
)

// ChangeType labels a policy transition in its version history.
type ChangeType string

const (
	ChangeCreated     ChangeType = "created"
	ChangeModified    ChangeType = "modified"
	ChangeDeactivated ChangeType = "deactivated"
)

// Policy is the active authority document for a principal. At most one
// policy per principal is active at a time.
type Policy struct {
	PolicyID                string    `json:"policy_id"`
	PrincipalID             string    `json:"principal_id"`
	AllowedResourcePatterns []string  `json:"allowed_resource_patterns"`
	AllowedActions          []string  `json:"allowed_actions"`
	MaxValiditySeconds      int64     `json:"max_validity_seconds"`
	AllowDelegation         bool      `json:"allow_delegation"`
	MaxDelegationDepth      int       `json:"max_delegation_depth"`
	Active                  bool      `json:"active"`
	CreatedAt               time.Time `json:"created_at"`
	CreatedBy               string    `json:"created_by"`
	VersionNumber           int       `json:"version_number"`
}

// Spec is the caller-supplied portion of a policy.
type Spec struct {
	AllowedResourcePatterns []string `json:"allowed_resource_patterns"`
	AllowedActions          []string `json:"allowed_actions"`
	MaxValiditySeconds      int64    `json:"max_validity_seconds"`
	AllowDelegation         bool     `json:"allow_delegation"`
	MaxDelegationDepth      int      `json:"max_delegation_depth"`
}

// Validate reports every problem with the spec at once.
func (s Spec) Validate() error {
	var problems []string
	if len(s.AllowedResourcePatterns) == 0 {
		problems = append(problems, "allowed_resource_patterns is empty")
	}
	if len(s.AllowedActions) == 0 {
		problems = append(problems, "allowed_actions is empty")
	}
	if s.MaxValiditySeconds <= 0 {
		problems = append(problems, "max_validity_seconds must be positive")
	}
	if s.MaxDelegationDepth < 0 {
		problems = append(problems, "max_delegation_depth must not be negative")
	}
	if !s.AllowDelegation && s.MaxDelegationDepth > 0 {
		problems = append(problems, "max_delegation_depth set but delegation disallowed")
	}
	if len(problems) == 0 {
		return nil
	}
	msg := problems[0]
	for _, p := range problems[1:] {
		msg += "; " + p
	}
	return errors.Join(ErrInvalidSpec, errors.New(msg))
}

// Version is an immutable snapshot of one policy transition. Before is nil
// for the initial created version.
type Version struct {
	VersionID     string     `json:"version_id"`
	PolicyID      string     `json:"policy_id"`
	VersionNumber int        `json:"version_number"`
	ChangeType    ChangeType `json:"change_type"`
	Before        *Policy    `json:"before,omitempty"`
	After         *Policy    `json:"after"`
	ChangedBy     string     `json:"changed_by"`
	ChangeReason  string     `json:"change_reason"`
	ChangedAt     time.Time  `json:"changed_at"`
}

// FieldChange records one differing field between two versions.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Diff compares the After states of two versions field by field. Identical
// fields are omitted.
func Diff(v1, v2 *Version) map[string]FieldChange {
	out := make(map[string]FieldChange)
	if v1 == nil || v2 == nil || v1.After == nil || v2.After == nil {
		return out
	}
	a, b := v1.After, v2.After

	if !equalStrings(a.AllowedResourcePatterns, b.AllowedResourcePatterns) {
		out["allowed_resource_patterns"] = FieldChange{From: a.AllowedResourcePatterns, To: b.AllowedResourcePatterns}
	}
	if !equalStrings(a.AllowedActions, b.AllowedActions) {
		out["allowed_actions"] = FieldChange{From: a.AllowedActions, To: b.AllowedActions}
	}
	if a.MaxValiditySeconds != b.MaxValiditySeconds {
		out["max_validity_seconds"] = FieldChange{From: a.MaxValiditySeconds, To: b.MaxValiditySeconds}
	}
	if a.AllowDelegation != b.AllowDelegation {
		out["allow_delegation"] = FieldChange{From: a.AllowDelegation, To: b.AllowDelegation}
	}
	if a.MaxDelegationDepth != b.MaxDelegationDepth {
		out["max_delegation_depth"] = FieldChange{From: a.MaxDelegationDepth, To: b.MaxDelegationDepth}
	}
	if a.Active != b.Active {
		out["active"] = FieldChange{From: a.Active, To: b.Active}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ChangeEvent is the policy.changes wire payload.
type ChangeEvent struct {
	EventID       string          `json:"event_id"`
	Timestamp     string          `json:"timestamp"`
	PolicyID      string          `json:"policy_id"`
	PrincipalID   string          `json:"principal_id"`
	ChangeType    ChangeType      `json:"change_type"`
	ChangedBy     string          `json:"changed_by"`
	ChangeReason  string          `json:"change_reason"`
	VersionNumber int             `json:"version_number"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after"`
}
