// Package identity manages Caracal principals: the users, agents, and
// services that issue or bear authority. Principals form a delegation
// graph through parent edges; the graph is kept acyclic on write.
package identity

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("principal not found")
	ErrDuplicateName  = errors.New("principal name already registered")
	ErrParentNotFound = errors.New("parent principal not found")
	ErrCycle          = errors.New("parent edge would create a cycle")
	ErrInvalidType    = errors.New("invalid principal type")
	ErrEmptyName      = errors.New("principal name is empty")
)

// PrincipalType classifies a principal.
type PrincipalType string

const (
	TypeUser    PrincipalType = "user"
	TypeAgent   PrincipalType = "agent"
	TypeService PrincipalType = "service"
)

// Valid reports whether t is a known principal type.
func (t PrincipalType) Valid() bool {
	switch t {
	case TypeUser, TypeAgent, TypeService:
		return true
	}
	return false
}

// Principal is a stable identity. Principals are never deleted, only
// deactivated; deactivation does not revoke mandates already issued.
type Principal struct {
	PrincipalID string        `json:"principal_id"`
	Name        string        `json:"name"`
	Owner       string        `json:"owner"`
	Type        PrincipalType `json:"principal_type"`
	ParentID    string        `json:"parent_id,omitempty"`
	PublicKey   string        `json:"public_key,omitempty"`
	Active      bool          `json:"active"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type       PrincipalType
	Owner      string
	ActiveOnly bool
	Limit      int
}

// Lifecycle values published to the agent.lifecycle topic.
const (
	LifecycleCreated     = "created"
	LifecycleUpdated     = "updated"
	LifecycleDeactivated = "deactivated"
)

// LifecycleEvent is the agent.lifecycle wire payload.
type LifecycleEvent struct {
	EventID     string `json:"event_id"`
	Timestamp   string `json:"timestamp"`
	PrincipalID string `json:"principal_id"`
	Lifecycle   string `json:"lifecycle"`
}
