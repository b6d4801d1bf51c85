package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/garudex-labs/caracal/pkg/canonical"
	"github.com/garudex-labs/caracal/pkg/database"
)

// Publisher receives committed policy transitions for the policy.changes
// topic. The bus producer satisfies this at wiring time.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Store persists authority policies and their immutable version history.
// Transitions are atomic: the policy row and its version row commit in one
// transaction, then the change event is published best-effort.
type Store struct {
	db        *database.DB
	logger    *slog.Logger
	clock     func() time.Time
	publisher Publisher
}

// NewStore creates the policy store and its schema. The principals table
// must exist first.
func NewStore(db *database.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: logger.With(slog.String("component", "policy_store")),
		clock:  time.Now,
	}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("create policy schema: %w", err)
	}
	return s, nil
}

// WithClock overrides clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithPublisher attaches the change event publisher.
func (s *Store) WithPublisher(p Publisher) *Store {
	s.publisher = p
	return s
}

func (s *Store) createSchema() error {
	// policy_versions is append-only: nothing in this package updates or
	// deletes version rows, and production grants revoke those privileges.
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS authority_policies (
		policy_id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL REFERENCES principals(principal_id),
		allowed_resource_patterns TEXT NOT NULL,
		allowed_actions TEXT NOT NULL,
		max_validity_seconds INTEGER NOT NULL,
		allow_delegation BOOLEAN NOT NULL,
		max_delegation_depth INTEGER NOT NULL,
		active BOOLEAN NOT NULL,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		version_number INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_one_active
		ON authority_policies(principal_id) WHERE active;

	CREATE TABLE IF NOT EXISTS policy_versions (
		version_id TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL REFERENCES authority_policies(policy_id),
		version_number INTEGER NOT NULL,
		change_type TEXT NOT NULL,
		before TEXT,
		after TEXT NOT NULL,
		changed_by TEXT NOT NULL,
		change_reason TEXT NOT NULL,
		changed_at TEXT NOT NULL,
		UNIQUE (policy_id, version_number)
	);
	CREATE INDEX IF NOT EXISTS idx_policy_versions_policy
		ON policy_versions(policy_id, changed_at);
	`)
	return err
}

// Create writes a new policy and its initial version in one transaction.
// Fails if the principal already has an active policy; callers evolve an
// existing policy with Modify instead.
func (s *Store) Create(ctx context.Context, principalID string, spec Spec, createdBy, reason string) (*Policy, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	p := &Policy{
		PolicyID:                uuid.New().String(),
		PrincipalID:             principalID,
		AllowedResourcePatterns: spec.AllowedResourcePatterns,
		AllowedActions:          spec.AllowedActions,
		MaxValiditySeconds:      spec.MaxValiditySeconds,
		AllowDelegation:         spec.AllowDelegation,
		MaxDelegationDepth:      spec.MaxDelegationDepth,
		Active:                  true,
		CreatedAt:               now,
		CreatedBy:               createdBy,
		VersionNumber:           1,
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, s.db.Rebind(
			`SELECT EXISTS(SELECT 1 FROM principals WHERE principal_id = ?)`), principalID).Scan(&exists); err != nil {
			return fmt.Errorf("check principal: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrPrincipalNotFound, principalID)
		}

		var hasActive bool
		if err := tx.QueryRowContext(ctx, s.db.Rebind(
			`SELECT EXISTS(SELECT 1 FROM authority_policies WHERE principal_id = ? AND active)`), principalID).Scan(&hasActive); err != nil {
			return fmt.Errorf("check active policy: %w", err)
		}
		if hasActive {
			return fmt.Errorf("%w: %s", ErrActivePolicyExists, principalID)
		}

		if err := s.insertPolicy(ctx, tx, p); err != nil {
			return err
		}
		return s.insertVersion(ctx, tx, &Version{
			VersionID:     uuid.New().String(),
			PolicyID:      p.PolicyID,
			VersionNumber: 1,
			ChangeType:    ChangeCreated,
			Before:        nil,
			After:         p,
			ChangedBy:     createdBy,
			ChangeReason:  reason,
			ChangedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishChange(ctx, p.PolicyID, p.PrincipalID, ChangeCreated, createdBy, reason, 1, nil, p)
	s.logger.Info("policy created",
		slog.String("policy_id", p.PolicyID),
		slog.String("principal_id", principalID))
	return p, nil
}

// Modify applies a new spec, bumping the version and appending a version
// row, all in one transaction.
func (s *Store) Modify(ctx context.Context, policyID string, spec Spec, changedBy, reason string) (*Policy, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	var before, after *Policy

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getTx(ctx, tx, policyID)
		if err != nil {
			return err
		}

		next := *current
		next.AllowedResourcePatterns = spec.AllowedResourcePatterns
		next.AllowedActions = spec.AllowedActions
		next.MaxValiditySeconds = spec.MaxValiditySeconds
		next.AllowDelegation = spec.AllowDelegation
		next.MaxDelegationDepth = spec.MaxDelegationDepth
		next.VersionNumber = current.VersionNumber + 1

		if err := s.updatePolicy(ctx, tx, &next, current.VersionNumber); err != nil {
			return err
		}
		if err := s.insertVersion(ctx, tx, &Version{
			VersionID:     uuid.New().String(),
			PolicyID:      policyID,
			VersionNumber: next.VersionNumber,
			ChangeType:    ChangeModified,
			Before:        current,
			After:         &next,
			ChangedBy:     changedBy,
			ChangeReason:  reason,
			ChangedAt:     now,
		}); err != nil {
			return err
		}

		before, after = current, &next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishChange(ctx, policyID, after.PrincipalID, ChangeModified, changedBy, reason, after.VersionNumber, before, after)
	s.logger.Info("policy modified",
		slog.String("policy_id", policyID),
		slog.Int("version", after.VersionNumber))
	return after, nil
}

// Deactivate flips the active flag and appends a deactivated version row.
// Deactivating an already-inactive policy returns ErrAlreadyDeactivated.
func (s *Store) Deactivate(ctx context.Context, policyID, changedBy, reason string) error {
	now := s.clock().UTC()
	var before, after *Policy

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getTx(ctx, tx, policyID)
		if err != nil {
			return err
		}
		if !current.Active {
			return fmt.Errorf("%w: %s", ErrAlreadyDeactivated, policyID)
		}

		next := *current
		next.Active = false
		next.VersionNumber = current.VersionNumber + 1

		if err := s.updatePolicy(ctx, tx, &next, current.VersionNumber); err != nil {
			return err
		}
		if err := s.insertVersion(ctx, tx, &Version{
			VersionID:     uuid.New().String(),
			PolicyID:      policyID,
			VersionNumber: next.VersionNumber,
			ChangeType:    ChangeDeactivated,
			Before:        current,
			After:         &next,
			ChangedBy:     changedBy,
			ChangeReason:  reason,
			ChangedAt:     now,
		}); err != nil {
			return err
		}

		before, after = current, &next
		return nil
	})
	if err != nil {
		return err
	}

	s.publishChange(ctx, policyID, after.PrincipalID, ChangeDeactivated, changedBy, reason, after.VersionNumber, before, after)
	s.logger.Info("policy deactivated", slog.String("policy_id", policyID))
	return nil
}

// Active returns the principal's single active policy.
func (s *Store) Active(ctx context.Context, principalID string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(selectPolicy+` WHERE principal_id = ? AND active`), principalID)
	p, err := scanPolicy(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNoActivePolicy, principalID)
	}
	if err != nil {
		return nil, fmt.Errorf("query active policy: %w", err)
	}
	return p, nil
}

// AllActive returns every principal's active policy, for snapshots.
func (s *Store) AllActive(ctx context.Context) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, selectPolicy+` WHERE active ORDER BY principal_id`)
	if err != nil {
		return nil, fmt.Errorf("query active policies: %w", err)
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get returns a policy by id, active or not.
func (s *Store) Get(ctx context.Context, policyID string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(selectPolicy+` WHERE policy_id = ?`), policyID)
	p, err := scanPolicy(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, policyID)
	}
	if err != nil {
		return nil, fmt.Errorf("query policy: %w", err)
	}
	return p, nil
}

// History returns every version of a policy, oldest first.
func (s *Store) History(ctx context.Context, policyID string) ([]*Version, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(selectVersion+
		` WHERE policy_id = ? ORDER BY version_number ASC`), policyID)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var out []*Version
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, policyID)
	}
	return out, nil
}

// AtTime returns the version that was current at t: the most recent
// version with changed_at ≤ t.
func (s *Store) AtTime(ctx context.Context, policyID string, t time.Time) (*Version, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(selectVersion+
		` WHERE policy_id = ? AND changed_at <= ? ORDER BY version_number DESC LIMIT 1`),
		policyID, t.UTC().Format(time.RFC3339Nano))
	v, err := scanVersion(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s at %s", ErrVersionNotFound, policyID, t.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return nil, fmt.Errorf("query version at time: %w", err)
	}
	return v, nil
}

// Import writes policies as-is, bypassing validation, versioning, and
// change events. Snapshot restore and the v0.1 migration use it; nothing
// in the request path does. Existing rows with the same id are replaced.
func (s *Store) Import(ctx context.Context, policies []*Policy) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, p := range policies {
			patterns, _ := json.Marshal(p.AllowedResourcePatterns)
			actions, _ := json.Marshal(p.AllowedActions)
			_, err := tx.ExecContext(ctx, s.db.Rebind(`
				INSERT INTO authority_policies (policy_id, principal_id, allowed_resource_patterns,
					allowed_actions, max_validity_seconds, allow_delegation, max_delegation_depth,
					active, created_at, created_by, version_number)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (policy_id) DO UPDATE SET
					principal_id = excluded.principal_id,
					allowed_resource_patterns = excluded.allowed_resource_patterns,
					allowed_actions = excluded.allowed_actions,
					max_validity_seconds = excluded.max_validity_seconds,
					allow_delegation = excluded.allow_delegation,
					max_delegation_depth = excluded.max_delegation_depth,
					active = excluded.active,
					created_at = excluded.created_at,
					created_by = excluded.created_by,
					version_number = excluded.version_number`),
				p.PolicyID, p.PrincipalID, string(patterns), string(actions), p.MaxValiditySeconds,
				p.AllowDelegation, p.MaxDelegationDepth, p.Active,
				p.CreatedAt.Format(time.RFC3339Nano), p.CreatedBy, p.VersionNumber)
			if err != nil {
				return fmt.Errorf("import policy %s: %w", p.PolicyID, err)
			}
		}
		return nil
	})
}

const selectPolicy = `SELECT policy_id, principal_id, allowed_resource_patterns, allowed_actions,
	max_validity_seconds, allow_delegation, max_delegation_depth, active, created_at, created_by, version_number
	FROM authority_policies`

const selectVersion = `SELECT version_id, policy_id, version_number, change_type, before, after,
	changed_by, change_reason, changed_at
	FROM policy_versions`

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, policyID string) (*Policy, error) {
	row := tx.QueryRowContext(ctx, s.db.Rebind(selectPolicy+` WHERE policy_id = ?`), policyID)
	p, err := scanPolicy(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, policyID)
	}
	if err != nil {
		return nil, fmt.Errorf("query policy: %w", err)
	}
	return p, nil
}

func (s *Store) insertPolicy(ctx context.Context, tx *sql.Tx, p *Policy) error {
	patterns, _ := json.Marshal(p.AllowedResourcePatterns)
	actions, _ := json.Marshal(p.AllowedActions)

	_, err := tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO authority_policies (policy_id, principal_id, allowed_resource_patterns,
			allowed_actions, max_validity_seconds, allow_delegation, max_delegation_depth,
			active, created_at, created_by, version_number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.PolicyID, p.PrincipalID, string(patterns), string(actions), p.MaxValiditySeconds,
		p.AllowDelegation, p.MaxDelegationDepth, p.Active,
		p.CreatedAt.Format(time.RFC3339Nano), p.CreatedBy, p.VersionNumber)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

// updatePolicy writes the new policy state guarded by the version number
// the caller read, so concurrent modifications cannot silently overlap.
func (s *Store) updatePolicy(ctx context.Context, tx *sql.Tx, p *Policy, expectVersion int) error {
	patterns, _ := json.Marshal(p.AllowedResourcePatterns)
	actions, _ := json.Marshal(p.AllowedActions)

	res, err := tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE authority_policies
		SET allowed_resource_patterns = ?, allowed_actions = ?, max_validity_seconds = ?,
			allow_delegation = ?, max_delegation_depth = ?, active = ?, version_number = ?
		WHERE policy_id = ? AND version_number = ?`),
		string(patterns), string(actions), p.MaxValiditySeconds,
		p.AllowDelegation, p.MaxDelegationDepth, p.Active, p.VersionNumber,
		p.PolicyID, expectVersion)
	if err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update policy %s: concurrent modification (version %d gone)", p.PolicyID, expectVersion)
	}
	return nil
}

func (s *Store) insertVersion(ctx context.Context, tx *sql.Tx, v *Version) error {
	var before any
	if v.Before != nil {
		b, err := json.Marshal(v.Before)
		if err != nil {
			return fmt.Errorf("marshal before: %w", err)
		}
		before = string(b)
	}
	after, err := json.Marshal(v.After)
	if err != nil {
		return fmt.Errorf("marshal after: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO policy_versions (version_id, policy_id, version_number, change_type,
			before, after, changed_by, change_reason, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		v.VersionID, v.PolicyID, v.VersionNumber, string(v.ChangeType),
		before, string(after), v.ChangedBy, v.ChangeReason,
		v.ChangedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *Store) publishChange(ctx context.Context, policyID, principalID string, ct ChangeType, changedBy, reason string, version int, before, after *Policy) {
	if s.publisher == nil {
		return
	}

	event := ChangeEvent{
		EventID:       uuid.New().String(),
		Timestamp:     canonical.Timestamp(s.clock()),
		PolicyID:      policyID,
		PrincipalID:   principalID,
		ChangeType:    ct,
		ChangedBy:     changedBy,
		ChangeReason:  reason,
		VersionNumber: version,
	}
	if before != nil {
		b, err := json.Marshal(before)
		if err == nil {
			event.Before = b
		}
	}
	if after != nil {
		a, err := json.Marshal(after)
		if err == nil {
			event.After = a
		}
	}

	value, err := canonical.Marshal(event)
	if err != nil {
		s.logger.Error("marshal policy change event", slog.String("error", err.Error()))
		return
	}
	if err := s.publisher.Publish(ctx, "policy.changes", principalID, value); err != nil {
		s.logger.Warn("publish policy change failed",
			slog.String("policy_id", policyID),
			slog.String("change_type", string(ct)),
			slog.String("error", err.Error()))
	}
}

func scanPolicy(scan func(...any) error) (*Policy, error) {
	var (
		p         Policy
		patterns  string
		actions   string
		createdAt string
	)
	if err := scan(&p.PolicyID, &p.PrincipalID, &patterns, &actions, &p.MaxValiditySeconds,
		&p.AllowDelegation, &p.MaxDelegationDepth, &p.Active, &createdAt, &p.CreatedBy,
		&p.VersionNumber); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(patterns), &p.AllowedResourcePatterns); err != nil {
		return nil, fmt.Errorf("decode resource patterns: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &p.AllowedActions); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	p.CreatedAt = t
	return &p, nil
}

func scanVersion(scan func(...any) error) (*Version, error) {
	var (
		v          Version
		changeType string
		before     sql.NullString
		after      string
		changedAt  string
	)
	if err := scan(&v.VersionID, &v.PolicyID, &v.VersionNumber, &changeType,
		&before, &after, &v.ChangedBy, &v.ChangeReason, &changedAt); err != nil {
		return nil, err
	}
	v.ChangeType = ChangeType(changeType)

	if before.Valid && before.String != "" {
		var p Policy
		if err := json.Unmarshal([]byte(before.String), &p); err != nil {
			return nil, fmt.Errorf("decode before: %w", err)
		}
		v.Before = &p
	}
	var p Policy
	if err := json.Unmarshal([]byte(after), &p); err != nil {
		return nil, fmt.Errorf("decode after: %w", err)
	}
	v.After = &p

	t, err := time.Parse(time.RFC3339Nano, changedAt)
	if err != nil {
		return nil, fmt.Errorf("parse changed_at: %w", err)
	}
	v.ChangedAt = t
	return &v, nil
}
