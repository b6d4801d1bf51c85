package mandate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/garudex-labs/caracal/pkg/database"
)

// Store persists execution mandates. Rows are written once at issuance and
// mutate only in their revocation columns; everything under the signature is
// immutable.
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// NewStore creates the mandate store and its schema. The principals table
// must exist first; wire identity.NewStore before this one.
func NewStore(db *database.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: logger.With(slog.String("component", "mandate_store")),
	}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("create mandate schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS execution_mandates (
			mandate_id TEXT PRIMARY KEY,
			issuer_id TEXT NOT NULL REFERENCES principals(principal_id),
			subject_id TEXT NOT NULL REFERENCES principals(principal_id),
			resource_scope TEXT NOT NULL,
			action_scope TEXT NOT NULL,
			valid_from TEXT NOT NULL,
			valid_until TEXT NOT NULL,
			parent_mandate_id TEXT REFERENCES execution_mandates(mandate_id),
			delegation_depth INTEGER NOT NULL DEFAULT 0,
			intent TEXT,
			signer_key_id TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			revoked_at TEXT,
			revoked_by TEXT,
			revocation_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mandates_subject ON execution_mandates(subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mandates_issuer ON execution_mandates(issuer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mandates_parent ON execution_mandates(parent_mandate_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const mandateColumns = `mandate_id, issuer_id, subject_id, resource_scope, action_scope,
	valid_from, valid_until, parent_mandate_id, delegation_depth, intent,
	signer_key_id, signature, revoked, revoked_at, revoked_by, revocation_reason`

// Insert stores a freshly signed mandate.
func (s *Store) Insert(ctx context.Context, m *Mandate) error {
	return s.insert(ctx, s.db, m)
}

// execer is satisfied by both database.DB and sql.Tx, so inserts can run
// standalone or inside a caller's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, ex execer, m *Mandate) error {
	resources, err := json.Marshal(m.ResourceScope)
	if err != nil {
		return fmt.Errorf("marshal resource scope: %w", err)
	}
	actions, err := json.Marshal(m.ActionScope)
	if err != nil {
		return fmt.Errorf("marshal action scope: %w", err)
	}

	_, err = ex.ExecContext(ctx, s.db.Rebind(`INSERT INTO execution_mandates
		(mandate_id, issuer_id, subject_id, resource_scope, action_scope,
		 valid_from, valid_until, parent_mandate_id, delegation_depth, intent,
		 signer_key_id, signature, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)`),
		m.MandateID, m.IssuerID, m.SubjectID, string(resources), string(actions),
		m.ValidFrom.UTC().Format(time.RFC3339Nano), m.ValidUntil.UTC().Format(time.RFC3339Nano),
		nullable(m.ParentMandateID), m.DelegationDepth, nullable(string(m.Intent)),
		m.SignerKeyID, m.Signature)
	if err != nil {
		return fmt.Errorf("insert mandate %s: %w", m.MandateID, err)
	}
	return nil
}

// lockRevoked reads a mandate's revoked flag inside tx. On PostgreSQL the
// row is locked FOR UPDATE, so a racing cascade cannot mark descendants
// between this read and a child insert in the same transaction; SQLite
// serializes the whole transaction on its single connection.
func (s *Store) lockRevoked(ctx context.Context, tx *sql.Tx, mandateID string) (bool, error) {
	query := `SELECT revoked FROM execution_mandates WHERE mandate_id = ?`
	if s.db.IsPostgres() {
		query += " FOR UPDATE"
	}
	var revoked bool
	err := tx.QueryRowContext(ctx, s.db.Rebind(query), mandateID).Scan(&revoked)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: %s", ErrNotFound, mandateID)
	}
	if err != nil {
		return false, fmt.Errorf("lock mandate %s: %w", mandateID, err)
	}
	return revoked, nil
}

// Get returns a mandate by id.
func (s *Store) Get(ctx context.Context, mandateID string) (*Mandate, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+mandateColumns+` FROM execution_mandates WHERE mandate_id = ?`), mandateID)
	m, err := scanMandate(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, mandateID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan mandate: %w", err)
	}
	return m, nil
}

// List returns mandates matching the filter, oldest validity first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Mandate, error) {
	query := `SELECT ` + mandateColumns + ` FROM execution_mandates WHERE 1=1`
	var args []any

	if filter.SubjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, filter.SubjectID)
	}
	if filter.IssuerID != "" {
		query += " AND issuer_id = ?"
		args = append(args, filter.IssuerID)
	}
	if !filter.IncludeRevoked {
		query += " AND NOT revoked"
	}
	query += " ORDER BY valid_from ASC, mandate_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list mandates: %w", err)
	}
	defer rows.Close()
	return collectMandates(rows)
}

// querier is satisfied by both database.DB and sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Children returns the direct delegations of a mandate, revoked included.
func (s *Store) Children(ctx context.Context, mandateID string) ([]*Mandate, error) {
	return s.children(ctx, s.db, mandateID)
}

func (s *Store) children(ctx context.Context, q querier, mandateID string) ([]*Mandate, error) {
	rows, err := q.QueryContext(ctx, s.db.Rebind(`SELECT `+mandateColumns+`
		FROM execution_mandates WHERE parent_mandate_id = ?
		ORDER BY valid_from ASC, mandate_id ASC`), mandateID)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()
	return collectMandates(rows)
}

// Descendants returns every mandate transitively delegated from mandateID,
// breadth-first. The root itself is not included.
func (s *Store) Descendants(ctx context.Context, mandateID string) ([]*Mandate, error) {
	return s.descendants(ctx, s.db, mandateID)
}

func (s *Store) descendants(ctx context.Context, q querier, mandateID string) ([]*Mandate, error) {
	var out []*Mandate
	frontier := []string{mandateID}
	seen := map[string]bool{mandateID: true}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		children, err := s.children(ctx, q, current)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if !seen[c.MandateID] {
				seen[c.MandateID] = true
				out = append(out, c)
				frontier = append(frontier, c.MandateID)
			}
		}
	}
	return out, nil
}

// Live returns non-revoked mandates whose validity window contains now.
// Snapshots use this to bound replay.
func (s *Store) Live(ctx context.Context, now time.Time) ([]*Mandate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mandateColumns+` FROM execution_mandates WHERE NOT revoked`)
	if err != nil {
		return nil, fmt.Errorf("list live mandates: %w", err)
	}
	defer rows.Close()

	all, err := collectMandates(rows)
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, m := range all {
		if !m.NotYetValid(now) && !m.Expired(now) {
			live = append(live, m)
		}
	}
	return live, nil
}

// Import writes mandates as-is, including signatures and revocation
// state, bypassing issuance checks and events. Snapshot restore and the
// v0.1 migration use it. Existing rows with the same id are replaced.
func (s *Store) Import(ctx context.Context, mandates []*Mandate) error {
	// Parents must exist before children for the self-reference.
	ordered := make([]*Mandate, len(mandates))
	copy(ordered, mandates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].DelegationDepth < ordered[j].DelegationDepth
	})

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, m := range ordered {
			resources, err := json.Marshal(m.ResourceScope)
			if err != nil {
				return fmt.Errorf("marshal resource scope: %w", err)
			}
			actions, err := json.Marshal(m.ActionScope)
			if err != nil {
				return fmt.Errorf("marshal action scope: %w", err)
			}
			var revokedAt any
			if m.RevokedAt != nil {
				revokedAt = m.RevokedAt.UTC().Format(time.RFC3339Nano)
			}
			_, err = tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO execution_mandates
				(mandate_id, issuer_id, subject_id, resource_scope, action_scope,
				 valid_from, valid_until, parent_mandate_id, delegation_depth, intent,
				 signer_key_id, signature, revoked, revoked_at, revoked_by, revocation_reason)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (mandate_id) DO UPDATE SET
					issuer_id = excluded.issuer_id,
					subject_id = excluded.subject_id,
					resource_scope = excluded.resource_scope,
					action_scope = excluded.action_scope,
					valid_from = excluded.valid_from,
					valid_until = excluded.valid_until,
					parent_mandate_id = excluded.parent_mandate_id,
					delegation_depth = excluded.delegation_depth,
					intent = excluded.intent,
					signer_key_id = excluded.signer_key_id,
					signature = excluded.signature,
					revoked = excluded.revoked,
					revoked_at = excluded.revoked_at,
					revoked_by = excluded.revoked_by,
					revocation_reason = excluded.revocation_reason`),
				m.MandateID, m.IssuerID, m.SubjectID, string(resources), string(actions),
				m.ValidFrom.UTC().Format(time.RFC3339Nano), m.ValidUntil.UTC().Format(time.RFC3339Nano),
				nullable(m.ParentMandateID), m.DelegationDepth, nullable(string(m.Intent)),
				m.SignerKeyID, m.Signature, m.Revoked, revokedAt,
				nullable(m.RevokedBy), nullable(m.RevocationReason))
			if err != nil {
				return fmt.Errorf("import mandate %s: %w", m.MandateID, err)
			}
		}
		return nil
	})
}

// markRevoked flips revocation state inside a transaction. Returns false if
// the mandate was already revoked, which keeps revocation idempotent and
// suppresses duplicate events.
func (s *Store) markRevoked(ctx context.Context, tx *sql.Tx, mandateID, revokedBy, reason string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE execution_mandates
		SET revoked = TRUE, revoked_at = ?, revoked_by = ?, revocation_reason = ?
		WHERE mandate_id = ? AND NOT revoked`),
		at.UTC().Format(time.RFC3339Nano), revokedBy, reason, mandateID)
	if err != nil {
		return false, fmt.Errorf("revoke mandate %s: %w", mandateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func collectMandates(rows *sql.Rows) ([]*Mandate, error) {
	var out []*Mandate
	for rows.Next() {
		m, err := scanMandate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan mandate: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMandate(scan func(...any) error) (*Mandate, error) {
	var (
		m          Mandate
		resources  string
		actions    string
		validFrom  string
		validUntil string
		parentID   sql.NullString
		intent     sql.NullString
		revokedAt  sql.NullString
		revokedBy  sql.NullString
		reason     sql.NullString
	)
	if err := scan(&m.MandateID, &m.IssuerID, &m.SubjectID, &resources, &actions,
		&validFrom, &validUntil, &parentID, &m.DelegationDepth, &intent,
		&m.SignerKeyID, &m.Signature, &m.Revoked, &revokedAt, &revokedBy, &reason); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(resources), &m.ResourceScope); err != nil {
		return nil, fmt.Errorf("parse resource_scope: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &m.ActionScope); err != nil {
		return nil, fmt.Errorf("parse action_scope: %w", err)
	}

	var err error
	if m.ValidFrom, err = time.Parse(time.RFC3339Nano, validFrom); err != nil {
		return nil, fmt.Errorf("parse valid_from: %w", err)
	}
	if m.ValidUntil, err = time.Parse(time.RFC3339Nano, validUntil); err != nil {
		return nil, fmt.Errorf("parse valid_until: %w", err)
	}

	m.ParentMandateID = parentID.String
	if intent.Valid && intent.String != "" {
		m.Intent = json.RawMessage(intent.String)
	}
	m.RevokedBy = revokedBy.String
	m.RevocationReason = reason.String
	if revokedAt.Valid && revokedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, revokedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse revoked_at: %w", err)
		}
		m.RevokedAt = &t
	}
	return &m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
