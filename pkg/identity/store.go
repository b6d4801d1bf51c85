package identity

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/garudex-labs/caracal/pkg/canonical"
	"github.com/garudex-labs/caracal/pkg/database"
)

// maxParentDepth bounds the parent walk. A chain deeper than this is
// treated as corrupt.
const maxParentDepth = 64

// Publisher receives committed lifecycle transitions for the
// agent.lifecycle topic. The bus producer satisfies this at wiring time.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Store persists principals in SQL. Writes publish lifecycle events
// best-effort after commit; the store never fails an operation because
// publishing failed.
type Store struct {
	db        *database.DB
	logger    *slog.Logger
	clock     func() time.Time
	publisher Publisher
}

// NewStore creates the principal store and its schema.
func NewStore(db *database.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: logger.With(slog.String("component", "identity_store")),
		clock:  time.Now,
	}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("create principals schema: %w", err)
	}
	return s, nil
}

// WithClock overrides clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithPublisher attaches the lifecycle event publisher.
func (s *Store) WithPublisher(p Publisher) *Store {
	s.publisher = p
	return s
}

func (s *Store) createSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS principals (
		principal_id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		owner TEXT NOT NULL,
		principal_type TEXT NOT NULL,
		parent_id TEXT REFERENCES principals(principal_id),
		public_key TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_principals_owner ON principals(owner);
	CREATE INDEX IF NOT EXISTS idx_principals_parent ON principals(parent_id);
	`)
	return err
}

// NormalizeName canonicalizes a principal name: trimmed, Unicode NFC.
// Uniqueness is enforced on the normalized form so visually identical
// names cannot coexist.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// Register creates a new principal. The name must be unique after
// normalization; a parent, when given, must exist and must not close a
// cycle in the delegation graph.
func (s *Store) Register(ctx context.Context, name, owner string, ptype PrincipalType, parentID string) (*Principal, error) {
	name = NormalizeName(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if !ptype.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, ptype)
	}

	p := &Principal{
		PrincipalID: uuid.New().String(),
		Name:        name,
		Owner:       owner,
		Type:        ptype,
		ParentID:    parentID,
		Active:      true,
		CreatedAt:   s.clock().UTC(),
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx, s.db.Rebind(
			`SELECT EXISTS(SELECT 1 FROM principals WHERE name = ?)`), name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check name: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}

		if parentID != "" {
			if err := s.checkParent(ctx, tx, parentID, p.PrincipalID); err != nil {
				return err
			}
		}

		var parent any
		if parentID != "" {
			parent = parentID
		}
		_, err = tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO principals (principal_id, name, owner, principal_type, parent_id, public_key, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			p.PrincipalID, p.Name, p.Owner, string(p.Type), parent, nullable(p.PublicKey), p.Active,
			p.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert principal: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishLifecycle(ctx, p.PrincipalID, LifecycleCreated)
	s.logger.Info("principal registered",
		slog.String("principal_id", p.PrincipalID),
		slog.String("name", p.Name),
		slog.String("type", string(p.Type)))
	return p, nil
}

// checkParent verifies the parent exists and that attaching newID under
// parentID keeps the graph acyclic. The walk is bounded by maxParentDepth.
func (s *Store) checkParent(ctx context.Context, tx *sql.Tx, parentID, newID string) error {
	current := parentID
	for depth := 0; current != ""; depth++ {
		if depth >= maxParentDepth {
			return fmt.Errorf("%w: parent chain deeper than %d", ErrCycle, maxParentDepth)
		}
		if current == newID {
			return ErrCycle
		}
		var next sql.NullString
		err := tx.QueryRowContext(ctx, s.db.Rebind(
			`SELECT parent_id FROM principals WHERE principal_id = ?`), current).Scan(&next)
		if err == sql.ErrNoRows {
			if current == parentID {
				return fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
			}
			return fmt.Errorf("%w: dangling parent %s", ErrParentNotFound, current)
		}
		if err != nil {
			return fmt.Errorf("walk parent chain: %w", err)
		}
		current = next.String
	}
	return nil
}

// Get returns the principal with the given id.
func (s *Store) Get(ctx context.Context, principalID string) (*Principal, error) {
	return s.scanOne(ctx, `SELECT principal_id, name, owner, principal_type, parent_id, public_key, active, created_at
		FROM principals WHERE principal_id = ?`, principalID)
}

// GetByName returns the principal with the given (normalized) name.
func (s *Store) GetByName(ctx context.Context, name string) (*Principal, error) {
	return s.scanOne(ctx, `SELECT principal_id, name, owner, principal_type, parent_id, public_key, active, created_at
		FROM principals WHERE name = ?`, NormalizeName(name))
}

func (s *Store) scanOne(ctx context.Context, query, arg string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(query), arg)
	p, err := scanPrincipal(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	return p, nil
}

// List returns principals matching the filter, oldest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Principal, error) {
	query := `SELECT principal_id, name, owner, principal_type, parent_id, public_key, active, created_at
		FROM principals WHERE 1=1`
	var args []any

	if filter.Type != "" {
		query += " AND principal_type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Owner != "" {
		query += " AND owner = ?"
		args = append(args, filter.Owner)
	}
	if filter.ActiveOnly {
		query += " AND active"
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	defer rows.Close()

	var out []*Principal
	for rows.Next() {
		p, err := scanPrincipal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan principal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Import writes principals as-is, bypassing name checks and lifecycle
// events. Snapshot restore and the v0.1 migration use it. Rows must
// arrive parents-first (List's created_at order satisfies this); existing
// rows with the same id are replaced.
func (s *Store) Import(ctx context.Context, principals []*Principal) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, p := range principals {
			var parent any
			if p.ParentID != "" {
				parent = p.ParentID
			}
			_, err := tx.ExecContext(ctx, s.db.Rebind(`
				INSERT INTO principals (principal_id, name, owner, principal_type, parent_id, public_key, active, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (principal_id) DO UPDATE SET
					name = excluded.name,
					owner = excluded.owner,
					principal_type = excluded.principal_type,
					parent_id = excluded.parent_id,
					public_key = excluded.public_key,
					active = excluded.active,
					created_at = excluded.created_at`),
				p.PrincipalID, p.Name, p.Owner, string(p.Type), parent, nullable(p.PublicKey), p.Active,
				p.CreatedAt.Format(time.RFC3339Nano))
			if err != nil {
				return fmt.Errorf("import principal %s: %w", p.PrincipalID, err)
			}
		}
		return nil
	})
}

// SetPublicKey attaches or replaces a principal's verification key (PEM).
func (s *Store) SetPublicKey(ctx context.Context, principalID, publicKeyPEM string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE principals SET public_key = ? WHERE principal_id = ?`), publicKeyPEM, principalID)
	if err != nil {
		return fmt.Errorf("set public key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, principalID)
	}

	s.publishLifecycle(ctx, principalID, LifecycleUpdated)
	return nil
}

// Deactivate soft-disables a principal. Idempotent. Issued mandates are
// untouched; revoking them is the mandate manager's job.
func (s *Store) Deactivate(ctx context.Context, principalID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE principals SET active = FALSE WHERE principal_id = ?`), principalID)
	if err != nil {
		return fmt.Errorf("deactivate principal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, principalID)
	}

	s.publishLifecycle(ctx, principalID, LifecycleDeactivated)
	s.logger.Info("principal deactivated", slog.String("principal_id", principalID))
	return nil
}

// Descendants returns the ids of every principal transitively parented by
// principalID. Used by snapshotting and operator tooling.
func (s *Store) Descendants(ctx context.Context, principalID string) ([]string, error) {
	var out []string
	frontier := []string{principalID}
	seen := map[string]bool{principalID: true}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		rows, err := s.db.QueryContext(ctx, s.db.Rebind(
			`SELECT principal_id FROM principals WHERE parent_id = ?`), current)
		if err != nil {
			return nil, fmt.Errorf("query children: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan child: %w", err)
			}
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
				frontier = append(frontier, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (s *Store) publishLifecycle(ctx context.Context, principalID, lifecycle string) {
	if s.publisher == nil {
		return
	}
	event := LifecycleEvent{
		EventID:     uuid.New().String(),
		Timestamp:   canonical.Timestamp(s.clock()),
		PrincipalID: principalID,
		Lifecycle:   lifecycle,
	}
	value, err := canonical.Marshal(event)
	if err != nil {
		s.logger.Error("marshal lifecycle event", slog.String("error", err.Error()))
		return
	}
	if err := s.publisher.Publish(ctx, "agent.lifecycle", principalID, value); err != nil {
		s.logger.Warn("publish lifecycle event failed",
			slog.String("principal_id", principalID),
			slog.String("lifecycle", lifecycle),
			slog.String("error", err.Error()))
	}
}

func scanPrincipal(scan func(...any) error) (*Principal, error) {
	var (
		p         Principal
		ptype     string
		parentID  sql.NullString
		publicKey sql.NullString
		createdAt string
	)
	if err := scan(&p.PrincipalID, &p.Name, &p.Owner, &ptype, &parentID, &publicKey, &p.Active, &createdAt); err != nil {
		return nil, err
	}
	p.Type = PrincipalType(ptype)
	p.ParentID = parentID.String
	p.PublicKey = publicKey.String

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	p.CreatedAt = t
	return &p, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
