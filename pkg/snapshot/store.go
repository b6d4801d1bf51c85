package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/garudex-labs/caracal/pkg/database"
)

// Store keeps the snapshot catalog: one row per document shipped to the
// archive, so listing and pruning never read object storage.
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

func NewStore(db *database.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: logger.With(slog.String("component", "snapshot_store")),
	}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("create snapshot schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS snapshots (
		snapshot_id TEXT PRIMARY KEY,
		format_version TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_included_event_id BIGINT NOT NULL,
		principal_count INTEGER NOT NULL,
		policy_count INTEGER NOT NULL,
		mandate_count INTEGER NOT NULL,
		archive_key TEXT NOT NULL,
		signature_key TEXT NOT NULL,
		signer_key_id TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots (created_at);
	`)
	return err
}

func (s *Store) insert(ctx context.Context, m *Meta) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO snapshots
		(snapshot_id, format_version, created_at, last_included_event_id,
		 principal_count, policy_count, mandate_count,
		 archive_key, signature_key, signer_key_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.SnapshotID, m.FormatVersion, m.CreatedAt.UTC().Format(time.RFC3339Nano),
		m.LastIncludedEventID, m.PrincipalCount, m.PolicyCount, m.MandateCount,
		m.ArchiveKey, m.SignatureKey, m.SignerKeyID)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", m.SnapshotID, err)
	}
	return nil
}

// Get returns the catalog entry for one snapshot.
func (s *Store) Get(ctx context.Context, snapshotID string) (*Meta, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		selectMeta+` WHERE snapshot_id = ?`), snapshotID)
	m, err := scanMeta(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, snapshotID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	return m, nil
}

// List returns catalog entries, newest first.
func (s *Store) List(ctx context.Context) ([]*Meta, error) {
	rows, err := s.db.QueryContext(ctx, selectMeta+` ORDER BY created_at DESC, snapshot_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Meta
	for rows.Next() {
		m, err := scanMeta(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) delete(ctx context.Context, snapshotID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM snapshots WHERE snapshot_id = ?`), snapshotID)
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", snapshotID, err)
	}
	return nil
}

const selectMeta = `SELECT snapshot_id, format_version, created_at,
	last_included_event_id, principal_count, policy_count, mandate_count,
	archive_key, signature_key, signer_key_id FROM snapshots`

func scanMeta(scan func(...any) error) (*Meta, error) {
	var m Meta
	var created string
	if err := scan(&m.SnapshotID, &m.FormatVersion, &created,
		&m.LastIncludedEventID, &m.PrincipalCount, &m.PolicyCount, &m.MandateCount,
		&m.ArchiveKey, &m.SignatureKey, &m.SignerKeyID); err != nil {
		return nil, err
	}
	var err error
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse snapshot created_at: %w", err)
	}
	return &m, nil
}
