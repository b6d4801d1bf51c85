package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/garudex-labs/caracal/pkg/database"
)

// ErrNotFound reports a missing ledger event or batch.
var ErrNotFound = errors.New("ledger: not found")

// Batch is one signed Merkle batch covering a contiguous event-id range.
type Batch struct {
	BatchID      string    `json:"batch_id"`
	EventIDRange string    `json:"event_id_range"`
	FirstEventID int64     `json:"first_event_id"`
	LastEventID  int64     `json:"last_event_id"`
	LeafCount    int       `json:"leaf_count"`
	RootHash     string    `json:"root_hash"`
	Signature    string    `json:"signature"`
	SignerKeyID  string    `json:"signer_key_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Leaf pairs a ledger event with its Merkle leaf hash.
type Leaf struct {
	EventID    int64     `json:"event_id"`
	LeafHash   string    `json:"leaf_hash"`
	AppendedAt time.Time `json:"appended_at"`
}

// Store owns the append-only ledger tables. There is no update or delete
// path: rows are immutable once written, and the only mutation the schema
// sees after append is the arrival of batch and leaf rows.
type Store struct {
	db     *database.DB
	logger *slog.Logger
	clock  func() time.Time
}

// NewStore creates the ledger store and its schema.
func NewStore(db *database.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: logger.With(slog.String("component", "ledger_store")),
		clock:  time.Now,
	}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return s, nil
}

// WithClock substitutes the time source, for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) createSchema() error {
	statements := []string{
		// On PostgreSQL the application role must not hold UPDATE or
		// DELETE on ledger_events:
		//   REVOKE UPDATE, DELETE ON ledger_events FROM caracal_app;
		`CREATE TABLE IF NOT EXISTS ledger_events (
			event_id INTEGER PRIMARY KEY,
			source_event_id TEXT UNIQUE,
			kind TEXT NOT NULL,
			event_timestamp TEXT NOT NULL,
			principal_id TEXT,
			mandate_id TEXT,
			decision TEXT,
			denial_kind TEXT,
			denial_reason TEXT,
			requested_action TEXT,
			requested_resource TEXT,
			correlation_id TEXT,
			payload TEXT,
			prev_hash TEXT NOT NULL,
			leaf_hash TEXT NOT NULL,
			appended_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_correlation ON ledger_events(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_principal ON ledger_events(principal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_kind ON ledger_events(kind)`,
		`CREATE TABLE IF NOT EXISTS merkle_batches (
			batch_id TEXT PRIMARY KEY,
			event_id_range TEXT NOT NULL UNIQUE,
			first_event_id INTEGER NOT NULL,
			last_event_id INTEGER NOT NULL,
			leaf_count INTEGER NOT NULL,
			root_hash TEXT NOT NULL,
			signature TEXT NOT NULL,
			signer_key_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_span ON merkle_batches(first_event_id, last_event_id)`,
		`CREATE TABLE IF NOT EXISTS merkle_leaves (
			batch_id TEXT NOT NULL REFERENCES merkle_batches(batch_id),
			leaf_index INTEGER NOT NULL,
			event_id INTEGER NOT NULL,
			leaf_hash TEXT NOT NULL,
			PRIMARY KEY (batch_id, leaf_index)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const rowColumns = `event_id, source_event_id, kind, event_timestamp, principal_id,
	mandate_id, decision, denial_kind, denial_reason, requested_action,
	requested_resource, correlation_id, payload, prev_hash, leaf_hash, appended_at`

// AppendTx assigns the next event id and the chain link, computes the leaf
// hash, and inserts the row, all inside the caller's transaction. The row
// is mutated in place with the assigned fields.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, row *Row) error {
	var maxID sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(event_id) FROM ledger_events`).Scan(&maxID); err != nil {
		return fmt.Errorf("allocate event id: %w", err)
	}
	row.EventID = maxID.Int64 + 1

	row.PrevHash = GenesisPrevHash
	if maxID.Valid {
		if err := tx.QueryRowContext(ctx, s.db.Rebind(
			`SELECT leaf_hash FROM ledger_events WHERE event_id = ?`),
			maxID.Int64).Scan(&row.PrevHash); err != nil {
			return fmt.Errorf("read predecessor hash: %w", err)
		}
	}

	if err := row.ComputeLeafHash(); err != nil {
		return err
	}
	row.AppendedAt = s.clock().UTC()

	_, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO ledger_events (`+rowColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.EventID, nullable(row.SourceEventID), row.Kind, row.Timestamp,
		nullable(row.PrincipalID), nullable(row.MandateID), nullable(row.Decision),
		nullable(row.DenialKind), nullable(row.DenialReason), nullable(row.RequestedAction),
		nullable(row.RequestedResource), nullable(row.CorrelationID),
		nullable(string(row.Payload)), row.PrevHash, row.LeafHash,
		row.AppendedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append ledger event %d: %w", row.EventID, err)
	}
	return nil
}

// HasSourceTx reports whether a producer event id has already been
// appended, inside the caller's transaction.
func (s *Store) HasSourceTx(ctx context.Context, tx *sql.Tx, sourceEventID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, s.db.Rebind(
		`SELECT COUNT(*) FROM ledger_events WHERE source_event_id = ?`),
		sourceEventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check source event id: %w", err)
	}
	return n > 0, nil
}

// Get returns one ledger event by its monotonic id.
func (s *Store) Get(ctx context.Context, eventID int64) (*Row, error) {
	r := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+rowColumns+` FROM ledger_events WHERE event_id = ?`), eventID)
	row, err := scanRow(r.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: event %d", ErrNotFound, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger event: %w", err)
	}
	return row, nil
}

// Tail returns the newest n events in ascending id order.
func (s *Store) Tail(ctx context.Context, n int) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+rowColumns+` FROM (
			SELECT `+rowColumns+` FROM ledger_events ORDER BY event_id DESC LIMIT ?
		) tail ORDER BY event_id ASC`), n)
	if err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// Range returns events with first ≤ id ≤ last in ascending order.
func (s *Store) Range(ctx context.Context, first, last int64) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+rowColumns+` FROM ledger_events
			WHERE event_id >= ? AND event_id <= ? ORDER BY event_id ASC`), first, last)
	if err != nil {
		return nil, fmt.Errorf("read ledger range: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// ByCorrelation returns every event sharing a correlation id, oldest first.
func (s *Store) ByCorrelation(ctx context.Context, correlationID string) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+rowColumns+` FROM ledger_events
			WHERE correlation_id = ? ORDER BY event_id ASC`), correlationID)
	if err != nil {
		return nil, fmt.Errorf("read by correlation: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// MaxEventID returns the newest event id, 0 when the ledger is empty.
func (s *Store) MaxEventID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(event_id) FROM ledger_events`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("read max event id: %w", err)
	}
	return maxID.Int64, nil
}

// LastBatchedEventID returns the highest event id any signed batch covers,
// 0 when no batch exists.
func (s *Store) LastBatchedEventID(ctx context.Context) (int64, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(last_event_id) FROM merkle_batches`).Scan(&last); err != nil {
		return 0, fmt.Errorf("read last batched id: %w", err)
	}
	return last.Int64, nil
}

// UnbatchedLeaves returns up to limit leaves of events beyond afterID, in
// id order. This is the batcher's work queue.
func (s *Store) UnbatchedLeaves(ctx context.Context, afterID int64, limit int) ([]Leaf, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT event_id, leaf_hash, appended_at FROM ledger_events
			WHERE event_id > ? ORDER BY event_id ASC LIMIT ?`), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("read unbatched leaves: %w", err)
	}
	defer rows.Close()

	var leaves []Leaf
	for rows.Next() {
		var l Leaf
		var appended string
		if err := rows.Scan(&l.EventID, &l.LeafHash, &appended); err != nil {
			return nil, fmt.Errorf("scan leaf: %w", err)
		}
		if l.AppendedAt, err = time.Parse(time.RFC3339Nano, appended); err != nil {
			return nil, fmt.Errorf("parse appended_at: %w", err)
		}
		leaves = append(leaves, l)
	}
	return leaves, rows.Err()
}

// InsertBatch persists a signed batch and its leaves in one transaction.
// Inserting a range that is already covered is a no-op, so retried and
// replayed closes stay idempotent.
func (s *Store) InsertBatch(ctx context.Context, batch *Batch, leaves []Leaf) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx, s.db.Rebind(
			`SELECT COUNT(*) FROM merkle_batches WHERE event_id_range = ?`),
			batch.EventIDRange).Scan(&n)
		if err != nil {
			return fmt.Errorf("check batch range: %w", err)
		}
		if n > 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO merkle_batches
				(batch_id, event_id_range, first_event_id, last_event_id,
				 leaf_count, root_hash, signature, signer_key_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			batch.BatchID, batch.EventIDRange, batch.FirstEventID, batch.LastEventID,
			batch.LeafCount, batch.RootHash, batch.Signature, batch.SignerKeyID,
			batch.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert batch %s: %w", batch.EventIDRange, err)
		}

		for i, leaf := range leaves {
			_, err = tx.ExecContext(ctx, s.db.Rebind(
				`INSERT INTO merkle_leaves (batch_id, leaf_index, event_id, leaf_hash)
					VALUES (?, ?, ?, ?)`),
				batch.BatchID, i, leaf.EventID, leaf.LeafHash)
			if err != nil {
				return fmt.Errorf("insert leaf %d: %w", i, err)
			}
		}
		return nil
	})
}

// BatchForEvent returns the signed batch containing an event id.
func (s *Store) BatchForEvent(ctx context.Context, eventID int64) (*Batch, error) {
	r := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT batch_id, event_id_range, first_event_id, last_event_id,
			leaf_count, root_hash, signature, signer_key_id, created_at
			FROM merkle_batches
			WHERE first_event_id <= ? AND last_event_id >= ?`), eventID, eventID)
	batch, err := scanBatch(r.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no batch covers event %d", ErrNotFound, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	return batch, nil
}

// Batches returns up to limit batches, newest first.
func (s *Store) Batches(ctx context.Context, limit int) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT batch_id, event_id_range, first_event_id, last_event_id,
			leaf_count, root_hash, signature, signer_key_id, created_at
			FROM merkle_batches ORDER BY first_event_id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// LeavesForBatch returns a batch's leaf hashes in tree order.
func (s *Store) LeavesForBatch(ctx context.Context, batchID string) ([]Leaf, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT event_id, leaf_hash FROM merkle_leaves
			WHERE batch_id = ? ORDER BY leaf_index ASC`), batchID)
	if err != nil {
		return nil, fmt.Errorf("read batch leaves: %w", err)
	}
	defer rows.Close()

	var leaves []Leaf
	for rows.Next() {
		var l Leaf
		if err := rows.Scan(&l.EventID, &l.LeafHash); err != nil {
			return nil, fmt.Errorf("scan batch leaf: %w", err)
		}
		leaves = append(leaves, l)
	}
	return leaves, rows.Err()
}

func collectRows(rows *sql.Rows) ([]*Row, error) {
	var out []*Row
	for rows.Next() {
		row, err := scanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanRow(scan func(dest ...any) error) (*Row, error) {
	var (
		row      Row
		source   sql.NullString
		prin     sql.NullString
		mandate  sql.NullString
		decision sql.NullString
		dkind    sql.NullString
		dreason  sql.NullString
		action   sql.NullString
		resource sql.NullString
		corr     sql.NullString
		payload  sql.NullString
		appended string
	)
	if err := scan(&row.EventID, &source, &row.Kind, &row.Timestamp, &prin,
		&mandate, &decision, &dkind, &dreason, &action,
		&resource, &corr, &payload, &row.PrevHash, &row.LeafHash, &appended); err != nil {
		return nil, err
	}
	row.SourceEventID = source.String
	row.PrincipalID = prin.String
	row.MandateID = mandate.String
	row.Decision = decision.String
	row.DenialKind = dkind.String
	row.DenialReason = dreason.String
	row.RequestedAction = action.String
	row.RequestedResource = resource.String
	row.CorrelationID = corr.String
	if payload.Valid {
		row.Payload = []byte(payload.String)
	}
	var err error
	if row.AppendedAt, err = time.Parse(time.RFC3339Nano, appended); err != nil {
		return nil, fmt.Errorf("parse appended_at: %w", err)
	}
	return &row, nil
}

func scanBatch(scan func(dest ...any) error) (*Batch, error) {
	var (
		b       Batch
		created string
	)
	if err := scan(&b.BatchID, &b.EventIDRange, &b.FirstEventID, &b.LastEventID,
		&b.LeafCount, &b.RootHash, &b.Signature, &b.SignerKeyID, &created); err != nil {
		return nil, err
	}
	var err error
	if b.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &b, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
