package metering

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrChargeNotFound is returned when no provisional charge has the id.
	ErrChargeNotFound = errors.New("metering: provisional charge not found")
	// ErrChargeReleased is returned when the charge was already finalized
	// or swept by cleanup.
	ErrChargeReleased = errors.New("metering: provisional charge already released")
)

const (
	// DefaultChargeTTL bounds how long an estimated cost stays held when
	// the final metering event never arrives.
	DefaultChargeTTL = 5 * time.Minute
	// DefaultCleanupBatch is how many expired holds one cleanup pass
	// releases per statement.
	DefaultCleanupBatch = 500
)

// ChargeStatus is how a provisional charge counts at a given instant.
type ChargeStatus string

const (
	ChargeActive   ChargeStatus = "active"
	ChargeExpired  ChargeStatus = "expired"
	ChargeReleased ChargeStatus = "released"
)

// Charge is a provisional hold on a principal's spending. It counts toward
// budget checks while active and stops counting once released, whether the
// release came from a final metering event or from expiry cleanup.
type Charge struct {
	ChargeID     string          `json:"charge_id"`
	PrincipalID  string          `json:"principal_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Released     bool            `json:"released"`
	FinalEventID string          `json:"final_event_id,omitempty"`
}

// Status reports the charge's state at now. A released charge reports
// released even past its expiry.
func (c *Charge) Status(now time.Time) ChargeStatus {
	switch {
	case c.Released:
		return ChargeReleased
	case !now.Before(c.ExpiresAt):
		return ChargeExpired
	default:
		return ChargeActive
	}
}

// ChargeFilter narrows ListCharges. The zero value lists every principal's
// active charges.
type ChargeFilter struct {
	PrincipalID string
	// ShowExpired includes expired holds that cleanup has not swept yet.
	// Released charges are never listed.
	ShowExpired bool
}

// CreateProvisional holds amount against the principal for ttl. A ttl of
// zero or less uses DefaultChargeTTL.
func (s *Store) CreateProvisional(ctx context.Context, principalID string, amount decimal.Decimal, currency string, ttl time.Duration) (*Charge, error) {
	if amount.IsNegative() {
		return nil, ErrBadAmount
	}
	if !currencyPattern.MatchString(currency) {
		return nil, ErrBadCurrency
	}
	if ttl <= 0 {
		ttl = DefaultChargeTTL
	}

	now := s.clock().UTC()
	c := &Charge{
		ChargeID:    uuid.NewString(),
		PrincipalID: principalID,
		Amount:      amount,
		Currency:    currency,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO provisional_charges
		(charge_id, principal_id, amount, currency, created_at, expires_at, expires_at_unix, released)
		VALUES (?, ?, ?, ?, ?, ?, ?, FALSE)`),
		c.ChargeID, c.PrincipalID, c.Amount.String(), c.Currency,
		c.CreatedAt.Format(time.RFC3339Nano), c.ExpiresAt.Format(time.RFC3339Nano),
		c.ExpiresAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("create provisional charge: %w", err)
	}

	s.logger.Debug("provisional charge created",
		slog.String("charge_id", c.ChargeID),
		slog.String("principal_id", principalID),
		slog.String("amount", c.Amount.String()),
		slog.String("currency", currency))
	return c, nil
}

// Finalize releases the hold and records the metering event that settled
// it. An expired but unswept charge can still finalize; the metering event
// is the truth about what the execution cost.
func (s *Store) Finalize(ctx context.Context, chargeID, finalEventID string) (*Charge, error) {
	var c *Charge
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = s.FinalizeTx(ctx, tx, chargeID, finalEventID)
		return err
	})
	return c, err
}

// FinalizeTx is Finalize inside the caller's transaction, for the consumer
// that settles holds while recording the final event.
func (s *Store) FinalizeTx(ctx context.Context, tx *sql.Tx, chargeID, finalEventID string) (*Charge, error) {
	res, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE provisional_charges
		SET released = TRUE, final_event_id = ?
		WHERE charge_id = ? AND NOT released`), finalEventID, chargeID)
	if err != nil {
		return nil, fmt.Errorf("finalize charge %s: %w", chargeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("finalize charge %s: %w", chargeID, err)
	}
	if n == 0 {
		c, err := s.getChargeTx(ctx, tx, chargeID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrChargeReleased, c.ChargeID)
	}
	return s.getChargeTx(ctx, tx, chargeID)
}

// GetCharge returns a provisional charge by id.
func (s *Store) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	var c *Charge
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = s.getChargeTx(ctx, tx, chargeID)
		return err
	})
	return c, err
}

func (s *Store) getChargeTx(ctx context.Context, tx *sql.Tx, chargeID string) (*Charge, error) {
	row := tx.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+chargeColumns+` FROM provisional_charges WHERE charge_id = ?`), chargeID)
	c, err := scanCharge(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrChargeNotFound, chargeID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan charge: %w", err)
	}
	return c, nil
}

// ListCharges returns unreleased charges matching the filter, newest first.
func (s *Store) ListCharges(ctx context.Context, filter ChargeFilter) ([]*Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM provisional_charges WHERE NOT released`
	var args []any

	if filter.PrincipalID != "" {
		query += " AND principal_id = ?"
		args = append(args, filter.PrincipalID)
	}
	if !filter.ShowExpired {
		// One second of slack; the exact cut happens below on the parsed time.
		query += " AND expires_at_unix >= ?"
		args = append(args, s.clock().UTC().Unix()-1)
	}
	query += " ORDER BY created_at DESC, charge_id DESC"

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	defer rows.Close()

	all, err := collectCharges(rows)
	if err != nil {
		return nil, err
	}
	if filter.ShowExpired {
		return all, nil
	}
	now := s.clock().UTC()
	active := all[:0]
	for _, c := range all {
		if c.Status(now) == ChargeActive {
			active = append(active, c)
		}
	}
	return active, nil
}

// ActiveHold sums the principal's active provisional amounts in the given
// currency. Budget checks add this on top of recorded spending so two
// in-flight executions cannot both fit under the same remaining budget.
func (s *Store) ActiveHold(ctx context.Context, principalID, currency string) (decimal.Decimal, error) {
	now := s.clock().UTC()
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT amount, expires_at
		FROM provisional_charges
		WHERE principal_id = ? AND currency = ? AND NOT released AND expires_at_unix >= ?`),
		principalID, currency, now.Unix()-1)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query active holds for %s: %w", principalID, err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amountStr, expiresStr string
		if err := rows.Scan(&amountStr, &expiresStr); err != nil {
			return decimal.Zero, fmt.Errorf("scan hold row: %w", err)
		}
		expiresAt, err := time.Parse(time.RFC3339Nano, expiresStr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse expires_at: %w", err)
		}
		if !expiresAt.After(now) {
			continue
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse held amount %q: %w", amountStr, err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

// CleanupExpired releases expired holds that never saw a final event,
// batchSize rows per statement until none remain. It returns how many
// charges it released. Holds expiring within the current second are left
// for the next pass.
func (s *Store) CleanupExpired(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultCleanupBatch
	}

	total := 0
	for {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE provisional_charges
			SET released = TRUE
			WHERE charge_id IN (
				SELECT charge_id FROM provisional_charges
				WHERE NOT released AND expires_at_unix < ?
				ORDER BY expires_at_unix ASC
				LIMIT ?)`), s.clock().UTC().Unix(), batchSize)
		if err != nil {
			return total, fmt.Errorf("cleanup expired charges: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("cleanup expired charges: %w", err)
		}
		total += int(n)
		if int(n) < batchSize {
			break
		}
	}

	if total > 0 {
		s.logger.Info("expired provisional charges released", slog.Int("count", total))
	}
	return total, nil
}

const chargeColumns = `charge_id, principal_id, amount, currency, created_at,
	expires_at, released, final_event_id`

func collectCharges(rows *sql.Rows) ([]*Charge, error) {
	var out []*Charge
	for rows.Next() {
		c, err := scanCharge(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan charge: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCharge(scan func(...any) error) (*Charge, error) {
	var c Charge
	var amount, createdAt, expiresAt string
	var finalEventID sql.NullString
	if err := scan(&c.ChargeID, &c.PrincipalID, &amount, &c.Currency,
		&createdAt, &expiresAt, &c.Released, &finalEventID); err != nil {
		return nil, err
	}
	var err error
	if c.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	c.FinalEventID = finalEventID.String
	return &c, nil
}
