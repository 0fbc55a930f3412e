package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/gearshareapp/gearshare/internal/idgen"
)

// PostgresStore persists escrow transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, booking_id, rental_amount, deposit_amount, platform_fee,
	       stripe_payment_intent_id, stripe_charge_id, rental_transfer_id,
	       deposit_refund_id, transfer_id, escrow_status, held_until,
	       rental_released_at, deposit_returned_at, release_date,
	       refund_amount, refund_reason, transfer_failure_reason,
	       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, booking_id, rental_amount, deposit_amount, platform_fee,
			stripe_payment_intent_id, stripe_charge_id, rental_transfer_id,
			deposit_refund_id, transfer_id, escrow_status, held_until,
			rental_released_at, deposit_returned_at, release_date,
			refund_amount, refund_reason, transfer_failure_reason,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15,
			$16, $17, $18,
			$19, $20
		)`,
		t.ID, t.BookingID, t.RentalAmount, t.DepositAmount, t.PlatformFee,
		nullString(t.StripePaymentIntentID), nullString(t.StripeChargeID), nullString(t.RentalTransferID),
		nullString(t.DepositRefundID), nullString(t.TransferID), string(t.Status), nullTime(t.HeldUntil),
		nullTime(t.RentalReleasedAt), nullTime(t.DepositReturnedAt), nullTime(t.ReleaseDate),
		t.RefundAmount, nullString(t.RefundReason), nullString(t.TransferFailureReason),
		t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetByBookingID(ctx context.Context, bookingID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE booking_id = $1`, bookingID)
	return p.scanOne(row)
}

func (p *PostgresStore) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE stripe_payment_intent_id = $1`, paymentIntentID)
	return p.scanOne(row)
}

func (p *PostgresStore) GetByChargeID(ctx context.Context, chargeID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE stripe_charge_id = $1`, chargeID)
	return p.scanOne(row)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions
		WHERE escrow_status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// Hold is the idempotent held-marking upsert. The unique index on booking_id
// makes concurrent webhook replays converge on a single row.
func (p *PostgresStore) Hold(ctx context.Context, hp HoldParams) (*Transaction, error) {
	now := time.Now()
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO escrow_transactions (
			id, booking_id, rental_amount, deposit_amount, platform_fee,
			stripe_payment_intent_id, stripe_charge_id, escrow_status,
			held_until, refund_amount, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'held', $8, 0, $9, $9)
		ON CONFLICT (booking_id) DO UPDATE SET
			escrow_status = 'held',
			stripe_payment_intent_id = EXCLUDED.stripe_payment_intent_id,
			stripe_charge_id = COALESCE(NULLIF(EXCLUDED.stripe_charge_id, ''), escrow_transactions.stripe_charge_id),
			rental_amount = EXCLUDED.rental_amount,
			deposit_amount = EXCLUDED.deposit_amount,
			platform_fee = EXCLUDED.platform_fee,
			held_until = COALESCE(escrow_transactions.held_until, EXCLUDED.held_until),
			updated_at = EXCLUDED.updated_at
		RETURNING `+txColumns,
		idgen.WithPrefix("esc_"), hp.BookingID, hp.RentalAmount, hp.DepositAmount, hp.PlatformFee,
		nullString(hp.PaymentIntentID), nullString(hp.ChargeID), nullTime(timePtr(hp.HeldUntil)),
		now,
	)
	return p.scanOne(row)
}

func (p *PostgresStore) MarkSessionExpired(ctx context.Context, bookingID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			escrow_status = 'failed',
			rental_amount = 0, deposit_amount = 0, platform_fee = 0,
			updated_at = NOW()
		WHERE booking_id = $1`, bookingID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) SetChargeID(ctx context.Context, id, chargeID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET stripe_charge_id = $2, updated_at = NOW()
		WHERE id = $1`, id, chargeID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) MarkRefunded(ctx context.Context, id string, amount int64, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			escrow_status = 'refunded',
			refund_amount = $2, refund_reason = $3,
			updated_at = NOW()
		WHERE id = $1`, id, amount, nullString(reason))
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) ConfirmTransfer(ctx context.Context, id, transferID string, releaseDate time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			escrow_status = 'released',
			transfer_id = $2, release_date = $3,
			updated_at = NOW()
		WHERE id = $1`, id, transferID, releaseDate)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) StampRentalRelease(ctx context.Context, id, transferID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			rental_transfer_id = $2, rental_released_at = $3, updated_at = NOW()
		WHERE id = $1`, id, transferID, at)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) StampDepositReturn(ctx context.Context, id, refundID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			deposit_refund_id = $2, deposit_returned_at = $3, updated_at = NOW()
		WHERE id = $1`, id, refundID, at)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// TransitionStatus is the compare-and-swap closing the double-release race:
// two concurrent callers both read held, but only one row update matches.
func (p *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			escrow_status = $3,
			release_date = CASE WHEN $3 = 'released' THEN COALESCE(release_date, NOW()) ELSE release_date END,
			updated_at = NOW()
		WHERE id = $1 AND escrow_status = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) RecordTransferFailure(ctx context.Context, id, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			escrow_status = 'transfer_failed',
			transfer_failure_reason = $2,
			updated_at = NOW()
		WHERE id = $1`, id, reason)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanOne(s scanner) (*Transaction, error) {
	t, err := scanTransaction(s)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return t, err
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		status            string
		paymentIntentID   sql.NullString
		chargeID          sql.NullString
		rentalTransferID  sql.NullString
		depositRefundID   sql.NullString
		transferID        sql.NullString
		heldUntil         sql.NullTime
		rentalReleasedAt  sql.NullTime
		depositReturnedAt sql.NullTime
		releaseDate       sql.NullTime
		refundReason      sql.NullString
		failureReason     sql.NullString
	)

	err := s.Scan(
		&t.ID, &t.BookingID, &t.RentalAmount, &t.DepositAmount, &t.PlatformFee,
		&paymentIntentID, &chargeID, &rentalTransferID,
		&depositRefundID, &transferID, &status, &heldUntil,
		&rentalReleasedAt, &depositReturnedAt, &releaseDate,
		&t.RefundAmount, &refundReason, &failureReason,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.StripePaymentIntentID = paymentIntentID.String
	t.StripeChargeID = chargeID.String
	t.RentalTransferID = rentalTransferID.String
	t.DepositRefundID = depositRefundID.String
	t.TransferID = transferID.String
	t.RefundReason = refundReason.String
	t.TransferFailureReason = failureReason.String
	if heldUntil.Valid {
		t.HeldUntil = &heldUntil.Time
	}
	if rentalReleasedAt.Valid {
		t.RentalReleasedAt = &rentalReleasedAt.Time
	}
	if depositReturnedAt.Valid {
		t.DepositReturnedAt = &depositReturnedAt.Time
	}
	if releaseDate.Valid {
		t.ReleaseDate = &releaseDate.Time
	}

	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
