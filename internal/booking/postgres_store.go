package booking

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists bookings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `id, owner_id, renter_id, listing_title,
	       rental_amount, deposit_amount, platform_fee, total_amount,
	       start_date, end_date, status, payment_status,
	       stripe_session_id, stripe_payment_intent_id,
	       rental_amount_released, deposit_returned, escrow_release_date,
	       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings (
			id, owner_id, renter_id, listing_title,
			rental_amount, deposit_amount, platform_fee, total_amount,
			start_date, end_date, status, payment_status,
			stripe_session_id, stripe_payment_intent_id,
			rental_amount_released, deposit_returned, escrow_release_date,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14,
			$15, $16, $17,
			$18, $19
		)`,
		b.ID, b.OwnerID, b.RenterID, b.ListingTitle,
		b.RentalAmount, b.DepositAmount, b.PlatformFee, b.TotalAmount,
		b.StartDate, b.EndDate, string(b.Status), string(b.PaymentStatus),
		nullString(b.StripeSessionID), nullString(b.StripePaymentIntentID),
		b.RentalAmountReleased, b.DepositReturned, nullTime(b.EscrowReleaseDate),
		b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)

	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, ErrBookingNotFound
	}
	return b, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE owner_id = $1 OR renter_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanBookings(rows)
}

func (p *PostgresStore) ConfirmPayment(ctx context.Context, id, paymentIntentID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET
			payment_status = 'completed',
			status = CASE WHEN status IN ('pending', 'cancelled') THEN 'confirmed' ELSE status END,
			stripe_payment_intent_id = COALESCE(NULLIF($2, ''), stripe_payment_intent_id),
			updated_at = NOW()
		WHERE id = $1`,
		id, paymentIntentID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) SetPaymentStatus(ctx context.Context, id string, ps PaymentStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET payment_status = $2, updated_at = NOW()
		WHERE id = $1`,
		id, string(ps))
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		// Distinguish "no such booking" from "wrong state".
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) CancelUnlessFinished(ctx context.Context, id string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('returned', 'completed')`,
		id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) MarkRentalReleased(ctx context.Context, id string) (bool, error) {
	return p.flipFlag(ctx, id, "rental_amount_released")
}

func (p *PostgresStore) MarkDepositReturned(ctx context.Context, id string) (bool, error) {
	return p.flipFlag(ctx, id, "deposit_returned")
}

// flipFlag is the conditional false→true update backing the per-leg
// idempotency flags. Zero rows affected means the leg was already done.
func (p *PostgresStore) flipFlag(ctx context.Context, id, column string) (bool, error) {
	// column is one of two compile-time constants, never user input.
	result, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET `+column+` = TRUE, updated_at = NOW()
		WHERE id = $1 AND `+column+` = FALSE`,
		id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) ClearRentalReleased(ctx context.Context, id string) error {
	return p.clearFlag(ctx, id, "rental_amount_released")
}

func (p *PostgresStore) ClearDepositReturned(ctx context.Context, id string) error {
	return p.clearFlag(ctx, id, "deposit_returned")
}

// clearFlag reverts a leg claim whose gateway call failed.
func (p *PostgresStore) clearFlag(ctx context.Context, id, column string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET `+column+` = FALSE, updated_at = NOW()
		WHERE id = $1`,
		id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) Complete(ctx context.Context, id string, releaseDate time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET status = 'completed', escrow_release_date = $2, updated_at = NOW()
		WHERE id = $1`,
		id, releaseDate)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(s scanner) (*Booking, error) {
	b := &Booking{}
	var (
		status        string
		paymentStatus string
		sessionID     sql.NullString
		intentID      sql.NullString
		releaseDate   sql.NullTime
	)

	err := s.Scan(
		&b.ID, &b.OwnerID, &b.RenterID, &b.ListingTitle,
		&b.RentalAmount, &b.DepositAmount, &b.PlatformFee, &b.TotalAmount,
		&b.StartDate, &b.EndDate, &status, &paymentStatus,
		&sessionID, &intentID,
		&b.RentalAmountReleased, &b.DepositReturned, &releaseDate,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Status = Status(status)
	b.PaymentStatus = PaymentStatus(paymentStatus)
	b.StripeSessionID = sessionID.String
	b.StripePaymentIntentID = intentID.String
	if releaseDate.Valid {
		b.EscrowReleaseDate = &releaseDate.Time
	}

	return b, nil
}

func scanBookings(rows *sql.Rows) ([]*Booking, error) {
	var result []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBookingNotFound
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

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
