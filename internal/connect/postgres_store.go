package connect

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists connected-account mirrors in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed connect store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, user_id, stripe_account_id, email, status,
	       charges_enabled, payouts_enabled, details_submitted,
	       requirements_due, created_at, updated_at`

func (p *PostgresStore) Upsert(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO connect_accounts (
			id, user_id, stripe_account_id, email, status,
			charges_enabled, payouts_enabled, details_submitted,
			requirements_due, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (stripe_account_id) DO UPDATE SET
			email = EXCLUDED.email,
			status = EXCLUDED.status,
			charges_enabled = EXCLUDED.charges_enabled,
			payouts_enabled = EXCLUDED.payouts_enabled,
			details_submitted = EXCLUDED.details_submitted,
			requirements_due = EXCLUDED.requirements_due,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.UserID, a.StripeAccountID, nullString(a.Email), string(a.Status),
		a.ChargesEnabled, a.PayoutsEnabled, a.DetailsSubmitted,
		pq.Array(a.RequirementsDue), a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetByUserID(ctx context.Context, userID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM connect_accounts WHERE user_id = $1`, userID)
	return scanAccount(row)
}

func (p *PostgresStore) GetByStripeID(ctx context.Context, stripeAccountID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM connect_accounts WHERE stripe_account_id = $1`, stripeAccountID)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*Account, error) {
	a := &Account{}
	var (
		email  sql.NullString
		status string
	)
	err := row.Scan(
		&a.ID, &a.UserID, &a.StripeAccountID, &email, &status,
		&a.ChargesEnabled, &a.PayoutsEnabled, &a.DetailsSubmitted,
		pq.Array(&a.RequirementsDue), &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Email = email.String
	a.Status = Status(status)
	return a, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
