package claims

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists claims in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed claim store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const claimColumns = `id, booking_id, claimant_id, claim_type, description,
	       amount_requested, evidence_urls, claim_status,
	       resolved_by, resolution_notes, release_error, resolved_at,
	       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Claim) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO claims (
			id, booking_id, claimant_id, claim_type, description,
			amount_requested, evidence_urls, claim_status,
			resolved_by, resolution_notes, release_error, resolved_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.ID, c.BookingID, c.ClaimantID, string(c.ClaimType), c.Description,
		c.AmountRequested, pq.Array(c.EvidenceURLs), string(c.Status),
		nullString(c.ResolvedBy), nullString(c.ResolutionNotes), nullString(c.ReleaseError), nullTime(c.ResolvedAt),
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Claim, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE id = $1`, id)
	return scanClaim(row)
}

func (p *PostgresStore) GetOpenByBookingID(ctx context.Context, bookingID string) (*Claim, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+claimColumns+` FROM claims
		WHERE booking_id = $1 AND claim_status IN ('pending', 'under_review')
		ORDER BY created_at DESC
		LIMIT 1`, bookingID)
	return scanClaim(row)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Claim, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM claims
		WHERE claim_status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE claims SET claim_status = $3, updated_at = NOW()
		WHERE id = $1 AND claim_status = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		// Distinguish a state mismatch from a missing claim.
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) RecordResolution(ctx context.Context, id, resolvedBy, notes string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE claims SET
			resolved_by = $2, resolution_notes = $3, resolved_at = $4,
			updated_at = NOW()
		WHERE id = $1`, id, nullString(resolvedBy), nullString(notes), at)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) RecordReleaseError(ctx context.Context, id, releaseErr string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE claims SET release_error = $2, updated_at = NOW()
		WHERE id = $1`, id, nullString(releaseErr))
	if err != nil {
		return err
	}
	return requireRow(result)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanClaim(s scanner) (*Claim, error) {
	c := &Claim{}
	var (
		claimType       string
		status          string
		resolvedBy      sql.NullString
		resolutionNotes sql.NullString
		releaseError    sql.NullString
		resolvedAt      sql.NullTime
	)
	err := s.Scan(
		&c.ID, &c.BookingID, &c.ClaimantID, &claimType, &c.Description,
		&c.AmountRequested, pq.Array(&c.EvidenceURLs), &status,
		&resolvedBy, &resolutionNotes, &releaseError, &resolvedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrClaimNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ClaimType = Type(claimType)
	c.Status = Status(status)
	c.ResolvedBy = resolvedBy.String
	c.ResolutionNotes = resolutionNotes.String
	c.ReleaseError = releaseError.String
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	return c, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrClaimNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
