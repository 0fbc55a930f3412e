// Package claims handles damage and dispute claims against bookings.
//
// A claim freezes the booking in disputed and blocks the normal release path.
// Resolution maps the (claimant, decision) pair onto an escrow release type;
// the decision is recorded even when the resulting fund movement fails, so an
// operator can retry the release without re-judging the claim.
package claims

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClaimNotFound    = errors.New("claim not found")
	ErrNotParty         = errors.New("claimant is not a party to the booking")
	ErrAlreadyResolved  = errors.New("claim is already resolved")
	ErrBookingNotOpen   = errors.New("booking is not in a claimable state")
	ErrInvalidDecision  = errors.New("decision must be approved or rejected")
	ErrDuplicatePending = errors.New("an unresolved claim already exists for this booking")
)

// Type categorizes what the claim is about.
type Type string

const (
	TypeDamage         Type = "damage"
	TypeLateReturn     Type = "late_return"
	TypeNotAsDescribed Type = "not_as_described"
	TypeOther          Type = "other"
)

// ValidType reports whether t is a known claim type.
func ValidType(t Type) bool {
	switch t {
	case TypeDamage, TypeLateReturn, TypeNotAsDescribed, TypeOther:
		return true
	}
	return false
}

// Status is the claim workflow state. It moves forward only:
// pending → under_review → approved | rejected.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
)

// Decision is the reviewer's verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Claim is a filed dispute over a booking.
type Claim struct {
	ID         string `json:"id"`
	BookingID  string `json:"bookingId"`
	ClaimantID string `json:"claimantId"`

	ClaimType       Type     `json:"claimType"`
	Description     string   `json:"description"`
	AmountRequested int64    `json:"amountRequested"` // minor units
	EvidenceURLs    []string `json:"evidenceUrls,omitempty"`

	Status Status `json:"claimStatus"`

	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	ReleaseError    string     `json:"releaseError,omitempty"` // set when the decision stuck but the payout failed
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsResolved reports whether the claim reached a terminal status.
func (c *Claim) IsResolved() bool {
	return c.Status == StatusApproved || c.Status == StatusRejected
}

// Store persists claims.
type Store interface {
	Create(ctx context.Context, c *Claim) error
	Get(ctx context.Context, id string) (*Claim, error)
	GetOpenByBookingID(ctx context.Context, bookingID string) (*Claim, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Claim, error)

	// Transition is a conditional status move; false with nil error means the
	// claim was not in the expected from-state.
	Transition(ctx context.Context, id string, from, to Status) (bool, error)

	// RecordResolution stamps the reviewer, notes and resolution time on an
	// already-decided claim.
	RecordResolution(ctx context.Context, id, resolvedBy, notes string, at time.Time) error

	// RecordReleaseError notes that the decided claim's fund movement failed.
	RecordReleaseError(ctx context.Context, id, releaseErr string) error
}
