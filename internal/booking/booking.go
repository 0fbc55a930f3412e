// Package booking holds rental booking records and their lifecycle.
//
// Escrow-relevant fields (payment_status, leg flags, escrow_release_date) are
// written only by the webhook reconciler and the escrow release engine; the
// rest of the marketplace reads them. The two leg flags are claims: a
// conditional false→true update reserves the leg before any money moves, and
// the claim is handed back only when the gateway call behind it fails.
package booking

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBookingNotFound   = errors.New("booking not found")
	ErrInvalidTransition = errors.New("invalid booking status transition")
)

// Status represents a booking's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusActive    Status = "active"
	StatusReturned  Status = "returned"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusDisputed  Status = "disputed"
)

// PaymentStatus represents the payment state of a booking.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Booking represents a rental of a listing between two parties.
// All amounts are integers in minor currency units.
type Booking struct {
	ID           string `json:"id"`
	OwnerID      string `json:"ownerId"`
	RenterID     string `json:"renterId"`
	ListingTitle string `json:"listingTitle"`

	RentalAmount  int64 `json:"rentalAmount"`
	DepositAmount int64 `json:"depositAmount"`
	PlatformFee   int64 `json:"platformFee"`
	TotalAmount   int64 `json:"totalAmount"`

	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`

	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`

	StripeSessionID       string `json:"stripeSessionId,omitempty"`
	StripePaymentIntentID string `json:"stripePaymentIntentId,omitempty"`

	RentalAmountReleased bool       `json:"rentalAmountReleased"`
	DepositReturned      bool       `json:"depositReturned"`
	EscrowReleaseDate    *time.Time `json:"escrowReleaseDate,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsFinished reports whether the rental itself already ran to completion.
// A refund landing after this point must not flip the booking to cancelled.
func (b *Booking) IsFinished() bool {
	return b.Status == StatusReturned || b.Status == StatusCompleted
}

// Party reports whether userID is the owner or renter of this booking.
func (b *Booking) Party(userID string) (owner, renter bool) {
	return userID == b.OwnerID, userID == b.RenterID
}

// Store persists bookings. Mutations are expressed as conditional updates so
// that concurrent webhook deliveries and release calls converge instead of
// double-applying.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error)

	// ConfirmPayment marks the booking paid and records the real payment
	// intent id. Status moves to confirmed only from pending or cancelled;
	// a rental already underway keeps its history on webhook replay.
	ConfirmPayment(ctx context.Context, id, paymentIntentID string) error

	// SetPaymentStatus updates payment_status only, leaving status untouched.
	SetPaymentStatus(ctx context.Context, id string, ps PaymentStatus) error

	// Transition performs a conditional status change and reports whether the
	// row was in the expected from-state. false with nil error means a
	// concurrent caller already moved it.
	Transition(ctx context.Context, id string, from, to Status) (bool, error)

	// CancelUnlessFinished sets status=cancelled unless the booking is already
	// returned or completed. Reports whether the cancel was applied.
	CancelUnlessFinished(ctx context.Context, id string) (bool, error)

	// MarkRentalReleased flips the rental leg flag false→true. Reports false
	// if the flag was already set, in which case the caller must not move
	// the leg's funds.
	MarkRentalReleased(ctx context.Context, id string) (bool, error)

	// MarkDepositReturned flips the deposit leg flag false→true. Reports false
	// if the flag was already set.
	MarkDepositReturned(ctx context.Context, id string) (bool, error)

	// ClearRentalReleased hands a claimed rental leg back after the gateway
	// call behind it failed, so a re-armed retry can run the leg again.
	ClearRentalReleased(ctx context.Context, id string) error

	// ClearDepositReturned is the deposit-leg counterpart of
	// ClearRentalReleased.
	ClearDepositReturned(ctx context.Context, id string) error

	// Complete stamps status=completed and the escrow release date.
	Complete(ctx context.Context, id string, releaseDate time.Time) error
}
