// Package escrow holds captured rental funds and decides where they go.
//
// Flow:
//  1. Renter pays via hosted checkout → funds captured by the gateway
//  2. Webhook reconciler marks the transaction held
//  3. Rental completes, or a claim is resolved, picking a release type
//  4. Release engine transfers to the owner and/or refunds the renter
//  5. Gateway webhooks confirm the movement → transaction marked released
//
// The rental leg and the deposit leg move independently, each exactly once.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEscrowNotFound     = errors.New("escrow transaction not found")
	ErrNotHeld            = errors.New("escrow is not in held state")
	ErrAccountNotReady    = errors.New("owner payout account is not ready")
	ErrInvalidReleaseType = errors.New("invalid release type")
	ErrMissingCharge      = errors.New("escrow transaction has no charge reference")
)

// GatewayError wraps a failed payment-gateway call so handlers can surface
// the details while the booking stays retryable.
type GatewayError struct {
	Op  string // "transfer" or "refund"
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Status represents the state of an escrow transaction.
//
// held is the only state funds can move from. released, refunded and failed
// are terminal; transfer_failed needs an operator re-arm before retrying.
type Status string

const (
	StatusPending        Status = "pending"
	StatusHeld           Status = "held"
	StatusReleased       Status = "released"
	StatusRefunded       Status = "refunded"
	StatusTransferFailed Status = "transfer_failed"
	StatusFailed         Status = "failed"
)

// ReleaseType selects which legs move and in which direction.
type ReleaseType string

const (
	// ReleaseReturnConfirmed — normal completion: rental to owner, deposit
	// back to the renter.
	ReleaseReturnConfirmed ReleaseType = "return_confirmed"
	// ReleaseCompleted — rental leg already released earlier; only the
	// deposit decision remained.
	ReleaseCompleted ReleaseType = "completed"
	// ReleaseClaimOwner — owner's claim approved: rental plus deposit go to
	// the owner in one transfer.
	ReleaseClaimOwner ReleaseType = "claim_owner"
	// ReleaseClaimDenied — owner's claim rejected: same split as a normal
	// return.
	ReleaseClaimDenied ReleaseType = "claim_denied"
	// ReleaseClaimRenterApproved — renter's claim approved: everything back
	// to the renter.
	ReleaseClaimRenterApproved ReleaseType = "claim_renter_approved"
)

// ValidReleaseType reports whether rt is a known release type.
func ValidReleaseType(rt ReleaseType) bool {
	switch rt {
	case ReleaseReturnConfirmed, ReleaseCompleted, ReleaseClaimOwner,
		ReleaseClaimDenied, ReleaseClaimRenterApproved:
		return true
	}
	return false
}

// Transaction is the ledger row for one booking's payment.
// All amounts are integers in minor currency units.
type Transaction struct {
	ID        string `json:"id"`
	BookingID string `json:"bookingId"`

	RentalAmount  int64 `json:"rentalAmount"`
	DepositAmount int64 `json:"depositAmount"`
	PlatformFee   int64 `json:"platformFee"`

	StripePaymentIntentID string `json:"stripePaymentIntentId,omitempty"`
	StripeChargeID        string `json:"stripeChargeId,omitempty"`
	RentalTransferID      string `json:"rentalTransferId,omitempty"`
	DepositRefundID       string `json:"depositRefundId,omitempty"`
	TransferID            string `json:"transferId,omitempty"` // confirmed by transfer.created

	Status Status `json:"escrowStatus"`

	HeldUntil         *time.Time `json:"heldUntil,omitempty"` // booking end date, informational
	RentalReleasedAt  *time.Time `json:"rentalReleasedAt,omitempty"`
	DepositReturnedAt *time.Time `json:"depositReturnedAt,omitempty"`
	ReleaseDate       *time.Time `json:"releaseDate,omitempty"`

	RefundAmount          int64  `json:"refundAmount,omitempty"`
	RefundReason          string `json:"refundReason,omitempty"`
	TransferFailureReason string `json:"transferFailureReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if no further fund movement is possible.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusReleased, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// HoldParams carries the checkout-session truth used to mark a transaction
// held. Amounts come from session metadata (the actual point of capture),
// not from the booking row.
type HoldParams struct {
	BookingID       string
	PaymentIntentID string
	ChargeID        string
	RentalAmount    int64
	DepositAmount   int64
	PlatformFee     int64
	HeldUntil       time.Time
}

// Store persists escrow transactions. Webhook handlers and the release
// engine are the only writers; both rely on the conditional semantics below
// to stay idempotent under replay.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	GetByBookingID(ctx context.Context, bookingID string) (*Transaction, error)
	GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Transaction, error)
	GetByChargeID(ctx context.Context, chargeID string) (*Transaction, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)

	// Hold upserts by booking_id: update in place when a pending row exists,
	// insert otherwise. held_until is only set if not already set.
	Hold(ctx context.Context, p HoldParams) (*Transaction, error)

	// MarkSessionExpired sets status=failed and zeroes the amounts — the
	// payment never completed, there is nothing to hold.
	MarkSessionExpired(ctx context.Context, bookingID string) error

	// SetChargeID backfills the charge id (payment_intent.succeeded may carry
	// it before or after session completion).
	SetChargeID(ctx context.Context, id, chargeID string) error

	// MarkRefunded records a gateway-side refund observed via webhook.
	MarkRefunded(ctx context.Context, id string, amount int64, reason string) error

	// ConfirmTransfer records transfer.created: the payout landed.
	ConfirmTransfer(ctx context.Context, id, transferID string, releaseDate time.Time) error

	// StampRentalRelease records the rental-leg transfer on the row.
	StampRentalRelease(ctx context.Context, id, transferID string, at time.Time) error

	// StampDepositReturn records the deposit-leg refund on the row.
	StampDepositReturn(ctx context.Context, id, refundID string, at time.Time) error

	// TransitionStatus is a compare-and-swap on escrow_status. false with nil
	// error means a concurrent caller already moved the row.
	TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error)

	// RecordTransferFailure moves the row to transfer_failed with the reason,
	// for operator follow-up.
	RecordTransferFailure(ctx context.Context, id, reason string) error
}
